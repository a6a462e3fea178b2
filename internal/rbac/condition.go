package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ConditionKind tags a node of the condition tree.
type ConditionKind string

const (
	ConditionAll        ConditionKind = "all"
	ConditionAny        ConditionKind = "any"
	ConditionNot        ConditionKind = "not"
	ConditionAttribute  ConditionKind = "attribute"
	ConditionOwnership  ConditionKind = "ownership"
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionExpression ConditionKind = "expression"
)

// Operator compares an attribute against a literal.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNe    Operator = "ne"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// DefaultOwnerAttribute is the resource attribute compared by ownership clauses.
const DefaultOwnerAttribute = "ownerId"

const maxConditionDepth = 16

// Condition is a node of a grant's predicate tree. Composite kinds use Clauses (all, any)
// or Clause (not); leaves use the remaining fields.
type Condition struct {
	Kind           ConditionKind `json:"kind"`
	Clauses        []Condition   `json:"clauses,omitempty"`
	Clause         *Condition    `json:"clause,omitempty"`
	Attribute      string        `json:"attribute,omitempty"`
	Op             Operator      `json:"op,omitempty"`
	Value          any           `json:"value,omitempty"`
	Values         []any         `json:"values,omitempty"`
	OwnerAttribute string        `json:"owner_attribute,omitempty"`
	Window         *TimeWindow   `json:"window,omitempty"`
	Expression     string        `json:"expression,omitempty"`
}

// TimeWindow restricts a grant to a span of instants and/or a recurring daily window.
type TimeWindow struct {
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	Weekdays  []string   `json:"weekdays,omitempty"`
	Start     string     `json:"start,omitempty"`
	End       string     `json:"end,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`
}

// IsEmpty reports whether the condition carries no predicate at all. A node without a
// kind that sets any leaf or clause field is malformed, not empty.
func (c *Condition) IsEmpty() bool {
	return c == nil || (c.Kind == "" && len(c.Clauses) == 0 && !c.kindless())
}

// kindless reports whether a node without a kind sets fields that only a typed node may use.
func (c *Condition) kindless() bool {
	return c.Kind == "" && (c.Clause != nil ||
		c.Attribute != "" ||
		c.Op != "" ||
		c.Value != nil ||
		len(c.Values) > 0 ||
		c.OwnerAttribute != "" ||
		c.Window != nil ||
		c.Expression != "")
}

// UnmarshalJSON decodes numeric literals as json.Number so large integer ids survive.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var out plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*c = Condition(out)
	return nil
}

// truth is a three-valued logic result.
type truth int8

const (
	truthFalse truth = iota
	truthTrue
	truthUnknown
)

func truthOf(b bool) truth {
	if b {
		return truthTrue
	}
	return truthFalse
}

func (t truth) not() truth {
	switch t {
	case truthTrue:
		return truthFalse
	case truthFalse:
		return truthTrue
	default:
		return truthUnknown
	}
}

// Evaluator evaluates condition trees. Evaluation has no side effects besides the
// compiled-expression cache, so a condition may be re-evaluated any number of times.
type Evaluator struct {
	expressions *expressionCache
}

// NewEvaluator builds an Evaluator whose expression cache holds up to cacheSize programs.
func NewEvaluator(cacheSize int) (*Evaluator, error) {
	exprs, err := newExpressionCache(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{expressions: exprs}, nil
}

// Evaluate reports whether cond is satisfied in ctx. Unknown attributes, type mismatches
// and failing expressions never satisfy a condition.
func (e *Evaluator) Evaluate(cond *Condition, ctx EvalContext) bool {
	if cond.IsEmpty() {
		return true
	}
	return e.eval(cond, ctx, 0) == truthTrue
}

func (e *Evaluator) eval(c *Condition, ctx EvalContext, depth int) truth {
	if c == nil {
		return truthTrue
	}
	if depth > maxConditionDepth {
		return truthUnknown
	}
	if c.kindless() {
		return truthUnknown
	}
	switch c.Kind {
	case ConditionAll, "":
		result := truthTrue
		for i := range c.Clauses {
			switch e.eval(&c.Clauses[i], ctx, depth+1) {
			case truthFalse:
				return truthFalse
			case truthUnknown:
				result = truthUnknown
			}
		}
		return result
	case ConditionAny:
		if len(c.Clauses) == 0 {
			return truthTrue
		}
		result := truthFalse
		for i := range c.Clauses {
			switch e.eval(&c.Clauses[i], ctx, depth+1) {
			case truthTrue:
				return truthTrue
			case truthUnknown:
				result = truthUnknown
			}
		}
		return result
	case ConditionNot:
		if c.Clause == nil {
			return truthUnknown
		}
		return e.eval(c.Clause, ctx, depth+1).not()
	case ConditionAttribute:
		left, ok := resolveAttribute(c.Attribute, ctx)
		if !ok {
			return truthUnknown
		}
		return compare(left, c.Op, c.Value, c.Values)
	case ConditionOwnership:
		owner, ok := resolveAttribute(ownerPath(c.OwnerAttribute), ctx)
		if !ok {
			return truthUnknown
		}
		return equalValues(owner, ctx.Requester.UserID)
	case ConditionTimeWindow:
		return evalWindow(c.Window, ctx.Now)
	case ConditionExpression:
		if e == nil || e.expressions == nil {
			return truthUnknown
		}
		return e.expressions.eval(c.Expression, ctx)
	default:
		return truthUnknown
	}
}

func ownerPath(attr string) string {
	attr = strings.TrimSpace(attr)
	if attr == "" {
		attr = DefaultOwnerAttribute
	}
	if strings.HasPrefix(attr, "resource.") {
		return attr
	}
	return "resource." + attr
}

// resolveAttribute looks up resource.<path>, requester.* and context.* references.
func resolveAttribute(ref string, ctx EvalContext) (any, bool) {
	ref = strings.TrimSpace(ref)
	switch ref {
	case "requester.id":
		return ctx.Requester.UserID, true
	case "requester.global_role":
		if ctx.Requester.GlobalRole == "" {
			return nil, false
		}
		return string(ctx.Requester.GlobalRole), true
	case "requester.store_role":
		if ctx.StoreID == nil {
			return nil, false
		}
		role, ok := ctx.Requester.StoreRoleIn(*ctx.StoreID)
		if !ok {
			return nil, false
		}
		return string(role), true
	case "context.store_id":
		if ctx.StoreID == nil {
			return nil, false
		}
		return *ctx.StoreID, true
	}
	path, ok := strings.CutPrefix(ref, "resource.")
	if !ok || path == "" {
		return nil, false
	}
	var current any = ctx.Resource
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func compare(left any, op Operator, value any, values []any) truth {
	switch op {
	case OpEq:
		return equalValues(left, value)
	case OpNe:
		return equalValues(left, value).not()
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := orderValues(left, value)
		if !ok {
			return truthUnknown
		}
		switch op {
		case OpLt:
			return truthOf(cmp < 0)
		case OpLte:
			return truthOf(cmp <= 0)
		case OpGt:
			return truthOf(cmp > 0)
		default:
			return truthOf(cmp >= 0)
		}
	case OpIn, OpNotIn:
		list := values
		if list == nil {
			if l, ok := value.([]any); ok {
				list = l
			}
		}
		result := truthFalse
		for _, candidate := range list {
			switch equalValues(left, candidate) {
			case truthTrue:
				result = truthTrue
			case truthUnknown:
				if result == truthFalse {
					result = truthUnknown
				}
			}
			if result == truthTrue {
				break
			}
		}
		if op == OpNotIn {
			return result.not()
		}
		return result
	default:
		return truthUnknown
	}
}

func equalValues(a, b any) truth {
	if x, ok := toInteger(a); ok {
		if y, ok := toInteger(b); ok {
			return truthOf(x == y)
		}
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			if beyondFloatPrecision(a) || beyondFloatPrecision(b) {
				return truthUnknown
			}
			return truthOf(x == y)
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return truthOf(x.Equal(y))
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return truthOf(x == y)
		}
		return truthUnknown
	}
	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return truthOf(x == y)
		}
	}
	return truthUnknown
}

func orderValues(a, b any) (int, bool) {
	if x, ok := toInteger(a); ok {
		if y, ok := toInteger(b); ok {
			return cmpInt(x, y), true
		}
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	if x, ok := toTime(a); ok {
		if y, ok := toTime(b); ok {
			return x.Compare(y), true
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	}
	return 0, false
}

// maxExactFloat is 2^53; integers at or above it do not round-trip through float64.
const maxExactFloat = 1 << 53

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// toInteger converts exact integer operands. Floats qualify only when they are integral
// and small enough to be exact.
func toInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return exactFloat(float64(n))
	case float64:
		return exactFloat(n)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func exactFloat(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.Abs(f) >= maxExactFloat {
		return 0, false
	}
	return int64(f), true
}

// beyondFloatPrecision reports whether v is an integer that float64 cannot hold exactly,
// so comparing it against a fractional or rounded operand is ambiguous.
func beyondFloatPrecision(v any) bool {
	switch n := v.(type) {
	case float32, float64:
		f, _ := toNumber(n)
		return f == math.Trunc(f) && math.Abs(f) >= maxExactFloat
	}
	i, ok := toInteger(v)
	return ok && (i >= maxExactFloat || i <= -maxExactFloat)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func evalWindow(w *TimeWindow, now time.Time) truth {
	if w == nil {
		return truthTrue
	}
	if now.IsZero() {
		return truthUnknown
	}
	if w.NotBefore != nil && now.Before(*w.NotBefore) {
		return truthFalse
	}
	if w.NotAfter != nil && now.After(*w.NotAfter) {
		return truthFalse
	}
	loc, err := windowLocation(w.Timezone)
	if err != nil {
		return truthUnknown
	}
	local := now.In(loc)
	if len(w.Weekdays) > 0 {
		match := false
		for _, raw := range w.Weekdays {
			day, ok := parseWeekday(raw)
			if !ok {
				return truthUnknown
			}
			if day == local.Weekday() {
				match = true
			}
		}
		if !match {
			return truthFalse
		}
	}
	if w.Start == "" && w.End == "" {
		return truthTrue
	}
	minute := local.Hour()*60 + local.Minute()
	start, end := 0, 24*60
	if w.Start != "" {
		if start, err = parseClock(w.Start); err != nil {
			return truthUnknown
		}
	}
	if w.End != "" {
		if end, err = parseClock(w.End); err != nil {
			return truthUnknown
		}
	}
	if start <= end {
		return truthOf(minute >= start && minute < end)
	}
	// window wraps past midnight
	return truthOf(minute >= start || minute < end)
}

func windowLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(raw string) (time.Weekday, bool) {
	day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(raw))]
	return day, ok
}

func parseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("rbac: invalid clock %q", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Validate checks a condition tree for unknown kinds, operators, malformed windows and
// expressions that do not compile. Field paths are rooted at "conditions".
func (e *Evaluator) Validate(cond *Condition) error {
	if cond.IsEmpty() {
		return nil
	}
	verr := &ValidationError{}
	e.validate(cond, "conditions", 0, verr)
	if verr.Empty() {
		return nil
	}
	return verr
}

func (e *Evaluator) validate(c *Condition, path string, depth int, verr *ValidationError) {
	if depth > maxConditionDepth {
		verr.Add(path, fmt.Sprintf("nesting deeper than %d", maxConditionDepth))
		return
	}
	if c.kindless() {
		verr.Add(path+".kind", "required")
		return
	}
	switch c.Kind {
	case ConditionAll, ConditionAny, "":
		for i := range c.Clauses {
			e.validate(&c.Clauses[i], fmt.Sprintf("%s.clauses[%d]", path, i), depth+1, verr)
		}
	case ConditionNot:
		if c.Clause == nil {
			verr.Add(path+".clause", "required")
			return
		}
		e.validate(c.Clause, path+".clause", depth+1, verr)
	case ConditionAttribute:
		if !validAttributeRef(c.Attribute) {
			verr.Add(path+".attribute", "unknown attribute reference")
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			if c.Value == nil {
				verr.Add(path+".value", "required")
			}
		case OpIn, OpNotIn:
			if len(c.Values) == 0 {
				if _, ok := c.Value.([]any); !ok {
					verr.Add(path+".values", "required")
				}
			}
		default:
			verr.Add(path+".op", "unknown operator")
		}
	case ConditionOwnership:
		if c.OwnerAttribute != "" && !validAttributeRef(ownerPath(c.OwnerAttribute)) {
			verr.Add(path+".owner_attribute", "invalid attribute")
		}
	case ConditionTimeWindow:
		validateWindow(c.Window, path+".window", verr)
	case ConditionExpression:
		if strings.TrimSpace(c.Expression) == "" {
			verr.Add(path+".expression", "required")
			return
		}
		if e == nil || e.expressions == nil {
			verr.Add(path+".expression", "expressions are not enabled")
			return
		}
		if err := e.expressions.check(c.Expression); err != nil {
			verr.Add(path+".expression", err.Error())
		}
	default:
		verr.Add(path+".kind", "unknown condition kind")
	}
}

func validAttributeRef(ref string) bool {
	switch ref {
	case "requester.id", "requester.global_role", "requester.store_role", "context.store_id":
		return true
	}
	path, ok := strings.CutPrefix(ref, "resource.")
	if !ok || path == "" {
		return false
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return false
		}
	}
	return true
}

func validateWindow(w *TimeWindow, path string, verr *ValidationError) {
	if w == nil {
		verr.Add(path, "required")
		return
	}
	if w.NotBefore != nil && w.NotAfter != nil && w.NotAfter.Before(*w.NotBefore) {
		verr.Add(path+".not_after", "must not precede not_before")
	}
	if _, err := windowLocation(w.Timezone); err != nil {
		verr.Add(path+".timezone", "unknown timezone")
	}
	for _, day := range w.Weekdays {
		if _, ok := parseWeekday(day); !ok {
			verr.Add(path+".weekdays", fmt.Sprintf("unknown weekday %q", day))
			break
		}
	}
	if w.Start != "" {
		if _, err := parseClock(w.Start); err != nil {
			verr.Add(path+".start", "expected HH:MM")
		}
	}
	if w.End != "" {
		if _, err := parseClock(w.End); err != nil {
			verr.Add(path+".end", "expected HH:MM")
		}
	}
}
