package rbac

import (
	"context"
	"time"
)

// Resolver computes decisions from the role catalog and the subject's custom grants.
// It holds no per-request state and may be shared across goroutines.
type Resolver struct {
	catalog   *Catalog
	store     GrantStore
	evaluator *Evaluator
	now       func() time.Time
}

// NewResolver wires a Resolver. A nil evaluator disables expression clauses.
func NewResolver(catalog *Catalog, store GrantStore, evaluator *Evaluator) *Resolver {
	if evaluator == nil {
		evaluator = &Evaluator{}
	}
	return &Resolver{catalog: catalog, store: store, evaluator: evaluator, now: time.Now}
}

// Catalog exposes the role tables the resolver reads.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Resolve decides a single action for the principal. A denial is a normal result;
// errors only report storage or configuration failures.
func (r *Resolver) Resolve(ctx context.Context, p Principal, action Action, ec EvalContext) (Decision, error) {
	ec = r.prepare(p, ec)
	grants, err := r.load(ctx, p, ec)
	if err != nil {
		return Decision{}, err
	}
	return r.decide(p, action, ec, grants, nil)
}

// Explain resolves an action and records how every candidate grant was treated.
func (r *Resolver) Explain(ctx context.Context, p Principal, action Action, ec EvalContext) (Explanation, error) {
	ec = r.prepare(p, ec)
	grants, err := r.load(ctx, p, ec)
	if err != nil {
		return Explanation{}, err
	}
	trace := make([]GrantTrace, 0, len(grants))
	decision, err := r.decide(p, action, ec, grants, &trace)
	if err != nil {
		return Explanation{}, err
	}
	exp := Explanation{
		Decision:    decision,
		GlobalRole:  effectiveGlobalRole(p),
		Grants:      trace,
		EvaluatedAt: ec.Now,
	}
	exp.FromGlobal, _ = r.catalog.globalHas(exp.GlobalRole, action)
	if ec.StoreID != nil {
		if role, ok := p.StoreRoleIn(*ec.StoreID); ok {
			exp.StoreRole = role
			exp.FromStore, _ = r.catalog.storeHas(role, action)
		}
	}
	return exp, nil
}

// DecideAll resolves every catalog action against one snapshot of grants.
func (r *Resolver) DecideAll(ctx context.Context, p Principal, ec EvalContext) ([]Decision, error) {
	ec = r.prepare(p, ec)
	grants, err := r.load(ctx, p, ec)
	if err != nil {
		return nil, err
	}
	actions := AllActions()
	out := make([]Decision, 0, len(actions))
	for _, action := range actions {
		d, err := r.decide(p, action, ec, grants, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListEffective returns every action the principal is allowed to perform in ec.
// Each member agrees with what Resolve returns for that action.
func (r *Resolver) ListEffective(ctx context.Context, p Principal, ec EvalContext) (ActionSet, error) {
	decisions, err := r.DecideAll(ctx, p, ec)
	if err != nil {
		return nil, err
	}
	set := make(ActionSet)
	for _, d := range decisions {
		if d.Allowed {
			set.Add(d.Action)
		}
	}
	return set, nil
}

func (r *Resolver) prepare(p Principal, ec EvalContext) EvalContext {
	ec.Requester = p
	if ec.Now.IsZero() {
		ec.Now = r.now()
	}
	return ec
}

func (r *Resolver) load(ctx context.Context, p Principal, ec EvalContext) ([]Grant, error) {
	grants, err := r.store.ListApplicable(ctx, p.UserID, ec.StoreID, ec.Now)
	if err != nil {
		return nil, StorageError("list applicable grants", err)
	}
	return grants, nil
}

// decide applies precedence: explicit deny, explicit allow, role default, default deny.
func (r *Resolver) decide(p Principal, action Action, ec EvalContext, grants []Grant, trace *[]GrantTrace) (Decision, error) {
	var deny, allow *Grant
	for i := range grants {
		g := &grants[i]
		outcome := r.classify(p, action, ec, g)
		if trace != nil {
			*trace = append(*trace, GrantTrace{GrantID: g.ID, Effect: g.Effect, StoreID: g.StoreID, Outcome: outcome})
		}
		if outcome != OutcomeMatched {
			continue
		}
		switch g.Effect {
		case EffectDeny:
			if deny == nil || g.newerThan(*deny) {
				deny = g
			}
		case EffectAllow:
			if allow == nil || g.newerThan(*allow) {
				allow = g
			}
		}
	}
	if deny != nil {
		id := deny.ID
		return Decision{Action: action, Allowed: false, Reason: ReasonExplicitDeny, MatchedGrantID: &id}, nil
	}
	if allow != nil {
		id := allow.ID
		return Decision{Action: action, Allowed: true, Reason: ReasonExplicitAllow, MatchedGrantID: &id}, nil
	}
	ok, err := r.roleDefault(p, action, ec)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Action: action, Allowed: true, Reason: ReasonRoleDefault}, nil
	}
	return Decision{Action: action, Allowed: false, Reason: ReasonNoGrantDefaultDeny}, nil
}

func (r *Resolver) classify(p Principal, action Action, ec EvalContext, g *Grant) GrantOutcome {
	switch {
	case g.SubjectUserID != p.UserID || !g.AppliesToStore(ec.StoreID):
		return OutcomeOutOfScope
	case g.Expired(ec.Now):
		return OutcomeExpired
	case g.Action != action:
		return OutcomeActionMismatch
	case !g.Effect.Valid():
		return OutcomeActionMismatch
	case !r.evaluator.Evaluate(g.Conditions, ec):
		return OutcomeConditionUnsatisfied
	default:
		return OutcomeMatched
	}
}

func (r *Resolver) roleDefault(p Principal, action Action, ec EvalContext) (bool, error) {
	ok, err := r.catalog.globalHas(effectiveGlobalRole(p), action)
	if err != nil || ok {
		return ok, err
	}
	if ec.StoreID == nil {
		return false, nil
	}
	role, member := p.StoreRoleIn(*ec.StoreID)
	if !member {
		return false, nil
	}
	return r.catalog.storeHas(role, action)
}

func effectiveGlobalRole(p Principal) GlobalRole {
	if p.GlobalRole == "" {
		return DefaultGlobalRole
	}
	return p.GlobalRole
}
