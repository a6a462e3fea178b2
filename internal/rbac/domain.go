package rbac

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Effect is the outcome a grant forces when it matches.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Valid reports whether e is ALLOW or DENY.
func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// ParseEffect normalises raw input.
func ParseEffect(raw string) (Effect, bool) {
	e := Effect(strings.ToUpper(strings.TrimSpace(raw)))
	return e, e.Valid()
}

// Grant is a custom allow/deny override for one subject and action.
// A nil StoreID scopes the grant globally.
type Grant struct {
	ID            uuid.UUID  `json:"id"`
	SubjectUserID int64      `json:"subject_user_id"`
	Action        Action     `json:"action"`
	Effect        Effect     `json:"effect"`
	StoreID       *int64     `json:"store_id,omitempty"`
	Conditions    *Condition `json:"conditions,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Note          string     `json:"note,omitempty"`
	CreatedBy     int64      `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsGlobal reports whether the grant applies in every scope.
func (g Grant) IsGlobal() bool { return g.StoreID == nil }

// Expired reports whether the grant is inert at now.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

// AppliesToStore reports whether the grant is visible in the given scope.
func (g Grant) AppliesToStore(storeID *int64) bool {
	if g.StoreID == nil {
		return true
	}
	return storeID != nil && *storeID == *g.StoreID
}

// newerThan orders grants by creation time, then id, most recent first.
func (g Grant) newerThan(o Grant) bool {
	if !g.CreatedAt.Equal(o.CreatedAt) {
		return g.CreatedAt.After(o.CreatedAt)
	}
	return bytes.Compare(g.ID[:], o.ID[:]) > 0
}

// Principal is the authenticated actor and its resolved roles.
type Principal struct {
	UserID     int64
	GlobalRole GlobalRole
	StoreRoles map[int64]StoreRole
}

// StoreRoleIn returns the principal's role in the given store.
func (p Principal) StoreRoleIn(storeID int64) (StoreRole, bool) {
	role, ok := p.StoreRoles[storeID]
	return role, ok
}

// EvalContext is the runtime context a decision is computed against.
type EvalContext struct {
	Requester Principal
	Resource  map[string]any
	Now       time.Time
	StoreID   *int64
}

// Reason explains why a decision came out the way it did.
type Reason string

const (
	ReasonExplicitDeny       Reason = "EXPLICIT_DENY"
	ReasonExplicitAllow      Reason = "EXPLICIT_ALLOW"
	ReasonRoleDefault        Reason = "ROLE_DEFAULT"
	ReasonNoGrantDefaultDeny Reason = "NO_GRANT_DEFAULT_DENY"
)

// Decision is the verdict for one action. It is never persisted.
type Decision struct {
	Action         Action     `json:"action"`
	Allowed        bool       `json:"allowed"`
	Reason         Reason     `json:"reason"`
	MatchedGrantID *uuid.UUID `json:"matched_grant_id,omitempty"`
}

// GrantOutcome classifies how a candidate grant fared during resolution.
type GrantOutcome string

const (
	OutcomeExpired              GrantOutcome = "expired"
	OutcomeOutOfScope           GrantOutcome = "out_of_scope"
	OutcomeActionMismatch       GrantOutcome = "action_mismatch"
	OutcomeConditionUnsatisfied GrantOutcome = "condition_unsatisfied"
	OutcomeMatched              GrantOutcome = "matched"
)

// GrantTrace records one candidate grant and its outcome.
type GrantTrace struct {
	GrantID uuid.UUID    `json:"grant_id"`
	Effect  Effect       `json:"effect"`
	StoreID *int64       `json:"store_id,omitempty"`
	Outcome GrantOutcome `json:"outcome"`
}

// Explanation is a decision together with how it was reached.
type Explanation struct {
	Decision    Decision     `json:"decision"`
	GlobalRole  GlobalRole   `json:"global_role"`
	StoreRole   StoreRole    `json:"store_role,omitempty"`
	FromGlobal  bool         `json:"from_global_role"`
	FromStore   bool         `json:"from_store_role"`
	Grants      []GrantTrace `json:"grants"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}

// GrantStore is the read side of grant persistence used by the resolver.
type GrantStore interface {
	// ListApplicable returns the subject's GLOBAL grants plus those scoped to storeID
	// (when non-nil) that have not expired at now.
	ListApplicable(ctx context.Context, userID int64, storeID *int64, now time.Time) ([]Grant, error)
}

// PrincipalProvider resolves a user into a Principal, including the store role when a store is given.
type PrincipalProvider interface {
	Principal(ctx context.Context, userID int64, storeID *int64) (Principal, error)
}

type principalKey struct{}

// ContextWithPrincipal stores the principal on the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the principal, returning nil when unauthenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
