package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	grants []Grant
	err    error
	raw    bool
	calls  int
}

func (m *memoryStore) ListApplicable(_ context.Context, userID int64, storeID *int64, now time.Time) ([]Grant, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []Grant
	for _, g := range m.grants {
		if g.SubjectUserID != userID {
			continue
		}
		if !m.raw && (!g.AppliesToStore(storeID) || g.Expired(now)) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

var testNow = time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func newGrant(user int64, action Action, effect Effect, store *int64, createdAt time.Time) Grant {
	return Grant{
		ID:            uuid.New(),
		SubjectUserID: user,
		Action:        action,
		Effect:        effect,
		StoreID:       store,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func newTestResolver(t *testing.T, store GrantStore) *Resolver {
	t.Helper()
	evaluator, err := NewEvaluator(16)
	require.NoError(t, err)
	r := NewResolver(DefaultCatalog(), store, evaluator)
	r.now = func() time.Time { return testNow }
	return r
}

func TestResolveExplicitAllowOverridesMissingDefault(t *testing.T) {
	allow := newGrant(1, ActionDeleteUser, EffectAllow, nil, testNow.Add(-time.Hour))
	r := newTestResolver(t, &memoryStore{grants: []Grant{allow}})
	user := Principal{UserID: 1, GlobalRole: GlobalRoleUser}

	d, err := r.Resolve(context.Background(), user, ActionDeleteUser, EvalContext{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonExplicitAllow, d.Reason)
	require.NotNil(t, d.MatchedGrantID)
	assert.Equal(t, allow.ID, *d.MatchedGrantID)
}

func TestResolveLaterDenyBeatsAllow(t *testing.T) {
	allow := newGrant(1, ActionDeleteUser, EffectAllow, nil, testNow.Add(-2*time.Hour))
	deny := newGrant(1, ActionDeleteUser, EffectDeny, nil, testNow.Add(-time.Hour))
	r := newTestResolver(t, &memoryStore{grants: []Grant{allow, deny}})

	d, err := r.Resolve(context.Background(), Principal{UserID: 1, GlobalRole: GlobalRoleUser}, ActionDeleteUser, EvalContext{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExplicitDeny, d.Reason)
	require.NotNil(t, d.MatchedGrantID)
	assert.Equal(t, deny.ID, *d.MatchedGrantID)
}

func TestResolveStoreRoleDefault(t *testing.T) {
	r := newTestResolver(t, &memoryStore{})
	manager := Principal{UserID: 2, GlobalRole: GlobalRoleUser, StoreRoles: map[int64]StoreRole{1: StoreRoleManager}}

	d, err := r.Resolve(context.Background(), manager, ActionReadStore, EvalContext{StoreID: int64Ptr(1)})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonRoleDefault, d.Reason)
	assert.Nil(t, d.MatchedGrantID)

	d, err = r.Resolve(context.Background(), manager, ActionReadStore, EvalContext{StoreID: int64Ptr(2)})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrantDefaultDeny, d.Reason)
}

func TestResolveOwnershipCondition(t *testing.T) {
	grant := newGrant(3, ActionUpdateProduct, EffectAllow, int64Ptr(1), testNow.Add(-time.Hour))
	grant.Conditions = &Condition{Kind: ConditionOwnership}
	r := newTestResolver(t, &memoryStore{grants: []Grant{grant}})
	user := Principal{UserID: 3, GlobalRole: GlobalRoleUser}
	store := int64Ptr(1)

	d, err := r.Resolve(context.Background(), user, ActionUpdateProduct, EvalContext{StoreID: store, Resource: map[string]any{"ownerId": int64(99)}})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrantDefaultDeny, d.Reason)

	d, err = r.Resolve(context.Background(), user, ActionUpdateProduct, EvalContext{StoreID: store, Resource: map[string]any{"ownerId": float64(3)}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonExplicitAllow, d.Reason)

	staff := Principal{UserID: 3, GlobalRole: GlobalRoleUser, StoreRoles: map[int64]StoreRole{1: StoreRoleStaff}}
	d, err = r.Resolve(context.Background(), staff, ActionUpdateProduct, EvalContext{StoreID: store, Resource: map[string]any{"ownerId": "99"}})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonRoleDefault, d.Reason)
}

func TestResolveMissingResourceFieldDoesNotMatch(t *testing.T) {
	grant := newGrant(3, ActionUpdateProduct, EffectAllow, nil, testNow.Add(-time.Hour))
	grant.Conditions = &Condition{Kind: ConditionOwnership}
	r := newTestResolver(t, &memoryStore{grants: []Grant{grant}})

	d, err := r.Resolve(context.Background(), Principal{UserID: 3}, ActionUpdateProduct, EvalContext{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrantDefaultDeny, d.Reason)
}

func TestResolveDenyBeatsEverything(t *testing.T) {
	store := int64Ptr(7)
	deny := newGrant(4, ActionDeleteProduct, EffectDeny, store, testNow.Add(-48*time.Hour))
	allowGlobal := newGrant(4, ActionDeleteProduct, EffectAllow, nil, testNow.Add(-time.Hour))
	allowStore := newGrant(4, ActionDeleteProduct, EffectAllow, store, testNow.Add(-time.Minute))
	r := newTestResolver(t, &memoryStore{grants: []Grant{deny, allowGlobal, allowStore}})
	root := Principal{UserID: 4, GlobalRole: GlobalRoleSuperAdmin, StoreRoles: map[int64]StoreRole{7: StoreRoleOwner}}

	d, err := r.Resolve(context.Background(), root, ActionDeleteProduct, EvalContext{StoreID: store})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExplicitDeny, d.Reason)
	assert.Equal(t, deny.ID, *d.MatchedGrantID)

	// outside the deny's store the newest allow wins
	d, err = r.Resolve(context.Background(), root, ActionDeleteProduct, EvalContext{StoreID: int64Ptr(8)})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, allowGlobal.ID, *d.MatchedGrantID)
}

func TestResolveIgnoresExpiredGrants(t *testing.T) {
	expired := newGrant(5, ActionListUsers, EffectDeny, nil, testNow.Add(-48*time.Hour))
	expired.ExpiresAt = timePtr(testNow.Add(-time.Second))
	exact := newGrant(5, ActionListUsers, EffectDeny, nil, testNow.Add(-48*time.Hour))
	exact.ExpiresAt = timePtr(testNow)
	// store hands back rows unfiltered; the resolver must still skip them
	r := newTestResolver(t, &memoryStore{grants: []Grant{expired, exact}, raw: true})

	d, err := r.Resolve(context.Background(), Principal{UserID: 5, GlobalRole: GlobalRoleAdmin}, ActionListUsers, EvalContext{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonRoleDefault, d.Reason)

	exp, err := r.Explain(context.Background(), Principal{UserID: 5, GlobalRole: GlobalRoleAdmin}, ActionListUsers, EvalContext{})
	require.NoError(t, err)
	require.Len(t, exp.Grants, 2)
	for _, tr := range exp.Grants {
		assert.Equal(t, OutcomeExpired, tr.Outcome)
	}
}

func TestResolveTieBreakByID(t *testing.T) {
	created := testNow.Add(-time.Hour)
	low := newGrant(6, ActionReadChat, EffectAllow, nil, created)
	low.ID = uuid.MustParse("00000000-0000-7000-8000-000000000001")
	high := newGrant(6, ActionReadChat, EffectAllow, nil, created)
	high.ID = uuid.MustParse("00000000-0000-7000-8000-000000000002")
	r := newTestResolver(t, &memoryStore{grants: []Grant{high, low}})

	for i := 0; i < 3; i++ {
		d, err := r.Resolve(context.Background(), Principal{UserID: 6}, ActionReadChat, EvalContext{})
		require.NoError(t, err)
		assert.Equal(t, high.ID, *d.MatchedGrantID)
	}
}

func TestListEffectiveAgreesWithResolve(t *testing.T) {
	store := int64Ptr(11)
	conditional := newGrant(8, ActionManageStoreUsers, EffectAllow, store, testNow.Add(-time.Hour))
	conditional.Conditions = &Condition{Kind: ConditionAttribute, Attribute: "resource.tier", Op: OpEq, Value: "gold"}
	expired := newGrant(8, ActionDeleteStore, EffectAllow, store, testNow.Add(-time.Hour))
	expired.ExpiresAt = timePtr(testNow.Add(-time.Minute))
	grants := []Grant{
		newGrant(8, ActionDeleteUser, EffectAllow, nil, testNow.Add(-3*time.Hour)),
		newGrant(8, ActionReadProduct, EffectDeny, store, testNow.Add(-2*time.Hour)),
		newGrant(8, ActionSendNotification, EffectDeny, nil, testNow.Add(-2*time.Hour)),
		newGrant(8, ActionCreateProduct, EffectAllow, int64Ptr(12), testNow.Add(-2*time.Hour)),
		conditional,
		expired,
	}
	r := newTestResolver(t, &memoryStore{grants: grants})
	principal := Principal{UserID: 8, GlobalRole: GlobalRoleAdmin, StoreRoles: map[int64]StoreRole{11: StoreRoleStaff}}

	contexts := []EvalContext{
		{},
		{StoreID: store},
		{StoreID: store, Resource: map[string]any{"tier": "gold"}},
		{StoreID: int64Ptr(12)},
	}
	for _, ec := range contexts {
		effective, err := r.ListEffective(context.Background(), principal, ec)
		require.NoError(t, err)
		for _, action := range AllActions() {
			d, err := r.Resolve(context.Background(), principal, action, ec)
			require.NoError(t, err)
			assert.Equal(t, d.Allowed, effective.Has(action), "action %s in %+v", action, ec.StoreID)
		}
	}

	effective, err := r.ListEffective(context.Background(), principal, EvalContext{StoreID: store})
	require.NoError(t, err)
	assert.True(t, effective.Has(ActionDeleteUser))
	assert.False(t, effective.Has(ActionReadProduct))
	assert.False(t, effective.Has(ActionSendNotification))
	assert.False(t, effective.Has(ActionManageStoreUsers))
	assert.False(t, effective.Has(ActionDeleteStore))
	assert.True(t, effective.Has(ActionManageInventory))
}

func TestResolveStorageFailure(t *testing.T) {
	r := newTestResolver(t, &memoryStore{err: errors.New("connection refused")})

	_, err := r.Resolve(context.Background(), Principal{UserID: 1}, ActionReadUser, EvalContext{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = r.ListEffective(context.Background(), Principal{UserID: 1}, EvalContext{})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestResolveUnknownRoleIsConfigurationError(t *testing.T) {
	r := newTestResolver(t, &memoryStore{})

	_, err := r.Resolve(context.Background(), Principal{UserID: 1, GlobalRole: "AUDITOR"}, ActionReadUser, EvalContext{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = r.Resolve(context.Background(), Principal{UserID: 1, GlobalRole: GlobalRoleUser, StoreRoles: map[int64]StoreRole{1: "CASHIER"}}, ActionReadStore, EvalContext{StoreID: int64Ptr(1)})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestResolveBlankGlobalRoleUsesDefault(t *testing.T) {
	r := newTestResolver(t, &memoryStore{})

	d, err := r.Resolve(context.Background(), Principal{UserID: 1}, ActionViewRoadmap, EvalContext{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonRoleDefault, d.Reason)
}

func TestExplainTracesEveryGrant(t *testing.T) {
	store := int64Ptr(3)
	matched := newGrant(9, ActionUpdateStore, EffectAllow, store, testNow.Add(-time.Hour))
	mismatch := newGrant(9, ActionDeleteStore, EffectAllow, store, testNow.Add(-time.Hour))
	unsatisfied := newGrant(9, ActionUpdateStore, EffectDeny, nil, testNow.Add(-time.Hour))
	unsatisfied.Conditions = &Condition{Kind: ConditionAttribute, Attribute: "resource.locked", Op: OpEq, Value: true}
	r := newTestResolver(t, &memoryStore{grants: []Grant{matched, mismatch, unsatisfied}})
	principal := Principal{UserID: 9, GlobalRole: GlobalRoleUser, StoreRoles: map[int64]StoreRole{3: StoreRoleManager}}

	exp, err := r.Explain(context.Background(), principal, ActionUpdateStore, EvalContext{StoreID: store, Resource: map[string]any{"locked": false}})
	require.NoError(t, err)
	assert.True(t, exp.Decision.Allowed)
	assert.Equal(t, ReasonExplicitAllow, exp.Decision.Reason)
	assert.Equal(t, StoreRoleManager, exp.StoreRole)
	assert.True(t, exp.FromStore)
	assert.False(t, exp.FromGlobal)
	assert.Equal(t, testNow, exp.EvaluatedAt)

	outcomes := map[uuid.UUID]GrantOutcome{}
	for _, tr := range exp.Grants {
		outcomes[tr.GrantID] = tr.Outcome
	}
	assert.Equal(t, OutcomeMatched, outcomes[matched.ID])
	assert.Equal(t, OutcomeActionMismatch, outcomes[mismatch.ID])
	assert.Equal(t, OutcomeConditionUnsatisfied, outcomes[unsatisfied.ID])
}
