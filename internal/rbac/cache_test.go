package rbac

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrantCache(t *testing.T, store GrantStore) (*GrantCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewGrantCache(client, store, time.Minute, nil), mr
}

func TestGrantCacheServesFromRedis(t *testing.T) {
	allow := newGrant(1, ActionDeleteUser, EffectAllow, nil, testNow.Add(-time.Hour))
	allow.Conditions = &Condition{Kind: ConditionOwnership}
	store := &memoryStore{grants: []Grant{allow}}
	cache, _ := newTestGrantCache(t, store)
	ctx := context.Background()

	first, err := cache.ListApplicable(ctx, 1, nil, testNow)
	require.NoError(t, err)
	second, err := cache.ListApplicable(ctx, 1, nil, testNow)
	require.NoError(t, err)

	assert.Equal(t, 1, store.calls)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	require.NotNil(t, second[0].Conditions)
	assert.Equal(t, ConditionOwnership, second[0].Conditions.Kind)
}

func TestGrantCacheInvalidateForcesReload(t *testing.T) {
	store := &memoryStore{}
	cache, _ := newTestGrantCache(t, store)
	ctx := context.Background()

	grants, err := cache.ListApplicable(ctx, 1, int64Ptr(2), testNow)
	require.NoError(t, err)
	assert.Empty(t, grants)

	store.grants = append(store.grants, newGrant(1, ActionReadStore, EffectDeny, int64Ptr(2), testNow))
	require.NoError(t, cache.Invalidate(ctx, 1, 1))

	grants, err = cache.ListApplicable(ctx, 1, int64Ptr(2), testNow)
	require.NoError(t, err)
	assert.Len(t, grants, 1)
	assert.Equal(t, 2, store.calls)

	// other users keep their cached rows
	_, err = cache.ListApplicable(ctx, 5, nil, testNow)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, 1))
	_, err = cache.ListApplicable(ctx, 5, nil, testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestGrantCacheDropsRowsExpiredSinceCaching(t *testing.T) {
	g := newGrant(1, ActionReadChat, EffectAllow, nil, testNow.Add(-time.Hour))
	g.ExpiresAt = timePtr(testNow.Add(time.Minute))
	store := &memoryStore{grants: []Grant{g}}
	cache, _ := newTestGrantCache(t, store)
	ctx := context.Background()

	grants, err := cache.ListApplicable(ctx, 1, nil, testNow)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	grants, err = cache.ListApplicable(ctx, 1, nil, testNow.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, grants)
	assert.Equal(t, 1, store.calls)
}

func TestGrantCacheFallsBackWhenRedisDown(t *testing.T) {
	store := &memoryStore{grants: []Grant{newGrant(1, ActionReadChat, EffectAllow, nil, testNow)}}
	cache, mr := newTestGrantCache(t, store)
	mr.Close()

	grants, err := cache.ListApplicable(context.Background(), 1, nil, testNow)
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	assert.Error(t, cache.Invalidate(context.Background(), 1))
}

func TestGrantCacheWithoutClient(t *testing.T) {
	store := &memoryStore{}
	cache := NewGrantCache(nil, store, 0, nil)

	_, err := cache.ListApplicable(context.Background(), 1, nil, testNow)
	require.NoError(t, err)
	assert.NoError(t, cache.Invalidate(context.Background(), 1))
	assert.Equal(t, 1, store.calls)
}

func TestResolverThroughCacheSeesWritesAfterInvalidate(t *testing.T) {
	store := &memoryStore{}
	cache, _ := newTestGrantCache(t, store)
	r := newTestResolver(t, cache)
	ctx := context.Background()
	user := Principal{UserID: 1, GlobalRole: GlobalRoleAdmin}

	d, err := r.Resolve(ctx, user, ActionListUsers, EvalContext{Now: testNow})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	store.grants = append(store.grants, newGrant(1, ActionListUsers, EffectDeny, nil, testNow))
	require.NoError(t, cache.Invalidate(ctx, 1))

	d, err = r.Resolve(ctx, user, ActionListUsers, EvalContext{Now: testNow})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonExplicitDeny, d.Reason)
}

type blockingStore struct {
	grants  []Grant
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingStore) ListApplicable(ctx context.Context, _ int64, _ *int64, _ time.Time) ([]Grant, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	<-b.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.grants, nil
}

func TestGrantCacheFillSurvivesCallerCancellation(t *testing.T) {
	store := &blockingStore{
		grants:  []Grant{newGrant(7, ActionReadUser, EffectAllow, nil, testNow.Add(-time.Hour))},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	cache, mr := newTestGrantCache(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.ListApplicable(ctx, 7, nil, testNow)
		done <- err
	}()
	<-store.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(store.release)
	require.Eventually(t, func() bool { return mr.Exists(grantKey(7, nil, 0)) }, time.Second, 5*time.Millisecond)

	grants, err := cache.ListApplicable(context.Background(), 7, nil, testNow)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, ActionReadUser, grants[0].Action)
	assert.Equal(t, int32(1), store.calls.Load())
}
