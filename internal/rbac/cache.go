package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const grantCachePrefix = "authz:grants"

// GrantCache is a read-through Redis cache in front of a GrantStore. Rows are cached per
// (user, store) under a per-user version; Invalidate bumps the version so later reads miss.
// Decisions are never cached, so expiry and time-window clauses are always evaluated live.
type GrantCache struct {
	client *redis.Client
	store  GrantStore
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

const fillTimeout = 10 * time.Second

// NewGrantCache wraps store with a Redis cache.
func NewGrantCache(client *redis.Client, store GrantStore, ttl time.Duration, logger *slog.Logger) *GrantCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GrantCache{client: client, store: store, ttl: ttl, logger: logger}
}

// ListApplicable implements GrantStore.
func (c *GrantCache) ListApplicable(ctx context.Context, userID int64, storeID *int64, now time.Time) ([]Grant, error) {
	if c == nil || c.client == nil {
		return c.store.ListApplicable(ctx, userID, storeID, now)
	}
	ver, err := c.version(ctx, userID)
	if err != nil {
		c.logger.Warn("grant cache version", slog.Int64("user_id", userID), slog.Any("error", err))
		return c.store.ListApplicable(ctx, userID, storeID, now)
	}
	key := grantKey(userID, storeID, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var grants []Grant
		if err := json.Unmarshal(payload, &grants); err == nil {
			return liveGrants(grants, now), nil
		}
		c.logger.Warn("grant cache decode", slog.String("key", key), slog.Any("error", err))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("grant cache get", slog.String("key", key), slog.Any("error", err))
		return c.store.ListApplicable(ctx, userID, storeID, now)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// coalesced waiters share this fill, so one caller's cancellation must not end it
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		grants, err := c.store.ListApplicable(fillCtx, userID, storeID, now)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(grants)
		if err == nil {
			if err := c.client.Set(fillCtx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("grant cache set", slog.String("key", key), slog.Any("error", err))
			}
		}
		return grants, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		grants, _ := res.Val.([]Grant)
		return liveGrants(grants, now), nil
	}
}

// Invalidate bumps the cache version of every given user. It must succeed before an
// administrative write is reported as done.
func (c *GrantCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	if c == nil || c.client == nil || len(userIDs) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(userIDs))
	pipe := c.client.TxPipeline()
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		pipe.Incr(ctx, versionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rbac: invalidate grant cache: %w", err)
	}
	return nil
}

func (c *GrantCache) version(ctx context.Context, userID int64) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// liveGrants copies grants and drops those expired at now. Cached rows may outlive
// their expiry.
func liveGrants(grants []Grant, now time.Time) []Grant {
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if !g.Expired(now) {
			out = append(out, g)
		}
	}
	return out
}

func versionKey(userID int64) string {
	return strings.Join([]string{grantCachePrefix, "version", strconv.FormatInt(userID, 10)}, ":")
}

func grantKey(userID int64, storeID *int64, ver int64) string {
	scope := "global"
	if storeID != nil {
		scope = "store-" + strconv.FormatInt(*storeID, 10)
	}
	return strings.Join([]string{grantCachePrefix, strconv.FormatInt(userID, 10), scope, "v" + strconv.FormatInt(ver, 10)}, ":")
}
