package device

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"gait-backend/internal/store"
)

// UserLookup is the slice of the persistence collaborator the resolver needs.
type UserLookup interface {
	UsernameByKitID(ctx context.Context, kitID int64) (string, error)
}

// Resolver maps a device id to the username whose live channel should receive
// its events. ok=false means the kit is currently unassigned, which is a
// normal outcome: devices may report before or after assignment.
type Resolver interface {
	Resolve(ctx context.Context, deviceID int64) (username string, ok bool, err error)
	Invalidate(ctx context.Context, deviceID int64)
}

type storeResolver struct {
	lookup UserLookup
}

func NewResolver(lookup UserLookup) Resolver {
	return &storeResolver{lookup: lookup}
}

func (r *storeResolver) Resolve(ctx context.Context, deviceID int64) (string, bool, error) {
	username, err := r.lookup.UsernameByKitID(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return username, true, nil
}

func (r *storeResolver) Invalidate(ctx context.Context, deviceID int64) {}

// cachedResolver fronts the store lookup with a redis cache. Devices publish
// far more often than assignments change, so entries live for a TTL and are
// explicitly invalidated on kit assignment or unassignment.
type cachedResolver struct {
	next Resolver
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCachedResolver(next Resolver, rdb *redis.Client, ttl time.Duration) Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cachedResolver{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(deviceID int64) string {
	return "gait:device-user:" + strconv.FormatInt(deviceID, 10)
}

func (r *cachedResolver) Resolve(ctx context.Context, deviceID int64) (string, bool, error) {
	if cached, err := r.rdb.Get(ctx, cacheKey(deviceID)).Result(); err == nil && cached != "" {
		return cached, true, nil
	} else if err != nil && !errors.Is(err, redis.Nil) {
		slog.Debug("resolver cache read failed", "device_id", deviceID, "error", err)
	}
	username, ok, err := r.next.Resolve(ctx, deviceID)
	if err != nil || !ok {
		return "", ok, err
	}
	if err := r.rdb.Set(ctx, cacheKey(deviceID), username, r.ttl).Err(); err != nil {
		slog.Debug("resolver cache write failed", "device_id", deviceID, "error", err)
	}
	return username, true, nil
}

func (r *cachedResolver) Invalidate(ctx context.Context, deviceID int64) {
	if err := r.rdb.Del(ctx, cacheKey(deviceID)).Err(); err != nil {
		slog.Warn("resolver cache invalidate failed", "device_id", deviceID, "error", err)
	}
	r.next.Invalidate(ctx, deviceID)
}
