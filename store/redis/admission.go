package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenpool"
)

// Admission is a Redis-backed concurrency cap shared across processes.
type Admission struct {
	client    goredis.Cmdable
	keyPrefix string
	defaults  tokenpool.Limits
}

var _ tokenpool.Admission = (*Admission)(nil)

// NewAdmission creates an Admission with default per-token limits.
// Per-token overrides are set with SetLimits.
func NewAdmission(client goredis.Cmdable, defaults tokenpool.Limits, opts ...Option) *Admission {
	s := New(client, opts...)
	return &Admission{client: client, keyPrefix: s.keyPrefix, defaults: defaults}
}

func (a *Admission) countKey(id string, w tokenpool.Workload) string {
	return a.keyPrefix + "inflight:" + id + ":" + string(w)
}
func (a *Admission) limitsKey(id string) string { return a.keyPrefix + "limits:" + id }
func (a *Admission) slotsKey() string           { return a.keyPrefix + "slots" }

// KEYS[1] = in-flight counter
// KEYS[2] = per-token limits hash
// ARGV[1] = workload
// ARGV[2] = default limit
//
// Returns 1 if one more unit fits, else 0.
var canUseScript = goredis.NewScript(`
local limit = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or ARGV[2])
if limit <= 0 then
    return 1
end
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n < limit then
    return 1
end
return 0
`)

// KEYS[1] = in-flight counter
// KEYS[2] = per-token limits hash
// KEYS[3] = slots hash
// ARGV[1] = workload
// ARGV[2] = default limit
// ARGV[3] = slot id
// ARGV[4] = counter key, stored with the slot for release
var acquireScript = goredis.NewScript(`
local limit = tonumber(redis.call("HGET", KEYS[2], ARGV[1]) or ARGV[2])
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if limit > 0 and n >= limit then
    return 0
end
redis.call("INCR", KEYS[1])
redis.call("HSET", KEYS[3], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] = slots hash
// ARGV[1] = slot id
//
// Returns 1 if the slot was held, 0 if already released.
var releaseScript = goredis.NewScript(`
local key = redis.call("HGET", KEYS[1], ARGV[1])
if not key then
    return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
local n = redis.call("DECR", key)
if n < 0 then
    redis.call("SET", key, 0)
end
return 1
`)

// CanUse reports whether the token has room for one more unit of w.
func (a *Admission) CanUse(ctx context.Context, id string, w tokenpool.Workload) (bool, error) {
	n, err := canUseScript.Run(ctx, a.client,
		[]string{a.countKey(id, w), a.limitsKey(id)},
		string(w), a.defaultLimit(w),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("tokenpool/redis: can use: %w", err)
	}
	return n == 1, nil
}

// Acquire admits one unit of w if under the limit.
func (a *Admission) Acquire(ctx context.Context, id string, w tokenpool.Workload) (tokenpool.Slot, bool, error) {
	slot := tokenpool.Slot{ID: uuid.New().String(), TokenID: id, Workload: w}
	countKey := a.countKey(id, w)
	n, err := acquireScript.Run(ctx, a.client,
		[]string{countKey, a.limitsKey(id), a.slotsKey()},
		string(w), a.defaultLimit(w), slot.ID, countKey,
	).Int64()
	if err != nil {
		return tokenpool.Slot{}, false, fmt.Errorf("tokenpool/redis: acquire slot: %w", err)
	}
	if n == 0 {
		return tokenpool.Slot{}, false, nil
	}
	return slot, true, nil
}

// Release frees a slot. Releasing twice is a no-op and returns false.
func (a *Admission) Release(ctx context.Context, slot tokenpool.Slot) (bool, error) {
	n, err := releaseScript.Run(ctx, a.client, []string{a.slotsKey()}, slot.ID).Int64()
	if err != nil {
		return false, fmt.Errorf("tokenpool/redis: release slot: %w", err)
	}
	return n == 1, nil
}

// InFlight returns the admitted count for the token and workload.
func (a *Admission) InFlight(ctx context.Context, id string, w tokenpool.Workload) (int, error) {
	v, err := a.client.Get(ctx, a.countKey(id, w)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("tokenpool/redis: in flight: %w", err)
	}
	return strconv.Atoi(v)
}

// SetLimits stores per-token limits that override the defaults.
func (a *Admission) SetLimits(ctx context.Context, id string, l tokenpool.Limits) error {
	err := a.client.HSet(ctx, a.limitsKey(id),
		string(tokenpool.WorkloadImage), l.Image,
		string(tokenpool.WorkloadVideo), l.Video,
	).Err()
	if err != nil {
		return fmt.Errorf("tokenpool/redis: set limits: %w", err)
	}
	return nil
}

func (a *Admission) defaultLimit(w tokenpool.Workload) int {
	switch w {
	case tokenpool.WorkloadImage:
		return a.defaults.Image
	case tokenpool.WorkloadVideo:
		return a.defaults.Video
	default:
		return 0
	}
}
