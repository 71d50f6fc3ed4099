// Package redis provides a Redis-backed tokenpool.Registry, Locker and Admission.
//
// Tokens are stored as hashes; a sorted set scored by insertion sequence
// gives ListLive a stable order. Read-modify-write steps run as Lua scripts,
// so several balancer processes can share one Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenpool"
)

const defaultKeyPrefix = "tokenpool:"

// Store is a Redis-backed Registry.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ tokenpool.Registry = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenpool:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock overrides the time source used for cooldown refreshes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed Registry.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tokenKey(id string) string { return s.keyPrefix + "token:" + id }
func (s *Store) orderKey() string          { return s.keyPrefix + "tokens" }
func (s *Store) seqKey() string            { return s.keyPrefix + "seq" }
func (s *Store) modeKey() string           { return s.keyPrefix + "scheduling_mode" }
func (s *Store) renewalsKey() string       { return s.keyPrefix + "renewals" }

// Put inserts or replaces a token. New tokens are appended to the enumeration order.
func (s *Store) Put(ctx context.Context, t tokenpool.Token) error {
	if t.ID == "" {
		return fmt.Errorf("tokenpool/redis: put: empty token id")
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("tokenpool/redis: put: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.tokenKey(t.ID), tokenToMap(t))
	pipe.ZAddNX(ctx, s.orderKey(), goredis.Z{Score: float64(seq), Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tokenpool/redis: put: %w", err)
	}
	return nil
}

// ListLive returns active tokens in insertion order.
func (s *Store) ListLive(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, true)
}

// ListAll returns every token in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, false)
}

// Get returns one token.
func (s *Store) Get(ctx context.Context, id string) (tokenpool.Token, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(id)).Result()
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/redis: get: %w", err)
	}
	if len(fields) == 0 {
		return tokenpool.Token{}, fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return mapToToken(fields)
}

// incrementScript bumps usage_count only for existing tokens.
// KEYS[1] = token hash key
// Returns 1 on success, 0 if the token does not exist.
var incrementScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HINCRBY", KEYS[1], "usage_count", 1)
return 1
`)

// IncrementUsage adds one to the stored usage count.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	n, err := incrementScript.Run(ctx, s.client, []string{s.tokenKey(id)}).Int64()
	if err != nil {
		return fmt.Errorf("tokenpool/redis: increment usage: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return nil
}

// refreshScript clears a cooldown that is already past.
// KEYS[1] = token hash key
// ARGV[1] = now (unix milliseconds)
//
// Returns:
//
//	1  = cooldown cleared
//	0  = nothing to clear
//	-1 = token not found
var refreshScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
local until_ms = tonumber(redis.call("HGET", KEYS[1], "cooldown_until") or "0") or 0
if until_ms > 0 and until_ms <= tonumber(ARGV[1]) then
    redis.call("HSET", KEYS[1], "cooldown_until", "0")
    return 1
end
return 0
`)

// RefreshQuotaIfCooldownExpired clears the cooldown if it is past.
func (s *Store) RefreshQuotaIfCooldownExpired(ctx context.Context, id string) error {
	n, err := refreshScript.Run(ctx, s.client, []string{s.tokenKey(id)}, s.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("tokenpool/redis: refresh cooldown: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return nil
}

// renewalScript queues a token for renewal unless it is already queued.
// KEYS[1] = token hash key
// KEYS[2] = renewal list key
// ARGV[1] = token id
var renewalScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
if redis.call("LPOS", KEYS[2], ARGV[1]) then
    return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// TriggerRenewal queues the token for an external renewer. See NextRenewal.
func (s *Store) TriggerRenewal(ctx context.Context, id string) error {
	n, err := renewalScript.Run(ctx, s.client, []string{s.tokenKey(id), s.renewalsKey()}, id).Int64()
	if err != nil {
		return fmt.Errorf("tokenpool/redis: trigger renewal: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return nil
}

// NextRenewal pops the oldest queued renewal. Returns "" if none is queued.
func (s *Store) NextRenewal(ctx context.Context) (string, error) {
	id, err := s.client.LPop(ctx, s.renewalsKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/redis: next renewal: %w", err)
	}
	return id, nil
}

// SchedulingMode returns the stored mode, random if unset.
func (s *Store) SchedulingMode(ctx context.Context) (tokenpool.SchedulingMode, error) {
	v, err := s.client.Get(ctx, s.modeKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return tokenpool.ModeRandom, nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/redis: scheduling mode: %w", err)
	}
	return tokenpool.ParseSchedulingMode(v)
}

// SetSchedulingMode stores the mode shared by every balancer on this Redis.
func (s *Store) SetSchedulingMode(ctx context.Context, m tokenpool.SchedulingMode) error {
	if _, err := tokenpool.ParseSchedulingMode(string(m)); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.modeKey(), string(m), 0).Err(); err != nil {
		return fmt.Errorf("tokenpool/redis: set scheduling mode: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, liveOnly bool) ([]tokenpool.Token, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("tokenpool/redis: list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.tokenKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tokenpool/redis: list: %w", err)
	}

	tokens := make([]tokenpool.Token, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := mapToToken(fields)
		if err != nil {
			return nil, err
		}
		if liveOnly && !t.Active {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func tokenToMap(t tokenpool.Token) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"email":           t.Email,
		"active":          boolField(t.Active),
		"expires_at":      timeField(t.ExpiresAt),
		"plan":            string(t.Plan),
		"image_enabled":   boolField(t.ImageEnabled),
		"video_enabled":   boolField(t.VideoEnabled),
		"video_supported": boolField(t.VideoSupported),
		"cooldown_until":  timeField(t.CooldownUntil),
		"usage_count":     t.UsageCount,
	}
}

func mapToToken(m map[string]string) (tokenpool.Token, error) {
	usage, err := strconv.ParseInt(orZero(m["usage_count"]), 10, 64)
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/redis: decode usage_count: %w", err)
	}
	expires, err := parseTimeField(m["expires_at"])
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/redis: decode expires_at: %w", err)
	}
	cooldown, err := parseTimeField(m["cooldown_until"])
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/redis: decode cooldown_until: %w", err)
	}
	return tokenpool.Token{
		ID:             m["id"],
		Email:          m["email"],
		Active:         m["active"] == "1",
		ExpiresAt:      expires,
		Plan:           tokenpool.PlanTier(m["plan"]),
		ImageEnabled:   m["image_enabled"] == "1",
		VideoEnabled:   m["video_enabled"] == "1",
		VideoSupported: m["video_supported"] == "1",
		CooldownUntil:  cooldown,
		UsageCount:     usage,
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func timeField(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseTimeField(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(orZero(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}
