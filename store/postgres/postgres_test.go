//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tp "github.com/ineyio/tokenpool"
	storepg "github.com/ineyio/tokenpool/store/postgres"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/tokenpool_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *storepg.Store {
	t.Helper()
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := storepg.New(pool,
		storepg.WithTablePrefix(prefix),
		storepg.WithClock(func() time.Time { return testNow }),
	)

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %stokens, %srenewals, %ssettings", prefix, prefix, prefix))
	})
	return s
}

func TestPutListOrder(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	expires := testNow.Add(48 * time.Hour)
	require.NoError(t, store.Put(ctx, tp.Token{ID: "b", Email: "b@x", Active: true, Plan: tp.PlanPro, ExpiresAt: expires}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "a", Active: false}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "c", Active: true, VideoEnabled: true, VideoSupported: true}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "b", Email: "b2@x", Active: true, Plan: tp.PlanPro, ExpiresAt: expires}))

	live, err := store.ListLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "b", live[0].ID)
	assert.Equal(t, "b2@x", live[0].Email)
	assert.True(t, live[0].ExpiresAt.Equal(expires))
	assert.True(t, live[0].Plan.Elevated())
	assert.Equal(t, "c", live[1].ID)
	assert.Equal(t, tp.PlanStandard, live[1].Plan)
	assert.True(t, live[1].ExpiresAt.IsZero())

	all, err := store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, tp.ErrTokenNotFound)
}

func TestIncrementUsageConcurrent(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tp.Token{ID: "a", Active: true}))

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.IncrementUsage(ctx, "a"))
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.UsageCount)
	assert.ErrorIs(t, store.IncrementUsage(ctx, "missing"), tp.ErrTokenNotFound)
}

func TestRefreshCooldown(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tp.Token{ID: "past", Active: true, CooldownUntil: testNow.Add(-time.Minute)}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "future", Active: true, CooldownUntil: testNow.Add(time.Minute)}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "none", Active: true}))

	require.NoError(t, store.RefreshQuotaIfCooldownExpired(ctx, "past"))
	require.NoError(t, store.RefreshQuotaIfCooldownExpired(ctx, "future"))
	require.NoError(t, store.RefreshQuotaIfCooldownExpired(ctx, "none"))
	assert.ErrorIs(t, store.RefreshQuotaIfCooldownExpired(ctx, "missing"), tp.ErrTokenNotFound)

	past, err := store.Get(ctx, "past")
	require.NoError(t, err)
	assert.True(t, past.CooldownUntil.IsZero())

	future, err := store.Get(ctx, "future")
	require.NoError(t, err)
	assert.True(t, future.CooldownUntil.Equal(testNow.Add(time.Minute)))
}

func TestRenewalRequests(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tp.Token{ID: "a", Active: true}))
	require.NoError(t, store.TriggerRenewal(ctx, "a"))
	require.NoError(t, store.TriggerRenewal(ctx, "a"))
	assert.ErrorIs(t, store.TriggerRenewal(ctx, "missing"), tp.ErrTokenNotFound)

	id, err := store.NextRenewal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	id, err = store.NextRenewal(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestSchedulingMode(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	mode, err := store.SchedulingMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, tp.ModeRandom, mode)

	require.NoError(t, store.SetSchedulingMode(ctx, tp.ModeRoundRobin))
	mode, err = store.SchedulingMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, tp.ModeRoundRobin, mode)

	assert.ErrorIs(t, store.SetSchedulingMode(ctx, "weighted"), tp.ErrInvalidConfig)
}

func TestBalancerVideoCooldownOverPostgres(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, tp.Token{ID: "v1", Active: true, VideoEnabled: true, VideoSupported: true, CooldownUntil: testNow.Add(-time.Second)}))
	require.NoError(t, store.Put(ctx, tp.Token{ID: "v2", Active: true, VideoEnabled: true, VideoSupported: true, CooldownUntil: testNow.Add(time.Hour)}))

	b, err := tp.NewBalancer(store, tp.DefaultConfig(), tp.WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)

	for range 5 {
		tok, err := b.Select(ctx, tp.Requirements{Video: true})
		require.NoError(t, err)
		assert.Equal(t, "v1", tok.ID)
	}
	b.Wait()

	v1, err := store.Get(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, v1.CooldownUntil.IsZero())
}
