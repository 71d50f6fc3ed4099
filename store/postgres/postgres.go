// Package postgres provides a PostgreSQL-backed tokenpool.Registry.
//
// Tokens live in one table ordered by insertion sequence. Usage increments
// and cooldown refreshes are single conditional UPDATEs, so several
// balancer processes can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tokenpool"
)

const modeSetting = "scheduling_mode"

// Store is a PostgreSQL-backed Registry.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ tokenpool.Registry = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenpool_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides the time source used for cooldown refreshes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed Registry.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenpool_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) tokensTable() string   { return s.tablePrefix + "tokens" }
func (s *Store) renewalsTable() string { return s.tablePrefix + "renewals" }
func (s *Store) settingsTable() string { return s.tablePrefix + "settings" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT true,
			expires_at TIMESTAMPTZ,
			plan TEXT NOT NULL DEFAULT 'standard',
			image_enabled BOOLEAN NOT NULL DEFAULT false,
			video_enabled BOOLEAN NOT NULL DEFAULT false,
			video_supported BOOLEAN NOT NULL DEFAULT false,
			cooldown_until TIMESTAMPTZ,
			usage_count BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %s (
			token_id TEXT PRIMARY KEY,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`, s.tokensTable(), s.renewalsTable(), s.settingsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("tokenpool/postgres: ensure schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a token. Replacing keeps the token's position.
func (s *Store) Put(ctx context.Context, t tokenpool.Token) error {
	if t.ID == "" {
		return fmt.Errorf("tokenpool/postgres: put: empty token id")
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, email, active, expires_at, plan, image_enabled, video_enabled, video_supported, cooldown_until, usage_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				active = EXCLUDED.active,
				expires_at = EXCLUDED.expires_at,
				plan = EXCLUDED.plan,
				image_enabled = EXCLUDED.image_enabled,
				video_enabled = EXCLUDED.video_enabled,
				video_supported = EXCLUDED.video_supported,
				cooldown_until = EXCLUDED.cooldown_until,
				usage_count = EXCLUDED.usage_count`, s.tokensTable()),
		t.ID, t.Email, t.Active, nullTime(t.ExpiresAt), planOrDefault(t.Plan),
		t.ImageEnabled, t.VideoEnabled, t.VideoSupported, nullTime(t.CooldownUntil), t.UsageCount,
	)
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: put: %w", err)
	}
	return nil
}

// ListLive returns active tokens in insertion order.
func (s *Store) ListLive(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, "WHERE active")
}

// ListAll returns every token in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, "")
}

// Get returns one token.
func (s *Store) Get(ctx context.Context, id string) (tokenpool.Token, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, tokenColumns, s.tokensTable()),
		id,
	)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenpool.Token{}, fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/postgres: get: %w", err)
	}
	return t, nil
}

// IncrementUsage adds one to the stored usage count.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET usage_count = usage_count + 1 WHERE id = $1`, s.tokensTable()),
		id,
	)
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return nil
}

// RefreshQuotaIfCooldownExpired clears the cooldown if it is past.
func (s *Store) RefreshQuotaIfCooldownExpired(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET cooldown_until = NULL WHERE id = $1 AND cooldown_until <= $2`, s.tokensTable()),
		id, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: refresh cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.mustExist(ctx, id)
	}
	return nil
}

// TriggerRenewal records a renewal request for an external renewer. See NextRenewal.
func (s *Store) TriggerRenewal(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (token_id) SELECT id FROM %s WHERE id = $1 ON CONFLICT DO NOTHING`,
			s.renewalsTable(), s.tokensTable()),
		id,
	)
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: trigger renewal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.mustExist(ctx, id)
	}
	return nil
}

// NextRenewal claims the oldest renewal request. Returns "" if none is pending.
func (s *Store) NextRenewal(ctx context.Context) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`DELETE FROM %[1]s WHERE token_id = (
			SELECT token_id FROM %[1]s ORDER BY requested_at, token_id LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING token_id`, s.renewalsTable()),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/postgres: next renewal: %w", err)
	}
	return id, nil
}

// SchedulingMode returns the stored mode, random if unset.
func (s *Store) SchedulingMode(ctx context.Context) (tokenpool.SchedulingMode, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.settingsTable()),
		modeSetting,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return tokenpool.ModeRandom, nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/postgres: scheduling mode: %w", err)
	}
	return tokenpool.ParseSchedulingMode(v)
}

// SetSchedulingMode stores the mode shared by every balancer on this database.
func (s *Store) SetSchedulingMode(ctx context.Context, m tokenpool.SchedulingMode) error {
	if _, err := tokenpool.ParseSchedulingMode(string(m)); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.settingsTable()),
		modeSetting, string(m),
	)
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: set scheduling mode: %w", err)
	}
	return nil
}

const tokenColumns = `id, email, active, expires_at, plan, image_enabled, video_enabled, video_supported, cooldown_until, usage_count`

func (s *Store) list(ctx context.Context, where string) ([]tokenpool.Token, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY seq`, tokenColumns, s.tokensTable(), where),
	)
	if err != nil {
		return nil, fmt.Errorf("tokenpool/postgres: list: %w", err)
	}
	defer rows.Close()

	var tokens []tokenpool.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("tokenpool/postgres: list scan: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tokenpool/postgres: list: %w", err)
	}
	return tokens, nil
}

func (s *Store) mustExist(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT true FROM %s WHERE id = $1`, s.tokensTable()),
		id,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("tokenpool/postgres: check exists: %w", err)
	}
	return nil
}

func scanToken(row pgx.Row) (tokenpool.Token, error) {
	var (
		t                 tokenpool.Token
		plan              string
		expires, cooldown *time.Time
	)
	err := row.Scan(&t.ID, &t.Email, &t.Active, &expires, &plan,
		&t.ImageEnabled, &t.VideoEnabled, &t.VideoSupported, &cooldown, &t.UsageCount)
	if err != nil {
		return tokenpool.Token{}, err
	}
	t.Plan = tokenpool.PlanTier(plan)
	if expires != nil {
		t.ExpiresAt = expires.UTC()
	}
	if cooldown != nil {
		t.CooldownUntil = cooldown.UTC()
	}
	return t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func planOrDefault(p tokenpool.PlanTier) string {
	if p == "" {
		return string(tokenpool.PlanStandard)
	}
	return string(p)
}
