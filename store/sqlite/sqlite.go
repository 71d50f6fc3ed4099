// Package sqlite provides a single-file tokenpool.Registry on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/tokenpool"
)

// Store is a SQLite-backed Registry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ tokenpool.Registry = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source used for cooldown refreshes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("tokenpool/sqlite: open: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("tokenpool/sqlite: migrate: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			expires_at INTEGER NOT NULL DEFAULT 0,
			plan TEXT NOT NULL DEFAULT 'standard',
			image_enabled INTEGER NOT NULL DEFAULT 0,
			video_enabled INTEGER NOT NULL DEFAULT 0,
			video_supported INTEGER NOT NULL DEFAULT 0,
			cooldown_until INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS renewals (
			token_id TEXT PRIMARY KEY,
			requested_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put inserts or replaces a token. Replacing keeps the token's position.
func (s *Store) Put(ctx context.Context, t tokenpool.Token) error {
	if t.ID == "" {
		return fmt.Errorf("tokenpool/sqlite: put: empty token id")
	}
	plan := t.Plan
	if plan == "" {
		plan = tokenpool.PlanStandard
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens
			(id, email, active, expires_at, plan, image_enabled, video_enabled, video_supported, cooldown_until, usage_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				email = excluded.email,
				active = excluded.active,
				expires_at = excluded.expires_at,
				plan = excluded.plan,
				image_enabled = excluded.image_enabled,
				video_enabled = excluded.video_enabled,
				video_supported = excluded.video_supported,
				cooldown_until = excluded.cooldown_until,
				usage_count = excluded.usage_count`,
		t.ID, t.Email, t.Active, unixMilli(t.ExpiresAt), string(plan),
		t.ImageEnabled, t.VideoEnabled, t.VideoSupported, unixMilli(t.CooldownUntil), t.UsageCount,
	)
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: put: %w", err)
	}
	return nil
}

// ListLive returns active tokens in insertion order.
func (s *Store) ListLive(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, "WHERE active = 1")
}

// ListAll returns every token in insertion order.
func (s *Store) ListAll(ctx context.Context) ([]tokenpool.Token, error) {
	return s.list(ctx, "")
}

// Get returns one token.
func (s *Store) Get(ctx context.Context, id string) (tokenpool.Token, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE id = ?", id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenpool.Token{}, fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	if err != nil {
		return tokenpool.Token{}, fmt.Errorf("tokenpool/sqlite: get: %w", err)
	}
	return t, nil
}

// IncrementUsage adds one to the stored usage count.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tokens SET usage_count = usage_count + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: increment usage: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// RefreshQuotaIfCooldownExpired clears the cooldown if it is past.
func (s *Store) RefreshQuotaIfCooldownExpired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET cooldown_until = 0 WHERE id = ? AND cooldown_until > 0 AND cooldown_until <= ?",
		id, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: refresh cooldown: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// TriggerRenewal records a renewal request. See NextRenewal.
func (s *Store) TriggerRenewal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO renewals (token_id) SELECT id FROM tokens WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: trigger renewal: %w", err)
	}
	return s.checkAffected(ctx, res, id)
}

// NextRenewal removes and returns the oldest renewal request, "" if none.
func (s *Store) NextRenewal(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM renewals WHERE token_id = (
			SELECT token_id FROM renewals ORDER BY requested_at, rowid LIMIT 1
		) RETURNING token_id`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/sqlite: next renewal: %w", err)
	}
	return id, nil
}

// SchedulingMode returns the stored mode, random if unset.
func (s *Store) SchedulingMode(ctx context.Context) (tokenpool.SchedulingMode, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'scheduling_mode'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return tokenpool.ModeRandom, nil
	}
	if err != nil {
		return "", fmt.Errorf("tokenpool/sqlite: scheduling mode: %w", err)
	}
	return tokenpool.ParseSchedulingMode(v)
}

// SetSchedulingMode stores the scheduling mode.
func (s *Store) SetSchedulingMode(ctx context.Context, m tokenpool.SchedulingMode) error {
	if _, err := tokenpool.ParseSchedulingMode(string(m)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('scheduling_mode', ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, string(m))
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: set scheduling mode: %w", err)
	}
	return nil
}

const tokenColumns = `id, email, active, expires_at, plan, image_enabled, video_enabled, video_supported, cooldown_until, usage_count`

func (s *Store) list(ctx context.Context, where string) ([]tokenpool.Token, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+tokenColumns+" FROM tokens "+where+" ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("tokenpool/sqlite: list: %w", err)
	}
	defer rows.Close()

	var tokens []tokenpool.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("tokenpool/sqlite: list scan: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// checkAffected maps "no row changed" to ErrTokenNotFound when the token is absent.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tokenpool/sqlite: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tokens WHERE id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("tokenpool/sqlite: check exists: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", tokenpool.ErrTokenNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (tokenpool.Token, error) {
	var (
		t                 tokenpool.Token
		plan              string
		expires, cooldown int64
	)
	err := row.Scan(&t.ID, &t.Email, &t.Active, &expires, &plan,
		&t.ImageEnabled, &t.VideoEnabled, &t.VideoSupported, &cooldown, &t.UsageCount)
	if err != nil {
		return tokenpool.Token{}, err
	}
	t.Plan = tokenpool.PlanTier(plan)
	t.ExpiresAt = fromUnixMilli(expires)
	t.CooldownUntil = fromUnixMilli(cooldown)
	return t, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
