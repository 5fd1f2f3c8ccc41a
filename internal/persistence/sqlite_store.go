package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultIdempotencyTTL = 24 * time.Hour

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the idempotency index. Each scope key maps to at most one
// record; rows past their TTL read as absent and are deleted on read.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

type Option func(*SQLiteStore)

func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *SQLiteStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, ttl: DefaultIdempotencyTTL, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// GetIdempotency returns the live record for scopeKey. An expired row is
// deleted and reported as absent.
func (s *SQLiteStore) GetIdempotency(ctx context.Context, scopeKey string) (*IdempotencyRecord, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT scope_key, fingerprint, job_id, created_at, expires_at
		 FROM idempotency_keys
		 WHERE scope_key = ?`,
		scopeKey,
	)
	var rec IdempotencyRecord
	if err := row.Scan(&rec.ScopeKey, &rec.Fingerprint, &rec.JobID, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	now := s.now().UTC()
	if rec.Expired(now) {
		if _, err := s.db.ExecContext(
			ctx,
			`DELETE FROM idempotency_keys WHERE scope_key = ? AND expires_at <= ?`,
			scopeKey,
			now,
		); err != nil {
			return nil, false, fmt.Errorf("evict idempotency key: %w", err)
		}
		return nil, false, nil
	}
	return &rec, true, nil
}

// PutIdempotency upserts the binding for scopeKey and restarts its TTL.
func (s *SQLiteStore) PutIdempotency(ctx context.Context, scopeKey, fingerprint, jobID string) (*IdempotencyRecord, error) {
	if strings.TrimSpace(scopeKey) == "" {
		return nil, fmt.Errorf("scope key is required")
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	rec := &IdempotencyRecord{
		ScopeKey:    scopeKey,
		Fingerprint: fingerprint,
		JobID:       jobID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO idempotency_keys (scope_key, fingerprint, job_id, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope_key) DO UPDATE SET
			fingerprint=excluded.fingerprint,
			job_id=excluded.job_id,
			created_at=excluded.created_at,
			expires_at=excluded.expires_at`,
		rec.ScopeKey,
		rec.Fingerprint,
		rec.JobID,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteExpiredIdempotency removes idempotency_keys rows whose expires_at is before now.
func (s *SQLiteStore) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountIdempotency returns the number of stored rows, live or not.
func (s *SQLiteStore) CountIdempotency(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
