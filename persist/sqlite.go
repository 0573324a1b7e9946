package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/policy"
	_ "modernc.org/sqlite"
)

// SQLite keeps persistent entries in a local database file. It is the
// default backend for single nodes.
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// Single writer connection for SQLite.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %q: %w", p, err)
		}
	}

	if err := migrateUp(db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened sqlite persistence", "path", path)
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Backend() string { return "sqlite" }

func (s *SQLite) Save(ctx context.Context, list policy.Kind, e policy.Entry) error {
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_entries (list, type, key, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (list, type, key) DO UPDATE SET
			reason = excluded.reason,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		string(list), string(e.Type), e.Key, e.Reason, e.Expires.Unix(), created.Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save %s %s %q: %w", list, e.Type, e.Key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, list policy.Kind, t policy.Type, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_entries WHERE list = ? AND type = ? AND key = ?`,
		string(list), string(t), key)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s %s %q: %w", list, t, key, err)
	}
	return nil
}

func (s *SQLite) LoadActive(ctx context.Context, list policy.Kind, now time.Time) ([]policy.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, key, reason, expires_at, created_at
		FROM policy_entries
		WHERE list = ? AND expires_at > ?
		ORDER BY type, key`,
		string(list), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %s: %w", list, err)
	}
	defer rows.Close()

	var out []policy.Entry
	for rows.Next() {
		var (
			typ, key, reason   string
			expires, createdAt int64
		)
		if err := rows.Scan(&typ, &key, &reason, &expires, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", list, err)
		}
		t, err := policy.ParseType(typ)
		if err != nil {
			logger.Warn("Skipping persisted entry with unknown type", "list", list, "type", typ, "key", key)
			continue
		}
		out = append(out, policy.Entry{
			Type:       t,
			Key:        key,
			Reason:     reason,
			Created:    time.Unix(createdAt, 0),
			Expires:    time.Unix(expires, 0),
			Persistent: true,
		})
	}
	return out, rows.Err()
}

func (s *SQLite) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_entries WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
