package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/policy"
)

// Postgres keeps persistent entries in a database shared by the cluster.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse postgres connection string: %w", ErrInvalidConfig, err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	err = migrateUp(sqlDB, "postgres")
	sqlDB.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to postgres persistence", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Backend() string { return "postgres" }

func (p *Postgres) Save(ctx context.Context, list policy.Kind, e policy.Entry) error {
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO policy_entries (list, type, key, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (list, type, key) DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		string(list), string(e.Type), e.Key, e.Reason, e.Expires.UTC(), created.UTC())
	if err != nil {
		return fmt.Errorf("postgres: save %s %s %q: %w", list, e.Type, e.Key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, list policy.Kind, t policy.Type, key string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM policy_entries WHERE list = $1 AND type = $2 AND key = $3`,
		string(list), string(t), key)
	if err != nil {
		return fmt.Errorf("postgres: delete %s %s %q: %w", list, t, key, err)
	}
	return nil
}

func (p *Postgres) LoadActive(ctx context.Context, list policy.Kind, now time.Time) ([]policy.Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT type, key, reason, expires_at, created_at
		FROM policy_entries
		WHERE list = $1 AND expires_at > $2
		ORDER BY type, key`,
		string(list), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: load %s: %w", list, err)
	}

	type row struct {
		Type      string
		Key       string
		Reason    string
		ExpiresAt time.Time
		CreatedAt time.Time
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan %s: %w", list, err)
	}

	out := make([]policy.Entry, 0, len(collected))
	for _, r := range collected {
		t, err := policy.ParseType(r.Type)
		if err != nil {
			logger.Warn("Skipping persisted entry with unknown type", "list", list, "type", r.Type, "key", r.Key)
			continue
		}
		out = append(out, policy.Entry{
			Type:       t,
			Key:        r.Key,
			Reason:     r.Reason,
			Created:    r.CreatedAt,
			Expires:    r.ExpiresAt,
			Persistent: true,
		})
	}
	return out, nil
}

func (p *Postgres) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM policy_entries WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
