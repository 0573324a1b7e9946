// Package persist implements the durable stores behind persistent policy
// entries: sqlite for single nodes, postgres for a shared cluster store and
// redis for the key layout older deployments used.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/pkg/retry"
	"github.com/migadu/warden/policy"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidConfig marks connection settings that no amount of retrying fixes.
var ErrInvalidConfig = errors.New("invalid persistence configuration")

var (
	_ policy.Persister = (*SQLite)(nil)
	_ policy.Persister = (*Postgres)(nil)
	_ policy.Persister = (*Redis)(nil)
)

// Open connects to the configured backend. It returns nil, nil for
// backend "none". Network backends are retried with backoff since they are
// often started alongside warden.
func Open(ctx context.Context, cfg config.PersistenceConfig) (policy.Persister, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case "postgres", "redis":
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}

	var p policy.Persister
	backoff := retry.DefaultBackoffConfig()
	err := retry.WithRetry(ctx, func() error {
		var err error
		switch cfg.Backend {
		case "postgres":
			p, err = OpenPostgres(ctx, cfg.PostgresDSN)
		case "redis":
			p, err = OpenRedis(ctx, cfg.Redis)
		}
		if err != nil && permanent(err) {
			return retry.Stop(err)
		}
		if err != nil {
			logger.Warn("Persistence backend not ready", "backend", cfg.Backend, "error", err)
		}
		return err
	}, backoff)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Backend, err)
	}
	return p, nil
}

// permanent reports whether a connect error comes from bad settings or
// credentials the server rejected, rather than a backend still starting.
func permanent(err error) bool {
	if errors.Is(err, ErrInvalidConfig) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "3D000": // bad authorization, bad password, unknown database
			return true
		}
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		return strings.HasPrefix(msg, "WRONGPASS") || strings.HasPrefix(msg, "NOAUTH")
	}
	return false
}
