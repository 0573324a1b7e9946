package persist

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/policy"
	redis "github.com/redis/go-redis/v9"
)

// Redis keeps persistent entries as plain keys,
// wfbl:<type>:<key> -> <expiry unix>:<reason>, with a native TTL so the
// server drops them on its own.
type Redis struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Connected to redis persistence", "addr", cfg.Addr, "db", cfg.DB)
	return &Redis{client: client}, nil
}

func (r *Redis) Backend() string { return "redis" }

func redisPrefix(list policy.Kind) string {
	if list == policy.Whitelist {
		return "wfwl"
	}
	return "wfbl"
}

func redisKey(list policy.Kind, t policy.Type, key string) string {
	return redisPrefix(list) + ":" + string(t) + ":" + key
}

func redisValue(e policy.Entry) string {
	return strconv.FormatInt(e.Expires.Unix(), 10) + ":" + e.Reason
}

// parseRedisEntry reverses redisKey and redisValue. Types never contain a
// colon, so the first one after the prefix ends the type.
func parseRedisEntry(list policy.Kind, k, v string) (policy.Entry, error) {
	rest, ok := strings.CutPrefix(k, redisPrefix(list)+":")
	if !ok {
		return policy.Entry{}, fmt.Errorf("key %q is not in %s", k, list)
	}
	typ, key, ok := strings.Cut(rest, ":")
	if !ok || key == "" {
		return policy.Entry{}, fmt.Errorf("malformed key %q", k)
	}
	t, err := policy.ParseType(typ)
	if err != nil {
		return policy.Entry{}, err
	}
	exp, reason, _ := strings.Cut(v, ":")
	secs, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return policy.Entry{}, fmt.Errorf("malformed value for %q: %w", k, err)
	}
	return policy.Entry{Type: t, Key: key, Reason: reason, Expires: time.Unix(secs, 0), Persistent: true}, nil
}

func (r *Redis) Save(ctx context.Context, list policy.Kind, e policy.Entry) error {
	ttl := time.Until(e.Expires)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, redisKey(list, e.Type, e.Key), redisValue(e), ttl).Err(); err != nil {
		return fmt.Errorf("redis: save %s %s %q: %w", list, e.Type, e.Key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, list policy.Kind, t policy.Type, key string) error {
	if err := r.client.Del(ctx, redisKey(list, t, key)).Err(); err != nil {
		return fmt.Errorf("redis: delete %s %s %q: %w", list, t, key, err)
	}
	return nil
}

func (r *Redis) LoadActive(ctx context.Context, list policy.Kind, now time.Time) ([]policy.Entry, error) {
	var out []policy.Entry
	iter := r.client.Scan(ctx, 0, redisPrefix(list)+":*", 500).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		v, err := r.client.Get(ctx, k).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: get %q: %w", k, err)
		}
		e, err := parseRedisEntry(list, k, v)
		if err != nil {
			logger.Warn("Skipping malformed redis entry", "key", k, "error", err)
			continue
		}
		if e.Active(now) {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan %s: %w", list, err)
	}
	return out, nil
}

// PurgeExpired is a no-op: redis expires keys itself.
func (r *Redis) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
