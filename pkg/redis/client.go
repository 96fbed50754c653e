package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/redis/go-redis/v9"
)

const (
	keyNamespace      = "lf"
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	lockPrefix        = "lock"
	queuePrefix       = "queue"
)

// Nil is returned by reads against missing keys.
var Nil = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// incrWithTTL bumps a counter and arms its expiry in one round trip so a
// crash between the two commands cannot leave an immortal counter.
var incrWithTTL = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// decrFloor decrements only positive counters and never creates keys.
var decrFloor = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and tonumber(v) > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// releaseIfOwner deletes a lock only while it still holds the caller's token.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the redis connection helpers needed by the platform.
type Client struct {
	store redis.Cmdable
	raw   *redis.Client
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(context.Context) error
}

// IdempotencyStore exposes minimal operations used by idempotency helpers.
type IdempotencyStore interface {
	Get(context.Context, string) (string, error)
	Set(context.Context, string, any, time.Duration) error
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	IdempotencyKey(scope, id string) string
	Del(context.Context, ...string) error
}

// New bootstraps a Redis client with pooling/timeouts and verifies connectivity.
func New(ctx context.Context, cfg config.RedisConfig, logg *logger.Logger) (*Client, error) {
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logg != nil {
		logg.Info(logg.WithField(ctx, "redis_db", opts.DB), "redis connection established")
	}
	return &Client{store: raw, raw: raw}, nil
}

// NewFromClient wraps an existing go-redis client (tests, shared pools).
func NewFromClient(raw *redis.Client) *Client {
	return &Client{store: raw, raw: raw}
}

func optionsFromConfig(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL == "" && cfg.Address == "" {
		return nil, errors.New("redis url or address is required")
	}
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if opts.DB == 0 {
		opts.DB = cfg.DB
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.MinIdleConns == 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return opts, nil
}

// Set stores a string value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Set(ctx, key, value, ttl).Err()
}

// Get returns a string value stored at key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.Get(ctx, key).Result()
}

// SetNX sets a value only if the key does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	return c.store.SetNX(ctx, key, value, ttl).Result()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	n, err := c.store.Exists(ctx, key).Result()
	return n > 0, err
}

// PTTL returns the remaining time to live of key.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return c.store.PTTL(ctx, key).Result()
}

// Incr increments the counter stored at key.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return c.store.Incr(ctx, key).Result()
}

// IncrWithTTL increments and ensures the key has the supplied TTL on the first increment.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	if ttl <= 0 {
		return c.Incr(ctx, key)
	}
	return incrWithTTL.Run(ctx, c.store, []string{key}, ttl.Milliseconds()).Int64()
}

// DecrFloor decrements a positive counter; missing or zero counters are left alone.
func (c *Client) DecrFloor(ctx context.Context, key string) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return decrFloor.Run(ctx, c.store, []string{key}).Int64()
}

// AcquireLock takes a named lock for ttl when free and reports whether owner now holds it.
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, key, owner, ttl)
}

// ReleaseLock drops key only when owner still holds it.
func (c *Client) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	if c.store == nil {
		return false, errNotInitialized
	}
	n, err := releaseIfOwner.Run(ctx, c.store, []string{key}, owner).Int64()
	return n == 1, err
}

// RunScript evaluates a Lua script against the underlying connection.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	if c.store == nil {
		return nil, errNotInitialized
	}
	return script.Run(ctx, c.store, keys, args...).Result()
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...any) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.LPush(ctx, key, values...).Err()
}

// BLMove atomically pops the tail of src onto the head of dst, blocking up to timeout.
// It returns Nil when nothing arrived in time.
func (c *Client) BLMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.BLMove(ctx, src, dst, "RIGHT", "LEFT", timeout).Result()
}

// LMove moves the tail of src onto the head of dst without blocking.
func (c *Client) LMove(ctx context.Context, src, dst string) (string, error) {
	if c.store == nil {
		return "", errNotInitialized
	}
	return c.store.LMove(ctx, src, dst, "RIGHT", "LEFT").Result()
}

// LRem removes count occurrences of value from key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return c.store.LRem(ctx, key, count, value).Result()
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	if c.store == nil {
		return 0, errNotInitialized
	}
	return c.store.LLen(ctx, key).Result()
}

// ZAdd adds member with score to a sorted set.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// Keys lists keys matching pattern. Intended for small operational sets.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	if c.store == nil {
		return nil, errNotInitialized
	}
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := c.store.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// IdempotencyKey returns a namespaced key for idempotency storage.
func (c *Client) IdempotencyKey(scope, id string) string {
	return c.buildKey(idempotencyPrefix, scope, id)
}

// RateLimitKey returns a namespaced key for rate limit counters.
func (c *Client) RateLimitKey(parts ...string) string {
	return c.buildKey(append([]string{rateLimitPrefix}, parts...)...)
}

// LockKey returns a namespaced key for distributed locks.
func (c *Client) LockKey(name string) string {
	return c.buildKey(lockPrefix, name)
}

// QueueKey returns a namespaced key for broker lists and sets.
func (c *Client) QueueKey(parts ...string) string {
	return c.buildKey(append([]string{queuePrefix}, parts...)...)
}

// Del removes the provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Del(ctx, keys...).Err()
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.store == nil {
		return errNotInitialized
	}
	return c.store.Ping(ctx).Err()
}

// Close shuts down the underlying client if available.
func (c *Client) Close() error {
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

func (c *Client) buildKey(parts ...string) string {
	if len(parts) == 0 {
		return keyNamespace
	}
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part == "" {
			continue
		}
		clean = append(clean, strings.TrimSpace(part))
	}
	return strings.Join(clean, ":")
}
