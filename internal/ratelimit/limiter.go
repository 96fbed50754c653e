package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
)

// Store is the slice of the redis client the limiter needs.
type Store interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	DecrFloor(context.Context, string) (int64, error)
	RateLimitKey(parts ...string) string
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Scope      string
	Key        string
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
	Reset      time.Time

	refundable bool
	counted    bool
}

// RetryAfterSeconds rounds the hint up to whole seconds, never below 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Err returns the rate_limited error for a rejected decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeRateLimited, "rate limit exceeded").
		WithRetryAfter(d.RetryAfterSeconds())
}

// Limiter applies fixed-window counters per (scope, identity, window index).
type Limiter struct {
	store   Store
	rules   config.RateLimitTable
	logg    *logger.Logger
	metrics *metrics.IntakeMetrics
	now     func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithMetrics(m *metrics.IntakeMetrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

func New(store Store, rules config.RateLimitTable, logg *logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		rules: rules,
		logg:  logg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the configured rule for scope.
func (l *Limiter) Rule(scope string) (config.RateLimitRule, bool) {
	rule, ok := l.rules[scope]
	return rule, ok
}

// Allow counts one request for identity under scope. An empty identity is
// allowed without touching the store.
func (l *Limiter) Allow(ctx context.Context, scope, identity string) (Decision, error) {
	rule, ok := l.rules[scope]
	if !ok {
		return Decision{}, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown rate limit scope %q", scope))
	}
	decision := Decision{Scope: scope, Allowed: true, Limit: int64(rule.Max)}
	if identity == "" || l.store == nil {
		return decision, nil
	}

	now := l.now()
	windowMs := rule.Window.Milliseconds()
	bucket := now.UnixMilli() / windowMs
	reset := time.UnixMilli((bucket + 1) * windowMs)

	key := l.store.RateLimitKey(scope, HashIdentity(identity), strconv.FormatInt(bucket, 10))
	count, err := l.store.IncrWithTTL(ctx, key, rule.Window)
	if err != nil {
		return decision, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "rate limiting")
	}

	decision.Key = key
	decision.Count = count
	decision.Reset = reset
	decision.counted = true
	decision.refundable = !rule.IncludeFailed
	decision.Allowed = count <= int64(rule.Max)
	if !decision.Allowed {
		retry := reset.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		if retry > rule.Window {
			retry = rule.Window
		}
		decision.RetryAfter = retry
		l.blocked(ctx, decision, rule)
	}
	return decision, nil
}

// Refund gives back the slot consumed by a request whose downstream outcome
// failed. Scopes that count failures ignore the call.
func (l *Limiter) Refund(ctx context.Context, d Decision) {
	if !d.counted || !d.refundable || !d.Allowed || l.store == nil {
		return
	}
	if _, err := l.store.DecrFloor(ctx, d.Key); err != nil && l.logg != nil {
		l.logg.Warn(l.logg.WithField(ctx, "scope", d.Scope), "rate_limit.refund_failed")
	}
}

func (l *Limiter) blocked(ctx context.Context, d Decision, rule config.RateLimitRule) {
	l.metrics.Throttled(d.Scope)
	if l.logg == nil {
		return
	}
	logCtx := l.logg.WithFields(ctx, map[string]any{
		"scope":               d.Scope,
		"attempts":            d.Count,
		"limit":               rule.Max,
		"window_seconds":      int(rule.Window.Seconds()),
		"retry_after_seconds": d.RetryAfterSeconds(),
	})
	l.logg.Warn(logCtx, "rate_limit.blocked")
}

// HashIdentity keeps raw addresses and e-mails out of redis keys.
func HashIdentity(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
