// Package ratelimit throttles relay events per user. The Redis limiter uses
// the INCR + PEXPIRE fixed window so that every relay instance shares the
// same counters; the local limiter uses token buckets for single-instance
// runs.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleTyping forwards at most one typing event per user every 500ms.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 1, Window: 500 * time.Millisecond}

	// RuleOnline forwards at most one presence announcement per user every 5s.
	RuleOnline = Rule{Key: "rl:online:", Limit: 1, Window: 5 * time.Second}

	// RuleMessage allows 20 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}
)

// Throttle decides whether an event may pass.
type Throttle interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{client: client, log: log}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the event is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("ratelimit_incr_failed", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.PExpire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("ratelimit_expire_failed", zap.String("key", key), zap.Error(err))
			// The key has no TTL and would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// Remaining returns the number of events the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("ratelimit_get_failed", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// LocalLimiter keeps one token bucket per rule and identifier in memory.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocalLimiter returns an empty LocalLimiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

// Allow reports whether one more event fits the rule now. It never fails.
func (l *LocalLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	return l.AllowAt(identifier, rule, time.Now()), nil
}

// AllowAt is Allow evaluated at the given instant.
func (l *LocalLimiter) AllowAt(identifier string, rule Rule, now time.Time) bool {
	key := rule.Key + identifier

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.AllowN(now, 1)
}

// Forget drops every bucket of identifier, e.g. when its connection closes.
func (l *LocalLimiter) Forget(identifier string, rules ...Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range rules {
		delete(l.buckets, r.Key+identifier)
	}
}
