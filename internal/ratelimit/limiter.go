// Package ratelimit provides Redis-backed rate limiting and flood detection.
// Counters are fixed windows created by an atomic INCR + PEXPIRE-if-first Lua
// script, so the increment-then-compare check stays correct when several
// server processes share one Redis.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:msg:global:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleConnect allows 20 WebSocket connections per minute per IP.
var RuleConnect = Rule{Key: "rl:conn:", Limit: ConnectLimit, Window: BudgetWindow}

// incrScript increments KEYS[1] and sets its expiry (ARGV[1], milliseconds)
// only when the key was just created. It returns the new count.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Hit increments the counter for identifier under rule and returns the count
// in the current window.
func (l *Limiter) Hit(ctx context.Context, identifier string, rule Rule) (int64, error) {
	key := rule.Key + identifier
	return incrScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. The request is counted whether or not it is allowed.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not block legitimate traffic. The error is still returned for callers
// that want to record it.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	count, err := l.Hit(ctx, identifier, rule)
	if err != nil {
		log.Printf("[ratelimit] redis script error key=%s: %v (failing open)", rule.Key+identifier, err)
		return true, err
	}
	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until the identifier's window resets. It falls
// back to the full window when the TTL cannot be read.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}

// Reset clears the identifier's counter for rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
