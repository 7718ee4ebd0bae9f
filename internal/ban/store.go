// Package ban tracks account-level strikes and suspensions in Redis. Strikes
// are recorded for repeated high-severity content violations; once a user
// crosses the strike threshold every further strike suspends the account for
// an escalating duration:
//
//	Key:   strikes:<userID>     counter, 24h TTL set on first strike
//	Key:   suspended:<userID>   reason, TTL = suspension duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SuspensionPrefix is the Redis key prefix for suspension records.
	SuspensionPrefix = "suspended:"

	// StrikesPrefix is the Redis key prefix for strike counters.
	StrikesPrefix = "strikes:"

	// Escalating suspension durations.
	Suspend15Min  = 15 * time.Minute // 1st suspension
	Suspend1Hour  = 1 * time.Hour    // 2nd suspension
	Suspend24Hour = 24 * time.Hour   // 3rd and later

	// StrikesTTL is how long the strike counter lives. After 24h without new
	// strikes the counter resets to zero.
	StrikesTTL = 24 * time.Hour

	// StrikeThreshold is the number of strikes within StrikesTTL that first
	// suspends the account.
	StrikeThreshold = 3
)

// Config overrides the strike policy.
type Config struct {
	Threshold int           `env:"STRIKE_THRESHOLD"`
	Window    time.Duration `env:"STRIKE_WINDOW"`
}

// DefaultConfig returns the default strike policy.
func DefaultConfig() Config {
	return Config{Threshold: StrikeThreshold, Window: StrikesTTL}
}

// StrikeResult describes the outcome of one strike.
type StrikeResult struct {
	Count     int
	Suspended bool
	Duration  time.Duration
}

// Store manages strike counters and suspensions in Redis.
type Store struct {
	client *redis.Client
	cfg    Config
}

// NewStore creates a new store using the provided Redis client.
func NewStore(client *redis.Client, cfg Config) *Store {
	if cfg.Threshold <= 0 {
		cfg.Threshold = StrikeThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = StrikesTTL
	}
	return &Store{client: client, cfg: cfg}
}

// IsSuspended reports whether userID is suspended, with the remaining time
// and reason. Redis errors are returned so callers can choose to fail open.
func (s *Store) IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := SuspensionPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return true, 0, reason, nil
	}
	return true, ttl, reason, nil
}

// Suspend suspends userID for duration.
func (s *Store) Suspend(ctx context.Context, userID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, SuspensionPrefix+userID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: suspend: %w", err)
	}
	return nil
}

// Lift removes a suspension immediately.
func (s *Store) Lift(ctx context.Context, userID string) error {
	return s.client.Del(ctx, SuspensionPrefix+userID).Err()
}

// escalationDuration returns the suspension length for the nth suspension.
func escalationDuration(n int) time.Duration {
	switch {
	case n <= 1:
		return Suspend15Min
	case n == 2:
		return Suspend1Hour
	default:
		return Suspend24Hour
	}
}

// Strikes returns the current strike count for userID.
func (s *Store) Strikes(ctx context.Context, userID string) (int, error) {
	n, err := s.client.Get(ctx, StrikesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Strike records one violation. Once the count reaches the threshold the
// account is suspended:
//
//	threshold     -> 15 minutes
//	threshold+1   -> 1 hour
//	threshold+2.. -> 24 hours
func (s *Store) Strike(ctx context.Context, userID, reason string) (StrikeResult, error) {
	key := StrikesPrefix + userID

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return StrikeResult{}, fmt.Errorf("ban: strike incr: %w", err)
	}
	// TTL only on first strike so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, s.cfg.Window).Err(); err != nil {
			return StrikeResult{}, fmt.Errorf("ban: strike expire: %w", err)
		}
	}

	res := StrikeResult{Count: int(count)}
	if res.Count < s.cfg.Threshold {
		return res, nil
	}
	res.Duration = escalationDuration(res.Count - s.cfg.Threshold + 1)
	if err := s.Suspend(ctx, userID, res.Duration, reason); err != nil {
		return res, err
	}
	res.Suspended = true
	return res, nil
}

// Reset clears strikes and any suspension for userID.
func (s *Store) Reset(ctx context.Context, userID string) error {
	return s.client.Del(ctx, StrikesPrefix+userID, SuspensionPrefix+userID).Err()
}
