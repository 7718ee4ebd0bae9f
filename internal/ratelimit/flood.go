package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// FloodType names the flood heuristic that fired.
type FloodType string

const (
	FloodNone      FloodType = ""
	FloodDuplicate FloodType = "duplicate"
	FloodSimilar   FloodType = "similar-pattern"
)

// FloodDecision is the outcome of DetectFlooding. A similar-pattern result is
// allowed but marks the sender suspicious.
type FloodDecision struct {
	Allowed    bool
	Type       FloodType
	RetryAfter time.Duration
}

const (
	dupKeyPrefix        = "flood:dup:"
	recentKeyPrefix     = "flood:recent:"
	suspiciousKeyPrefix = "suspicious:"
)

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DetectFlooding checks text against the user's recent sends. An exact body
// sent more than DuplicateLimit times inside DuplicateWindow is rejected.
// Independently, if the text is similar to SimilarMatches or more of the last
// RecentMessages sends the user is marked suspicious for SuspiciousFor.
// Redis failures allow the send.
func (d *Detector) DetectFlooding(ctx context.Context, userID, text string) FloodDecision {
	dup := Rule{
		Key:    dupKeyPrefix + userID + ":",
		Limit:  d.cfg.DuplicateLimit,
		Window: d.cfg.DuplicateWindow,
	}
	count, err := d.limiter.Hit(ctx, contentHash(text), dup)
	if err != nil {
		log.Printf("[ratelimit] duplicate counter error user=%s: %v (failing open)", userID, err)
	} else if int(count) > dup.Limit {
		return FloodDecision{Allowed: false, Type: FloodDuplicate, RetryAfter: d.limiter.RetryAfter(ctx, contentHash(text), dup)}
	}

	recentKey := recentKeyPrefix + userID
	recent, err := d.client.LRange(ctx, recentKey, 0, int64(d.cfg.RecentMessages-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("[ratelimit] recent messages error user=%s: %v (failing open)", userID, err)
		recent = nil
	}

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, recentKey, text)
		pipe.LTrim(ctx, recentKey, 0, int64(d.cfg.RecentMessages-1))
		pipe.Expire(ctx, recentKey, d.cfg.DuplicateWindow)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] recent messages push error user=%s: %v", userID, err)
	}

	similar := 0
	for _, prev := range recent {
		if Similarity(prev, text) > d.cfg.SimilarityThreshold {
			similar++
		}
	}
	if similar >= d.cfg.SimilarMatches {
		if err := d.MarkSuspicious(ctx, userID, string(FloodSimilar), d.cfg.SuspiciousFor); err != nil {
			log.Printf("[ratelimit] mark suspicious error user=%s: %v", userID, err)
		}
		return FloodDecision{Allowed: true, Type: FloodSimilar}
	}

	return FloodDecision{Allowed: true}
}

// MarkSuspicious flags userID for d. Flagged users get the strictest budget.
func (d *Detector) MarkSuspicious(ctx context.Context, userID, reason string, dur time.Duration) error {
	return d.client.Set(ctx, suspiciousKeyPrefix+userID, reason, dur).Err()
}

// IsSuspicious reports whether userID is flagged. Redis failures report false.
func (d *Detector) IsSuspicious(ctx context.Context, userID string) bool {
	n, err := d.client.Exists(ctx, suspiciousKeyPrefix+userID).Result()
	if err != nil {
		log.Printf("[ratelimit] suspicious lookup error user=%s: %v (failing open)", userID, err)
		return false
	}
	return n > 0
}

// ClearSuspicious removes the flag.
func (d *Detector) ClearSuspicious(ctx context.Context, userID string) error {
	return d.client.Del(ctx, suspiciousKeyPrefix+userID).Err()
}
