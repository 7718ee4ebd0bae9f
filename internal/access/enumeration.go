package access

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatguard/internal/audit"
)

// Enumeration thresholds: more than EnumerationAttempts lookups or more than
// EnumerationDistinct distinct ids inside EnumerationWindow puts the user on
// a cooldown.
const (
	EnumerationWindow   = 5 * time.Minute
	EnumerationAttempts = 50
	EnumerationDistinct = 20
	EnumerationCooldown = 15 * time.Minute

	enumAttemptsPrefix = "enum:attempts:"
	enumIDsPrefix      = "enum:ids:"
	enumCooldownPrefix = "enum:cooldown:"
)

// enumScript counts an attempt in KEYS[1] and adds ARGV[2] to the id set in
// KEYS[2]; both expire ARGV[1] milliseconds after their first write. It
// returns {attempts, distinct ids}.
var enumScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
redis.call("SADD", KEYS[2], ARGV[2])
if redis.call("PTTL", KEYS[2]) < 0 then
	redis.call("PEXPIRE", KEYS[2], ARGV[1])
end
return {n, redis.call("SCARD", KEYS[2])}
`)

// EnumerationDecision is the result of DetectEnumeration.
type EnumerationDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Attempts   int64
	Distinct   int64
}

// DetectEnumeration counts a lookup of resourceID by userID, whether or not
// the lookup itself is authorised. Redis failures allow the lookup.
func (g *Guard) DetectEnumeration(ctx context.Context, userID, resourceID string) EnumerationDecision {
	cooldownKey := enumCooldownPrefix + userID
	if ttl, err := g.client.PTTL(ctx, cooldownKey).Result(); err != nil {
		log.Printf("[access] cooldown read error user=%s: %v (failing open)", userID, err)
		return EnumerationDecision{Allowed: true}
	} else if ttl > 0 {
		return EnumerationDecision{RetryAfter: ttl}
	}

	res, err := enumScript.Run(ctx, g.client,
		[]string{enumAttemptsPrefix + userID, enumIDsPrefix + userID},
		g.cfg.EnumerationWindow.Milliseconds(), resourceID,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		log.Printf("[access] enumeration script error user=%s: %v (failing open)", userID, err)
		return EnumerationDecision{Allowed: true}
	}

	d := EnumerationDecision{Allowed: true, Attempts: res[0], Distinct: res[1]}
	if d.Attempts <= int64(g.cfg.EnumerationAttempts) && d.Distinct <= int64(g.cfg.EnumerationDistinct) {
		return d
	}

	d.Allowed = false
	d.RetryAfter = g.cfg.EnumerationCooldown
	first, err := g.client.SetNX(ctx, cooldownKey, resourceID, g.cfg.EnumerationCooldown).Result()
	if err != nil {
		log.Printf("[access] cooldown write error user=%s: %v", userID, err)
	}
	if first {
		log.Printf("[access] enumeration detected user=%s attempts=%d distinct=%d", userID, d.Attempts, d.Distinct)
		if g.audit != nil {
			g.audit.Record(ctx, audit.Event{
				Type:     audit.EventEnumeration,
				ActorID:  userID,
				Severity: audit.SeverityHigh,
				Metadata: map[string]any{
					"attempts": d.Attempts,
					"distinct": d.Distinct,
					"window":   g.cfg.EnumerationWindow.String(),
				},
			})
		}
	}
	return d
}

// ClearEnumeration resets userID's counters and cooldown.
func (g *Guard) ClearEnumeration(ctx context.Context, userID string) error {
	return g.client.Del(ctx,
		enumAttemptsPrefix+userID, enumIDsPrefix+userID, enumCooldownPrefix+userID,
	).Err()
}
