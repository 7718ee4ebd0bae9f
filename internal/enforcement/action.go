// Package enforcement validates and applies moderator actions (timeout, mute,
// kick, ban and their reversals) to a channel's membership state.
//
// An action is accepted only when the actor strictly outranks the target in
// that room, the duration is one of the action's whitelisted values and the
// actor is within their own moderation rate budget. Attempts against an
// equal or higher role are audited as privilege escalation.
package enforcement

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a moderation action.
type Kind string

const (
	KindTimeout Kind = "timeout"
	KindMute    Kind = "mute"
	KindUnmute  Kind = "unmute"
	KindKick    Kind = "kick"
	KindBan     Kind = "ban"
	KindUnban   Kind = "unban"
)

// Permanent is the duration value for restrictions that never expire.
const Permanent = "permanent"

// Default durations used when a request leaves Duration empty.
const (
	DefaultTimeout = "5m"
	DefaultMute    = "1h"
	DefaultBan     = "24h"
)

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"10m": 10 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// allowedDurations whitelists the durations per action. Kinds without an
// entry take no duration.
var allowedDurations = map[Kind][]string{
	KindTimeout: {"1m", "5m", "10m", "30m", "1h"},
	KindMute:    {"5m", "15m", "1h", "24h", Permanent},
	KindBan:     {"1h", "24h", "7d", "30d", Permanent},
}

var defaultDurations = map[Kind]string{
	KindTimeout: DefaultTimeout,
	KindMute:    DefaultMute,
	KindBan:     DefaultBan,
}

// Valid reports whether k is a known action.
func (k Kind) Valid() bool {
	switch k {
	case KindTimeout, KindMute, KindUnmute, KindKick, KindBan, KindUnban:
		return true
	}
	return false
}

// AllowedDurations returns the whitelist for k.
func AllowedDurations(k Kind) []string {
	return append([]string(nil), allowedDurations[k]...)
}

var (
	ErrInvalidAction       = errors.New("enforcement: invalid action")
	ErrInvalidDuration     = errors.New("enforcement: duration not allowed")
	ErrSelfModeration      = errors.New("enforcement: cannot moderate yourself")
	ErrPrivilegeEscalation = errors.New("enforcement: insufficient privileges for target")
	ErrNotChannel          = errors.New("enforcement: room is not a channel")
	ErrNotRestricted       = errors.New("enforcement: target has no such restriction")
)

// RateLimitedError is returned when the actor exceeded a moderation budget.
type RateLimitedError struct {
	Scope      string // action kind or "all"
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("enforcement: moderation rate limit (%s), retry after %s", e.Scope, e.RetryAfter)
}

// resolveDuration validates d for k. It returns the canonical duration label
// and the restriction length (zero for permanent or duration-less kinds).
func resolveDuration(k Kind, d string) (string, time.Duration, error) {
	allowed, takesDuration := allowedDurations[k]
	if !takesDuration {
		if d != "" {
			return "", 0, fmt.Errorf("%w: %s takes no duration", ErrInvalidDuration, k)
		}
		return "", 0, nil
	}
	if d == "" {
		d = defaultDurations[k]
	}
	for _, a := range allowed {
		if a == d {
			return d, durations[d], nil
		}
	}
	return "", 0, fmt.Errorf("%w: %q for %s", ErrInvalidDuration, d, k)
}

// Request is a moderation action as submitted by an actor.
type Request struct {
	ActorID  string `json:"actor_id" validate:"required"`
	TargetID string `json:"target_id" validate:"required"`
	RoomID   string `json:"room_id" validate:"required"`
	Action   Kind   `json:"action" validate:"required,oneof=timeout mute unmute kick ban unban"`
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

// Result describes an applied action.
type Result struct {
	Action    Kind       `json:"action"`
	ActorID   string     `json:"actor_id"`
	TargetID  string     `json:"target_id"`
	RoomID    string     `json:"room_id"`
	Duration  string     `json:"duration,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`

	// RepeatTarget is set when the actor has hit this target repeatedly.
	RepeatTarget bool `json:"-"`
}
