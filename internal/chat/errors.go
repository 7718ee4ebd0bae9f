package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/whisper/chatguard/internal/moderation"
)

var (
	// ErrAccessDenied is the only error a caller sees for a conversation it
	// may not read, whatever the underlying reason.
	ErrAccessDenied = errors.New("access denied")

	ErrNotAuthenticated = errors.New("chat: connection not authenticated")
	ErrNotJoined        = errors.New("chat: room not joined")
	ErrNotFound         = errors.New("chat: not found")
	ErrForbidden        = errors.New("chat: forbidden")
)

// Authentication failure reasons.
const (
	AuthInvalidToken = "invalid_token"
	AuthUnknownUser  = "unknown_user"
	AuthSuspended    = "suspended"
)

// AuthError rejects an authenticate request. It never leaves the connection
// that sent the token.
type AuthError struct {
	Reason string
	Until  *time.Time
}

func (e *AuthError) Error() string {
	return "chat: authentication failed: " + e.Reason
}

// RateLimitedError rejects a send that exceeded a budget. Kind is the
// ratelimit.LimitKind or a flood type.
type RateLimitedError struct {
	Kind       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("chat: rate limited (%s), retry after %s", e.Kind, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int {
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// ModerationError rejects content the moderation engine did not accept. The
// original text is never stored.
type ModerationError struct {
	Verdict moderation.Verdict
}

func (e *ModerationError) Error() string {
	return fmt.Sprintf("chat: message rejected (%s/%s)", e.Verdict.Category, e.Verdict.Severity)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid %s: %s", e.Field, e.Reason)
}

// JoinCode classifies a failed join.
type JoinCode string

const (
	JoinNotFound  JoinCode = "not_found"
	JoinForbidden JoinCode = "forbidden"
	JoinBanned    JoinCode = "banned"
	JoinFull      JoinCode = "full"
	JoinLevel     JoinCode = "level"
)

// JoinError rejects a join_room request.
type JoinError struct {
	RoomID    string
	Code      JoinCode
	ExpiresAt *time.Time
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("chat: cannot join %s: %s", e.RoomID, e.Code)
}

// MutedError rejects a send from a user muted in the room.
type MutedError struct {
	RoomID    string
	ExpiresAt *time.Time
}

func (e *MutedError) Error() string {
	return "chat: muted in " + e.RoomID
}
