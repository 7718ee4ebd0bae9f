package chat

import (
	"errors"
	"time"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/report"
)

// EffectKind selects how an Effect is performed.
type EffectKind uint8

const (
	EffectReply EffectKind = iota + 1 // to one connection
	EffectRoom                        // to every connection joined to a room
	EffectUser                        // to a user's connection(s)
	EffectAudit                       // audit log entry
)

// Effect is one side effect produced by a coordinator operation. Operations
// never write to connections themselves; the Emitter performs effects after
// the operation returns.
type Effect struct {
	Kind        EffectKind
	ConnID      string
	RoomID      string
	UserID      string
	ExcludeUser string
	LeaveRoom   string
	Type        string
	Payload     any
	Audit       audit.Event
}

// Reply sends an event to one connection.
func Reply(connID, msgType string, payload any) Effect {
	return Effect{Kind: EffectReply, ConnID: connID, Type: msgType, Payload: payload}
}

// ToRoom fans an event out to a room.
func ToRoom(roomID, msgType string, payload any) Effect {
	return Effect{Kind: EffectRoom, RoomID: roomID, Type: msgType, Payload: payload}
}

// ToRoomExcept fans an event out to a room, skipping one user.
func ToRoomExcept(roomID, exclude, msgType string, payload any) Effect {
	return Effect{Kind: EffectRoom, RoomID: roomID, ExcludeUser: exclude, Type: msgType, Payload: payload}
}

// ToUser delivers an event to the user's primary connection.
func ToUser(userID, msgType string, payload any) Effect {
	return Effect{Kind: EffectUser, UserID: userID, Type: msgType, Payload: payload}
}

// ForceLeave removes every connection of userID from roomID and delivers the
// event to the connections that were removed.
func ForceLeave(userID, roomID, msgType string, payload any) Effect {
	return Effect{Kind: EffectUser, UserID: userID, LeaveRoom: roomID, Type: msgType, Payload: payload}
}

// Record writes an audit entry.
func Record(ev audit.Event) Effect {
	return Effect{Kind: EffectAudit, Audit: ev}
}

// ErrorReply converts an operation error into the event the caller's
// connection receives.
func ErrorReply(connID, roomID, clientID string, err error) Effect {
	var (
		authErr  *AuthError
		rateErr  *RateLimitedError
		modErr   *ModerationError
		valErr   *ValidationError
		joinErr  *JoinError
		muteErr  *MutedError
		modLimit *enforcement.RateLimitedError
	)
	switch {
	case errors.As(err, &authErr):
		return Reply(connID, protocol.TypeAuthError, protocol.AuthErrorMsg{Reason: authErr.Reason})
	case errors.As(err, &rateErr):
		return Reply(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			LimitKind:  rateErr.Kind,
			RetryAfter: rateErr.RetryAfterSeconds(),
		})
	case errors.As(err, &modLimit):
		return Reply(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			LimitKind:  "moderation",
			RetryAfter: int((modLimit.RetryAfter + time.Second - 1) / time.Second),
		})
	case errors.As(err, &modErr):
		v := modErr.Verdict
		return Reply(connID, protocol.TypeMessageRejected, protocol.MessageRejectedMsg{
			RoomID:     roomID,
			ClientID:   clientID,
			Reason:     "moderation",
			Category:   string(v.Category),
			Severity:   string(v.Severity),
			Suggestion: v.Cleaned,
		})
	case errors.As(err, &muteErr):
		return Reply(connID, protocol.TypeMessageRejected, protocol.MessageRejectedMsg{
			RoomID:   roomID,
			ClientID: clientID,
			Reason:   "muted",
		})
	case errors.As(err, &valErr):
		return Reply(connID, protocol.TypeMessageRejected, protocol.MessageRejectedMsg{
			RoomID:   roomID,
			ClientID: clientID,
			Reason:   valErr.Reason,
		})
	case errors.As(err, &joinErr):
		return Reply(connID, protocol.TypeRoomError, protocol.RoomErrorMsg{
			RoomID:    joinErr.RoomID,
			Code:      string(joinErr.Code),
			Reason:    joinReason(joinErr.Code),
			ExpiresAt: joinErr.ExpiresAt,
		})
	case errors.Is(err, ErrAccessDenied), errors.Is(err, access.ErrDenied):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "access_denied", Message: ErrAccessDenied.Error()})
	case errors.Is(err, ErrNotAuthenticated):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "not_authenticated", Message: "authenticate first"})
	case errors.Is(err, ErrNotJoined):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "not_joined", Message: "join the room first"})
	case errors.Is(err, ErrNotFound):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "not_found", Message: "not found"})
	case errors.Is(err, ErrForbidden):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "forbidden", Message: "not allowed"})
	case errors.Is(err, enforcement.ErrPrivilegeEscalation):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "insufficient_privileges", Message: "insufficient privileges for target"})
	case errors.Is(err, enforcement.ErrSelfModeration), errors.Is(err, enforcement.ErrInvalidAction),
		errors.Is(err, enforcement.ErrInvalidDuration), errors.Is(err, enforcement.ErrNotChannel),
		errors.Is(err, enforcement.ErrNotRestricted):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "invalid_action", Message: err.Error()})
	case errors.Is(err, report.ErrInvalidReason), errors.Is(err, report.ErrSelfReport):
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "invalid_report", Message: err.Error()})
	default:
		return Reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: "internal", Message: "internal error"})
	}
}

func joinReason(code JoinCode) string {
	switch code {
	case JoinNotFound:
		return "room not found"
	case JoinBanned:
		return "you are banned from this room"
	case JoinFull:
		return "room is full"
	case JoinLevel:
		return "level too low for this room"
	default:
		return "not allowed to join this room"
	}
}
