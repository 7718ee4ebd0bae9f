// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate       = "authenticate"
	TypeJoinRoom           = "join_room"
	TypeLeaveRoom          = "leave_room"
	TypeSendMessage        = "send_message"
	TypeEditMessage        = "edit_message"
	TypeDeleteMessage      = "delete_message"
	TypeTypingStart        = "typing_start"
	TypeTypingStop         = "typing_stop"
	TypeMarkRead           = "mark_read"
	TypeRequestOnlineUsers = "request_online_users"
	TypeModerate           = "moderate"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated     = "authenticated"
	TypeAuthError         = "auth_error"
	TypeRoomJoined        = "room_joined"
	TypeRoomLeft          = "room_left"
	TypeRoomError         = "room_error"
	TypeMessageNew        = "message_new"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeMessageRejected   = "message_rejected"
	TypeRateLimited       = "rate_limited"
	TypeUserStatusChanged = "user_status_changed"
	TypeUserModerated     = "user_moderated"
	TypeKickedFromRoom    = "kicked_from_room"
	TypeBannedFromRoom    = "banned_from_room"
	TypeNotification      = "notification"
	TypeTyping            = "typing"
	TypeOnlineUsers       = "online_users"
	TypeModerationResult  = "moderation_result"
	TypeError             = "error"
	TypePong              = "pong"
)

// Status values carried by UserStatusChangedMsg.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the signed session token.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token" validate:"required"`
}

// JoinRoomMsg asks to join a channel or conversation.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required,max=64"`
}

// LeaveRoomMsg asks to stop receiving a room's events.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required,max=64"`
}

// SendMessageMsg posts text to a joined room. ClientID is echoed back in a
// rejection so the client can match it to its pending message.
type SendMessageMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id" validate:"required,max=64"`
	Text     string `json:"text" validate:"required"`
	ReplyTo  string `json:"reply_to,omitempty" validate:"omitempty,max=64"`
	ClientID string `json:"client_id,omitempty" validate:"max=64"`
}

// EditMessageMsg replaces the text of an own message.
type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required,max=64"`
	Text      string `json:"text" validate:"required"`
}

// DeleteMessageMsg soft-deletes a message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required,max=64"`
}

// TypingMsg is sent for both typing_start and typing_stop.
type TypingMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id" validate:"required,max=64"`
}

// MarkReadMsg records a read receipt.
type MarkReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id" validate:"required,max=64"`
}

// RequestOnlineUsersMsg asks for online users, optionally scoped to a room.
type RequestOnlineUsersMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty" validate:"max=64"`
}

// ModerateMsg applies a moderation action in a channel.
type ModerateMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id" validate:"required,max=64"`
	TargetID string `json:"target_id" validate:"required,max=64"`
	Action   string `json:"action" validate:"required,oneof=timeout mute unmute kick ban unban"`
	Duration string `json:"duration,omitempty" validate:"max=16"`
	Reason   string `json:"reason,omitempty" validate:"max=500"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserInfo is the public view of a user.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Level    int    `json:"level"`
}

// MessageInfo is the public view of a message.
type MessageInfo struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"room_id"`
	SenderID  string     `json:"sender_id"`
	Content   string     `json:"content"`
	ReplyTo   string     `json:"reply_to,omitempty"`
	Flagged   bool       `json:"flagged,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuthenticatedMsg confirms authentication.
type AuthenticatedMsg struct {
	Type string   `json:"type"`
	User UserInfo `json:"user"`
}

// AuthErrorMsg reports an authentication failure to the caller only.
type AuthErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RoomJoinedMsg is the snapshot a client receives after joining.
type RoomJoinedMsg struct {
	Type        string        `json:"type"`
	RoomID      string        `json:"room_id"`
	Kind        string        `json:"kind"`
	Name        string        `json:"name,omitempty"`
	OnlineCount int           `json:"online_count"`
	Recent      []MessageInfo `json:"recent"`
	Muted       bool          `json:"muted,omitempty"`
}

// RoomLeftMsg confirms a leave.
type RoomLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RoomErrorMsg reports a failed join. Code is one of not_found, forbidden,
// banned, full, level.
type RoomErrorMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id"`
	Code      string     `json:"code"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// MessageNewMsg broadcasts a new message.
type MessageNewMsg struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

// MessageEditedMsg broadcasts an edit.
type MessageEditedMsg struct {
	Type    string      `json:"type"`
	Message MessageInfo `json:"message"`
}

// MessageDeletedMsg broadcasts a deletion.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	DeletedBy string `json:"deleted_by"`
}

// MessageRejectedMsg tells the sender why a message was not accepted.
// Suggestion carries the cleaned text when the content can be corrected.
type MessageRejectedMsg struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	Reason     string `json:"reason"`
	Category   string `json:"category,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	LimitKind  string `json:"limit_kind"`
	RetryAfter int    `json:"retry_after"`
}

// UserStatusChangedMsg broadcasts presence changes.
type UserStatusChangedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
	RoomID string `json:"room_id,omitempty"`
}

// UserModeratedMsg broadcasts an applied moderation action to the room.
type UserModeratedMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id"`
	UserID    string     `json:"user_id"`
	ActorID   string     `json:"actor_id"`
	Action    string     `json:"action"`
	Duration  string     `json:"duration,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// KickedFromRoomMsg tells the target they were removed.
type KickedFromRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// BannedFromRoomMsg tells the target they were banned.
type BannedFromRoomMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NotificationMsg is a direct notification to one user.
type NotificationMsg struct {
	Type    string         `json:"type"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServerTypingMsg relays a typing indicator to the room.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// OnlineUsersMsg answers request_online_users.
type OnlineUsersMsg struct {
	Type   string   `json:"type"`
	RoomID string   `json:"room_id,omitempty"`
	Users  []string `json:"users"`
	Count  int      `json:"count"`
}

// ModerationResultMsg confirms a moderation action to the actor.
type ModerationResultMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id"`
	TargetID  string     `json:"target_id"`
	Action    string     `json:"action"`
	Duration  string     `json:"duration,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPayload wraps struct validation failures from ParseClientMessage.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

func decode[T any](raw json.RawMessage) (T, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, err
	}
	if err := validate.Struct(m); err != nil {
		return m, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return m, nil
}

// describe renders validator errors as "field:tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := ""
	for i, fe := range verrs {
		if i > 0 {
			out += ", "
		}
		out += fe.Field() + ":" + fe.Tag()
	}
	return out
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types, and for payloads failing validation.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		msg, err = decode[AuthenticateMsg](env.Raw)
	case TypeJoinRoom:
		msg, err = decode[JoinRoomMsg](env.Raw)
	case TypeLeaveRoom:
		msg, err = decode[LeaveRoomMsg](env.Raw)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env.Raw)
	case TypeEditMessage:
		msg, err = decode[EditMessageMsg](env.Raw)
	case TypeDeleteMessage:
		msg, err = decode[DeleteMessageMsg](env.Raw)
	case TypeTypingStart, TypeTypingStop:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeMarkRead:
		msg, err = decode[MarkReadMsg](env.Raw)
	case TypeRequestOnlineUsers:
		msg, err = decode[RequestOnlineUsersMsg](env.Raw)
	case TypeModerate:
		msg, err = decode[ModerateMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return env.Type, nil, err
		}
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
