package room

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("room: not found")

	// ErrConflict is returned when a create collides with an existing id.
	ErrConflict = errors.New("room: conflict")
)

// UserStore loads and updates user accounts.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, id string, fn func(*User) error) (*User, error)
}

// RoomStore persists rooms. Update performs a read-modify-write of a single
// room document; implementations prune expired restrictions on load and save.
type RoomStore interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	CreateRoom(ctx context.Context, r *Room) error
	UpdateRoom(ctx context.Context, id string, fn func(*Room) error) (*Room, error)
	ListChannels(ctx context.Context) ([]*Room, error)
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*Room, error)
	RecordActivity(ctx context.Context, id string, at time.Time) error
}

// HistoryQuery pages backwards through a room's messages.
type HistoryQuery struct {
	RoomID string
	Before time.Time // zero means newest
	Limit  int
}

// MessageStore persists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateMessage(ctx context.Context, id string, fn func(*Message) error) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	History(ctx context.Context, q HistoryQuery) ([]*Message, error)
}

// Stores bundles the repositories the coordinator depends on.
type Stores struct {
	Users    UserStore
	Rooms    RoomStore
	Messages MessageStore
}
