// Package chat is the presence and room coordinator. It authenticates
// connections, tracks room membership and runs every inbound chat operation
// through rate limiting, moderation, flood detection and persistence.
//
// Operations do not write to connections. Each returns its result together
// with the Effects it produced (replies, room fan-out, user notifications,
// audit entries) and the caller hands those to an Emitter.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/ban"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/moderation"
	"github.com/whisper/chatguard/internal/presence"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/report"
	"github.com/whisper/chatguard/internal/room"
)

// History paging defaults.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Config tunes the coordinator.
type Config struct {
	MaxURLs      int  `env:"MAX_URLS"`
	RecentOnJoin int  `env:"RECENT_ON_JOIN"`
	HistoryLimit int  `env:"HISTORY_LIMIT"`
	AutoClean    bool `env:"AUTO_CLEAN"`
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		MaxURLs:      MaxURLs,
		RecentOnJoin: MaxBufferMessages,
		HistoryLimit: DefaultHistoryLimit,
	}
}

// SessionBinder records which user a connection authenticated as.
type SessionBinder interface {
	BindUser(ctx context.Context, connID, userID string) error
}

// Deps are the collaborators a Coordinator is built from. Sessions is
// optional; everything else is required.
type Deps struct {
	Stores   room.Stores
	Registry *presence.Registry
	Tokens   *Tokens
	Detector *ratelimit.Detector
	Engine   *moderation.Engine
	Guard    *access.Guard
	Pipeline *enforcement.Pipeline
	Strikes  *ban.Store
	Reports  *report.Service
	Sessions SessionBinder
}

// Coordinator implements the chat operations.
type Coordinator struct {
	users    room.UserStore
	rooms    room.RoomStore
	messages room.MessageStore

	registry *presence.Registry
	tokens   *Tokens
	detector *ratelimit.Detector
	engine   *moderation.Engine
	guard    *access.Guard
	pipeline *enforcement.Pipeline
	strikes  *ban.Store
	reports  *report.Service
	sessions SessionBinder

	buffer *MessageBuffer
	cfg    Config
	now    func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = def.MaxURLs
	}
	if cfg.RecentOnJoin <= 0 {
		cfg.RecentOnJoin = def.RecentOnJoin
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Coordinator{
		users:    deps.Stores.Users,
		rooms:    deps.Stores.Rooms,
		messages: deps.Stores.Messages,
		registry: deps.Registry,
		tokens:   deps.Tokens,
		detector: deps.Detector,
		engine:   deps.Engine,
		guard:    deps.Guard,
		pipeline: deps.Pipeline,
		strikes:  deps.Strikes,
		reports:  deps.Reports,
		sessions: deps.Sessions,
		buffer:   NewMessageBuffer(cfg.RecentOnJoin),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Registry returns the presence registry.
func (c *Coordinator) Registry() *presence.Registry {
	return c.registry
}

// Tokens returns the token verifier.
func (c *Coordinator) Tokens() *Tokens {
	return c.tokens
}

// User loads an account. A missing user is an *AuthError.
func (c *Coordinator) User(ctx context.Context, userID string) (*room.User, error) {
	return c.loadUser(ctx, userID)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers a new, unauthenticated connection.
func (c *Coordinator) Connect(connID string) {
	c.registry.Attach(connID)
	metrics.ConnectionsTotal.Set(float64(c.registry.ConnectionCount()))
}

// Authenticate verifies token and binds the connection to its user.
// Suspended accounts are refused.
func (c *Coordinator) Authenticate(ctx context.Context, connID, token string) (*room.User, []Effect, error) {
	userID, err := c.tokens.Verify(token)
	if err != nil {
		log.Printf("[chat] auth failed conn=%s: %v", connID, err)
		return nil, authFailure(connID, "", AuthInvalidToken), &AuthError{Reason: AuthInvalidToken}
	}

	u, err := c.users.GetUser(ctx, userID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, authFailure(connID, userID, AuthUnknownUser), &AuthError{Reason: AuthUnknownUser}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("chat: authenticate: load user: %w", err)
	}

	now := c.now()
	if u.IsSuspended(now) {
		return nil, authFailure(connID, u.ID, AuthSuspended), &AuthError{Reason: AuthSuspended, Until: u.SuspendedUntil}
	}
	if c.strikes != nil {
		suspended, remaining, _, err := c.strikes.IsSuspended(ctx, u.ID)
		if err != nil {
			log.Printf("[chat] suspension lookup failed user=%s: %v (failing open)", u.ID, err)
		} else if suspended {
			until := now.Add(remaining).UTC()
			return nil, authFailure(connID, u.ID, AuthSuspended), &AuthError{Reason: AuthSuspended, Until: &until}
		}
	}

	c.registry.Bind(connID, u.ID)
	if c.sessions != nil {
		if err := c.sessions.BindUser(ctx, connID, u.ID); err != nil {
			log.Printf("[chat] session bind failed conn=%s user=%s: %v", connID, u.ID, err)
		}
	}
	metrics.OnlineUsers.Set(float64(c.registry.OnlineCount()))
	log.Printf("[chat] authenticated conn=%s user=%s", connID, u.ID)

	return u, []Effect{
		Reply(connID, protocol.TypeAuthenticated, protocol.AuthenticatedMsg{User: userInfo(u)}),
		Record(audit.Event{
			Type:     audit.EventAuthSuccess,
			ActorID:  u.ID,
			Severity: audit.SeverityLow,
			Metadata: map[string]any{"conn_id": connID},
		}),
	}, nil
}

func authFailure(connID, userID, reason string) []Effect {
	return []Effect{Record(audit.Event{
		Type:     audit.EventAuthFailure,
		ActorID:  userID,
		Severity: audit.SeverityMedium,
		Metadata: map[string]any{"conn_id": connID, "reason": reason},
	})}
}

// Disconnect forgets the connection and announces the user as offline in
// every room where this was their last joined connection. It is safe to call
// for connections that never authenticated or were already removed.
func (c *Coordinator) Disconnect(ctx context.Context, connID string) []Effect {
	userID, rooms := c.registry.Remove(connID)
	metrics.ConnectionsTotal.Set(float64(c.registry.ConnectionCount()))
	metrics.OnlineUsers.Set(float64(c.registry.OnlineCount()))
	if userID == "" {
		return nil
	}

	var effects []Effect
	for _, roomID := range rooms {
		if c.userInRoom(userID, roomID) {
			continue
		}
		effects = append(effects, ToRoom(roomID, protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
			UserID: userID,
			Status: protocol.StatusOffline,
			RoomID: roomID,
		}))
	}
	log.Printf("[chat] disconnected conn=%s user=%s rooms=%d", connID, userID, len(rooms))
	return effects
}

func (c *Coordinator) userInRoom(userID, roomID string) bool {
	return slices.Contains(c.registry.RoomUsers(roomID), userID)
}

// connUser returns the user bound to connID.
func (c *Coordinator) connUser(ctx context.Context, connID string) (*room.User, error) {
	userID, ok := c.registry.UserOf(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return c.loadUser(ctx, userID)
}

func (c *Coordinator) loadUser(ctx context.Context, userID string) (*room.User, error) {
	u, err := c.users.GetUser(ctx, userID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, &AuthError{Reason: AuthUnknownUser}
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load user: %w", err)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// RoomSnapshot is what a client receives on join.
type RoomSnapshot struct {
	Room        *room.Room
	OnlineCount int
	Recent      []protocol.MessageInfo
	Muted       bool
}

// JoinRoom adds the connection to roomID's delivery set. Channels check
// bans, level and capacity; conversations go through the access guard so
// missing and foreign conversations are indistinguishable.
func (c *Coordinator) JoinRoom(ctx context.Context, connID, roomID string) (RoomSnapshot, []Effect, error) {
	u, err := c.connUser(ctx, connID)
	if err != nil {
		return RoomSnapshot{}, nil, err
	}

	r, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil && !errors.Is(err, room.ErrNotFound) {
		return RoomSnapshot{}, nil, fmt.Errorf("chat: join: load room: %w", err)
	}

	now := c.now()
	capacity, added := 0, false
	switch {
	case r == nil || !r.IsChannel():
		if !access.ValidID(roomID) {
			return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinNotFound}
		}
		if err := c.checkConversation(ctx, u.ID, roomID); err != nil {
			if errors.Is(err, ErrAccessDenied) {
				return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinForbidden}
			}
			return RoomSnapshot{}, nil, err
		}
		if r == nil {
			return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinForbidden}
		}
	case r.Deleted:
		return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinNotFound}
	default:
		if rs, banned := r.Ban(u.ID, now); banned {
			return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinBanned, ExpiresAt: rs.ExpiresAt}
		}
		privileged := r.EffectiveRole(u).Rank() >= room.RoleModerator.Rank()
		if !privileged && u.Level < r.MinLevel {
			return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinLevel}
		}
		if !privileged && r.Capacity > 0 && !c.userInRoom(u.ID, roomID) && c.registry.RoomCount(roomID) >= r.Capacity {
			return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinFull}
		}
		if !privileged {
			capacity = r.Capacity
		}
		if !r.HasParticipant(u.ID) {
			r, err = c.rooms.UpdateRoom(ctx, roomID, func(r *room.Room) error {
				added = r.AddParticipant(u.ID)
				return nil
			})
			if err != nil {
				return RoomSnapshot{}, nil, fmt.Errorf("chat: join: add participant: %w", err)
			}
		}
	}

	// The check above is advisory; concurrent joins are settled here.
	alreadyPresent := c.userInRoom(u.ID, roomID)
	joined, full := c.registry.JoinCapped(connID, roomID, capacity)
	if full {
		if added {
			c.dropParticipant(ctx, roomID, u.ID)
		}
		return RoomSnapshot{}, nil, &JoinError{RoomID: roomID, Code: JoinFull}
	}
	if !joined {
		return RoomSnapshot{}, nil, ErrNotAuthenticated
	}

	snap := RoomSnapshot{
		Room:        r,
		OnlineCount: c.registry.RoomCount(roomID),
		Recent:      c.recent(ctx, roomID),
		Muted:       r.IsMuted(u.ID, now),
	}

	effects := []Effect{Reply(connID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		RoomID:      r.ID,
		Kind:        string(r.Kind),
		Name:        r.Name,
		OnlineCount: snap.OnlineCount,
		Recent:      snap.Recent,
		Muted:       snap.Muted,
	})}
	if !alreadyPresent {
		effects = append(effects, ToRoomExcept(roomID, u.ID, protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
			UserID: u.ID,
			Status: protocol.StatusOnline,
			RoomID: roomID,
		}))
	}
	log.Printf("[chat] joined conn=%s user=%s room=%s online=%d", connID, u.ID, roomID, snap.OnlineCount)
	return snap, effects, nil
}

// dropParticipant undoes a participant added by a join that lost the race
// for the last seat.
func (c *Coordinator) dropParticipant(ctx context.Context, roomID, userID string) {
	_, err := c.rooms.UpdateRoom(ctx, roomID, func(r *room.Room) error {
		r.RemoveParticipant(userID)
		return nil
	})
	if err != nil {
		log.Printf("[chat] join rollback failed room=%s user=%s: %v", roomID, userID, err)
	}
}

// recent returns the buffered messages for roomID, loading them from the
// store the first time the room is seen.
func (c *Coordinator) recent(ctx context.Context, roomID string) []protocol.MessageInfo {
	if !c.buffer.Has(roomID) {
		msgs, err := c.messages.History(ctx, room.HistoryQuery{RoomID: roomID, Limit: c.buffer.Size()})
		if err != nil {
			log.Printf("[chat] recent history load failed room=%s: %v", roomID, err)
			return []protocol.MessageInfo{}
		}
		infos := make([]protocol.MessageInfo, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			if !msgs[i].Deleted {
				infos = append(infos, messageInfo(msgs[i]))
			}
		}
		c.buffer.Seed(roomID, infos)
	}
	return c.buffer.Get(roomID)
}

// LeaveRoom removes the connection from roomID's delivery set.
func (c *Coordinator) LeaveRoom(ctx context.Context, connID, roomID string) ([]Effect, error) {
	userID, ok := c.registry.UserOf(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if !c.registry.Leave(connID, roomID) {
		return nil, ErrNotJoined
	}

	effects := []Effect{Reply(connID, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: roomID})}
	if !c.userInRoom(userID, roomID) {
		effects = append(effects, ToRoom(roomID, protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
			UserID: userID,
			Status: protocol.StatusOffline,
			RoomID: roomID,
		}))
	}
	return effects, nil
}

// ListOnlineUsers returns the users joined to roomID on this instance, or
// every online user when roomID is empty.
func (c *Coordinator) ListOnlineUsers(roomID string) []string {
	if roomID == "" {
		return c.registry.OnlineUsers()
	}
	return c.registry.RoomUsers(roomID)
}

// RoomUserCount returns the number of distinct users joined to roomID.
func (c *Coordinator) RoomUserCount(roomID string) int {
	return c.registry.RoomCount(roomID)
}

// RequestOnlineUsers answers request_online_users. A room-scoped request
// requires the connection to have joined the room.
func (c *Coordinator) RequestOnlineUsers(connID, roomID string) ([]Effect, error) {
	if _, ok := c.registry.UserOf(connID); !ok {
		return nil, ErrNotAuthenticated
	}
	if roomID != "" && !c.registry.InRoom(connID, roomID) {
		return nil, ErrNotJoined
	}
	users := c.ListOnlineUsers(roomID)
	if users == nil {
		users = []string{}
	}
	return []Effect{Reply(connID, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		RoomID: roomID,
		Users:  users,
		Count:  len(users),
	})}, nil
}

// Typing relays a typing indicator to the other members of a joined room.
func (c *Coordinator) Typing(connID, roomID string, typing bool) ([]Effect, error) {
	userID, ok := c.registry.UserOf(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if !c.registry.InRoom(connID, roomID) {
		return nil, ErrNotJoined
	}
	return []Effect{ToRoomExcept(roomID, userID, protocol.TypeTyping, protocol.ServerTypingMsg{
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: typing,
	})}, nil
}

// checkConversation runs the enumeration detector and the access guard for
// a conversation lookup. Every denial surfaces as ErrAccessDenied.
func (c *Coordinator) checkConversation(ctx context.Context, userID, convID string) error {
	if dec := c.guard.DetectEnumeration(ctx, userID, convID); !dec.Allowed {
		metrics.RateLimitedTotal.WithLabelValues("enumeration").Inc()
		return &RateLimitedError{Kind: "enumeration", RetryAfter: dec.RetryAfter}
	}
	if _, err := c.guard.CheckConversationAccess(ctx, userID, convID); err != nil {
		if errors.Is(err, access.ErrDenied) || errors.Is(err, access.ErrInvalidID) {
			return ErrAccessDenied
		}
		return fmt.Errorf("chat: access check: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func userInfo(u *room.User) protocol.UserInfo {
	return protocol.UserInfo{ID: u.ID, Username: u.Username, Role: string(u.Role), Level: u.Level}
}

func messageInfo(m *room.Message) protocol.MessageInfo {
	return protocol.MessageInfo{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		ReplyTo:   m.ReplyTo,
		Flagged:   m.Flagged,
		Deleted:   m.Deleted,
		EditedAt:  m.EditedAt,
		CreatedAt: m.CreatedAt,
	}
}
