package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/report"
	"github.com/whisper/chatguard/internal/room"
)

// MaxConversationParticipants caps group conversations.
const MaxConversationParticipants = 10

// readableRoom loads roomID if u may read and post in it without joining.
func (c *Coordinator) readableRoom(ctx context.Context, u *room.User, roomID string) (*room.Room, error) {
	r, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil && !errors.Is(err, room.ErrNotFound) {
		return nil, fmt.Errorf("chat: load room: %w", err)
	}
	if r == nil || !r.IsChannel() {
		if err := c.checkConversation(ctx, u.ID, roomID); err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrAccessDenied
		}
		return r, nil
	}
	if r.Deleted {
		return nil, ErrNotFound
	}
	if r.IsBanned(u.ID, c.now()) {
		return nil, ErrForbidden
	}
	return r, nil
}

// History pages backwards through a room's messages. A zero before starts
// at the newest message; limit is clamped to MaxHistoryLimit.
func (c *Coordinator) History(ctx context.Context, userID, roomID string, before time.Time, limit int) ([]*room.Message, error) {
	u, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := c.readableRoom(ctx, u, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.cfg.HistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	msgs, err := c.messages.History(ctx, room.HistoryQuery{RoomID: roomID, Before: before, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("chat: history: %w", err)
	}
	return msgs, nil
}

// ListChannels returns every live channel.
func (c *Coordinator) ListChannels(ctx context.Context) ([]*room.Room, error) {
	rooms, err := c.rooms.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: list channels: %w", err)
	}
	return rooms, nil
}

// CreateConversation opens a conversation between userID and others. A
// two-person conversation that already exists is returned instead of a new
// one.
func (c *Coordinator) CreateConversation(ctx context.Context, userID string, others []string, name string) (*room.Room, []Effect, error) {
	u, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	ids := []string{u.ID}
	for _, id := range others {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return nil, nil, &ValidationError{Field: "participants", Reason: "at least one other participant is required"}
	}
	if len(ids) > MaxConversationParticipants {
		return nil, nil, &ValidationError{Field: "participants", Reason: fmt.Sprintf("at most %d participants", MaxConversationParticipants)}
	}
	for _, id := range ids[1:] {
		if _, err := c.users.GetUser(ctx, id); err != nil {
			if errors.Is(err, room.ErrNotFound) {
				return nil, nil, &ValidationError{Field: "participants", Reason: "unknown user " + id}
			}
			return nil, nil, fmt.Errorf("chat: create conversation: load user: %w", err)
		}
	}

	if len(ids) == 2 {
		existing, err := c.rooms.ListConversations(ctx, u.ID, true)
		if err != nil {
			return nil, nil, fmt.Errorf("chat: create conversation: %w", err)
		}
		for _, r := range existing {
			if !r.Deleted && len(r.Participants) == 2 && r.HasParticipant(ids[1]) {
				return r, nil, nil
			}
		}
	}

	now := c.now().UTC()
	r := &room.Room{
		ID:           uuid.NewString(),
		Kind:         room.KindConversation,
		Name:         name,
		OwnerID:      u.ID,
		LastActivity: now,
		CreatedAt:    now,
	}
	for _, id := range ids {
		r.Participants = append(r.Participants, room.Participant{UserID: id})
	}
	if err := c.rooms.CreateRoom(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	log.Printf("[chat] conversation created id=%s owner=%s participants=%d", r.ID, u.ID, len(ids))

	var effects []Effect
	for _, id := range ids[1:] {
		effects = append(effects, ToUser(id, protocol.TypeNotification, protocol.NotificationMsg{
			Kind:    NotifyConversation,
			Payload: map[string]any{"room_id": r.ID, "owner_id": u.ID},
		}))
	}
	return r, effects, nil
}

// ListConversations returns the user's conversations, most recent first.
func (c *Coordinator) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*room.Room, error) {
	rooms, err := c.rooms.ListConversations(ctx, userID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	return rooms, nil
}

// ArchiveConversation sets the caller's archived flag on a conversation.
func (c *Coordinator) ArchiveConversation(ctx context.Context, userID, convID string, archived bool) error {
	if err := c.checkConversation(ctx, userID, convID); err != nil {
		return err
	}
	_, err := c.rooms.UpdateRoom(ctx, convID, func(r *room.Room) error {
		p, ok := r.Participant(userID)
		if !ok {
			return ErrAccessDenied
		}
		p.Archived = archived
		return nil
	})
	if err != nil && !errors.Is(err, ErrAccessDenied) {
		return fmt.Errorf("chat: archive: %w", err)
	}
	return err
}

// LeaveConversation removes the caller from a conversation for good. The
// last participant leaving deletes it.
func (c *Coordinator) LeaveConversation(ctx context.Context, userID, convID string) ([]Effect, error) {
	if err := c.checkConversation(ctx, userID, convID); err != nil {
		return nil, err
	}
	r, err := c.rooms.UpdateRoom(ctx, convID, func(r *room.Room) error {
		if !r.RemoveParticipant(userID) {
			return ErrAccessDenied
		}
		return nil
	})
	if errors.Is(err, ErrAccessDenied) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("chat: leave conversation: %w", err)
	}
	c.guard.Invalidate(ctx, userID, convID)
	if r.Deleted {
		c.buffer.Remove(convID)
	}

	return []Effect{
		ForceLeave(userID, convID, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: convID}),
		ToRoomExcept(convID, userID, protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
			UserID: userID,
			Status: protocol.StatusOffline,
			RoomID: convID,
		}),
	}, nil
}

// ReportMessage files a report against a message the caller can see.
func (c *Coordinator) ReportMessage(ctx context.Context, userID, messageID, reason, details string) (report.Result, error) {
	if _, err := c.loadMessage(ctx, userID, messageID); err != nil {
		return report.Result{}, err
	}
	res, err := c.reports.File(ctx, userID, messageID, reason, details)
	if err != nil {
		return report.Result{}, err
	}
	return res, nil
}

// Moderate applies a moderation action and produces the room broadcast and
// the notice to the target. Kicks and bans also drop the target's live
// connections from the room.
func (c *Coordinator) Moderate(ctx context.Context, req enforcement.Request) (enforcement.Result, []Effect, error) {
	res, err := c.pipeline.Apply(ctx, req)
	if err != nil {
		return enforcement.Result{}, nil, err
	}

	effects := []Effect{ToRoom(res.RoomID, protocol.TypeUserModerated, protocol.UserModeratedMsg{
		RoomID:    res.RoomID,
		UserID:    res.TargetID,
		ActorID:   res.ActorID,
		Action:    string(res.Action),
		Duration:  res.Duration,
		ExpiresAt: res.ExpiresAt,
		Reason:    res.Reason,
	})}
	switch res.Action {
	case enforcement.KindKick:
		effects = append(effects, ForceLeave(res.TargetID, res.RoomID, protocol.TypeKickedFromRoom, protocol.KickedFromRoomMsg{
			RoomID: res.RoomID,
			Reason: res.Reason,
		}))
	case enforcement.KindBan:
		effects = append(effects, ForceLeave(res.TargetID, res.RoomID, protocol.TypeBannedFromRoom, protocol.BannedFromRoomMsg{
			RoomID:    res.RoomID,
			Reason:    res.Reason,
			ExpiresAt: res.ExpiresAt,
		}))
	}
	return res, effects, nil
}

// ModerateFrom runs Moderate for the user bound to connID and adds the
// confirmation reply.
func (c *Coordinator) ModerateFrom(ctx context.Context, connID string, msg protocol.ModerateMsg) ([]Effect, error) {
	actorID, ok := c.registry.UserOf(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	res, effects, err := c.Moderate(ctx, enforcement.Request{
		ActorID:  actorID,
		TargetID: msg.TargetID,
		RoomID:   msg.RoomID,
		Action:   enforcement.Kind(msg.Action),
		Duration: msg.Duration,
		Reason:   msg.Reason,
	})
	if err != nil {
		return nil, err
	}
	return append(effects, Reply(connID, protocol.TypeModerationResult, protocol.ModerationResultMsg{
		RoomID:    res.RoomID,
		TargetID:  res.TargetID,
		Action:    string(res.Action),
		Duration:  res.Duration,
		ExpiresAt: res.ExpiresAt,
	})), nil
}
