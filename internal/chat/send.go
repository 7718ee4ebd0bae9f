package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/moderation"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/room"
)

// Notification kinds sent with protocol.TypeNotification.
const (
	NotifyMessage      = "message"
	NotifyConversation = "conversation_created"
	NotifyRead         = "read"
	NotifySuspended    = "suspended"
)

// SendRequest is one outbound message.
type SendRequest struct {
	RoomID  string
	Text    string
	ReplyTo string
}

// SendMessage posts text from a connection to a room it has joined.
func (c *Coordinator) SendMessage(ctx context.Context, connID string, req SendRequest) (*room.Message, []Effect, error) {
	u, err := c.connUser(ctx, connID)
	if err != nil {
		return nil, nil, err
	}
	if !c.registry.InRoom(connID, req.RoomID) {
		return nil, nil, ErrNotJoined
	}
	r, err := c.rooms.GetRoom(ctx, req.RoomID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("chat: send: load room: %w", err)
	}
	if r.Deleted {
		return nil, nil, ErrNotFound
	}
	return c.send(ctx, u, r, req)
}

// SendAs posts a message for userID without a live connection. Room access
// is checked the same way a join would check it.
func (c *Coordinator) SendAs(ctx context.Context, userID string, req SendRequest) (*room.Message, []Effect, error) {
	u, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	r, err := c.readableRoom(ctx, u, req.RoomID)
	if err != nil {
		return nil, nil, err
	}
	return c.send(ctx, u, r, req)
}

// send runs the pipeline: validation, mute, rate, moderation, flood,
// persistence, activity, fan-out. A rejection at any step produces no
// broadcast.
func (c *Coordinator) send(ctx context.Context, u *room.User, r *room.Room, req SendRequest) (*room.Message, []Effect, error) {
	start := time.Now()
	now := c.now()

	if err := ValidateMessage(req.Text, c.cfg.MaxURLs); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, nil, err
	}
	if u.IsSuspended(now) {
		return nil, nil, &AuthError{Reason: AuthSuspended, Until: u.SuspendedUntil}
	}
	if rs, muted := r.Mute(u.ID, now); muted {
		metrics.MessagesTotal.WithLabelValues("muted").Inc()
		return nil, nil, &MutedError{RoomID: r.ID, ExpiresAt: rs.ExpiresAt}
	}

	mt := ratelimit.MessageGlobal
	if !r.IsChannel() {
		mt = ratelimit.MessageDirect
	}
	if effects, err := c.checkRate(ctx, u, r.ID, mt, now); err != nil {
		return nil, effects, err
	}

	text, flagged, effects, err := c.moderate(ctx, u, r.ID, req.Text)
	if err != nil {
		return nil, effects, err
	}

	flood := c.detector.DetectFlooding(ctx, u.ID, text)
	if !flood.Allowed {
		metrics.MessagesTotal.WithLabelValues("flood").Inc()
		metrics.RateLimitedTotal.WithLabelValues(string(flood.Type)).Inc()
		log.Printf("[chat] flood rejected user=%s room=%s type=%s", u.ID, r.ID, flood.Type)
		return nil, append(effects, Record(audit.Event{
			Type:     audit.EventFloodDetected,
			ActorID:  u.ID,
			RoomID:   r.ID,
			Severity: audit.SeverityMedium,
			Metadata: map[string]any{"flood_type": string(flood.Type)},
		})), &RateLimitedError{Kind: string(flood.Type), RetryAfter: flood.RetryAfter}
	}
	if flood.Type == ratelimit.FloodSimilar {
		effects = append(effects, Record(audit.Event{
			Type:     audit.EventFloodDetected,
			ActorID:  u.ID,
			RoomID:   r.ID,
			Severity: audit.SeverityLow,
			Metadata: map[string]any{"flood_type": string(flood.Type), "marked_suspicious": true},
		}))
	}

	if req.ReplyTo != "" {
		parent, err := c.messages.GetMessage(ctx, req.ReplyTo)
		if err != nil || parent.RoomID != r.ID {
			return nil, effects, &ValidationError{Field: "reply_to", Reason: "unknown message"}
		}
	}

	msg := &room.Message{
		ID:        uuid.NewString(),
		RoomID:    r.ID,
		SenderID:  u.ID,
		Content:   text,
		ReplyTo:   req.ReplyTo,
		Flagged:   flagged,
		CreatedAt: now.UTC(),
	}
	if err := c.messages.CreateMessage(ctx, msg); err != nil {
		return nil, effects, fmt.Errorf("chat: send: persist: %w", err)
	}
	if err := c.rooms.RecordActivity(ctx, r.ID, msg.CreatedAt); err != nil {
		log.Printf("[chat] record activity failed room=%s: %v", r.ID, err)
	}

	info := messageInfo(msg)
	c.buffer.Add(r.ID, info)

	effects = append(effects, ToRoom(r.ID, protocol.TypeMessageNew, protocol.MessageNewMsg{Message: info}))
	if !r.IsChannel() {
		effects = append(effects, c.notifyParticipants(ctx, r, u.ID, msg)...)
	}
	effects = append(effects, Record(audit.Event{
		Type:     audit.EventMessageSent,
		ActorID:  u.ID,
		RoomID:   r.ID,
		Severity: audit.SeverityLow,
		Metadata: map[string]any{"message_id": msg.ID, "length": utf8.RuneCountInString(text)},
	}))

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return msg, effects, nil
}

// checkRate counts one send of type mt against the user's budgets.
func (c *Coordinator) checkRate(ctx context.Context, u *room.User, roomID string, mt ratelimit.MessageType, now time.Time) ([]Effect, error) {
	flagged := c.detector.IsSuspicious(ctx, u.ID)
	dec := c.detector.CheckRate(ctx, u.ID, mt, u.IsNewAccount(now), flagged)
	if dec.Allowed {
		return nil, nil
	}
	metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
	metrics.RateLimitedTotal.WithLabelValues(string(dec.Kind)).Inc()
	log.Printf("[chat] rate limited user=%s room=%s kind=%s retry=%s", u.ID, roomID, dec.Kind, dec.RetryAfter)
	return []Effect{Record(audit.Event{
		Type:     audit.EventRateLimited,
		ActorID:  u.ID,
		RoomID:   roomID,
		Severity: audit.SeverityLow,
		Metadata: map[string]any{"limit": string(dec.Kind), "message_type": string(mt)},
	})}, &RateLimitedError{Kind: string(dec.Kind), RetryAfter: dec.RetryAfter}
}

// moderate classifies text. It returns the text to store and whether it was
// altered by auto-clean. Rejected content is audited without its body and
// high or critical violations count as a strike against the sender.
func (c *Coordinator) moderate(ctx context.Context, u *room.User, roomID, text string) (string, bool, []Effect, error) {
	v := c.engine.Classify(text, moderation.KindMessage)
	metrics.VerdictsTotal.WithLabelValues(string(v.Category), string(v.Action)).Inc()
	if v.Valid {
		return text, false, nil, nil
	}
	// Cleaned text is only delivered if it passes on its own.
	if c.cfg.AutoClean && v.Action == moderation.ActionClean && c.engine.Check(v.Cleaned) {
		return v.Cleaned, true, nil, nil
	}

	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	log.Printf("[chat] message blocked user=%s room=%s category=%s severity=%s length=%d",
		u.ID, roomID, v.Category, v.Severity, utf8.RuneCountInString(text))
	effects := []Effect{Record(audit.Event{
		Type:     audit.EventMessageBlocked,
		ActorID:  u.ID,
		RoomID:   roomID,
		Severity: auditSeverity(v.Severity),
		Metadata: map[string]any{
			"category": string(v.Category),
			"severity": string(v.Severity),
			"terms":    v.Terms(),
		},
	})}
	if v.Severity.Rank() >= moderation.SeverityHigh.Rank() {
		effects = append(effects, c.strike(ctx, u, v)...)
	}
	return "", false, effects, &ModerationError{Verdict: v}
}

func auditSeverity(s moderation.Severity) audit.Severity {
	switch s {
	case moderation.SeverityCritical:
		return audit.SeverityCritical
	case moderation.SeverityHigh:
		return audit.SeverityHigh
	case moderation.SeverityMedium:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}

// strike counts a serious violation. At the strike threshold the user gets a
// warning and an escalating suspension.
func (c *Coordinator) strike(ctx context.Context, u *room.User, v moderation.Verdict) []Effect {
	if c.strikes == nil {
		return nil
	}
	reason := "content:" + string(v.Category)
	res, err := c.strikes.Strike(ctx, u.ID, reason)
	if err != nil {
		log.Printf("[chat] strike failed user=%s: %v", u.ID, err)
		return nil
	}
	if !res.Suspended {
		return nil
	}

	now := c.now().UTC()
	until := now.Add(res.Duration)
	if _, err := c.users.UpdateUser(ctx, u.ID, func(u *room.User) error {
		u.Warnings = append(u.Warnings, room.Warning{
			Reason:    reason,
			Category:  string(v.Category),
			Severity:  string(v.Severity),
			CreatedAt: now,
		})
		u.SuspendedUntil = &until
		return nil
	}); err != nil {
		log.Printf("[chat] record warning failed user=%s: %v", u.ID, err)
	}
	log.Printf("[chat] user suspended user=%s strikes=%d duration=%s", u.ID, res.Count, res.Duration)

	return []Effect{
		ToUser(u.ID, protocol.TypeNotification, protocol.NotificationMsg{
			Kind:    NotifySuspended,
			Payload: map[string]any{"until": until, "reason": reason},
		}),
		Record(audit.Event{
			Type:     audit.EventUserSuspended,
			TargetID: u.ID,
			Severity: audit.SeverityHigh,
			Metadata: map[string]any{"strikes": res.Count, "duration": res.Duration.String(), "reason": reason},
		}),
	}
}

// notifyParticipants tells the other conversation participants about a new
// message and unarchives the conversation for them.
func (c *Coordinator) notifyParticipants(ctx context.Context, r *room.Room, senderID string, msg *room.Message) []Effect {
	var effects []Effect
	unarchive := false
	for _, p := range r.Participants {
		if p.UserID == senderID {
			continue
		}
		if p.Archived {
			unarchive = true
		}
		if p.Muted {
			continue
		}
		effects = append(effects, ToUser(p.UserID, protocol.TypeNotification, protocol.NotificationMsg{
			Kind:    NotifyMessage,
			Payload: map[string]any{"room_id": r.ID, "message_id": msg.ID, "sender_id": senderID},
		}))
	}
	if unarchive {
		if _, err := c.rooms.UpdateRoom(ctx, r.ID, func(r *room.Room) error {
			for i := range r.Participants {
				if r.Participants[i].UserID != senderID {
					r.Participants[i].Archived = false
				}
			}
			return nil
		}); err != nil {
			log.Printf("[chat] unarchive failed room=%s: %v", r.ID, err)
		}
	}
	return effects
}

// ---------------------------------------------------------------------------
// Message operations
// ---------------------------------------------------------------------------

// loadMessage fetches messageID if userID may see it.
func (c *Coordinator) loadMessage(ctx context.Context, userID, messageID string) (*room.Message, error) {
	msg, err := c.guard.CheckMessageAccess(ctx, userID, messageID)
	if errors.Is(err, access.ErrDenied) || errors.Is(err, access.ErrInvalidID) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces the text of the caller's own message. The new text
// passes the same validation, budget and moderation as a send.
func (c *Coordinator) EditMessage(ctx context.Context, userID, messageID, text string) (*room.Message, []Effect, error) {
	u, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	msg, err := c.loadMessage(ctx, u.ID, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != u.ID {
		return nil, nil, ErrForbidden
	}
	if msg.Deleted {
		return nil, nil, ErrNotFound
	}
	if err := ValidateMessage(text, c.cfg.MaxURLs); err != nil {
		return nil, nil, err
	}

	now := c.now()
	if effects, err := c.checkRate(ctx, u, msg.RoomID, ratelimit.MessageEdit, now); err != nil {
		return nil, effects, err
	}
	clean, flagged, effects, err := c.moderate(ctx, u, msg.RoomID, text)
	if err != nil {
		return nil, effects, err
	}

	edited := now.UTC()
	updated, err := c.messages.UpdateMessage(ctx, msg.ID, func(m *room.Message) error {
		m.Content = clean
		m.Flagged = m.Flagged || flagged
		m.EditedAt = &edited
		return nil
	})
	if err != nil {
		return nil, effects, fmt.Errorf("chat: edit: %w", err)
	}

	info := messageInfo(updated)
	c.buffer.Replace(updated.RoomID, info)
	effects = append(effects,
		ToRoom(updated.RoomID, protocol.TypeMessageEdited, protocol.MessageEditedMsg{Message: info}),
		Record(audit.Event{
			Type:     audit.EventMessageEdited,
			ActorID:  u.ID,
			RoomID:   updated.RoomID,
			Severity: audit.SeverityLow,
			Metadata: map[string]any{"message_id": updated.ID},
		}),
	)
	return updated, effects, nil
}

// DeleteMessage soft-deletes a message. Senders may delete their own
// messages; channel moderators and admins may delete any message in the
// channel.
func (c *Coordinator) DeleteMessage(ctx context.Context, userID, messageID string) ([]Effect, error) {
	u, err := c.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	msg, err := c.loadMessage(ctx, u.ID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, ErrNotFound
	}

	own := msg.SenderID == u.ID
	if !own {
		r, err := c.rooms.GetRoom(ctx, msg.RoomID)
		if err != nil {
			return nil, fmt.Errorf("chat: delete: load room: %w", err)
		}
		role := r.EffectiveRole(u)
		allowed := role.Rank() >= room.RoleModerator.Rank()
		if !r.IsChannel() {
			allowed = role == room.RoleAdmin
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	if _, err := c.messages.UpdateMessage(ctx, msg.ID, func(m *room.Message) error {
		m.SoftDelete(u.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("chat: delete: %w", err)
	}
	c.buffer.Drop(msg.RoomID, msg.ID)

	severity := audit.SeverityLow
	if !own {
		severity = audit.SeverityMedium
	}
	return []Effect{
		ToRoom(msg.RoomID, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			DeletedBy: u.ID,
		}),
		Record(audit.Event{
			Type:     audit.EventMessageDeleted,
			ActorID:  u.ID,
			TargetID: msg.SenderID,
			RoomID:   msg.RoomID,
			Severity: severity,
			Metadata: map[string]any{"message_id": msg.ID},
		}),
	}, nil
}

// MarkRead records a read receipt. In conversations the participant's read
// marker advances and the sender is notified.
func (c *Coordinator) MarkRead(ctx context.Context, userID, messageID string) ([]Effect, error) {
	msg, err := c.loadMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, nil
	}

	at := c.now().UTC()
	fresh := false
	if _, err := c.messages.UpdateMessage(ctx, msg.ID, func(m *room.Message) error {
		fresh = m.MarkRead(userID, at)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("chat: mark read: %w", err)
	}
	if !fresh {
		return nil, nil
	}

	r, err := c.rooms.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return nil, fmt.Errorf("chat: mark read: load room: %w", err)
	}
	if r.IsChannel() {
		return nil, nil
	}
	if _, err := c.rooms.UpdateRoom(ctx, r.ID, func(r *room.Room) error {
		if p, ok := r.Participant(userID); ok {
			p.LastReadMessageID = msg.ID
			p.LastReadAt = &at
		}
		return nil
	}); err != nil {
		log.Printf("[chat] read marker update failed room=%s user=%s: %v", r.ID, userID, err)
	}
	return []Effect{ToUser(msg.SenderID, protocol.TypeNotification, protocol.NotificationMsg{
		Kind:    NotifyRead,
		Payload: map[string]any{"room_id": r.ID, "message_id": msg.ID, "user_id": userID},
	})}, nil
}
