// Package room defines the chat domain model: users, rooms (channels and
// direct conversations), messages, and the repository interfaces the rest of
// the service persists them through.
package room

import (
	"time"
)

// Kind distinguishes broadcast channels from direct conversations.
type Kind string

const (
	KindChannel      Kind = "channel"
	KindConversation Kind = "conversation"
)

// Restriction is a ban or mute entry on a channel. A nil ExpiresAt means the
// restriction is permanent.
type Restriction struct {
	UserID    string     `json:"user_id"`
	ActorID   string     `json:"actor_id"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the restriction is in force at now.
func (r Restriction) Active(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Participant holds per-user conversation settings.
type Participant struct {
	UserID            string     `json:"user_id"`
	Archived          bool       `json:"archived"`
	Muted             bool       `json:"muted"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
}

// Room is either a Channel or a Conversation. Channel-only fields are ignored
// for conversations and vice versa.
type Room struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Name         string        `json:"name"`
	OwnerID      string        `json:"owner_id"`
	Moderators   []string      `json:"moderators,omitempty"`
	MinLevel     int           `json:"min_level"`
	Capacity     int           `json:"capacity"`
	Bans         []Restriction `json:"bans,omitempty"`
	Mutes        []Restriction `json:"mutes,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	MessageCount int64         `json:"message_count"`
	LastActivity time.Time     `json:"last_activity"`
	Deleted      bool          `json:"deleted"`
	CreatedAt    time.Time     `json:"created_at"`
}

// IsChannel reports whether the room is a broadcast channel.
func (r *Room) IsChannel() bool { return r.Kind == KindChannel }

// Prune drops expired bans and mutes. Stores call it on every load and save so
// an expired entry is never observed by callers.
func (r *Room) Prune(now time.Time) {
	r.Bans = pruneRestrictions(r.Bans, now)
	r.Mutes = pruneRestrictions(r.Mutes, now)
}

func pruneRestrictions(list []Restriction, now time.Time) []Restriction {
	if len(list) == 0 {
		return list
	}
	kept := list[:0]
	for _, rs := range list {
		if rs.Active(now) {
			kept = append(kept, rs)
		}
	}
	return kept
}

// Ban returns the active ban for userID, if any.
func (r *Room) Ban(userID string, now time.Time) (Restriction, bool) {
	return findActive(r.Bans, userID, now)
}

// Mute returns the active mute for userID, if any.
func (r *Room) Mute(userID string, now time.Time) (Restriction, bool) {
	return findActive(r.Mutes, userID, now)
}

// IsBanned reports whether userID holds an active ban.
func (r *Room) IsBanned(userID string, now time.Time) bool {
	_, ok := r.Ban(userID, now)
	return ok
}

// IsMuted reports whether userID holds an active mute.
func (r *Room) IsMuted(userID string, now time.Time) bool {
	_, ok := r.Mute(userID, now)
	return ok
}

func findActive(list []Restriction, userID string, now time.Time) (Restriction, bool) {
	for _, rs := range list {
		if rs.UserID == userID && rs.Active(now) {
			return rs, true
		}
	}
	return Restriction{}, false
}

// SetBan replaces any existing ban for the same user.
func (r *Room) SetBan(rs Restriction) {
	r.Bans = append(removeRestriction(r.Bans, rs.UserID), rs)
}

// SetMute replaces any existing mute for the same user.
func (r *Room) SetMute(rs Restriction) {
	r.Mutes = append(removeRestriction(r.Mutes, rs.UserID), rs)
}

// Unban removes the ban for userID. It reports whether one existed.
func (r *Room) Unban(userID string) bool {
	n := len(r.Bans)
	r.Bans = removeRestriction(r.Bans, userID)
	return len(r.Bans) != n
}

// Unmute removes the mute for userID. It reports whether one existed.
func (r *Room) Unmute(userID string) bool {
	n := len(r.Mutes)
	r.Mutes = removeRestriction(r.Mutes, userID)
	return len(r.Mutes) != n
}

func removeRestriction(list []Restriction, userID string) []Restriction {
	out := make([]Restriction, 0, len(list))
	for _, rs := range list {
		if rs.UserID != userID {
			out = append(out, rs)
		}
	}
	return out
}

// IsModerator reports whether userID moderates this channel (owner included).
func (r *Room) IsModerator(userID string) bool {
	if r.OwnerID == userID {
		return true
	}
	for _, id := range r.Moderators {
		if id == userID {
			return true
		}
	}
	return false
}

// EffectiveRole combines a user's global role with their role in this room.
// Channel owners and listed moderators act as moderators inside the room.
func (r *Room) EffectiveRole(u *User) Role {
	role := u.Role
	if !role.Valid() {
		role = RoleUser
	}
	if r.IsModerator(u.ID) && RoleModerator.Outranks(role) {
		return RoleModerator
	}
	return role
}

// Participant returns the participant record for userID.
func (r *Room) Participant(userID string) (*Participant, bool) {
	for i := range r.Participants {
		if r.Participants[i].UserID == userID {
			return &r.Participants[i], true
		}
	}
	return nil, false
}

// HasParticipant reports whether userID is a stored participant.
func (r *Room) HasParticipant(userID string) bool {
	_, ok := r.Participant(userID)
	return ok
}

// AddParticipant adds userID to a channel's member list. Conversations are
// fixed at creation and reject additions.
func (r *Room) AddParticipant(userID string) bool {
	if !r.IsChannel() || r.HasParticipant(userID) {
		return false
	}
	r.Participants = append(r.Participants, Participant{UserID: userID})
	return true
}

// RemoveParticipant drops userID. Removing the last participant of a
// conversation soft-deletes it.
func (r *Room) RemoveParticipant(userID string) bool {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	removed := len(out) != len(r.Participants)
	r.Participants = out
	if removed && r.Kind == KindConversation && len(r.Participants) == 0 {
		r.Deleted = true
	}
	return removed
}

// ParticipantIDs returns the stored participant user ids.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}
