package room

import "time"

// MaxMessageLength is the maximum number of characters in a message body.
const MaxMessageLength = 1000

// Message is a chat message in a channel or conversation. Deleted messages
// keep their record with Content cleared.
type Message struct {
	ID        string               `json:"id"`
	RoomID    string               `json:"room_id"`
	SenderID  string               `json:"sender_id"`
	Content   string               `json:"content"`
	ReplyTo   string               `json:"reply_to,omitempty"`
	Flagged   bool                 `json:"flagged"`
	Deleted   bool                 `json:"deleted"`
	DeletedBy string               `json:"deleted_by,omitempty"`
	EditedAt  *time.Time           `json:"edited_at,omitempty"`
	ReadBy    map[string]time.Time `json:"read_by,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// MarkRead records a read receipt. It reports whether the receipt is new.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	m.ReadBy[userID] = at
	return true
}

// SoftDelete clears the content and marks the message deleted.
func (m *Message) SoftDelete(by string) {
	m.Deleted = true
	m.DeletedBy = by
	m.Content = ""
}
