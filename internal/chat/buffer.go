package chat

import (
	"sync"

	"github.com/whisper/chatguard/internal/protocol"
)

// MaxBufferMessages is the default number of recent messages retained per
// room and replayed in room_joined.
const MaxBufferMessages = 20

// MessageBuffer stores the last N messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of MessageInfo.
type ringBuffer struct {
	items []protocol.MessageInfo
	pos   int
	count int
}

// NewMessageBuffer creates an empty MessageBuffer holding size messages per
// room. A non-positive size uses MaxBufferMessages.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = MaxBufferMessages
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Size returns the per-room capacity.
func (mb *MessageBuffer) Size() int {
	return mb.size
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(roomID string, msg protocol.MessageInfo) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.addLocked(roomID, msg)
}

func (mb *MessageBuffer) addLocked(roomID string, msg protocol.MessageInfo) {
	rb, ok := mb.buffers[roomID]
	if !ok {
		rb = &ringBuffer{items: make([]protocol.MessageInfo, mb.size)}
		mb.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Seed fills an empty room buffer with msgs, oldest first. It reports false
// and does nothing when the room already has a buffer.
func (mb *MessageBuffer) Seed(roomID string, msgs []protocol.MessageInfo) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if _, ok := mb.buffers[roomID]; ok {
		return false
	}
	mb.buffers[roomID] = &ringBuffer{items: make([]protocol.MessageInfo, mb.size)}
	for _, m := range msgs {
		mb.addLocked(roomID, m)
	}
	return true
}

// Has reports whether the room has a buffer, even an empty one.
func (mb *MessageBuffer) Has(roomID string) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	_, ok := mb.buffers[roomID]
	return ok
}

// Get returns the buffered messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no buffer.
func (mb *MessageBuffer) Get(roomID string) []protocol.MessageInfo {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return []protocol.MessageInfo{}
	}
	return rb.ordered(mb.size)
}

func (rb *ringBuffer) ordered(size int) []protocol.MessageInfo {
	result := make([]protocol.MessageInfo, rb.count)
	// The oldest message is at position (pos - count) mod size.
	start := (rb.pos - rb.count + size) % size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%size]
	}
	return result
}

// Replace swaps a buffered message for an edited copy with the same ID. It
// reports whether the message was buffered.
func (mb *MessageBuffer) Replace(roomID string, msg protocol.MessageInfo) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return false
	}
	for i := range rb.items {
		if rb.items[i].ID == msg.ID && msg.ID != "" {
			rb.items[i] = msg
			return true
		}
	}
	return false
}

// Drop removes one message from a room's buffer, keeping the others in order.
func (mb *MessageBuffer) Drop(roomID, messageID string) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return false
	}
	kept := make([]protocol.MessageInfo, 0, rb.count)
	for _, m := range rb.ordered(mb.size) {
		if m.ID != messageID {
			kept = append(kept, m)
		}
	}
	if len(kept) == rb.count {
		return false
	}
	mb.buffers[roomID] = &ringBuffer{items: make([]protocol.MessageInfo, mb.size)}
	for _, m := range kept {
		mb.addLocked(roomID, m)
	}
	return true
}

// Remove deletes the buffer for a room (called when the room is deleted).
func (mb *MessageBuffer) Remove(roomID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, roomID)
}
