package chat

import (
	"fmt"
	"sync"
	"testing"

	"github.com/whisper/chatguard/internal/protocol"
)

func info(id, text string) protocol.MessageInfo {
	return protocol.MessageInfo{ID: id, SenderID: "sender", Content: text}
}

func TestAddAndGet(t *testing.T) {
	mb := NewMessageBuffer(5)

	mb.Add("room1", info("1", "hello"))
	mb.Add("room1", info("2", "hi"))
	mb.Add("room1", info("3", "how are you?"))

	msgs := mb.Get("room1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("expected second message 'hi', got %q", msgs[1].Content)
	}
	if msgs[2].Content != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Content)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	mb := NewMessageBuffer(5)

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		mb.Add("room1", info(fmt.Sprint(i), fmt.Sprintf("msg-%d", i)))
	}

	msgs := mb.Get("room1")
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Should contain messages 3 through 7 in order.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if msg.Content != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Content)
		}
	}
}

func TestDefaultSize(t *testing.T) {
	if got := NewMessageBuffer(0).Size(); got != MaxBufferMessages {
		t.Errorf("size = %d, want %d", got, MaxBufferMessages)
	}
}

func TestGetNonExistentRoom(t *testing.T) {
	mb := NewMessageBuffer(5)

	msgs := mb.Get("does-not-exist")
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestSeed(t *testing.T) {
	mb := NewMessageBuffer(3)

	if !mb.Seed("room1", []protocol.MessageInfo{info("1", "a"), info("2", "b"), info("3", "c"), info("4", "d")}) {
		t.Fatal("first seed should apply")
	}
	if mb.Seed("room1", []protocol.MessageInfo{info("9", "z")}) {
		t.Fatal("second seed should be ignored")
	}
	msgs := mb.Get("room1")
	if len(msgs) != 3 || msgs[0].ID != "2" || msgs[2].ID != "4" {
		t.Errorf("unexpected buffer after seed: %+v", msgs)
	}

	// An empty seed still marks the room as loaded.
	mb.Seed("quiet", nil)
	if !mb.Has("quiet") {
		t.Error("empty seed should create the buffer")
	}
}

func TestReplaceAndDrop(t *testing.T) {
	mb := NewMessageBuffer(5)
	for i := 1; i <= 4; i++ {
		mb.Add("room1", info(fmt.Sprint(i), fmt.Sprintf("msg-%d", i)))
	}

	if !mb.Replace("room1", info("2", "edited")) {
		t.Fatal("expected replace to find message 2")
	}
	if mb.Replace("room1", info("42", "nope")) {
		t.Error("replace of unknown id should report false")
	}
	if !mb.Drop("room1", "3") {
		t.Fatal("expected drop to find message 3")
	}
	if mb.Drop("room1", "3") {
		t.Error("second drop should report false")
	}

	msgs := mb.Get("room1")
	want := []string{"msg-1", "edited", "msg-4"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("index %d: expected %q, got %q", i, w, msgs[i].Content)
		}
	}

	// The ring keeps working after a drop.
	mb.Add("room1", info("5", "msg-5"))
	if got := mb.Get("room1"); got[len(got)-1].ID != "5" {
		t.Errorf("newest = %q, want 5", got[len(got)-1].ID)
	}
}

func TestRemove(t *testing.T) {
	mb := NewMessageBuffer(5)

	mb.Add("room1", info("1", "hello"))
	mb.Add("room1", info("2", "hi"))

	mb.Remove("room1")

	if msgs := mb.Get("room1"); len(msgs) != 0 {
		t.Fatalf("expected 0 messages after remove, got %d", len(msgs))
	}
	if mb.Has("room1") {
		t.Error("room1 should have no buffer")
	}

	// Should not panic.
	mb.Remove("does-not-exist")
}

func TestMultipleRooms(t *testing.T) {
	mb := NewMessageBuffer(5)

	mb.Add("room1", info("1", "r1-msg1"))
	mb.Add("room2", info("2", "r2-msg1"))
	mb.Add("room1", info("3", "r1-msg2"))

	msgs1 := mb.Get("room1")
	msgs2 := mb.Get("room2")

	if len(msgs1) != 2 {
		t.Fatalf("room1: expected 2 messages, got %d", len(msgs1))
	}
	if len(msgs2) != 1 {
		t.Fatalf("room2: expected 1 message, got %d", len(msgs2))
	}
	if msgs1[0].Content != "r1-msg1" || msgs1[1].Content != "r1-msg2" {
		t.Errorf("room1 messages out of order: %+v", msgs1)
	}
}

func TestConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer(5)
	roomID := "concurrent-room"
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				mb.Add(roomID, info(fmt.Sprintf("g%d-m%d", id, m), "x"))
				// Interleave reads to stress the RWMutex.
				_ = mb.Get(roomID)
			}
		}(g)
	}

	wg.Wait()

	if msgs := mb.Get(roomID); len(msgs) != 5 {
		t.Fatalf("expected 5 messages after concurrent writes, got %d", len(msgs))
	}
}
