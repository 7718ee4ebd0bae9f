package access_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/room"
	"github.com/whisper/chatguard/internal/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, ev audit.Event) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ev.ID
}

func (r *recorder) of(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// countingRooms wraps a RoomStore and counts GetRoom calls.
type countingRooms struct {
	room.RoomStore
	mu   sync.Mutex
	gets int
}

func (c *countingRooms) GetRoom(ctx context.Context, id string) (*room.Room, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.RoomStore.GetRoom(ctx, id)
}

func (c *countingRooms) loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets
}

type fixture struct {
	guard *access.Guard
	store *memory.Store
	rooms *countingRooms
	rec   *recorder
	mr    *miniredis.Miniredis
	conv  *room.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := memory.New()
	conv := &room.Room{
		ID:           uuid.NewString(),
		Kind:         room.KindConversation,
		OwnerID:      "alice",
		Participants: []room.Participant{{UserID: "alice"}, {UserID: "bob"}},
		CreatedAt:    time.Now(),
	}
	if err := store.CreateRoom(context.Background(), conv); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	rooms := &countingRooms{RoomStore: store}
	rec := &recorder{}
	return &fixture{
		guard: access.NewGuard(rooms, store, client, rec, access.DefaultConfig()),
		store: store,
		rooms: rooms,
		rec:   rec,
		mr:    mr,
		conv:  conv,
	}
}

func TestCheckConversationAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		user      string
		conv      string
		wantErr   error
		wantOwner bool
	}{
		{"owner", "alice", f.conv.ID, nil, true},
		{"participant", "bob", f.conv.ID, nil, false},
		{"outsider", "mallory", f.conv.ID, access.ErrDenied, false},
		{"missing", "alice", uuid.NewString(), access.ErrDenied, false},
		{"malformed", "alice", "../../etc/passwd", access.ErrInvalidID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.guard.CheckConversationAccess(ctx, tt.user, tt.conv)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if !d.Granted || !d.Participant || d.IsOwner != tt.wantOwner {
				t.Errorf("decision = %+v, want granted owner=%v", d, tt.wantOwner)
			}
		})
	}
}

func TestCheckConversationAccess_DenialIsGenericAndAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, errOutsider := f.guard.CheckConversationAccess(ctx, "mallory", f.conv.ID)
	_, errMissing := f.guard.CheckConversationAccess(ctx, "mallory", uuid.NewString())
	if errOutsider.Error() != errMissing.Error() {
		t.Errorf("denials differ: %q vs %q", errOutsider, errMissing)
	}

	events := f.rec.of(audit.EventUnauthorizedAccess)
	if len(events) != 2 {
		t.Fatalf("unauthorized_access events = %d, want 2", len(events))
	}
	if events[0].Metadata["reason"] != "not_participant" || events[1].Metadata["reason"] != "not_found" {
		t.Errorf("reasons = %v, %v", events[0].Metadata["reason"], events[1].Metadata["reason"])
	}
	if events[0].Severity != audit.SeverityMedium {
		t.Errorf("severity = %q, want medium", events[0].Severity)
	}
}

func TestCheckConversationAccess_Cache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.guard.CheckConversationAccess(ctx, "bob", f.conv.ID); err != nil {
		t.Fatalf("first check: %v", err)
	}
	d, err := f.guard.CheckConversationAccess(ctx, "bob", f.conv.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !d.Cached {
		t.Error("second check should be served from cache")
	}

	// A cached denial never reaches storage and is not re-audited.
	_, _ = f.guard.CheckConversationAccess(ctx, "mallory", f.conv.ID)
	before := f.rooms.loads()
	if _, err := f.guard.CheckConversationAccess(ctx, "mallory", f.conv.ID); !errors.Is(err, access.ErrDenied) {
		t.Fatalf("expected cached denial, got %v", err)
	}
	if f.rooms.loads() != before {
		t.Error("cached denial touched storage")
	}
	if n := len(f.rec.of(audit.EventUnauthorizedAccess)); n != 1 {
		t.Errorf("unauthorized_access events = %d, want 1", n)
	}

	// Expiry.
	f.mr.FastForward(access.CacheTTL + time.Second)
	d, _ = f.guard.CheckConversationAccess(ctx, "bob", f.conv.ID)
	if d.Cached {
		t.Error("decision should have expired")
	}
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.guard.CheckConversationAccess(ctx, "bob", f.conv.ID); err != nil {
		t.Fatalf("check: %v", err)
	}
	_, err := f.store.UpdateRoom(ctx, f.conv.ID, func(r *room.Room) error {
		r.RemoveParticipant("bob")
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRoom: %v", err)
	}
	f.guard.Invalidate(ctx, "bob", f.conv.ID)

	if _, err := f.guard.CheckConversationAccess(ctx, "bob", f.conv.ID); !errors.Is(err, access.ErrDenied) {
		t.Errorf("expected denial after removal, got %v", err)
	}
}

func TestCheckConversationAccess_FailsOpenOnCacheOutage(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	d, err := f.guard.CheckConversationAccess(context.Background(), "bob", f.conv.ID)
	if err != nil {
		t.Fatalf("expected storage-backed decision, got %v", err)
	}
	if !d.Granted || d.Cached {
		t.Errorf("decision = %+v", d)
	}
}

func TestCheckMessageAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	channel := &room.Room{ID: uuid.NewString(), Kind: room.KindChannel, Name: "general"}
	channel.SetBan(room.Restriction{UserID: "banned"})
	if err := f.store.CreateRoom(ctx, channel); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	chanMsg := &room.Message{ID: uuid.NewString(), RoomID: channel.ID, SenderID: "alice", CreatedAt: time.Now()}
	convMsg := &room.Message{ID: uuid.NewString(), RoomID: f.conv.ID, SenderID: "alice", CreatedAt: time.Now()}
	for _, m := range []*room.Message{chanMsg, convMsg} {
		if err := f.store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	tests := []struct {
		name    string
		user    string
		msg     string
		wantErr error
	}{
		{"channel reader", "mallory", chanMsg.ID, nil},
		{"channel banned", "banned", chanMsg.ID, access.ErrDenied},
		{"conversation participant", "bob", convMsg.ID, nil},
		{"conversation outsider", "mallory", convMsg.ID, access.ErrDenied},
		{"missing", "bob", uuid.NewString(), access.ErrDenied},
		{"malformed", "bob", "42", access.ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := f.guard.CheckMessageAccess(ctx, tt.user, tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && m.ID != tt.msg {
				t.Errorf("message = %s, want %s", m.ID, tt.msg)
			}
		})
	}
}

func TestDetectEnumeration_DistinctIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= access.EnumerationDistinct; i++ {
		if d := f.guard.DetectEnumeration(ctx, "scanner", fmt.Sprintf("id-%d", i)); !d.Allowed {
			t.Fatalf("attempt %d rejected early: %+v", i, d)
		}
	}
	d := f.guard.DetectEnumeration(ctx, "scanner", "id-overflow")
	if d.Allowed {
		t.Fatal("expected rejection after exceeding distinct ids")
	}
	if d.RetryAfter != access.EnumerationCooldown {
		t.Errorf("retry after = %v, want %v", d.RetryAfter, access.EnumerationCooldown)
	}

	// Cooldown rejects even a previously allowed id, and audits once.
	d = f.guard.DetectEnumeration(ctx, "scanner", "id-1")
	if d.Allowed || d.RetryAfter <= 0 {
		t.Errorf("expected cooldown rejection, got %+v", d)
	}
	events := f.rec.of(audit.EventEnumeration)
	if len(events) != 1 {
		t.Fatalf("enumeration events = %d, want 1", len(events))
	}
	if events[0].Severity != audit.SeverityHigh {
		t.Errorf("severity = %q, want high", events[0].Severity)
	}

	f.mr.FastForward(access.EnumerationCooldown + time.Second)
	if d := f.guard.DetectEnumeration(ctx, "scanner", "id-1"); !d.Allowed {
		t.Errorf("expected allowed after cooldown, got %+v", d)
	}
}

func TestDetectEnumeration_Attempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Repeated lookups of the same authorised id still count.
	for i := 1; i <= access.EnumerationAttempts; i++ {
		if d := f.guard.DetectEnumeration(ctx, "poller", "same-id"); !d.Allowed {
			t.Fatalf("attempt %d rejected early", i)
		}
	}
	d := f.guard.DetectEnumeration(ctx, "poller", "same-id")
	if d.Allowed {
		t.Fatal("expected rejection after exceeding attempts")
	}
	if d.Distinct != 1 {
		t.Errorf("distinct = %d, want 1", d.Distinct)
	}
}

func TestDetectEnumeration_WindowExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < access.EnumerationDistinct; i++ {
		f.guard.DetectEnumeration(ctx, "u1", fmt.Sprintf("id-%d", i))
	}
	f.mr.FastForward(access.EnumerationWindow + time.Second)

	d := f.guard.DetectEnumeration(ctx, "u1", "fresh")
	if !d.Allowed || d.Attempts != 1 || d.Distinct != 1 {
		t.Errorf("expected a fresh window, got %+v", d)
	}
}

func TestDetectEnumeration_FailsOpen(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	if d := f.guard.DetectEnumeration(context.Background(), "u1", "x"); !d.Allowed {
		t.Error("expected fail-open on redis outage")
	}
}
