package chat

import (
	"context"
	"encoding/json"
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
	"github.com/whisper/chatguard/internal/ban"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/moderation"
	"github.com/whisper/chatguard/internal/presence"
	"github.com/whisper/chatguard/internal/protocol"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/report"
	"github.com/whisper/chatguard/internal/room"
	"github.com/whisper/chatguard/internal/store/memory"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type recordingSender struct {
	mu     sync.Mutex
	frames map[string][]map[string]any
}

func (s *recordingSender) SendMessage(connID string, data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		s.frames = make(map[string][]map[string]any)
	}
	s.frames[connID] = append(s.frames[connID], m)
	return nil
}

// of returns the frames of type typ delivered to connID.
func (s *recordingSender) of(connID, typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.frames[connID] {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// last returns the most recent frame delivered to connID.
func (s *recordingSender) last(connID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.frames[connID]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

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

const general = "general"

type fixture struct {
	coord    *Coordinator
	handlers *Handlers
	broker   *LocalBroker
	sender   *recordingSender
	rec      *recorder
	store    *memory.Store
	tokens   *Tokens
	conv     *room.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, fixtureOptions{})
}

// fixtureOptions adjusts what newFixtureWith hands to the coordinator.
type fixtureOptions struct {
	stores func(room.Stores) room.Stores
	config func(*Config)
}

func newFixtureWith(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	store := memory.New()
	old := time.Now().Add(-30 * 24 * time.Hour)
	for _, u := range []*room.User{
		{ID: "alice", Username: "alice", Role: room.RoleUser, Level: 5, CreatedAt: old},
		{ID: "bob", Username: "bob", Role: room.RoleUser, Level: 5, CreatedAt: old},
		{ID: "carol", Username: "carol", Role: room.RoleUser, Level: 1, CreatedAt: old},
		{ID: "newbie", Username: "newbie", Role: room.RoleUser, CreatedAt: time.Now()},
		{ID: "mod", Username: "mod", Role: room.RoleModerator, CreatedAt: old},
		{ID: "admin", Username: "admin", Role: room.RoleAdmin, CreatedAt: old},
	} {
		if err := store.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	conv := &room.Room{
		ID:           uuid.NewString(),
		Kind:         room.KindConversation,
		OwnerID:      "alice",
		Participants: []room.Participant{{UserID: "alice"}, {UserID: "bob"}},
		CreatedAt:    old,
	}
	for _, r := range []*room.Room{
		{ID: general, Kind: room.KindChannel, Name: "General", OwnerID: "admin", CreatedAt: old},
		{ID: "veterans", Kind: room.KindChannel, Name: "Veterans", MinLevel: 3, CreatedAt: old},
		{ID: "tiny", Kind: room.KindChannel, Name: "Tiny", Capacity: 1, CreatedAt: old},
		conv,
	} {
		if err := store.CreateRoom(ctx, r); err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Burst.Count = 100
	detector := ratelimit.NewDetector(client, rlCfg)

	tokens, err := NewTokens(AuthConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}

	stores := store.Stores()
	if opts.stores != nil {
		stores = opts.stores(stores)
	}
	cfg := DefaultConfig()
	if opts.config != nil {
		opts.config(&cfg)
	}

	rec := &recorder{}
	registry := presence.NewRegistry()
	coord := NewCoordinator(Deps{
		Stores:   stores,
		Registry: registry,
		Tokens:   tokens,
		Detector: detector,
		Engine:   moderation.NewEngine(),
		Guard:    access.NewGuard(store, store, client, rec, access.DefaultConfig()),
		Pipeline: enforcement.NewPipeline(store, store, ratelimit.NewLimiter(client), rec, enforcement.DefaultConfig()),
		Strikes:  ban.NewStore(client, ban.DefaultConfig()),
		Reports:  report.NewService(store, store, detector, rec),
	}, cfg)

	sender := &recordingSender{}
	broker := NewLocalBroker()
	emitter := NewEmitter(sender, broker, registry, rec)
	if err := emitter.Start(); err != nil {
		t.Fatalf("emitter start: %v", err)
	}

	return &fixture{
		coord:    coord,
		handlers: NewHandlers(coord, emitter),
		broker:   broker,
		sender:   sender,
		rec:      rec,
		store:    store,
		tokens:   tokens,
		conv:     conv,
	}
}

// do handles one client message on connID and waits for fan-out.
func (f *fixture) do(t *testing.T, connID string, msg any) {
	t.Helper()
	f.handlers.Handle(context.Background(), connID, msg)
	f.broker.Wait()
}

// login connects connID and authenticates it as userID.
func (f *fixture) login(t *testing.T, connID, userID string) {
	t.Helper()
	f.coord.Connect(connID)
	token, err := f.tokens.IssueToken(userID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	f.do(t, connID, protocol.AuthenticateMsg{Token: token})
	if len(f.sender.of(connID, protocol.TypeAuthenticated)) != 1 {
		t.Fatalf("%s not authenticated: last frame %v", userID, f.sender.last(connID))
	}
}

func (f *fixture) join(t *testing.T, connID, roomID string) {
	t.Helper()
	f.do(t, connID, protocol.JoinRoomMsg{RoomID: roomID})
	if f.sender.of(connID, protocol.TypeRoomJoined) == nil {
		t.Fatalf("%s did not join %s: last frame %v", connID, roomID, f.sender.last(connID))
	}
}

func (f *fixture) send(t *testing.T, connID, roomID, text string) {
	t.Helper()
	f.do(t, connID, protocol.SendMessageMsg{RoomID: roomID, Text: text, ClientID: "c-1"})
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")

	auth := f.sender.of("c-alice", protocol.TypeAuthenticated)[0]
	user := auth["user"].(map[string]any)
	if user["id"] != "alice" || user["username"] != "alice" {
		t.Errorf("authenticated user = %v", user)
	}
	if len(f.rec.of(audit.EventAuthSuccess)) != 1 {
		t.Error("expected auth_success audit event")
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	f := newFixture(t)
	unknown, _ := f.tokens.IssueToken("ghost")
	until := time.Now().Add(time.Hour)
	f.store.UpdateUser(context.Background(), "carol", func(u *room.User) error {
		u.SuspendedUntil = &until
		return nil
	})
	suspended, _ := f.tokens.IssueToken("carol")

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"garbage", "not-a-token", AuthInvalidToken},
		{"unknown user", unknown, AuthUnknownUser},
		{"suspended", suspended, AuthSuspended},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connID := fmt.Sprintf("c-%d", i)
			f.coord.Connect(connID)
			f.do(t, connID, protocol.AuthenticateMsg{Token: tt.token})

			last := f.sender.last(connID)
			if last["type"] != protocol.TypeAuthError || last["reason"] != tt.reason {
				t.Errorf("frame = %v, want auth_error %s", last, tt.reason)
			}
			if _, ok := f.coord.Registry().UserOf(connID); ok {
				t.Error("connection should stay unauthenticated")
			}
		})
	}
	if got := len(f.rec.of(audit.EventAuthFailure)); got != len(tests) {
		t.Errorf("auth_failure events = %d, want %d", got, len(tests))
	}
}

func TestUnauthenticatedJoin(t *testing.T) {
	f := newFixture(t)
	f.coord.Connect("c1")
	f.do(t, "c1", protocol.JoinRoomMsg{RoomID: general})

	last := f.sender.last("c1")
	if last["type"] != protocol.TypeError || last["code"] != "not_authenticated" {
		t.Errorf("frame = %v", last)
	}
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func TestJoinAndBroadcast(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)

	online := f.sender.of("c-alice", protocol.TypeUserStatusChanged)
	if len(online) != 1 || online[0]["user_id"] != "bob" || online[0]["status"] != protocol.StatusOnline {
		t.Errorf("alice status frames = %v", online)
	}
	if got := f.sender.of("c-bob", protocol.TypeUserStatusChanged); len(got) != 0 {
		t.Errorf("bob should not see his own join: %v", got)
	}

	f.send(t, "c-alice", general, "hello everyone")

	for _, conn := range []string{"c-alice", "c-bob"} {
		msgs := f.sender.of(conn, protocol.TypeMessageNew)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d message_new frames", conn, len(msgs))
		}
		m := msgs[0]["message"].(map[string]any)
		if m["content"] != "hello everyone" || m["sender_id"] != "alice" {
			t.Errorf("%s message = %v", conn, m)
		}
	}

	// A later joiner gets the message in the snapshot.
	f.login(t, "c-carol", "carol")
	f.join(t, "c-carol", general)
	snap := f.sender.of("c-carol", protocol.TypeRoomJoined)[0]
	recent := snap["recent"].([]any)
	if len(recent) != 1 {
		t.Fatalf("recent = %v", recent)
	}
	if snap["online_count"] != float64(3) {
		t.Errorf("online_count = %v, want 3", snap["online_count"])
	}
}

func TestJoinRejections(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-carol", "carol")
	f.login(t, "c-alice", "alice")
	f.join(t, "c-alice", "tiny")

	tests := []struct {
		name   string
		roomID string
		code   string
	}{
		{"unknown channel", "nowhere", "not_found"},
		{"level too low", "veterans", "level"},
		{"room full", "tiny", "full"},
		{"foreign conversation", f.conv.ID, "forbidden"},
		{"missing conversation", uuid.NewString(), "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.do(t, "c-carol", protocol.JoinRoomMsg{RoomID: tt.roomID})
			last := f.sender.last("c-carol")
			if last["type"] != protocol.TypeRoomError || last["code"] != tt.code {
				t.Errorf("frame = %v, want room_error %s", last, tt.code)
			}
		})
	}
}

// slowRooms delays every room update, like a database round trip.
type slowRooms struct {
	room.RoomStore
	delay time.Duration
}

func (s slowRooms) UpdateRoom(ctx context.Context, id string, fn func(*room.Room) error) (*room.Room, error) {
	time.Sleep(s.delay)
	return s.RoomStore.UpdateRoom(ctx, id, fn)
}

func TestJoinRoom_ConcurrentCapacity(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{stores: func(s room.Stores) room.Stores {
		s.Rooms = slowRooms{RoomStore: s.Rooms, delay: 20 * time.Millisecond}
		return s
	}})
	ctx := context.Background()

	const n = 10
	conns := make([]string, n)
	for i := range conns {
		id := fmt.Sprintf("racer%d", i)
		err := f.store.PutUser(ctx, &room.User{ID: id, Username: id, Role: room.RoleUser, CreatedAt: time.Now().Add(-48 * time.Hour)})
		if err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		conns[i] = "c-" + id
		f.login(t, conns[i], id)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			_, _, errs[i] = f.coord.JoinRoom(ctx, conn, "tiny")
		}(i, conn)
	}
	wg.Wait()

	joined := 0
	for _, err := range errs {
		var je *JoinError
		switch {
		case err == nil:
			joined++
		case errors.As(err, &je) && je.Code == JoinFull:
		default:
			t.Errorf("JoinRoom error = %v, want nil or room full", err)
		}
	}
	if joined != 1 {
		t.Errorf("%d joins succeeded on a room with capacity 1", joined)
	}
	if users := f.coord.ListOnlineUsers("tiny"); len(users) != 1 {
		t.Errorf("tiny online users = %v, want exactly one", users)
	}
	r, err := f.store.GetRoom(ctx, "tiny")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if len(r.Participants) != 1 {
		t.Errorf("tiny participants = %v, want the one admitted user", r.ParticipantIDs())
	}
}

func TestLeaveAndDisconnect(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)
	f.sender.reset()

	f.do(t, "c-bob", protocol.LeaveRoomMsg{RoomID: general})
	if len(f.sender.of("c-bob", protocol.TypeRoomLeft)) != 1 {
		t.Error("bob should get room_left")
	}
	offline := f.sender.of("c-alice", protocol.TypeUserStatusChanged)
	if len(offline) != 1 || offline[0]["status"] != protocol.StatusOffline {
		t.Errorf("alice status frames = %v", offline)
	}

	f.do(t, "c-bob", protocol.LeaveRoomMsg{RoomID: general})
	if last := f.sender.last("c-bob"); last["code"] != "not_joined" {
		t.Errorf("second leave frame = %v", last)
	}

	f.join(t, "c-bob", general)
	f.sender.reset()
	f.handlers.OnDisconnect("c-bob")
	f.broker.Wait()

	offline = f.sender.of("c-alice", protocol.TypeUserStatusChanged)
	if len(offline) != 1 || offline[0]["user_id"] != "bob" || offline[0]["status"] != protocol.StatusOffline {
		t.Errorf("alice status frames after disconnect = %v", offline)
	}
	if users := f.coord.ListOnlineUsers(general); len(users) != 1 || users[0] != "alice" {
		t.Errorf("online users = %v", users)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)

	f.do(t, "c-alice", protocol.TypingMsg{Type: protocol.TypeTypingStart, RoomID: general})

	if got := f.sender.of("c-alice", protocol.TypeTyping); len(got) != 0 {
		t.Errorf("sender saw own typing: %v", got)
	}
	got := f.sender.of("c-bob", protocol.TypeTyping)
	if len(got) != 1 || got[0]["is_typing"] != true {
		t.Errorf("bob typing frames = %v", got)
	}
}

func TestRequestOnlineUsers(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)

	f.do(t, "c-alice", protocol.RequestOnlineUsersMsg{})
	all := f.sender.last("c-alice")
	if all["type"] != protocol.TypeOnlineUsers || all["count"] != float64(2) {
		t.Errorf("global online = %v", all)
	}

	f.do(t, "c-alice", protocol.RequestOnlineUsersMsg{RoomID: general})
	inRoom := f.sender.last("c-alice")
	if inRoom["count"] != float64(1) {
		t.Errorf("room online = %v", inRoom)
	}

	f.do(t, "c-bob", protocol.RequestOnlineUsersMsg{RoomID: general})
	if last := f.sender.last("c-bob"); last["code"] != "not_joined" {
		t.Errorf("non-member frame = %v", last)
	}
}

// ---------------------------------------------------------------------------
// Send pipeline
// ---------------------------------------------------------------------------

func TestSend_DuplicateFlood(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.join(t, "c-alice", general)

	for i := 0; i < 4; i++ {
		f.send(t, "c-alice", general, "buy my stuff")
	}

	if got := len(f.sender.of("c-alice", protocol.TypeMessageNew)); got != 3 {
		t.Errorf("accepted = %d, want 3", got)
	}
	last := f.sender.last("c-alice")
	if last["type"] != protocol.TypeRateLimited || last["limit_kind"] != "duplicate" {
		t.Errorf("fourth send frame = %v", last)
	}
	if len(f.rec.of(audit.EventFloodDetected)) == 0 {
		t.Error("expected flood_detected audit event")
	}
}

func TestSend_Profanity(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)

	f.send(t, "c-alice", general, "FUCK this game")

	last := f.sender.last("c-alice")
	if last["type"] != protocol.TypeMessageRejected {
		t.Fatalf("frame = %v, want message_rejected", last)
	}
	if last["category"] != "profanity" || last["severity"] != "medium" || last["suggestion"] != "*** this game" {
		t.Errorf("rejection = %v", last)
	}
	if last["client_id"] != "c-1" {
		t.Errorf("client_id = %v", last["client_id"])
	}
	if got := f.sender.of("c-bob", protocol.TypeMessageNew); len(got) != 0 {
		t.Errorf("rejected message was broadcast: %v", got)
	}

	blocked := f.rec.of(audit.EventMessageBlocked)
	if len(blocked) != 1 {
		t.Fatalf("message_blocked events = %d", len(blocked))
	}
	for _, v := range blocked[0].Metadata {
		if s, ok := v.(string); ok && s == "FUCK this game" {
			t.Error("audit event must not carry the rejected text")
		}
	}
}

func TestSend_AutoClean(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{config: func(c *Config) { c.AutoClean = true }})
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)

	tests := []struct {
		text string
		want string
	}{
		{"FUCK this game", "*** this game"},
		{"fuuuuuuck you", "*** you"},
		{"fuckkkkkk", "***"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f.sender.reset()
			f.send(t, "c-alice", general, tt.text)

			got := f.sender.of("c-bob", protocol.TypeMessageNew)
			if len(got) != 1 {
				t.Fatalf("bob frames = %v, want one message_new", f.sender.last("c-bob"))
			}
			msg := got[0]["message"].(map[string]any)
			if msg["content"] != tt.want {
				t.Errorf("broadcast content = %q, want %q", msg["content"], tt.want)
			}
			if !moderation.NewEngine().Check(msg["content"].(string)) {
				t.Errorf("broadcast content %q does not pass moderation", msg["content"])
			}
		})
	}
}

func TestSend_TooManyLinks(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.join(t, "c-alice", general)

	f.send(t, "c-alice", general, "a http://a.io b http://b.io c http://c.io d http://d.io")

	last := f.sender.last("c-alice")
	if last["type"] != protocol.TypeMessageRejected {
		t.Errorf("frame = %v, want message_rejected", last)
	}
}

func TestSend_NewAccountBudget(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-new", "newbie")
	f.join(t, "c-new", general)

	texts := []string{
		"good morning",
		"anyone up for a match tonight",
		"the new map looks great",
		"i keep losing on the bridge",
		"what loadout do you use",
		"thanks that helps a lot",
		"brb getting coffee",
		"ok back now",
		"who won the tournament",
		"congrats to the winners",
		"one more question about ranks",
	}
	for _, text := range texts {
		f.send(t, "c-new", general, text)
	}

	if got := len(f.sender.of("c-new", protocol.TypeMessageNew)); got != ratelimit.NewUserLimit {
		t.Errorf("accepted = %d, want %d", got, ratelimit.NewUserLimit)
	}
	last := f.sender.last("c-new")
	if last["type"] != protocol.TypeRateLimited || last["limit_kind"] != string(ratelimit.LimitNewUser) {
		t.Errorf("frame = %v, want rate_limited newUser", last)
	}
	if last["retry_after"] != float64(60) {
		t.Errorf("retry_after = %v, want 60", last["retry_after"])
	}
}

func TestSend_NotJoined(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.send(t, "c-alice", general, "hello")

	if last := f.sender.last("c-alice"); last["code"] != "not_joined" {
		t.Errorf("frame = %v", last)
	}
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-alice", "alice")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-alice", general)
	f.join(t, "c-bob", general)

	f.send(t, "c-alice", general, "first draft")
	msg := f.sender.of("c-bob", protocol.TypeMessageNew)[0]["message"].(map[string]any)
	id := msg["id"].(string)

	f.do(t, "c-bob", protocol.EditMessageMsg{MessageID: id, Text: "hijacked"})
	if last := f.sender.last("c-bob"); last["code"] != "forbidden" {
		t.Errorf("foreign edit frame = %v", last)
	}

	f.do(t, "c-alice", protocol.EditMessageMsg{MessageID: id, Text: "final version"})
	edited := f.sender.of("c-bob", protocol.TypeMessageEdited)
	if len(edited) != 1 {
		t.Fatalf("edited frames = %d", len(edited))
	}
	if m := edited[0]["message"].(map[string]any); m["content"] != "final version" || m["edited_at"] == nil {
		t.Errorf("edited message = %v", m)
	}

	f.do(t, "c-alice", protocol.DeleteMessageMsg{MessageID: id})
	deleted := f.sender.of("c-bob", protocol.TypeMessageDeleted)
	if len(deleted) != 1 || deleted[0]["deleted_by"] != "alice" {
		t.Errorf("deleted frames = %v", deleted)
	}
	if recent := f.coord.buffer.Get(general); len(recent) != 0 {
		t.Errorf("buffer should drop deleted message: %v", recent)
	}
}

func TestMuted(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-mod", "mod")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-mod", general)
	f.join(t, "c-bob", general)

	f.do(t, "c-mod", protocol.ModerateMsg{RoomID: general, TargetID: "bob", Action: "mute", Duration: "5m"})
	if got := f.sender.of("c-mod", protocol.TypeModerationResult); len(got) != 1 {
		t.Fatalf("moderation_result frames = %v", got)
	}

	f.send(t, "c-bob", general, "can anyone hear me")
	last := f.sender.last("c-bob")
	if last["type"] != protocol.TypeMessageRejected || last["reason"] != "muted" {
		t.Errorf("frame = %v, want muted rejection", last)
	}
}

// ---------------------------------------------------------------------------
// Moderation
// ---------------------------------------------------------------------------

func TestModerate_KickRemovesTarget(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-mod", "mod")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-mod", general)
	f.join(t, "c-bob", general)

	f.do(t, "c-mod", protocol.ModerateMsg{RoomID: general, TargetID: "bob", Action: "kick", Reason: "spam"})

	if got := f.sender.of("c-bob", protocol.TypeKickedFromRoom); len(got) != 1 || got[0]["reason"] != "spam" {
		t.Errorf("kicked frames = %v", got)
	}
	if got := f.sender.of("c-mod", protocol.TypeUserModerated); len(got) != 1 || got[0]["action"] != "kick" {
		t.Errorf("user_moderated frames = %v", got)
	}
	if f.coord.Registry().InRoom("c-bob", general) {
		t.Error("kicked connection should leave the room")
	}
}

func TestModerate_BanBlocksRejoin(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-mod", "mod")
	f.login(t, "c-bob", "bob")
	f.join(t, "c-mod", general)
	f.join(t, "c-bob", general)

	f.do(t, "c-mod", protocol.ModerateMsg{RoomID: general, TargetID: "bob", Action: "ban", Duration: "1h"})
	if got := f.sender.of("c-bob", protocol.TypeBannedFromRoom); len(got) != 1 || got[0]["expires_at"] == nil {
		t.Fatalf("banned frames = %v", got)
	}

	f.do(t, "c-bob", protocol.JoinRoomMsg{RoomID: general})
	last := f.sender.last("c-bob")
	if last["type"] != protocol.TypeRoomError || last["code"] != "banned" {
		t.Errorf("rejoin frame = %v", last)
	}
}

func TestModerate_PrivilegeEscalation(t *testing.T) {
	f := newFixture(t)
	f.login(t, "c-mod", "mod")
	f.join(t, "c-mod", general)

	f.do(t, "c-mod", protocol.ModerateMsg{RoomID: general, TargetID: "admin", Action: "ban"})

	last := f.sender.last("c-mod")
	if last["type"] != protocol.TypeError || last["code"] != "insufficient_privileges" {
		t.Errorf("frame = %v", last)
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t, "c-alice", "alice")
	f.login(t, "c-carol", "carol")

	r, effects, err := f.coord.CreateConversation(ctx, "alice", []string{"carol", "carol", "alice"}, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if len(r.Participants) != 2 {
		t.Errorf("participants = %v", r.Participants)
	}
	f.handlers.emitter.Emit(ctx, effects...)
	f.broker.Wait()
	if got := f.sender.of("c-carol", protocol.TypeNotification); len(got) != 1 || got[0]["kind"] != NotifyConversation {
		t.Errorf("carol notifications = %v", got)
	}

	again, _, err := f.coord.CreateConversation(ctx, "alice", []string{"carol"}, "")
	if err != nil || again.ID != r.ID {
		t.Errorf("second create = %v, %v; want existing %s", again, err, r.ID)
	}

	// carol has not joined the room; the send notifies her directly.
	f.join(t, "c-alice", r.ID)
	f.send(t, "c-alice", r.ID, "hey carol")
	notes := f.sender.of("c-carol", protocol.TypeNotification)
	if len(notes) != 2 || notes[1]["kind"] != NotifyMessage {
		t.Errorf("carol notifications = %v", notes)
	}

	history, err := f.coord.History(ctx, "carol", r.ID, time.Time{}, 0)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %v, %v", history, err)
	}
	if _, err := f.coord.History(ctx, "bob", r.ID, time.Time{}, 0); err != ErrAccessDenied {
		t.Errorf("outsider history err = %v, want ErrAccessDenied", err)
	}
}

func TestCreateConversation_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		others []string
	}{
		{"no one else", []string{"alice"}},
		{"unknown user", []string{"ghost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.coord.CreateConversation(ctx, "alice", tt.others, "")
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestReportMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t, "c-alice", "alice")
	f.join(t, "c-alice", f.conv.ID)
	f.send(t, "c-alice", f.conv.ID, "you are terrible at this")
	id := f.sender.of("c-alice", protocol.TypeMessageNew)[0]["message"].(map[string]any)["id"].(string)

	res, err := f.coord.ReportMessage(ctx, "bob", id, "harassment", "")
	if err != nil {
		t.Fatalf("ReportMessage: %v", err)
	}
	if res.Report.ReportedUserID != "alice" {
		t.Errorf("reported = %s", res.Report.ReportedUserID)
	}
	if _, err := f.coord.ReportMessage(ctx, "carol", id, "harassment", ""); err != ErrAccessDenied {
		t.Errorf("outsider report err = %v, want ErrAccessDenied", err)
	}
}
