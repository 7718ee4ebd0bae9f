// Package memory implements the repository interfaces in process memory. It
// backs the test suites and single-node development runs; every value is
// deep-copied on the way in and out so callers never share state with the
// store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/report"
	"github.com/whisper/chatguard/internal/room"
)

// Store holds users, rooms, messages, audit events and reports.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*room.User
	rooms    map[string]*room.Room
	messages map[string]*room.Message
	events   []audit.Event
	reports  []report.Report
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]*room.User),
		rooms:    make(map[string]*room.Room),
		messages: make(map[string]*room.Message),
		now:      time.Now,
	}
}

// SetClock replaces the clock used to prune restrictions.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Stores returns the store wired as the coordinator's repositories.
func (s *Store) Stores() room.Stores {
	return room.Stores{Users: s, Rooms: s, Messages: s}
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memory: clone: %v", err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("memory: clone: %v", err))
	}
	return out
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) GetUser(_ context.Context, id string) (*room.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	return clone(u), nil
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(_ context.Context, u *room.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = clone(u)
	return nil
}

func (s *Store) UpdateUser(_ context.Context, id string, fn func(*room.User) error) (*room.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	working := clone(u)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.users[id] = clone(working)
	return working, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Store) GetRoom(_ context.Context, id string) (*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	r.Prune(s.now())
	return clone(r), nil
}

func (s *Store) CreateRoom(_ context.Context, r *room.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return room.ErrConflict
	}
	stored := clone(r)
	stored.Prune(s.now())
	s.rooms[r.ID] = stored
	return nil
}

func (s *Store) UpdateRoom(_ context.Context, id string, fn func(*room.Room) error) (*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	now := s.now()
	working := clone(r)
	working.Prune(now)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Prune(now)
	s.rooms[id] = clone(working)
	return working, nil
}

func (s *Store) ListChannels(_ context.Context) ([]*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*room.Room
	for _, r := range s.rooms {
		if r.IsChannel() && !r.Deleted {
			r.Prune(now)
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListConversations(_ context.Context, userID string, includeArchived bool) ([]*room.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*room.Room
	for _, r := range s.rooms {
		if r.IsChannel() || r.Deleted {
			continue
		}
		p, ok := r.Participant(userID)
		if !ok || (p.Archived && !includeArchived) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (s *Store) RecordActivity(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return room.ErrNotFound
	}
	r.MessageCount++
	if at.After(r.LastActivity) {
		r.LastActivity = at
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, m *room.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return room.ErrConflict
	}
	s.messages[m.ID] = clone(m)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*room.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	return clone(m), nil
}

func (s *Store) UpdateMessage(_ context.Context, id string, fn func(*room.Message) error) (*room.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	working := clone(m)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.messages[id] = clone(working)
	return working, nil
}

func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return room.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

// History returns up to q.Limit messages older than q.Before, newest first.
func (s *Store) History(_ context.Context, q room.HistoryQuery) ([]*room.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*room.Message
	for _, m := range s.messages {
		if m.RoomID != q.RoomID {
			continue
		}
		if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, m := range out {
		out[i] = clone(m)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *clone(&ev))
	return nil
}

// QueryEvents returns matching events, newest first.
func (s *Store) QueryEvents(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if !f.Matches(s.events[i]) {
			continue
		}
		out = append(out, s.events[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Store) CreateReport(_ context.Context, r *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *clone(r))
	return nil
}

func (s *Store) CountRecent(_ context.Context, reportedUserID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.reports {
		if r.ReportedUserID == reportedUserID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListReports(_ context.Context, reportedUserID string) ([]report.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []report.Report
	for _, r := range s.reports {
		if reportedUserID == "" || r.ReportedUserID == reportedUserID {
			out = append(out, r)
		}
	}
	return out, nil
}
