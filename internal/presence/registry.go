// Package presence tracks which users are online on this server instance and
// which rooms each connection has joined. The Registry is an ordinary value:
// each coordinator owns one, so several can coexist in tests or in one process.
package presence

import (
	"sort"
	"sync"
	"time"
)

type connEntry struct {
	userID      string
	rooms       map[string]struct{}
	connectedAt time.Time
}

// Registry is a thread-safe index of connections, users and room delivery
// sets. All reads are map lookups under a read lock.
type Registry struct {
	mu sync.RWMutex

	conns     map[string]*connEntry          // conn id -> entry
	primary   map[string]string              // user id -> conn id used for direct delivery
	userConns map[string]map[string]struct{} // user id -> every conn id
	rooms     map[string]map[string]struct{} // room id -> conn ids
	roomUsers map[string]map[string]int      // room id -> user id -> joined conn count
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*connEntry),
		primary:   make(map[string]string),
		userConns: make(map[string]map[string]struct{}),
		rooms:     make(map[string]map[string]struct{}),
		roomUsers: make(map[string]map[string]int),
	}
}

// Attach registers an unauthenticated connection. Attaching an existing id is
// a no-op.
func (r *Registry) Attach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = &connEntry{rooms: make(map[string]struct{}), connectedAt: time.Now()}
}

// Bind marks connID as authenticated for userID and makes it the user's
// primary connection. It returns the previous primary connection, if any.
// Binding an unknown connection attaches it first. Re-binding a connection to
// a different user drops its room memberships.
func (r *Registry) Bind(connID, userID string) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		e = &connEntry{rooms: make(map[string]struct{}), connectedAt: time.Now()}
		r.conns[connID] = e
	}
	if e.userID != "" && e.userID != userID {
		for roomID := range e.rooms {
			r.leaveLocked(connID, e, roomID)
		}
		r.unbindLocked(connID, e.userID)
	}
	e.userID = userID

	previous = r.primary[userID]
	if previous == connID {
		previous = ""
	}
	r.primary[userID] = connID
	set := r.userConns[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.userConns[userID] = set
	}
	set[connID] = struct{}{}
	return previous
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.userID == "" {
		return "", false
	}
	return e.userID, true
}

// ConnectionOf returns the user's primary connection.
func (r *Registry) ConnectionOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.primary[userID]
	return c, ok
}

// UserConnections returns every connection bound to userID.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.userConns[userID])
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID]) > 0
}

// Join adds an authenticated connection to a room's delivery set. It returns
// false when the connection is unknown or not authenticated.
func (r *Registry) Join(connID, roomID string) bool {
	joined, _ := r.JoinCapped(connID, roomID, 0)
	return joined
}

// JoinCapped is Join with a limit on distinct users. The count check and the
// join happen under one lock. A user who already has a connection in the room
// is always admitted. A capacity of zero or less means no limit. full reports
// that the join was refused because the room is at capacity.
func (r *Registry) JoinCapped(connID, roomID string, capacity int) (joined, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.userID == "" {
		return false, false
	}
	if _, in := e.rooms[roomID]; in {
		return true, false
	}
	users := r.roomUsers[roomID]
	if capacity > 0 && users[e.userID] == 0 && len(users) >= capacity {
		return false, true
	}
	e.rooms[roomID] = struct{}{}

	set := r.rooms[roomID]
	if set == nil {
		set = make(map[string]struct{})
		r.rooms[roomID] = set
	}
	set[connID] = struct{}{}

	if users == nil {
		users = make(map[string]int)
		r.roomUsers[roomID] = users
	}
	users[e.userID]++
	return true, false
}

// Leave removes a connection from a room. It reports whether the connection
// had joined the room.
func (r *Registry) Leave(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	return r.leaveLocked(connID, e, roomID)
}

// LeaveUser removes every connection of userID from roomID and returns the
// affected connection ids.
func (r *Registry) LeaveUser(userID, roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for connID := range r.userConns[userID] {
		if e, ok := r.conns[connID]; ok && r.leaveLocked(connID, e, roomID) {
			left = append(left, connID)
		}
	}
	sort.Strings(left)
	return left
}

func (r *Registry) leaveLocked(connID string, e *connEntry, roomID string) bool {
	if _, in := e.rooms[roomID]; !in {
		return false
	}
	delete(e.rooms, roomID)

	if set := r.rooms[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if users := r.roomUsers[roomID]; users != nil {
		users[e.userID]--
		if users[e.userID] <= 0 {
			delete(users, e.userID)
		}
		if len(users) == 0 {
			delete(r.roomUsers, roomID)
		}
	}
	return true
}

func (r *Registry) unbindLocked(connID, userID string) {
	set := r.userConns[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.userConns, userID)
	}
	if r.primary[userID] != connID {
		return
	}
	delete(r.primary, userID)
	// Promote any remaining connection so direct delivery keeps working.
	for other := range set {
		r.primary[userID] = other
		break
	}
}

// Remove forgets a connection entirely and returns the user it was bound to
// and the rooms it had joined. It is safe to call more than once.
func (r *Registry) Remove(connID string) (userID string, rooms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", nil
	}
	rooms = keys(e.rooms)
	for _, roomID := range rooms {
		r.leaveLocked(connID, e, roomID)
	}
	if e.userID != "" {
		r.unbindLocked(connID, e.userID)
	}
	delete(r.conns, connID)
	return e.userID, rooms
}

// Rooms returns the rooms connID has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return keys(e.rooms)
}

// InRoom reports whether connID has joined roomID.
func (r *Registry) InRoom(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, in := e.rooms[roomID]
	return in
}

// RoomConnections returns a snapshot of the connections joined to roomID.
func (r *Registry) RoomConnections(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[roomID])
}

// RoomUsers returns the distinct users joined to roomID.
func (r *Registry) RoomUsers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roomUsers[roomID]))
	for u := range r.roomUsers[roomID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// RoomCount returns the number of distinct users joined to roomID.
func (r *Registry) RoomCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomUsers[roomID])
}

// OnlineUsers returns every user with at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.userConns))
	for u := range r.userConns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns)
}

// ConnectionCount returns the number of attached connections, authenticated
// or not.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func keys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
