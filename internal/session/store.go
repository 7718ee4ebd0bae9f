package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix is the key prefix for the set of a user's
	// connection ids across every server instance.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusConnected     = "connected"
	StatusAuthenticated = "authenticated"
)

// Session represents a connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty until authenticated
	Status     string `redis:"status"`      // connected | authenticated
	Server     string `redis:"server"`      // which WS server instance
	IP         string `redis:"ip"`          // client address
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	now        func() time.Time
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

// Create stores a new connection session with connected status and 1h TTL.
func (s *Store) Create(ctx context.Context, connID, ip string) error {
	key := SessionPrefix + connID
	now := s.now().Unix()

	session := map[string]any{
		"id":          connID,
		"user_id":     "",
		"status":      StatusConnected,
		"server":      s.serverName,
		"ip":          ip,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// BindUser marks the session authenticated as userID and adds it to the
// user's session set.
func (s *Store) BindUser(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	userKey := UserSessionsPrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "status", StatusAuthenticated, "last_active", s.now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: bind user: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Touch records activity and extends the session's TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", s.now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// UserSessions returns the connection ids of userID on every instance.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]string, error) {
	return s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
}

// Delete removes a session and drops it from its user's session set.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, connID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
