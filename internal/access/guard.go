// Package access decides whether a user may reach a conversation or message
// and detects users probing many resource ids. Decisions are cached briefly
// in Redis; callers only ever see a generic denial, the reason goes to the
// audit log.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/room"
)

const (
	// CacheTTL is how long an access decision is cached.
	CacheTTL = 60 * time.Second

	cachePrefix = "access:"

	cacheGranted      = "granted"
	cacheGrantedOwner = "granted:owner"
	cacheDenied       = "denied"
)

var (
	// ErrDenied is the only denial callers see, whether the resource is
	// missing or merely not theirs.
	ErrDenied = errors.New("access denied")

	// ErrInvalidID is returned for ids that are not UUIDs.
	ErrInvalidID = errors.New("access: invalid id")
)

// Config tunes caching and enumeration detection.
type Config struct {
	CacheTTL            time.Duration `env:"CACHE_TTL"`
	EnumerationWindow   time.Duration `env:"ENUMERATION_WINDOW"`
	EnumerationAttempts int           `env:"ENUMERATION_ATTEMPTS"`
	EnumerationDistinct int           `env:"ENUMERATION_DISTINCT"`
	EnumerationCooldown time.Duration `env:"ENUMERATION_COOLDOWN"`
}

// DefaultConfig returns the default guard settings.
func DefaultConfig() Config {
	return Config{
		CacheTTL:            CacheTTL,
		EnumerationWindow:   EnumerationWindow,
		EnumerationAttempts: EnumerationAttempts,
		EnumerationDistinct: EnumerationDistinct,
		EnumerationCooldown: EnumerationCooldown,
	}
}

// Decision is a granted access.
type Decision struct {
	Granted     bool
	Participant bool
	IsOwner     bool
	Cached      bool
}

// Guard checks access to conversations and messages.
type Guard struct {
	rooms    room.RoomStore
	messages room.MessageStore
	client   *redis.Client
	audit    audit.Recorder
	cfg      Config
}

// NewGuard creates a guard. rec may be nil.
func NewGuard(rooms room.RoomStore, messages room.MessageStore, client *redis.Client, rec audit.Recorder, cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.EnumerationWindow <= 0 {
		cfg.EnumerationWindow = def.EnumerationWindow
	}
	if cfg.EnumerationAttempts <= 0 {
		cfg.EnumerationAttempts = def.EnumerationAttempts
	}
	if cfg.EnumerationDistinct <= 0 {
		cfg.EnumerationDistinct = def.EnumerationDistinct
	}
	if cfg.EnumerationCooldown <= 0 {
		cfg.EnumerationCooldown = def.EnumerationCooldown
	}
	return &Guard{rooms: rooms, messages: messages, client: client, audit: rec, cfg: cfg}
}

// ValidID reports whether id is a well-formed UUID.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func cacheKey(userID, convID string) string {
	return cachePrefix + userID + ":" + convID
}

// CheckConversationAccess decides whether userID may read and write convID.
// It returns ErrInvalidID for malformed ids, ErrDenied for any denial and a
// wrapped error only when storage fails.
func (g *Guard) CheckConversationAccess(ctx context.Context, userID, convID string) (Decision, error) {
	if !ValidID(convID) {
		return Decision{}, ErrInvalidID
	}

	key := cacheKey(userID, convID)
	cached, err := g.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		switch cached {
		case cacheDenied:
			return Decision{}, ErrDenied
		case cacheGranted, cacheGrantedOwner:
			return Decision{Granted: true, Participant: true, IsOwner: cached == cacheGrantedOwner, Cached: true}, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Printf("[access] cache read error key=%s: %v (bypassing cache)", key, err)
	}

	r, err := g.rooms.GetRoom(ctx, convID)
	if errors.Is(err, room.ErrNotFound) {
		return Decision{}, g.deny(ctx, userID, convID, "not_found")
	}
	if err != nil {
		return Decision{}, fmt.Errorf("access: load conversation: %w", err)
	}
	switch {
	case r.IsChannel():
		return Decision{}, g.deny(ctx, userID, convID, "not_conversation")
	case r.Deleted:
		return Decision{}, g.deny(ctx, userID, convID, "deleted")
	case !r.HasParticipant(userID):
		return Decision{}, g.deny(ctx, userID, convID, "not_participant")
	}

	d := Decision{Granted: true, Participant: true, IsOwner: r.OwnerID == userID}
	val := cacheGranted
	if d.IsOwner {
		val = cacheGrantedOwner
	}
	g.cache(ctx, key, val)
	return d, nil
}

// CheckMessageAccess loads messageID if userID may see it. Channel messages
// are visible to anyone not banned from the channel; conversation messages
// require conversation access.
func (g *Guard) CheckMessageAccess(ctx context.Context, userID, messageID string) (*room.Message, error) {
	if !ValidID(messageID) {
		return nil, ErrInvalidID
	}
	msg, err := g.messages.GetMessage(ctx, messageID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, g.deny(ctx, userID, messageID, "message_not_found")
	}
	if err != nil {
		return nil, fmt.Errorf("access: load message: %w", err)
	}

	r, err := g.rooms.GetRoom(ctx, msg.RoomID)
	if errors.Is(err, room.ErrNotFound) {
		return nil, g.deny(ctx, userID, messageID, "room_not_found")
	}
	if err != nil {
		return nil, fmt.Errorf("access: load room: %w", err)
	}
	if r.IsChannel() {
		if r.Deleted || r.IsBanned(userID, time.Now()) {
			return nil, g.deny(ctx, userID, messageID, "channel_unavailable")
		}
		return msg, nil
	}
	if _, err := g.CheckConversationAccess(ctx, userID, r.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

// Invalidate drops the cached decision for userID on convID.
func (g *Guard) Invalidate(ctx context.Context, userID, convID string) {
	if err := g.client.Del(ctx, cacheKey(userID, convID)).Err(); err != nil {
		log.Printf("[access] cache invalidate error user=%s conv=%s: %v", userID, convID, err)
	}
}

func (g *Guard) cache(ctx context.Context, key, val string) {
	if err := g.client.Set(ctx, key, val, g.cfg.CacheTTL).Err(); err != nil {
		log.Printf("[access] cache write error key=%s: %v", key, err)
	}
}

// deny audits and caches a denial and returns ErrDenied.
func (g *Guard) deny(ctx context.Context, userID, resourceID, reason string) error {
	log.Printf("[access] denied user=%s resource=%s reason=%s", userID, resourceID, reason)
	g.cache(ctx, cacheKey(userID, resourceID), cacheDenied)
	if g.audit != nil {
		g.audit.Record(ctx, audit.Event{
			Type:     audit.EventUnauthorizedAccess,
			ActorID:  userID,
			TargetID: resourceID,
			Severity: audit.SeverityMedium,
			Metadata: map[string]any{"reason": reason},
		})
	}
	return ErrDenied
}
