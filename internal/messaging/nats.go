// Package messaging carries room and user deliveries between chat server
// instances over NATS. Every instance publishes the events its operations
// produce and subscribes to all of them, writing each to whichever of its
// own connections should receive it.
package messaging

import (
	"encoding/base64"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chatguard/internal/chat"
)

// NATS subject patterns.
const (
	SubjectRoom = "chat.room" // + .<room token>
	SubjectUser = "chat.user" // + .<user token>
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `env:"URL"`            // nats://localhost:4222
	Name          string        `env:"NAME"`           // client name for identification
	ReconnectWait time.Duration `env:"RECONNECT_WAIT"` // time between reconnect attempts
	MaxReconnects int           `env:"MAX_RECONNECTS"` // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chatguard",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection and implements chat.Broker.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

var _ chat.Broker = (*NATSClient)(nil)

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

var plainToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// subjectToken maps an id onto a single subject token. Ids that could be
// read as separators or wildcards are base64url-encoded behind a "~".
func subjectToken(id string) string {
	if plainToken.MatchString(id) {
		return id
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(id))
}

// tokenID reverses subjectToken.
func tokenID(token string) (string, error) {
	if !strings.HasPrefix(token, "~") {
		return token, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[1:])
	if err != nil {
		return "", fmt.Errorf("nats: bad subject token %q: %w", token, err)
	}
	return string(raw), nil
}

// RoomSubject is the subject room deliveries for roomID are published on.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + subjectToken(roomID)
}

// UserSubject is the subject user deliveries for userID are published on.
func UserSubject(userID string) string {
	return SubjectUser + "." + subjectToken(userID)
}

// PublishRoom implements chat.Broker.
func (c *NATSClient) PublishRoom(roomID string, data []byte) error {
	return c.conn.Publish(RoomSubject(roomID), data)
}

// PublishUser implements chat.Broker.
func (c *NATSClient) PublishUser(userID string, data []byte) error {
	return c.conn.Publish(UserSubject(userID), data)
}

// Subscribe implements chat.Broker with one wildcard subscription per kind.
func (c *NATSClient) Subscribe(onRoom, onUser chat.DeliverFunc) error {
	if err := c.subscribe(SubjectRoom+".*", SubjectRoom+".", onRoom); err != nil {
		return err
	}
	return c.subscribe(SubjectUser+".*", SubjectUser+".", onUser)
}

func (c *NATSClient) subscribe(subject, prefix string, fn chat.DeliverFunc) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		id, err := tokenID(strings.TrimPrefix(msg.Subject, prefix))
		if err != nil {
			log.Printf("[nats] dropping delivery on %s: %v", msg.Subject, err)
			return
		}
		fn(id, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
