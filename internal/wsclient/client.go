// Package wsclient is a small WebSocket client for the chat protocol, used by
// the load and smoke tools. It dials with gobwas/ws (the same library the
// server uses), authenticates with a signed token and dispatches inbound
// events to per-type handlers.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chatguard/internal/protocol"
)

// ErrClosed is returned when the connection ends before an expected event.
var ErrClosed = errors.New("wsclient: connection closed")

// AuthError reports an auth_error reply.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "wsclient: authentication rejected: " + e.Reason
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	AuthLatency      time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one simulated user connection.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)
	user     *protocol.UserInfo
	authErr  string

	authed    chan struct{}
	authOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url and starts the read loop. It does not authenticate;
// call Authenticate next.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		authed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Authenticate sends the token and blocks until the server accepts or
// rejects it.
func (c *Client) Authenticate(ctx context.Context, token string) (protocol.UserInfo, error) {
	start := time.Now()
	if err := c.Send(protocol.AuthenticateMsg{Type: protocol.TypeAuthenticate, Token: token}); err != nil {
		return protocol.UserInfo{}, err
	}

	select {
	case <-ctx.Done():
		return protocol.UserInfo{}, ctx.Err()
	case <-c.authed:
	case <-c.done:
		select {
		case <-c.authed:
		default:
			return protocol.UserInfo{}, ErrClosed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return protocol.UserInfo{}, &AuthError{Reason: c.authErr}
	}
	c.metrics.AuthLatency = time.Since(start)
	return *c.user, nil
}

// Send writes one JSON event. It is safe for concurrent use.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wsclient: write: %w", err)
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Join asks to join roomID.
func (c *Client) Join(roomID string) error {
	return c.Send(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, RoomID: roomID})
}

// Leave asks to leave roomID.
func (c *Client) Leave(roomID string) error {
	return c.Send(protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, RoomID: roomID})
}

// SendText posts text to roomID. clientID comes back in a rejection.
func (c *Client) SendText(roomID, text, clientID string) error {
	return c.Send(protocol.SendMessageMsg{
		Type:     protocol.TypeSendMessage,
		RoomID:   roomID,
		Text:     text,
		ClientID: clientID,
	})
}

// On registers the handler for one server event type, replacing any earlier
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Wait blocks until the next event of msgType arrives and returns it. It
// replaces any handler registered for msgType.
func (c *Client) Wait(ctx context.Context, msgType string) (json.RawMessage, error) {
	ch := make(chan json.RawMessage, 1)
	c.On(msgType, func(data json.RawMessage) {
		select {
		case ch <- data:
		default:
		}
	})
	defer c.On(msgType, nil)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wsclient: waiting for %s: %w", msgType, ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	case data := <-ch:
		return data, nil
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a copy of the connection counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		msgs, err := wsutil.ReadServerMessage(c.conn, nil)
		if err != nil {
			c.fail()
			return
		}
		for _, m := range msgs {
			switch m.OpCode {
			case ws.OpPing:
				// Pongs share the write lock with Send.
				c.writeMu.Lock()
				err = wsutil.WriteClientMessage(c.conn, ws.OpPong, m.Payload)
				c.writeMu.Unlock()
			case ws.OpClose:
				err = ErrClosed
			case ws.OpText:
				c.dispatch(m.Payload)
			}
			if err != nil {
				c.fail()
				return
			}
		}
	}
}

// fail records an unexpected end of the connection.
func (c *Client) fail() {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	handler := c.handlers[envelope.Type]
	c.mu.Unlock()

	switch envelope.Type {
	case protocol.TypeAuthenticated:
		var msg protocol.AuthenticatedMsg
		if json.Unmarshal(data, &msg) == nil {
			c.mu.Lock()
			c.user = &msg.User
			c.mu.Unlock()
		}
		c.authOnce.Do(func() { close(c.authed) })
	case protocol.TypeAuthError:
		var msg protocol.AuthErrorMsg
		if json.Unmarshal(data, &msg) == nil {
			c.mu.Lock()
			c.authErr = msg.Reason
			c.mu.Unlock()
		}
		c.authOnce.Do(func() { close(c.authed) })
	}

	if handler != nil {
		handler(json.RawMessage(data))
	}
}
