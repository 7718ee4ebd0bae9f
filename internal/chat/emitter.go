package chat

import (
	"context"
	"log"
	"time"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/presence"
	"github.com/whisper/chatguard/internal/protocol"
)

// Sender writes an encoded server message to one local connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Emitter performs effects: replies go straight to the connection, room and
// user events go through the broker, audit entries to the recorder. It also
// receives broker deliveries and writes them to local connections.
type Emitter struct {
	sender   Sender
	broker   Broker
	registry *presence.Registry
	audit    audit.Recorder
}

// NewEmitter creates an Emitter. rec may be nil.
func NewEmitter(sender Sender, broker Broker, registry *presence.Registry, rec audit.Recorder) *Emitter {
	return &Emitter{sender: sender, broker: broker, registry: registry, audit: rec}
}

// Start subscribes the emitter to the broker.
func (e *Emitter) Start() error {
	return e.broker.Subscribe(e.DeliverRoom, e.DeliverUser)
}

// Emit performs effects in order. Failures are logged; none is returned
// because the operation that produced the effects has already completed.
func (e *Emitter) Emit(ctx context.Context, effects ...Effect) {
	for _, eff := range effects {
		if eff.Kind == EffectAudit {
			if e.audit != nil {
				e.audit.Record(ctx, eff.Audit)
			}
			continue
		}

		data, err := protocol.NewServerMessage(eff.Type, eff.Payload)
		if err != nil {
			log.Printf("[emitter] encode %s failed: %v", eff.Type, err)
			continue
		}

		switch eff.Kind {
		case EffectReply:
			if err := e.sender.SendMessage(eff.ConnID, data); err != nil {
				log.Printf("[emitter] reply %s to conn=%s failed: %v", eff.Type, eff.ConnID, err)
			}
		case EffectRoom:
			e.publish(eff, data, func(d []byte) error { return e.broker.PublishRoom(eff.RoomID, d) })
		case EffectUser:
			e.publish(eff, data, func(d []byte) error { return e.broker.PublishUser(eff.UserID, d) })
		}
	}
}

func (e *Emitter) publish(eff Effect, data []byte, fn func([]byte) error) {
	out, err := encodeDelivery(Delivery{Payload: data, ExcludeUser: eff.ExcludeUser, LeaveRoom: eff.LeaveRoom})
	if err != nil {
		log.Printf("[emitter] encode delivery %s failed: %v", eff.Type, err)
		return
	}
	if err := fn(out); err != nil {
		log.Printf("[emitter] publish %s room=%s user=%s failed: %v", eff.Type, eff.RoomID, eff.UserID, err)
	}
}

// DeliverRoom writes a room delivery to every local connection joined to the
// room. The registry is read at delivery time, so connections that left or
// disconnected since the publish are skipped.
func (e *Emitter) DeliverRoom(roomID string, data []byte) {
	d, err := decodeDelivery(data)
	if err != nil {
		log.Printf("[emitter] bad room delivery room=%s: %v", roomID, err)
		return
	}
	start := time.Now()
	for _, connID := range e.registry.RoomConnections(roomID) {
		if d.ExcludeUser != "" {
			if u, _ := e.registry.UserOf(connID); u == d.ExcludeUser {
				continue
			}
		}
		if err := e.sender.SendMessage(connID, d.Payload); err != nil {
			log.Printf("[emitter] room delivery failed room=%s conn=%s: %v", roomID, connID, err)
		}
	}
	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
}

// DeliverUser writes a user delivery. With LeaveRoom set, the user's local
// connections are removed from that room and each removed connection gets
// the event; otherwise only the primary connection receives it.
func (e *Emitter) DeliverUser(userID string, data []byte) {
	d, err := decodeDelivery(data)
	if err != nil {
		log.Printf("[emitter] bad user delivery user=%s: %v", userID, err)
		return
	}

	var targets []string
	if d.LeaveRoom != "" {
		targets = e.registry.LeaveUser(userID, d.LeaveRoom)
	} else if connID, ok := e.registry.ConnectionOf(userID); ok {
		targets = []string{connID}
	}
	for _, connID := range targets {
		if err := e.sender.SendMessage(connID, d.Payload); err != nil {
			log.Printf("[emitter] user delivery failed user=%s conn=%s: %v", userID, connID, err)
		}
	}
}
