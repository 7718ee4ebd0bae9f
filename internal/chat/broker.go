package chat

import (
	"errors"
	"log"
	"sync"
)

// DeliverFunc receives a published delivery for a room or user id.
type DeliverFunc func(id string, data []byte)

// Broker carries room and user deliveries to every server instance,
// including the publishing one. Publishing never waits for delivery.
type Broker interface {
	PublishRoom(roomID string, data []byte) error
	PublishUser(userID string, data []byte) error
	Subscribe(onRoom, onUser DeliverFunc) error
}

// LocalQueueSize bounds the LocalBroker backlog.
const LocalQueueSize = 4096

// ErrBrokerFull is returned when the local delivery queue is saturated.
var ErrBrokerFull = errors.New("chat: local broker queue full")

type localDelivery struct {
	room bool
	id   string
	data []byte
}

// LocalBroker delivers within one process. A single goroutine drains the
// queue, so deliveries keep publish order.
type LocalBroker struct {
	queue chan localDelivery
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.RWMutex
	onRoom DeliverFunc
	onUser DeliverFunc
}

// NewLocalBroker creates a broker with no subscribers.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{queue: make(chan localDelivery, LocalQueueSize)}
}

// Subscribe installs the delivery callbacks and starts the delivery loop.
func (b *LocalBroker) Subscribe(onRoom, onUser DeliverFunc) error {
	b.mu.Lock()
	b.onRoom, b.onUser = onRoom, onUser
	b.mu.Unlock()
	b.once.Do(func() { go b.run() })
	return nil
}

func (b *LocalBroker) run() {
	for d := range b.queue {
		b.mu.RLock()
		fn := b.onUser
		if d.room {
			fn = b.onRoom
		}
		b.mu.RUnlock()
		if fn != nil {
			fn(d.id, d.data)
		}
		b.wg.Done()
	}
}

// PublishRoom implements Broker.
func (b *LocalBroker) PublishRoom(roomID string, data []byte) error {
	return b.publish(localDelivery{room: true, id: roomID, data: data})
}

// PublishUser implements Broker.
func (b *LocalBroker) PublishUser(userID string, data []byte) error {
	return b.publish(localDelivery{id: userID, data: data})
}

func (b *LocalBroker) publish(d localDelivery) error {
	b.wg.Add(1)
	select {
	case b.queue <- d:
		return nil
	default:
		b.wg.Done()
		log.Printf("[broker] local queue full, dropping delivery id=%s", d.id)
		return ErrBrokerFull
	}
}

// Wait blocks until every queued delivery has been handed to the callbacks.
// It must not be called before Subscribe.
func (b *LocalBroker) Wait() {
	b.wg.Wait()
}
