package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatguard/internal/metrics"
)

// Defaults for Config.
const (
	DefaultWorkers           = 4
	DefaultQueueSize         = 1024
	DefaultThresholdInterval = 5 * time.Minute
	writeTimeout             = 5 * time.Second
)

// Config tunes the background writer.
type Config struct {
	Workers           int           `env:"WORKERS"`
	QueueSize         int           `env:"QUEUE_SIZE"`
	ThresholdInterval time.Duration `env:"THRESHOLD_INTERVAL"`
}

// DefaultConfig returns the default writer settings.
func DefaultConfig() Config {
	return Config{
		Workers:           DefaultWorkers,
		QueueSize:         DefaultQueueSize,
		ThresholdInterval: DefaultThresholdInterval,
	}
}

// ErrNoCounters is returned by Stats when the log runs without Redis.
var ErrNoCounters = errors.New("audit: counters not configured")

// Log is the audit recorder. Store, counters and exporter are each optional.
type Log struct {
	store      Store
	counters   *Counters
	exporter   Exporter
	thresholds map[EventType]int64
	now        func() time.Time

	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewLog creates a Log and starts its workers. With cfg.Workers <= 0 events
// are processed synchronously inside Record.
func NewLog(store Store, counters *Counters, exporter Exporter, cfg Config) *Log {
	l := &Log{
		store:      store,
		counters:   counters,
		exporter:   exporter,
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	if cfg.Workers > 0 {
		size := cfg.QueueSize
		if size <= 0 {
			size = DefaultQueueSize
		}
		l.queue = make(chan Event, size)
		for i := 0; i < cfg.Workers; i++ {
			l.wg.Add(1)
			go l.worker()
		}
	}
	return l
}

// Record stamps ev with an id and timestamp and queues it. It never blocks on
// storage and never fails: a full queue drops the event with a log line.
func (l *Log) Record(ctx context.Context, ev Event) string {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityLow
	}
	metrics.AuditEvents.WithLabelValues(string(ev.Type), string(ev.Severity)).Inc()

	if l.queue == nil {
		l.process(ev)
		return ev.ID
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		log.Printf("[audit] log closed, dropping event id=%s type=%s", ev.ID, ev.Type)
		return ev.ID
	}
	select {
	case l.queue <- ev:
	default:
		log.Printf("[audit] queue full, dropping event id=%s type=%s", ev.ID, ev.Type)
	}
	return ev.ID
}

func (l *Log) worker() {
	defer l.wg.Done()
	for ev := range l.queue {
		l.process(ev)
	}
}

// process persists one event. Failures are logged and swallowed.
func (l *Log) process(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if l.store != nil {
		if err := l.store.AppendEvent(ctx, ev); err != nil {
			log.Printf("[audit] persist failed id=%s type=%s: %v", ev.ID, ev.Type, err)
		}
	}
	if l.counters != nil {
		if err := l.counters.Increment(ctx, ev); err != nil {
			log.Printf("[audit] counters failed id=%s: %v", ev.ID, err)
		}
	}
	if l.exporter != nil {
		if err := l.exporter.Export(ctx, ev); err != nil {
			log.Printf("[audit] export failed id=%s: %v", ev.ID, err)
		}
	}
}

// Close stops accepting events, drains the queue and closes the exporter.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()
	if l.exporter != nil {
		return l.exporter.Close()
	}
	return nil
}

// Query lists stored events, newest first.
func (l *Log) Query(ctx context.Context, f Filter) ([]Event, error) {
	if l.store == nil {
		return nil, nil
	}
	events, err := l.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return events, nil
}

// Stats aggregates counts over tf.
func (l *Log) Stats(ctx context.Context, tf Timeframe) (Stats, error) {
	if l.counters == nil {
		return Stats{}, ErrNoCounters
	}
	return l.counters.Stats(ctx, tf, l.now())
}
