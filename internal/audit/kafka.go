package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig selects the audit topic.
type KafkaConfig struct {
	Enabled bool     `env:"ENABLED"`
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"AUDIT_TOPIC"`
	GroupID string   `env:"GROUP_ID"`
}

// DefaultKafkaConfig returns a disabled config pointing at a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "chat.audit",
		GroupID: "chat-auditor",
	}
}

// KafkaExporter publishes events to a Kafka topic, keyed by event type so a
// type's events stay ordered within a partition.
type KafkaExporter struct {
	writer *kafka.Writer
}

// NewKafkaExporter creates an exporter for cfg.
func NewKafkaExporter(cfg KafkaConfig) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Export writes one event.
func (k *KafkaExporter) Export(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: data,
		Time:  ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("audit: kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaExporter) Close() error {
	return k.writer.Close()
}

// Consumer reads exported events back from Kafka and feeds them to a
// Recorder. The auditor process uses it to persist and count events produced
// by every chat server.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a consumer-group reader for cfg.
func NewConsumer(cfg KafkaConfig) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}
}

// Run consumes until ctx is cancelled. Malformed messages are skipped.
func (c *Consumer) Run(ctx context.Context, rec Recorder) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			log.Printf("[audit] kafka read error: %v (retrying in 1s)", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Printf("[audit] skipping malformed event offset=%d: %v", m.Offset, err)
			continue
		}
		rec.Record(ctx, ev)
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
