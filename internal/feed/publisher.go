// Package feed publishes committed time-record changes to Kafka for
// downstream consumers.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event describes one committed record change.
type Event struct {
	Type       string         `json:"type"`
	RecordID   string         `json:"record_id"`
	OwnerKey   string         `json:"owner_key,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Doc        map[string]any `json:"doc,omitempty"`
}

// Event types emitted by the write path.
const (
	EventCreated = "timelog.created"
	EventUpdated = "timelog.updated"
	EventDeleted = "timelog.deleted"
)

// Publisher writes change events to a single topic, creating the writer
// lazily on first publish.
type Publisher struct {
	brokers []string
	topic   string

	mu     sync.Mutex
	writer *kafka.Writer
}

// NewPublisher constructs a Publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{brokers: brokers, topic: topic}
}

// Publish delivers one event. The owner key is used as the partition key so
// one owner's changes stay ordered.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.OwnerKey),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "record_id", Value: []byte(event.RecordID)},
		},
	}

	return p.getWriter().WriteMessages(ctx, msg)
}

func (p *Publisher) getWriter() *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(p.brokers...),
			Topic:        p.topic,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			Async:        false,
		}
	}
	return p.writer
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}
