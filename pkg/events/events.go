// Package events publishes auth domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/noah-isme/vehicle-insurance-auth/pkg/config"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/jobs"
)

// Event types emitted by the auth services.
const (
	TypeUserRegistered        = "user.registered"
	TypeSessionLogin          = "session.login"
	TypeSessionRefreshed      = "session.refreshed"
	TypeSessionRevoked        = "session.revoked"
	TypeEmailVerificationSent = "email.verification_sent"
	TypeEmailVerified         = "email.verified"
)

// Event is the envelope written to the topic.
type Event struct {
	Type       string                 `json:"type"`
	UserID     int64                  `json:"user_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by user id.
type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// New returns a Kafka publisher when events are enabled, a no-op one otherwise.
// With cfg.Workers set the Kafka publisher runs behind a background queue.
func New(cfg config.EventsConfig, logger *zap.Logger) Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return NopPublisher{}
	}
	kafkaPublisher := NewKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	})
	if cfg.Workers <= 0 {
		return kafkaPublisher
	}
	return NewAsyncPublisher(kafkaPublisher, jobs.NewQueue("events", jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: 2,
		Logger:     logger,
	}))
}

// NewKafkaPublisher wraps an existing writer.
func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, now: time.Now}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.UserID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
