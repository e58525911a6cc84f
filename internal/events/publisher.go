// Package events publishes sync lifecycle events to Kafka for downstream
// consumers (analytics, audit). Publishing is optional: with no brokers
// configured the no-op publisher is used and the rest of the system is
// unaffected.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bankfeed-aggregator/internal/config"
)

// Event types emitted on the sync topic.
const (
	TypeSyncCompleted     = "sync.completed"
	TypeConnectionRevoked = "connection.revoked"
)

// Event is the JSON payload written to the topic, keyed by user id
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	BankCount    int       `json:"bank_count,omitempty"`
	AccountCount int       `json:"account_count,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher emits sync lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// KafkaWriter wraps kafka.Writer methods for testing
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic
type KafkaPublisher struct {
	logger *slog.Logger
	writer KafkaWriter
	topic  string
}

// NewKafkaPublisher creates a publisher and ensures the topic exists
func NewKafkaPublisher(logger *slog.Logger, cfg *config.EventsConfig) (*KafkaPublisher, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events topic is not configured")
	}

	conn, err := kafka.Dial("tcp", cfg.Brokers)
	if err != nil {
		return nil, fmt.Errorf("failed to dial kafka for events publisher: %w", err)
	}
	defer conn.Close()

	if err := createTopicIfNotExists(conn, cfg, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure events topic %s exists: %w", cfg.Topic, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true, // Events are advisory; don't block sync on the broker
		WriteTimeout: cfg.WriteTimeout,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("Failed to write event messages asynchronously", "topic", cfg.Topic, "error", err, "count", len(messages))
			} else {
				logger.Debug("Successfully wrote event messages asynchronously", "topic", cfg.Topic, "count", len(messages))
			}
		},
	}

	return &KafkaPublisher{
		logger: logger,
		writer: writer,
		topic:  cfg.Topic,
	}, nil
}

// Publish writes one event keyed by user id
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish event",
			"topic", p.topic,
			"type", event.Type,
			"user_id", event.UserID,
			"error", err,
		)
		return fmt.Errorf("failed to publish event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published event",
		"topic", p.topic,
		"type", event.Type,
		"user_id", event.UserID,
	)
	return nil
}

// Close shuts down the underlying writer
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing events publisher", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close events kafka writer for topic %s: %w", p.topic, err)
	}
	return nil
}

// createTopicIfNotExists creates the events topic when missing
func createTopicIfNotExists(conn *kafka.Conn, cfg *config.EventsConfig, log *slog.Logger) error {
	partitions, err := conn.ReadPartitions(cfg.Topic)
	if err == nil && len(partitions) > 0 {
		log.Info("Kafka topic already exists", "topic", cfg.Topic)
		return nil
	}

	topicConfig := kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}
	if topicConfig.NumPartitions == 0 {
		topicConfig.NumPartitions = 1
	}
	if topicConfig.ReplicationFactor == 0 {
		topicConfig.ReplicationFactor = 1
	}

	if err := conn.CreateTopics(topicConfig); err != nil {
		return fmt.Errorf("failed to create kafka topic %s: %w", cfg.Topic, err)
	}
	log.Info("Created Kafka topic", "topic", cfg.Topic)
	return nil
}

// NoopPublisher satisfies Publisher when event publishing is disabled
type NoopPublisher struct{}

// NewNoopPublisher creates a publisher that drops everything
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Publish discards the event
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Close is a no-op
func (NoopPublisher) Close() error { return nil }

var _ Publisher = (*KafkaPublisher)(nil)
var _ Publisher = (*NoopPublisher)(nil)
