// Package kafkabus publishes billing events and host notifications to Kafka.
package kafkabus

//go:generate mockgen -source=kafkabus.go -destination=mock_writer_test.go -package=kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

var (
	// ErrMissingWriter indicates a publisher was built without a writer.
	ErrMissingWriter = errors.New("kafkabus: writer is required")
	// ErrMissingBrokers indicates writer construction without broker addresses.
	ErrMissingBrokers = errors.New("kafkabus: brokers are required")
	// ErrMissingTopic indicates writer construction without a topic.
	ErrMissingTopic = errors.New("kafkabus: topic is required")
)

// KafkaWriter defines a Kafka writer abstraction.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig describes one topic writer.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewWriter builds a kafka-go writer keyed by hash so one user's messages stay ordered.
func NewWriter(config WriterConfig) (*kafka.Writer, error) {
	brokers := make([]string, 0, len(config.Brokers))
	for _, broker := range config.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, ErrMissingBrokers
	}
	topic := strings.TrimSpace(config.Topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}
	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
	}, nil
}

type eventPayload struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	WalletID   string    `json:"wallet_id,omitempty"`
	ListingID  string    `json:"listing_id,omitempty"`
	EntryID    string    `json:"entry_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher implements billing.EventPublisher.
type Publisher struct {
	writer KafkaWriter
}

// NewPublisher wraps a writer bound to the events topic.
func NewPublisher(writer KafkaWriter) (*Publisher, error) {
	if writer == nil {
		return nil, ErrMissingWriter
	}
	return &Publisher{writer: writer}, nil
}

// Publish writes the event as JSON keyed by user id.
func (publisher *Publisher) Publish(ctx context.Context, event billing.Event) error {
	payload := eventPayload{
		Type:       string(event.Type),
		UserID:     event.UserID.String(),
		Kind:       string(event.Kind),
		Reason:     event.Reason,
		OccurredAt: event.OccurredAt.UTC(),
	}
	if event.WalletID != nil {
		payload.WalletID = event.WalletID.String()
	}
	if event.ListingID != nil {
		payload.ListingID = event.ListingID.String()
	}
	if event.EntryID != nil {
		payload.EntryID = event.EntryID.String()
	}
	if !event.Amount.IsZero() {
		payload.Amount = event.Amount.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafkabus: marshal event: %w", err)
	}
	message := kafka.Message{
		Key:     []byte(payload.UserID),
		Value:   data,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(payload.Type)}},
	}
	if err := publisher.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("kafkabus: publish %s: %w", payload.Type, err)
	}
	return nil
}

// Close closes the underlying writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}

type notificationPayload struct {
	UserID  string `json:"user_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// MessageDelivery implements billing.MessageDelivery by handing messages to
// the notification service topic.
type MessageDelivery struct {
	writer KafkaWriter
}

// NewMessageDelivery wraps a writer bound to the notifications topic.
func NewMessageDelivery(writer KafkaWriter) (*MessageDelivery, error) {
	if writer == nil {
		return nil, ErrMissingWriter
	}
	return &MessageDelivery{writer: writer}, nil
}

// Deliver writes the message as JSON keyed by user id.
func (delivery *MessageDelivery) Deliver(ctx context.Context, message billing.Message) error {
	data, err := json.Marshal(notificationPayload{
		UserID:  message.UserID.String(),
		Subject: message.Subject,
		Body:    message.Body,
	})
	if err != nil {
		return fmt.Errorf("kafkabus: marshal message: %w", err)
	}
	if err := delivery.writer.WriteMessages(ctx, kafka.Message{Key: []byte(message.UserID.String()), Value: data}); err != nil {
		return fmt.Errorf("kafkabus: deliver message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (delivery *MessageDelivery) Close() error {
	return delivery.writer.Close()
}
