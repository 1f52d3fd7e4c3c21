// Package kafka delivers outbox events to a Kafka topic keyed by tenant, so
// one tenant's events land on one partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/thedusen/booksphere-outbox/internal/model"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
)

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	writer messageWriter
}

func NewSink(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		// Delivery is confirmed per event; do not wait to fill a batch.
		batchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: batchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newSink(w), nil
}

func newSink(w messageWriter) *Sink {
	return &Sink{writer: w}
}

func (s *Sink) Deliver(ctx context.Context, evt *model.OutboxEvent) error {
	value, err := json.Marshal(messaging.NewNotification(evt))
	if err != nil {
		return messaging.Permanent(fmt.Errorf("failed to marshal notification: %w", err))
	}

	msg := kafka.Message{
		Key:   []byte(evt.OrganizationID.String()),
		Value: value,
		Time:  evt.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.ID.String())},
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "entity_type", Value: []byte(evt.EntityType)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.writer.Close()
}

// classify marks rejections of the message itself as permanent. Access
// faults hit every tenant alike, so they defer instead of dead-lettering.
func classify(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) && len(writeErrs) > 0 && writeErrs[0] != nil {
		err = writeErrs[0]
	}
	switch {
	case errors.Is(err, kafka.MessageSizeTooLarge),
		errors.Is(err, kafka.InvalidMessage):
		return messaging.Permanent(fmt.Errorf("kafka rejected message: %w", err))
	case errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed),
		errors.Is(err, kafka.SASLAuthenticationFailed):
		return fmt.Errorf("kafka access denied: %w: %w", apperrors.ErrSinkUnavailable, err)
	}
	return fmt.Errorf("kafka write: %w", err)
}

var _ messaging.DeliverySink = (*Sink)(nil)
