package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thedusen/booksphere-outbox/internal/model"
)

// DeliverySink pushes one event to a real-time channel. Deliver returns once
// the sink has accepted the event; a nil error confirms delivery.
type DeliverySink interface {
	Deliver(ctx context.Context, evt *model.OutboxEvent) error
}

// SinkFunc adapts a function to DeliverySink.
type SinkFunc func(ctx context.Context, evt *model.OutboxEvent) error

func (f SinkFunc) Deliver(ctx context.Context, evt *model.OutboxEvent) error {
	return f(ctx, evt)
}

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Notification is the body pushed to consumers. It mirrors the outbox row
// without delivery bookkeeping; consumers dedupe on EventID.
type Notification struct {
	EventID        uuid.UUID         `json:"event_id"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	EventType      model.EventType   `json:"event_type"`
	EntityType     model.EntityType  `json:"entity_type"`
	EntityID       uuid.UUID         `json:"entity_id"`
	EventData      model.JSONPayload `json:"event_data"`
	CreatedAt      time.Time         `json:"created_at"`
}

func NewNotification(evt *model.OutboxEvent) Notification {
	return Notification{
		EventID:        evt.ID,
		OrganizationID: evt.OrganizationID,
		EventType:      evt.EventType,
		EntityType:     evt.EntityType,
		EntityID:       evt.EntityID,
		EventData:      evt.EventData,
		CreatedAt:      evt.CreatedAt,
	}
}
