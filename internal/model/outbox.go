package model

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// MaxEventDataBytes caps event_data. Payloads carry identifiers only;
// consumers re-fetch authoritative state.
const MaxEventDataBytes = 1024

type EventType string

const (
	EventTypeCreated EventType = "created"
	EventTypeUpdated EventType = "updated"
	EventTypeDeleted EventType = "deleted"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventTypeCreated, EventTypeUpdated, EventTypeDeleted:
		return true
	}
	return false
}

type EntityType string

const (
	EntityTypeCatalogingJob EntityType = "cataloging_job"
	EntityTypeFlag          EntityType = "flag"
)

func (t EntityType) IsValid() bool {
	switch t {
	case EntityTypeCatalogingJob, EntityTypeFlag:
		return true
	}
	return false
}

// OutboxEvent is one row of the outbox table.
type OutboxEvent struct {
	ID               uuid.UUID   `db:"event_id" json:"event_id"`
	OrganizationID   uuid.UUID   `db:"organization_id" json:"organization_id"`
	EventType        EventType   `db:"event_type" json:"event_type"`
	EntityType       EntityType  `db:"entity_type" json:"entity_type"`
	EntityID         uuid.UUID   `db:"entity_id" json:"entity_id"`
	EventData        JSONPayload `db:"event_data" json:"event_data"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	DeliveredAt      *time.Time  `db:"delivered_at" json:"delivered_at,omitempty"`
	DeliveryAttempts int         `db:"delivery_attempts" json:"delivery_attempts"`
	LastError        *string     `db:"last_error" json:"last_error,omitempty"`
}

// Position returns the event's place in its tenant stream.
func (e *OutboxEvent) Position() Position {
	return Position{CreatedAt: e.CreatedAt, EventID: e.ID}
}

// IsPending reports whether the event still awaits delivery.
func (e *OutboxEvent) IsPending() bool {
	return e.DeliveredAt == nil
}

// DeadLetterEntry is one row of outbox_dlq. Rows are immutable.
type DeadLetterEntry struct {
	ID               uuid.UUID   `db:"dlq_id" json:"dlq_id"`
	OriginalEventID  uuid.UUID   `db:"original_event_id" json:"original_event_id"`
	OrganizationID   uuid.UUID   `db:"organization_id" json:"organization_id"`
	EventType        EventType   `db:"event_type" json:"event_type"`
	EntityType       EntityType  `db:"entity_type" json:"entity_type"`
	EntityID         uuid.UUID   `db:"entity_id" json:"entity_id"`
	EventData        JSONPayload `db:"event_data" json:"event_data"`
	DeliveryAttempts int         `db:"delivery_attempts" json:"delivery_attempts"`
	LastError        string      `db:"last_error" json:"last_error"`
	FailedAt         time.Time   `db:"failed_at" json:"failed_at"`
}

// OutboxCursor is the durable watermark of one processor for one tenant.
// LastProcessedAt holds the created_at of the last processed event, so
// (LastProcessedAt, LastProcessedEventID) is a stream position.
type OutboxCursor struct {
	ProcessorName        string    `db:"processor_name" json:"processor_name"`
	OrganizationID       uuid.UUID `db:"organization_id" json:"organization_id"`
	LastProcessedEventID uuid.UUID `db:"last_processed_event_id" json:"last_processed_event_id"`
	LastProcessedAt      time.Time `db:"last_processed_at" json:"last_processed_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Position returns the watermark as a stream position.
func (c *OutboxCursor) Position() Position {
	return Position{CreatedAt: c.LastProcessedAt, EventID: c.LastProcessedEventID}
}

// Position orders events within a tenant stream by (created_at, event_id).
type Position struct {
	CreatedAt time.Time
	EventID   uuid.UUID
}

// Compare returns -1, 0 or 1 when p sorts before, equal to or after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.CreatedAt.Before(o.CreatedAt):
		return -1
	case p.CreatedAt.After(o.CreatedAt):
		return 1
	}
	return bytes.Compare(p.EventID[:], o.EventID[:])
}
