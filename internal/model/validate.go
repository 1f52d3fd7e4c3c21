package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
)

// NewOutboxEvent validates producer input and returns a pending event with a
// time-ordered id. A nil payload is stored as an empty object. created_at is
// truncated to the microsecond precision of the database.
func NewOutboxEvent(
	organizationID uuid.UUID,
	eventType EventType,
	entityType EntityType,
	entityID uuid.UUID,
	eventData json.RawMessage,
) (*OutboxEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}

	if len(eventData) == 0 {
		eventData = json.RawMessage(`{}`)
	}

	evt := &OutboxEvent{
		ID:             id,
		OrganizationID: organizationID,
		EventType:      eventType,
		EntityType:     entityType,
		EntityID:       entityID,
		EventData:      JSONPayload(eventData),
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

// Validate enforces the append-time invariants. The size check runs on the
// raw bytes so oversized payloads are rejected, never truncated.
func (e *OutboxEvent) Validate() error {
	switch {
	case e.OrganizationID == uuid.Nil:
		return &apperrors.ValidationError{Field: "organization_id", Err: apperrors.ErrOrganizationRequired}
	case !e.EventType.IsValid():
		return &apperrors.ValidationError{Field: "event_type", Err: fmt.Errorf("%w: %q", apperrors.ErrInvalidEventType, e.EventType)}
	case !e.EntityType.IsValid():
		return &apperrors.ValidationError{Field: "entity_type", Err: fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, e.EntityType)}
	case e.EntityID == uuid.Nil:
		return &apperrors.ValidationError{Field: "entity_id", Err: apperrors.ErrEntityRequired}
	case len(e.EventData) > MaxEventDataBytes:
		return &apperrors.ValidationError{
			Field: "event_data",
			Err:   fmt.Errorf("%w: %d > %d bytes", apperrors.ErrPayloadTooLarge, len(e.EventData), MaxEventDataBytes),
		}
	case !isJSONObject(e.EventData):
		return &apperrors.ValidationError{Field: "event_data", Err: apperrors.ErrInvalidPayload}
	}
	return nil
}

func isJSONObject(data []byte) bool {
	if !json.Valid(data) {
		return false
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
