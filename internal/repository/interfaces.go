package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/thedusen/booksphere-outbox/internal/model"
)

// All repository interfaces in one file
type (
	// EventStore is the outbox log. Append runs inside the producer's
	// transaction; everything else is used by the processor and operators.
	EventStore interface {
		Append(ctx context.Context, tx *sqlx.Tx, evt *model.OutboxEvent) error
		Get(ctx context.Context, eventID uuid.UUID) (*model.OutboxEvent, error)
		ScanPending(ctx context.Context, organizationID uuid.UUID, after *model.Position, limit int) ([]*model.OutboxEvent, error)
		ScanStranded(ctx context.Context, organizationID uuid.UUID, upTo model.Position, limit int) ([]*model.OutboxEvent, error)
		ListPendingOrganizations(ctx context.Context, after *uuid.UUID, limit int) ([]uuid.UUID, error)
		RecordFailure(ctx context.Context, eventID uuid.UUID, lastError string) (int, error)
		MarkStrandedDelivered(ctx context.Context, eventID uuid.UUID, deliveredAt time.Time) error
		PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
	}

	// DeadLetterStore holds events that exhausted their retry budget.
	DeadLetterStore interface {
		DeadLetter(ctx context.Context, processorName string, evt *model.OutboxEvent, lastError string) (*model.DeadLetterEntry, error)
		DeadLetterStranded(ctx context.Context, evt *model.OutboxEvent, lastError string) (*model.DeadLetterEntry, error)
		GetDeadLetter(ctx context.Context, dlqID uuid.UUID) (*model.DeadLetterEntry, error)
		ListDeadLetters(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]*model.DeadLetterEntry, error)
	}

	// CursorStore persists per (processor, tenant) progress.
	CursorStore interface {
		GetCursor(ctx context.Context, processorName string, organizationID uuid.UUID) (*model.OutboxCursor, error)
		AdvanceCursor(ctx context.Context, processorName string, organizationID uuid.UUID, pos model.Position) error
		MarkDelivered(ctx context.Context, processorName string, evt *model.OutboxEvent, deliveredAt time.Time) error
		ListCursors(ctx context.Context, organizationID uuid.UUID) ([]*model.OutboxCursor, error)
	}

	// OutboxStore is the full surface the processor runs against.
	OutboxStore interface {
		EventStore
		DeadLetterStore
		CursorStore
	}
)
