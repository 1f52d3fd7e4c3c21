package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
)

const deadLetterColumns = `dlq_id, original_event_id, organization_id, event_type, entity_type, entity_id,
		event_data, delivery_attempts, last_error, failed_at`

const unknownDeliveryError = "unknown delivery error"

type deadLetterRepository struct {
	BaseRepository
}

func NewDeadLetterRepository(base BaseRepository) repository.DeadLetterStore {
	return &deadLetterRepository{base}
}

// DeadLetter moves evt into outbox_dlq, deletes it from outbox and advances
// the cursor past it, all in one transaction. If the event was already
// dead-lettered the outbox row is still removed and ErrAlreadyDeadLettered
// is returned with the existing entry.
func (r *deadLetterRepository) DeadLetter(ctx context.Context, processorName string, evt *model.OutboxEvent, lastError string) (*model.DeadLetterEntry, error) {
	return r.deadLetter(ctx, evt, lastError, func(tx *sqlx.Tx) error {
		return r.advanceCursorTx(ctx, tx, processorName, evt.OrganizationID, evt.Position())
	})
}

// DeadLetterStranded moves an event that sits behind the cursor into
// outbox_dlq. The cursor is already past it and is not touched.
func (r *deadLetterRepository) DeadLetterStranded(ctx context.Context, evt *model.OutboxEvent, lastError string) (*model.DeadLetterEntry, error) {
	return r.deadLetter(ctx, evt, lastError, nil)
}

func (r *deadLetterRepository) deadLetter(ctx context.Context, evt *model.OutboxEvent, lastError string, afterDelete func(*sqlx.Tx) error) (*model.DeadLetterEntry, error) {
	if lastError == "" {
		lastError = unknownDeliveryError
	}
	entry := &model.DeadLetterEntry{
		ID:               uuid.New(),
		OriginalEventID:  evt.ID,
		OrganizationID:   evt.OrganizationID,
		EventType:        evt.EventType,
		EntityType:       evt.EntityType,
		EntityID:         evt.EntityID,
		EventData:        evt.EventData,
		DeliveryAttempts: evt.DeliveryAttempts,
		LastError:        lastError,
		FailedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}

	duplicate := false
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		insert := `
			INSERT INTO outbox_dlq (
				dlq_id, original_event_id, organization_id, event_type, entity_type,
				entity_id, event_data, delivery_attempts, last_error, failed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (original_event_id) DO NOTHING
		`
		result, err := tx.ExecContext(ctx, tx.Rebind(insert),
			entry.ID,
			entry.OriginalEventID,
			entry.OrganizationID,
			entry.EventType,
			entry.EntityType,
			entry.EntityID,
			entry.EventData,
			entry.DeliveryAttempts,
			entry.LastError,
			entry.FailedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			duplicate = true
			existing := `SELECT ` + deadLetterColumns + ` FROM outbox_dlq WHERE original_event_id = ?`
			if err := tx.GetContext(ctx, entry, tx.Rebind(existing), evt.ID); err != nil {
				return fmt.Errorf("failed to load existing dead letter: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM outbox WHERE event_id = ?`), evt.ID); err != nil {
			return fmt.Errorf("failed to delete dead-lettered event: %w", err)
		}
		if afterDelete == nil {
			return nil
		}
		return afterDelete(tx)
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		return entry, apperrors.ErrAlreadyDeadLettered
	}
	return entry, nil
}

func (r *deadLetterRepository) GetDeadLetter(ctx context.Context, dlqID uuid.UUID) (*model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM outbox_dlq WHERE dlq_id = ?`

	var entry model.DeadLetterEntry
	err := r.db.GetContext(ctx, &entry, r.db.Rebind(query), dlqID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &entry, nil
}

// ListDeadLetters returns a tenant's dead letters, most recent first.
func (r *deadLetterRepository) ListDeadLetters(ctx context.Context, organizationID uuid.UUID, limit, offset int) ([]*model.DeadLetterEntry, error) {
	query := `SELECT ` + deadLetterColumns + `
		FROM outbox_dlq
		WHERE organization_id = ?
		ORDER BY failed_at DESC, dlq_id
		LIMIT ? OFFSET ?`

	var entries []*model.DeadLetterEntry
	if err := r.db.SelectContext(ctx, &entries, r.db.Rebind(query), organizationID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}
