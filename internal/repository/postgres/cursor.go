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

const cursorColumns = `processor_name, organization_id, last_processed_event_id, last_processed_at, updated_at`

type cursorRepository struct {
	BaseRepository
}

func NewCursorRepository(base BaseRepository) repository.CursorStore {
	return &cursorRepository{base}
}

// GetCursor returns nil, nil when the processor has never advanced for the tenant.
func (r *cursorRepository) GetCursor(ctx context.Context, processorName string, organizationID uuid.UUID) (*model.OutboxCursor, error) {
	query := `SELECT ` + cursorColumns + `
		FROM outbox_cursor
		WHERE processor_name = ? AND organization_id = ?`

	var cur model.OutboxCursor
	err := r.db.GetContext(ctx, &cur, r.db.Rebind(query), processorName, organizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &cur, nil
}

func (r *cursorRepository) AdvanceCursor(ctx context.Context, processorName string, organizationID uuid.UUID, pos model.Position) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return r.advanceCursorTx(ctx, tx, processorName, organizationID, pos)
	})
}

// MarkDelivered sets delivered_at and advances the cursor to the event in one
// transaction, so a crash cannot leave one without the other.
func (r *cursorRepository) MarkDelivered(ctx context.Context, processorName string, evt *model.OutboxEvent, deliveredAt time.Time) error {
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE outbox
			SET delivered_at = ?
			WHERE event_id = ?
			AND delivered_at IS NULL
		`
		result, err := tx.ExecContext(ctx, tx.Rebind(query), deliveredAt.UTC(), evt.ID)
		if err != nil {
			return fmt.Errorf("failed to mark event delivered: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mark delivered %s: %w", evt.ID, apperrors.ErrEventNotFound)
		}
		return r.advanceCursorTx(ctx, tx, processorName, evt.OrganizationID, evt.Position())
	})
	if err != nil {
		return err
	}
	evt.DeliveredAt = &deliveredAt
	return nil
}

func (r *cursorRepository) ListCursors(ctx context.Context, organizationID uuid.UUID) ([]*model.OutboxCursor, error) {
	query := `SELECT ` + cursorColumns + `
		FROM outbox_cursor
		WHERE organization_id = ?
		ORDER BY processor_name`

	var cursors []*model.OutboxCursor
	if err := r.db.SelectContext(ctx, &cursors, r.db.Rebind(query), organizationID); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return cursors, nil
}

// advanceCursorTx moves the (processor, tenant) watermark forward to pos.
// Moving to the stored position is a no-op; moving behind it fails with
// ErrStaleAdvance. The upsert itself only applies forward moves, which
// covers a concurrent first insert as well.
func (r *BaseRepository) advanceCursorTx(ctx context.Context, tx *sqlx.Tx, processorName string, organizationID uuid.UUID, pos model.Position) error {
	query := `SELECT ` + cursorColumns + `
		FROM outbox_cursor
		WHERE processor_name = ? AND organization_id = ?` + r.forUpdate()

	var cur model.OutboxCursor
	err := tx.GetContext(ctx, &cur, tx.Rebind(query), processorName, organizationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read cursor: %w", err)
	default:
		switch pos.Compare(cur.Position()) {
		case 0:
			return nil
		case -1:
			return fmt.Errorf("advance %s/%s to %s: %w", processorName, organizationID, pos.EventID, apperrors.ErrStaleAdvance)
		}
	}

	upsert := `
		INSERT INTO outbox_cursor (
			processor_name, organization_id, last_processed_event_id, last_processed_at, updated_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (processor_name, organization_id) DO UPDATE SET
			last_processed_event_id = excluded.last_processed_event_id,
			last_processed_at = excluded.last_processed_at,
			updated_at = excluded.updated_at
		WHERE outbox_cursor.last_processed_at < excluded.last_processed_at
		OR (outbox_cursor.last_processed_at = excluded.last_processed_at
			AND outbox_cursor.last_processed_event_id < excluded.last_processed_event_id)
	`
	now := time.Now().UTC().Truncate(time.Microsecond)
	result, err := tx.ExecContext(ctx, tx.Rebind(upsert),
		processorName, organizationID, pos.EventID, pos.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("advance %s/%s to %s: %w", processorName, organizationID, pos.EventID, apperrors.ErrStaleAdvance)
	}
	return nil
}
