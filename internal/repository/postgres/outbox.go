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

const outboxColumns = `event_id, organization_id, event_type, entity_type, entity_id, event_data,
		created_at, delivered_at, delivery_attempts, last_error`

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.EventStore {
	return &outboxRepository{base}
}

// Append writes evt inside the caller's transaction. Nothing is written when
// validation fails, and nothing is visible if the caller rolls back.
func (r *outboxRepository) Append(ctx context.Context, tx *sqlx.Tx, evt *model.OutboxEvent) error {
	if tx == nil {
		return fmt.Errorf("append outbox event: transaction is required")
	}
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if evt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate event id: %w", err)
		}
		evt.ID = id
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if err := evt.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO outbox (
			event_id, organization_id, event_type, entity_type, entity_id,
			event_data, created_at, delivery_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`
	_, err := tx.ExecContext(ctx, tx.Rebind(query),
		evt.ID,
		evt.OrganizationID,
		evt.EventType,
		evt.EntityType,
		evt.EntityID,
		evt.EventData,
		evt.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	evt.DeliveredAt = nil
	evt.DeliveryAttempts = 0
	evt.LastError = nil
	return nil
}

func (r *outboxRepository) Get(ctx context.Context, eventID uuid.UUID) (*model.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE event_id = ?`

	var evt model.OutboxEvent
	err := r.db.GetContext(ctx, &evt, r.db.Rebind(query), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return &evt, nil
}

// ScanPending returns undelivered events of one tenant in (created_at,
// event_id) order, strictly after the given position when one is set.
func (r *outboxRepository) ScanPending(ctx context.Context, organizationID uuid.UUID, after *model.Position, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE organization_id = ?
		AND delivered_at IS NULL`
	args := []interface{}{organizationID}
	if after != nil {
		query += `
		AND (created_at > ? OR (created_at = ? AND event_id > ?))`
		at := after.CreatedAt.UTC()
		args = append(args, at, at, after.EventID)
	}
	query += `
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?`
	args = append(args, limit)

	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to scan pending events: %w", err)
	}
	return events, nil
}

// ScanStranded returns undelivered events of one tenant at or behind upTo,
// oldest first. Such rows committed after the cursor had already moved past
// their position.
func (r *outboxRepository) ScanStranded(ctx context.Context, organizationID uuid.UUID, upTo model.Position, limit int) ([]*model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + outboxColumns + `
		FROM outbox
		WHERE organization_id = ?
		AND delivered_at IS NULL
		AND (created_at < ? OR (created_at = ? AND event_id <= ?))
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?`
	at := upTo.CreatedAt.UTC()

	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, r.db.Rebind(query), organizationID, at, at, upTo.EventID, limit); err != nil {
		return nil, fmt.Errorf("failed to scan stranded events: %w", err)
	}
	return events, nil
}

// ListPendingOrganizations returns tenants that have undelivered events in
// organization_id order, strictly after the given id when one is set, so
// callers can page through every tenant.
func (r *outboxRepository) ListPendingOrganizations(ctx context.Context, after *uuid.UUID, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT DISTINCT organization_id
		FROM outbox
		WHERE delivered_at IS NULL`
	args := []interface{}{}
	if after != nil {
		query += `
		AND organization_id > ?`
		args = append(args, *after)
	}
	query += `
		ORDER BY organization_id
		LIMIT ?`
	args = append(args, limit)

	var orgs []uuid.UUID
	if err := r.db.SelectContext(ctx, &orgs, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list pending organizations: %w", err)
	}
	return orgs, nil
}

// RecordFailure bumps delivery_attempts, stores the failure reason and
// returns the new attempt count.
func (r *outboxRepository) RecordFailure(ctx context.Context, eventID uuid.UUID, lastError string) (int, error) {
	query := `
		UPDATE outbox
		SET delivery_attempts = delivery_attempts + 1,
			last_error = ?
		WHERE event_id = ?
		AND delivered_at IS NULL
		RETURNING delivery_attempts
	`
	var attempts int
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(query), lastError, eventID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.ErrEventNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return attempts, nil
}

// MarkStrandedDelivered sets delivered_at on an event that sits behind the
// cursor. The cursor is left where it is.
func (r *outboxRepository) MarkStrandedDelivered(ctx context.Context, eventID uuid.UUID, deliveredAt time.Time) error {
	query := `
		UPDATE outbox
		SET delivered_at = ?
		WHERE event_id = ?
		AND delivered_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), deliveredAt.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark stranded event delivered: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mark stranded delivered %s: %w", eventID, apperrors.ErrEventNotFound)
	}
	return nil
}

// PurgeDelivered deletes delivered events older than before.
func (r *outboxRepository) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE delivered_at IS NOT NULL
		AND delivered_at < ?
	`
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered events: %w", err)
	}

	return result.RowsAffected()
}
