// Package replay re-enqueues dead-lettered events on operator request.
package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/internal/service/event"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
)

type Service struct {
	dlq      repository.DeadLetterStore
	producer *event.Service
	logger   *logger.Logger
}

func NewService(dlq repository.DeadLetterStore, producer *event.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{dlq: dlq, producer: producer, logger: log}
}

// Replay appends a fresh copy of a dead-lettered event with a new event id
// and zero attempts. The dead letter entry is left as it is, so replaying
// twice enqueues two events.
func (s *Service) Replay(ctx context.Context, dlqID uuid.UUID) (*model.OutboxEvent, error) {
	entry, err := s.dlq.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return nil, err
	}

	var replayed *model.OutboxEvent
	err = s.producer.WithTx(ctx, func(tx *event.Tx) error {
		evt, err := tx.Append(ctx,
			entry.OrganizationID,
			entry.EventType,
			entry.EntityType,
			entry.EntityID,
			json.RawMessage(entry.EventData))
		if err != nil {
			return err
		}
		replayed = evt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay dead letter %s: %w", dlqID, err)
	}

	s.logger.Info("Dead letter replayed",
		"dlq_id", dlqID.String(),
		"original_event_id", entry.OriginalEventID.String(),
		"event_id", replayed.ID.String(),
		"organization_id", entry.OrganizationID.String())
	return replayed, nil
}
