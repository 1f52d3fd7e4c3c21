package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
)

// Service is the producer side of the outbox. Domain code appends events in
// the same transaction as the business write.
type Service struct {
	db     *sqlx.DB
	events repository.EventStore
	waker  Waker
	logger *logger.Logger
}

type Option func(*Service)

// WithWaker nudges the processor for every tenant that had events committed.
func WithWaker(w Waker) Option {
	return func(s *Service) { s.waker = w }
}

func NewService(db *sqlx.DB, events repository.EventStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{db: db, events: events, logger: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tx is a database transaction that remembers which tenants it appended
// events for.
type Tx struct {
	*sqlx.Tx
	svc *Service

	mu   sync.Mutex
	orgs map[uuid.UUID]struct{}
}

// WithTx runs fn in a transaction. The domain write and its events commit or
// roll back together. After commit the waker, if any, is called per tenant;
// wake failures are logged since the poll loop picks the events up anyway.
func (s *Service) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if s.db == nil {
		return errors.New("event service: database is required")
	}
	var appended *Tx
	err := postgres.WithTx(ctx, s.db, func(sqlTx *sqlx.Tx) error {
		appended = &Tx{Tx: sqlTx, svc: s, orgs: make(map[uuid.UUID]struct{})}
		return fn(appended)
	})
	if err != nil {
		return err
	}

	if s.waker == nil {
		return nil
	}
	for org := range appended.orgs {
		if werr := s.waker.Wake(ctx, org); werr != nil {
			s.logger.Warn("Failed to publish wake-up",
				"organization_id", org.String(),
				"error", werr.Error())
		}
	}
	return nil
}

// Append validates and writes one event inside tx.
func (s *Service) Append(
	ctx context.Context,
	tx *sqlx.Tx,
	organizationID uuid.UUID,
	eventType model.EventType,
	entityType model.EntityType,
	entityID uuid.UUID,
	eventData json.RawMessage,
) (*model.OutboxEvent, error) {
	evt, err := model.NewOutboxEvent(organizationID, eventType, entityType, entityID, eventData)
	if err != nil {
		return nil, err
	}
	if err := s.events.Append(ctx, tx, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// Append writes one event in the transaction.
func (t *Tx) Append(
	ctx context.Context,
	organizationID uuid.UUID,
	eventType model.EventType,
	entityType model.EntityType,
	entityID uuid.UUID,
	eventData json.RawMessage,
) (*model.OutboxEvent, error) {
	evt, err := t.svc.Append(ctx, t.Tx, organizationID, eventType, entityType, entityID, eventData)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.orgs[organizationID] = struct{}{}
	t.mu.Unlock()
	return evt, nil
}

func (t *Tx) appendRef(ctx context.Context, org uuid.UUID, eventType model.EventType, entityType model.EntityType, entityID uuid.UUID, ref interface{}) (*model.OutboxEvent, error) {
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return t.Append(ctx, org, eventType, entityType, entityID, data)
}

func (t *Tx) CatalogingJobCreated(ctx context.Context, org uuid.UUID, job CatalogingJobRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeCreated, model.EntityTypeCatalogingJob, job.JobID, job)
}

func (t *Tx) CatalogingJobUpdated(ctx context.Context, org uuid.UUID, job CatalogingJobRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeUpdated, model.EntityTypeCatalogingJob, job.JobID, job)
}

func (t *Tx) CatalogingJobDeleted(ctx context.Context, org uuid.UUID, job CatalogingJobRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeDeleted, model.EntityTypeCatalogingJob, job.JobID, job)
}

func (t *Tx) FlagCreated(ctx context.Context, org uuid.UUID, flag FlagRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeCreated, model.EntityTypeFlag, flag.FlagID, flag)
}

func (t *Tx) FlagUpdated(ctx context.Context, org uuid.UUID, flag FlagRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeUpdated, model.EntityTypeFlag, flag.FlagID, flag)
}

func (t *Tx) FlagDeleted(ctx context.Context, org uuid.UUID, flag FlagRef) (*model.OutboxEvent, error) {
	return t.appendRef(ctx, org, model.EventTypeDeleted, model.EntityTypeFlag, flag.FlagID, flag)
}
