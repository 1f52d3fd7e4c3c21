package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/thedusen/booksphere-outbox/internal/repository"
)

// Store bundles the three outbox repositories over one database handle.
type Store struct {
	repository.EventStore
	repository.DeadLetterStore
	repository.CursorStore

	base BaseRepository
}

func NewStore(db *sqlx.DB) *Store {
	base := NewBaseRepository(db)
	return &Store{
		EventStore:      NewOutboxRepository(base),
		DeadLetterStore: NewDeadLetterRepository(base),
		CursorStore:     NewCursorRepository(base),
		base:            base,
	}
}

// DB returns the underlying handle, for producers that open their own transactions.
func (s *Store) DB() *sqlx.DB {
	return s.base.GetDB()
}

var _ repository.OutboxStore = (*Store)(nil)
