package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return WithTx(ctx, r.db, fn)
}

// WithTx runs fn in a transaction on db, rolling back on error or panic.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// isPostgres reports whether row locks are available.
func (r *BaseRepository) isPostgres() bool {
	return isPostgresDriver(r.db.DriverName())
}

// forUpdate returns a row-lock suffix for dialects that support it.
func (r *BaseRepository) forUpdate() string {
	if r.isPostgres() {
		return " FOR UPDATE"
	}
	return ""
}

func isPostgresDriver(name string) bool {
	return name == DriverPostgres || name == "pgx"
}
