// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
)

// NewDB opens a file-backed SQLite database in the test's temp dir with the
// outbox schema applied.
func NewDB(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "outbox.db"))
	db, err := postgres.NewDB(context.Background(), postgres.Config{
		Driver: postgres.DriverSQLite,
		DSN:    dsn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.ApplySchema(context.Background(), db))
	return db
}

// NewStore returns a Store over a fresh SQLite database.
func NewStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewStore(NewDB(t))
}

// AppendEvents commits n events for org, one millisecond apart starting at
// base, and returns them in stream order.
func AppendEvents(t *testing.T, store *postgres.Store, org uuid.UUID, base time.Time, n int) []*model.OutboxEvent {
	t.Helper()

	events := make([]*model.OutboxEvent, 0, n)
	for i := 0; i < n; i++ {
		data, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)

		evt, err := model.NewOutboxEvent(org, model.EventTypeCreated, model.EntityTypeCatalogingJob, uuid.New(), data)
		require.NoError(t, err)
		evt.CreatedAt = base.Add(time.Duration(i) * time.Millisecond).UTC()

		err = postgres.WithTx(context.Background(), store.DB(), func(tx *sqlx.Tx) error {
			return store.Append(context.Background(), tx, evt)
		})
		require.NoError(t, err)
		events = append(events, evt)
	}
	return events
}
