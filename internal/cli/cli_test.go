package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sqliteDSN(t *testing.T) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.Join(t.TempDir(), "ctl.db"))
}

// seed applies the schema through the CLI, then dead-letters one event and
// delivers another for org.
func seed(t *testing.T, dsn string, org uuid.UUID) *model.DeadLetterEntry {
	t.Helper()
	_, err := execute(t, "schema", "apply", "--driver", "sqlite3", "--dsn", dsn)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, postgres.Config{Driver: postgres.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := postgres.NewStore(db)

	var events []*model.OutboxEvent
	for i := 0; i < 2; i++ {
		evt, err := model.NewOutboxEvent(org, model.EventTypeCreated, model.EntityTypeFlag, uuid.New(), []byte(`{"flag_id":"f"}`))
		require.NoError(t, err)
		evt.CreatedAt = time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC)
		require.NoError(t, postgres.WithTx(ctx, db, func(tx *sqlx.Tx) error {
			return store.Append(ctx, tx, evt)
		}))
		events = append(events, evt)
	}

	events[0].DeliveryAttempts = 5
	entry, err := store.DeadLetter(ctx, "realtime", events[0], "channel closed")
	require.NoError(t, err)
	require.NoError(t, store.MarkDelivered(ctx, "realtime", events[1], time.Now().UTC()))
	return entry
}

func TestRootCommand_Commands(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"schema", "apply"}, {"schema", "print"},
		{"dlq", "list"}, {"dlq", "show"}, {"dlq", "replay"},
		{"cursor", "show"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "schema", "print", "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestSchemaPrint(t *testing.T) {
	out, err := execute(t, "schema", "print", "--driver", "sqlite3")
	require.NoError(t, err)
	assert.Contains(t, out, "outbox_dlq")
	assert.Contains(t, out, "outbox_cursor")

	_, err = execute(t, "schema", "print", "--driver", "mysql")
	assert.Error(t, err)
}

func TestSchemaApply_Idempotent(t *testing.T) {
	dsn := sqliteDSN(t)
	for i := 0; i < 2; i++ {
		out, err := execute(t, "schema", "apply", "--driver", "sqlite3", "--dsn", dsn)
		require.NoError(t, err)
		assert.Contains(t, out, "schema applied")
	}
}

func TestDLQListShowReplay(t *testing.T) {
	dsn := sqliteDSN(t)
	org := uuid.New()
	entry := seed(t, dsn, org)
	db := []string{"--driver", "sqlite3", "--dsn", dsn}

	out, err := execute(t, append([]string{"dlq", "list", "--org", org.String()}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "DLQ_ID")
	assert.Contains(t, out, entry.ID.String())
	assert.Contains(t, out, "flag.created")
	assert.Contains(t, out, "channel closed")

	out, err = execute(t, append([]string{"dlq", "show", entry.ID.String(), "--format", "json"}, db...)...)
	require.NoError(t, err)
	var shown model.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, entry.OriginalEventID, shown.OriginalEventID)
	assert.Equal(t, 5, shown.DeliveryAttempts)

	out, err = execute(t, append([]string{"dlq", "replay", entry.ID.String(), "--format", "json"}, db...)...)
	require.NoError(t, err)
	var replayed model.OutboxEvent
	require.NoError(t, json.Unmarshal([]byte(out), &replayed))
	assert.NotEqual(t, entry.OriginalEventID, replayed.ID)
	assert.Equal(t, 0, replayed.DeliveryAttempts)
	assert.Equal(t, org, replayed.OrganizationID)

	_, err = execute(t, append([]string{"dlq", "show", uuid.NewString()}, db...)...)
	assert.Error(t, err)
	_, err = execute(t, append([]string{"dlq", "list", "--org", "nope"}, db...)...)
	assert.Error(t, err)
}

func TestCursorShow(t *testing.T) {
	dsn := sqliteDSN(t)
	org := uuid.New()
	seed(t, dsn, org)

	out, err := execute(t, "cursor", "show", "--org", org.String(), "--driver", "sqlite3", "--dsn", dsn, "--format", "json")
	require.NoError(t, err)

	var cursors []model.OutboxCursor
	require.NoError(t, json.Unmarshal([]byte(out), &cursors))
	require.Len(t, cursors, 1)
	assert.Equal(t, "realtime", cursors[0].ProcessorName)
	assert.True(t, cursors[0].LastProcessedAt.Equal(time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)))
}
