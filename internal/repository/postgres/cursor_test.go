package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/testutil"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
)

func TestGetCursor_NoneOnFirstRun(t *testing.T) {
	store := testutil.NewStore(t)

	cur, err := store.GetCursor(context.Background(), "rt", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestAdvanceCursor_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	org := uuid.New()

	first := model.Position{CreatedAt: baseTime, EventID: uuid.New()}
	later := model.Position{CreatedAt: baseTime.Add(time.Second), EventID: uuid.New()}

	require.NoError(t, store.AdvanceCursor(ctx, "rt", org, first))
	require.NoError(t, store.AdvanceCursor(ctx, "rt", org, later))

	cur, err := store.GetCursor(ctx, "rt", org)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, later.EventID, cur.LastProcessedEventID)
	assert.True(t, cur.LastProcessedAt.Equal(later.CreatedAt))

	err = store.AdvanceCursor(ctx, "rt", org, first)
	assert.ErrorIs(t, err, apperrors.ErrStaleAdvance)
	assert.True(t, apperrors.IsOrderingViolation(err))

	// same position is a no-op
	assert.NoError(t, store.AdvanceCursor(ctx, "rt", org, later))

	cur, err = store.GetCursor(ctx, "rt", org)
	require.NoError(t, err)
	assert.Equal(t, later.EventID, cur.LastProcessedEventID)
}

func TestAdvanceCursor_SameInstantOrdersByEventID(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	org := uuid.New()

	low := model.Position{CreatedAt: baseTime, EventID: uuid.MustParse("00000000-0000-7000-8000-000000000001")}
	high := model.Position{CreatedAt: baseTime, EventID: uuid.MustParse("00000000-0000-7000-8000-000000000002")}

	require.NoError(t, store.AdvanceCursor(ctx, "rt", org, high))
	assert.ErrorIs(t, store.AdvanceCursor(ctx, "rt", org, low), apperrors.ErrStaleAdvance)
}

func TestAdvanceCursor_PartitionedByProcessorAndTenant(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	org, other := uuid.New(), uuid.New()

	late := model.Position{CreatedAt: baseTime.Add(time.Hour), EventID: uuid.New()}
	early := model.Position{CreatedAt: baseTime, EventID: uuid.New()}

	require.NoError(t, store.AdvanceCursor(ctx, "rt", org, late))
	assert.NoError(t, store.AdvanceCursor(ctx, "audit", org, early))
	assert.NoError(t, store.AdvanceCursor(ctx, "rt", other, early))

	cursors, err := store.ListCursors(ctx, org)
	require.NoError(t, err)
	require.Len(t, cursors, 2)
	assert.Equal(t, "audit", cursors[0].ProcessorName)
	assert.Equal(t, "rt", cursors[1].ProcessorName)
}

func TestMarkDelivered_AdvancesCursorTogether(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	org := uuid.New()
	events := testutil.AppendEvents(t, store, org, baseTime, 2)

	deliveredAt := baseTime.Add(time.Minute)
	require.NoError(t, store.MarkDelivered(ctx, "rt", events[0], deliveredAt))
	require.NotNil(t, events[0].DeliveredAt)

	got, err := store.Get(ctx, events[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.DeliveredAt)
	assert.True(t, got.DeliveredAt.Equal(deliveredAt))

	cur, err := store.GetCursor(ctx, "rt", org)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, events[0].ID, cur.LastProcessedEventID)
	assert.True(t, cur.LastProcessedAt.Equal(events[0].CreatedAt))

	err = store.MarkDelivered(ctx, "rt", events[0], deliveredAt)
	assert.ErrorIs(t, err, apperrors.ErrEventNotFound)
}

func TestMarkDelivered_StaleAdvanceRollsBack(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	org := uuid.New()
	events := testutil.AppendEvents(t, store, org, baseTime, 2)

	require.NoError(t, store.AdvanceCursor(ctx, "rt", org, events[1].Position()))

	err := store.MarkDelivered(ctx, "rt", events[0], baseTime)
	require.ErrorIs(t, err, apperrors.ErrStaleAdvance)

	got, err := store.Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeliveredAt, "delivered_at must roll back with the cursor")
}
