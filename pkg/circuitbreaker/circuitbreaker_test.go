package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thedusen/booksphere-outbox/internal/model"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
)

var errDown = errors.New("sink down")

func TestRegistry_TripsPerKey(t *testing.T) {
	var changes []string
	r := NewRegistry(Settings{
		ConsecutiveFailures: 3,
		Timeout:             time.Hour,
		OnStateChange: func(key string, _, to gobreaker.State) {
			changes = append(changes, key+":"+to.String())
		},
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, r.Execute("t1", func() error { return errDown }), errDown)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State("t1"))

	err := r.Execute("t1", func() error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrSinkUnavailable)
	assert.Equal(t, messaging.Unavailable, messaging.Classify(err))

	assert.NoError(t, r.Execute("t2", func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, r.State("t2"))
	assert.Equal(t, []string{"t1:open"}, changes)
}

func TestRegistry_PermanentErrorsDoNotTrip(t *testing.T) {
	r := NewRegistry(Settings{ConsecutiveFailures: 2, Timeout: time.Hour})
	poison := messaging.Permanent(errors.New("bad payload"))

	for i := 0; i < 5; i++ {
		err := r.Execute("t1", func() error { return poison })
		assert.True(t, messaging.IsPermanent(err))
	}
	assert.Equal(t, gobreaker.StateClosed, r.State("t1"))
}

func TestRegistry_HalfOpenAfterTimeout(t *testing.T) {
	r := NewRegistry(Settings{ConsecutiveFailures: 1, Timeout: 50 * time.Millisecond})

	require.Error(t, r.Execute("t1", func() error { return errDown }))
	assert.Equal(t, gobreaker.StateOpen, r.State("t1"))

	time.Sleep(80 * time.Millisecond)
	assert.NoError(t, r.Execute("t1", func() error { return nil }))
	assert.Equal(t, gobreaker.StateClosed, r.State("t1"))
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(Settings{})
	assert.Same(t, r.Get("a"), r.Get("a"))
	assert.NotSame(t, r.Get("a"), r.Get("b"))
}

func TestSink_KeysByOrganization(t *testing.T) {
	down := uuid.New()
	sink := WrapSink(messaging.SinkFunc(func(_ context.Context, evt *model.OutboxEvent) error {
		if evt.OrganizationID == down {
			return errDown
		}
		return nil
	}), NewRegistry(Settings{ConsecutiveFailures: 2, Timeout: time.Hour}))

	bad := &model.OutboxEvent{OrganizationID: down}
	good := &model.OutboxEvent{OrganizationID: uuid.New()}

	assert.ErrorIs(t, sink.Deliver(context.Background(), bad), errDown)
	assert.ErrorIs(t, sink.Deliver(context.Background(), bad), errDown)
	assert.ErrorIs(t, sink.Deliver(context.Background(), bad), apperrors.ErrSinkUnavailable)
	assert.NoError(t, sink.Deliver(context.Background(), good))
}
