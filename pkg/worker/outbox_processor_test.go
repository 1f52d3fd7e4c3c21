package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
	fixtures "github.com/thedusen/booksphere-outbox/internal/testutil"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/lease"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
	"github.com/thedusen/booksphere-outbox/pkg/metrics"
)

const testProcessor = "rt"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingSink records delivered event ids and fails whatever fail returns
// an error for.
type recordingSink struct {
	mu        sync.Mutex
	delivered []uuid.UUID
	calls     int
	fail      func(evt *model.OutboxEvent) error
}

func (s *recordingSink) Deliver(_ context.Context, evt *model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(evt); err != nil {
			return err
		}
	}
	s.delivered = append(s.delivered, evt.ID)
	return nil
}

func (s *recordingSink) Delivered() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.delivered...)
}

func (s *recordingSink) setFail(fn func(evt *model.OutboxEvent) error) {
	s.mu.Lock()
	s.fail = fn
	s.mu.Unlock()
}

// faultyStore injects MarkDelivered errors before delegating.
type faultyStore struct {
	repository.OutboxStore
	mu      sync.Mutex
	markErr []error
}

func (s *faultyStore) MarkDelivered(ctx context.Context, name string, evt *model.OutboxEvent, at time.Time) error {
	s.mu.Lock()
	if len(s.markErr) > 0 {
		err := s.markErr[0]
		s.markErr = s.markErr[1:]
		s.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		s.mu.Unlock()
	}
	return s.OutboxStore.MarkDelivered(ctx, name, evt, at)
}

func newProcessor(t *testing.T, store repository.OutboxStore, sink messaging.DeliverySink, cfg OutboxProcessorConfig, opts ...Option) (*OutboxProcessor, *metrics.Metrics) {
	t.Helper()
	if cfg.ProcessorName == "" {
		cfg.ProcessorName = testProcessor
	}
	m := metrics.NewNop()
	opts = append([]Option{WithBackoff(func(int) time.Duration { return 0 })}, opts...)
	p, err := NewOutboxProcessor(store, sink, cfg, logger.Nop(), m, opts...)
	require.NoError(t, err)
	return p, m
}

func ids(events []*model.OutboxEvent) []uuid.UUID {
	out := make([]uuid.UUID, len(events))
	for i, evt := range events {
		out[i] = evt.ID
	}
	return out
}

func TestNewOutboxProcessor_Config(t *testing.T) {
	store := fixtures.NewStore(t)
	sink := &recordingSink{}

	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{})
	cfg := p.Config()
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultBackoffBase, cfg.BackoffBase)
	assert.Equal(t, DefaultBackoffMax, cfg.BackoffMax)
	assert.Equal(t, DefaultDeliveryTimeout, cfg.DeliveryTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.UnavailableDelay)

	_, err := NewOutboxProcessor(store, sink, OutboxProcessorConfig{BatchSize: -1}, logger.Nop(), metrics.NewNop())
	assert.Error(t, err)
	_, err = NewOutboxProcessor(store, sink, OutboxProcessorConfig{BackoffBase: time.Minute, BackoffMax: time.Second}, logger.Nop(), metrics.NewNop())
	assert.Error(t, err)
	_, err = NewOutboxProcessor(nil, sink, OutboxProcessorConfig{}, logger.Nop(), metrics.NewNop())
	assert.Error(t, err)
}

// Three events go out in order and the cursor lands on the last one.
func TestProcessPartition_DeliversInOrder(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 3)

	sink := &recordingSink{}
	p, m := newProcessor(t, store, sink, OutboxProcessorConfig{})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, StopDrained, res.Stop)
	assert.Equal(t, ids(events), sink.Delivered())

	for _, evt := range events {
		got, err := store.Get(ctx, evt.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.DeliveredAt)
	}

	cur, err := store.GetCursor(ctx, testProcessor, org)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, events[2].ID, cur.LastProcessedEventID)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues(testProcessor)))

	again, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Delivered)
	assert.Len(t, sink.Delivered(), 3)
}

func TestProcessPartition_PagesThroughBatches(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 7)

	sink := &recordingSink{}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{BatchSize: 3})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Delivered)
	assert.Equal(t, StopDrained, res.Stop)
	assert.Equal(t, ids(events), sink.Delivered())
}

func TestProcessPartition_BatchLimitYields(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	fixtures.AppendEvents(t, store, org, t0, 4)

	p, _ := newProcessor(t, store, &recordingSink{}, OutboxProcessorConfig{BatchSize: 2, MaxBatchesPerRun: 1})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, StopBatchLimit, res.Stop)

	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
}

// A channel that keeps timing out exhausts the attempt budget.
func TestProcessPartition_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 1)

	sink := &recordingSink{fail: func(*model.OutboxEvent) error { return errors.New("channel timeout") }}
	p, m := newProcessor(t, store, sink, OutboxProcessorConfig{MaxAttempts: 5})

	for attempt := 1; attempt <= 4; attempt++ {
		res, err := p.ProcessPartition(ctx, org)
		require.NoError(t, err)
		assert.Equal(t, StopRetryScheduled, res.Stop)

		got, err := store.Get(ctx, events[0].ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.DeliveryAttempts)
		assert.Nil(t, got.DeliveredAt)
	}

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	entries, err := store.ListDeadLetters(ctx, org, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events[0].ID, entries[0].OriginalEventID)
	assert.Equal(t, 5, entries[0].DeliveryAttempts)
	assert.Equal(t, "channel timeout", entries[0].LastError)

	pending, err := store.ScanPending(ctx, org, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDeadLettered.WithLabelValues(testProcessor)))

	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 0, res.DeadLettered)
	assert.Equal(t, 5, sink.calls)
}

func TestProcessPartition_FailureBlocksLaterEvents(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 3)

	sink := &recordingSink{fail: func(evt *model.OutboxEvent) error {
		if evt.ID == events[1].ID {
			return errors.New("flaky")
		}
		return nil
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopRetryScheduled, res.Stop)
	assert.Equal(t, []uuid.UUID{events[0].ID}, sink.Delivered())

	third, err := store.Get(ctx, events[2].ID)
	require.NoError(t, err)
	assert.Nil(t, third.DeliveredAt, "later events must wait for the failing head")

	sink.setFail(nil)
	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, ids(events), sink.Delivered())
}

func TestProcessPartition_PermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 2)

	sink := &recordingSink{fail: func(evt *model.OutboxEvent) error {
		if evt.ID == events[0].ID {
			return messaging.Permanent(errors.New("schema rejected"))
		}
		return nil
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []uuid.UUID{events[1].ID}, sink.Delivered())

	entries, err := store.ListDeadLetters(ctx, org, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].DeliveryAttempts)
}

func TestProcessPartition_UnavailableSinkKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 1)

	sink := &recordingSink{fail: func(*model.OutboxEvent) error {
		return apperrors.ErrSinkUnavailable
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{UnavailableDelay: time.Hour})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopSinkUnavailable, res.Stop)

	got, err := store.Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DeliveryAttempts)

	retryAt, gated := p.RetryAt(org)
	assert.True(t, gated)
	assert.True(t, retryAt.After(time.Now().Add(59*time.Minute)))
}

func TestProcessPartition_RetryGatesScheduler(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	fixtures.AppendEvents(t, store, org, t0, 1)

	sink := &recordingSink{fail: func(*model.OutboxEvent) error { return errors.New("down") }}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{},
		WithBackoff(func(attempts int) time.Duration { return time.Duration(attempts) * time.Hour }))

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopRetryScheduled, res.Stop)
	assert.True(t, p.isGated(org))
	assert.False(t, p.isGated(uuid.New()))
}

// A failing tenant does not hold back another tenant.
func TestProcessPartition_TenantsIsolated(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	t1, t2 := uuid.New(), uuid.New()
	fixtures.AppendEvents(t, store, t1, t0, 2)
	ev2 := fixtures.AppendEvents(t, store, t2, t0, 2)

	sink := &recordingSink{fail: func(evt *model.OutboxEvent) error {
		if evt.OrganizationID == t1 {
			return errors.New("t1 channel down")
		}
		return nil
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{})

	_, err := p.ProcessPartition(ctx, t1)
	require.NoError(t, err)
	res, err := p.ProcessPartition(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, ids(ev2), sink.Delivered())

	pending, err := store.ScanPending(ctx, t1, nil, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// A crash between delivery and the cursor write redelivers the event.
func TestProcessPartition_CrashBeforeAdvanceRedelivers(t *testing.T) {
	ctx := context.Background()
	base := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, base, org, t0, 2)

	store := &faultyStore{OutboxStore: base, markErr: []error{errors.New("connection reset")}}
	sink := &recordingSink{}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{})

	_, err := p.ProcessPartition(ctx, org)
	require.Error(t, err)

	cur, err := base.GetCursor(ctx, testProcessor, org)
	require.NoError(t, err)
	assert.Nil(t, cur, "cursor must stay behind the unconfirmed event")

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []uuid.UUID{events[0].ID, events[0].ID, events[1].ID}, sink.Delivered())

	cur, err = base.GetCursor(ctx, testProcessor, org)
	require.NoError(t, err)
	assert.Equal(t, events[1].ID, cur.LastProcessedEventID)
}

func TestProcessPartition_StaleAdvanceQuarantines(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	leases, err := lease.NewManager(client, lease.Config{Prefix: "test", TTL: 15 * time.Second}, nil)
	require.NoError(t, err)

	base := fixtures.NewStore(t)
	org, other := uuid.New(), uuid.New()
	fixtures.AppendEvents(t, base, org, t0, 1)
	fixtures.AppendEvents(t, base, other, t0, 1)

	store := &faultyStore{OutboxStore: base, markErr: []error{apperrors.ErrStaleAdvance}}
	p, m := newProcessor(t, store, &recordingSink{}, OutboxProcessorConfig{}, WithLeases(leases))

	res, err := p.ProcessPartition(ctx, org)
	require.ErrorIs(t, err, apperrors.ErrStaleAdvance)
	assert.Equal(t, StopOrderingViolation, res.Stop)
	assert.True(t, p.IsQuarantined(org))
	assert.Equal(t, []uuid.UUID{org}, p.Quarantined())
	assert.False(t, mr.Exists(leases.Key(testProcessor, org)), "lease must be released")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrderingViolations.WithLabelValues(testProcessor)))

	_, err = p.ProcessPartition(ctx, org)
	assert.ErrorIs(t, err, ErrPartitionQuarantined)

	res, err = p.ProcessPartition(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	p.ClearQuarantine(org)
	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestProcessPartition_SkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	leases, err := lease.NewManager(client, lease.Config{Prefix: "test", TTL: 15 * time.Second}, nil)
	require.NoError(t, err)

	store := fixtures.NewStore(t)
	org := uuid.New()
	fixtures.AppendEvents(t, store, org, t0, 1)

	held, err := leases.TryAcquire(ctx, testProcessor, org)
	require.NoError(t, err)
	defer held.Release(ctx)

	sink := &recordingSink{}
	p, m := newProcessor(t, store, sink, OutboxProcessorConfig{}, WithLeases(leases))

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopLeaseHeld, res.Stop)
	assert.Empty(t, sink.Delivered())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseContention.WithLabelValues(testProcessor, "held")))
}

func TestProcessPartition_LeaseLossStopsWithoutConsumingAttempt(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	leases, err := lease.NewManager(client, lease.Config{Prefix: "test", TTL: 60 * time.Millisecond}, nil)
	require.NoError(t, err)

	store := fixtures.NewStore(t)
	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 1)

	sink := messaging.SinkFunc(func(ctx context.Context, _ *model.OutboxEvent) error {
		// another worker takes over while this delivery is in flight
		if err := mr.Set(leases.Key(testProcessor, org), "other-worker"); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{DeliveryTimeout: 5 * time.Second}, WithLeases(leases))

	res, err := p.ProcessPartition(ctx, org)
	require.ErrorIs(t, err, apperrors.ErrLeaseLost)
	assert.Equal(t, StopLeaseLost, res.Stop)

	got, err := store.Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DeliveryAttempts)
	assert.Equal(t, "other-worker", mustGet(t, mr, leases.Key(testProcessor, org)))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestStart_DeliversAcrossTenants(t *testing.T) {
	store := fixtures.NewStore(t)
	t1, t2 := uuid.New(), uuid.New()
	fixtures.AppendEvents(t, store, t1, t0, 2)
	ev2 := fixtures.AppendEvents(t, store, t2, t0, 3)

	sink := &recordingSink{fail: func(evt *model.OutboxEvent) error {
		if evt.OrganizationID == t1 {
			return errors.New("t1 down")
		}
		return nil
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{PollInterval: 10 * time.Millisecond, Concurrency: 2},
		WithBackoff(func(int) time.Duration { return time.Hour }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(sink.Delivered()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids(ev2), sink.Delivered())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	pending, err := store.ScanPending(context.Background(), t1, nil, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.GreaterOrEqual(t, pending[0].DeliveryAttempts, 1)
}

func TestStart_WakeTriggersRun(t *testing.T) {
	store := fixtures.NewStore(t)
	sink := &recordingSink{}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	org := uuid.New()
	events := fixtures.AppendEvents(t, store, org, t0, 2)
	p.Wake(org)

	assert.Eventually(t, func() bool {
		return len(sink.Delivered()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids(events), sink.Delivered())
}

// An event whose transaction commits after a later event was delivered sits
// behind the cursor. It still goes out, and the cursor does not move back.
func TestProcessPartition_DeliversEventCommittedBehindCursor(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	later := fixtures.AppendEvents(t, store, org, t0.Add(10*time.Millisecond), 1)

	sink := &recordingSink{}
	p, m := newProcessor(t, store, sink, OutboxProcessorConfig{})

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)

	early := fixtures.AppendEvents(t, store, org, t0, 1)

	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopDrained, res.Stop)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Stranded)
	assert.Equal(t, []uuid.UUID{later[0].ID, early[0].ID}, sink.Delivered())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StrandedEvents.WithLabelValues(testProcessor)))

	got, err := store.Get(ctx, early[0].ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeliveredAt)

	cur, err := store.GetCursor(ctx, testProcessor, org)
	require.NoError(t, err)
	assert.Equal(t, later[0].ID, cur.LastProcessedEventID)

	orgs, err := store.ListPendingOrganizations(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, orgs)

	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Stranded)
	assert.Len(t, sink.Delivered(), 2)
}

func TestProcessPartition_StrandedEventRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	store := fixtures.NewStore(t)
	org := uuid.New()
	later := fixtures.AppendEvents(t, store, org, t0.Add(10*time.Millisecond), 1)

	sink := &recordingSink{}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{MaxAttempts: 2})
	_, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)

	early := fixtures.AppendEvents(t, store, org, t0, 1)
	sink.setFail(func(*model.OutboxEvent) error { return errors.New("channel timeout") })

	res, err := p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, StopRetryScheduled, res.Stop)
	got, err := store.Get(ctx, early[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeliveryAttempts)

	res, err = p.ProcessPartition(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	_, err = store.Get(ctx, early[0].ID)
	assert.ErrorIs(t, err, apperrors.ErrEventNotFound)
	entries, err := store.ListDeadLetters(ctx, org, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, early[0].ID, entries[0].OriginalEventID)
	assert.Equal(t, 2, entries[0].DeliveryAttempts)

	cur, err := store.GetCursor(ctx, testProcessor, org)
	require.NoError(t, err)
	assert.Equal(t, later[0].ID, cur.LastProcessedEventID)
}

func TestDispatch_SkippedTenantsDoNotTakeSlots(t *testing.T) {
	store := fixtures.NewStore(t)
	a := uuid.MustParse("10000000-0000-7000-8000-000000000000")
	b := uuid.MustParse("20000000-0000-7000-8000-000000000000")
	c := uuid.MustParse("30000000-0000-7000-8000-000000000000")
	fixtures.AppendEvents(t, store, a, t0, 1)
	evB := fixtures.AppendEvents(t, store, b, t0, 1)
	evC := fixtures.AppendEvents(t, store, c, t0, 1)

	sink := &recordingSink{}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{DiscoveryLimit: 2})
	p.gate(a, p.now().Add(time.Hour))

	var g errgroup.Group
	p.dispatch(context.Background(), &g)
	require.NoError(t, g.Wait())

	assert.ElementsMatch(t, []uuid.UUID{evB[0].ID, evC[0].ID}, sink.Delivered())
}

func TestStart_DiscoveryReachesTenantsPastStuckOne(t *testing.T) {
	store := fixtures.NewStore(t)
	stuck := uuid.MustParse("00000000-0000-7000-8000-000000000001")
	healthy := uuid.MustParse("ffffffff-ffff-7fff-bfff-ffffffffffff")
	fixtures.AppendEvents(t, store, stuck, t0, 1)
	evH := fixtures.AppendEvents(t, store, healthy, t0, 1)

	sink := &recordingSink{fail: func(evt *model.OutboxEvent) error {
		if evt.OrganizationID == stuck {
			return errors.New("stuck channel")
		}
		return nil
	}}
	p, _ := newProcessor(t, store, sink, OutboxProcessorConfig{PollInterval: 10 * time.Millisecond, DiscoveryLimit: 1},
		WithBackoff(func(int) time.Duration { return time.Hour }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(sink.Delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids(evH), sink.Delivered())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestTruncateError(t *testing.T) {
	long := make([]byte, maxErrorLength+10)
	for i := range long {
		long[i] = 'e'
	}
	assert.Len(t, truncateError(string(long)), maxErrorLength)
	assert.Equal(t, "short", truncateError("short"))

	split := strings.Repeat("a", maxErrorLength-1) + "é tail"
	got := truncateError(split)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", maxErrorLength-1), got)

	assert.Equal(t, "bad \uFFFD byte", truncateError("bad \xff byte"))
}

var _ repository.OutboxStore = (*postgres.Store)(nil)
