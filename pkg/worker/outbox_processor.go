package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/repository"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/lease"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
	"github.com/thedusen/booksphere-outbox/pkg/metrics"
)

const (
	DefaultProcessorName    = "realtime"
	DefaultMaxAttempts      = 5
	DefaultBatchSize        = 50
	DefaultPollInterval     = 2 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffMax       = time.Minute
	DefaultDeliveryTimeout  = 5 * time.Second
	DefaultDiscoveryLimit   = 1000
	DefaultMaxBatchesPerRun = 20

	maxErrorLength = 1024
	wakeBuffer     = 256
)

var ErrPartitionQuarantined = errors.New("partition quarantined after ordering violation")

// OutboxProcessorConfig holds the delivery policy. Zero values take defaults.
type OutboxProcessorConfig struct {
	ProcessorName   string
	MaxAttempts     int
	BatchSize       int
	PollInterval    time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DeliveryTimeout time.Duration
	// Concurrency caps partitions processed at once; 0 is unbounded.
	Concurrency int
	// DiscoveryLimit caps tenants started per poll and the size of one
	// discovery page.
	DiscoveryLimit int
	// MaxBatchesPerRun bounds one partition run so busy tenants yield.
	MaxBatchesPerRun int
	// UnavailableDelay defers a tenant whose sink refused the call outright.
	// Defaults to PollInterval.
	UnavailableDelay time.Duration
}

func DefaultOutboxProcessorConfig() OutboxProcessorConfig {
	cfg := OutboxProcessorConfig{}
	cfg.normalize()
	return cfg
}

func (c *OutboxProcessorConfig) normalize() {
	if c.ProcessorName == "" {
		c.ProcessorName = DefaultProcessorName
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.DiscoveryLimit == 0 {
		c.DiscoveryLimit = DefaultDiscoveryLimit
	}
	if c.MaxBatchesPerRun == 0 {
		c.MaxBatchesPerRun = DefaultMaxBatchesPerRun
	}
	if c.UnavailableDelay == 0 {
		c.UnavailableDelay = c.PollInterval
	}
}

// Validate rejects settings that have no sensible default.
func (c OutboxProcessorConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("MaxAttempts must be greater than 0")
	case c.BatchSize < 1:
		return fmt.Errorf("BatchSize must be greater than 0")
	case c.PollInterval <= 0:
		return fmt.Errorf("PollInterval must be greater than 0")
	case c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("BackoffBase must be positive and not exceed BackoffMax")
	case c.DeliveryTimeout <= 0:
		return fmt.Errorf("DeliveryTimeout must be greater than 0")
	case c.Concurrency < 0:
		return fmt.Errorf("Concurrency must not be negative")
	case c.DiscoveryLimit < 1 || c.MaxBatchesPerRun < 1:
		return fmt.Errorf("DiscoveryLimit and MaxBatchesPerRun must be greater than 0")
	case c.UnavailableDelay < 0:
		return fmt.Errorf("UnavailableDelay must not be negative")
	}
	return nil
}

// StopReason says why a partition run ended.
type StopReason string

const (
	StopDrained           StopReason = "drained"
	StopBatchLimit        StopReason = "batch_limit"
	StopRetryScheduled    StopReason = "retry_scheduled"
	StopSinkUnavailable   StopReason = "sink_unavailable"
	StopConflict          StopReason = "conflict"
	StopOrderingViolation StopReason = "ordering_violation"
	StopQuarantined       StopReason = "quarantined"
	StopLeaseHeld         StopReason = "lease_held"
	StopLeaseLost         StopReason = "lease_lost"
	StopCanceled          StopReason = "canceled"
)

// RunResult summarizes one partition run.
type RunResult struct {
	OrganizationID uuid.UUID
	Delivered      int
	Failed         int
	DeadLettered   int
	// Stranded counts events found pending behind the cursor.
	Stranded int
	Stop     StopReason
	// RetryAt is set when the run stopped on a failing head event.
	RetryAt time.Time
}

type Option func(*OutboxProcessor)

// WithLeases guards every partition run with a distributed lease.
func WithLeases(m *lease.Manager) Option {
	return func(p *OutboxProcessor) { p.leases = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *OutboxProcessor) { p.now = now }
}

// WithBackoff replaces the jittered exponential retry delay.
func WithBackoff(fn func(attempts int) time.Duration) Option {
	return func(p *OutboxProcessor) { p.backoff = fn }
}

// OutboxProcessor delivers each tenant's pending events in stream order.
// Tenants run concurrently; one tenant is only ever processed serially.
type OutboxProcessor struct {
	store   repository.OutboxStore
	sink    messaging.DeliverySink
	config  OutboxProcessorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	leases  *lease.Manager
	now     func() time.Time
	backoff func(attempts int) time.Duration

	// gates holds the earliest next run per tenant. Soft state: lost on restart.
	gates *cache.Cache
	wake  chan uuid.UUID

	// discoveryAfter is where the next poll resumes paging through pending
	// tenants. Owned by the Start loop.
	discoveryAfter *uuid.UUID

	mu          sync.Mutex
	inFlight    map[uuid.UUID]struct{}
	quarantined map[uuid.UUID]error
}

type scheduleOutcome int

const (
	scheduled scheduleOutcome = iota
	skipped
	poolFull
)

func NewOutboxProcessor(
	store repository.OutboxStore,
	sink messaging.DeliverySink,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
	opts ...Option,
) (*OutboxProcessor, error) {
	if store == nil || sink == nil {
		return nil, errors.New("outbox processor: store and sink are required")
	}
	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("outbox processor: %w", err)
	}

	p := &OutboxProcessor{
		store:       store,
		sink:        sink,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		gates:       cache.New(cache.NoExpiration, time.Minute),
		wake:        make(chan uuid.UUID, wakeBuffer),
		inFlight:    make(map[uuid.UUID]struct{}),
		quarantined: make(map[uuid.UUID]error),
	}
	p.backoff = func(attempts int) time.Duration {
		return Backoff(p.config.BackoffBase, p.config.BackoffMax, attempts)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *OutboxProcessor) Config() OutboxProcessorConfig {
	return p.config
}

// Start polls for pending tenants every PollInterval, and immediately for
// tenants passed to Wake, until ctx is cancelled. In-flight partition runs
// finish before Start returns.
func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	var g errgroup.Group
	if p.config.Concurrency > 0 {
		g.SetLimit(p.config.Concurrency)
	}

	p.logger.Info("Starting outbox processor",
		"processor", p.config.ProcessorName,
		"batch_size", p.config.BatchSize,
		"max_attempts", p.config.MaxAttempts,
		"concurrency", p.config.Concurrency)

	p.dispatch(ctx, &g)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			g.Wait()
			return
		case <-ticker.C:
			p.dispatch(ctx, &g)
		case org := <-p.wake:
			p.schedule(ctx, &g, org)
		}
	}
}

// Wake asks for an immediate run of one tenant. It never blocks; a dropped
// wake-up is picked up by the next poll.
func (p *OutboxProcessor) Wake(organizationID uuid.UUID) {
	select {
	case p.wake <- organizationID:
	default:
	}
}

// dispatch starts up to DiscoveryLimit pending tenants. Discovery pages
// through tenants by id and resumes where the previous poll stopped, so
// tenants that are gated, quarantined or already running never take the
// slots of those further down the list.
func (p *OutboxProcessor) dispatch(ctx context.Context, g *errgroup.Group) {
	limit := p.config.DiscoveryLimit
	after := p.discoveryAfter
	wrapped := after == nil
	seen := make(map[uuid.UUID]struct{})
	started := 0
	defer func() { p.discoveryAfter = after }()

	for started < limit {
		orgs, err := p.store.ListPendingOrganizations(ctx, after, limit)
		if err != nil {
			if ctx.Err() == nil {
				p.metrics.DatabaseOperations.WithLabelValues("list_pending_organizations", "error").Inc()
				p.logger.Error(err, "Failed to list pending organizations")
			}
			return
		}
		p.metrics.DatabaseOperations.WithLabelValues("list_pending_organizations", "success").Inc()

		for _, org := range orgs {
			if _, ok := seen[org]; ok {
				// Came around to where this poll began.
				return
			}
			seen[org] = struct{}{}

			switch p.schedule(ctx, g, org) {
			case poolFull:
				// Resume with this tenant next time.
				return
			case scheduled:
				started++
			}
			id := org
			after = &id
			if started >= limit {
				return
			}
		}

		if len(orgs) < limit {
			if wrapped {
				after = nil
				return
			}
			wrapped = true
			after = nil
		}
	}
}

// schedule starts a run for org unless it is gated, quarantined or already
// running here. It reports poolFull when the concurrency limit is reached.
func (p *OutboxProcessor) schedule(ctx context.Context, g *errgroup.Group, org uuid.UUID) scheduleOutcome {
	if p.isGated(org) || p.IsQuarantined(org) {
		return skipped
	}

	p.mu.Lock()
	if _, busy := p.inFlight[org]; busy {
		p.mu.Unlock()
		return skipped
	}
	p.inFlight[org] = struct{}{}
	p.mu.Unlock()

	started := g.TryGo(func() error {
		defer p.release(org)
		res, err := p.ProcessPartition(ctx, org)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error(err, "Partition run failed",
				"organization_id", org.String(),
				"stop", string(res.Stop))
		}
		return nil
	})
	if !started {
		p.release(org)
		return poolFull
	}
	return scheduled
}

func (p *OutboxProcessor) release(org uuid.UUID) {
	p.mu.Lock()
	delete(p.inFlight, org)
	p.mu.Unlock()
}

// ProcessPartition runs one tenant's pending events through the sink in
// (created_at, event_id) order. It stops at the first event that must be
// retried, so later events never overtake it. Backoff gates are honoured by
// the scheduler, not here.
func (p *OutboxProcessor) ProcessPartition(ctx context.Context, organizationID uuid.UUID) (RunResult, error) {
	res := RunResult{OrganizationID: organizationID}
	if p.IsQuarantined(organizationID) {
		res.Stop = StopQuarantined
		return res, fmt.Errorf("partition %s: %w", organizationID, ErrPartitionQuarantined)
	}

	runCtx := ctx
	if p.leases != nil {
		l, err := p.leases.TryAcquire(ctx, p.config.ProcessorName, organizationID)
		if errors.Is(err, apperrors.ErrLeaseNotHeld) {
			p.metrics.LeaseContention.WithLabelValues(p.config.ProcessorName, "held").Inc()
			res.Stop = StopLeaseHeld
			return res, nil
		}
		if err != nil {
			return res, err
		}
		defer p.releaseLease(ctx, l)
		runCtx = l.Context()
	}

	p.metrics.PartitionsInFlight.Inc()
	defer p.metrics.PartitionsInFlight.Dec()
	timer := prometheus.NewTimer(p.metrics.BatchDuration)
	defer timer.ObserveDuration()

	log := p.logger.WithFields(map[string]interface{}{
		"processor":       p.config.ProcessorName,
		"organization_id": organizationID.String(),
	})

	for batch := 0; batch < p.config.MaxBatchesPerRun; batch++ {
		done, err := p.runBatch(runCtx, organizationID, &res, log)
		if done || err != nil {
			return res, err
		}
	}
	res.Stop = StopBatchLimit
	return res, nil
}

func (p *OutboxProcessor) releaseLease(ctx context.Context, l *lease.Lease) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.Release(releaseCtx); err != nil && !l.Lost() {
		p.logger.Warn("Failed to release partition lease", "key", l.Key(), "error", err.Error())
	}
}

// runBatch reads the cursor, scans one batch and processes it. It reports
// done when the run should end.
func (p *OutboxProcessor) runBatch(ctx context.Context, org uuid.UUID, res *RunResult, log *logger.Logger) (bool, error) {
	cur, err := p.store.GetCursor(ctx, p.config.ProcessorName, org)
	if err != nil {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		return true, fmt.Errorf("read cursor: %w", err)
	}
	var after *model.Position
	if cur != nil {
		pos := cur.Position()
		after = &pos
	}

	events, err := p.store.ScanPending(ctx, org, after, p.config.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		p.metrics.DatabaseOperations.WithLabelValues("scan_pending", "error").Inc()
		return true, fmt.Errorf("scan pending: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("scan_pending", "success").Inc()

	for _, evt := range events {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		stop, err := p.processEvent(ctx, evt, false, res, log)
		if stop || err != nil {
			return true, err
		}
	}

	if len(events) < p.config.BatchSize {
		stop, err := p.recoverStranded(ctx, org, res, log)
		if stop || err != nil {
			return true, err
		}
		res.Stop = StopDrained
		return true, nil
	}
	return false, nil
}

// recoverStranded delivers events that committed behind the cursor, such as
// a long transaction whose created_at predates events already delivered.
// They go out late and the cursor stays where it is.
func (p *OutboxProcessor) recoverStranded(ctx context.Context, org uuid.UUID, res *RunResult, log *logger.Logger) (bool, error) {
	cur, err := p.store.GetCursor(ctx, p.config.ProcessorName, org)
	if err != nil {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		return true, fmt.Errorf("read cursor: %w", err)
	}
	if cur == nil {
		return false, nil
	}

	events, err := p.store.ScanStranded(ctx, org, cur.Position(), p.config.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		p.metrics.DatabaseOperations.WithLabelValues("scan_stranded", "error").Inc()
		return true, fmt.Errorf("scan stranded: %w", err)
	}
	p.metrics.DatabaseOperations.WithLabelValues("scan_stranded", "success").Inc()

	for _, evt := range events {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		res.Stranded++
		p.metrics.StrandedEvents.WithLabelValues(p.config.ProcessorName).Inc()
		log.Warn("Event committed behind the cursor, delivering out of order",
			"event_id", evt.ID.String(),
			"created_at", evt.CreatedAt.Format(time.RFC3339Nano),
			"cursor_event_id", cur.LastProcessedEventID.String(),
			"attempts", evt.DeliveryAttempts)

		stop, err := p.processEvent(ctx, evt, true, res, log)
		if stop || err != nil {
			return true, err
		}
	}
	return false, nil
}

// processEvent delivers one event and records the outcome. It reports stop
// when the partition must not move past this event for now. A stranded event
// sits behind the cursor, so settling it leaves the cursor alone.
func (p *OutboxProcessor) processEvent(ctx context.Context, evt *model.OutboxEvent, stranded bool, res *RunResult, log *logger.Logger) (bool, error) {
	evtLog := log.WithFields(map[string]interface{}{
		"event_id":    evt.ID.String(),
		"event_type":  string(evt.EventType),
		"entity_type": string(evt.EntityType),
		"entity_id":   evt.EntityID.String(),
	})

	deliverCtx, cancel := context.WithTimeout(ctx, p.config.DeliveryTimeout)
	start := time.Now()
	deliverErr := p.sink.Deliver(deliverCtx, evt)
	cancel()
	p.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())

	if deliverErr == nil {
		if stranded {
			return p.markStrandedDelivered(ctx, evt, res, evtLog)
		}
		return p.markDelivered(ctx, evt, res, evtLog)
	}
	if ctx.Err() != nil {
		// Shutdown or lease loss is not the event's failure.
		return true, p.interrupted(ctx, res)
	}

	class := messaging.Classify(deliverErr)
	p.metrics.DeliveryFailures.WithLabelValues(p.config.ProcessorName, class.String()).Inc()

	if class == messaging.Unavailable {
		retryAt := p.now().Add(p.config.UnavailableDelay)
		p.gate(evt.OrganizationID, retryAt)
		res.Stop = StopSinkUnavailable
		res.RetryAt = retryAt
		evtLog.Warn("Sink unavailable, deferring partition", "error", deliverErr.Error())
		return true, nil
	}

	reason := truncateError(deliverErr.Error())
	attempts, err := p.store.RecordFailure(ctx, evt.ID, reason)
	if err != nil {
		if ctx.Err() != nil {
			return true, p.interrupted(ctx, res)
		}
		return true, fmt.Errorf("record failure for %s: %w", evt.ID, err)
	}
	evt.DeliveryAttempts = attempts
	evt.LastError = &reason
	res.Failed++

	if class == messaging.PermanentFailure || attempts >= p.config.MaxAttempts {
		return p.deadLetter(ctx, evt, stranded, deliverErr, reason, res, evtLog)
	}

	delay := p.backoff(attempts)
	retryAt := p.now().Add(delay)
	p.gate(evt.OrganizationID, retryAt)
	res.Stop = StopRetryScheduled
	res.RetryAt = retryAt
	evtLog.Warn("Delivery failed, retry scheduled",
		"attempts", attempts,
		"error", reason,
		"retry_in", delay.String())
	return true, nil
}

func (p *OutboxProcessor) markDelivered(ctx context.Context, evt *model.OutboxEvent, res *RunResult, log *logger.Logger) (bool, error) {
	err := p.store.MarkDelivered(ctx, p.config.ProcessorName, evt, p.now().UTC().Truncate(time.Microsecond))
	switch {
	case err == nil:
		res.Delivered++
		p.metrics.EventsDelivered.WithLabelValues(p.config.ProcessorName).Inc()
		log.Debug("Event delivered")
		return false, nil
	case errors.Is(err, apperrors.ErrStaleAdvance):
		return true, p.orderingViolation(evt.OrganizationID, err, res, log)
	case errors.Is(err, apperrors.ErrEventNotFound):
		log.Warn("Event changed during delivery, rescanning on next run")
		res.Stop = StopConflict
		return true, nil
	case ctx.Err() != nil:
		return true, p.interrupted(ctx, res)
	}
	return true, fmt.Errorf("mark delivered %s: %w", evt.ID, err)
}

func (p *OutboxProcessor) markStrandedDelivered(ctx context.Context, evt *model.OutboxEvent, res *RunResult, log *logger.Logger) (bool, error) {
	deliveredAt := p.now().UTC().Truncate(time.Microsecond)
	err := p.store.MarkStrandedDelivered(ctx, evt.ID, deliveredAt)
	switch {
	case err == nil:
		evt.DeliveredAt = &deliveredAt
		res.Delivered++
		p.metrics.EventsDelivered.WithLabelValues(p.config.ProcessorName).Inc()
		log.Info("Stranded event delivered")
		return false, nil
	case errors.Is(err, apperrors.ErrEventNotFound):
		log.Warn("Event changed during delivery, rescanning on next run")
		res.Stop = StopConflict
		return true, nil
	case ctx.Err() != nil:
		return true, p.interrupted(ctx, res)
	}
	return true, fmt.Errorf("mark stranded delivered %s: %w", evt.ID, err)
}

func (p *OutboxProcessor) deadLetter(ctx context.Context, evt *model.OutboxEvent, stranded bool, cause error, reason string, res *RunResult, log *logger.Logger) (bool, error) {
	var (
		entry *model.DeadLetterEntry
		err   error
	)
	if stranded {
		entry, err = p.store.DeadLetterStranded(ctx, evt, reason)
	} else {
		entry, err = p.store.DeadLetter(ctx, p.config.ProcessorName, evt, reason)
	}
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrAlreadyDeadLettered):
		log.Warn("Event was already dead-lettered", "attempts", evt.DeliveryAttempts)
		return false, nil
	case errors.Is(err, apperrors.ErrStaleAdvance):
		return true, p.orderingViolation(evt.OrganizationID, err, res, log)
	case ctx.Err() != nil:
		return true, p.interrupted(ctx, res)
	default:
		return true, fmt.Errorf("dead-letter %s: %w", evt.ID, err)
	}

	res.DeadLettered++
	p.metrics.EventsDeadLettered.WithLabelValues(p.config.ProcessorName).Inc()
	log.Error(cause, "Event dead-lettered",
		"dlq_id", entry.ID.String(),
		"attempts", evt.DeliveryAttempts,
		"last_error", reason,
		"event_data", string(evt.EventData))
	return false, nil
}

// orderingViolation quarantines the tenant in this process. The deferred
// lease release in ProcessPartition hands the partition back.
func (p *OutboxProcessor) orderingViolation(org uuid.UUID, err error, res *RunResult, log *logger.Logger) error {
	p.mu.Lock()
	p.quarantined[org] = err
	p.mu.Unlock()

	p.metrics.OrderingViolations.WithLabelValues(p.config.ProcessorName).Inc()
	log.Error(err, "Ordering violation, partition quarantined")
	res.Stop = StopOrderingViolation
	return err
}

func (p *OutboxProcessor) interrupted(ctx context.Context, res *RunResult) error {
	if errors.Is(context.Cause(ctx), apperrors.ErrLeaseLost) {
		res.Stop = StopLeaseLost
		p.metrics.LeaseContention.WithLabelValues(p.config.ProcessorName, "lost").Inc()
		return apperrors.ErrLeaseLost
	}
	res.Stop = StopCanceled
	return ctx.Err()
}

func (p *OutboxProcessor) gate(org uuid.UUID, until time.Time) {
	d := until.Sub(p.now())
	if d <= 0 {
		p.gates.Delete(org.String())
		return
	}
	p.gates.Set(org.String(), until, d)
}

func (p *OutboxProcessor) isGated(org uuid.UUID) bool {
	_, gated := p.RetryAt(org)
	return gated
}

// RetryAt returns when a backed-off tenant becomes eligible again.
func (p *OutboxProcessor) RetryAt(org uuid.UUID) (time.Time, bool) {
	v, ok := p.gates.Get(org.String())
	if !ok {
		return time.Time{}, false
	}
	until := v.(time.Time)
	if !p.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

func (p *OutboxProcessor) IsQuarantined(org uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.quarantined[org]
	return ok
}

// Quarantined lists tenants stopped by an ordering violation.
func (p *OutboxProcessor) Quarantined() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	orgs := make([]uuid.UUID, 0, len(p.quarantined))
	for org := range p.quarantined {
		orgs = append(orgs, org)
	}
	return orgs
}

// ClearQuarantine lets an operator resume a tenant after investigation.
func (p *OutboxProcessor) ClearQuarantine(org uuid.UUID) {
	p.mu.Lock()
	delete(p.quarantined, org)
	p.mu.Unlock()
}

// truncateError caps msg at maxErrorLength bytes of valid UTF-8; Postgres
// TEXT rejects anything else.
func truncateError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
