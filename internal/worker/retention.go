package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thedusen/booksphere-outbox/internal/repository"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
	"github.com/thedusen/booksphere-outbox/pkg/metrics"
)

const (
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// RetentionWorker purges delivered outbox rows older than the retention
// window. Pending rows are never touched.
type RetentionWorker struct {
	store           repository.EventStore
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *logger.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

func NewRetentionWorker(store repository.EventStore, retention, cleanupInterval time.Duration, log *logger.Logger, m *metrics.Metrics) (*RetentionWorker, error) {
	if store == nil {
		return nil, errors.New("retention worker: store is required")
	}
	if retention == 0 {
		retention = DefaultRetention
	}
	if cleanupInterval == 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if retention < 0 || cleanupInterval < 0 {
		return nil, errors.New("retention worker: retention and interval must be positive")
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &RetentionWorker{
		store:           store,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		logger:          log,
		metrics:         m,
		now:             time.Now,
	}, nil
}

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error(err, "Retention cleanup failed")
			}
		}
	}
}

// Cleanup runs one purge pass and returns the number of rows removed.
func (w *RetentionWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.now().UTC().Add(-w.retention)

	rows, err := w.store.PurgeDelivered(ctx, cutoff)
	if err != nil {
		w.metrics.DatabaseOperations.WithLabelValues("purge_delivered", "error").Inc()
		return 0, fmt.Errorf("failed to purge delivered events: %w", err)
	}
	w.metrics.DatabaseOperations.WithLabelValues("purge_delivered", "success").Inc()
	w.metrics.EventsPurged.Add(float64(rows))

	if rows > 0 {
		w.logger.Info("Purged delivered outbox events", "rows", rows, "cutoff", cutoff.Format(time.RFC3339))
	}
	return rows, nil
}
