// Package lease grants exclusive, heartbeat-renewed ownership of one
// (processor, tenant) partition across worker processes using Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// DefaultTTL bounds how long a crashed holder blocks its partition.
const DefaultTTL = 15 * time.Second

type Config struct {
	Prefix string
	TTL    time.Duration
	// RenewInterval defaults to TTL/3.
	RenewInterval time.Duration
}

type Manager struct {
	client redis.UniversalClient
	cfg    Config
	logger *logger.Logger
}

func NewManager(client redis.UniversalClient, cfg Config, log *logger.Logger) (*Manager, error) {
	if client == nil {
		return nil, errors.New("lease: redis client is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < 0 {
		return nil, errors.New("lease: ttl must be greater than 0")
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.TTL / 3
	}
	if cfg.RenewInterval >= cfg.TTL {
		return nil, errors.New("lease: renew interval must be shorter than ttl")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "outbox"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{client: client, cfg: cfg, logger: log}, nil
}

// Key returns the Redis key guarding a partition.
func (m *Manager) Key(processorName string, organizationID uuid.UUID) string {
	return fmt.Sprintf("%s:lease:%s:%s", m.cfg.Prefix, processorName, organizationID)
}

// TryAcquire takes the partition lease without waiting. It returns
// ErrLeaseNotHeld when another holder owns it. The returned lease renews
// itself until Release; its Context is cancelled if renewal fails.
func (m *Manager) TryAcquire(ctx context.Context, processorName string, organizationID uuid.UUID) (*Lease, error) {
	key := m.Key(processorName, organizationID)
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, key, token, m.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lease %s: %w", key, apperrors.ErrLeaseNotHeld)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		manager: m,
		key:     key,
		token:   token,
		ctx:     leaseCtx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// Lease is one held partition lease.
type Lease struct {
	manager *Manager
	key     string
	token   string

	ctx    context.Context
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Context is cancelled with ErrLeaseLost when the lease cannot be renewed,
// and with context.Canceled once released.
func (l *Lease) Context() context.Context {
	return l.ctx
}

func (l *Lease) Key() string {
	return l.key
}

// Lost reports whether renewal failed.
func (l *Lease) Lost() bool {
	return errors.Is(context.Cause(l.ctx), apperrors.ErrLeaseLost)
}

func (l *Lease) heartbeat() {
	defer close(l.done)

	ticker := time.NewTicker(l.manager.cfg.RenewInterval)
	defer ticker.Stop()
	lastRenewed := time.Now()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}

		renewed, err := l.renew()
		switch {
		case err != nil && time.Since(lastRenewed) < l.manager.cfg.TTL:
			l.manager.logger.Warn("Lease renewal failed, retrying", "key", l.key, "error", err.Error())
			continue
		case err != nil || !renewed:
			l.manager.logger.Warn("Lease lost", "key", l.key)
			l.cancel(apperrors.ErrLeaseLost)
			return
		}
		lastRenewed = time.Now()
	}
}

func (l *Lease) renew() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.manager.cfg.RenewInterval)
	defer cancel()

	n, err := renewScript.Run(ctx, l.manager.client, []string{l.key}, l.token, l.manager.cfg.TTL.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release stops renewal and deletes the key if this lease still owns it. It
// returns ErrLeaseNotHeld when the key expired or changed hands.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	defer l.cancel(context.Canceled)

	n, err := releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("release lease %s: %w", l.key, apperrors.ErrLeaseNotHeld)
	}
	return nil
}
