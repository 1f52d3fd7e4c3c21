// Package circuitbreaker keeps one breaker per key so a failing tenant
// channel trips alone while other tenants keep delivering.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker"

	"github.com/thedusen/booksphere-outbox/internal/model"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
)

type Settings struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; zero never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// IdleExpiry drops breakers of keys that have not been used.
	IdleExpiry time.Duration
	// OnStateChange is called with the key whenever a breaker changes state.
	OnStateChange func(key string, from, to gobreaker.State)
}

func (s *Settings) normalize() {
	if s.Name == "" {
		s.Name = "sink"
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.IdleExpiry <= 0 {
		s.IdleExpiry = 30 * time.Minute
	}
}

type Registry struct {
	settings Settings
	breakers *cache.Cache
	mu       sync.Mutex
}

func NewRegistry(settings Settings) *Registry {
	settings.normalize()
	return &Registry{
		settings: settings,
		breakers: cache.New(settings.IdleExpiry, settings.IdleExpiry/2),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.breakers.Get(key); ok {
		cb := v.(*gobreaker.CircuitBreaker)
		r.breakers.Set(key, cb, cache.DefaultExpiration)
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s:%s", r.settings.Name, key),
		MaxRequests: r.settings.MaxRequests,
		Interval:    r.settings.Interval,
		Timeout:     r.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.ConsecutiveFailures
		},
		// A payload the sink rejects says nothing about the sink's health.
		IsSuccessful: func(err error) bool {
			return err == nil || messaging.IsPermanent(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if r.settings.OnStateChange != nil {
				r.settings.OnStateChange(key, from, to)
			}
		},
	})
	r.breakers.Set(key, cb, cache.DefaultExpiration)
	return cb
}

// Execute runs fn through key's breaker. A rejected call returns an error
// wrapping ErrSinkUnavailable.
func (r *Registry) Execute(key string, fn func() error) error {
	_, err := r.Get(key).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s %s: %w: %v", r.settings.Name, key, apperrors.ErrSinkUnavailable, err)
	}
	return err
}

// State reports key's breaker state without creating one.
func (r *Registry) State(key string) gobreaker.State {
	if v, ok := r.breakers.Get(key); ok {
		return v.(*gobreaker.CircuitBreaker).State()
	}
	return gobreaker.StateClosed
}

// Sink guards a DeliverySink with one breaker per tenant.
type Sink struct {
	next     messaging.DeliverySink
	breakers *Registry
}

func WrapSink(next messaging.DeliverySink, breakers *Registry) *Sink {
	return &Sink{next: next, breakers: breakers}
}

func (s *Sink) Deliver(ctx context.Context, evt *model.OutboxEvent) error {
	return s.breakers.Execute(evt.OrganizationID.String(), func() error {
		return s.next.Deliver(ctx, evt)
	})
}
