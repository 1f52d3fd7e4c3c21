package messaging

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/thedusen/booksphere-outbox/internal/model"
	apperrors "github.com/thedusen/booksphere-outbox/pkg/errors"
)

// RateLimitedSink caps the global delivery rate. Waiting past the delivery
// deadline counts as the sink being unavailable, not as a failed attempt.
type RateLimitedSink struct {
	next    DeliverySink
	limiter *rate.Limiter
}

func NewRateLimitedSink(next DeliverySink, perSecond float64, burst int) *RateLimitedSink {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSink{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (s *RateLimitedSink) Deliver(ctx context.Context, evt *model.OutboxEvent) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w: %v", apperrors.ErrSinkUnavailable, err)
	}
	return s.next.Deliver(ctx, evt)
}
