package messaging

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
)

// WakeSuffix names the channel producers use to nudge the processor after
// committing new events.
const WakeSuffix = "wake"

// BrokerSink delivers events over a pub/sub Broker, one channel per tenant:
// "<prefix>:<organization_id>".
type BrokerSink struct {
	broker Broker
	prefix string
}

func NewBrokerSink(broker Broker, prefix string) *BrokerSink {
	return &BrokerSink{broker: broker, prefix: prefix}
}

func (s *BrokerSink) Deliver(ctx context.Context, evt *model.OutboxEvent) error {
	return s.broker.Publish(ctx, TenantChannel(s.prefix, evt.OrganizationID), NewNotification(evt))
}

func TenantChannel(prefix string, organizationID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", prefix, organizationID)
}

func WakeChannel(prefix string) string {
	return fmt.Sprintf("%s:%s", prefix, WakeSuffix)
}

// WakePublisher lets producers signal that a tenant has new events.
type WakePublisher struct {
	broker Broker
	prefix string
}

func NewWakePublisher(broker Broker, prefix string) *WakePublisher {
	return &WakePublisher{broker: broker, prefix: prefix}
}

func (w *WakePublisher) Wake(ctx context.Context, organizationID uuid.UUID) error {
	return w.broker.Publish(ctx, WakeChannel(w.prefix), organizationID.String())
}

// SubscribeWake calls handler for every tenant id published on the wake
// channel until ctx is done. Malformed messages are logged and skipped.
func SubscribeWake(ctx context.Context, broker Broker, prefix string, log *logger.Logger, handler func(uuid.UUID)) error {
	msgChan, err := broker.Subscribe(ctx, WakeChannel(prefix))
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			org, err := parseWake(msg)
			if err != nil {
				// Log error but continue processing
				log.Warn("Ignoring malformed wake message", "error", err.Error())
				continue
			}
			handler(org)
		}
	}()

	return nil
}

func parseWake(msg []byte) (uuid.UUID, error) {
	s := string(msg)
	// Publish JSON-encodes, so a string arrives quoted.
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return uuid.Parse(s)
}
