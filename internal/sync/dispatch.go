package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opspilot/sync-infra/internal/eventstore/sqlite"
)

// EventPublisher is satisfied by the NATS JetStream publisher.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains one account's outbox to NATS. Failed publishes are
// retried with backoff; MsgId dedupe on the stream absorbs replays.
type Dispatcher struct {
	store  *sqlite.Store
	pub    EventPublisher
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher for one account store.
func NewDispatcher(store *sqlite.Store, pub EventPublisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, pub: pub, logger: logger}
}

// Run loops until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.logger.Warn("failed to dequeue outbox", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.logger.Warn("failed to publish outbox message",
					zap.Int64("outbox_id", msg.ID),
					zap.Error(err))
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.logger.Warn("failed to mark message published",
					zap.Int64("outbox_id", msg.ID),
					zap.Error(err))
			}
		}
	}
}
