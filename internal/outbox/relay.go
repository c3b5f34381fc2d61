package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/repo"
	"go.uber.org/zap"
)

const defaultBatchSize = 100

// Publisher sends an envelope to a topic. Satisfied by events.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
}

// Relay publishes PENDING outbox records on its own schedule, independent of
// message consumption. It is safe to kill and restart at any point: records
// not yet marked SENT are simply published again (at-least-once, never
// at-most-once).
type Relay struct {
	outbox    *repo.OutboxRepository
	publisher Publisher
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewRelay creates a new outbox relay
func NewRelay(outbox *repo.OutboxRepository, publisher Publisher, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: defaultBatchSize,
		metrics:   m,
		log:       logger,
	}
}

// Start polls until the context is cancelled, then performs one final flush
// so rows committed by draining handlers are not stranded until restart.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("Outbox relay started", zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				r.log.Warn("Final outbox flush failed, records remain pending", zap.Error(err))
			}
			cancel()
			r.log.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Error("Outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush publishes one batch of pending records in sequence order and marks
// them sent. A failed publish stops the batch so per-order creation order is
// preserved on the next attempt.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, record := range records {
		var env events.Envelope
		if err := json.Unmarshal(record.Payload, &env); err != nil {
			// Corrupt row: mark sent so it cannot wedge the relay.
			r.log.Error("Unreadable outbox payload, skipping",
				zap.Int64("seq", record.Seq),
				zap.Error(err),
			)
			if err := r.outbox.MarkSent(ctx, record.Seq); err != nil {
				return published, err
			}
			continue
		}

		if err := r.publisher.Publish(ctx, record.Topic, env); err != nil {
			if r.metrics != nil {
				r.metrics.OutboxErrors.Inc()
			}
			return published, err
		}

		if err := r.outbox.MarkSent(ctx, record.Seq); err != nil {
			return published, err
		}

		published++
		if r.metrics != nil {
			r.metrics.OutboxPublished.Inc()
		}
	}

	return published, nil
}
