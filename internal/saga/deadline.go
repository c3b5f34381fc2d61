package saga

import (
	"context"
	"errors"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const expiryBatchSize = 50

// ExpireDeadlines compensates orders still RESERVING past their deadline.
// This is a passive rescan, not a per-order timer: each expired order moves to
// COMPENSATING with reason TIMEOUT and emits ReleaseReservation plus
// OrderCancelled through the outbox. CANCELLED is reached once the release
// acknowledgment comes back.
func (o *Orchestrator) ExpireDeadlines(ctx context.Context, now time.Time) (int, error) {
	expired, err := o.orders.ListExpiredReserving(ctx, now, expiryBatchSize)
	if err != nil {
		return 0, err
	}

	compensated := 0
	for _, order := range expired {
		order := order
		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			// Re-read under the transaction; the reserved event may have
			// landed between the scan and now.
			current, err := o.orders.GetTx(ctx, tx, order.OrderID)
			if err != nil {
				return err
			}
			if current.Status != db.OrderStatusReserving || current.Deadline.After(now) {
				return nil
			}

			err = o.orders.Transition(ctx, tx, current, db.OrderStatusCompensating, func(order *db.Order) {
				order.FailureReason = db.ReasonTimeout
			})
			if err != nil {
				return err
			}

			token := ""
			if current.ReservationToken != nil {
				token = *current.ReservationToken
			}
			err = o.append(ctx, tx, events.TopicReleaseReservation, current.OrderID,
				events.ReleaseReservation{OrderID: current.OrderID, ReservationToken: token})
			if err != nil {
				return err
			}
			return o.append(ctx, tx, events.TopicOrderCancelled, current.OrderID,
				events.OrderCancelled{OrderID: current.OrderID, Reason: db.ReasonTimeout})
		})
		if errors.Is(err, repo.ErrVersionConflict) {
			continue
		}
		if err != nil {
			o.log.Error("Failed to expire order", zap.String("order_id", order.OrderID), zap.Error(err))
			continue
		}

		compensated++
		o.metrics.ReservationTimeouts.Inc()
		o.log.Warn("Reservation timed out, compensating", zap.String("order_id", order.OrderID))
	}

	return compensated, nil
}

// RunDeadlineScanner drives ExpireDeadlines on a fixed interval until the
// context is cancelled.
func (o *Orchestrator) RunDeadlineScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("Deadline scanner started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			o.log.Info("Deadline scanner stopped")
			return
		case <-ticker.C:
			if _, err := o.ExpireDeadlines(ctx, time.Now()); err != nil {
				o.log.Error("Deadline scan failed", zap.Error(err))
			}
		}
	}
}
