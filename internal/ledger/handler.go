package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConsumerName identifies the inventory worker's inbox.
const ConsumerName = "inventory-worker"

// CommandHandler processes reserve/release commands against the ledger.
// Each command is handled in one transaction covering the inbox record, the
// ledger mutation and the resulting outbox event, so a redelivered command
// cannot double-apply or double-announce.
type CommandHandler struct {
	db      *db.DB
	ledger  *Ledger
	inbox   *repo.InboxRepository
	outbox  *repo.OutboxRepository
	holdTTL time.Duration
	log     *zap.Logger
}

// NewCommandHandler creates a new inventory command handler
func NewCommandHandler(database *db.DB, l *Ledger, inbox *repo.InboxRepository, outbox *repo.OutboxRepository, holdTTL time.Duration, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		db:      database,
		ledger:  l,
		inbox:   inbox,
		outbox:  outbox,
		holdTTL: holdTTL,
		log:     logger,
	}
}

// Bindings lists the routing keys the worker consumes.
func (h *CommandHandler) Bindings() []string {
	return []string{
		events.TopicReserveInventory,
		events.TopicReleaseReservation,
		events.TopicOrderConfirmed,
	}
}

// HandleCommand dispatches one envelope. Unknown event types are dropped.
func (h *CommandHandler) HandleCommand(ctx context.Context, env events.Envelope) error {
	return h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen, err := h.inbox.Seen(ctx, tx, ConsumerName, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			h.log.Debug("Duplicate command, skipping",
				zap.String("message_id", env.MessageID),
				zap.String("event_type", env.EventType),
			)
			return nil
		}

		switch env.EventType {
		case events.TopicReserveInventory:
			err = h.handleReserve(ctx, tx, env)
		case events.TopicReleaseReservation:
			err = h.handleRelease(ctx, tx, env)
		case events.TopicOrderConfirmed:
			err = h.handleConfirmed(ctx, tx, env)
		default:
			return fmt.Errorf("%w: unexpected event type %s", events.ErrDropMessage, env.EventType)
		}
		if err != nil {
			return err
		}

		return h.inbox.Record(ctx, tx, ConsumerName, env.MessageID)
	})
}

func (h *CommandHandler) handleReserve(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var cmd events.ReserveInventory
	if err := env.Decode(&cmd); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	token, err := h.ledger.Reserve(ctx, tx, uuid.New().String(), cmd.OrderID, cmd.Items, time.Now().Add(h.holdTTL))
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrUnknownSKU) || errors.Is(err, ErrInvalidQuantity) {
			// Business rejection: commit the failed attempt and announce it.
			h.log.Warn("Reservation rejected",
				zap.String("order_id", cmd.OrderID),
				zap.String("reason", err.Error()),
			)
			return h.append(ctx, tx, events.TopicInventoryRejected, cmd.OrderID,
				events.InventoryRejected{OrderID: cmd.OrderID, Reason: err.Error()})
		}
		return err
	}

	return h.append(ctx, tx, events.TopicInventoryReserved, cmd.OrderID,
		events.InventoryReserved{OrderID: cmd.OrderID, ReservationToken: token})
}

func (h *CommandHandler) handleRelease(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var cmd events.ReleaseReservation
	if err := env.Decode(&cmd); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	token := cmd.ReservationToken
	if token != "" {
		if err := h.ledger.Release(ctx, tx, token); err != nil {
			return err
		}
	} else {
		released, err := h.ledger.ReleaseByOrder(ctx, tx, cmd.OrderID)
		if err != nil {
			return err
		}
		token = released
	}

	return h.append(ctx, tx, events.TopicReservationReleased, cmd.OrderID,
		events.ReservationReleased{OrderID: cmd.OrderID, ReservationToken: token})
}

func (h *CommandHandler) handleConfirmed(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var ev events.OrderConfirmed
	if err := env.Decode(&ev); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	return h.ledger.CommitByOrder(ctx, tx, ev.OrderID)
}

func (h *CommandHandler) append(ctx context.Context, tx *gorm.DB, topic, orderID string, payload interface{}) error {
	env, err := events.NewEnvelope(topic, orderID, payload)
	if err != nil {
		return err
	}
	return h.outbox.Append(ctx, tx, topic, env)
}

// SweepExpired releases HELD reservations past their expiry and announces the
// releases, catching holds stranded by a lost release command.
func (h *CommandHandler) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := h.ledger.ListExpiredHeld(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, reservation := range expired {
		reservation := reservation
		err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := h.ledger.Release(ctx, tx, reservation.Token); err != nil {
				return err
			}
			return h.append(ctx, tx, events.TopicReservationReleased, reservation.OrderID,
				events.ReservationReleased{OrderID: reservation.OrderID, ReservationToken: reservation.Token})
		})
		if err != nil {
			h.log.Error("Failed to release expired reservation",
				zap.String("token", reservation.Token),
				zap.Error(err),
			)
			continue
		}
		released++
	}

	return released, nil
}
