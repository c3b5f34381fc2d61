package repo

import (
	"context"
	"errors"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOrderNotFound is returned when an order is not found
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderAlreadyExists is returned when creating an order whose ID is taken
	ErrOrderAlreadyExists = errors.New("order already exists")

	// ErrVersionConflict is returned when a transition loses the optimistic
	// concurrency race. Callers treat the triggering event as already handled.
	ErrVersionConflict = errors.New("order version conflict")
)

// OrderRepository is the order aggregate store.
type OrderRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(database *db.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{
		db:  database,
		log: logger,
	}
}

// InTx runs fn inside a single database transaction. All store mutations for
// one handled message (order transition, outbox append, inbox record) share
// this boundary.
func (r *OrderRepository) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// Create persists a new order. The order ID doubles as idempotency key, and
// the primary key is the arbiter: inserting straight away (no read-then-write)
// means two concurrent creates for the same key race safely, with the loser
// getting ErrOrderAlreadyExists.
func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *db.Order) error {
	if err := tx.WithContext(ctx).Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrOrderAlreadyExists
		}
		r.log.Error("Failed to create order", zap.String("order_id", order.OrderID), zap.Error(err))
		return err
	}

	return nil
}

// Get retrieves an order by ID.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (*db.Order, error) {
	return r.GetTx(ctx, r.db.DB, orderID)
}

// GetTx retrieves an order by ID inside an existing transaction.
func (r *OrderRepository) GetTx(ctx context.Context, tx *gorm.DB, orderID string) (*db.Order, error) {
	var order db.Order
	err := tx.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		r.log.Error("Failed to get order", zap.String("order_id", orderID), zap.Error(err))
		return nil, err
	}

	return &order, nil
}

// Transition applies a version-guarded update: the write succeeds only if the
// stored version still matches order.Version, and increments it by one. A zero
// row count means another handler already applied a transition and the caller
// gets ErrVersionConflict.
func (r *OrderRepository) Transition(ctx context.Context, tx *gorm.DB, order *db.Order, to db.OrderStatus, mutate func(*db.Order)) error {
	fromVersion := order.Version
	order.Status = to
	order.Version = fromVersion + 1
	order.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(order)
	}

	updates := map[string]interface{}{
		"status":            order.Status,
		"version":           order.Version,
		"reservation_token": order.ReservationToken,
		"failure_reason":    order.FailureReason,
		"updated_at":        order.UpdatedAt,
	}

	result := tx.WithContext(ctx).Model(&db.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, fromVersion).
		Updates(updates)
	if result.Error != nil {
		r.log.Error("Failed to transition order",
			zap.String("order_id", order.OrderID),
			zap.String("to", string(to)),
			zap.Error(result.Error),
		)
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	r.log.Info("Order transitioned",
		zap.String("order_id", order.OrderID),
		zap.String("status", string(to)),
		zap.Int64("version", order.Version),
	)
	return nil
}

// ListExpiredReserving returns orders still RESERVING past their reservation
// deadline, for the passive timeout rescan.
func (r *OrderRepository) ListExpiredReserving(ctx context.Context, now time.Time, limit int) ([]*db.Order, error) {
	var orders []*db.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND deadline < ?", db.OrderStatusReserving, now).
		Order("deadline ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		r.log.Error("Failed to list expired orders", zap.Error(err))
		return nil, err
	}

	return orders, nil
}
