package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInsufficientStock is returned when a hold cannot be satisfied. It is
	// a business rejection, not an infrastructure failure: callers commit
	// their transaction and emit a rejection event.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrUnknownSKU is returned when a hold names a SKU the ledger does not track
	ErrUnknownSKU = errors.New("unknown sku")

	// ErrInvalidQuantity is returned when a line item asks for a non-positive
	// quantity. The conditional hold would accept it and shrink reserved
	// stock, so it is rejected before any hold is taken.
	ErrInvalidQuantity = errors.New("invalid quantity")
)

// Ledger owns per-SKU available/reserved quantities and reservations. All
// mutating operations run inside a caller-provided transaction so the
// inventory worker can commit them atomically with its inbox and outbox rows.
type Ledger struct {
	db  *db.DB
	log *zap.Logger
}

// NewLedger creates a new inventory ledger
func NewLedger(database *db.DB, logger *zap.Logger) *Ledger {
	return &Ledger{
		db:  database,
		log: logger,
	}
}

// UpsertStock sets the on-hand quantity for a SKU, creating the row if needed.
func (l *Ledger) UpsertStock(ctx context.Context, sku string, available int32) error {
	level := &db.StockLevel{SKU: sku, Available: available, UpdatedAt: time.Now()}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.StockLevel{}).
			Where("sku = ?", sku).
			Updates(map[string]interface{}{"available": available, "updated_at": level.UpdatedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Create(level).Error
		}
		return nil
	})
	if err != nil {
		l.log.Error("Failed to upsert stock", zap.String("sku", sku), zap.Error(err))
		return err
	}

	return nil
}

// GetStock returns the stock level for a SKU.
func (l *Ledger) GetStock(ctx context.Context, sku string) (*db.StockLevel, error) {
	var level db.StockLevel
	err := l.db.WithContext(ctx).Where("sku = ?", sku).First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownSKU
		}
		return nil, err
	}
	return &level, nil
}

// Reserve holds stock for every line item, all-or-nothing. SKUs are processed
// in sorted order so concurrent multi-SKU reservations cannot deadlock. If the
// order already has a live reservation its token is returned unchanged, which
// makes redelivered reserve commands converge on the first outcome.
//
// On a business failure the partial holds taken so far are reversed within tx
// and a FAILED reservation row is kept with the reason; the returned error
// wraps ErrInsufficientStock (or ErrUnknownSKU) and tx remains committable.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, token, orderID string, items []events.LineItem, expiresAt time.Time) (string, error) {
	// Replay guard: one live reservation per order.
	var existing db.Reservation
	err := tx.WithContext(ctx).
		Where("order_id = ? AND state IN ?", orderID, []string{db.ReservationStateHeld, db.ReservationStateCommitted}).
		First(&existing).Error
	if err == nil {
		l.log.Info("Order already reserved, reusing reservation",
			zap.String("order_id", orderID),
			zap.String("token", existing.Token),
		)
		return existing.Token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	for _, item := range items {
		if item.Quantity <= 0 {
			reason := fmt.Sprintf("invalid quantity %d for %s", item.Quantity, item.SKU)
			if recErr := l.recordFailedReservation(ctx, tx, token, orderID, reason); recErr != nil {
				return "", recErr
			}
			return "", fmt.Errorf("%w: %s", ErrInvalidQuantity, reason)
		}
	}

	sorted := make([]events.LineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SKU < sorted[j].SKU })

	taken := make([]events.LineItem, 0, len(sorted))
	for _, item := range sorted {
		// Atomic conditional hold: succeeds only while enough stock is free.
		result := tx.WithContext(ctx).Model(&db.StockLevel{}).
			Where("sku = ? AND available - reserved >= ?", item.SKU, item.Quantity).
			Updates(map[string]interface{}{
				"reserved":   gorm.Expr("reserved + ?", item.Quantity),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return "", result.Error
		}
		if result.RowsAffected > 0 {
			taken = append(taken, item)
			continue
		}

		reason, reasonErr := l.holdFailureReason(ctx, tx, item)
		if reasonErr != nil {
			return "", reasonErr
		}
		if undoErr := l.undoHolds(ctx, tx, taken); undoErr != nil {
			return "", undoErr
		}
		if recErr := l.recordFailedReservation(ctx, tx, token, orderID, reason.Error()); recErr != nil {
			return "", recErr
		}
		return "", reason
	}

	reservation := &db.Reservation{
		Token:     token,
		OrderID:   orderID,
		State:     db.ReservationStateHeld,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(reservation).Error; err != nil {
		return "", err
	}
	for _, item := range sorted {
		hold := &db.ReservationHold{Token: token, SKU: item.SKU, Quantity: item.Quantity}
		if err := tx.WithContext(ctx).Create(hold).Error; err != nil {
			return "", err
		}
	}

	l.log.Info("Stock reserved",
		zap.String("order_id", orderID),
		zap.String("token", token),
		zap.Int("items", len(sorted)),
	)
	return token, nil
}

func (l *Ledger) holdFailureReason(ctx context.Context, tx *gorm.DB, item events.LineItem) (error, error) {
	var level db.StockLevel
	err := tx.WithContext(ctx).Where("sku = ?", item.SKU).First(&level).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSKU, item.SKU), nil
	}
	if err != nil {
		return nil, err
	}

	available := level.Available - level.Reserved
	return fmt.Errorf("%w for %s: requested %d, available %d",
		ErrInsufficientStock, item.SKU, item.Quantity, available), nil
}

func (l *Ledger) undoHolds(ctx context.Context, tx *gorm.DB, taken []events.LineItem) error {
	for _, item := range taken {
		err := tx.WithContext(ctx).Model(&db.StockLevel{}).
			Where("sku = ?", item.SKU).
			Update("reserved", gorm.Expr("reserved - ?", item.Quantity)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) recordFailedReservation(ctx context.Context, tx *gorm.DB, token, orderID, reason string) error {
	failed := &db.Reservation{
		Token:         token,
		OrderID:       orderID,
		State:         db.ReservationStateFailed,
		FailureReason: reason,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	return tx.WithContext(ctx).Create(failed).Error
}

// Release frees a held reservation. Unknown, already released, committed or
// failed tokens are a no-op, not an error.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, token string) error {
	var reservation db.Reservation
	err := tx.WithContext(ctx).Where("token = ?", token).First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return l.release(ctx, tx, &reservation)
}

// ReleaseByOrder frees whatever live hold an order has. Used when the
// orchestrator compensates before it ever learned a reservation token.
func (l *Ledger) ReleaseByOrder(ctx context.Context, tx *gorm.DB, orderID string) (string, error) {
	var reservation db.Reservation
	err := tx.WithContext(ctx).
		Where("order_id = ? AND state = ?", orderID, db.ReservationStateHeld).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	return reservation.Token, l.release(ctx, tx, &reservation)
}

func (l *Ledger) release(ctx context.Context, tx *gorm.DB, reservation *db.Reservation) error {
	if reservation.State != db.ReservationStateHeld {
		return nil
	}

	holds, err := l.holds(ctx, tx, reservation.Token)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		err := tx.WithContext(ctx).Model(&db.StockLevel{}).
			Where("sku = ?", hold.SKU).
			Update("reserved", gorm.Expr("reserved - ?", hold.Quantity)).Error
		if err != nil {
			return err
		}
	}

	err = tx.WithContext(ctx).Model(&db.Reservation{}).
		Where("token = ? AND state = ?", reservation.Token, db.ReservationStateHeld).
		Updates(map[string]interface{}{"state": db.ReservationStateReleased, "updated_at": time.Now()}).Error
	if err != nil {
		return err
	}

	l.log.Info("Reservation released",
		zap.String("order_id", reservation.OrderID),
		zap.String("token", reservation.Token),
	)
	return nil
}

// CommitByOrder converts an order's held stock into a permanent deduction.
// Idempotent: a reservation that is not HELD is left alone.
func (l *Ledger) CommitByOrder(ctx context.Context, tx *gorm.DB, orderID string) error {
	var reservation db.Reservation
	err := tx.WithContext(ctx).
		Where("order_id = ? AND state = ?", orderID, db.ReservationStateHeld).
		First(&reservation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	holds, err := l.holds(ctx, tx, reservation.Token)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		err := tx.WithContext(ctx).Model(&db.StockLevel{}).
			Where("sku = ?", hold.SKU).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available - ?", hold.Quantity),
				"reserved":   gorm.Expr("reserved - ?", hold.Quantity),
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return err
		}
	}

	err = tx.WithContext(ctx).Model(&db.Reservation{}).
		Where("token = ? AND state = ?", reservation.Token, db.ReservationStateHeld).
		Updates(map[string]interface{}{"state": db.ReservationStateCommitted, "updated_at": time.Now()}).Error
	if err != nil {
		return err
	}

	l.log.Info("Reservation committed",
		zap.String("order_id", orderID),
		zap.String("token", reservation.Token),
	)
	return nil
}

// ListExpiredHeld returns HELD reservations past their expiry, for the
// worker's expiry sweep.
func (l *Ledger) ListExpiredHeld(ctx context.Context, now time.Time, limit int) ([]*db.Reservation, error) {
	var reservations []*db.Reservation
	err := l.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", db.ReservationStateHeld, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reservations).Error
	if err != nil {
		l.log.Error("Failed to list expired reservations", zap.Error(err))
		return nil, err
	}

	return reservations, nil
}

func (l *Ledger) holds(ctx context.Context, tx *gorm.DB, token string) ([]*db.ReservationHold, error) {
	var holds []*db.ReservationHold
	err := tx.WithContext(ctx).Where("token = ?", token).Find(&holds).Error
	if err != nil {
		return nil, err
	}
	return holds, nil
}
