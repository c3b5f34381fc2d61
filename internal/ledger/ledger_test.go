package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *db.DB {
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	database := &db.DB{DB: gormDB}
	require.NoError(t, db.RunMigrations(database))

	return database
}

func setupLedger(t *testing.T) (*db.DB, *Ledger) {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")
	return database, NewLedger(database, log)
}

func reserve(t *testing.T, database *db.DB, l *Ledger, token, orderID string, items []events.LineItem) (string, error) {
	t.Helper()
	var got string
	err := database.Transaction(func(tx *gorm.DB) error {
		var rerr error
		got, rerr = l.Reserve(context.Background(), tx, token, orderID, items, time.Now().Add(time.Minute))
		if rerr != nil {
			// Business failures still commit (failed reservation row).
			got = ""
			return nil
		}
		return nil
	})
	require.NoError(t, err)
	if got == "" {
		return "", ErrInsufficientStock
	}
	return got, nil
}

func stockTotals(t *testing.T, l *Ledger, sku string) (int32, int32) {
	t.Helper()
	level, err := l.GetStock(context.Background(), sku)
	require.NoError(t, err)
	return level.Available, level.Reserved
}

func TestReserveHoldsStock(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 10))

	token, err := reserve(t, database, l, "tok-1", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	available, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(10), available)
	assert.Equal(t, int32(3), reserved)
}

func TestReserveInsufficientStock(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 2))

	var rerr error
	err := database.Transaction(func(tx *gorm.DB) error {
		_, rerr = l.Reserve(ctx, tx, "tok-1", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 5}}, time.Now().Add(time.Minute))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, rerr, ErrInsufficientStock)
	assert.Contains(t, rerr.Error(), "requested 5, available 2")

	// Nothing held, and the failed attempt is on record.
	available, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(2), available)
	assert.Equal(t, int32(0), reserved)

	var failed db.Reservation
	require.NoError(t, database.Where("token = ?", "tok-1").First(&failed).Error)
	assert.Equal(t, db.ReservationStateFailed, failed.State)
	assert.NotEmpty(t, failed.FailureReason)
}

func TestReserveMultiSKUAllOrNothing(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 10))
	require.NoError(t, l.UpsertStock(ctx, "SKU-B", 1))

	var rerr error
	err := database.Transaction(func(tx *gorm.DB) error {
		_, rerr = l.Reserve(ctx, tx, "tok-1", "ord-1", []events.LineItem{
			{SKU: "SKU-A", Quantity: 2},
			{SKU: "SKU-B", Quantity: 5},
		}, time.Now().Add(time.Minute))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, rerr, ErrInsufficientStock)

	// The partial hold on SKU-A was reversed.
	_, reservedA := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(0), reservedA)
	_, reservedB := stockTotals(t, l, "SKU-B")
	assert.Equal(t, int32(0), reservedB)
}

func TestReserveUnknownSKU(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	var rerr error
	err := database.Transaction(func(tx *gorm.DB) error {
		_, rerr = l.Reserve(ctx, tx, "tok-1", "ord-1", []events.LineItem{{SKU: "GHOST", Quantity: 1}}, time.Now().Add(time.Minute))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, rerr, ErrUnknownSKU)
}

// A non-positive quantity would pass the conditional hold and shrink reserved
// stock, so the ledger must reject it instead of trusting the command.
func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 5))

	for i, qty := range []int32{0, -3} {
		token := fmt.Sprintf("tok-%d", i)
		var rerr error
		err := database.Transaction(func(tx *gorm.DB) error {
			_, rerr = l.Reserve(ctx, tx, token, "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: qty}}, time.Now().Add(time.Minute))
			return nil
		})
		require.NoError(t, err)
		assert.ErrorIs(t, rerr, ErrInvalidQuantity)
	}

	available, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(5), available)
	assert.Zero(t, reserved)

	var failed db.Reservation
	require.NoError(t, database.Where("order_id = ? AND state = ?", "ord-1", db.ReservationStateFailed).First(&failed).Error)
	assert.Contains(t, failed.FailureReason, "invalid quantity")
}

func TestReserveIdempotentPerOrder(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 5))

	items := []events.LineItem{{SKU: "SKU-A", Quantity: 2}}
	first, err := reserve(t, database, l, "tok-1", "ord-1", items)
	require.NoError(t, err)

	// A redelivered command with a fresh token converges on the first hold.
	second, err := reserve(t, database, l, "tok-2", "ord-1", items)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(2), reserved)
}

func TestReleaseIsIdempotent(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 5))

	_, err := reserve(t, database, l, "tok-1", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 2}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
			return l.Release(ctx, tx, "tok-1")
		}))
	}

	// A duplicate release pair never changes the totals.
	available, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(5), available)
	assert.Equal(t, int32(0), reserved)

	// Releasing a token that never existed is a no-op too.
	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		return l.Release(ctx, tx, "never-held")
	}))
}

func TestReleaseByOrder(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 5))

	_, err := reserve(t, database, l, "tok-1", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 4}})
	require.NoError(t, err)

	var token string
	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		var rerr error
		token, rerr = l.ReleaseByOrder(ctx, tx, "ord-1")
		return rerr
	}))
	assert.Equal(t, "tok-1", token)

	_, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(0), reserved)

	// No live hold left: resolves to empty without error.
	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		token, _ = l.ReleaseByOrder(ctx, tx, "ord-1")
		return nil
	}))
	assert.Empty(t, token)
}

func TestCommitDeductsStock(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 5))

	_, err := reserve(t, database, l, "tok-1", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 2}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
			return l.CommitByOrder(ctx, tx, "ord-1")
		}))
	}

	available, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(3), available)
	assert.Equal(t, int32(0), reserved)

	var reservation db.Reservation
	require.NoError(t, database.Where("token = ?", "tok-1").First(&reservation).Error)
	assert.Equal(t, db.ReservationStateCommitted, reservation.State)

	// Release after commit must not resurrect the stock.
	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		return l.Release(ctx, tx, "tok-1")
	}))
	available, reserved = stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(3), available)
	assert.Equal(t, int32(0), reserved)
}

func TestLastUnitContention(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 1))

	items := []events.LineItem{{SKU: "SKU-A", Quantity: 1}}
	_, err1 := reserve(t, database, l, "tok-1", "ord-1", items)
	_, err2 := reserve(t, database, l, "tok-2", "ord-2", items)

	// Exactly one order wins the last unit.
	if err1 == nil {
		assert.ErrorIs(t, err2, ErrInsufficientStock)
	} else {
		assert.NoError(t, err2)
	}

	_, reserved := stockTotals(t, l, "SKU-A")
	assert.Equal(t, int32(1), reserved)
}

func TestListExpiredHeld(t *testing.T) {
	database, l := setupLedger(t)
	ctx := context.Background()

	require.NoError(t, l.UpsertStock(ctx, "SKU-A", 10))

	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		_, err := l.Reserve(ctx, tx, "tok-old", "ord-1", []events.LineItem{{SKU: "SKU-A", Quantity: 1}}, time.Now().Add(-time.Minute))
		return err
	}))
	require.NoError(t, database.Transaction(func(tx *gorm.DB) error {
		_, err := l.Reserve(ctx, tx, "tok-new", "ord-2", []events.LineItem{{SKU: "SKU-A", Quantity: 1}}, time.Now().Add(time.Minute))
		return err
	}))

	expired, err := l.ListExpiredHeld(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "tok-old", expired[0].Token)
}
