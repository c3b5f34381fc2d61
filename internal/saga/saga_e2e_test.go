package saga

import (
	"context"
	"testing"
	"time"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/ledger"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/outbox"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/ecommerce/services/order/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackBus stands in for RabbitMQ: every published envelope is delivered
// synchronously to the consumer bound to its topic.
type loopbackBus struct {
	orchestrator *Orchestrator
	inventory    *ledger.CommandHandler
}

func (b *loopbackBus) Publish(ctx context.Context, topic string, env events.Envelope) error {
	switch topic {
	case events.TopicReserveInventory, events.TopicReleaseReservation, events.TopicOrderConfirmed:
		return b.inventory.HandleCommand(ctx, env)
	case events.TopicInventoryReserved, events.TopicInventoryRejected, events.TopicReservationReleased:
		return b.orchestrator.HandleEvent(ctx, env)
	default:
		// order.cancelled has no consumer in this harness.
		return nil
	}
}

type sagaHarness struct {
	database     *db.DB
	orchestrator *Orchestrator
	stock        *ledger.Ledger
	relay        *outbox.Relay
}

func setupSaga(t *testing.T, timeout time.Duration) *sagaHarness {
	database := setupTestDB(t)
	log := logger.NewLogger("test", "error")

	orders := repo.NewOrderRepository(database, log)
	outboxRepo := repo.NewOutboxRepository(database, log)
	inbox := repo.NewInboxRepository(database, log)

	stock := ledger.NewLedger(database, log)
	inventory := ledger.NewCommandHandler(database, stock, inbox, outboxRepo, time.Minute, log)
	orchestrator := NewOrchestrator(database, orders, outboxRepo, inbox, defaultCatalog(), timeout, metrics.New("test"), log)

	bus := &loopbackBus{orchestrator: orchestrator, inventory: inventory}
	relay := outbox.NewRelay(outboxRepo, bus, time.Second, metrics.New("test"), log)

	return &sagaHarness{
		database:     database,
		orchestrator: orchestrator,
		stock:        stock,
		relay:        relay,
	}
}

// pump drains the outbox until the saga quiesces. Each delivery may append
// further outbox rows, so flush until a pass publishes nothing.
func (h *sagaHarness) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		published, err := h.relay.Flush(context.Background())
		require.NoError(t, err)
		if published == 0 {
			return
		}
	}
	t.Fatal("saga did not quiesce")
}

func TestSagaHappyPathEndToEnd(t *testing.T) {
	h := setupSaga(t, 30*time.Second)
	ctx := context.Background()
	require.NoError(t, h.stock.UpsertStock(ctx, "SKU-A", 5))

	_, _, err := h.orchestrator.CreateOrder(ctx, CreateOrderRequest{
		OrderID:    "ord-1",
		CustomerID: "cust-1",
		Items:      []events.LineItem{{SKU: "SKU-A", Quantity: 2}},
	})
	require.NoError(t, err)

	h.pump(t)

	order, err := h.orchestrator.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderStatusConfirmed, order.Status)
	require.NotNil(t, order.ReservationToken)

	// order.confirmed reached the inventory worker, which committed the hold.
	level, err := h.stock.GetStock(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, int32(3), level.Available)
	assert.Zero(t, level.Reserved)
}

func TestSagaRejectionEndToEnd(t *testing.T) {
	h := setupSaga(t, 30*time.Second)
	ctx := context.Background()
	require.NoError(t, h.stock.UpsertStock(ctx, "SKU-A", 1))

	_, _, err := h.orchestrator.CreateOrder(ctx, CreateOrderRequest{
		OrderID:    "ord-1",
		CustomerID: "cust-1",
		Items:      []events.LineItem{{SKU: "SKU-A", Quantity: 3}},
	})
	require.NoError(t, err)

	h.pump(t)

	order, err := h.orchestrator.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderStatusCancelled, order.Status)
	assert.Contains(t, order.FailureReason, db.ReasonInsufficientStock)

	level, err := h.stock.GetStock(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, int32(1), level.Available)
	assert.Zero(t, level.Reserved)
}

func TestSagaLastUnitContention(t *testing.T) {
	h := setupSaga(t, 30*time.Second)
	ctx := context.Background()
	require.NoError(t, h.stock.UpsertStock(ctx, "SKU-A", 1))

	for _, orderID := range []string{"ord-1", "ord-2"} {
		_, _, err := h.orchestrator.CreateOrder(ctx, CreateOrderRequest{
			OrderID:    orderID,
			CustomerID: "cust-" + orderID,
			Items:      []events.LineItem{{SKU: "SKU-A", Quantity: 1}},
		})
		require.NoError(t, err)
	}

	h.pump(t)

	var confirmed, cancelled int
	for _, orderID := range []string{"ord-1", "ord-2"} {
		order, err := h.orchestrator.GetOrder(ctx, orderID)
		require.NoError(t, err)
		switch order.Status {
		case db.OrderStatusConfirmed:
			confirmed++
		case db.OrderStatusCancelled:
			cancelled++
			assert.Contains(t, order.FailureReason, db.ReasonInsufficientStock)
		default:
			t.Fatalf("order %s stuck in %s", orderID, order.Status)
		}
	}
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, 1, cancelled)

	// The single unit was sold exactly once.
	level, err := h.stock.GetStock(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Zero(t, level.Available)
	assert.Zero(t, level.Reserved)
}

func TestSagaTimeoutCompensationEndToEnd(t *testing.T) {
	h := setupSaga(t, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, h.stock.UpsertStock(ctx, "SKU-A", 5))

	_, _, err := h.orchestrator.CreateOrder(ctx, CreateOrderRequest{
		OrderID:    "ord-1",
		CustomerID: "cust-1",
		Items:      []events.LineItem{{SKU: "SKU-A", Quantity: 2}},
	})
	require.NoError(t, err)

	// Deliver the reserve command so inventory is actually held, then time
	// the order out before the reply is consumed.
	published, err := h.relay.Flush(ctx)
	require.NoError(t, err)
	require.Positive(t, published)

	compensated, err := h.orchestrator.ExpireDeadlines(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, compensated)

	h.pump(t)

	order, err := h.orchestrator.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, db.OrderStatusCancelled, order.Status)
	assert.Equal(t, db.ReasonTimeout, order.FailureReason)

	// Compensation returned the held units.
	level, err := h.stock.GetStock(ctx, "SKU-A")
	require.NoError(t, err)
	assert.Equal(t, int32(5), level.Available)
	assert.Zero(t, level.Reserved)
}
