package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecommerce/services/order/internal/clients"
	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConsumerName identifies the orchestrator's inbox.
const ConsumerName = "order-saga"

// ErrValidation marks a malformed create request. The order, if persistable,
// is recorded in FAILED state and never retried.
var ErrValidation = errors.New("validation failed")

// Catalog supplies price and availability metadata at order-creation time
// only; pricing is not revalidated mid-saga.
type Catalog interface {
	GetProduct(ctx context.Context, sku string) (*clients.Product, error)
}

// CreateOrderRequest is the single entry point payload. OrderID carries the
// client's idempotency key when present.
type CreateOrderRequest struct {
	OrderID    string
	CustomerID string
	Items      []events.LineItem
}

// Orchestrator drives each order's state machine:
//
//	RESERVING -> CONFIRMED                              (reserved)
//	RESERVING -> CANCELLED                              (rejected, nothing held)
//	RESERVING -> COMPENSATING -> CANCELLED              (timeout)
//
// Concurrency control is optimistic: racing handlers may read the same order
// but only one version-guarded write succeeds, and the loser treats its event
// as already handled.
type Orchestrator struct {
	db      *db.DB
	orders  *repo.OrderRepository
	outbox  *repo.OutboxRepository
	inbox   *repo.InboxRepository
	catalog Catalog
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewOrchestrator creates a new saga orchestrator
func NewOrchestrator(database *db.DB, orders *repo.OrderRepository, outbox *repo.OutboxRepository, inbox *repo.InboxRepository, catalog Catalog, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:      database,
		orders:  orders,
		outbox:  outbox,
		inbox:   inbox,
		catalog: catalog,
		timeout: timeout,
		metrics: m,
		log:     logger,
	}
}

// Bindings lists the routing keys the orchestrator consumes.
func (o *Orchestrator) Bindings() []string {
	return []string{
		events.TopicInventoryReserved,
		events.TopicInventoryRejected,
		events.TopicReservationReleased,
	}
}

// CreateOrder accepts a new order, prices its items from the catalog and
// persists it in RESERVING state together with the ReserveInventory command
// in one transaction. The boolean reports whether a new order was created;
// replaying an idempotency key returns the existing order unchanged.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*db.Order, bool, error) {
	if req.OrderID == "" {
		req.OrderID = uuid.New().String()
	}

	if existing, err := o.orders.Get(ctx, req.OrderID); err == nil {
		o.log.Info("Order already exists, returning it", zap.String("order_id", req.OrderID))
		return existing, false, nil
	} else if !errors.Is(err, repo.ErrOrderNotFound) {
		return nil, false, err
	}

	if req.CustomerID == "" {
		return nil, false, fmt.Errorf("%w: missing customer", ErrValidation)
	}

	items, verr, err := o.priceItems(ctx, req.Items)
	if err != nil {
		return nil, false, err
	}
	if verr != nil {
		order, ferr := o.createFailed(ctx, req, verr.Error())
		if ferr != nil {
			return nil, false, ferr
		}
		return order, true, verr
	}

	order := &db.Order{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Items:      items,
		Status:     db.OrderStatusReserving,
		Version:    1,
		Deadline:   time.Now().Add(o.timeout),
	}

	cmd := events.ReserveInventory{OrderID: order.OrderID, Items: req.Items}
	env, err := events.NewEnvelope(events.TopicReserveInventory, order.OrderID, cmd)
	if err != nil {
		return nil, false, err
	}

	err = o.orders.InTx(ctx, func(tx *gorm.DB) error {
		if err := o.orders.Create(ctx, tx, order); err != nil {
			return err
		}
		return o.outbox.Append(ctx, tx, events.TopicReserveInventory, env)
	})
	if errors.Is(err, repo.ErrOrderAlreadyExists) {
		// Lost a concurrent create for the same idempotency key.
		existing, gerr := o.orders.Get(ctx, req.OrderID)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	o.metrics.OrdersCreated.Inc()
	o.log.Info("Order accepted",
		zap.String("order_id", order.OrderID),
		zap.String("customer_id", order.CustomerID),
		zap.Time("deadline", order.Deadline),
	)
	return order, true, nil
}

// priceItems validates line items against the catalog. The middle return
// value is a validation error (order goes FAILED); the last one is transient.
func (o *Orchestrator) priceItems(ctx context.Context, items []events.LineItem) ([]db.OrderItem, error, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrValidation), nil
	}

	priced := make([]db.OrderItem, 0, len(items))
	for _, item := range items {
		if item.SKU == "" || item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: invalid line item %q qty %d", ErrValidation, item.SKU, item.Quantity), nil
		}

		product, err := o.catalog.GetProduct(ctx, item.SKU)
		if errors.Is(err, clients.ErrProductNotFound) {
			return nil, fmt.Errorf("%w: unknown sku %s", ErrValidation, item.SKU), nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("catalog lookup failed: %w", err)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: sku %s is not purchasable", ErrValidation, item.SKU), nil
		}

		priced = append(priced, db.OrderItem{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		})
	}

	return priced, nil, nil
}

func (o *Orchestrator) createFailed(ctx context.Context, req CreateOrderRequest, reason string) (*db.Order, error) {
	items := make([]db.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, db.OrderItem{SKU: item.SKU, Quantity: item.Quantity})
	}

	order := &db.Order{
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		Items:         items,
		Status:        db.OrderStatusFailed,
		Version:       1,
		FailureReason: db.ReasonValidation + ": " + reason,
	}

	err := o.orders.InTx(ctx, func(tx *gorm.DB) error {
		return o.orders.Create(ctx, tx, order)
	})
	if err != nil && !errors.Is(err, repo.ErrOrderAlreadyExists) {
		return nil, err
	}

	o.metrics.OrderOutcomes.WithLabelValues(string(db.OrderStatusFailed)).Inc()
	o.log.Warn("Order rejected as invalid",
		zap.String("order_id", order.OrderID),
		zap.String("reason", reason),
	)
	return order, nil
}

// GetOrder retrieves an order by ID.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*db.Order, error) {
	return o.orders.Get(ctx, orderID)
}

// HandleEvent applies one inbound saga event. The inbox check, the order
// transition and any resulting outbox rows commit in a single transaction.
// Stale events (unknown order, inapplicable state) are recorded and dropped;
// version conflicts are benign and the event counts as already handled.
func (o *Orchestrator) HandleEvent(ctx context.Context, env events.Envelope) error {
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen, err := o.inbox.Seen(ctx, tx, ConsumerName, env.MessageID)
		if err != nil {
			return err
		}
		if seen {
			o.log.Debug("Duplicate event, skipping", zap.String("message_id", env.MessageID))
			return nil
		}

		switch env.EventType {
		case events.TopicInventoryReserved:
			err = o.onInventoryReserved(ctx, tx, env)
		case events.TopicInventoryRejected:
			err = o.onInventoryRejected(ctx, tx, env)
		case events.TopicReservationReleased:
			err = o.onReservationReleased(ctx, tx, env)
		default:
			return fmt.Errorf("%w: unexpected event type %s", events.ErrDropMessage, env.EventType)
		}
		if err != nil {
			return err
		}

		return o.inbox.Record(ctx, tx, ConsumerName, env.MessageID)
	})

	if errors.Is(err, repo.ErrVersionConflict) {
		// A concurrent handler already advanced the order; redelivery will
		// observe the new state and drop this event as stale.
		o.metrics.VersionConflicts.Inc()
		o.log.Info("Version conflict, event treated as handled",
			zap.String("message_id", env.MessageID),
			zap.String("event_type", env.EventType),
		)
		return nil
	}
	return err
}

func (o *Orchestrator) onInventoryReserved(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var ev events.InventoryReserved
	if err := env.Decode(&ev); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	order, ok, err := o.applicableOrder(ctx, tx, env, ev.OrderID, db.OrderStatusReserving)
	if err != nil || !ok {
		return err
	}

	err = o.orders.Transition(ctx, tx, order, db.OrderStatusConfirmed, func(order *db.Order) {
		order.ReservationToken = &ev.ReservationToken
	})
	if err != nil {
		return err
	}

	o.metrics.OrderOutcomes.WithLabelValues(string(db.OrderStatusConfirmed)).Inc()
	return o.append(ctx, tx, events.TopicOrderConfirmed, ev.OrderID,
		events.OrderConfirmed{OrderID: ev.OrderID})
}

func (o *Orchestrator) onInventoryRejected(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var ev events.InventoryRejected
	if err := env.Decode(&ev); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	order, ok, err := o.applicableOrder(ctx, tx, env, ev.OrderID, db.OrderStatusReserving)
	if err != nil || !ok {
		return err
	}

	// Nothing was held, so compensation completes immediately.
	err = o.orders.Transition(ctx, tx, order, db.OrderStatusCancelled, func(order *db.Order) {
		order.FailureReason = db.ReasonInsufficientStock + ": " + ev.Reason
	})
	if err != nil {
		return err
	}

	o.metrics.OrderOutcomes.WithLabelValues(string(db.OrderStatusCancelled)).Inc()
	return o.append(ctx, tx, events.TopicOrderCancelled, ev.OrderID,
		events.OrderCancelled{OrderID: ev.OrderID, Reason: order.FailureReason})
}

func (o *Orchestrator) onReservationReleased(ctx context.Context, tx *gorm.DB, env events.Envelope) error {
	var ev events.ReservationReleased
	if err := env.Decode(&ev); err != nil {
		return fmt.Errorf("%w: %s", events.ErrDropMessage, err)
	}

	order, ok, err := o.applicableOrder(ctx, tx, env, ev.OrderID, db.OrderStatusCompensating)
	if err != nil || !ok {
		return err
	}

	err = o.orders.Transition(ctx, tx, order, db.OrderStatusCancelled, nil)
	if err != nil {
		return err
	}

	o.metrics.OrderOutcomes.WithLabelValues(string(db.OrderStatusCancelled)).Inc()
	return nil
}

// applicableOrder loads the order and checks the event applies to its current
// state. A missing order or a state mismatch is a stale delivery: logged,
// recorded in the inbox and dropped without retry.
func (o *Orchestrator) applicableOrder(ctx context.Context, tx *gorm.DB, env events.Envelope, orderID string, want db.OrderStatus) (*db.Order, bool, error) {
	order, err := o.orders.GetTx(ctx, tx, orderID)
	if errors.Is(err, repo.ErrOrderNotFound) {
		o.dropStale(env, orderID, "unknown order")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if order.Status != want {
		o.dropStale(env, orderID, "state "+string(order.Status))
		return nil, false, nil
	}

	return order, true, nil
}

func (o *Orchestrator) dropStale(env events.Envelope, orderID, detail string) {
	o.metrics.StaleEventsDropped.Inc()
	o.log.Warn("Dropping stale event",
		zap.String("message_id", env.MessageID),
		zap.String("event_type", env.EventType),
		zap.String("order_id", orderID),
		zap.String("detail", detail),
	)
}

func (o *Orchestrator) append(ctx context.Context, tx *gorm.DB, topic, orderID string, payload interface{}) error {
	env, err := events.NewEnvelope(topic, orderID, payload)
	if err != nil {
		return err
	}
	return o.outbox.Append(ctx, tx, topic, env)
}
