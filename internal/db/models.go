package db

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus enumerates the saga states of an order.
type OrderStatus string

const (
	OrderStatusReserving    OrderStatus = "RESERVING"
	OrderStatusConfirmed    OrderStatus = "CONFIRMED"
	OrderStatusCompensating OrderStatus = "COMPENSATING"
	OrderStatusCancelled    OrderStatus = "CANCELLED"
	OrderStatusFailed       OrderStatus = "FAILED"
)

// Terminal reports whether no further transition may be applied.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusCancelled || s == OrderStatusFailed
}

// Cancellation reason codes. Timeout expiry is logged distinctly from an
// explicit inventory rejection.
const (
	ReasonInsufficientStock = "INSUFFICIENT_STOCK"
	ReasonTimeout           = "TIMEOUT"
	ReasonValidation        = "VALIDATION"
)

// OrderItem is a single ordered line (SKU, quantity, unit price in cents).
type OrderItem struct {
	SKU       string `json:"sku"`
	Quantity  int32  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Order is the order aggregate. Version is a monotonic counter used for
// optimistic concurrency: every accepted transition increments it exactly once.
type Order struct {
	OrderID          string      `gorm:"primaryKey;type:varchar(64)" json:"order_id"`
	CustomerID       string      `gorm:"type:varchar(64);not null;index:idx_orders_customer" json:"customer_id"`
	Items            []OrderItem `gorm:"serializer:json;type:text;not null" json:"items"`
	Status           OrderStatus `gorm:"type:varchar(16);not null;index:idx_orders_status" json:"status"`
	Version          int64       `gorm:"not null" json:"version"`
	ReservationToken *string     `gorm:"type:varchar(64)" json:"reservation_token,omitempty"`
	FailureReason    string      `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	Deadline         time.Time   `gorm:"index:idx_orders_deadline" json:"deadline"`
	CreatedAt        time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Order model
func (Order) TableName() string {
	return "orders"
}

// BeforeCreate hook to set timestamps
func (o *Order) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	return nil
}

// Outbox dispatch status.
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
)

// OutboxRecord is appended in the same transaction as the state change that
// produced it and published by the background relay at least once.
type OutboxRecord struct {
	Seq          int64     `gorm:"primaryKey;autoIncrement" json:"seq"`
	Topic        string    `gorm:"type:varchar(100);not null" json:"topic"`
	PartitionKey string    `gorm:"type:varchar(64);not null" json:"partition_key"`
	MessageID    string    `gorm:"type:varchar(64);not null" json:"message_id"`
	Payload      []byte    `gorm:"type:text;not null" json:"payload"`
	Status       string    `gorm:"type:varchar(12);not null;default:'PENDING';index:idx_outbox_status" json:"status"`
	CreatedAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName specifies the table name for OutboxRecord model
func (OutboxRecord) TableName() string {
	return "outbox"
}

// InboxRecord marks a message ID as processed by a consumer. A repeated
// delivery of the same message ID is a no-op once the row exists.
type InboxRecord struct {
	Consumer    string    `gorm:"primaryKey;type:varchar(64)" json:"consumer"`
	MessageID   string    `gorm:"primaryKey;type:varchar(64)" json:"message_id"`
	ProcessedAt time.Time `gorm:"not null;index:idx_inbox_processed_at" json:"processed_at"`
}

// TableName specifies the table name for InboxRecord model
func (InboxRecord) TableName() string {
	return "inbox"
}

// StockLevel tracks per-SKU quantities. Available is the on-hand total,
// Reserved the portion held by open reservations; available-to-promise is
// Available - Reserved.
type StockLevel struct {
	SKU       string    `gorm:"primaryKey;type:varchar(64)" json:"sku"`
	Available int32     `gorm:"not null" json:"available"`
	Reserved  int32     `gorm:"not null;default:0" json:"reserved"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for StockLevel model
func (StockLevel) TableName() string {
	return "stock_levels"
}

// Reservation states.
const (
	ReservationStateHeld      = "HELD"
	ReservationStateCommitted = "COMMITTED"
	ReservationStateReleased  = "RELEASED"
	ReservationStateFailed    = "FAILED"
)

// Reservation binds an inventory hold to an order. Tokens are never reused
// across orders. Failed attempts are kept with their reason.
type Reservation struct {
	Token         string    `gorm:"primaryKey;type:varchar(64)" json:"token"`
	OrderID       string    `gorm:"type:varchar(64);not null;index:idx_reservations_order" json:"order_id"`
	State         string    `gorm:"type:varchar(12);not null" json:"state"`
	FailureReason string    `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for Reservation model
func (Reservation) TableName() string {
	return "reservations"
}

// ReservationHold is a single (SKU, quantity) hold belonging to a reservation.
type ReservationHold struct {
	ID       int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Token    string `gorm:"type:varchar(64);not null;index:idx_holds_token" json:"token"`
	SKU      string `gorm:"type:varchar(64);not null" json:"sku"`
	Quantity int32  `gorm:"not null" json:"quantity"`
}

// TableName specifies the table name for ReservationHold model
func (ReservationHold) TableName() string {
	return "reservation_holds"
}
