package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	ExchangeName = "ecommerce.events"
	ExchangeType = "topic"

	EventVersion = "1.0.0"

	// Saga command topics (consumed by the inventory worker)
	TopicReserveInventory   = "order.reserve-inventory"
	TopicReleaseReservation = "order.release-reservation"

	// Saga event topics (consumed by the order orchestrator)
	TopicInventoryReserved   = "inventory.reserved"
	TopicInventoryRejected   = "inventory.rejected"
	TopicReservationReleased = "inventory.released"

	// Outcome topics (consumed by the notification collaborator and, for
	// reservation commit, the inventory worker)
	TopicOrderConfirmed = "order.confirmed"
	TopicOrderCancelled = "order.cancelled"
)

// Envelope wraps every message on the bus. MessageID is assigned once by the
// producer and stays stable across redeliveries, which is what makes inbox
// deduplication possible. PartitionKey is always the order ID.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	EventType     string          `json:"event_type"`
	EventVersion  string          `json:"event_version"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PartitionKey  string          `json:"partition_key"`
	Payload       json.RawMessage `json:"payload"`
}

// LineItem is a (SKU, quantity) pair carried by commands.
type LineItem struct {
	SKU      string `json:"sku"`
	Quantity int32  `json:"quantity"`
}

// ReserveInventory asks the inventory worker to hold stock for an order.
type ReserveInventory struct {
	OrderID string     `json:"order_id"`
	Items   []LineItem `json:"items"`
}

// ReleaseReservation asks the inventory worker to free a hold. The token may
// be empty when the orchestrator never learned one (timeout before the
// reserved event arrived); the worker then resolves the hold by order ID.
type ReleaseReservation struct {
	OrderID          string `json:"order_id"`
	ReservationToken string `json:"reservation_token,omitempty"`
}

// InventoryReserved reports a successful hold.
type InventoryReserved struct {
	OrderID          string `json:"order_id"`
	ReservationToken string `json:"reservation_token"`
}

// InventoryRejected reports a failed hold.
type InventoryRejected struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// ReservationReleased acknowledges a release, held or not.
type ReservationReleased struct {
	OrderID          string `json:"order_id"`
	ReservationToken string `json:"reservation_token,omitempty"`
}

// OrderConfirmed announces a finished order.
type OrderConfirmed struct {
	OrderID string `json:"order_id"`
}

// OrderCancelled announces a cancelled order with its reason code.
type OrderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// NewEnvelope builds an envelope around a typed payload, assigning a fresh
// message ID and the current timestamp.
func NewEnvelope(eventType, partitionKey string, payload interface{}) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return Envelope{
		MessageID:    uuid.New().String(),
		EventType:    eventType,
		EventVersion: EventVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PartitionKey: partitionKey,
		Payload:      body,
	}, nil
}

// Decode unmarshals the envelope payload into the given typed payload.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}
