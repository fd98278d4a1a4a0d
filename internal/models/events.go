package models

import "time"

// Event types
const (
	EventTypeOrderCreated    = "ORDER_CREATED"
	EventTypeOrderPaid       = "ORDER_PAID"
	EventTypeOrderFailed     = "ORDER_FAILED"
	EventTypePaymentReceived = "PAYMENT_RECEIVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published when an order first becomes PAID and access was granted
type OrderPaidEvent struct {
	BaseEvent
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id"`
	Gateway          Gateway         `json:"gateway"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	Amount           int64           `json:"amount"`
	Items            []OrderItemData `json:"items"`
}

// OrderFailedEvent published when an order moves from PENDING to FAILED
type OrderFailedEvent struct {
	BaseEvent
	OrderID          string        `json:"order_id"`
	UserID           string        `json:"user_id"`
	Gateway          Gateway       `json:"gateway"`
	GatewayPaymentID string        `json:"gateway_payment_id"`
	Reason           PaymentStatus `json:"reason"`
}

// PaymentReceivedEvent carries a verified notification to the async fulfillment worker
type PaymentReceivedEvent struct {
	BaseEvent
	Payment PaymentEvent `json:"payment"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductType ProductType `json:"product_type"`
	ProductID   string      `json:"product_id"`
	Quantity    int         `json:"quantity"`
	UnitPrice   int64       `json:"unit_price"`
}

// ItemData converts order items to their event shape
func ItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, it := range items {
		out = append(out, OrderItemData{
			ProductType: it.ProductType,
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	return out
}
