package models

import (
	"encoding/json"
	"time"
)

// ProductType identifies which catalog a product id belongs to
type ProductType string

const (
	ProductTypeCourse ProductType = "COURSE"
	ProductTypeEbook  ProductType = "EBOOK"
)

// Valid reports whether t is a known product type
func (t ProductType) Valid() bool {
	return t == ProductTypeCourse || t == ProductTypeEbook
}

// Gateway names a payment gateway
type Gateway string

const (
	GatewayStripe      Gateway = "stripe"
	GatewayMercadoPago Gateway = "mercadopago"
)

// CatalogItem is a course or e-book as seen by the order builder
type CatalogItem struct {
	ID             string      `db:"id" json:"id"`
	Type           ProductType `db:"-" json:"type"`
	Title          string      `db:"title" json:"title"`
	Price          int64       `db:"price" json:"price"`
	PromotionPrice *int64      `db:"promotion_price" json:"promotion_price,omitempty"`
	Published      bool        `db:"published" json:"published"`
}

// UnitPrice returns the promotional price when one is set, else the base price
func (c *CatalogItem) UnitPrice() int64 {
	if c.PromotionPrice != nil {
		return *c.PromotionPrice
	}
	return c.Price
}

// Order represents a customer order. TotalAmount is fixed at creation.
type Order struct {
	ID                 string      `db:"id" json:"id"`
	UserID             string      `db:"user_id" json:"user_id"`
	TotalAmount        int64       `db:"total_amount" json:"total_amount"`
	Status             OrderStatus `db:"status" json:"status"`
	Gateway            *string     `db:"gateway" json:"gateway,omitempty"`
	GatewayReferenceID *string     `db:"gateway_reference_id" json:"gateway_reference_id,omitempty"`
	IdempotencyKey     *string     `db:"idempotency_key" json:"-"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem is a frozen snapshot of a catalog item at order time
type OrderItem struct {
	ID          string      `db:"id" json:"id"`
	OrderID     string      `db:"order_id" json:"order_id"`
	ProductType ProductType `db:"product_type" json:"product_type"`
	ProductID   string      `db:"product_id" json:"product_id"`
	Title       string      `db:"title" json:"title"`
	UnitPrice   int64       `db:"unit_price" json:"unit_price"`
	Quantity    int         `db:"quantity" json:"quantity"`
}

// Actor is the authenticated user behind a request, or the payer echoed by a gateway
type Actor struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// PaymentEvent is a verified, gateway-agnostic payment report
type PaymentEvent struct {
	Gateway          Gateway         `json:"gateway"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	OrderID          string          `json:"order_id"`
	Status           PaymentStatus   `json:"status"`
	Amount           int64           `json:"amount"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	Actor            Actor           `json:"actor"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt       time.Time       `json:"received_at"`
}

// AuditLogEntry records one inbound payment notification
type AuditLogEntry struct {
	ID               int64           `db:"id" json:"id"`
	Gateway          Gateway         `db:"gateway" json:"gateway"`
	GatewayPaymentID string          `db:"gateway_payment_id" json:"gateway_payment_id"`
	OrderID          string          `db:"order_id" json:"order_id"`
	Status           PaymentStatus   `db:"status" json:"status"`
	Amount           int64           `db:"amount" json:"amount"`
	PaymentMethod    string          `db:"payment_method" json:"payment_method"`
	ActorUserID      string          `db:"actor_user_id" json:"actor_user_id"`
	ActorName        string          `db:"actor_name" json:"actor_name"`
	ActorEmail       string          `db:"actor_email" json:"actor_email"`
	RawPayload       json.RawMessage `db:"raw_payload" json:"raw_payload"`
	ReceivedAt       time.Time       `db:"received_at" json:"received_at"`
}

// NewAuditLogEntry copies a payment event into its audit shape
func NewAuditLogEntry(ev *PaymentEvent) *AuditLogEntry {
	raw := ev.RawPayload
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return &AuditLogEntry{
		Gateway:          ev.Gateway,
		GatewayPaymentID: ev.GatewayPaymentID,
		OrderID:          ev.OrderID,
		Status:           ev.Status,
		Amount:           ev.Amount,
		PaymentMethod:    ev.PaymentMethod,
		ActorUserID:      ev.Actor.UserID,
		ActorName:        ev.Actor.Name,
		ActorEmail:       ev.Actor.Email,
		RawPayload:       raw,
		ReceivedAt:       received,
	}
}

// CourseEnrollment grants a user access to a course
type CourseEnrollment struct {
	UserID    string    `db:"user_id" json:"user_id"`
	CourseID  string    `db:"course_id" json:"course_id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// EbookDownload grants a user the right to download an e-book
type EbookDownload struct {
	UserID    string    `db:"user_id" json:"user_id"`
	EbookID   string    `db:"ebook_id" json:"ebook_id"`
	OrderID   string    `db:"order_id" json:"order_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
