package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"
)

// The narrow views of store, redis and broker the services depend on.
// *store.Store, *redisclient.Client and *broker.EventPublisher satisfy them.

type CatalogStore interface {
	GetCatalogItem(ctx context.Context, productType models.ProductType, id string) (*models.CatalogItem, error)
}

type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error)
	SetGatewayReference(ctx context.Context, orderID string, gateway models.Gateway, referenceID string) error
}

type FulfillmentStore interface {
	WithOrderTx(ctx context.Context, fn func(store.Tx) error) error
}

type AuditStore interface {
	InsertAuditLogEntry(ctx context.Context, entry *models.AuditLogEntry) error
	GetAuditLogByOrderID(ctx context.Context, orderID string) ([]models.AuditLogEntry, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type StatusCache interface {
	GetOrderStatus(ctx context.Context, orderID string) (*redisclient.CachedOrderStatus, error)
	SetOrderStatus(ctx context.Context, orderID string, st *redisclient.CachedOrderStatus, ttl time.Duration) error
	AddOrderStatus(ctx context.Context, orderID string, st *redisclient.CachedOrderStatus, ttl time.Duration) (bool, error)
	InvalidateOrderStatus(ctx context.Context, orderID string) error
}

type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
}

type PaymentEventPublisher interface {
	PublishPaymentReceived(ctx context.Context, event *models.PaymentReceivedEvent) error
}
