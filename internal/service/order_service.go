package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService builds orders from carts and answers order queries
type OrderService struct {
	store          OrderStore
	catalog        *CatalogResolver
	cache          StatusCache
	eventPublisher OrderEventPublisher
	cacheTTL       time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service. cache and eventPublisher may be nil.
func NewOrderService(
	store OrderStore,
	catalog *CatalogResolver,
	cache StatusCache,
	eventPublisher OrderEventPublisher,
	cacheTTL time.Duration,
) *OrderService {
	return &OrderService{
		store:          store,
		catalog:        catalog,
		cache:          cache,
		eventPublisher: eventPublisher,
		cacheTTL:       cacheTTL,
		logger:         util.Named("orders"),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         string             `json:"-"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents a cart line
type OrderItemRequest struct {
	ProductType models.ProductType `json:"product_type" binding:"required"`
	ProductID   string             `json:"product_id" binding:"required"`
	Quantity    int                `json:"quantity" binding:"required,min=1,max=100"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID   string             `json:"order_id"`
	Status    models.OrderStatus `json:"status"`
	Total     int64              `json:"total"`
	Duplicate bool               `json:"-"`
}

// OrderView is an order with its frozen items
type OrderView struct {
	Order *models.Order
	Items []models.OrderItem
}

// OrderStatusView is what the checkout success page polls
type OrderStatusView struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	DisplayStatus string `json:"display_status"`
	Total         int64  `json:"total"`
}

type itemKey struct {
	productType models.ProductType
	productID   string
}

// CreateOrder validates the cart against the catalog and persists a PENDING order
// with frozen price snapshots
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidOrder)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.duplicate(existing, req)
		}
	}

	lines, err := mergeItems(req.Items)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	items, err := s.resolveItems(ctx, lines)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			util.OrdersRejectedTotal.WithLabelValues("product_not_found").Inc()
		}
		util.RecordError(span, err)
		return nil, err
	}

	order := &models.Order{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		TotalAmount: calculateTotal(items),
		Status:      models.OrderStatusPending,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		order.IdempotencyKey = &key
	}

	if err := s.store.CreateOrderWithItems(ctx, order, items); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// lost a race with a concurrent request carrying the same key
			existing, getErr := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.duplicate(existing, req)
			}
		}
		util.OrdersRejectedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int64("total", order.TotalAmount),
		zap.Int("items", len(items)))

	if s.eventPublisher != nil {
		event := &models.OrderCreatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCreated,
				Timestamp: time.Now(),
			},
			OrderID:     order.ID,
			UserID:      order.UserID,
			TotalAmount: order.TotalAmount,
			Items:       models.ItemData(items),
		}
		if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	return &CreateOrderResponse{
		OrderID: order.ID,
		Status:  order.Status,
		Total:   order.TotalAmount,
	}, nil
}

func (s *OrderService) duplicate(existing *models.Order, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	if existing.UserID != req.UserID {
		return nil, fmt.Errorf("%w: idempotency key belongs to another user", ErrForbidden)
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("order_id", existing.ID))
	return &CreateOrderResponse{
		OrderID:   existing.ID,
		Status:    existing.Status,
		Total:     existing.TotalAmount,
		Duplicate: true,
	}, nil
}

// maxQuantity bounds a single merged line
const maxQuantity = 100

// mergeItems collapses repeated (type, id) lines by summing quantities, keeping first-seen order
func mergeItems(items []OrderItemRequest) ([]OrderItemRequest, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidOrder)
	}

	merged := make([]OrderItemRequest, 0, len(items))
	index := make(map[itemKey]int, len(items))
	for _, it := range items {
		if it.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for %s %s must be at least 1", ErrInvalidOrder, it.ProductType, it.ProductID)
		}
		k := itemKey{productType: it.ProductType, productID: it.ProductID}
		if i, ok := index[k]; ok {
			merged[i].Quantity += it.Quantity
		} else {
			index[k] = len(merged)
			merged = append(merged, it)
		}
		if q := merged[index[k]].Quantity; q > maxQuantity {
			return nil, fmt.Errorf("%w: quantity %d for %s %s exceeds %d", ErrInvalidOrder, q, it.ProductType, it.ProductID, maxQuantity)
		}
	}
	return merged, nil
}

// resolveItems snapshots each line's title and effective unit price
func (s *OrderService) resolveItems(ctx context.Context, lines []OrderItemRequest) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		product, err := s.catalog.Resolve(ctx, line.ProductType, line.ProductID)
		if err != nil {
			return nil, err
		}
		items = append(items, models.OrderItem{
			ID:          uuid.New().String(),
			ProductType: line.ProductType,
			ProductID:   line.ProductID,
			Title:       product.Title,
			UnitPrice:   product.UnitPrice(),
			Quantity:    line.Quantity,
		})
	}
	return items, nil
}

// calculateTotal calculates the total amount for an order
func calculateTotal(items []models.OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// GetOrder retrieves an order and its items
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderView{Order: order, Items: items}, nil
}

// GetOrderForUser is GetOrder restricted to the order's owner
func (s *OrderService) GetOrderForUser(ctx context.Context, userID, orderID string) (*OrderView, error) {
	view, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if view.Order.UserID != userID {
		return nil, ErrForbidden
	}
	return view, nil
}

// ListOrders lists a user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	orders, err := s.store.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetOrderStatus serves the polled order status through the cache.
// A PENDING order is reported as processing, never as failed.
func (s *OrderService) GetOrderStatus(ctx context.Context, userID, orderID string) (*OrderStatusView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrderStatus")
	defer span.End()

	cached := s.cachedStatus(ctx, orderID)
	if cached == nil {
		order, err := s.store.GetOrderByID(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return nil, err
		}
		cached = &redisclient.CachedOrderStatus{
			UserID: order.UserID,
			Status: string(order.Status),
			Total:  order.TotalAmount,
		}
		// the engine overwrites the entry on every transition; a read only fills a miss
		if s.cache != nil {
			if _, err := s.cache.AddOrderStatus(ctx, orderID, cached, s.cacheTTL); err != nil {
				s.logger.Warn("Failed to cache order status", zap.String("order_id", orderID), zap.Error(err))
			}
		}
	}

	if cached.UserID != userID {
		return nil, ErrForbidden
	}

	return &OrderStatusView{
		OrderID:       orderID,
		Status:        cached.Status,
		DisplayStatus: models.DisplayStatus(models.OrderStatus(cached.Status)),
		Total:         cached.Total,
	}, nil
}

func (s *OrderService) cachedStatus(ctx context.Context, orderID string) *redisclient.CachedOrderStatus {
	if s.cache == nil {
		return nil
	}
	st, err := s.cache.GetOrderStatus(ctx, orderID)
	if err != nil {
		s.logger.Warn("Order status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		return nil
	}
	return st
}
