package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func seededStore() *memStore {
	s := newMemStore()
	s.addProduct(models.ProductTypeCourse, "course-1", "Go in Practice", 5000, nil)
	s.addProduct(models.ProductTypeEbook, "ebook-1", "Concurrency Notes", 2000, int64Ptr(1500))
	return s
}

func newOrderService(s *memStore, cache StatusCache, pub OrderEventPublisher) *OrderService {
	return NewOrderService(s, NewCatalogResolver(s), cache, pub, 0)
}

func cart() []OrderItemRequest {
	return []OrderItemRequest{
		{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: 1},
		{ProductType: models.ProductTypeEbook, ProductID: "ebook-1", Quantity: 1},
	}
}

func TestCalculateTotal(t *testing.T) {
	items := []models.OrderItem{
		{UnitPrice: 1000, Quantity: 2},
		{UnitPrice: 500, Quantity: 1},
	}
	assert.Equal(t, int64(2*1000+1*500), calculateTotal(items))
	assert.Equal(t, int64(0), calculateTotal(nil))
}

func TestCreateOrderUsesPromotionPrice(t *testing.T) {
	s := seededStore()
	pub := &recordingPublisher{}
	svc := newOrderService(s, nil, pub)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: cart()})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, resp.Status)
	assert.Equal(t, int64(6500), resp.Total)

	view, err := svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", view.Order.UserID)
	require.Len(t, view.Items, 2)
	assert.Equal(t, int64(5000), view.Items[0].UnitPrice)
	assert.Equal(t, "Concurrency Notes", view.Items[1].Title)
	assert.Equal(t, int64(1500), view.Items[1].UnitPrice)

	require.Len(t, pub.created, 1)
	assert.Equal(t, resp.OrderID, pub.created[0].OrderID)
	assert.Equal(t, models.EventTypeOrderCreated, pub.created[0].EventType)
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	s := seededStore()
	svc := newOrderService(s, nil, nil)

	items := append(cart(), OrderItemRequest{ProductType: models.ProductTypeEbook, ProductID: "ebook-1", Quantity: 2})
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: items})
	require.NoError(t, err)
	assert.Equal(t, int64(5000+3*1500), resp.Total)

	view, err := svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, 3, view.Items[1].Quantity)
}

func TestCreateOrderRejectsUnknownOrUnpublishedProducts(t *testing.T) {
	s := seededStore()
	s.addProduct(models.ProductTypeCourse, "draft", "Draft Course", 100, nil)
	s.unpublish(models.ProductTypeCourse, "draft")
	svc := newOrderService(s, nil, nil)

	cases := map[string]OrderItemRequest{
		"missing":       {ProductType: models.ProductTypeCourse, ProductID: "nope", Quantity: 1},
		"unpublished":   {ProductType: models.ProductTypeCourse, ProductID: "draft", Quantity: 1},
		"wrong catalog": {ProductType: models.ProductTypeEbook, ProductID: "course-1", Quantity: 1},
		"unknown type":  {ProductType: "VIDEO", ProductID: "course-1", Quantity: 1},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
				UserID: "user-1",
				Items:  append(cart(), bad),
			})
			assert.ErrorIs(t, err, ErrProductNotFound)
		})
	}

	orders, err := svc.ListOrders(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, orders, "a rejected cart must not leave an order behind")
}

func TestCreateOrderValidatesRequest(t *testing.T) {
	svc := newOrderService(seededStore(), nil, nil)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{Items: cart()})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1",
		Items:  []OrderItemRequest{{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: 0}},
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestCreateOrderBoundsQuantity(t *testing.T) {
	svc := newOrderService(seededStore(), nil, nil)

	_, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1",
		Items:  []OrderItemRequest{{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: maxQuantity + 1}},
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// each line is within bounds, the merged line is not
	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1",
		Items: []OrderItemRequest{
			{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: maxQuantity},
			{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: 1},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-1",
		Items:  []OrderItemRequest{{ProductType: models.ProductTypeCourse, ProductID: "course-1", Quantity: maxQuantity}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000*maxQuantity), resp.Total)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	s := seededStore()
	pub := &recordingPublisher{}
	svc := newOrderService(s, nil, pub)
	req := &CreateOrderRequest{UserID: "user-1", Items: cart(), IdempotencyKey: "cart-42"}

	first, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.True(t, second.Duplicate)
	assert.Len(t, pub.created, 1)

	_, err = svc.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID: "user-2", Items: cart(), IdempotencyKey: "cart-42",
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPriceChangesDoNotTouchExistingOrders(t *testing.T) {
	s := seededStore()
	svc := newOrderService(s, nil, nil)

	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: cart()})
	require.NoError(t, err)

	s.setPrice(models.ProductTypeCourse, "course-1", 9900)
	s.setPrice(models.ProductTypeEbook, "ebook-1", 9900)

	view, err := svc.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(6500), view.Order.TotalAmount)
	assert.Equal(t, int64(5000), view.Items[0].UnitPrice)
	assert.Equal(t, int64(1500), view.Items[1].UnitPrice)
}

func TestGetOrderForUser(t *testing.T) {
	s := seededStore()
	svc := newOrderService(s, nil, nil)
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: cart()})
	require.NoError(t, err)

	_, err = svc.GetOrderForUser(context.Background(), "user-2", resp.OrderID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetOrderForUser(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrderStatusReadsThroughCache(t *testing.T) {
	s := seededStore()
	cache := newMemCache()
	svc := newOrderService(s, cache, nil)
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: cart()})
	require.NoError(t, err)

	st, err := svc.GetOrderStatus(context.Background(), "user-1", resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", st.Status)
	assert.Equal(t, "processing", st.DisplayStatus)
	assert.Equal(t, int64(6500), st.Total)

	cached, err := cache.GetOrderStatus(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "user-1", cached.UserID)

	_, err = svc.GetOrderStatus(context.Background(), "user-2", resp.OrderID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetOrderStatus(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOrderStatusKeepsFresherCacheEntry(t *testing.T) {
	s := seededStore()
	cache := newMemCache()
	svc := newOrderService(s, cache, nil)
	resp, err := svc.CreateOrder(context.Background(), &CreateOrderRequest{UserID: "user-1", Items: cart()})
	require.NoError(t, err)

	// a transition commits and writes PAID between the reader's load and its cache fill
	s.afterGetOrder = func(orderID string) {
		_ = cache.SetOrderStatus(context.Background(), orderID, &redisclient.CachedOrderStatus{
			UserID: "user-1", Status: "PAID", Total: 6500,
		}, time.Minute)
	}

	st, err := svc.GetOrderStatus(context.Background(), "user-1", resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", st.Status, "this read saw the row before the commit")

	s.afterGetOrder = nil
	st, err = svc.GetOrderStatus(context.Background(), "user-1", resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "PAID", st.Status, "the stale read must not replace the newer entry")
}
