package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"

	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for *store.Store. WithOrderTx holds a per-order
// mutex for the life of the transaction and restores grant/status state on error.
type memStore struct {
	mu          sync.Mutex
	catalog     map[itemKey]*models.CatalogItem
	orders      map[string]*models.Order
	items       map[string][]models.OrderItem
	audit       []models.AuditLogEntry
	enrollments map[[2]string]models.CourseEnrollment
	downloads   map[[2]string]models.EbookDownload

	rowLocks sync.Map

	failGrantFor string
	failAudit    bool
	nextAuditID  int64
	// afterGetOrder runs once GetOrderByID has read the row
	afterGetOrder func(orderID string)
}

func newMemStore() *memStore {
	return &memStore{
		catalog:     map[itemKey]*models.CatalogItem{},
		orders:      map[string]*models.Order{},
		items:       map[string][]models.OrderItem{},
		enrollments: map[[2]string]models.CourseEnrollment{},
		downloads:   map[[2]string]models.EbookDownload{},
	}
}

func (m *memStore) addProduct(t models.ProductType, id, title string, price int64, promo *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[itemKey{t, id}] = &models.CatalogItem{
		ID: id, Type: t, Title: title, Price: price, PromotionPrice: promo, Published: true,
	}
}

func (m *memStore) setPrice(t models.ProductType, id string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.catalog[itemKey{t, id}]
	item.Price = price
	item.PromotionPrice = nil
}

func (m *memStore) unpublish(t models.ProductType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[itemKey{t, id}].Published = false
}

func (m *memStore) removeProduct(t models.ProductType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.catalog, itemKey{t, id})
}

func (m *memStore) GetCatalogItem(ctx context.Context, t models.ProductType, id string) (*models.CatalogItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.catalog[itemKey{t, id}]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, id, store.ErrNotFound)
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.IdempotencyKey != nil {
		for _, o := range m.orders {
			if o.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
				return store.ErrDuplicateIdempotencyKey
			}
		}
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	cp := *order
	m.orders[order.ID] = &cp
	stored := make([]models.OrderItem, len(items))
	for i := range items {
		items[i].OrderID = order.ID
		stored[i] = items[i]
	}
	m.items[order.ID] = stored
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	var cp models.Order
	if ok {
		cp = *o
	}
	hook := m.afterGetOrder
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (m *memStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetOrderItemsByOrderID(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) SetGatewayReference(ctx context.Context, orderID string, gw models.Gateway, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	g := string(gw)
	o.Gateway = &g
	o.GatewayReferenceID = &ref
	return nil
}

func (m *memStore) InsertAuditLogEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAudit {
		return errors.New("audit table unavailable")
	}
	m.nextAuditID++
	entry.ID = m.nextAuditID
	m.audit = append(m.audit, *entry)
	return nil
}

func (m *memStore) GetAuditLogByOrderID(ctx context.Context, orderID string) ([]models.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLogEntry
	for _, e := range m.audit {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) rowLock(orderID string) *sync.Mutex {
	l, _ := m.rowLocks.LoadOrStore(orderID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *memStore) WithOrderTx(ctx context.Context, fn func(store.Tx) error) error {
	tx := &memTx{store: m}
	err := fn(tx)
	defer tx.unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return err
	}
	for k, v := range tx.enrollments {
		if _, ok := m.enrollments[k]; !ok {
			m.enrollments[k] = v
		}
	}
	for k, v := range tx.downloads {
		if _, ok := m.downloads[k]; !ok {
			m.downloads[k] = v
		}
	}
	if tx.status != "" {
		m.orders[tx.orderID].Status = tx.status
		m.orders[tx.orderID].UpdatedAt = time.Now()
	}
	return nil
}

func (m *memStore) enrollmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enrollments)
}

func (m *memStore) downloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.downloads)
}

func (m *memStore) auditCount(orderID string) int {
	entries, _ := m.GetAuditLogByOrderID(context.Background(), orderID)
	return len(entries)
}

func (m *memStore) status(orderID string) models.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID].Status
}

// memTx buffers writes until WithOrderTx commits them
type memTx struct {
	store       *memStore
	lock        *sync.Mutex
	orderID     string
	status      models.OrderStatus
	enrollments map[[2]string]models.CourseEnrollment
	downloads   map[[2]string]models.EbookDownload
}

func (t *memTx) unlock() {
	if t.lock != nil {
		t.lock.Unlock()
	}
}

func (t *memTx) LockOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if _, err := t.store.GetOrderByID(ctx, orderID); err != nil {
		return nil, err
	}
	t.lock = t.store.rowLock(orderID)
	t.lock.Lock()
	t.orderID = orderID
	t.enrollments = map[[2]string]models.CourseEnrollment{}
	t.downloads = map[[2]string]models.EbookDownload{}
	return t.store.GetOrderByID(ctx, orderID)
}

func (t *memTx) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	return t.store.GetOrderItemsByOrderID(ctx, orderID)
}

func (t *memTx) UpsertCourseEnrollment(ctx context.Context, e *models.CourseEnrollment) error {
	if e.CourseID == t.store.failGrantFor {
		return fmt.Errorf("course %s: %w", e.CourseID, store.ErrForeignKey)
	}
	t.enrollments[[2]string{e.UserID, e.CourseID}] = *e
	return nil
}

func (t *memTx) UpsertEbookDownload(ctx context.Context, d *models.EbookDownload) error {
	if d.EbookID == t.store.failGrantFor {
		return fmt.Errorf("ebook %s: %w", d.EbookID, store.ErrForeignKey)
	}
	t.downloads[[2]string{d.UserID, d.EbookID}] = *d
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	t.status = status
	return nil
}

// memCache mimics the redis status cache and session lock
type memCache struct {
	mu       sync.Mutex
	statuses map[string]redisclient.CachedOrderStatus
	locks    map[string]string
}

func newMemCache() *memCache {
	return &memCache{statuses: map[string]redisclient.CachedOrderStatus{}, locks: map[string]string{}}
}

func (c *memCache) GetOrderStatus(ctx context.Context, orderID string) (*redisclient.CachedOrderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.statuses[orderID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (c *memCache) SetOrderStatus(ctx context.Context, orderID string, st *redisclient.CachedOrderStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[orderID] = *st
	return nil
}

func (c *memCache) AddOrderStatus(ctx context.Context, orderID string, st *redisclient.CachedOrderStatus, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.statuses[orderID]; ok {
		return false, nil
	}
	c.statuses[orderID] = *st
	return true, nil
}

func (c *memCache) InvalidateOrderStatus(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, orderID)
	return nil
}

func (c *memCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return "", false, nil
	}
	token := uuid.New().String()
	c.locks[key] = token
	return token, true, nil
}

func (c *memCache) ReleaseLock(ctx context.Context, key, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] == token {
		delete(c.locks, key)
	}
	return nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu       sync.Mutex
	created  []*models.OrderCreatedEvent
	paid     []*models.OrderPaidEvent
	failed   []*models.OrderFailedEvent
	received []*models.PaymentReceivedEvent
	err      error
}

func (p *recordingPublisher) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishOrderPaid(ctx context.Context, e *models.OrderPaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paid = append(p.paid, e)
	return p.err
}

func (p *recordingPublisher) PublishOrderFailed(ctx context.Context, e *models.OrderFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return p.err
}

func (p *recordingPublisher) PublishPaymentReceived(ctx context.Context, e *models.PaymentReceivedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, e)
	return p.err
}

// stubGateway returns canned sessions and events
type stubGateway struct {
	name       models.Gateway
	session    *gateway.Session
	sessionErr error
	event      *models.PaymentEvent
	verifyErr  error
	block      chan struct{}

	mu       sync.Mutex
	requests []*gateway.SessionRequest
}

func (g *stubGateway) Name() models.Gateway { return g.name }

func (g *stubGateway) OpenSession(ctx context.Context, req *gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.session, g.sessionErr
}

func (g *stubGateway) VerifyNotification(ctx context.Context, n *gateway.Notification) (*models.PaymentEvent, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	cp := *g.event
	return &cp, nil
}
