package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// OrderAPI is the order service as seen by the handlers
type OrderAPI interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrderForUser(ctx context.Context, userID, orderID string) (*service.OrderView, error)
	ListOrders(ctx context.Context, userID string) ([]models.Order, error)
	GetOrderStatus(ctx context.Context, userID, orderID string) (*service.OrderStatusView, error)
}

type SessionAPI interface {
	OpenSession(ctx context.Context, actor models.Actor, req *service.OpenSessionRequest) (*service.OpenSessionResponse, error)
}

type NotificationAPI interface {
	Ingest(ctx context.Context, name models.Gateway, n *gateway.Notification) (*service.IngestResult, error)
}

type AuditAPI interface {
	ListByOrder(ctx context.Context, orderID string) ([]models.AuditLogEntry, error)
}

// Pinger is a dependency checked by /ready
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures cross-cutting HTTP behavior
type Options struct {
	JWTSecret      string
	RateLimitRPS   int
	RateLimitBurst int
	// Ready lists named dependencies /ready must reach
	Ready map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	orders        OrderAPI
	sessions      SessionAPI
	notifications NotificationAPI
	audit         AuditAPI
	opts          Options
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders OrderAPI, sessions SessionAPI, notifications NotificationAPI, audit AuditAPI, opts Options) *Handler {
	return &Handler{
		orders:        orders,
		sessions:      sessions,
		notifications: notifications,
		audit:         audit,
		opts:          opts,
		logger:        util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// gateway callbacks are authenticated per request and stay outside the per-IP limiter
	webhooks := router.Group("/api/v1/webhooks")
	{
		webhooks.POST("/stripe", h.stripeWebhook)
		webhooks.POST("/mercadopago", h.mercadoPagoWebhook)
	}

	v1 := router.Group("/api/v1")
	if h.opts.RateLimitRPS > 0 {
		v1.Use(newRateLimiter(h.opts.RateLimitRPS, h.opts.RateLimitBurst).middleware())
	}

	authed := v1.Group("")
	authed.Use(authMiddleware(h.opts.JWTSecret))
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.GET("/orders/:id/status", h.getOrderStatus)
		authed.GET("/orders/:id/audit", h.getOrderAudit)
		authed.POST("/payment-sessions", h.openPaymentSession)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.opts.Ready {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.UserID = actorFrom(c).UserID

	resp, err := h.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "Failed to create order", err)
		return
	}

	code := http.StatusCreated
	if resp.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

// listOrders lists the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), actorFrom(c).UserID)
	if err != nil {
		h.writeError(c, "Failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	view, err := h.orders.GetOrderForUser(c.Request.Context(), actorFrom(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, "Order not found", err)
		return
	}

	order := view.Order
	c.JSON(http.StatusOK, gin.H{
		"order_id":             order.ID,
		"status":               order.Status,
		"display_status":       models.DisplayStatus(order.Status),
		"total":                order.TotalAmount,
		"gateway":              order.Gateway,
		"gateway_reference_id": order.GatewayReferenceID,
		"created_at":           order.CreatedAt,
		"updated_at":           order.UpdatedAt,
		"items":                view.Items,
	})
}

// getOrderStatus is polled by the checkout success page
func (h *Handler) getOrderStatus(c *gin.Context) {
	st, err := h.orders.GetOrderStatus(c.Request.Context(), actorFrom(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, "Order not found", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// getOrderAudit lists the payment notifications recorded for an order
func (h *Handler) getOrderAudit(c *gin.Context) {
	orderID := c.Param("id")
	if _, err := h.orders.GetOrderForUser(c.Request.Context(), actorFrom(c).UserID, orderID); err != nil {
		h.writeError(c, "Order not found", err)
		return
	}

	entries, err := h.audit.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "Failed to list audit entries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "entries": entries})
}

// openPaymentSession opens a hosted payment session and returns where to redirect
func (h *Handler) openPaymentSession(c *gin.Context) {
	var req service.OpenSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.sessions.OpenSession(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		h.writeError(c, "Failed to open payment session", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
