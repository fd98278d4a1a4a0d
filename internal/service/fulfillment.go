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
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome describes what applying one payment event did to its order
type Outcome struct {
	OrderID  string             `json:"order_id"`
	Previous models.OrderStatus `json:"previous"`
	Current  models.OrderStatus `json:"current"`
	// Granted counts access grants written; non-zero only on first entry to PAID
	Granted int `json:"granted"`
}

// Changed reports whether the order's status moved
func (o *Outcome) Changed() bool {
	return o.Previous != o.Current
}

// Engine applies verified payment events to orders. It is safe for concurrent use:
// events for the same order serialize on the order's row lock.
type Engine struct {
	store          FulfillmentStore
	audit          *AuditLog
	cache          StatusCache
	eventPublisher OrderEventPublisher
	cacheTTL       time.Duration
	logger         *zap.Logger
}

// NewEngine creates the fulfillment engine. cache and eventPublisher may be nil.
// cacheTTL is the lifetime of the status entry written after each transition.
func NewEngine(store FulfillmentStore, audit *AuditLog, cache StatusCache, eventPublisher OrderEventPublisher, cacheTTL time.Duration) *Engine {
	return &Engine{
		store:          store,
		audit:          audit,
		cache:          cache,
		eventPublisher: eventPublisher,
		cacheTTL:       cacheTTL,
		logger:         util.Named("fulfillment"),
	}
}

// Apply records ev in the audit log, then transitions the order and grants access
// atomically. Replays and out-of-order deliveries are harmless.
func (e *Engine) Apply(ctx context.Context, ev *models.PaymentEvent) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentEngine.Apply")
	defer span.End()

	// audit failures are logged inside Record and never block fulfillment
	_ = e.audit.Record(ctx, ev)

	return e.transition(ctx, ev)
}

// Record appends ev to the audit log without touching the order
func (e *Engine) Record(ctx context.Context, ev *models.PaymentEvent) error {
	return e.audit.Record(ctx, ev)
}

// Transition applies an event whose audit entry was already written when it was
// received. Retrying it never adds audit entries.
func (e *Engine) Transition(ctx context.Context, ev *models.PaymentEvent) (*Outcome, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentEngine.Transition")
	defer span.End()

	return e.transition(ctx, ev)
}

func (e *Engine) transition(ctx context.Context, ev *models.PaymentEvent) (*Outcome, error) {
	span := trace.SpanFromContext(ctx)

	start := time.Now()
	defer func() {
		util.FulfillmentLatency.Observe(time.Since(start).Seconds())
	}()

	if !ev.Status.Valid() {
		return nil, fmt.Errorf("unsupported payment status %q", ev.Status)
	}

	var (
		out   Outcome
		order *models.Order
		items []models.OrderItem
	)
	err := e.store.WithOrderTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.LockOrder(ctx, ev.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, ev.OrderID)
		}
		if err != nil {
			return err
		}

		out = Outcome{
			OrderID:  order.ID,
			Previous: order.Status,
			Current:  models.NextOrderStatus(order.Status, ev.Status),
		}

		if out.Current == models.OrderStatusPaid && out.Previous != models.OrderStatusPaid {
			items, err = tx.GetOrderItems(ctx, order.ID)
			if err != nil {
				return fmt.Errorf("failed to load order items: %w", err)
			}
			out.Granted, err = grantAccess(ctx, tx, order, items)
			if err != nil {
				return fmt.Errorf("%w: order %s: %w", ErrGrantFailure, order.ID, err)
			}
		}

		return tx.UpdateOrderStatus(ctx, order.ID, out.Current)
	})
	if err != nil {
		util.RecordError(span, err)
		switch {
		case errors.Is(err, ErrOrderNotFound):
			e.logger.Warn("Payment event for unknown order",
				zap.String("order_id", ev.OrderID),
				zap.String("gateway", string(ev.Gateway)),
				zap.String("gateway_payment_id", ev.GatewayPaymentID))
		case errors.Is(err, ErrGrantFailure):
			util.GrantFailuresTotal.Inc()
			e.logger.Error("Access grant failed, transition rolled back",
				zap.String("order_id", ev.OrderID),
				zap.String("gateway_payment_id", ev.GatewayPaymentID),
				zap.Error(err))
		default:
			e.logger.Error("Failed to apply payment event",
				zap.String("order_id", ev.OrderID),
				zap.Error(err))
		}
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(out.Previous), string(out.Current)).Inc()
	for _, it := range items {
		util.AccessGrantsTotal.WithLabelValues(string(it.ProductType)).Inc()
	}

	e.logger.Info("Payment event applied",
		zap.String("order_id", out.OrderID),
		zap.String("gateway", string(ev.Gateway)),
		zap.String("payment_status", string(ev.Status)),
		zap.String("from", string(out.Previous)),
		zap.String("to", string(out.Current)),
		zap.Int("granted", out.Granted))

	if out.Changed() {
		e.afterTransition(ctx, ev, order, items, &out)
	}

	return &out, nil
}

// grantAccess writes one access right per item to the order's owner
func grantAccess(ctx context.Context, tx store.Tx, order *models.Order, items []models.OrderItem) (int, error) {
	granted := 0
	for _, it := range items {
		var err error
		switch it.ProductType {
		case models.ProductTypeCourse:
			err = tx.UpsertCourseEnrollment(ctx, &models.CourseEnrollment{
				UserID:   order.UserID,
				CourseID: it.ProductID,
				OrderID:  order.ID,
			})
		case models.ProductTypeEbook:
			err = tx.UpsertEbookDownload(ctx, &models.EbookDownload{
				UserID:  order.UserID,
				EbookID: it.ProductID,
				OrderID: order.ID,
			})
		default:
			err = fmt.Errorf("unknown product type %q", it.ProductType)
		}
		if err != nil {
			return granted, err
		}
		granted++
	}
	return granted, nil
}

// afterTransition runs once the transaction is committed; nothing here may fail the event
func (e *Engine) afterTransition(ctx context.Context, ev *models.PaymentEvent, order *models.Order, items []models.OrderItem, out *Outcome) {
	if e.cache != nil {
		st := &redisclient.CachedOrderStatus{UserID: order.UserID, Status: string(out.Current), Total: order.TotalAmount}
		if err := e.cache.SetOrderStatus(ctx, order.ID, st, e.cacheTTL); err != nil {
			e.logger.Warn("Failed to refresh order status cache", zap.String("order_id", order.ID), zap.Error(err))
			if err := e.cache.InvalidateOrderStatus(ctx, order.ID); err != nil {
				e.logger.Warn("Failed to invalidate order status cache", zap.String("order_id", order.ID), zap.Error(err))
			}
		}
	}

	if e.eventPublisher == nil {
		return
	}

	base := models.BaseEvent{EventID: uuid.New().String(), Timestamp: time.Now()}
	var err error
	switch out.Current {
	case models.OrderStatusPaid:
		base.EventType = models.EventTypeOrderPaid
		err = e.eventPublisher.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent:        base,
			OrderID:          order.ID,
			UserID:           order.UserID,
			Gateway:          ev.Gateway,
			GatewayPaymentID: ev.GatewayPaymentID,
			Amount:           order.TotalAmount,
			Items:            models.ItemData(items),
		})
	case models.OrderStatusFailed:
		base.EventType = models.EventTypeOrderFailed
		err = e.eventPublisher.PublishOrderFailed(ctx, &models.OrderFailedEvent{
			BaseEvent:        base,
			OrderID:          order.ID,
			UserID:           order.UserID,
			Gateway:          ev.Gateway,
			GatewayPaymentID: ev.GatewayPaymentID,
			Reason:           ev.Status,
		})
	}
	if err != nil {
		e.logger.Error("Failed to publish order event",
			zap.String("order_id", order.ID),
			zap.String("status", string(out.Current)),
			zap.Error(err))
	}
}
