package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// SessionConfig carries the redirect and callback URLs handed to gateways
type SessionConfig struct {
	Currency        string
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	NotificationURL string
	Timeout         time.Duration
	LockTTL         time.Duration
}

// SessionService opens hosted payment sessions for pending orders
type SessionService struct {
	orders   OrderStore
	gateways *gateway.Registry
	locker   Locker
	cfg      SessionConfig
	logger   *zap.Logger
}

// NewSessionService creates a session service. locker may be nil.
func NewSessionService(orders OrderStore, gateways *gateway.Registry, locker Locker, cfg SessionConfig) *SessionService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &SessionService{
		orders:   orders,
		gateways: gateways,
		locker:   locker,
		cfg:      cfg,
		logger:   util.Named("sessions"),
	}
}

// OpenSessionRequest selects the order and gateway to pay with
type OpenSessionRequest struct {
	OrderID string         `json:"order_id" binding:"required"`
	Gateway models.Gateway `json:"gateway" binding:"required"`
}

// OpenSessionResponse is where to send the customer
type OpenSessionResponse struct {
	OrderID            string         `json:"order_id"`
	Gateway            models.Gateway `json:"gateway"`
	GatewayReferenceID string         `json:"gateway_reference_id"`
	RedirectURL        string         `json:"redirect_url"`
}

func sessionLockKey(orderID string) string {
	return "session:" + orderID
}

// OpenSession asks the gateway for a payment session priced from the order's frozen items,
// and records the session reference on the order before returning
func (s *SessionService) OpenSession(ctx context.Context, actor models.Actor, req *OpenSessionRequest) (*OpenSessionResponse, error) {
	ctx, span := util.StartSpan(ctx, "SessionService.OpenSession")
	defer span.End()

	gw, err := s.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
	}
	if err != nil {
		return nil, err
	}
	if order.UserID != actor.UserID {
		return nil, ErrForbidden
	}
	if order.Status != models.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.ID, order.Status)
	}

	if s.locker != nil {
		key := sessionLockKey(order.ID)
		token, ok, err := s.locker.AcquireLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire session lock: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: order %s", ErrSessionInProgress, order.ID)
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), key, token); err != nil {
				s.logger.Warn("Failed to release session lock", zap.String("order_id", order.ID), zap.Error(err))
			}
		}()
	}

	items, err := s.orders.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	sess, err := s.open(ctx, gw, &gateway.SessionRequest{
		Order:           order,
		Items:           items,
		Payer:           actor,
		Currency:        s.cfg.Currency,
		SuccessURL:      s.cfg.SuccessURL,
		FailureURL:      s.cfg.FailureURL,
		PendingURL:      s.cfg.PendingURL,
		NotificationURL: s.cfg.NotificationURL,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if err := s.orders.SetGatewayReference(ctx, order.ID, gw.Name(), sess.ReferenceID); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to record gateway reference: %w", err)
	}

	s.logger.Info("Payment session opened",
		zap.String("order_id", order.ID),
		zap.String("gateway", string(gw.Name())),
		zap.String("gateway_reference_id", sess.ReferenceID))

	return &OpenSessionResponse{
		OrderID:            order.ID,
		Gateway:            gw.Name(),
		GatewayReferenceID: sess.ReferenceID,
		RedirectURL:        sess.RedirectURL,
	}, nil
}

func (s *SessionService) open(ctx context.Context, gw gateway.SessionOpener, req *gateway.SessionRequest) (*gateway.Session, error) {
	name := string(gw.Name())
	start := time.Now()
	defer func() {
		util.PaymentSessionLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sess, err := gw.OpenSession(ctx, req)
	if err != nil {
		util.PaymentSessionsTotal.WithLabelValues(name, "error").Inc()
		s.logger.Error("Gateway refused payment session",
			zap.String("order_id", req.Order.ID),
			zap.String("gateway", name),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPaymentSessionFailed, err)
	}

	util.PaymentSessionsTotal.WithLabelValues(name, "ok").Inc()
	return sess, nil
}
