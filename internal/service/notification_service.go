package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Applier audits and applies verified payment events
type Applier interface {
	// Apply audits ev, then transitions its order
	Apply(ctx context.Context, ev *models.PaymentEvent) (*Outcome, error)
	// Record audits ev only; used when the transition happens elsewhere
	Record(ctx context.Context, ev *models.PaymentEvent) error
}

// Transitioner applies an event that was audited when it was received
type Transitioner interface {
	Transition(ctx context.Context, ev *models.PaymentEvent) (*Outcome, error)
}

// IngestResult tells the webhook handler what became of a notification
type IngestResult struct {
	Event   *models.PaymentEvent
	Outcome *Outcome
	// Ignored: authentic but nothing to apply (unhandled event type, unknown payment)
	Ignored bool
	// Discarded: the referenced order does not exist
	Discarded bool
	// Queued: handed to the payment-events topic for the worker
	Queued bool
}

// NotificationService verifies inbound gateway notifications and routes them to the engine,
// either in-request or through Kafka
type NotificationService struct {
	gateways  *gateway.Registry
	engine    Applier
	publisher PaymentEventPublisher
	async     bool
	logger    *zap.Logger
}

// NewNotificationService creates the ingestor. publisher is required when async is set.
func NewNotificationService(gateways *gateway.Registry, engine Applier, publisher PaymentEventPublisher, async bool) *NotificationService {
	return &NotificationService{
		gateways:  gateways,
		engine:    engine,
		publisher: publisher,
		async:     async && publisher != nil,
		logger:    util.Named("notifications"),
	}
}

// Ingest verifies n with the named gateway and applies or enqueues the resulting event.
// Errors returned are ones the gateway should see: bad signatures, failed confirmations,
// and internal failures worth a redelivery.
func (s *NotificationService) Ingest(ctx context.Context, name models.Gateway, n *gateway.Notification) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "NotificationService.Ingest")
	defer span.End()

	verifier, err := s.gateways.Get(name)
	if err != nil {
		return nil, err
	}
	label := string(name)

	ev, err := verifier.VerifyNotification(ctx, n)
	switch {
	case errors.Is(err, gateway.ErrIgnoredNotification):
		util.NotificationsTotal.WithLabelValues(label, "ignored").Inc()
		s.logger.Info("Notification ignored", zap.String("gateway", label), zap.String("reason", err.Error()))
		return &IngestResult{Ignored: true}, nil
	case errors.Is(err, gateway.ErrInvalidSignature):
		util.NotificationsTotal.WithLabelValues(label, "invalid_signature").Inc()
		s.logger.Warn("Notification rejected", zap.String("gateway", label), zap.Error(err))
		return nil, err
	case errors.Is(err, gateway.ErrConfirmFailed):
		util.NotificationsTotal.WithLabelValues(label, "confirm_failed").Inc()
		s.logger.Error("Notification confirmation failed", zap.String("gateway", label), zap.Error(err))
		return nil, err
	case err != nil:
		util.NotificationsTotal.WithLabelValues(label, "malformed").Inc()
		s.logger.Warn("Notification unreadable", zap.String("gateway", label), zap.Error(err))
		return nil, err
	}

	if s.async {
		// audited once here; worker retries only repeat the transition
		_ = s.engine.Record(ctx, ev)
		if err := s.enqueue(ctx, ev); err != nil {
			util.NotificationsTotal.WithLabelValues(label, "error").Inc()
			util.RecordError(span, err)
			return nil, err
		}
		util.NotificationsTotal.WithLabelValues(label, "queued").Inc()
		return &IngestResult{Event: ev, Queued: true}, nil
	}

	out, err := s.engine.Apply(ctx, ev)
	if errors.Is(err, ErrOrderNotFound) {
		util.NotificationsTotal.WithLabelValues(label, "unknown_order").Inc()
		return &IngestResult{Event: ev, Discarded: true}, nil
	}
	if err != nil {
		util.NotificationsTotal.WithLabelValues(label, "error").Inc()
		return nil, err
	}

	util.NotificationsTotal.WithLabelValues(label, "applied").Inc()
	return &IngestResult{Event: ev, Outcome: out}, nil
}

func (s *NotificationService) enqueue(ctx context.Context, ev *models.PaymentEvent) error {
	event := &models.PaymentReceivedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentReceived,
			Timestamp: time.Now(),
		},
		Payment: *ev,
	}
	if err := s.publisher.PublishPaymentReceived(ctx, event); err != nil {
		s.logger.Error("Failed to enqueue payment event",
			zap.String("order_id", ev.OrderID),
			zap.String("gateway_payment_id", ev.GatewayPaymentID),
			zap.Error(err))
		return fmt.Errorf("failed to enqueue payment event: %w", err)
	}
	return nil
}
