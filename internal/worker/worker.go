package worker

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming side of the payment topic or its dead-letter topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Drain(ctx context.Context, handler broker.MessageHandler) (int, error)
	Close() error
}

// PaymentEventWorker applies queued payment notifications when the service runs
// in async notification mode. Notifications were audited when they were
// received, so the worker only runs the transition.
type PaymentEventWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	engine       service.Transitioner
	logger       *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker
func NewPaymentEventWorker(consumer MessageSource, engine service.Transitioner) *PaymentEventWorker {
	w := &PaymentEventWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		engine:       engine,
		logger:       util.Named("worker"),
	}
	w.eventHandler.OnPaymentReceived(w.handlePaymentReceived)
	return w
}

// Start starts the worker; it blocks until ctx is cancelled
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment event worker")
	err := w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Replay applies dead-lettered payment events once each until ctx ends. It
// stops at the first event that fails again, leaving it for the next replay.
func (w *PaymentEventWorker) Replay(ctx context.Context) (int, error) {
	w.logger.Info("Replaying dead-lettered payment events")
	n, err := w.consumer.Drain(ctx, w.eventHandler.HandleMessage)
	w.logger.Info("Replay finished", zap.Int("applied", n), zap.Error(err))
	return n, err
}

// Stop stops the worker
func (w *PaymentEventWorker) Stop() error {
	w.logger.Info("Stopping payment event worker")
	return w.consumer.Close()
}

func (w *PaymentEventWorker) handlePaymentReceived(ctx context.Context, ev *models.PaymentReceivedEvent) error {
	p := &ev.Payment
	if p.OrderID == "" || !p.Status.Valid() {
		return fmt.Errorf("%w: event %s has no order or an unknown status %q", broker.ErrPoison, ev.EventID, p.Status)
	}

	out, err := w.engine.Transition(ctx, p)
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		// nothing will ever make this order appear; the audit entry is already written
		return nil
	case err != nil:
		return err
	}

	w.logger.Info("Applied queued payment event",
		zap.String("event_id", ev.EventID),
		zap.String("order_id", out.OrderID),
		zap.String("from", string(out.Previous)),
		zap.String("to", string(out.Current)),
		zap.Int("granted", out.Granted))
	return nil
}
