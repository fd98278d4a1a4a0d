package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// AuditLog appends every inbound payment notification, whatever its effect
type AuditLog struct {
	store  AuditStore
	logger *zap.Logger
}

func NewAuditLog(store AuditStore) *AuditLog {
	return &AuditLog{
		store:  store,
		logger: util.Named("audit"),
	}
}

// Record appends ev. Failures are logged and counted here so callers may carry on.
func (a *AuditLog) Record(ctx context.Context, ev *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "AuditLog.Record")
	defer span.End()

	entry := models.NewAuditLogEntry(ev)
	if err := a.store.InsertAuditLogEntry(ctx, entry); err != nil {
		util.AuditWriteFailuresTotal.Inc()
		util.RecordError(span, err)
		a.logger.Error("Failed to write audit entry",
			zap.String("order_id", ev.OrderID),
			zap.String("gateway", string(ev.Gateway)),
			zap.String("gateway_payment_id", ev.GatewayPaymentID),
			zap.String("status", string(ev.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// ListByOrder returns the audit trail of an order, oldest first
func (a *AuditLog) ListByOrder(ctx context.Context, orderID string) ([]models.AuditLogEntry, error) {
	entries, err := a.store.GetAuditLogByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	return entries, nil
}
