package store

import (
	"context"

	"fulfillment-service/internal/models"
)

// InsertAuditLogEntry appends one payment notification to the audit log
func (s *Store) InsertAuditLogEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	query := `
		INSERT INTO payment_audit_log (
			gateway, gateway_payment_id, order_id, status, amount, payment_method,
			actor_user_id, actor_name, actor_email, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
		RETURNING id`

	return s.db.GetContext(ctx, &entry.ID, query,
		string(entry.Gateway), entry.GatewayPaymentID, entry.OrderID, string(entry.Status),
		entry.Amount, entry.PaymentMethod, entry.ActorUserID, entry.ActorName, entry.ActorEmail,
		string(entry.RawPayload), entry.ReceivedAt)
}

// GetAuditLogByOrderID lists audit entries for an order, oldest first
func (s *Store) GetAuditLogByOrderID(ctx context.Context, orderID string) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM payment_audit_log WHERE order_id = $1 ORDER BY received_at, id", orderID)
	return entries, err
}
