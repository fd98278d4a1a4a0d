package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// Tx is the set of writes the fulfillment engine performs while holding an order's row lock
type Tx interface {
	LockOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	UpsertCourseEnrollment(ctx context.Context, e *models.CourseEnrollment) error
	UpsertEbookDownload(ctx context.Context, d *models.EbookDownload) error
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

// WithOrderTx runs fn inside a transaction. fn's error rolls everything back.
func (s *Store) WithOrderTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&orderTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type orderTx struct {
	tx *sqlx.Tx
}

// LockOrder loads the order and holds its row lock until the transaction ends
func (t *orderTx) LockOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		if isInvalidID(err) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	return &order, nil
}

func (t *orderTx) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpsertCourseEnrollment is a no-op beyond touching updated_at when the enrollment exists
func (t *orderTx) UpsertCourseEnrollment(ctx context.Context, e *models.CourseEnrollment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO course_enrollments (user_id, course_id, order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, course_id) DO UPDATE SET updated_at = NOW()`,
		e.UserID, e.CourseID, e.OrderID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("course %s: %w", e.CourseID, ErrForeignKey)
	}
	return err
}

// UpsertEbookDownload keeps the first grant when the right already exists
func (t *orderTx) UpsertEbookDownload(ctx context.Context, d *models.EbookDownload) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ebook_downloads (user_id, ebook_id, order_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, ebook_id) DO NOTHING`,
		d.UserID, d.EbookID, d.OrderID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("ebook %s: %w", d.EbookID, ErrForeignKey)
	}
	return err
}

func (t *orderTx) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// GetEnrollmentsByUserID lists a user's course enrollments
func (s *Store) GetEnrollmentsByUserID(ctx context.Context, userID string) ([]models.CourseEnrollment, error) {
	var out []models.CourseEnrollment
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM course_enrollments WHERE user_id = $1 ORDER BY created_at", userID)
	return out, err
}

// GetEbookDownloadsByUserID lists a user's e-book download rights
func (s *Store) GetEbookDownloadsByUserID(ctx context.Context, userID string) ([]models.EbookDownload, error) {
	var out []models.EbookDownload
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM ebook_downloads WHERE user_id = $1 ORDER BY created_at", userID)
	return out, err
}
