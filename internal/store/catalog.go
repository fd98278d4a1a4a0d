package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
)

func catalogTable(t models.ProductType) (string, error) {
	switch t {
	case models.ProductTypeCourse:
		return "courses", nil
	case models.ProductTypeEbook:
		return "ebooks", nil
	}
	return "", fmt.Errorf("unknown product type %q", t)
}

// GetCatalogItem retrieves a course or e-book by id, published or not
func (s *Store) GetCatalogItem(ctx context.Context, productType models.ProductType, id string) (*models.CatalogItem, error) {
	table, err := catalogTable(productType)
	if err != nil {
		return nil, err
	}

	var item models.CatalogItem
	query := "SELECT id, title, price, promotion_price, published FROM " + table + " WHERE id = $1"
	err = s.db.GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", productType, id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	item.Type = productType
	return &item, nil
}

// SetCatalogPrice updates the live price of a catalog item
func (s *Store) SetCatalogPrice(ctx context.Context, productType models.ProductType, id string, price int64, promotion *int64) error {
	table, err := catalogTable(productType)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE "+table+" SET price = $1, promotion_price = $2, updated_at = NOW() WHERE id = $3",
		price, promotion, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", productType, id, ErrNotFound)
	}
	return nil
}
