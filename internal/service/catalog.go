package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// CatalogResolver looks up sellable products
type CatalogResolver struct {
	store CatalogStore
}

func NewCatalogResolver(store CatalogStore) *CatalogResolver {
	return &CatalogResolver{store: store}
}

// Resolve returns the current catalog entry for a product.
// Missing and unpublished products both yield ErrProductNotFound.
func (r *CatalogResolver) Resolve(ctx context.Context, productType models.ProductType, productID string) (*models.CatalogItem, error) {
	if !productType.Valid() {
		return nil, fmt.Errorf("%w: unknown product type %q", ErrProductNotFound, productType)
	}

	item, err := r.store.GetCatalogItem(ctx, productType, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrProductNotFound, productType, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %s: %w", productType, productID, err)
	}
	if !item.Published {
		return nil, fmt.Errorf("%w: %s %s is not published", ErrProductNotFound, productType, productID)
	}
	return item, nil
}
