package cache

import (
	"context"
	"time"

	"comptario/backend/internal/domain"
)

// CatalogCache holds each tenant's product list between stock movements.
type CatalogCache interface {
	Get(ctx context.Context, tenantID string) ([]domain.Product, bool, error)
	Set(ctx context.Context, tenantID string, products []domain.Product, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
