package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/velocart/checkout/internal/domain"
	"github.com/velocart/checkout/internal/event"
	"github.com/velocart/checkout/internal/repository"
	apperrors "github.com/velocart/checkout/pkg/errors"
	"github.com/velocart/checkout/pkg/pagination"
)

// InventoryService exposes the read and seeding surface of the inventory
// store, the catalog sync applied by the event consumer, and the low-stock
// signal listing consumed by the alerting sink.
type InventoryService struct {
	products repository.ProductRepository
	lowStock repository.LowStockRepository
	logger   *slog.Logger
}

// NewInventoryService creates a new inventory service.
func NewInventoryService(
	products repository.ProductRepository,
	lowStock repository.LowStockRepository,
	logger *slog.Logger,
) *InventoryService {
	return &InventoryService{
		products: products,
		lowStock: lowStock,
		logger:   logger,
	}
}

// SeedProduct creates or replaces a product with its counters. This is the
// entry point for seeding inventory via the HTTP API.
func (s *InventoryService) SeedProduct(ctx context.Context, p *domain.Product) (*domain.Product, error) {
	if p.SKU == "" {
		return nil, apperrors.InvalidInput("sku is required")
	}
	if p.Name == "" {
		return nil, apperrors.InvalidInput("name is required")
	}
	if p.UnitPrice < 0 {
		return nil, apperrors.InvalidInput("unit_price must be non-negative")
	}
	if p.Stock < 0 {
		return nil, apperrors.InvalidInput("stock must be non-negative")
	}
	if p.Reserved < 0 || p.Reserved > p.Stock {
		return nil, apperrors.InvalidInput("reserved must be between 0 and stock")
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	if err := s.products.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("seed product: %w", err)
	}

	s.logger.InfoContext(ctx, "product seeded",
		slog.String("product_id", p.ID),
		slog.String("sku", p.SKU),
		slog.Int64("stock", p.Stock),
	)

	return p, nil
}

// GetProduct retrieves a product with its counters and derived availability.
func (s *InventoryService) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SyncProduct applies a catalog update to the product's descriptive fields.
// Stock and reserved are never touched here.
func (s *InventoryService) SyncProduct(ctx context.Context, update event.ProductUpdatedData) error {
	if update.ProductID == "" {
		return apperrors.InvalidInput("product_id is required")
	}

	return s.products.UpdateCatalogFields(ctx, &domain.Product{
		ID:                update.ProductID,
		SKU:               update.SKU,
		Name:              update.Name,
		UnitPrice:         update.UnitPrice,
		LowStockThreshold: update.LowStockThreshold,
		ImageURL:          update.ImageURL,
	})
}

// ListLowStockSignals returns a page of low-stock signals, newest first.
func (s *InventoryService) ListLowStockSignals(ctx context.Context, params pagination.Params) ([]domain.LowStockSignal, int, error) {
	signals, total, err := s.lowStock.List(ctx, params.PerPage, params.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list low stock signals: %w", err)
	}
	return signals, total, nil
}

// AckLowStockSignal marks a signal processed on behalf of the alerting sink.
func (s *InventoryService) AckLowStockSignal(ctx context.Context, id string) error {
	if err := s.lowStock.MarkProcessed(ctx, id); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "low stock signal acknowledged",
		slog.String("signal_id", id),
	)
	return nil
}
