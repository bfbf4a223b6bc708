package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/velocart/checkout/pkg/errors"
	pkgkafka "github.com/velocart/checkout/pkg/kafka"
)

// Kafka topics consumed by the checkout service.
const (
	TopicCatalogProductUpdated = "catalog.product.updated"
)

// CatalogSyncer defines the interface required by the event consumer.
type CatalogSyncer interface {
	SyncProduct(ctx context.Context, update ProductUpdatedData) error
}

// ProductUpdatedData is the expected payload of a catalog.product.updated
// event. Only descriptive fields are carried; the catalog never touches the
// stock or reserved counters.
type ProductUpdatedData struct {
	ProductID         string `json:"product_id"`
	SKU               string `json:"sku"`
	Name              string `json:"name"`
	UnitPrice         int64  `json:"unit_price"`
	LowStockThreshold int64  `json:"low_stock_threshold"`
	ImageURL          string `json:"image_url,omitempty"`
}

// Consumer processes incoming Kafka events for the checkout service.
type Consumer struct {
	logger  *slog.Logger
	service CatalogSyncer
}

// NewConsumer creates a new event consumer for the checkout service.
func NewConsumer(service CatalogSyncer, logger *slog.Logger) *Consumer {
	return &Consumer{
		service: service,
		logger:  logger,
	}
}

// HandleProductUpdated processes catalog.product.updated events by refreshing
// the product's descriptive snapshot. Updates for products this service has
// never seen are skipped; the catalog owns product creation visibility and a
// later update will land once the product is seeded.
func (c *Consumer) HandleProductUpdated(ctx context.Context, event *pkgkafka.Event) error {
	var data ProductUpdatedData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("unmarshal catalog.product.updated data: %w", err)
	}

	if err := c.service.SyncProduct(ctx, data); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.logger.InfoContext(ctx, "skipping catalog update for unknown product",
				slog.String("product_id", data.ProductID),
			)
			return nil
		}
		return fmt.Errorf("sync product %s: %w", data.ProductID, err)
	}

	c.logger.InfoContext(ctx, "product catalog fields synced",
		slog.String("product_id", data.ProductID),
		slog.String("sku", data.SKU),
	)

	return nil
}
