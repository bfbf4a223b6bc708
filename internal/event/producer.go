package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/velocart/checkout/internal/domain"
	pkgkafka "github.com/velocart/checkout/pkg/kafka"
)

// Kafka topic constants for checkout domain events.
const (
	TopicReservationCreated   = "checkout.reservation.created"
	TopicReservationExpired   = "checkout.reservation.expired"
	TopicReservationCancelled = "checkout.reservation.cancelled"
	TopicOrderCreated         = "checkout.order.created"
	TopicInventoryLowStock    = "checkout.inventory.low_stock"
)

// Aggregate type constants.
const (
	AggregateTypeReservation = "reservation"
	AggregateTypeOrder       = "order"
	AggregateTypeInventory   = "inventory"
)

// Source identifier for events originating from the checkout service.
const SourceCheckoutService = "checkout-service"

// ReservationData is the payload for reservation lifecycle events.
type ReservationData struct {
	ReservationID string `json:"reservation_id"`
	UserID        string `json:"user_id"`
	LineCount     int    `json:"line_count"`
	TotalUnits    int64  `json:"total_units"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// OrderCreatedData is the payload for a checkout.order.created event.
type OrderCreatedData struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	ReservationID string `json:"reservation_id"`
	TotalAmount   int64  `json:"total_amount"`
	ItemCount     int    `json:"item_count"`
}

// LowStockData is the payload for a checkout.inventory.low_stock event.
type LowStockData struct {
	ProductID  string `json:"product_id"`
	StockAfter int64  `json:"stock_after"`
	Threshold  int64  `json:"threshold"`
}

// Producer publishes checkout domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the checkout service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

func (p *Producer) publishReservation(ctx context.Context, topic string, r *domain.Reservation) error {
	data := ReservationData{
		ReservationID: r.ID,
		UserID:        r.UserID,
		LineCount:     len(r.Lines),
		TotalUnits:    r.TotalUnits(),
		ExpiresAt:     r.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	event, err := pkgkafka.NewEvent(topic, r.ID, AggregateTypeReservation, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	return nil
}

// PublishReservationCreated publishes a checkout.reservation.created event.
func (p *Producer) PublishReservationCreated(ctx context.Context, r *domain.Reservation) error {
	return p.publishReservation(ctx, TopicReservationCreated, r)
}

// PublishReservationExpired publishes a checkout.reservation.expired event.
func (p *Producer) PublishReservationExpired(ctx context.Context, r *domain.Reservation) error {
	return p.publishReservation(ctx, TopicReservationExpired, r)
}

// PublishReservationCancelled publishes a checkout.reservation.cancelled event.
func (p *Producer) PublishReservationCancelled(ctx context.Context, r *domain.Reservation) error {
	return p.publishReservation(ctx, TopicReservationCancelled, r)
}

// PublishOrderCreated publishes a checkout.order.created event.
func (p *Producer) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	data := OrderCreatedData{
		OrderID:       o.ID,
		UserID:        o.UserID,
		ReservationID: o.ReservationID,
		TotalAmount:   o.TotalAmount,
		ItemCount:     len(o.Items),
	}

	event, err := pkgkafka.NewEvent(TopicOrderCreated, o.ID, AggregateTypeOrder, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create order.created event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicOrderCreated, event); err != nil {
		return fmt.Errorf("publish order.created event: %w", err)
	}

	return nil
}

// PublishLowStock publishes a checkout.inventory.low_stock event.
func (p *Producer) PublishLowStock(ctx context.Context, s *domain.LowStockSignal) error {
	data := LowStockData{
		ProductID:  s.ProductID,
		StockAfter: s.StockAfter,
		Threshold:  s.Threshold,
	}

	event, err := pkgkafka.NewEvent(TopicInventoryLowStock, s.ProductID, AggregateTypeInventory, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create inventory.low_stock event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicInventoryLowStock, event); err != nil {
		return fmt.Errorf("publish inventory.low_stock event: %w", err)
	}

	return nil
}
