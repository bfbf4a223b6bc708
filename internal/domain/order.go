package domain

import "time"

// Order status constants. Orders are immutable once created; cancellation
// is owned by the fulfilment service downstream.
const (
	OrderStatusCreated   = "created"
	OrderStatusCancelled = "cancelled"
)

// OrderItem is one line of an order, copied verbatim from the originating
// reservation's snapshot.
type OrderItem struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

// Order is the permanent record produced by a successful confirm.
type Order struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	ReservationID  string      `json:"reservation_id"`
	Status         string      `json:"status"`
	Items          []OrderItem `json:"items"`
	Address        Address     `json:"address"`
	ShippingMethod string      `json:"shipping_method"`
	TotalAmount    int64       `json:"total_amount"` // minor units
	CreatedAt      time.Time   `json:"created_at"`
}

// OrderItemsFromLines converts reservation line snapshots into order items.
func OrderItemsFromLines(lines []Line) []OrderItem {
	items := make([]OrderItem, len(lines))
	for i, l := range lines {
		items[i] = OrderItem{
			ProductID: l.ProductID,
			SKU:       l.SKU,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		}
	}
	return items
}

// OrderTotal computes the total in minor units from line snapshots.
func OrderTotal(lines []Line) int64 {
	var total int64
	for _, l := range lines {
		total += l.UnitPrice * l.Quantity
	}
	return total
}
