package domain

import "time"

// Product is a catalog item with the two counters this service owns. All
// descriptive fields are curated by the catalog service; the checkout core
// only ever mutates Stock and Reserved.
type Product struct {
	ID                string    `json:"id"`
	SKU               string    `json:"sku"`
	Name              string    `json:"name"`
	UnitPrice         int64     `json:"unit_price"` // minor units
	Stock             int64     `json:"stock"`
	Reserved          int64     `json:"reserved"`
	LowStockThreshold int64     `json:"low_stock_threshold"`
	ImageURL          string    `json:"image_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Available returns the units a new reservation may claim.
func (p *Product) Available() int64 {
	return p.Stock - p.Reserved
}
