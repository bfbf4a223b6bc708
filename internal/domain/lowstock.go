package domain

import "time"

// LowStockSignal is emitted when a confirm drops a product's stock strictly
// below its threshold. Signals are append-only from the checkout core's
// perspective; the alerting sink acknowledges them via the processed flag.
type LowStockSignal struct {
	ID         string    `json:"id"`
	ProductID  string    `json:"product_id"`
	StockAfter int64     `json:"stock_after"`
	Threshold  int64     `json:"threshold"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}
