package domain

import "time"

// CartItem is one requested line in a caller's cart.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Cart is the caller's server-side cart, owned by the cart service and read
// here at reserve time. The checkout core only ever reads and deletes it.
type Cart struct {
	UserID    string     `json:"user_id"`
	Items     []CartItem `json:"items"`
	UpdatedAt time.Time  `json:"updated_at"`
}
