package domain

import "time"

// Reservation status constants.
const (
	ReservationStatusActive    = "active"
	ReservationStatusConsumed  = "consumed"
	ReservationStatusExpired   = "expired"
	ReservationStatusCancelled = "cancelled"
)

// Shipping method constants.
const (
	ShippingStandard = "standard"
	ShippingExpress  = "express"
)

// HoldTTL is the default lifetime of an active reservation.
const HoldTTL = 10 * time.Minute

// MaxLineQuantity caps the units a single line may hold.
const MaxLineQuantity = 5

// Line is an immutable snapshot of one reserved product. SKU, name, and
// unit price are copied at reserve time so later catalog edits cannot
// rewrite history.
type Line struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

// Address is the destination snapshot captured at reserve time.
type Address struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Line1   string `json:"line1"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
}

// Reservation is a time-bounded, all-or-nothing soft hold on a set of
// product quantities for a single caller.
type Reservation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Lines          []Line    `json:"lines"`
	Address        Address   `json:"address"`
	ShippingMethod string    `json:"shipping_method"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsValidShippingMethod checks if the given method is recognized.
func IsValidShippingMethod(method string) bool {
	return method == ShippingStandard || method == ShippingExpress
}

// AllowedReservationTransitions defines the reservation state machine.
// Terminal states have no outgoing edges.
func AllowedReservationTransitions() map[string][]string {
	return map[string][]string{
		ReservationStatusActive:    {ReservationStatusConsumed, ReservationStatusExpired, ReservationStatusCancelled},
		ReservationStatusConsumed:  {},
		ReservationStatusExpired:   {},
		ReservationStatusCancelled: {},
	}
}

// CanTransitionTo checks if the reservation can move to the target status.
func (r *Reservation) CanTransitionTo(target string) bool {
	allowed, ok := AllowedReservationTransitions()[r.Status]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// IsUsable reports whether the reservation can still be confirmed at the
// given instant.
func (r *Reservation) IsUsable(now time.Time) bool {
	return r.Status == ReservationStatusActive && r.ExpiresAt.After(now)
}

// TotalUnits returns the sum of quantities over all lines.
func (r *Reservation) TotalUnits() int64 {
	var total int64
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}
