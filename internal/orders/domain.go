package orders

import (
	"errors"
	"time"
)

// Status tracks an order through its life. Orders never touch the stock
// ledger: they only reserve availability until a delivery run debits it.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusAssigned  Status = "assigned"
	StatusDelivered Status = "delivered"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
)

// Reserves reports whether orders in this status count against availability.
func (s Status) Reserves() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusAssigned
}

// CanCancel reports whether the order may still be cancelled.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Order is a client order against one warehouse.
type Order struct {
	ID          int64     `json:"id"`
	Reference   string    `json:"reference"`
	ClientID    int64     `json:"client_id"`
	SellerID    int64     `json:"seller_id,omitempty"`
	WarehouseID int64     `json:"warehouse_id"`
	Date        time.Time `json:"date"`
	Status      Status    `json:"status"`
	Discount    float64   `json:"discount"`
	Tax         float64   `json:"tax"`
	GrandTotal  float64   `json:"grand_total"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Items       []Item    `json:"items,omitempty"`
}

// Item is one order line. QuantityConfirmed is nil until a reviewer adjusts
// the line; availability always uses the confirmed quantity when set, the
// ordered quantity otherwise.
type Item struct {
	ID                int64    `json:"id"`
	OrderID           int64    `json:"order_id"`
	ProductID         int64    `json:"product_id"`
	QuantityOrdered   float64  `json:"quantity_ordered"`
	QuantityConfirmed *float64 `json:"quantity_confirmed,omitempty"`
	QuantityDelivered float64  `json:"quantity_delivered"`
	QuantityReturned  float64  `json:"quantity_returned"`
	UnitPrice         float64  `json:"unit_price"`
	Discount          float64  `json:"discount"`
}

// EffectiveQuantity is the quantity the order reserves for this line.
func (i Item) EffectiveQuantity() float64 {
	if i.QuantityConfirmed != nil {
		return *i.QuantityConfirmed
	}
	return i.QuantityOrdered
}

// CreateInput describes a new order.
type CreateInput struct {
	ClientID    int64
	SellerID    int64
	WarehouseID int64
	Date        time.Time
	Discount    float64
	Tax         float64
	Notes       string
	Items       []CreateItemInput
}

// CreateItemInput is one requested line.
type CreateItemInput struct {
	ProductID int64
	Quantity  float64
	UnitPrice float64
	Discount  float64
}

// ListFilter narrows order listings.
type ListFilter struct {
	WarehouseID int64
	ClientID    int64
	Status      Status
	From        time.Time
	To          time.Time
	Limit       int
}

var (
	// ErrNotFound indicates a missing order or item.
	ErrNotFound = errors.New("orders: not found")
	// ErrNotPending rejects confirmation of a non-pending order.
	ErrNotPending = errors.New("orders: order is not pending")
	// ErrNotCancellable rejects cancelling a dispatched or closed order.
	ErrNotCancellable = errors.New("orders: order cannot be cancelled in its current status")
	// ErrNotDeletable guards the audit trail: only pending, unassigned
	// orders may be deleted.
	ErrNotDeletable = errors.New("orders: only pending unassigned orders can be deleted")
	// ErrConfirmExceedsOrdered rejects confirming more than was ordered.
	ErrConfirmExceedsOrdered = errors.New("orders: confirmed quantity exceeds ordered quantity")
	// ErrNoItems rejects an order without lines.
	ErrNoItems = errors.New("orders: at least one item required")
)
