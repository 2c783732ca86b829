package delivery

import (
	"errors"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/returns"
)

// Status is the lifecycle of a delivery run.
//
// preparing -> in_progress -> completed, with cancellation possible only
// while preparing. Cancelling an in-progress run is deliberately
// unsupported: stock already left the warehouse and must come back through
// per-stop return records instead.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPreparing, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanStart reports whether the run can be dispatched.
func (s Status) CanStart() bool { return s == StatusPreparing }

// CanCancel reports whether the run can still be cancelled.
func (s Status) CanCancel() bool { return s == StatusPreparing }

// CanComplete reports whether the run can be closed out.
func (s Status) CanComplete() bool { return s == StatusInProgress }

// StopStatus is the outcome of one stop on the run.
type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopDelivered StopStatus = "delivered"
	StopPartial   StopStatus = "partial"
	StopFailed    StopStatus = "failed"
	StopPostponed StopStatus = "postponed"
)

// Resolvable reports whether the stop still accepts an outcome. Postponed
// stops may be retried later on the same run.
func (s StopStatus) Resolvable() bool {
	return s == StopPending || s == StopPostponed
}

// Delivery is one outbound run: a driver, a warehouse, and a set of orders
// staged onto the vehicle.
type Delivery struct {
	ID              int64         `json:"id"`
	Reference       string        `json:"reference"`
	DriverID        int64         `json:"driver_id"`
	VehicleID       *int64        `json:"vehicle_id,omitempty"`
	WarehouseID     int64         `json:"warehouse_id"`
	Date            time.Time     `json:"date"`
	Status          Status        `json:"status"`
	OrderCount      int           `json:"order_count"`
	DeliveredCount  int           `json:"delivered_count"`
	FailedCount     int           `json:"failed_count"`
	TotalAmount     float64       `json:"total_amount"`
	CollectedAmount float64       `json:"collected_amount"`
	Notes           string        `json:"notes,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Stops           []Stop        `json:"stops,omitempty"`
	Staging         []StagingLine `json:"staging,omitempty"`
}

// Stop is one order on the run with its outcome and money state.
type Stop struct {
	ID              int64      `json:"id"`
	DeliveryID      int64      `json:"delivery_id"`
	OrderID         int64      `json:"order_id"`
	ClientID        int64      `json:"client_id"`
	Position        int        `json:"position"`
	Status          StopStatus `json:"status"`
	AmountDue       float64    `json:"amount_due"`
	AmountCollected float64    `json:"amount_collected"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	AttemptedAt     *time.Time `json:"attempted_at,omitempty"`
}

// StagingLine tracks one product across the run: how much was loaded at
// dispatch and how much has been handed over or sent back since.
type StagingLine struct {
	ID                int64   `json:"id"`
	DeliveryID        int64   `json:"delivery_id"`
	ProductID         int64   `json:"product_id"`
	QuantityLoaded    float64 `json:"quantity_loaded"`
	QuantityDelivered float64 `json:"quantity_delivered"`
	QuantityReturned  float64 `json:"quantity_returned"`
}

// Remaining is the quantity still on the vehicle.
func (l StagingLine) Remaining() float64 {
	return l.QuantityLoaded - l.QuantityDelivered - l.QuantityReturned
}

// CreateInput describes a new run over confirmed orders of one warehouse.
type CreateInput struct {
	DriverID  int64     `json:"driver_id"`
	VehicleID *int64    `json:"vehicle_id,omitempty"`
	Date      time.Time `json:"date"`
	OrderIDs  []int64   `json:"order_ids"`
	Notes     string    `json:"notes,omitempty"`
	ActorID   int64     `json:"-"`
}

// DeliverInput marks a stop fully delivered. A nil AmountCollected means the
// client paid the full amount due.
type DeliverInput struct {
	AmountCollected *float64 `json:"amount_collected,omitempty"`
	ActorID         int64    `json:"-"`
}

// PartialLine reports the per-product outcome of a partial stop. The
// undelivered remainder comes back as a return record under ReturnReason.
type PartialLine struct {
	ProductID         int64          `json:"product_id"`
	QuantityDelivered float64        `json:"quantity_delivered"`
	QuantityReturned  float64        `json:"quantity_returned"`
	ReturnReason      returns.Reason `json:"return_reason,omitempty"`
}

// PartialInput marks a stop partially delivered.
type PartialInput struct {
	Lines           []PartialLine `json:"items"`
	AmountCollected float64       `json:"amount_collected"`
	ActorID         int64         `json:"-"`
}

// FailInput marks a stop failed. Reason is the driver's free-text note; the
// staged goods come back as store_closed return records.
type FailInput struct {
	Reason  string `json:"reason"`
	ActorID int64  `json:"-"`
}

// ListFilter narrows delivery listings.
type ListFilter struct {
	Status   Status
	DriverID int64
	From     time.Time
	To       time.Time
	Limit    int
}

var (
	// ErrNotFound indicates a missing delivery or stop.
	ErrNotFound = errors.New("delivery: not found")
	// ErrNotPreparing rejects dispatching or cancelling a run that already left.
	ErrNotPreparing = errors.New("delivery: run is not in preparing status")
	// ErrNotInProgress rejects stop outcomes on a run that is not underway.
	ErrNotInProgress = errors.New("delivery: run is not in progress")
	// ErrStopResolved rejects a second outcome for an already resolved stop.
	ErrStopResolved = errors.New("delivery: stop already resolved")
	// ErrOrderNotConfirmed rejects staging an order that is not confirmed.
	ErrOrderNotConfirmed = errors.New("delivery: order is not confirmed")
	// ErrMixedWarehouses rejects a run whose orders span warehouses.
	ErrMixedWarehouses = errors.New("delivery: orders must share one warehouse")
	// ErrNoOrders rejects a run without orders.
	ErrNoOrders = errors.New("delivery: at least one order required")
	// ErrExceedsConfirmed rejects reporting more than the confirmed quantity.
	ErrExceedsConfirmed = errors.New("delivery: reported quantity exceeds confirmed quantity")
	// ErrInvalidReason indicates an unknown return reason on a partial line.
	ErrInvalidReason = errors.New("delivery: unknown return reason")
)
