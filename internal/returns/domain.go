package returns

import (
	"errors"
	"time"
)

// Reason classifies why goods came back from a delivery stop.
type Reason string

const (
	ReasonRefused     Reason = "refused"
	ReasonDamaged     Reason = "damaged"
	ReasonExcess      Reason = "excess"
	ReasonStoreClosed Reason = "store_closed"
	ReasonWrong       Reason = "wrong"
	ReasonOther       Reason = "other"
)

// IsValid reports whether r is a known reason.
func (r Reason) IsValid() bool {
	switch r {
	case ReasonRefused, ReasonDamaged, ReasonExcess, ReasonStoreClosed, ReasonWrong, ReasonOther:
		return true
	default:
		return false
	}
}

// ReturnableToStock is the fixed classification table: damaged goods are a
// loss, everything else goes back on the shelf.
func (r Reason) ReturnableToStock() bool {
	return r != ReasonDamaged
}

// Record is one returned-quantity fact created when a delivery stop reports
// a shortfall. It transitions from unprocessed to processed exactly once;
// re-processing a processed record is a no-op.
type Record struct {
	ID                int64      `json:"id"`
	DeliveryID        int64      `json:"delivery_id"`
	OrderID           int64      `json:"order_id"`
	ProductID         int64      `json:"product_id"`
	Quantity          float64    `json:"quantity"`
	Reason            Reason     `json:"reason"`
	ReturnableToStock bool       `json:"returnable_to_stock"`
	UnitCost          float64    `json:"unit_cost"`
	LossAmount        float64    `json:"loss_amount"`
	LossRecorded      bool       `json:"loss_recorded"`
	Notes             string     `json:"notes,omitempty"`
	Processed         bool       `json:"processed"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

var (
	// ErrNotFound indicates a missing return record.
	ErrNotFound = errors.New("returns: record not found")
	// ErrInvalidReason indicates an unknown reason code.
	ErrInvalidReason = errors.New("returns: unknown reason")
)
