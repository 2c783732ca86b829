package ledger

import (
	"errors"
	"time"
)

// MovementType enumerates the reasons a balance can change.
type MovementType string

const (
	TypePurchase       MovementType = "purchase"
	TypePurchaseReturn MovementType = "purchase_return"
	TypeSale           MovementType = "sale"
	TypeSaleReturn     MovementType = "sale_return"
	TypeAdjustment     MovementType = "adjustment"
	TypeTransfer       MovementType = "transfer"
	TypeDeliveryOut    MovementType = "delivery_out"
	TypeDeliveryReturn MovementType = "delivery_return"
	TypeOpening        MovementType = "opening"
	TypeOrder          MovementType = "order"
)

// IsValid reports whether t is a known movement type.
func (t MovementType) IsValid() bool {
	switch t {
	case TypePurchase, TypePurchaseReturn, TypeSale, TypeSaleReturn,
		TypeAdjustment, TypeTransfer, TypeDeliveryOut, TypeDeliveryReturn,
		TypeOpening, TypeOrder:
		return true
	default:
		return false
	}
}

// increases reports whether the type adds stock. Adjustments and transfers
// carry their own sign and are handled separately in Apply.
func (t MovementType) increases() bool {
	switch t {
	case TypePurchase, TypeSaleReturn, TypeDeliveryReturn, TypeOpening:
		return true
	default:
		return false
	}
}

// SourceKind identifies the entity a movement originated from. It replaces
// the dynamic class reference of the legacy schema with a closed enum.
type SourceKind string

const (
	SourceNone       SourceKind = ""
	SourcePurchase   SourceKind = "purchase"
	SourceSale       SourceKind = "sale"
	SourceOrder      SourceKind = "order"
	SourceDelivery   SourceKind = "delivery"
	SourceAdjustment SourceKind = "adjustment"
	SourceStock      SourceKind = "stock"
	SourceReturn     SourceKind = "return"
)

// SourceRef links a movement to the document that caused it.
type SourceRef struct {
	Kind SourceKind `json:"kind,omitempty"`
	ID   int64      `json:"id,omitempty"`
}

// Movement is one immutable quantity-change fact. Rows are append-only: they
// are never updated or deleted once written.
type Movement struct {
	ID             int64        `json:"id"`
	ProductID      int64        `json:"product_id"`
	WarehouseID    int64        `json:"warehouse_id"`
	ActorID        int64        `json:"actor_id,omitempty"`
	Type           MovementType `json:"type"`
	Reference      string       `json:"reference"`
	Source         SourceRef    `json:"source"`
	QuantityBefore float64      `json:"quantity_before"`
	QuantityChange float64      `json:"quantity_change"`
	QuantityAfter  float64      `json:"quantity_after"`
	UnitCost       *float64     `json:"unit_cost,omitempty"`
	Note           string       `json:"note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Balance is the authoritative on-hand quantity per (product, warehouse).
// It is only ever written through Apply.
type Balance struct {
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	Quantity    float64   `json:"quantity"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MovementInput describes a requested quantity change. Quantity must be
// positive for every type except adjustment, which carries its sign.
type MovementInput struct {
	ProductID   int64
	WarehouseID int64
	Quantity    float64
	Type        MovementType
	Reference   string
	Source      SourceRef
	UnitCost    *float64
	Note        string
	ActorID     int64
}

// AdjustmentKind selects how a manual adjustment interprets its quantity.
type AdjustmentKind string

const (
	AdjustAdd    AdjustmentKind = "add"
	AdjustRemove AdjustmentKind = "remove"
	AdjustSet    AdjustmentKind = "set"
)

// AdjustInput describes a manual stock adjustment. Reference doubles as the
// idempotency key: a caller that retries with the same reference gets a
// conflict instead of a second movement. Left empty, one is generated.
type AdjustInput struct {
	ProductID   int64
	WarehouseID int64
	Quantity    float64
	Kind        AdjustmentKind
	Reason      string
	Reference   string
	IsLoss      bool
	UnitCost    *float64
	ActorID     int64
}

// AdjustResult reports the balance around an adjustment.
type AdjustResult struct {
	PreviousQuantity float64 `json:"previous_quantity"`
	NewQuantity      float64 `json:"new_quantity"`
	Change           float64 `json:"change"`
	Reference        string  `json:"reference"`
}

// TransferInput moves quantity between two warehouses of one product.
// Reference is the optional caller-supplied idempotency key, as in
// AdjustInput.
type TransferInput struct {
	ProductID       int64
	FromWarehouseID int64
	ToWarehouseID   int64
	Quantity        float64
	Note            string
	Reference       string
	ActorID         int64
}

// TransferResult carries both movements of a completed transfer.
type TransferResult struct {
	Reference string   `json:"reference"`
	Out       Movement `json:"out"`
	In        Movement `json:"in"`
}

// CountInput records a physical inventory count.
type CountInput struct {
	ProductID       int64
	WarehouseID     int64
	CountedQuantity float64
	Note            string
	ActorID         int64
}

// CountResult reports the reconciliation outcome of a physical count.
type CountResult struct {
	SystemQuantity  float64 `json:"system_quantity"`
	CountedQuantity float64 `json:"counted_quantity"`
	Difference      float64 `json:"difference"`
	MovementID      int64   `json:"movement_id,omitempty"`
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	Type        MovementType
	From        time.Time
	To          time.Time
	Limit       int
}

// TypeSummary aggregates movements of one type over a period.
type TypeSummary struct {
	Type   MovementType `json:"type"`
	QtyIn  float64      `json:"qty_in"`
	QtyOut float64      `json:"qty_out"`
	Count  int64        `json:"count"`
}

var (
	// ErrInvalidQuantity indicates a zero or wrongly signed quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrInvalidType indicates an unknown movement type.
	ErrInvalidType = errors.New("ledger: unknown movement type")
	// ErrNegativeStock is returned when a movement would drive the balance
	// negative and the service is configured to forbid that.
	ErrNegativeStock = errors.New("ledger: negative stock not allowed")
	// ErrRemoveExceedsBalance rejects remove adjustments larger than on-hand.
	ErrRemoveExceedsBalance = errors.New("ledger: cannot remove more than available")
	// ErrNegativeTarget rejects set adjustments targeting a negative quantity.
	ErrNegativeTarget = errors.New("ledger: target quantity must not be negative")
	// ErrSameWarehouse rejects transfers within one warehouse.
	ErrSameWarehouse = errors.New("ledger: source and destination warehouse must differ")
	// ErrIntegrity indicates the persisted balance diverged from the computed
	// one. It points at a lost update and must be treated as fatal.
	ErrIntegrity = errors.New("ledger: balance integrity violation")
	// ErrBalanceNotFound indicates a missing balance row.
	ErrBalanceNotFound = errors.New("ledger: balance not found")
)
