package ledger

import (
	"context"
	"errors"
	"math"
	"time"
)

// TxStore is the minimal transactional surface a movement needs. The ledger
// repository implements it, and so do the delivery and returns transaction
// repositories, so that their debits and credits land in the same database
// transaction as their own state changes.
type TxStore interface {
	GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) (float64, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
}

const qtyEpsilon = 1e-6

// Apply records one movement against the locked balance row. It is the only
// code path that writes stock_balances: it reads the row FOR UPDATE (creating
// a zero balance lazily), derives the signed change from the movement type,
// persists the new balance and appends the movement with the before/after
// pair captured under the same lock.
//
// Apply itself does not floor the balance at zero; callers pre-validate
// availability. Pass denyNegative to harden that at the recorder level.
func Apply(ctx context.Context, tx TxStore, in MovementInput, denyNegative bool) (Movement, error) {
	if !in.Type.IsValid() {
		return Movement{}, ErrInvalidType
	}
	if in.ProductID == 0 || in.WarehouseID == 0 {
		return Movement{}, errors.New("ledger: product and warehouse required")
	}
	if math.Abs(in.Quantity) < qtyEpsilon {
		return Movement{}, ErrInvalidQuantity
	}
	if in.Type != TypeAdjustment && in.Type != TypeTransfer && in.Quantity < 0 {
		return Movement{}, ErrInvalidQuantity
	}

	balance, err := tx.GetBalanceForUpdate(ctx, in.ProductID, in.WarehouseID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Movement{}, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{ProductID: in.ProductID, WarehouseID: in.WarehouseID}
	}

	change := signedChange(in.Type, in.Quantity)
	before := balance.Quantity
	after := before + change
	if math.Abs(after) < qtyEpsilon {
		after = 0
	}
	if denyNegative && after < 0 {
		return Movement{}, ErrNegativeStock
	}

	balance.Quantity = after
	stored, err := tx.UpsertBalance(ctx, balance)
	if err != nil {
		return Movement{}, err
	}
	if math.Abs(stored-after) > qtyEpsilon {
		return Movement{}, ErrIntegrity
	}

	m := Movement{
		ProductID:      in.ProductID,
		WarehouseID:    in.WarehouseID,
		ActorID:        in.ActorID,
		Type:           in.Type,
		Reference:      in.Reference,
		Source:         in.Source,
		QuantityBefore: before,
		QuantityChange: change,
		QuantityAfter:  after,
		UnitCost:       in.UnitCost,
		Note:           in.Note,
		CreatedAt:      time.Now().UTC(),
	}
	id, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}
	m.ID = id
	return m, nil
}

// signedChange derives the ledger direction from the movement type.
// Adjustments and transfers keep the sign the caller resolved.
func signedChange(t MovementType, qty float64) float64 {
	switch {
	case t == TypeAdjustment, t == TypeTransfer:
		return qty
	case t.increases():
		return math.Abs(qty)
	default:
		return -math.Abs(qty)
	}
}
