package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	balances  map[string]Balance
	movements []Movement
	nextID    int64

	// upsertDrift shifts the reported stored quantity to simulate a lost
	// update.
	upsertDrift float64
}

func newMemStore() *memStore {
	return &memStore{balances: map[string]Balance{}}
}

func balanceKey(productID, warehouseID int64) string {
	return fmt.Sprintf("%d/%d", productID, warehouseID)
}

func (s *memStore) seed(productID, warehouseID int64, quantity float64) {
	s.balances[balanceKey(productID, warehouseID)] = Balance{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    quantity,
	}
}

func (s *memStore) GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64) (Balance, error) {
	b, ok := s.balances[balanceKey(productID, warehouseID)]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

func (s *memStore) UpsertBalance(ctx context.Context, balance Balance) (float64, error) {
	balance.UpdatedAt = time.Now().UTC()
	s.balances[balanceKey(balance.ProductID, balance.WarehouseID)] = balance
	return balance.Quantity + s.upsertDrift, nil
}

func (s *memStore) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	s.nextID++
	m.ID = s.nextID
	s.movements = append(s.movements, m)
	return m.ID, nil
}

func (s *memStore) quantity(productID, warehouseID int64) float64 {
	return s.balances[balanceKey(productID, warehouseID)].Quantity
}

func TestApplyDerivesSignFromType(t *testing.T) {
	cases := []struct {
		movementType MovementType
		quantity     float64
		wantChange   float64
	}{
		{TypePurchase, 10, 10},
		{TypeSaleReturn, 3, 3},
		{TypeDeliveryReturn, 2, 2},
		{TypeOpening, 50, 50},
		{TypeSale, 4, -4},
		{TypeDeliveryOut, 6, -6},
		{TypePurchaseReturn, 1, -1},
	}
	for _, tc := range cases {
		t.Run(string(tc.movementType), func(t *testing.T) {
			store := newMemStore()
			store.seed(1, 1, 100)

			m, err := Apply(context.Background(), store, MovementInput{
				ProductID:   1,
				WarehouseID: 1,
				Quantity:    tc.quantity,
				Type:        tc.movementType,
				Reference:   "REF-1",
			}, false)
			require.NoError(t, err)
			require.Equal(t, tc.wantChange, m.QuantityChange)
			require.Equal(t, 100.0, m.QuantityBefore)
			require.Equal(t, 100+tc.wantChange, m.QuantityAfter)
			require.Equal(t, 100+tc.wantChange, store.quantity(1, 1))
		})
	}
}

func TestApplyKeepsCallerSignForAdjustmentAndTransfer(t *testing.T) {
	store := newMemStore()
	store.seed(1, 1, 10)

	out, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    -4,
		Type:        TypeTransfer,
		Reference:   "TRF-X",
	}, false)
	require.NoError(t, err)
	require.Equal(t, -4.0, out.QuantityChange)
	require.Equal(t, 6.0, store.quantity(1, 1))

	adj, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    -2,
		Type:        TypeAdjustment,
		Reference:   "ADJ-X",
	}, false)
	require.NoError(t, err)
	require.Equal(t, -2.0, adj.QuantityChange)
	require.Equal(t, 4.0, store.quantity(1, 1))
}

func TestApplyRejectsNegativeQuantityForDirectionalTypes(t *testing.T) {
	store := newMemStore()
	store.seed(1, 1, 10)

	_, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    -5,
		Type:        TypeSale,
		Reference:   "REF-1",
	}, false)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.Empty(t, store.movements)
}

func TestApplyRejectsZeroQuantityAndUnknownType(t *testing.T) {
	store := newMemStore()

	_, err := Apply(context.Background(), store, MovementInput{
		ProductID: 1, WarehouseID: 1, Quantity: 0, Type: TypeSale,
	}, false)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Apply(context.Background(), store, MovementInput{
		ProductID: 1, WarehouseID: 1, Quantity: 1, Type: MovementType("evaporation"),
	}, false)
	require.ErrorIs(t, err, ErrInvalidType)
}

func TestApplyCreatesBalanceLazily(t *testing.T) {
	store := newMemStore()

	m, err := Apply(context.Background(), store, MovementInput{
		ProductID:   7,
		WarehouseID: 2,
		Quantity:    12,
		Type:        TypePurchase,
		Reference:   "PO-77",
	}, false)
	require.NoError(t, err)
	require.Equal(t, 0.0, m.QuantityBefore)
	require.Equal(t, 12.0, m.QuantityAfter)
	require.Equal(t, 12.0, store.quantity(7, 2))
}

func TestApplyAllowsOverdrawByDefault(t *testing.T) {
	store := newMemStore()
	store.seed(1, 1, 3)

	m, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    5,
		Type:        TypeSale,
		Reference:   "SO-1",
	}, false)
	require.NoError(t, err)
	require.Equal(t, -2.0, m.QuantityAfter)
}

func TestApplyDenyNegativeBlocksOverdraw(t *testing.T) {
	store := newMemStore()
	store.seed(1, 1, 3)

	_, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    5,
		Type:        TypeSale,
		Reference:   "SO-1",
	}, true)
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Equal(t, 3.0, store.quantity(1, 1))
	require.Empty(t, store.movements)
}

func TestApplyDetectsBalanceDrift(t *testing.T) {
	store := newMemStore()
	store.seed(1, 1, 10)
	store.upsertDrift = 0.5

	_, err := Apply(context.Background(), store, MovementInput{
		ProductID:   1,
		WarehouseID: 1,
		Quantity:    2,
		Type:        TypePurchase,
		Reference:   "PO-1",
	}, false)
	require.ErrorIs(t, err, ErrIntegrity)
	require.Empty(t, store.movements)
}
