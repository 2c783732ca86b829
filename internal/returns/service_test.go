package returns

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/expense"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

type balanceKey struct {
	productID   int64
	warehouseID int64
}

type memoryRepo struct {
	records      map[int64]*Record
	balances     map[balanceKey]float64
	movements    []ledger.Movement
	expenses     []expense.Record
	itemReturned map[int64]float64
	deliveryRefs map[int64]string
	productCosts map[int64]float64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records:      make(map[int64]*Record),
		balances:     make(map[balanceKey]float64),
		itemReturned: make(map[int64]float64),
		deliveryRefs: make(map[int64]string),
		productCosts: make(map[int64]float64),
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memoryRepo) Ledger() ledger.TxStore { return m }

func (m *memoryRepo) GetBalanceForUpdate(_ context.Context, productID, warehouseID int64) (ledger.Balance, error) {
	qty, ok := m.balances[balanceKey{productID, warehouseID}]
	if !ok {
		return ledger.Balance{}, ledger.ErrBalanceNotFound
	}
	return ledger.Balance{ProductID: productID, WarehouseID: warehouseID, Quantity: qty}, nil
}

func (m *memoryRepo) UpsertBalance(_ context.Context, b ledger.Balance) (float64, error) {
	m.balances[balanceKey{b.ProductID, b.WarehouseID}] = b.Quantity
	return b.Quantity, nil
}

func (m *memoryRepo) InsertMovement(_ context.Context, mv ledger.Movement) (int64, error) {
	m.movements = append(m.movements, mv)
	return int64(len(m.movements)), nil
}

func (m *memoryRepo) GetRecordForUpdate(_ context.Context, id int64) (Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memoryRepo) MarkProcessed(_ context.Context, id int64, lossAmount, unitCost float64, lossRecorded bool, at time.Time) error {
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Processed = true
	rec.ProcessedAt = &at
	rec.LossAmount = lossAmount
	rec.UnitCost = unitCost
	rec.LossRecorded = lossRecorded
	return nil
}

func (m *memoryRepo) IncrementOrderItemReturned(_ context.Context, orderID, _ int64, quantity float64) error {
	m.itemReturned[orderID] += quantity
	return nil
}

func (m *memoryRepo) DeliveryReference(_ context.Context, deliveryID int64) (string, error) {
	ref, ok := m.deliveryRefs[deliveryID]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (m *memoryRepo) ProductCost(_ context.Context, productID int64) (float64, error) {
	return m.productCosts[productID], nil
}

func (m *memoryRepo) InsertExpense(_ context.Context, rec expense.Record) (int64, error) {
	m.expenses = append(m.expenses, rec)
	return int64(len(m.expenses)), nil
}

func (m *memoryRepo) GetRecord(_ context.Context, id int64) (Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *memoryRepo) ListUnprocessed(_ context.Context, deliveryID int64) ([]Record, error) {
	var out []Record
	for i := int64(1); i <= int64(len(m.records)); i++ {
		rec, ok := m.records[i]
		if ok && rec.DeliveryID == deliveryID && !rec.Processed {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListByDelivery(_ context.Context, deliveryID int64) ([]Record, error) {
	var out []Record
	for i := int64(1); i <= int64(len(m.records)); i++ {
		rec, ok := m.records[i]
		if ok && rec.DeliveryID == deliveryID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memoryRepo) addRecord(rec Record) int64 {
	id := int64(len(m.records) + 1)
	rec.ID = id
	rec.CreatedAt = time.Now()
	m.records[id] = &rec
	return id
}

func testService(repo *memoryRepo) *Service {
	return NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func TestProcessRestocksReturnableReason(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveryRefs[10] = "DEL-20260831-AB12CD34"
	repo.balances[balanceKey{7, 3}] = 5
	id := repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 7,
		Quantity: 2, Reason: ReasonRefused, ReturnableToStock: true, UnitCost: 12.5,
	})

	require.NoError(t, testService(repo).Process(context.Background(), id, 3, 99))

	require.Len(t, repo.movements, 1)
	mv := repo.movements[0]
	require.Equal(t, ledger.TypeDeliveryReturn, mv.Type)
	require.Equal(t, 2.0, mv.QuantityChange)
	require.Equal(t, fmt.Sprintf("RET-DEL-20260831-AB12CD34-%d", id), mv.Reference)
	require.Equal(t, ledger.SourceRef{Kind: ledger.SourceReturn, ID: id}, mv.Source)
	require.Equal(t, 7.0, repo.balances[balanceKey{7, 3}])
	require.Equal(t, 2.0, repo.itemReturned[4])
	require.Empty(t, repo.expenses)

	rec := repo.records[id]
	require.True(t, rec.Processed)
	require.NotNil(t, rec.ProcessedAt)
	require.False(t, rec.LossRecorded)
}

func TestProcessDamagedRecordsLossNotStock(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveryRefs[10] = "DEL-20260831-AB12CD34"
	id := repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 7,
		Quantity: 3, Reason: ReasonDamaged, UnitCost: 10,
	})

	require.NoError(t, testService(repo).Process(context.Background(), id, 3, 99))

	require.Empty(t, repo.movements)
	require.Zero(t, repo.balances[balanceKey{7, 3}])
	require.Len(t, repo.expenses, 1)
	exp := repo.expenses[0]
	require.Equal(t, expense.CategoryLoss, exp.Category)
	require.Equal(t, 30.0, exp.Amount)
	require.Equal(t, fmt.Sprintf("LOSS-DEL-20260831-AB12CD34-%d", id), exp.Reference)

	rec := repo.records[id]
	require.True(t, rec.Processed)
	require.True(t, rec.LossRecorded)
	require.Equal(t, 30.0, rec.LossAmount)
	require.Equal(t, 3.0, repo.itemReturned[4])
}

func TestProcessDamagedFallsBackToProductCost(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveryRefs[10] = "DEL-X"
	repo.productCosts[7] = 4.25
	id := repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 7,
		Quantity: 2, Reason: ReasonDamaged,
	})

	require.NoError(t, testService(repo).Process(context.Background(), id, 3, 99))

	require.Len(t, repo.expenses, 1)
	require.Equal(t, 8.5, repo.expenses[0].Amount)
	require.Equal(t, 4.25, repo.records[id].UnitCost)
}

func TestProcessIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveryRefs[10] = "DEL-X"
	restock := repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 7,
		Quantity: 2, Reason: ReasonExcess, ReturnableToStock: true,
	})
	loss := repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 8,
		Quantity: 1, Reason: ReasonDamaged, UnitCost: 6,
	})

	svc := testService(repo)
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Process(context.Background(), restock, 3, 99))
		require.NoError(t, svc.Process(context.Background(), loss, 3, 99))
	}

	require.Len(t, repo.movements, 1)
	require.Len(t, repo.expenses, 1)
	require.Equal(t, 2.0, repo.balances[balanceKey{7, 3}])
	require.Equal(t, 3.0, repo.itemReturned[4])
}

func TestProcessAllSkipsProcessed(t *testing.T) {
	repo := newMemoryRepo()
	repo.deliveryRefs[10] = "DEL-X"
	repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 7,
		Quantity: 1, Reason: ReasonOther, ReturnableToStock: true, Processed: true,
	})
	repo.addRecord(Record{
		DeliveryID: 10, OrderID: 4, ProductID: 8,
		Quantity: 2, Reason: ReasonWrong, ReturnableToStock: true,
	})
	repo.addRecord(Record{
		DeliveryID: 11, OrderID: 5, ProductID: 9,
		Quantity: 4, Reason: ReasonOther, ReturnableToStock: true,
	})

	n, err := testService(repo).ProcessAll(context.Background(), 10, 3, 99)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, repo.movements, 1)
	require.Equal(t, 2.0, repo.balances[balanceKey{8, 3}])
}

func TestProcessUnknownRecord(t *testing.T) {
	repo := newMemoryRepo()
	err := testService(repo).Process(context.Background(), 42, 3, 99)
	require.ErrorIs(t, err, ErrNotFound)
}
