package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/orders"
	"github.com/meridian-erp/meridian-erp/internal/returns"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type stopKey struct {
	deliveryID int64
	orderID    int64
}

type stagingKey struct {
	deliveryID int64
	productID  int64
}

type balanceKey struct {
	productID   int64
	warehouseID int64
}

type productInfo struct {
	cost float64
	tax  float64
}

type memoryRepo struct {
	deliveries map[int64]*Delivery
	stops      map[stopKey]*Stop
	staging    map[stagingKey]*StagingLine
	orders     map[int64]*orders.Order
	products   map[int64]productInfo
	balances   map[balanceKey]float64
	movements  []ledger.Movement
	returns    []returns.Record
	nextID     int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		deliveries: make(map[int64]*Delivery),
		stops:      make(map[stopKey]*Stop),
		staging:    make(map[stagingKey]*StagingLine),
		orders:     make(map[int64]*orders.Order),
		products:   make(map[int64]productInfo),
		balances:   make(map[balanceKey]float64),
	}
}

func (m *memoryRepo) id() int64 {
	m.nextID++
	return m.nextID
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

func (m *memoryRepo) GetDeliveryForUpdate(_ context.Context, id int64) (Delivery, error) {
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return *d, nil
}

func (m *memoryRepo) InsertDelivery(_ context.Context, d Delivery) (int64, error) {
	d.ID = m.id()
	d.CreatedAt = time.Now()
	m.deliveries[d.ID] = &d
	return d.ID, nil
}

func (m *memoryRepo) SetDeliveryStatus(_ context.Context, id int64, status Status, at time.Time) error {
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	switch status {
	case StatusInProgress:
		d.StartedAt = &at
	case StatusCompleted:
		d.CompletedAt = &at
	}
	return nil
}

func (m *memoryRepo) RefreshCounts(_ context.Context, deliveryID int64) (Delivery, error) {
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	d.OrderCount, d.DeliveredCount, d.FailedCount = 0, 0, 0
	d.TotalAmount, d.CollectedAmount = 0, 0
	for key, stop := range m.stops {
		if key.deliveryID != deliveryID {
			continue
		}
		d.OrderCount++
		switch stop.Status {
		case StopDelivered, StopPartial:
			d.DeliveredCount++
			d.TotalAmount += stop.AmountDue
		case StopFailed, StopPostponed:
			d.FailedCount++
		}
		d.CollectedAmount += stop.AmountCollected
	}
	return *d, nil
}

func (m *memoryRepo) GetStops(_ context.Context, deliveryID int64) ([]Stop, error) {
	var out []Stop
	for key, stop := range m.stops {
		if key.deliveryID == deliveryID {
			out = append(out, *stop)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetStopForUpdate(_ context.Context, deliveryID, orderID int64) (Stop, error) {
	stop, ok := m.stops[stopKey{deliveryID, orderID}]
	if !ok {
		return Stop{}, ErrNotFound
	}
	return *stop, nil
}

func (m *memoryRepo) InsertStop(_ context.Context, s Stop) (int64, error) {
	s.ID = m.id()
	m.stops[stopKey{s.DeliveryID, s.OrderID}] = &s
	return s.ID, nil
}

func (m *memoryRepo) UpdateStop(_ context.Context, s Stop) error {
	stop, ok := m.stops[stopKey{s.DeliveryID, s.OrderID}]
	if !ok {
		return ErrNotFound
	}
	*stop = s
	return nil
}

func (m *memoryRepo) GetStaging(_ context.Context, deliveryID int64) ([]StagingLine, error) {
	var out []StagingLine
	for key, line := range m.staging {
		if key.deliveryID == deliveryID {
			out = append(out, *line)
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertStagingLine(_ context.Context, l StagingLine) error {
	l.ID = m.id()
	m.staging[stagingKey{l.DeliveryID, l.ProductID}] = &l
	return nil
}

func (m *memoryRepo) AddStagingDelivered(_ context.Context, deliveryID, productID int64, qty float64) error {
	if line, ok := m.staging[stagingKey{deliveryID, productID}]; ok {
		line.QuantityDelivered += qty
	}
	return nil
}

func (m *memoryRepo) AddStagingReturned(_ context.Context, deliveryID, productID int64, qty float64) error {
	if line, ok := m.staging[stagingKey{deliveryID, productID}]; ok {
		line.QuantityReturned += qty
	}
	return nil
}

func (m *memoryRepo) GetOrder(_ context.Context, orderID int64) (orders.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return *o, nil
}

func (m *memoryRepo) SetOrderStatus(_ context.Context, orderID int64, status orders.Status) error {
	o, ok := m.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *memoryRepo) SetItemDeliveredQuantity(_ context.Context, orderID, productID int64, qty float64) error {
	o, ok := m.orders[orderID]
	if !ok {
		return orders.ErrNotFound
	}
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			o.Items[i].QuantityDelivered = qty
		}
	}
	return nil
}

func (m *memoryRepo) ProductFinancials(_ context.Context, productID int64) (float64, float64, error) {
	info := m.products[productID]
	return info.cost, info.tax, nil
}

func (m *memoryRepo) InsertReturnRecord(_ context.Context, rec returns.Record) (int64, error) {
	rec.ID = m.id()
	m.returns = append(m.returns, rec)
	return rec.ID, nil
}

func (m *memoryRepo) GetDelivery(_ context.Context, id int64) (Delivery, error) {
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	out := *d
	out.Stops, _ = m.GetStops(context.Background(), id)
	out.Staging, _ = m.GetStaging(context.Background(), id)
	return out, nil
}

func (m *memoryRepo) List(_ context.Context, _ ListFilter) ([]Delivery, error) {
	var out []Delivery
	for _, d := range m.deliveries {
		out = append(out, *d)
	}
	return out, nil
}

func (m *memoryRepo) ActiveForDriver(_ context.Context, driverID int64) (Delivery, error) {
	for id, d := range m.deliveries {
		if d.DriverID == driverID && (d.Status == StatusPreparing || d.Status == StatusInProgress) {
			return m.GetDelivery(context.Background(), id)
		}
	}
	return Delivery{}, ErrNotFound
}

func (m *memoryRepo) addOrder(o orders.Order) int64 {
	o.ID = m.id()
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	m.orders[o.ID] = &o
	return o.ID
}

func qty(v float64) *float64 { return &v }

func testService(repo *memoryRepo) *Service {
	return NewService(repo, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func confirmedOrder(warehouseID int64, grandTotal float64, items ...orders.Item) orders.Order {
	return orders.Order{
		Reference:   "ORD-TEST",
		ClientID:    1,
		WarehouseID: warehouseID,
		Status:      orders.StatusConfirmed,
		GrandTotal:  grandTotal,
		Items:       items,
	}
}

func TestCreateStagesConfirmedOrders(t *testing.T) {
	repo := newMemoryRepo()
	o1 := repo.addOrder(confirmedOrder(3, 100,
		orders.Item{ProductID: 7, QuantityOrdered: 5, QuantityConfirmed: qty(4), UnitPrice: 10},
		orders.Item{ProductID: 8, QuantityOrdered: 2, UnitPrice: 25},
	))
	o2 := repo.addOrder(confirmedOrder(3, 50,
		orders.Item{ProductID: 7, QuantityOrdered: 3, UnitPrice: 10},
	))

	d, err := testService(repo).Create(context.Background(), CreateInput{
		DriverID: 9, Date: time.Now(), OrderIDs: []int64{o1, o2},
	})
	require.NoError(t, err)

	require.Equal(t, StatusPreparing, d.Status)
	require.Equal(t, 2, d.OrderCount)
	require.Equal(t, 150.0, d.TotalAmount)
	require.Len(t, d.Stops, 2)
	require.Len(t, d.Staging, 2)

	// confirmed quantities aggregate per product across orders
	require.Equal(t, 7.0, repo.staging[stagingKey{d.ID, 7}].QuantityLoaded)
	require.Equal(t, 2.0, repo.staging[stagingKey{d.ID, 8}].QuantityLoaded)

	require.Equal(t, orders.StatusAssigned, repo.orders[o1].Status)
	require.Equal(t, orders.StatusAssigned, repo.orders[o2].Status)
}

func TestCreateRejectsUnconfirmedOrder(t *testing.T) {
	repo := newMemoryRepo()
	good := repo.addOrder(confirmedOrder(3, 100, orders.Item{ProductID: 7, QuantityOrdered: 1}))
	bad := repo.addOrder(orders.Order{Reference: "ORD-P", WarehouseID: 3, Status: orders.StatusPending,
		Items: []orders.Item{{ProductID: 8, QuantityOrdered: 1}}})

	_, err := testService(repo).Create(context.Background(), CreateInput{
		DriverID: 9, Date: time.Now(), OrderIDs: []int64{good, bad},
	})
	require.ErrorIs(t, err, ErrOrderNotConfirmed)
	require.Empty(t, repo.deliveries)
}

func TestCreateRejectsMixedWarehouses(t *testing.T) {
	repo := newMemoryRepo()
	a := repo.addOrder(confirmedOrder(3, 100, orders.Item{ProductID: 7, QuantityOrdered: 1}))
	b := repo.addOrder(confirmedOrder(4, 100, orders.Item{ProductID: 7, QuantityOrdered: 1}))

	_, err := testService(repo).Create(context.Background(), CreateInput{
		DriverID: 9, Date: time.Now(), OrderIDs: []int64{a, b},
	})
	require.ErrorIs(t, err, ErrMixedWarehouses)
}

func preparingDelivery(t *testing.T, repo *memoryRepo) Delivery {
	t.Helper()
	orderID := repo.addOrder(confirmedOrder(3, 120,
		orders.Item{ProductID: 7, QuantityOrdered: 4, UnitPrice: 20, Discount: 8},
		orders.Item{ProductID: 8, QuantityOrdered: 2, UnitPrice: 20},
	))
	d, err := testService(repo).Create(context.Background(), CreateInput{
		DriverID: 9, Date: time.Now(), OrderIDs: []int64{orderID},
	})
	require.NoError(t, err)
	return d
}

func TestStartDebitsFullLoad(t *testing.T) {
	repo := newMemoryRepo()
	d := preparingDelivery(t, repo)
	repo.balances[balanceKey{7, 3}] = 10
	repo.balances[balanceKey{8, 3}] = 2

	out, err := testService(repo).Start(context.Background(), d.ID, 99)
	require.NoError(t, err)

	require.Equal(t, StatusInProgress, out.Status)
	require.NotNil(t, out.StartedAt)
	require.Len(t, repo.movements, 2)
	for _, mv := range repo.movements {
		require.Equal(t, ledger.TypeDeliveryOut, mv.Type)
		require.Equal(t, d.Reference, mv.Reference)
		require.Negative(t, mv.QuantityChange)
	}
	require.Equal(t, 6.0, repo.balances[balanceKey{7, 3}])
	require.Equal(t, 0.0, repo.balances[balanceKey{8, 3}])
}

func TestStartAbortsOnAnyShortage(t *testing.T) {
	repo := newMemoryRepo()
	d := preparingDelivery(t, repo)
	repo.balances[balanceKey{7, 3}] = 10
	repo.balances[balanceKey{8, 3}] = 1 // one unit short

	_, err := testService(repo).Start(context.Background(), d.ID, 99)

	shortage, ok := shared.AsInsufficientStock(err)
	require.True(t, ok)
	require.Len(t, shortage.Shortages, 1)
	require.Equal(t, int64(8), shortage.Shortages[0].ProductID)
	require.Equal(t, 2.0, shortage.Shortages[0].Requested)
	require.Equal(t, 1.0, shortage.Shortages[0].Available)

	// nothing moved, run still preparing
	require.Empty(t, repo.movements)
	require.Equal(t, 10.0, repo.balances[balanceKey{7, 3}])
	require.Equal(t, StatusPreparing, repo.deliveries[d.ID].Status)
}

func TestStartRequiresPreparing(t *testing.T) {
	repo := newMemoryRepo()
	d := preparingDelivery(t, repo)
	repo.deliveries[d.ID].Status = StatusCompleted

	_, err := testService(repo).Start(context.Background(), d.ID, 99)
	require.ErrorIs(t, err, ErrNotPreparing)
}

func startedDelivery(t *testing.T, repo *memoryRepo) (Delivery, int64) {
	t.Helper()
	d := preparingDelivery(t, repo)
	repo.balances[balanceKey{7, 3}] = 10
	repo.balances[balanceKey{8, 3}] = 5
	out, err := testService(repo).Start(context.Background(), d.ID, 99)
	require.NoError(t, err)
	return out, out.Stops[0].OrderID
}

func TestDeliverStopFull(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)

	stop, err := testService(repo).DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.NoError(t, err)

	require.Equal(t, StopDelivered, stop.Status)
	require.Equal(t, 120.0, stop.AmountCollected) // defaults to amount due
	require.Equal(t, 4.0, repo.staging[stagingKey{d.ID, 7}].QuantityDelivered)
	require.Equal(t, 2.0, repo.staging[stagingKey{d.ID, 8}].QuantityDelivered)
	require.Equal(t, orders.StatusDelivered, repo.orders[orderID].Status)

	counts := repo.deliveries[d.ID]
	require.Equal(t, 1, counts.DeliveredCount)
	require.Equal(t, 120.0, counts.TotalAmount)
	require.Equal(t, 120.0, counts.CollectedAmount)
}

func TestDeliverStopTwiceRejected(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)
	svc := testService(repo)

	_, err := svc.DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.NoError(t, err)
	_, err = svc.DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.ErrorIs(t, err, ErrStopResolved)
}

func TestPartialStopRecomputesAmountAndRecordsReturns(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)

	collected := 30.0
	stop, err := testService(repo).PartialStop(context.Background(), d.ID, orderID, PartialInput{
		Lines: []PartialLine{
			{ProductID: 7, QuantityDelivered: 2, QuantityReturned: 2, ReturnReason: returns.ReasonRefused},
			{ProductID: 8, QuantityDelivered: 0, QuantityReturned: 2, ReturnReason: returns.ReasonDamaged},
		},
		AmountCollected: collected,
	})
	require.NoError(t, err)

	require.Equal(t, StopPartial, stop.Status)
	// 2 of 4 units at 20 each, minus half of the 8 line discount
	require.Equal(t, 36.0, stop.AmountDue)
	require.Equal(t, collected, stop.AmountCollected)

	require.Equal(t, 2.0, repo.staging[stagingKey{d.ID, 7}].QuantityDelivered)
	require.Equal(t, 2.0, repo.staging[stagingKey{d.ID, 7}].QuantityReturned)
	require.Equal(t, 2.0, repo.staging[stagingKey{d.ID, 8}].QuantityReturned)

	require.Len(t, repo.returns, 2)
	require.True(t, repo.returns[0].ReturnableToStock)
	require.False(t, repo.returns[1].ReturnableToStock)
	require.False(t, repo.returns[0].Processed)
	require.Equal(t, orders.StatusPartial, repo.orders[orderID].Status)
}

func TestPartialStopRejectsExcessQuantity(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)

	_, err := testService(repo).PartialStop(context.Background(), d.ID, orderID, PartialInput{
		Lines: []PartialLine{{ProductID: 7, QuantityDelivered: 3, QuantityReturned: 2}},
	})
	require.ErrorIs(t, err, ErrExceedsConfirmed)
}

func TestFailStopReturnsEverything(t *testing.T) {
	repo := newMemoryRepo()
	repo.products[7] = productInfo{cost: 5}
	repo.products[8] = productInfo{cost: 3}
	d, orderID := startedDelivery(t, repo)

	stop, err := testService(repo).FailStop(context.Background(), d.ID, orderID, FailInput{Reason: "store closed"})
	require.NoError(t, err)

	require.Equal(t, StopFailed, stop.Status)
	require.Zero(t, stop.AmountDue)
	require.Zero(t, stop.AmountCollected)

	require.Len(t, repo.returns, 2)
	for _, rec := range repo.returns {
		require.Equal(t, returns.ReasonStoreClosed, rec.Reason)
		require.True(t, rec.ReturnableToStock)
		require.Equal(t, "store closed", rec.Notes)
	}
	require.Equal(t, 4.0, repo.staging[stagingKey{d.ID, 7}].QuantityReturned)
	require.Equal(t, 1, repo.deliveries[d.ID].FailedCount)
	// order keeps its assigned status for a later retry
	require.Equal(t, orders.StatusAssigned, repo.orders[orderID].Status)
}

func TestPostponedStopCanStillBeDelivered(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)
	svc := testService(repo)

	stop, err := svc.PostponeStop(context.Background(), d.ID, orderID, "retry after lunch", 99)
	require.NoError(t, err)
	require.Equal(t, StopPostponed, stop.Status)
	require.Equal(t, 1, repo.deliveries[d.ID].FailedCount)

	stop, err = svc.DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.NoError(t, err)
	require.Equal(t, StopDelivered, stop.Status)
	require.Equal(t, 0, repo.deliveries[d.ID].FailedCount)
	require.Equal(t, 1, repo.deliveries[d.ID].DeliveredCount)
}

func TestCompleteRequiresInProgress(t *testing.T) {
	repo := newMemoryRepo()
	d := preparingDelivery(t, repo)

	_, err := testService(repo).Complete(context.Background(), d.ID, 99)
	require.ErrorIs(t, err, ErrNotInProgress)
}

func TestCompleteClosesRun(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)
	svc := testService(repo)

	_, err := svc.DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.NoError(t, err)

	out, err := svc.Complete(context.Background(), d.ID, 99)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, out.Status)
	require.NotNil(t, out.CompletedAt)
}

func TestCancelPreparingReleasesOrders(t *testing.T) {
	repo := newMemoryRepo()
	d := preparingDelivery(t, repo)
	stops, _ := repo.GetStops(context.Background(), d.ID)

	require.NoError(t, testService(repo).Cancel(context.Background(), d.ID, 99))

	require.Equal(t, StatusCancelled, repo.deliveries[d.ID].Status)
	for _, stop := range stops {
		require.Equal(t, orders.StatusConfirmed, repo.orders[stop.OrderID].Status)
	}
}

func TestCancelInProgressRejected(t *testing.T) {
	repo := newMemoryRepo()
	d, _ := startedDelivery(t, repo)

	err := testService(repo).Cancel(context.Background(), d.ID, 99)
	require.ErrorIs(t, err, ErrNotPreparing)
}

func TestRefreshCountsIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	d, orderID := startedDelivery(t, repo)
	svc := testService(repo)

	_, err := svc.DeliverStop(context.Background(), d.ID, orderID, DeliverInput{})
	require.NoError(t, err)

	first, err := svc.RefreshCounts(context.Background(), d.ID)
	require.NoError(t, err)
	second, err := svc.RefreshCounts(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, first.DeliveredCount, second.DeliveredCount)
	require.Equal(t, first.TotalAmount, second.TotalAmount)
	require.Equal(t, first.CollectedAmount, second.CollectedAmount)
}
