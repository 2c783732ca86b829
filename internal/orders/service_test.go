package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/availability"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// memoryRepo mimics the transactional repository: WithTx runs the callback
// against a staged copy that pool reads cannot see until the callback
// returns, and the mutex serializes whole transactions the way the balance
// row locks do. Availability derives from the ledger balance per product
// minus the demand of committed reserving orders.
type memoryRepo struct {
	mu       sync.Mutex
	orders   map[int64]*Order
	nextID   int64
	assigned map[int64]bool
	deleted  map[int64]bool
	balances map[int64]float64
}

func newMemoryRepo(balances map[int64]float64) *memoryRepo {
	return &memoryRepo{
		orders:   map[int64]*Order{},
		assigned: map[int64]bool{},
		deleted:  map[int64]bool{},
		balances: balances,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	staged := r.snapshot()
	if err := fn(ctx, staged); err != nil {
		return err
	}
	r.orders = staged.orders
	r.nextID = staged.nextID
	r.assigned = staged.assigned
	r.deleted = staged.deleted
	return nil
}

func (r *memoryRepo) snapshot() *memoryRepo {
	cp := newMemoryRepo(r.balances)
	cp.nextID = r.nextID
	for id, o := range r.orders {
		oc := *o
		oc.Items = make([]Item, len(o.Items))
		for i, it := range o.Items {
			if it.QuantityConfirmed != nil {
				q := *it.QuantityConfirmed
				it.QuantityConfirmed = &q
			}
			oc.Items[i] = it
		}
		cp.orders[id] = &oc
	}
	for id, v := range r.assigned {
		cp.assigned[id] = v
	}
	for id, v := range r.deleted {
		cp.deleted[id] = v
	}
	return cp
}

func (r *memoryRepo) GetOrder(ctx context.Context, id int64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrderLocked(id)
}

func (r *memoryRepo) getOrderLocked(id int64) (*Order, error) {
	o, ok := r.orders[id]
	if !ok || r.deleted[id] {
		return nil, ErrNotFound
	}
	cp := *o
	cp.Items = append([]Item(nil), o.Items...)
	return &cp, nil
}

func (r *memoryRepo) ListOrders(ctx context.Context, filter ListFilter) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, o := range r.orders {
		if r.deleted[o.ID] {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (r *memoryRepo) GetItem(ctx context.Context, orderID, itemID int64) (*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			cp := o.Items[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) HasDeliveryAssignment(ctx context.Context, orderID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assigned[orderID], nil
}

// TxRepository methods run on the staged copy handed out by WithTx; its
// mutex is never contended there.

func (r *memoryRepo) LockStock(ctx context.Context, warehouseID int64, productIDs []int64) error {
	return nil
}

func (r *memoryRepo) Available(ctx context.Context, q availability.Query) (float64, error) {
	return r.availableFor(q.ProductID, q.ExcludeOrderID), nil
}

func (r *memoryRepo) AvailableBatch(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]float64, error) {
	out := make(map[int64]float64, len(productIDs))
	for _, id := range productIDs {
		out[id] = r.availableFor(id, excludeOrderID)
	}
	return out, nil
}

func (r *memoryRepo) availableFor(productID, excludeOrderID int64) float64 {
	avail := r.balances[productID]
	for _, o := range r.orders {
		if r.deleted[o.ID] || o.ID == excludeOrderID || !o.Status.Reserves() {
			continue
		}
		for _, it := range o.Items {
			if it.ProductID == productID {
				avail -= it.EffectiveQuantity()
			}
		}
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}

func (r *memoryRepo) InsertOrder(ctx context.Context, order Order) (int64, error) {
	r.nextID++
	order.ID = r.nextID
	// like the SQL repository, only the order row is stored here; items
	// arrive through InsertItem
	order.Items = nil
	r.orders[order.ID] = &order
	return order.ID, nil
}

func (r *memoryRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	o, ok := r.orders[item.OrderID]
	if !ok {
		return 0, ErrNotFound
	}
	r.nextID++
	item.ID = r.nextID
	o.Items = append(o.Items, item)
	return item.ID, nil
}

func (r *memoryRepo) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

func (r *memoryRepo) UpdateItemConfirmedQuantity(ctx context.Context, itemID int64, quantity float64) error {
	for _, o := range r.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				q := quantity
				o.Items[i].QuantityConfirmed = &q
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *memoryRepo) UpdateOrderTotal(ctx context.Context, id int64, total float64) error {
	o, ok := r.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.GrandTotal = total
	return nil
}

func (r *memoryRepo) SoftDeleteOrder(ctx context.Context, id int64) error {
	r.deleted[id] = true
	return nil
}

func TestCreatePersistsPendingOrderWithTotals(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 50, 8: 20})
	svc := NewService(repo)

	order, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items: []CreateItemInput{
			{ProductID: 7, Quantity: 4, UnitPrice: 20, Discount: 8},
			{ProductID: 8, Quantity: 2, UnitPrice: 10},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, order.Status)
	require.Len(t, order.Items, 2)
	// (20*4 - 8) + (10*2) = 92
	require.Equal(t, 92.0, order.GrandTotal)
	require.NotEmpty(t, order.Reference)

	// creation defaults the confirmed quantity to the ordered quantity
	require.NotNil(t, order.Items[0].QuantityConfirmed)
	require.Equal(t, 4.0, *order.Items[0].QuantityConfirmed)
}

func TestCreateRejectsWholeBatchOnAnyShortage(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 50, 8: 1})
	svc := NewService(repo)

	_, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items: []CreateItemInput{
			{ProductID: 7, Quantity: 4, UnitPrice: 20},
			{ProductID: 8, Quantity: 2, UnitPrice: 10},
		},
	})

	var shortage *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Len(t, shortage.Shortages, 1)
	require.Equal(t, int64(8), shortage.Shortages[0].ProductID)
	require.Equal(t, 2.0, shortage.Shortages[0].Requested)
	require.Equal(t, 1.0, shortage.Shortages[0].Available)
	require.Empty(t, repo.orders)
}

func TestCreateAggregatesDuplicateProductLines(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 5})
	svc := NewService(repo)

	_, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items: []CreateItemInput{
			{ProductID: 7, Quantity: 3, UnitPrice: 20},
			{ProductID: 7, Quantity: 3, UnitPrice: 20},
		},
	})

	var shortage *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Equal(t, 6.0, shortage.Shortages[0].Requested)
}

func TestCreateRequiresItems(t *testing.T) {
	svc := NewService(newMemoryRepo(nil))

	_, err := svc.Create(context.Background(), CreateInput{ClientID: 1, WarehouseID: 1})
	require.ErrorIs(t, err, ErrNoItems)
}

func TestCreateCountsCommittedReservations(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	_, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 6, UnitPrice: 5}},
	})
	require.NoError(t, err)

	// the first order holds 6 of the 10 units
	_, err = svc.Create(context.Background(), CreateInput{
		ClientID:    2,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 6, UnitPrice: 5}},
	})
	var shortage *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Equal(t, 4.0, shortage.Shortages[0].Available)
}

func TestCreateSerializesCompetingReservations(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	// Two buyers race for the same last 10 units. The availability check and
	// the insert share one transaction, so exactly one order may land.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Create(context.Background(), CreateInput{
				ClientID:    int64(i + 1),
				WarehouseID: 1,
				Items:       []CreateItemInput{{ProductID: 7, Quantity: 10, UnitPrice: 5}},
			})
		}(i)
	}
	wg.Wait()

	var created, rejected int
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		var shortage *shared.InsufficientStockError
		require.ErrorAs(t, err, &shortage)
		rejected++
	}
	require.Equal(t, 1, created)
	require.Equal(t, 1, rejected)
	require.Len(t, repo.orders, 1)
}

func TestConfirmMovesPendingToConfirmed(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 4, UnitPrice: 20}},
	})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = svc.Confirm(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestConfirmReportsAllShortLines(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10, 8: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items: []CreateItemInput{
			{ProductID: 7, Quantity: 4, UnitPrice: 20},
			{ProductID: 8, Quantity: 6, UnitPrice: 10},
		},
	})
	require.NoError(t, err)

	// the balances shrank between creation and confirmation
	repo.balances = map[int64]float64{7: 1, 8: 2}

	_, err = svc.Confirm(context.Background(), created.ID)
	var shortage *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	require.Len(t, shortage.Shortages, 2)

	still, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, still.Status)
}

func TestConfirmItemQuantityReplacesReservation(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 8, UnitPrice: 10}},
	})
	require.NoError(t, err)
	itemID := created.Items[0].ID

	// The balance dropped to 2, but this line already holds 8 confirmed, so
	// lowering to 3 must pass.
	repo.balances = map[int64]float64{7: 2}

	item, err := svc.ConfirmItemQuantity(context.Background(), created.ID, itemID, 3)
	require.NoError(t, err)
	require.NotNil(t, item.QuantityConfirmed)
	require.Equal(t, 3.0, *item.QuantityConfirmed)

	updated, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 30.0, updated.GrandTotal)
}

func TestConfirmItemQuantityPersistsTotalFromNewQuantity(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 20})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 10, UnitPrice: 5}},
	})
	require.NoError(t, err)
	require.Equal(t, 50.0, created.GrandTotal)

	// The recalculation reads through the same transaction as the quantity
	// update; a pooled read would still see 10 confirmed and store 50.
	_, err = svc.ConfirmItemQuantity(context.Background(), created.ID, created.Items[0].ID, 4)
	require.NoError(t, err)

	updated, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, 20.0, updated.GrandTotal)
}

func TestConfirmItemQuantityRejectsExceedingOrdered(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 100})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 4, UnitPrice: 10}},
	})
	require.NoError(t, err)

	_, err = svc.ConfirmItemQuantity(context.Background(), created.ID, created.Items[0].ID, 5)
	require.ErrorIs(t, err, ErrConfirmExceedsOrdered)
}

func TestCancelReleasesPendingAndConfirmedOnly(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 4, UnitPrice: 10}},
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	repo.orders[created.ID].Status = StatusAssigned
	_, err = svc.Cancel(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrNotCancellable)
}

func TestAssignToDeliveryRequiresConfirmed(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 4, UnitPrice: 10}},
	})
	require.NoError(t, err)

	err = svc.AssignToDelivery(context.Background(), created.ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = svc.Confirm(context.Background(), created.ID)
	require.NoError(t, err)
	require.NoError(t, svc.AssignToDelivery(context.Background(), created.ID))

	assigned, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusAssigned, assigned.Status)
}

func TestDeleteGuardsAuditTrail(t *testing.T) {
	repo := newMemoryRepo(map[int64]float64{7: 10})
	svc := NewService(repo)

	created, err := svc.Create(context.Background(), CreateInput{
		ClientID:    1,
		WarehouseID: 1,
		Items:       []CreateItemInput{{ProductID: 7, Quantity: 4, UnitPrice: 10}},
	})
	require.NoError(t, err)

	// once linked to a delivery run the rows must survive
	repo.assigned[created.ID] = true
	err = svc.Delete(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrNotDeletable)

	repo.assigned[created.ID] = false
	require.NoError(t, svc.Delete(context.Background(), created.ID))

	_, err = svc.Get(context.Background(), created.ID)
	require.True(t, errors.Is(err, ErrNotFound))
}
