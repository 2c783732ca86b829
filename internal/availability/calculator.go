// Package availability derives the sellable quantity per product and
// warehouse by subtracting in-flight demand from the ledger balance. The
// figure is recomputed from live aggregates on every call; caching it across
// a request boundary is what causes overselling.
package availability

import (
	"context"
	"errors"
)

// Demand breaks down the reservation components behind one availability figure.
type Demand struct {
	Balance        float64
	ReservedOrders float64
	ReservedStaged float64
}

// Query narrows an availability check.
type Query struct {
	ProductID   int64
	WarehouseID int64
	// ExcludeOrderID omits one order's own reservation, used when an order
	// is re-checked against itself during confirmation or item edits.
	ExcludeOrderID int64
}

// AggregateRepo supplies the three live aggregates the calculator combines.
type AggregateRepo interface {
	BalanceQuantity(ctx context.Context, productID, warehouseID int64) (float64, error)
	ReservedByOrders(ctx context.Context, productID, warehouseID, excludeOrderID int64) (float64, error)
	ReservedByPreparingDeliveries(ctx context.Context, productID, warehouseID int64) (float64, error)
	BatchDemand(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]Demand, error)
}

// Calculator computes available stock.
type Calculator struct {
	repo AggregateRepo
}

// NewCalculator builds a Calculator.
func NewCalculator(repo AggregateRepo) *Calculator {
	return &Calculator{repo: repo}
}

// Available returns max(0, balance - order reservations - preparing-delivery
// reservations). Missing balance rows count as zero. Deliveries already in
// progress are excluded: their stock was physically debited at start and
// counting them again would double-reserve.
func (c *Calculator) Available(ctx context.Context, q Query) (float64, error) {
	if q.ProductID == 0 || q.WarehouseID == 0 {
		return 0, errors.New("availability: product and warehouse required")
	}
	balance, err := c.repo.BalanceQuantity(ctx, q.ProductID, q.WarehouseID)
	if err != nil {
		return 0, err
	}
	fromOrders, err := c.repo.ReservedByOrders(ctx, q.ProductID, q.WarehouseID, q.ExcludeOrderID)
	if err != nil {
		return 0, err
	}
	fromStaging, err := c.repo.ReservedByPreparingDeliveries(ctx, q.ProductID, q.WarehouseID)
	if err != nil {
		return 0, err
	}
	available := balance - fromOrders - fromStaging
	if available < 0 {
		return 0, nil
	}
	return available, nil
}

// AvailableBatch resolves availability for several products of one warehouse
// in a single round trip, keyed by product id. Products without any rows
// resolve to zero.
func (c *Calculator) AvailableBatch(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]float64, error) {
	if warehouseID == 0 {
		return nil, errors.New("availability: warehouse required")
	}
	if len(productIDs) == 0 {
		return map[int64]float64{}, nil
	}
	demands, err := c.repo.BatchDemand(ctx, productIDs, warehouseID, excludeOrderID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(productIDs))
	for _, id := range productIDs {
		d := demands[id]
		available := d.Balance - d.ReservedOrders - d.ReservedStaged
		if available < 0 {
			available = 0
		}
		out[id] = available
	}
	return out, nil
}
