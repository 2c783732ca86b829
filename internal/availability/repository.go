package availability

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository reads reservation aggregates from PostgreSQL.
type Repository struct {
	db db.Querier
}

// NewRepository constructs a Repository on the pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// NewTxRepository binds the aggregates to an open transaction, so reservation
// checks observe rows locked by that transaction instead of a pooled snapshot.
func NewTxRepository(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

// BalanceQuantity returns the ledger balance, zero when absent.
func (r *Repository) BalanceQuantity(ctx context.Context, productID, warehouseID int64) (float64, error) {
	const query = `
		SELECT quantity FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
	`
	var qty float64
	err := r.db.QueryRow(ctx, query, productID, warehouseID).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

// ReservedByOrders sums confirmed-or-ordered quantities of live orders.
// Pending orders count too, so two competing carts cannot both see the same
// units as free. Assigned orders held by an active delivery are skipped:
// their demand is the delivery's staging reservation (preparing) or already
// debited stock (in progress), never both.
func (r *Repository) ReservedByOrders(ctx context.Context, productID, warehouseID, excludeOrderID int64) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(COALESCE(oi.quantity_confirmed, oi.quantity_ordered)), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = $1
		  AND o.warehouse_id = $2
		  AND o.deleted_at IS NULL
		  AND ($3 = 0 OR o.id <> $3)
		  AND (o.status IN ('pending', 'confirmed')
		       OR (o.status = 'assigned' AND NOT EXISTS (
		             SELECT 1
		             FROM delivery_orders dord
		             JOIN deliveries d ON d.id = dord.delivery_id
		             WHERE dord.order_id = o.id
		               AND d.status IN ('preparing', 'in_progress')
		               AND d.deleted_at IS NULL)))
	`
	var qty float64
	if err := r.db.QueryRow(ctx, query, productID, warehouseID, excludeOrderID).Scan(&qty); err != nil {
		return 0, err
	}
	return qty, nil
}

// ReservedByPreparingDeliveries sums staged quantities of deliveries that
// have not started yet. Once a delivery is in progress its stock has been
// debited and no longer counts as a reservation.
func (r *Repository) ReservedByPreparingDeliveries(ctx context.Context, productID, warehouseID int64) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(ds.quantity_loaded), 0)
		FROM delivery_staging ds
		JOIN deliveries d ON d.id = ds.delivery_id
		WHERE ds.product_id = $1
		  AND d.warehouse_id = $2
		  AND d.status = 'preparing'
		  AND d.deleted_at IS NULL
	`
	var qty float64
	if err := r.db.QueryRow(ctx, query, productID, warehouseID).Scan(&qty); err != nil {
		return 0, err
	}
	return qty, nil
}

// BatchDemand resolves balance and both reservation aggregates for a set of
// products in one query per component.
func (r *Repository) BatchDemand(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]Demand, error) {
	demands := make(map[int64]Demand, len(productIDs))

	const balanceQuery = `
		SELECT product_id, quantity FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = ANY($2)
	`
	rows, err := r.db.Query(ctx, balanceQuery, warehouseID, productIDs)
	if err != nil {
		return nil, err
	}
	if err := collect(rows, demands, func(d *Demand, v float64) { d.Balance = v }); err != nil {
		return nil, err
	}

	const ordersQuery = `
		SELECT oi.product_id, COALESCE(SUM(COALESCE(oi.quantity_confirmed, oi.quantity_ordered)), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE oi.product_id = ANY($1)
		  AND o.warehouse_id = $2
		  AND o.deleted_at IS NULL
		  AND ($3 = 0 OR o.id <> $3)
		  AND (o.status IN ('pending', 'confirmed')
		       OR (o.status = 'assigned' AND NOT EXISTS (
		             SELECT 1
		             FROM delivery_orders dord
		             JOIN deliveries d ON d.id = dord.delivery_id
		             WHERE dord.order_id = o.id
		               AND d.status IN ('preparing', 'in_progress')
		               AND d.deleted_at IS NULL)))
		GROUP BY oi.product_id
	`
	rows, err = r.db.Query(ctx, ordersQuery, productIDs, warehouseID, excludeOrderID)
	if err != nil {
		return nil, err
	}
	if err := collect(rows, demands, func(d *Demand, v float64) { d.ReservedOrders = v }); err != nil {
		return nil, err
	}

	const stagingQuery = `
		SELECT ds.product_id, COALESCE(SUM(ds.quantity_loaded), 0)
		FROM delivery_staging ds
		JOIN deliveries d ON d.id = ds.delivery_id
		WHERE ds.product_id = ANY($1)
		  AND d.warehouse_id = $2
		  AND d.status = 'preparing'
		  AND d.deleted_at IS NULL
		GROUP BY ds.product_id
	`
	rows, err = r.db.Query(ctx, stagingQuery, productIDs, warehouseID)
	if err != nil {
		return nil, err
	}
	if err := collect(rows, demands, func(d *Demand, v float64) { d.ReservedStaged = v }); err != nil {
		return nil, err
	}

	return demands, nil
}

func collect(rows pgx.Rows, demands map[int64]Demand, assign func(*Demand, float64)) error {
	defer rows.Close()
	for rows.Next() {
		var productID int64
		var value float64
		if err := rows.Scan(&productID, &value); err != nil {
			return err
		}
		d := demands[productID]
		assign(&d, value)
		demands[productID] = d
	}
	return rows.Err()
}
