package orders

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/availability"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Stock
// reads run on the same transaction as the writes they guard, so a
// reservation check and the insert it authorizes commit or fail together.
type TxRepository interface {
	StockChecker
	LockStock(ctx context.Context, warehouseID int64, productIDs []int64) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	GetItem(ctx context.Context, orderID, itemID int64) (*Item, error)
	InsertOrder(ctx context.Context, order Order) (int64, error)
	InsertItem(ctx context.Context, item Item) (int64, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status) error
	UpdateItemConfirmedQuantity(ctx context.Context, itemID int64, quantity float64) error
	UpdateOrderTotal(ctx context.Context, id int64, total float64) error
	SoftDeleteOrder(ctx context.Context, id int64) error
}

type txRepo struct {
	tx    pgx.Tx
	stock *availability.Calculator
}

// WithTx wraps the callback in a serializable transaction. Reservation
// checks aggregate over order rows that a competing creator inserts, so the
// loser of two overlapping reservations aborts with 40001 and the retried
// attempt sees the winner's demand.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{
			tx:    tx,
			stock: availability.NewCalculator(availability.NewTxRepository(tx)),
		})
	})
}

// GetOrder loads an order with its items.
func (r *Repository) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return fetchOrder(ctx, r.pool, id)
}

// GetItem loads one order line.
func (r *Repository) GetItem(ctx context.Context, orderID, itemID int64) (*Item, error) {
	return fetchItem(ctx, r.pool, orderID, itemID)
}

func fetchOrder(ctx context.Context, q db.Querier, id int64) (*Order, error) {
	const query = `
		SELECT id, reference, client_id, seller_id, warehouse_id, date, status,
		       discount, tax, grand_total, notes, created_at, updated_at
		FROM orders
		WHERE id = $1 AND deleted_at IS NULL
	`
	var o Order
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.Reference, &o.ClientID, &o.SellerID, &o.WarehouseID, &o.Date,
		&o.Status, &o.Discount, &o.Tax, &o.GrandTotal, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	items, err := fetchItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func fetchItems(ctx context.Context, q db.Querier, orderID int64) ([]Item, error) {
	const query = `
		SELECT id, order_id, product_id, quantity_ordered, quantity_confirmed,
		       quantity_delivered, quantity_returned, unit_price, discount
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.QuantityOrdered,
			&it.QuantityConfirmed, &it.QuantityDelivered, &it.QuantityReturned,
			&it.UnitPrice, &it.Discount)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func fetchItem(ctx context.Context, q db.Querier, orderID, itemID int64) (*Item, error) {
	const query = `
		SELECT id, order_id, product_id, quantity_ordered, quantity_confirmed,
		       quantity_delivered, quantity_returned, unit_price, discount
		FROM order_items
		WHERE id = $1 AND order_id = $2
	`
	var it Item
	err := q.QueryRow(ctx, query, itemID, orderID).Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.QuantityOrdered, &it.QuantityConfirmed,
		&it.QuantityDelivered, &it.QuantityReturned, &it.UnitPrice, &it.Discount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &it, nil
}

// ListOrders returns orders matching the filter, newest first.
func (r *Repository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, error) {
	const query = `
		SELECT id, reference, client_id, seller_id, warehouse_id, date, status,
		       discount, tax, grand_total, notes, created_at, updated_at
		FROM orders
		WHERE deleted_at IS NULL
		  AND ($1 = 0 OR warehouse_id = $1)
		  AND ($2 = 0 OR client_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR date >= $4)
		  AND ($5::timestamptz IS NULL OR date <= $5)
		ORDER BY id DESC
		LIMIT $6
	`
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}
	rows, err := r.pool.Query(ctx, query,
		filter.WarehouseID, filter.ClientID, string(filter.Status), from, to, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		err := rows.Scan(&o.ID, &o.Reference, &o.ClientID, &o.SellerID, &o.WarehouseID,
			&o.Date, &o.Status, &o.Discount, &o.Tax, &o.GrandTotal, &o.Notes,
			&o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// HasDeliveryAssignment reports whether the order is attached to any
// delivery run.
func (r *Repository) HasDeliveryAssignment(ctx context.Context, orderID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM delivery_orders WHERE order_id = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, orderID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// LockStock takes FOR UPDATE locks on the balance rows of the given products,
// in product id order to keep competing reservations deadlock free. Products
// without a balance row lock nothing; they have zero availability anyway.
func (t *txRepo) LockStock(ctx context.Context, warehouseID int64, productIDs []int64) error {
	const query = `
		SELECT product_id FROM stock_balances
		WHERE warehouse_id = $1 AND product_id = ANY($2)
		ORDER BY product_id
		FOR UPDATE
	`
	rows, err := t.tx.Query(ctx, query, warehouseID, productIDs)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (t *txRepo) Available(ctx context.Context, q availability.Query) (float64, error) {
	return t.stock.Available(ctx, q)
}

func (t *txRepo) AvailableBatch(ctx context.Context, productIDs []int64, warehouseID, excludeOrderID int64) (map[int64]float64, error) {
	return t.stock.AvailableBatch(ctx, productIDs, warehouseID, excludeOrderID)
}

func (t *txRepo) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return fetchOrder(ctx, t.tx, id)
}

func (t *txRepo) GetItem(ctx context.Context, orderID, itemID int64) (*Item, error) {
	return fetchItem(ctx, t.tx, orderID, itemID)
}

func (t *txRepo) InsertOrder(ctx context.Context, order Order) (int64, error) {
	const query = `
		INSERT INTO orders
			(reference, client_id, seller_id, warehouse_id, date, status,
			 discount, tax, grand_total, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		order.Reference, order.ClientID, order.SellerID, order.WarehouseID, order.Date,
		string(order.Status), order.Discount, order.Tax, order.GrandTotal, order.Notes,
	).Scan(&id)
	return id, err
}

func (t *txRepo) InsertItem(ctx context.Context, item Item) (int64, error) {
	const query = `
		INSERT INTO order_items
			(order_id, product_id, quantity_ordered, quantity_confirmed,
			 quantity_delivered, quantity_returned, unit_price, discount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err := t.tx.QueryRow(ctx, query,
		item.OrderID, item.ProductID, item.QuantityOrdered, item.QuantityConfirmed,
		item.QuantityDelivered, item.QuantityReturned, item.UnitPrice, item.Discount,
	).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) UpdateItemConfirmedQuantity(ctx context.Context, itemID int64, quantity float64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE order_items SET quantity_confirmed = $2 WHERE id = $1`, itemID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) UpdateOrderTotal(ctx context.Context, id int64, total float64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE orders SET grand_total = $2, updated_at = NOW() WHERE id = $1`, id, total)
	return err
}

func (t *txRepo) SoftDeleteOrder(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
