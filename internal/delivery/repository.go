package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/orders"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/returns"
)

// Repository persists deliveries in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

// Ledger exposes a stock store bound to the same transaction.
func (t *txRepo) Ledger() ledger.TxStore {
	return ledger.NewTxStore(t.tx)
}

const deliveryColumns = `
	id, reference, driver_id, vehicle_id, warehouse_id, delivery_date, status,
	order_count, delivered_count, failed_count, total_amount, collected_amount,
	COALESCE(notes, ''), started_at, completed_at, created_at`

func (t *txRepo) GetDeliveryForUpdate(ctx context.Context, id int64) (Delivery, error) {
	q := `SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE`
	return scanDelivery(t.tx.QueryRow(ctx, q, id))
}

func (t *txRepo) InsertDelivery(ctx context.Context, d Delivery) (int64, error) {
	const q = `
		INSERT INTO deliveries (reference, driver_id, vehicle_id, warehouse_id, delivery_date,
		                        status, order_count, total_amount, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, q, d.Reference, d.DriverID, d.VehicleID, d.WarehouseID, d.Date,
		d.Status, d.OrderCount, d.TotalAmount, d.Notes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("delivery: insert: %w", err)
	}
	return id, nil
}

func (t *txRepo) SetDeliveryStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	q := `UPDATE deliveries SET status = $2, updated_at = now()`
	switch status {
	case StatusInProgress:
		q += `, started_at = $3`
	case StatusCompleted:
		q += `, completed_at = $3`
	default:
		q += `, updated_at = $3`
	}
	q += ` WHERE id = $1 AND deleted_at IS NULL`
	tag, err := t.tx.Exec(ctx, q, id, status, at)
	if err != nil {
		return fmt.Errorf("delivery: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshCounts recomputes the stop counters and money totals from the
// delivery_orders rows. Delivered counts include partials; failed counts
// include postponed stops. Totals only count stops that handed goods over.
func (t *txRepo) RefreshCounts(ctx context.Context, deliveryID int64) (Delivery, error) {
	q := `
		UPDATE deliveries d
		SET order_count      = s.total,
		    delivered_count  = s.delivered,
		    failed_count     = s.failed,
		    total_amount     = s.amount_due,
		    collected_amount = s.collected,
		    updated_at       = now()
		FROM (
			SELECT COUNT(*)                                                          AS total,
			       COUNT(*) FILTER (WHERE status IN ('delivered', 'partial'))        AS delivered,
			       COUNT(*) FILTER (WHERE status IN ('failed', 'postponed'))         AS failed,
			       COALESCE(SUM(amount_due) FILTER (WHERE status IN ('delivered', 'partial')), 0) AS amount_due,
			       COALESCE(SUM(amount_collected), 0)                                AS collected
			FROM delivery_orders
			WHERE delivery_id = $1
		) s
		WHERE d.id = $1
		RETURNING ` + deliveryColumnsPrefixed("d") + ``
	return scanDelivery(t.tx.QueryRow(ctx, q, deliveryID))
}

func (t *txRepo) GetStops(ctx context.Context, deliveryID int64) ([]Stop, error) {
	rows, err := t.tx.Query(ctx, stopSelect+` WHERE delivery_id = $1 ORDER BY position`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("delivery: stops: %w", err)
	}
	defer rows.Close()
	return collectStops(rows)
}

func (t *txRepo) GetStopForUpdate(ctx context.Context, deliveryID, orderID int64) (Stop, error) {
	q := stopSelect + ` WHERE delivery_id = $1 AND order_id = $2 FOR UPDATE`
	return scanStop(t.tx.QueryRow(ctx, q, deliveryID, orderID))
}

func (t *txRepo) InsertStop(ctx context.Context, s Stop) (int64, error) {
	const q = `
		INSERT INTO delivery_orders (delivery_id, order_id, client_id, position, status,
		                             amount_due, amount_collected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, q, s.DeliveryID, s.OrderID, s.ClientID, s.Position, s.Status,
		s.AmountDue, s.AmountCollected).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("delivery: insert stop: %w", err)
	}
	return id, nil
}

func (t *txRepo) UpdateStop(ctx context.Context, s Stop) error {
	const q = `
		UPDATE delivery_orders
		SET status = $2, amount_due = $3, amount_collected = $4,
		    failure_reason = NULLIF($5, ''), notes = NULLIF($6, ''),
		    delivered_at = $7, attempted_at = $8
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, q, s.ID, s.Status, s.AmountDue, s.AmountCollected,
		s.FailureReason, s.Notes, s.DeliveredAt, s.AttemptedAt)
	if err != nil {
		return fmt.Errorf("delivery: update stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) GetStaging(ctx context.Context, deliveryID int64) ([]StagingLine, error) {
	const q = `
		SELECT id, delivery_id, product_id, quantity_loaded, quantity_delivered, quantity_returned
		FROM delivery_staging
		WHERE delivery_id = $1
		ORDER BY product_id`
	rows, err := t.tx.Query(ctx, q, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("delivery: staging: %w", err)
	}
	defer rows.Close()

	var out []StagingLine
	for rows.Next() {
		var l StagingLine
		if err := rows.Scan(&l.ID, &l.DeliveryID, &l.ProductID, &l.QuantityLoaded, &l.QuantityDelivered, &l.QuantityReturned); err != nil {
			return nil, fmt.Errorf("delivery: scan staging: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *txRepo) InsertStagingLine(ctx context.Context, l StagingLine) error {
	const q = `
		INSERT INTO delivery_staging (delivery_id, product_id, quantity_loaded)
		VALUES ($1, $2, $3)`
	if _, err := t.tx.Exec(ctx, q, l.DeliveryID, l.ProductID, l.QuantityLoaded); err != nil {
		return fmt.Errorf("delivery: insert staging: %w", err)
	}
	return nil
}

func (t *txRepo) AddStagingDelivered(ctx context.Context, deliveryID, productID int64, qty float64) error {
	const q = `
		UPDATE delivery_staging
		SET quantity_delivered = quantity_delivered + $3
		WHERE delivery_id = $1 AND product_id = $2`
	if _, err := t.tx.Exec(ctx, q, deliveryID, productID, qty); err != nil {
		return fmt.Errorf("delivery: staging delivered: %w", err)
	}
	return nil
}

func (t *txRepo) AddStagingReturned(ctx context.Context, deliveryID, productID int64, qty float64) error {
	const q = `
		UPDATE delivery_staging
		SET quantity_returned = quantity_returned + $3
		WHERE delivery_id = $1 AND product_id = $2`
	if _, err := t.tx.Exec(ctx, q, deliveryID, productID, qty); err != nil {
		return fmt.Errorf("delivery: staging returned: %w", err)
	}
	return nil
}

func (t *txRepo) GetOrder(ctx context.Context, orderID int64) (orders.Order, error) {
	const q = `
		SELECT id, reference, client_id, warehouse_id, status, grand_total
		FROM orders
		WHERE id = $1 AND deleted_at IS NULL`
	var o orders.Order
	err := t.tx.QueryRow(ctx, q, orderID).Scan(&o.ID, &o.Reference, &o.ClientID, &o.WarehouseID, &o.Status, &o.GrandTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("delivery: order %d: %w", orderID, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, fmt.Errorf("delivery: load order: %w", err)
	}

	const itemsQ = `
		SELECT id, order_id, product_id, quantity_ordered, quantity_confirmed,
		       quantity_delivered, quantity_returned, unit_price, discount
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`
	rows, err := t.tx.Query(ctx, itemsQ, orderID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("delivery: load order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item orders.Item
		err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.QuantityOrdered, &item.QuantityConfirmed,
			&item.QuantityDelivered, &item.QuantityReturned, &item.UnitPrice, &item.Discount)
		if err != nil {
			return orders.Order{}, fmt.Errorf("delivery: scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func (t *txRepo) SetOrderStatus(ctx context.Context, orderID int64, status orders.Status) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("delivery: set order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orders.ErrNotFound
	}
	return nil
}

func (t *txRepo) SetItemDeliveredQuantity(ctx context.Context, orderID, productID int64, qty float64) error {
	const q = `
		UPDATE order_items
		SET quantity_delivered = $3
		WHERE order_id = $1 AND product_id = $2`
	if _, err := t.tx.Exec(ctx, q, orderID, productID, qty); err != nil {
		return fmt.Errorf("delivery: set item delivered: %w", err)
	}
	return nil
}

func (t *txRepo) ProductFinancials(ctx context.Context, productID int64) (float64, float64, error) {
	var cost, tax float64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(cost_price, 0), COALESCE(tax_percent, 0) FROM products WHERE id = $1`,
		productID).Scan(&cost, &tax)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("delivery: product financials: %w", err)
	}
	return cost, tax, nil
}

func (t *txRepo) InsertReturnRecord(ctx context.Context, rec returns.Record) (int64, error) {
	const q = `
		INSERT INTO return_records (delivery_id, order_id, product_id, quantity, reason,
		                            returnable_to_stock, unit_cost, loss_amount, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING id`
	var id int64
	err := t.tx.QueryRow(ctx, q, rec.DeliveryID, rec.OrderID, rec.ProductID, rec.Quantity, rec.Reason,
		rec.ReturnableToStock, rec.UnitCost, rec.LossAmount, rec.Notes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("delivery: insert return record: %w", err)
	}
	return id, nil
}

// GetDelivery returns one delivery with its stops and staging lines.
func (r *Repository) GetDelivery(ctx context.Context, id int64) (Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1 AND deleted_at IS NULL`
	d, err := scanDelivery(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		return Delivery{}, err
	}

	rows, err := r.pool.Query(ctx, stopSelect+` WHERE delivery_id = $1 ORDER BY position`, id)
	if err != nil {
		return Delivery{}, fmt.Errorf("delivery: stops: %w", err)
	}
	d.Stops, err = collectStops(rows)
	if err != nil {
		return Delivery{}, err
	}

	const stagingQ = `
		SELECT id, delivery_id, product_id, quantity_loaded, quantity_delivered, quantity_returned
		FROM delivery_staging
		WHERE delivery_id = $1
		ORDER BY product_id`
	srows, err := r.pool.Query(ctx, stagingQ, id)
	if err != nil {
		return Delivery{}, fmt.Errorf("delivery: staging: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var l StagingLine
		if err := srows.Scan(&l.ID, &l.DeliveryID, &l.ProductID, &l.QuantityLoaded, &l.QuantityDelivered, &l.QuantityReturned); err != nil {
			return Delivery{}, fmt.Errorf("delivery: scan staging: %w", err)
		}
		d.Staging = append(d.Staging, l)
	}
	return d, srows.Err()
}

// List returns deliveries matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Delivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE deleted_at IS NULL`
	args := make([]any, 0, 4)
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.DriverID != 0 {
		q += fmt.Sprintf(" AND driver_id = $%d", idx)
		args = append(args, f.DriverID)
		idx++
	}
	if !f.From.IsZero() {
		q += fmt.Sprintf(" AND delivery_date >= $%d", idx)
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		q += fmt.Sprintf(" AND delivery_date <= $%d", idx)
		args = append(args, f.To)
		idx++
	}
	q += " ORDER BY delivery_date DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("delivery: list: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveForDriver returns the driver's current preparing or in-progress run.
func (r *Repository) ActiveForDriver(ctx context.Context, driverID int64) (Delivery, error) {
	q := `SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE driver_id = $1 AND status IN ('preparing', 'in_progress') AND deleted_at IS NULL
		ORDER BY id DESC
		LIMIT 1`
	d, err := scanDelivery(r.pool.QueryRow(ctx, q, driverID))
	if err != nil {
		return Delivery{}, err
	}
	return r.GetDelivery(ctx, d.ID)
}

const stopSelect = `
	SELECT id, delivery_id, order_id, client_id, position, status, amount_due, amount_collected,
	       COALESCE(failure_reason, ''), COALESCE(notes, ''), delivered_at, attempted_at
	FROM delivery_orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.Reference, &d.DriverID, &d.VehicleID, &d.WarehouseID, &d.Date, &d.Status,
		&d.OrderCount, &d.DeliveredCount, &d.FailedCount, &d.TotalAmount, &d.CollectedAmount,
		&d.Notes, &d.StartedAt, &d.CompletedAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("delivery: scan: %w", err)
	}
	return d, nil
}

func scanStop(row rowScanner) (Stop, error) {
	var s Stop
	err := row.Scan(&s.ID, &s.DeliveryID, &s.OrderID, &s.ClientID, &s.Position, &s.Status,
		&s.AmountDue, &s.AmountCollected, &s.FailureReason, &s.Notes, &s.DeliveredAt, &s.AttemptedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stop{}, ErrNotFound
	}
	if err != nil {
		return Stop{}, fmt.Errorf("delivery: scan stop: %w", err)
	}
	return s, nil
}

func collectStops(rows pgx.Rows) ([]Stop, error) {
	defer rows.Close()
	var out []Stop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func deliveryColumnsPrefixed(alias string) string {
	return fmt.Sprintf(`
	%[1]s.id, %[1]s.reference, %[1]s.driver_id, %[1]s.vehicle_id, %[1]s.warehouse_id, %[1]s.delivery_date, %[1]s.status,
	%[1]s.order_count, %[1]s.delivered_count, %[1]s.failed_count, %[1]s.total_amount, %[1]s.collected_amount,
	COALESCE(%[1]s.notes, ''), %[1]s.started_at, %[1]s.completed_at, %[1]s.created_at`, alias)
}
