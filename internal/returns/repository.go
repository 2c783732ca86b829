package returns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/expense"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists return records in Postgres.
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

// Ledger exposes a stock store bound to the same transaction, so the
// restock credit and the processed flag commit or roll back together.
func (t *txRepo) Ledger() ledger.TxStore {
	return ledger.NewTxStore(t.tx)
}

func (t *txRepo) GetRecordForUpdate(ctx context.Context, id int64) (Record, error) {
	const q = `
		SELECT id, delivery_id, order_id, product_id, quantity, reason,
		       returnable_to_stock, unit_cost, loss_amount, loss_recorded,
		       COALESCE(notes, ''), processed, processed_at, created_at
		FROM return_records
		WHERE id = $1
		FOR UPDATE`
	return scanRecord(t.tx.QueryRow(ctx, q, id))
}

func (t *txRepo) MarkProcessed(ctx context.Context, id int64, lossAmount, unitCost float64, lossRecorded bool, at time.Time) error {
	const q = `
		UPDATE return_records
		SET processed = TRUE, processed_at = $2, loss_amount = $3, unit_cost = $4, loss_recorded = $5
		WHERE id = $1`
	tag, err := t.tx.Exec(ctx, q, id, at, lossAmount, unitCost, lossRecorded)
	if err != nil {
		return fmt.Errorf("returns: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) IncrementOrderItemReturned(ctx context.Context, orderID, productID int64, quantity float64) error {
	const q = `
		UPDATE order_items
		SET quantity_returned = quantity_returned + $3
		WHERE order_id = $1 AND product_id = $2`
	if _, err := t.tx.Exec(ctx, q, orderID, productID, quantity); err != nil {
		return fmt.Errorf("returns: increment item returned: %w", err)
	}
	return nil
}

func (t *txRepo) DeliveryReference(ctx context.Context, deliveryID int64) (string, error) {
	var ref string
	err := t.tx.QueryRow(ctx, `SELECT reference FROM deliveries WHERE id = $1`, deliveryID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("returns: delivery %d: %w", deliveryID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("returns: delivery reference: %w", err)
	}
	return ref, nil
}

func (t *txRepo) ProductCost(ctx context.Context, productID int64) (float64, error) {
	var cost float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(cost_price, 0) FROM products WHERE id = $1`, productID).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("returns: product cost: %w", err)
	}
	return cost, nil
}

func (t *txRepo) InsertExpense(ctx context.Context, rec expense.Record) (int64, error) {
	const q = `
		INSERT INTO expenses (reference, category, amount, expense_date, description, actor_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0))
		RETURNING id`
	var id int64
	if err := t.tx.QueryRow(ctx, q, rec.Reference, rec.Category, rec.Amount, rec.Date, rec.Description, rec.ActorID).Scan(&id); err != nil {
		return 0, fmt.Errorf("returns: insert expense: %w", err)
	}
	return id, nil
}

// GetRecord returns one record by id.
func (r *Repository) GetRecord(ctx context.Context, id int64) (Record, error) {
	const q = `
		SELECT id, delivery_id, order_id, product_id, quantity, reason,
		       returnable_to_stock, unit_cost, loss_amount, loss_recorded,
		       COALESCE(notes, ''), processed, processed_at, created_at
		FROM return_records
		WHERE id = $1`
	return scanRecord(r.pool.QueryRow(ctx, q, id))
}

// ListUnprocessed returns the pending records of a delivery, oldest first.
func (r *Repository) ListUnprocessed(ctx context.Context, deliveryID int64) ([]Record, error) {
	return r.list(ctx, deliveryID, true)
}

// ListByDelivery returns every record of a delivery, oldest first.
func (r *Repository) ListByDelivery(ctx context.Context, deliveryID int64) ([]Record, error) {
	return r.list(ctx, deliveryID, false)
}

func (r *Repository) list(ctx context.Context, deliveryID int64, pendingOnly bool) ([]Record, error) {
	q := `
		SELECT id, delivery_id, order_id, product_id, quantity, reason,
		       returnable_to_stock, unit_cost, loss_amount, loss_recorded,
		       COALESCE(notes, ''), processed, processed_at, created_at
		FROM return_records
		WHERE delivery_id = $1`
	if pendingOnly {
		q += " AND processed = FALSE"
	}
	q += " ORDER BY id"

	rows, err := r.pool.Query(ctx, q, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("returns: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.DeliveryID, &rec.OrderID, &rec.ProductID, &rec.Quantity, &rec.Reason,
		&rec.ReturnableToStock, &rec.UnitCost, &rec.LossAmount, &rec.LossRecorded,
		&rec.Notes, &rec.Processed, &rec.ProcessedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("returns: scan record: %w", err)
	}
	return rec, nil
}
