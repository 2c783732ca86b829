package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxStore(tx))
	})
}

// PgTxStore implements TxStore over an open pgx transaction. Delivery and
// return transaction repositories embed it so their ledger writes share
// their transaction.
type PgTxStore struct {
	tx pgx.Tx
}

// NewTxStore wraps an open transaction.
func NewTxStore(tx pgx.Tx) *PgTxStore {
	return &PgTxStore{tx: tx}
}

// GetBalanceForUpdate locks and returns the balance row.
func (s *PgTxStore) GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64) (Balance, error) {
	const query = `
		SELECT product_id, warehouse_id, quantity, updated_at
		FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`
	var b Balance
	err := s.tx.QueryRow(ctx, query, productID, warehouseID).
		Scan(&b.ProductID, &b.WarehouseID, &b.Quantity, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID, WarehouseID: warehouseID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

// UpsertBalance writes the balance and returns the stored quantity so the
// recorder can verify it against the computed one.
func (s *PgTxStore) UpsertBalance(ctx context.Context, balance Balance) (float64, error) {
	const query = `
		INSERT INTO stock_balances (product_id, warehouse_id, quantity, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = NOW()
		RETURNING quantity
	`
	var stored float64
	err := s.tx.QueryRow(ctx, query, balance.ProductID, balance.WarehouseID, balance.Quantity).Scan(&stored)
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// InsertMovement appends one movement row.
func (s *PgTxStore) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	const query = `
		INSERT INTO stock_movements
			(product_id, warehouse_id, actor_id, type, reference, source_type, source_id,
			 quantity_before, quantity_change, quantity_after, unit_cost, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	var sourceType *string
	var sourceID *int64
	if m.Source.Kind != SourceNone {
		st := string(m.Source.Kind)
		sourceType = &st
		sourceID = &m.Source.ID
	}
	var id int64
	err := s.tx.QueryRow(ctx, query,
		m.ProductID, m.WarehouseID, nullableID(m.ActorID), string(m.Type), m.Reference,
		sourceType, sourceID, m.QuantityBefore, m.QuantityChange, m.QuantityAfter,
		m.UnitCost, m.Note, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetBalance reads the balance without locking.
func (r *Repository) GetBalance(ctx context.Context, productID, warehouseID int64) (Balance, error) {
	const query = `
		SELECT product_id, warehouse_id, quantity, updated_at
		FROM stock_balances
		WHERE product_id = $1 AND warehouse_id = $2
	`
	var b Balance
	err := r.pool.QueryRow(ctx, query, productID, warehouseID).
		Scan(&b.ProductID, &b.WarehouseID, &b.Quantity, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

// ListBalances returns every balance of a warehouse.
func (r *Repository) ListBalances(ctx context.Context, warehouseID int64) ([]Balance, error) {
	const query = `
		SELECT product_id, warehouse_id, quantity, updated_at
		FROM stock_balances
		WHERE warehouse_id = $1
		ORDER BY product_id
	`
	rows, err := r.pool.Query(ctx, query, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ProductID, &b.WarehouseID, &b.Quantity, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListMovements lists movement log entries, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	const query = `
		SELECT id, product_id, warehouse_id, COALESCE(actor_id, 0), type, reference,
		       source_type, source_id, quantity_before, quantity_change, quantity_after,
		       unit_cost, note, created_at
		FROM stock_movements
		WHERE ($1 = 0 OR product_id = $1)
		  AND ($2 = 0 OR warehouse_id = $2)
		  AND ($3 = '' OR type = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		  AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY id DESC
		LIMIT $6
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, query,
		filter.ProductID, filter.WarehouseID, string(filter.Type),
		nullableTime(filter.From), nullableTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		var sourceType *string
		var sourceID *int64
		err := rows.Scan(&m.ID, &m.ProductID, &m.WarehouseID, &m.ActorID, &m.Type,
			&m.Reference, &sourceType, &sourceID, &m.QuantityBefore, &m.QuantityChange,
			&m.QuantityAfter, &m.UnitCost, &m.Note, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if sourceType != nil && sourceID != nil {
			m.Source = SourceRef{Kind: SourceKind(*sourceType), ID: *sourceID}
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// SummarizeMovements aggregates in/out totals per type over a window.
func (r *Repository) SummarizeMovements(ctx context.Context, warehouseID int64, from, to time.Time) ([]TypeSummary, error) {
	const query = `
		SELECT type,
		       COALESCE(SUM(quantity_change) FILTER (WHERE quantity_change > 0), 0) AS qty_in,
		       COALESCE(SUM(-quantity_change) FILTER (WHERE quantity_change < 0), 0) AS qty_out,
		       COUNT(*) AS cnt
		FROM stock_movements
		WHERE ($1 = 0 OR warehouse_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		GROUP BY type
		ORDER BY type
	`
	rows, err := r.pool.Query(ctx, query, warehouseID, nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []TypeSummary
	for rows.Next() {
		var s TypeSummary
		if err := rows.Scan(&s.Type, &s.QtyIn, &s.QtyOut, &s.Count); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
