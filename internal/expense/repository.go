package expense

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists expense records in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one expense record and returns its id.
func (r *Repository) Insert(ctx context.Context, rec Record) (int64, error) {
	const q = `
		INSERT INTO expenses (reference, category, amount, expense_date, description, actor_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0))
		RETURNING id`
	var id int64
	if err := r.pool.QueryRow(ctx, q, rec.Reference, rec.Category, rec.Amount, rec.Date, rec.Description, rec.ActorID).Scan(&id); err != nil {
		return 0, fmt.Errorf("expense: insert: %w", err)
	}
	return id, nil
}

// List returns expense records matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]Record, error) {
	q := `
		SELECT id, reference, category, amount, expense_date,
		       COALESCE(description, ''), COALESCE(actor_id, 0), created_at
		FROM expenses
		WHERE 1=1`
	args := make([]any, 0, 4)
	idx := 1
	if f.Category != "" {
		q += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, f.Category)
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND expense_date >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND expense_date <= $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	q += " ORDER BY expense_date DESC, id DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("expense: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Reference, &rec.Category, &rec.Amount, &rec.Date, &rec.Description, &rec.ActorID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("expense: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SumByCategory totals expenses per category within the window.
func (r *Repository) SumByCategory(ctx context.Context, f ListFilter) (map[Category]float64, error) {
	q := `
		SELECT category, COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE 1=1`
	args := make([]any, 0, 2)
	idx := 1
	if f.From != nil {
		q += fmt.Sprintf(" AND expense_date >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND expense_date <= $%d", idx)
		args = append(args, *f.To)
		idx++
	}
	q += " GROUP BY category"

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("expense: sum: %w", err)
	}
	defer rows.Close()

	out := make(map[Category]float64)
	for rows.Next() {
		var cat Category
		var sum float64
		if err := rows.Scan(&cat, &sum); err != nil {
			return nil, err
		}
		out[cat] = sum
	}
	return out, rows.Err()
}
