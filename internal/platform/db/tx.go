package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxTxAttempts bounds serialization retries. Under RepeatableRead two
// concurrent stock writes on the same balance row can conflict; the loser
// gets SQLSTATE 40001 and the whole closure can safely run again.
const maxTxAttempts = 3

// Querier is the query surface shared by *pgxpool.Pool and pgx.Tx, letting
// read helpers run against either the pool or an open transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a RepeatableRead transaction, retrying on
// serialization failures. fn must be safe to re-run from scratch: every
// attempt starts with a fresh transaction and re-reads its own state.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withRetry(ctx, pool, pgx.RepeatableRead, fn)
}

// WithSerializableTx is WithTx at Serializable isolation. Reservation checks
// need it: the availability read aggregates over rows a competing transaction
// inserts, which row locks alone cannot serialize. The loser aborts with
// 40001 and the retried attempt sees the winner's reservation.
func WithSerializableTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	return withRetry(ctx, pool, pgx.Serializable, fn)
}

func withRetry(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		lastErr = runTx(ctx, pool, iso, fn)
		if lastErr == nil || !isSerializationFailure(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("platform/db: tx retries exhausted: %w", lastErr)
}

func runTx(ctx context.Context, pool *pgxpool.Pool, iso pgx.TxIsoLevel, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
