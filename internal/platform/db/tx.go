package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools, pooled connections and
// transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx begins a transaction on the tenant connection carried by ctx, or on
// the pool when there is none, and returns a context carrying the transaction.
// Callers own Commit/Rollback.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, pgx.Tx, error) {
	if existing := TxFromContext(ctx); existing != nil {
		return nil, nil, fmt.Errorf("transaction already in progress")
	}

	var (
		tx  pgx.Tx
		err error
	)
	if conn := ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = pool.Begin(ctx)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}

	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// TxFromContext returns the transaction placed in ctx by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn picks the narrowest handle available: the active transaction, then
// the tenant-scoped connection, then the pool itself.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := ConnFromContext(ctx); conn != nil {
		return conn
	}
	return pool
}
