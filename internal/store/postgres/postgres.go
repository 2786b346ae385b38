// Package postgres implements the store interfaces on pgx. SQL follows the
// repository conventions of the rest of the codebase: hand-written queries,
// FOR UPDATE row locking and conditional UPDATE guards.
package postgres

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskvault/backend/internal/store"
)

//go:embed schema.sql
var schema string

// DB wraps a pgxpool.Pool as a store.DB.
type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (d *DB) Begin(ctx context.Context) (store.Tx, error) {
	return d.pool.Begin(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q resolves the querier for a possibly-nil transaction: reads outside a
// transaction go straight to the pool.
func q(pool *pgxpool.Pool, tx store.Tx) querier {
	if tx == nil {
		return pool
	}
	return tx.(pgx.Tx)
}
