// Package db provides shared Postgres helpers for bulk insert, update, and
// upsert operations used by the chunked upload flush path.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Queryer is the query surface shared by a pool and an open transaction.
// The bulk helpers take a Queryer so they run identically inside and
// outside an enclosing transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Pool abstracts the pgxpool methods the store relies on, so tests can
// substitute a pgxmock pool.
type Pool interface {
	Queryer
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}
