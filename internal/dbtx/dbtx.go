// Package dbtx declares the minimal query surface shared by the plain
// connection pool and a held transaction, so Store methods can run either
// standalone or nested inside a caller-held transaction (notably the one
// that holds the IP-allocation advisory lock) without two copies of every
// method.
package dbtx

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// Querier is satisfied by *pgxpool.Pool, pgx.Tx, and *pgxpool.Conn.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
