package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx operations repositories depend on. It is
// satisfied by *pgxpool.Pool, pgx.Tx, and pgxmock, so the same repository
// code runs against the pool, inside a transaction, or under test.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool extends DBTX with transaction control. Services that open their own
// transactions take a Pool; *pgxpool.Pool and pgxmock both satisfy it.
type Pool interface {
	DBTX
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}
