package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ctxKey string

const (
	txKey     ctxKey = "db_tx"
	tenantKey ctxKey = "tenant_id"
)

// Queryable is the common surface of *pgxpool.Pool, pgx.Tx and a pooled
// *pgxpool.Conn — every repository accepts this instead of a concrete type
// so it can transparently run inside or outside a transaction.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// WithTx returns a context carrying tx, so repositories called underneath
// it run statements inside that transaction instead of a fresh pool
// connection. Used by the batch/transaction executor (§4.8) to keep every
// entry's writes in one SQL transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTenant stamps the logical tenant id on ctx. Each resource-type table
// lives in a single shared schema; tenant_id is a column on every store and
// index table rather than a schema-per-tenant split, so a single prepared
// statement plan serves every tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func TenantFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey).(string)
	if t == "" {
		return "default"
	}
	return t
}
