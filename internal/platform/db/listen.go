package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener wraps a single dedicated connection subscribed to a Postgres
// channel via LISTEN. The job queue (internal/queue) uses this as the
// NOTIFY-driven wake-up half of its dequeue loop; the poll-interval
// fallback covers missed notifications (spec.md §4.10).
type Listener struct {
	pool    *pgxpool.Pool
	channel string
}

func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{pool: pool, channel: channel}
}

// Notify sends a NOTIFY on the channel. Typically called in the same
// transaction as the row insert that other workers should wake up for.
func Notify(ctx context.Context, q Queryable, channel string) error {
	_, err := q.Exec(ctx, "SELECT pg_notify($1, '')", channel)
	return err
}

// WaitForNotification acquires a dedicated connection, issues LISTEN, and
// blocks until either a notification arrives or ctx is cancelled (the
// caller typically wraps ctx with a poll-interval timeout so a missed
// NOTIFY is bounded by that interval, not unbounded).
func (l *Listener) WaitForNotification(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgIdent(l.channel)); err != nil {
		return err
	}
	_, err = conn.Conn().WaitForNotification(ctx)
	return err
}

// pgIdent double-quotes an identifier for use in LISTEN/UNLISTEN, which
// don't accept bind parameters. Channel names in this codebase are fixed
// constants, never user input.
func pgIdent(s string) string {
	return `"` + s + `"`
}
