package pgmq

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener holds a single dedicated connection subscribed to a NOTIFY
// channel. The design requires this connection be separate from the pooled
// connections used for reads/writes so it can block in WaitForNotification
// without starving the rest of the worker.
type Listener struct {
	conn    *pgxpool.Conn
	channel string
}

// Listen acquires a dedicated connection from pool and issues LISTEN on
// channel. Callers must call Close when done to return the connection.
func Listen(ctx context.Context, pool *pgxpool.Pool, channel string) (*Listener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=pgmq.Listen: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %s`, pgIdent(channel))); err != nil {
		conn.Release()
		return nil, fmt.Errorf("op=pgmq.Listen: %w", err)
	}
	return &Listener{conn: conn, channel: channel}, nil
}

// Wait blocks until a notification arrives or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	_, err := l.conn.Conn().WaitForNotification(ctx)
	return err
}

// Close releases the underlying connection back to the pool.
func (l *Listener) Close() {
	l.conn.Release()
}
