package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/metrics"
)

// NotifyConn is a dedicated database connection able to LISTEN.
// store.ListenConn implements it over a pgx connection opened outside the query pool.
type NotifyConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	// Release hands a clean connection back to its pool.
	Release()
	// Destroy closes a connection whose session state is unknown.
	Destroy(ctx context.Context)
}

// Listener relays LISTEN/NOTIFY notifications for the configured tables.
type Listener struct {
	conn     NotifyConn
	channels map[string]string // channel -> table
	tables   map[string]bool
	closed   bool
}

// NewListener subscribes conn to every table's channel. On failure the
// connection is destroyed.
func NewListener(ctx context.Context, conn NotifyConn, tables []config.Table) (*Listener, error) {
	l := &Listener{
		conn:     conn,
		channels: make(map[string]string, len(tables)),
		tables:   make(map[string]bool, len(tables)),
	}
	for _, t := range tables {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.Channel}.Sanitize()); err != nil {
			conn.Destroy(ctx)
			return nil, fmt.Errorf("listen %s: %w", t.Channel, err)
		}
		l.channels[t.Channel] = t.Name
		l.tables[t.Name] = true
	}
	return l, nil
}

// Await implements ChangeSignal.
func (l *Listener) Await(ctx context.Context, timeout time.Duration, tables ...string) (Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		n, err := l.conn.WaitForNotification(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return Notification{}, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return Notification{}, ErrTimeout
			}
			return Notification{}, fmt.Errorf("wait for notification: %w", err)
		}

		table := l.resolve(n)
		if table == "" || !wanted(table, tables) {
			continue
		}
		metrics.Notifications.WithLabelValues(table).Inc()
		return Notification{Table: table, Channel: n.Channel, Payload: n.Payload}, nil
	}
}

// resolve maps a notification to a managed table. The payload is expected to
// name the table; the channel is the fallback.
func (l *Listener) resolve(n *pgconn.Notification) string {
	if l.tables[n.Payload] {
		return n.Payload
	}
	return l.channels[n.Channel]
}

// Close unsubscribes and returns the connection to its pool.
func (l *Listener) Close(ctx context.Context) error {
	if l.closed {
		return nil
	}
	l.closed = true

	if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		l.conn.Destroy(ctx)
		return fmt.Errorf("unlisten: %w", err)
	}
	l.conn.Release()
	return nil
}
