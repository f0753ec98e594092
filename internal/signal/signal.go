// Package signal tells a stream session when a source table may have new rows.
//
// Two implementations exist: Listener relays Postgres LISTEN/NOTIFY
// notifications per table, and Ticker fires on a fixed period for stores
// without notification triggers, in which case every table is re-read.
package signal

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrTimeout is returned by Await when nothing arrived within the timeout.
var ErrTimeout = errors.New("signal: timeout")

// Notification is one change signal. Tick is set by coarse signals that
// carry no table; the receiver must re-read every table.
type Notification struct {
	Table   string
	Channel string
	Payload string
	Tick    bool
}

// ChangeSignal blocks until a table changes or the timeout elapses.
type ChangeSignal interface {
	// Await returns the next notification for one of tables (any managed
	// table when none are given), ErrTimeout, ctx.Err() on cancellation,
	// or another error when the channel itself has failed.
	Await(ctx context.Context, timeout time.Duration, tables ...string) (Notification, error)
	// Close releases the subscription. It is safe to call more than once.
	Close(ctx context.Context) error
}

func wanted(table string, filter []string) bool {
	return len(filter) == 0 || slices.Contains(filter, table)
}
