package signal

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// Ticker is the coarse ChangeSignal: it fires every interval without
// knowing which table changed. The schedule survives Await calls, so a
// timeout shorter than the interval still leads to a tick on a later call.
type Ticker struct {
	clock    clock.Clock
	interval time.Duration
	next     time.Time
}

// NewTicker returns a ticker firing every interval on clk.
func NewTicker(clk clock.Clock, interval time.Duration) *Ticker {
	return &Ticker{clock: clk, interval: interval, next: clk.Now().Add(interval)}
}

// Await waits for the next scheduled tick. When that tick is further away
// than timeout it returns ErrTimeout after timeout instead.
func (t *Ticker) Await(ctx context.Context, timeout time.Duration, _ ...string) (Notification, error) {
	wait := t.next.Sub(t.clock.Now())
	if wait > timeout {
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-t.clock.After(timeout):
		}
		return Notification{}, ErrTimeout
	}

	if wait > 0 {
		select {
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		case <-t.clock.After(wait):
		}
	}

	t.next = t.next.Add(t.interval)
	if now := t.clock.Now(); !t.next.After(now) {
		t.next = now.Add(t.interval)
	}
	return Notification{Tick: true}, nil
}

// Close is a no-op.
func (t *Ticker) Close(context.Context) error {
	return nil
}
