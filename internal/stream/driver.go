// Package stream runs one client's position stream: a bounded history load
// followed by a loop that waits for change signals and pushes each table's
// delta to the client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/PratikDhanave/position-stream-service/internal/delta"
	"github.com/PratikDhanave/position-stream-service/internal/logging"
	"github.com/PratikDhanave/position-stream-service/internal/metrics"
	"github.com/PratikDhanave/position-stream-service/internal/models"
	"github.com/PratikDhanave/position-stream-service/internal/session"
	"github.com/PratikDhanave/position-stream-service/internal/signal"
	"github.com/PratikDhanave/position-stream-service/internal/source"
)

var (
	// ErrTransport wraps a failed write to the client.
	ErrTransport = errors.New("stream: transport failure")
	// ErrSignal wraps a failure of the change notification channel.
	ErrSignal = errors.New("stream: change signal failure")
)

// CycleQuery names the error descriptor emitted when a cycle panics.
const CycleQuery = "cycle"

const closeTimeout = 5 * time.Second

// Emitter writes one event to the client. Implementations flush before
// returning.
type Emitter interface {
	Emit(ctx context.Context, payload []byte) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, payload []byte) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Options tunes a Driver.
type Options struct {
	WaitTimeout time.Duration
	HoursBack   int
	MaxRows     int
	Layout      models.Layout
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Driver owns one session from its initial load until the client goes away.
// It is single-threaded; its only suspension point is the signal wait.
type Driver struct {
	sess     *session.Session
	adapters []*source.Adapter
	byTable  map[string]*source.Adapter
	computer *delta.Computer
	signal   signal.ChangeSignal
	emitter  Emitter
	opts     Options
	log      zerolog.Logger
}

// New returns a driver for sess. The driver takes ownership of sig and
// closes it when Run returns.
func New(
	sess *session.Session,
	adapters []*source.Adapter,
	computer *delta.Computer,
	sig signal.ChangeSignal,
	emitter Emitter,
	opts Options,
) *Driver {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Layout == "" {
		opts.Layout = models.LayoutGrouped
	}
	byTable := make(map[string]*source.Adapter, len(adapters))
	for _, a := range adapters {
		byTable[a.Table()] = a
	}
	return &Driver{
		sess:     sess,
		adapters: adapters,
		byTable:  byTable,
		computer: computer,
		signal:   sig,
		emitter:  emitter,
		opts:     opts,
		log:      logging.Session(sess.ID),
	}
}

// Run streams until ctx is cancelled, a write fails or the change signal
// breaks. Cancellation is a normal end and returns ctx.Err(); the other two
// return errors wrapping ErrTransport and ErrSignal.
func (d *Driver) Run(ctx context.Context) error {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer d.closeSignal(ctx)

	d.log.Info().Int("tables", len(d.adapters)).Msg("session initializing")
	if err := d.send(ctx, d.cycle(ctx, d.initial), false); err != nil {
		return d.end(err)
	}
	d.log.Debug().Msg("session streaming")

	for {
		n, err := d.signal.Await(ctx, d.opts.WaitTimeout)
		switch {
		case ctx.Err() != nil:
			return d.end(ctx.Err())

		case errors.Is(err, signal.ErrTimeout):
			err = d.send(ctx, d.pending(), true)

		case err != nil:
			d.log.Error().Err(err).Msg("change signal failed")
			d.terminal(ctx, err)
			return d.end(fmt.Errorf("%w: %w", ErrSignal, err))

		case n.Tick:
			// A tick stands in for the timeout, so an empty tick still keeps the client alive.
			err = d.send(ctx, d.cycle(ctx, d.incremental(d.adapters...)), true)

		default:
			a, ok := d.byTable[n.Table]
			if !ok {
				d.log.Debug().Str("table", n.Table).Msg("notification for unmanaged table")
				continue
			}
			d.log.Debug().Str("table", n.Table).Msg("delivering")
			err = d.send(ctx, d.cycle(ctx, d.incremental(a)), false)
		}
		if err != nil {
			return d.end(err)
		}
	}
}

func (d *Driver) initial(ctx context.Context, batch *models.Batch) {
	since := d.opts.Clock.Now().Add(-time.Duration(d.opts.HoursBack) * time.Hour).UTC()
	for _, a := range d.adapters {
		d.sess.Marks.Set(a.Table(), since)
		rows := a.FetchInitial(ctx, d.sess, since, d.opts.MaxRows)
		d.apply(batch, a.Table(), rows)
	}
}

func (d *Driver) incremental(adapters ...*source.Adapter) func(context.Context, *models.Batch) {
	return func(ctx context.Context, batch *models.Batch) {
		for _, a := range adapters {
			rows := a.FetchSince(ctx, d.sess, d.sess.Marks.Get(a.Table()))
			d.apply(batch, a.Table(), rows)
		}
	}
}

func (d *Driver) apply(batch *models.Batch, table string, rows []models.Observation) {
	dl := d.computer.Apply(d.sess, table, rows)
	if dl.Empty() {
		return
	}
	metrics.ObservationsDelivered.WithLabelValues(table).Add(float64(len(dl.Observations)))
	batch.Add(dl)
}

// cycle runs build into a fresh batch and attaches pending errors. A panic
// inside build is recovered into an error descriptor; deltas already added
// to the batch are kept, since the cache has advanced past them.
func (d *Driver) cycle(ctx context.Context, build func(context.Context, *models.Batch)) *models.Batch {
	batch := models.NewBatch(d.opts.Layout)
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Interface("panic", r).Msg("cycle panicked")
				d.sess.Errors.Addf(CycleQuery, "%v", r)
			}
		}()
		build(ctx, batch)
	}()
	batch.AddErrors(d.sess.Errors.Drain()...)
	return batch
}

// pending returns a batch holding only the queued error descriptors.
func (d *Driver) pending() *models.Batch {
	batch := models.NewBatch(d.opts.Layout)
	batch.AddErrors(d.sess.Errors.Drain()...)
	return batch
}

// send emits batch. An empty batch is skipped unless keepalive is set, in
// which case {} goes out instead.
func (d *Driver) send(ctx context.Context, batch *models.Batch, keepalive bool) error {
	if batch.Empty() {
		if !keepalive {
			return nil
		}
		return d.write(ctx, metrics.EventKeepalive, models.Keepalive())
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		d.log.Error().Err(err).Msg("encode batch")
		d.sess.Errors.Add(CycleQuery, fmt.Errorf("encode batch: %w", err))
		return d.write(ctx, metrics.EventError, d.mustEncode(d.pending()))
	}

	kind := metrics.EventData
	if batch.Len() == 0 {
		kind = metrics.EventError
	}
	return d.write(ctx, kind, payload)
}

func (d *Driver) write(ctx context.Context, kind string, payload []byte) error {
	if err := d.emitter.Emit(ctx, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	metrics.EventsEmitted.WithLabelValues(kind).Inc()
	return nil
}

// terminal makes a best-effort attempt to tell the client why the stream ends.
func (d *Driver) terminal(ctx context.Context, cause error) {
	d.sess.Errors.Add("signal", cause)
	if err := d.write(ctx, metrics.EventError, d.mustEncode(d.pending())); err != nil {
		d.log.Debug().Err(err).Msg("terminal error event not delivered")
	}
}

func (d *Driver) mustEncode(batch *models.Batch) []byte {
	payload, err := json.Marshal(batch)
	if err != nil {
		return models.Keepalive()
	}
	return payload
}

func (d *Driver) closeSignal(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := d.signal.Close(ctx); err != nil {
		d.log.Warn().Err(err).Msg("release change signal")
	}
}

func (d *Driver) end(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.log.Info().Msg("session closed")
	case errors.Is(err, ErrTransport):
		d.log.Info().Err(err).Msg("client gone")
	default:
		d.log.Warn().Err(err).Msg("session terminated")
	}
	return err
}
