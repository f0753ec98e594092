// Package sourcetest provides an in-memory source.Querier for tests.
package sourcetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Row builds the column values of a fixed-class table row: id, t, lat, lon.
func Row(id string, t time.Time, lat, lon float64) []any {
	return []any{id, t, lat, lon}
}

// ClassRow builds a row for a table with a class column: class, id, t, lat, lon.
func ClassRow(class, id string, t time.Time, lat, lon float64) []any {
	return []any{class, id, t, lat, lon}
}

// Rows is a scripted pgx.Rows. A nil value scans as SQL NULL.
type Rows struct {
	values [][]any
	pos    int
	err    error
	// FailAt, when >= 0, makes Next fail with Err once that row index is reached.
	FailAt  int
	FailErr error
	closed  bool
}

// NewRows returns rows yielding the given values in order.
func NewRows(values ...[]any) *Rows {
	return &Rows{values: values, pos: -1, FailAt: -1}
}

func (r *Rows) Close() { r.closed = true }

func (r *Rows) Err() error { return r.err }

func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *Rows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	r.pos++
	if r.FailAt >= 0 && r.pos == r.FailAt {
		r.err = r.FailErr
		r.closed = true
		return false
	}
	if r.pos >= len(r.values) {
		r.closed = true
		return false
	}
	return true
}

// Scan supports the destination types the source adapter uses.
// Like pgx, a scan failure closes the result set.
func (r *Rows) Scan(dest ...any) error {
	row := r.values[r.pos]
	if len(dest) != len(row) {
		return r.fail(fmt.Errorf("sourcetest: %d destinations for %d columns", len(dest), len(row)))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case **string:
			if v == nil {
				*d = nil
				continue
			}
			s, ok := v.(string)
			if !ok {
				return r.fail(fmt.Errorf("sourcetest: column %d: cannot scan %T into string", i, v))
			}
			*d = &s
		case **time.Time:
			if v == nil {
				*d = nil
				continue
			}
			ts, ok := v.(time.Time)
			if !ok {
				return r.fail(fmt.Errorf("sourcetest: column %d: cannot scan %T into time", i, v))
			}
			*d = &ts
		case **float64:
			if v == nil {
				*d = nil
				continue
			}
			f, ok := v.(float64)
			if !ok {
				return r.fail(fmt.Errorf("sourcetest: column %d: cannot scan %T into float64", i, v))
			}
			*d = &f
		default:
			return r.fail(fmt.Errorf("sourcetest: unsupported destination %T", dest[i]))
		}
	}
	return nil
}

func (r *Rows) fail(err error) error {
	r.err = err
	r.closed = true
	return err
}

func (r *Rows) Values() ([]any, error) { return r.values[r.pos], nil }

func (r *Rows) RawValues() [][]byte { return nil }

func (r *Rows) Conn() *pgx.Conn { return nil }

// Call records one Query invocation.
type Call struct {
	SQL  string
	Args []any
}

type response struct {
	rows *Rows
	err  error
}

// Querier answers queries from per-table FIFO scripts. A table with nothing
// queued answers with zero rows.
type Querier struct {
	mu     sync.Mutex
	queued map[string][]response
	calls  []Call
}

// NewQuerier returns an empty scripted querier.
func NewQuerier() *Querier {
	return &Querier{queued: map[string][]response{}}
}

// Queue scripts the next answer for queries against table.
func (q *Querier) Queue(table string, rows *Rows) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued[table] = append(q.queued[table], response{rows: rows})
}

// QueueErr scripts the next query against table to fail.
func (q *Querier) QueueErr(table string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued[table] = append(q.queued[table], response{err: err})
}

// Calls returns the queries seen so far.
func (q *Querier) Calls() []Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Call(nil), q.calls...)
}

// Query implements source.Querier.
func (q *Querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, Call{SQL: sql, Args: args})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for table, script := range q.queued {
		if !strings.Contains(sql, " FROM "+pgx.Identifier{table}.Sanitize()+" ") || len(script) == 0 {
			continue
		}
		next := script[0]
		q.queued[table] = script[1:]
		if next.err != nil {
			return nil, next.err
		}
		return next.rows, nil
	}
	return NewRows(), nil
}
