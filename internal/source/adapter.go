// Package source reads position rows from one Postgres table.
//
// Each Adapter owns two queries for its table: a bounded history query used
// once when a session starts, and a latest-row-per-identity query used for
// every incremental cycle. Rows are validated here and leave the package as
// typed observations; failures never escape as errors, they are recorded in
// the session's error log and the fetch returns whatever it could read.
// A malformed row is skipped. A row that cannot be scanned at all ends the
// fetch, since pgx closes the result set on a scan error.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/metrics"
	"github.com/PratikDhanave/position-stream-service/internal/models"
	"github.com/PratikDhanave/position-stream-service/internal/session"
)

// Fetch modes, also used as the suffix of error descriptor query names.
const (
	ModeInitial     = "initial"
	ModeIncremental = "incremental"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and *store.PostgresStore.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Adapter fetches observations for one configured table.
type Adapter struct {
	q              Querier
	table          config.Table
	incrementalSQL string
	initialSQL     string
}

// New prepares the queries for table t.
func New(q Querier, t config.Table) *Adapter {
	incremental, initial := buildQueries(t)
	return &Adapter{q: q, table: t, incrementalSQL: incremental, initialSQL: initial}
}

// Table returns the table name, which is also the notification payload.
func (a *Adapter) Table() string {
	return a.table.Name
}

// FetchSince returns the latest row per identity with t >= since.
func (a *Adapter) FetchSince(ctx context.Context, sess *session.Session, since time.Time) []models.Observation {
	return a.fetch(ctx, sess, ModeIncremental, a.incrementalSQL, since.UTC())
}

// FetchInitial returns up to maxRows of history with t >= since,
// several rows per identity, newest first within each identity.
func (a *Adapter) FetchInitial(ctx context.Context, sess *session.Session, since time.Time, maxRows int) []models.Observation {
	return a.fetch(ctx, sess, ModeInitial, a.initialSQL, since.UTC(), maxRows)
}

func (a *Adapter) queryName(mode string) string {
	return a.table.Name + "." + mode
}

func (a *Adapter) fetch(ctx context.Context, sess *session.Session, mode, sql string, args ...any) []models.Observation {
	start := time.Now()
	rows, err := a.q.Query(ctx, sql, args...)
	if err != nil {
		metrics.RecordQuery(a.table.Name, mode, time.Since(start), err)
		sess.Errors.Add(a.queryName(mode), err)
		return nil
	}
	defer rows.Close()

	var (
		out      []models.Observation
		bad      int
		firstBad string
		scanErr  error
	)
	for rows.Next() {
		obs, reason, err := a.scan(rows)
		if err != nil {
			scanErr = err
			break
		}
		if reason != "" {
			bad++
			if firstBad == "" {
				firstBad = reason
			}
			metrics.RecordBadRow(a.table.Name)
			continue
		}
		out = append(out, obs)
	}
	err = rows.Err()
	if err == nil {
		err = scanErr
	}
	metrics.RecordQuery(a.table.Name, mode, time.Since(start), err)
	if err != nil {
		// Rows read before the failure are still valid observations.
		sess.Errors.Add(a.queryName(mode), err)
	}
	if bad > 0 {
		sess.Errors.Addf(a.queryName(mode), "skipped %d malformed row(s): %s", bad, firstBad)
	}
	return out
}

// scan reads the current row. A non-empty reason means the row was
// malformed; an error means the result set is no longer readable.
func (a *Adapter) scan(rows pgx.Rows) (models.Observation, string, error) {
	var (
		class, id *string
		ts        *time.Time
		lat, lon  *float64
	)
	dest := []any{&id, &ts, &lat, &lon}
	if a.table.ClassColumn != "" {
		dest = append([]any{&class}, dest...)
	} else {
		class = &a.table.Class
	}

	if err := rows.Scan(dest...); err != nil {
		return models.Observation{}, "", err
	}
	switch {
	case class == nil || *class == "":
		return models.Observation{}, "missing class", nil
	case id == nil || *id == "":
		return models.Observation{}, "missing id", nil
	case *class == models.ErrorsKey:
		// The grouped layout keys classes next to the error list.
		return models.Observation{}, fmt.Sprintf("%s,%s: class name is reserved", *class, *id), nil
	case ts == nil:
		return models.Observation{}, fmt.Sprintf("%s,%s: missing timestamp", *class, *id), nil
	case lat == nil || lon == nil:
		return models.Observation{}, fmt.Sprintf("%s,%s: missing coordinates", *class, *id), nil
	case !models.ValidCoordinates(*lat, *lon):
		return models.Observation{}, fmt.Sprintf("%s,%s: invalid coordinates %v,%v", *class, *id, *lat, *lon), nil
	}
	return models.NewObservation(*class, *id, *ts, *lat, *lon, a.table.Digits()), "", nil
}

func buildQueries(t config.Table) (incremental, initial string) {
	tbl := pgx.Identifier{t.Name}.Sanitize()

	key := "id"
	cols := "id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon"
	if t.ClassColumn != "" {
		c := pgx.Identifier{t.ClassColumn}.Sanitize()
		key = c + ",id"
		cols = c + "::text AS " + c + "," + cols
	}

	where := "t>=$1"
	if t.RequireCoords {
		where += " AND lat IS NOT NULL AND lon IS NOT NULL"
	}

	incremental = fmt.Sprintf("SELECT DISTINCT ON (%s) %s FROM %s WHERE %s ORDER BY %s,t DESC", key, cols, tbl, where, key)
	initial = fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s,t DESC LIMIT $2", cols, tbl, where, key)
	return incremental, initial
}
