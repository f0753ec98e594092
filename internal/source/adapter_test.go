package source

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/session"
	"github.com/PratikDhanave/position-stream-service/internal/source/sourcetest"
)

var (
	shipTable    = config.Table{Name: "ship", Class: "ship"}
	drifterTable = config.Table{Name: "drifter", Class: "drifter", RequireCoords: true}
	gliderTable  = config.Table{Name: "glider", ClassColumn: "grp"}
)

func TestBuildQueries(t *testing.T) {
	tests := []struct {
		name            string
		table           config.Table
		wantIncremental string
		wantInitial     string
	}{
		{
			name:            "fixed class",
			table:           shipTable,
			wantIncremental: `SELECT DISTINCT ON (id) id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "ship" WHERE t>=$1 ORDER BY id,t DESC`,
			wantInitial:     `SELECT id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "ship" WHERE t>=$1 ORDER BY id,t DESC LIMIT $2`,
		},
		{
			name:            "coordinates required",
			table:           drifterTable,
			wantIncremental: `SELECT DISTINCT ON (id) id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "drifter" WHERE t>=$1 AND lat IS NOT NULL AND lon IS NOT NULL ORDER BY id,t DESC`,
			wantInitial:     `SELECT id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "drifter" WHERE t>=$1 AND lat IS NOT NULL AND lon IS NOT NULL ORDER BY id,t DESC LIMIT $2`,
		},
		{
			name:            "class column",
			table:           gliderTable,
			wantIncremental: `SELECT DISTINCT ON ("grp",id) "grp"::text AS "grp",id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "glider" WHERE t>=$1 ORDER BY "grp",id,t DESC`,
			wantInitial:     `SELECT "grp"::text AS "grp",id::text AS id,t,lat::float8 AS lat,lon::float8 AS lon FROM "glider" WHERE t>=$1 ORDER BY "grp",id,t DESC LIMIT $2`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inc, ini := buildQueries(tc.table)
			if inc != tc.wantIncremental {
				t.Errorf("incremental:\n got %s\nwant %s", inc, tc.wantIncremental)
			}
			if ini != tc.wantInitial {
				t.Errorf("initial:\n got %s\nwant %s", ini, tc.wantInitial)
			}
		})
	}
}

func TestFetchSinceFixedClass(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.Queue("ship", sourcetest.NewRows(
		sourcetest.Row("Revelle", ts, 21.12345678, -157.87654321),
	))

	sess := session.New(ts)
	a := New(q, shipTable)
	since := ts.Add(-time.Hour)
	got := a.FetchSince(context.Background(), sess, since)

	if len(got) != 1 {
		t.Fatalf("got %d observations, want 1", len(got))
	}
	o := got[0]
	if o.Class != "ship" || o.ID != "Revelle" || !o.T.Equal(ts) {
		t.Fatalf("unexpected observation %+v", o)
	}
	if o.Lat != 21.123457 || o.Lon != -157.876543 {
		t.Fatalf("coordinates not rounded: %v,%v", o.Lat, o.Lon)
	}
	if sess.Errors.Len() != 0 {
		t.Fatalf("unexpected errors: %+v", sess.Errors.Drain())
	}

	calls := q.Calls()
	if len(calls) != 1 || len(calls[0].Args) != 1 || !calls[0].Args[0].(time.Time).Equal(since) {
		t.Fatalf("unexpected query args: %+v", calls)
	}
}

func TestFetchInitialPassesLimit(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.Queue("glider", sourcetest.NewRows(
		sourcetest.ClassRow("SG", "526", ts, 20, -156),
		sourcetest.ClassRow("SG", "526", ts.Add(-time.Hour), 20.1, -156.1),
		sourcetest.ClassRow("WG", "Ole", ts, 19, -155),
	))

	sess := session.New(ts)
	got := New(q, gliderTable).FetchInitial(context.Background(), sess, ts.Add(-6*time.Hour), 500)
	if len(got) != 3 {
		t.Fatalf("got %d observations, want 3", len(got))
	}
	if got[2].Class != "WG" || got[2].ID != "Ole" {
		t.Fatalf("class column not used: %+v", got[2])
	}

	calls := q.Calls()
	if len(calls) != 1 || !strings.HasSuffix(calls[0].SQL, "LIMIT $2") || calls[0].Args[1] != 500 {
		t.Fatalf("unexpected call: %+v", calls)
	}
}

func TestFetchQueryFailureIsRecorded(t *testing.T) {
	q := sourcetest.NewQuerier()
	q.QueueErr("ship", errors.New("relation \"ship\" does not exist"))

	sess := session.New(time.Now())
	got := New(q, shipTable).FetchSince(context.Background(), sess, time.Now())
	if got != nil {
		t.Fatalf("expected no observations, got %+v", got)
	}

	errs := sess.Errors.Drain()
	if len(errs) != 1 || errs[0].Query != "ship.incremental" || !strings.Contains(errs[0].Message, "does not exist") {
		t.Fatalf("unexpected descriptors: %+v", errs)
	}
}

func TestFetchSkipsMalformedRows(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.Queue("ship", sourcetest.NewRows(
		[]any{"A", ts, nil, nil},
		[]any{nil, ts, 1.0, 2.0},
		sourcetest.Row("B", ts, 95, 0),
		sourcetest.Row("C", ts, 10, 20),
	))

	sess := session.New(ts)
	got := New(q, shipTable).FetchSince(context.Background(), sess, ts.Add(-time.Hour))
	if len(got) != 1 || got[0].ID != "C" {
		t.Fatalf("expected only row C, got %+v", got)
	}

	errs := sess.Errors.Drain()
	if len(errs) != 1 {
		t.Fatalf("expected one aggregated descriptor, got %+v", errs)
	}
	if !strings.Contains(errs[0].Message, "skipped 3 malformed") || !strings.Contains(errs[0].Message, "ship,A: missing coordinates") {
		t.Fatalf("unexpected message %q", errs[0].Message)
	}
}

func TestFetchKeepsRowsReadBeforeFailure(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sourcetest.NewRows(
		sourcetest.Row("A", ts, 1, 1),
		sourcetest.Row("B", ts, 2, 2),
	)
	rows.FailAt = 1
	rows.FailErr = errors.New("conn closed")
	q.Queue("ship", rows)

	sess := session.New(ts)
	got := New(q, shipTable).FetchSince(context.Background(), sess, ts.Add(-time.Hour))
	if len(got) != 1 || got[0].ID != "A" {
		t.Fatalf("expected partial result with A, got %+v", got)
	}
	errs := sess.Errors.Drain()
	if len(errs) != 1 || errs[0].Message != "conn closed" {
		t.Fatalf("unexpected descriptors: %+v", errs)
	}
}

func TestFetchSkipsReservedClassAndMissingTimestamp(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.Queue("glider", sourcetest.NewRows(
		sourcetest.ClassRow("errors", "526", ts, 1, 1),
		[]any{"SG", "527", nil, 2.0, 2.0},
		sourcetest.ClassRow("SG", "528", ts, 3, 3),
	))

	sess := session.New(ts)
	got := New(q, gliderTable).FetchSince(context.Background(), sess, ts.Add(-time.Hour))
	if len(got) != 1 || got[0].Class != "SG" || got[0].ID != "528" {
		t.Fatalf("expected only SG,528, got %+v", got)
	}

	errs := sess.Errors.Drain()
	if len(errs) != 1 {
		t.Fatalf("expected one aggregated descriptor, got %+v", errs)
	}
	if !strings.Contains(errs[0].Message, "skipped 2 malformed") || !strings.Contains(errs[0].Message, "errors,526: class name is reserved") {
		t.Fatalf("unexpected message %q", errs[0].Message)
	}
}

func TestFetchStopsAtUnscannableRow(t *testing.T) {
	q := sourcetest.NewQuerier()
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	q.Queue("ship", sourcetest.NewRows(
		sourcetest.Row("A", ts, 1, 1),
		[]any{"B", "not a time", 2.0, 2.0},
		sourcetest.Row("C", ts, 3, 3),
	))

	sess := session.New(ts)
	got := New(q, shipTable).FetchSince(context.Background(), sess, ts.Add(-time.Hour))
	if len(got) != 1 || got[0].ID != "A" {
		t.Fatalf("expected rows read before the scan error, got %+v", got)
	}

	errs := sess.Errors.Drain()
	if len(errs) != 1 {
		t.Fatalf("expected one descriptor for the scan error, got %+v", errs)
	}
	if errs[0].Query != "ship.incremental" || !strings.Contains(errs[0].Message, "cannot scan string into time") {
		t.Fatalf("unexpected descriptor %+v", errs[0])
	}
}
