// Package delta turns fetched rows into the set of observations a client has
// not seen yet and advances the session watermark.
//
// Rules, applied per table and per fetch cycle:
//   - identities on the table's exclusion list are never delivered and never
//     enter the identity cache;
//   - a row is new only if its timestamp is strictly greater than the
//     identity's cached timestamp as of the start of the cycle, so a history
//     fetch may deliver several rows for one identity while later cycles only
//     deliver what moved forward;
//   - the watermark becomes max(old, maxSeen-margin), where maxSeen covers
//     every well-formed row observed in the cycle, delivered or not.
package delta

import (
	"slices"
	"strings"
	"time"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/models"
	"github.com/PratikDhanave/position-stream-service/internal/session"
)

// Computer applies dedup and watermark rules. It holds configuration only;
// all mutable state lives in the session passed to Apply.
type Computer struct {
	margin  time.Duration
	exclude map[string]map[models.Identity]struct{}
}

// New returns a computer for the given tables. A negative margin is treated as zero.
func New(tables []config.Table, margin time.Duration) *Computer {
	if margin < 0 {
		margin = 0
	}
	c := &Computer{margin: margin, exclude: map[string]map[models.Identity]struct{}{}}
	for _, t := range tables {
		ex := t.Exclusions()
		if len(ex) == 0 {
			continue
		}
		set := make(map[models.Identity]struct{}, len(ex))
		for _, id := range ex {
			set[id] = struct{}{}
		}
		c.exclude[t.Name] = set
	}
	return c
}

// Excluded reports whether id is on table's exclusion list.
func (c *Computer) Excluded(table string, id models.Identity) bool {
	_, ok := c.exclude[table][id]
	return ok
}

type delivered struct {
	id models.Identity
	t  int64
}

// Apply filters rows fetched from table against the session's cache and
// returns the observations to deliver.
func (c *Computer) Apply(sess *session.Session, table string, rows []models.Observation) models.Delta {
	d := models.Delta{Table: table}
	if len(rows) == 0 {
		return d
	}

	var (
		maxSeen time.Time
		newest  = map[models.Identity]time.Time{}
		sent    = map[delivered]struct{}{}
	)
	for _, o := range rows {
		if o.T.After(maxSeen) {
			maxSeen = o.T
		}

		id := o.Identity()
		if c.Excluded(table, id) {
			continue
		}
		if prior, ok := sess.Marks.LastSeen(table, id); ok && !o.T.After(prior) {
			continue
		}
		key := delivered{id: id, t: o.T.UnixNano()}
		if _, dup := sent[key]; dup {
			continue
		}
		sent[key] = struct{}{}

		d.Observations = append(d.Observations, o)
		if o.T.After(newest[id]) {
			newest[id] = o.T
		}
	}

	for id, t := range newest {
		sess.Marks.RecordSeen(table, id, t)
	}
	if next := maxSeen.Add(-c.margin); next.After(sess.Marks.Get(table)) {
		sess.Marks.Set(table, next)
	}

	slices.SortStableFunc(d.Observations, func(a, b models.Observation) int {
		if n := strings.Compare(a.Class, b.Class); n != 0 {
			return n
		}
		if n := strings.Compare(a.ID, b.ID); n != 0 {
			return n
		}
		return a.T.Compare(b.T)
	})
	return d
}
