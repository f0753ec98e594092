// Package watermark holds the per-session incremental-fetch state: one
// low-water mark per table and, per table, the last delivered timestamp of
// every identity seen so far.
//
// A Store is owned by exactly one stream session and is not safe for
// concurrent use. It never validates what it is given; keeping the
// watermark non-decreasing is the delta computer's job.
package watermark

import (
	"time"

	"github.com/PratikDhanave/position-stream-service/internal/models"
)

// Store is an in-memory watermark and identity cache.
type Store struct {
	floor  time.Time
	latest map[string]time.Time
	seen   map[string]map[models.Identity]time.Time
}

// New returns a store whose tables all start at floor until Set is called.
func New(floor time.Time) *Store {
	return &Store{
		floor:  floor.UTC(),
		latest: map[string]time.Time{},
		seen:   map[string]map[models.Identity]time.Time{},
	}
}

// Yesterday returns midnight UTC of the day before now.
func Yesterday(now time.Time) time.Time {
	y, m, d := now.UTC().AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Get returns the table's watermark.
func (s *Store) Get(table string) time.Time {
	if t, ok := s.latest[table]; ok {
		return t
	}
	return s.floor
}

// Set replaces the table's watermark.
func (s *Store) Set(table string, t time.Time) {
	s.latest[table] = t.UTC()
}

// LastSeen returns the last delivered timestamp for id in table.
func (s *Store) LastSeen(table string, id models.Identity) (time.Time, bool) {
	t, ok := s.seen[table][id]
	return t, ok
}

// RecordSeen stores t as the last delivered timestamp for id in table.
func (s *Store) RecordSeen(table string, id models.Identity, t time.Time) {
	m, ok := s.seen[table]
	if !ok {
		m = map[models.Identity]time.Time{}
		s.seen[table] = m
	}
	m[id] = t.UTC()
}

// Seen returns how many identities are cached for table.
func (s *Store) Seen(table string) int {
	return len(s.seen[table])
}
