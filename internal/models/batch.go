package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ErrorsKey is the reserved payload key carrying recovered error descriptors.
// No entity class may use it.
const ErrorsKey = "errors"

// Layout selects how a batch groups its observations on the wire.
type Layout string

const (
	// LayoutGrouped emits {"<class>": [...], ...}.
	LayoutGrouped Layout = "grouped"
	// LayoutFlat emits a single array of observations.
	LayoutFlat Layout = "flat"
)

// QueryError describes a recovered failure: which query (or stage) failed and why.
type QueryError struct {
	Query   string `json:"query"`
	Message string `json:"message"`
}

// ErrorLog accumulates recovered errors until the next emitted event drains it.
type ErrorLog struct {
	items []QueryError
}

// Add records err under the given query name. A nil err is ignored.
func (l *ErrorLog) Add(query string, err error) {
	if err == nil {
		return
	}
	l.items = append(l.items, QueryError{Query: query, Message: err.Error()})
}

// Addf records a formatted message under the given query name.
func (l *ErrorLog) Addf(query, format string, args ...any) {
	l.items = append(l.items, QueryError{Query: query, Message: fmt.Sprintf(format, args...)})
}

// Len returns the number of pending descriptors.
func (l *ErrorLog) Len() int {
	return len(l.items)
}

// Drain returns the pending descriptors and clears the log.
func (l *ErrorLog) Drain() []QueryError {
	out := l.items
	l.items = nil
	return out
}

// Batch is the payload of one emitted event: observations of one or more
// deltas plus any recovered errors.
type Batch struct {
	layout Layout
	groups map[string][]Observation
	order  []string
	Errors []QueryError
}

// NewBatch returns an empty batch rendered with the given layout.
func NewBatch(layout Layout) *Batch {
	if layout == "" {
		layout = LayoutGrouped
	}
	return &Batch{layout: layout, groups: map[string][]Observation{}}
}

// Add merges a delta into the batch, keeping classes in first-seen order.
func (b *Batch) Add(d Delta) {
	for _, o := range d.Observations {
		if _, ok := b.groups[o.Class]; !ok {
			b.order = append(b.order, o.Class)
		}
		b.groups[o.Class] = append(b.groups[o.Class], o)
	}
}

// AddErrors appends recovered error descriptors.
func (b *Batch) AddErrors(errs ...QueryError) {
	b.Errors = append(b.Errors, errs...)
}

// Len returns the number of observations in the batch.
func (b *Batch) Len() int {
	n := 0
	for _, obs := range b.groups {
		n += len(obs)
	}
	return n
}

// Empty reports whether the batch has neither observations nor errors.
func (b *Batch) Empty() bool {
	return b.Len() == 0 && len(b.Errors) == 0
}

type groupedObservation struct {
	ID  string  `json:"id"`
	T   int64   `json:"t"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type flatObservation struct {
	Class string  `json:"class"`
	ID    string  `json:"id"`
	T     int64   `json:"t"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
}

// MarshalJSON renders the batch in its wire shape.
func (b *Batch) MarshalJSON() ([]byte, error) {
	if b.layout == LayoutFlat {
		return b.marshalFlat()
	}

	out := make(map[string]any, len(b.groups)+1)
	for class, obs := range b.groups {
		rows := make([]groupedObservation, len(obs))
		for i, o := range obs {
			rows[i] = groupedObservation{ID: o.ID, T: o.T.Unix(), Lat: o.Lat, Lon: o.Lon}
		}
		out[class] = rows
	}
	if len(b.Errors) > 0 {
		out[ErrorsKey] = b.Errors
	}
	return json.Marshal(out)
}

func (b *Batch) marshalFlat() ([]byte, error) {
	rows := make([]flatObservation, 0, b.Len())
	for _, class := range b.order {
		for _, o := range b.groups[class] {
			rows = append(rows, flatObservation{Class: o.Class, ID: o.ID, T: o.T.Unix(), Lat: o.Lat, Lon: o.Lon})
		}
	}
	if len(b.Errors) == 0 {
		return json.Marshal(rows)
	}
	// An array cannot carry the errors key, so errors switch the payload to an object.
	return json.Marshal(struct {
		Positions []flatObservation `json:"positions"`
		Errors    []QueryError      `json:"errors"`
	}{rows, b.Errors})
}

// Keepalive is the payload emitted when a wait times out with nothing to report.
func Keepalive() []byte {
	return []byte("{}")
}
