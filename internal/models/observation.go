package models

import (
	"math"
	"time"
)

// Identity is the composite key of a tracked object: its entity class plus
// the identifier it carries inside that class.
type Identity struct {
	Class string
	ID    string
}

// String renders the identity as "class,id", the form used by exclusion lists.
func (i Identity) String() string {
	return i.Class + "," + i.ID
}

// Observation is one entity's position at one instant.
// Values are built once at the source boundary and never mutated afterwards.
type Observation struct {
	Class string
	ID    string
	T     time.Time
	Lat   float64
	Lon   float64
}

// Identity returns the observation's composite key.
func (o Observation) Identity() Identity {
	return Identity{Class: o.Class, ID: o.ID}
}

// NewObservation builds an Observation with coordinates rounded to precision
// decimal digits. A negative precision keeps full resolution.
func NewObservation(class, id string, t time.Time, lat, lon float64, precision int) Observation {
	return Observation{
		Class: class,
		ID:    id,
		T:     t.UTC(),
		Lat:   Round(lat, precision),
		Lon:   Round(lon, precision),
	}
}

// Round rounds v to the given number of decimal digits.
func Round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	p := math.Pow10(precision)
	return math.Round(v*p) / p
}

// ValidCoordinates reports whether lat/lon are finite and inside WGS84 bounds.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Delta is the output of one fetch cycle for one table.
type Delta struct {
	Table        string
	Observations []Observation
}

// Empty reports whether the cycle produced nothing to deliver.
func (d Delta) Empty() bool {
	return len(d.Observations) == 0
}
