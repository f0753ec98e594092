package watermark

import (
	"testing"
	"time"

	"github.com/PratikDhanave/position-stream-service/internal/models"
)

func TestYesterday(t *testing.T) {
	now := time.Date(2026, 3, 1, 15, 4, 5, 0, time.FixedZone("HST", -10*3600))
	got := Yesterday(now)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Yesterday = %v, want %v", got, want)
	}
}

func TestStoreGetFallsBackToFloor(t *testing.T) {
	floor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(floor)

	if got := s.Get("ship"); !got.Equal(floor) {
		t.Fatalf("Get = %v, want floor %v", got, floor)
	}

	later := floor.Add(time.Hour)
	s.Set("ship", later)
	if got := s.Get("ship"); !got.Equal(later) {
		t.Fatalf("Get = %v, want %v", got, later)
	}
	if got := s.Get("glider"); !got.Equal(floor) {
		t.Fatalf("other table moved: %v", got)
	}
}

func TestStoreIdentityCache(t *testing.T) {
	s := New(time.Time{})
	id := models.Identity{Class: "ship", ID: "Revelle"}

	if _, ok := s.LastSeen("ship", id); ok {
		t.Fatal("fresh store reported a cached identity")
	}

	ts := time.Unix(200, 0)
	s.RecordSeen("ship", id, ts)
	got, ok := s.LastSeen("ship", id)
	if !ok || !got.Equal(ts) {
		t.Fatalf("LastSeen = %v,%v want %v,true", got, ok, ts)
	}
	if _, ok := s.LastSeen("drifter", id); ok {
		t.Fatal("cache leaked across tables")
	}
	if s.Seen("ship") != 1 || s.Seen("drifter") != 0 {
		t.Fatalf("Seen counts wrong: ship=%d drifter=%d", s.Seen("ship"), s.Seen("drifter"))
	}
}
