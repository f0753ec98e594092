package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSessionLoggerCarriesID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(Config{})

	l := Session("abc-123")
	l.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"session":"abc-123"`) || !strings.Contains(out, `"message":"hello"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Info().Msg("dropped")
	Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Fatalf("level filter not applied: %s", out)
	}
}

func TestSetLoggerRedirectsHelpers(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(zerolog.New(&buf))
	defer SetLogger(prev)

	Error().Str("table", "ship").Msg("query failed")
	sl := Session("s1")
	sl.Warn().Msg("slow client")

	out := buf.String()
	if !strings.Contains(out, `"table":"ship"`) || !strings.Contains(out, `"session":"s1"`) {
		t.Fatalf("helpers did not use the replaced logger: %s", out)
	}
}
