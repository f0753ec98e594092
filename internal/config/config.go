package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/PratikDhanave/position-stream-service/internal/models"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/posstream/config.yaml",
}

// DefaultPrecision is the coordinate rounding used when a table does not set one.
const DefaultPrecision = 6

// Signal modes.
const (
	SignalNotify = "notify"
	SignalPoll   = "poll"
)

// Config contains runtime configuration required by the service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Stream   StreamConfig   `koanf:"stream"`
	Tables   []Table        `koanf:"tables"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	URL string `koanf:"url"`
	// EnsureSchema applies the bundled development schema at startup.
	EnsureSchema bool `koanf:"ensure_schema"`
	// MaxConns caps the query pool. Zero keeps the pgxpool default.
	MaxConns int32 `koanf:"max_conns"`
	// MaxListeners caps the dedicated LISTEN connections, one per notify-mode stream.
	MaxListeners int `koanf:"max_listeners"`
}

// StreamConfig tunes every stream session.
type StreamConfig struct {
	WaitTimeout  time.Duration `koanf:"wait_timeout"`
	HoursBack    int           `koanf:"hours_back"`
	MaxRows      int           `koanf:"max_rows"`
	SafetyMargin time.Duration `koanf:"safety_margin"`
	Output       string        `koanf:"output"`
	Signal       string        `koanf:"signal"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// Table describes one streamed entity table.
type Table struct {
	Name string `koanf:"name"`
	// Class is the fixed entity class of every row. Ignored when ClassColumn is set.
	Class string `koanf:"class"`
	// ClassColumn names the column holding a per-row entity class.
	ClassColumn   string   `koanf:"class_column"`
	RequireCoords bool     `koanf:"require_coords"`
	Channel       string   `koanf:"channel"`
	Precision     *int     `koanf:"precision"`
	Exclude       []string `koanf:"exclude"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{MaxListeners: 100},
		Stream: StreamConfig{
			WaitTimeout:  55 * time.Second,
			HoursBack:    6,
			MaxRows:      10000,
			SafetyMargin: 300 * time.Second,
			Output:       string(models.LayoutGrouped),
			Signal:       SignalNotify,
			PollInterval: 10 * time.Second,
		},
		Tables: []Table{
			{Name: "ship", Class: "ship"},
			{Name: "drifter", Class: "drifter", RequireCoords: true},
			{Name: "glider", ClassColumn: "grp"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds Config from defaults, an optional YAML file and the environment,
// in increasing order of precedence.
func Load() (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyTableDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envMappings maps environment variables to config paths.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	"db_url":               "database.url",
	"database_url":         "database.url",
	"ensure_schema":        "database.ensure_schema",
	"db_max_conns":         "database.max_conns",
	"db_max_listeners":     "database.max_listeners",
	"http_addr":            "server.addr",
	"stream_wait_timeout":  "stream.wait_timeout",
	"stream_hours_back":    "stream.hours_back",
	"stream_max_rows":      "stream.max_rows",
	"stream_safety_margin": "stream.safety_margin",
	"stream_output":        "stream.output",
	"stream_signal":        "stream.signal",
	"stream_poll_interval": "stream.poll_interval",
	"log_level":            "logging.level",
	"log_format":           "logging.format",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func (c *Config) applyTableDefaults() {
	for i := range c.Tables {
		t := &c.Tables[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.Class == "" && t.ClassColumn == "" {
			t.Class = t.Name
		}
		if t.Channel == "" {
			t.Channel = t.Name + "_updated"
		}
	}
}

// Validate rejects configurations the stream driver cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return errors.New("config: DB_URL required")
	}
	if c.Database.MaxConns < 0 {
		return errors.New("config: database.max_conns must not be negative")
	}
	if c.Database.MaxListeners <= 0 {
		return errors.New("config: database.max_listeners must be positive")
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must be set")
	}

	s := c.Stream
	if s.WaitTimeout <= 0 {
		return errors.New("config: stream.wait_timeout must be positive")
	}
	if s.HoursBack <= 0 {
		return errors.New("config: stream.hours_back must be positive")
	}
	if s.MaxRows <= 0 {
		return errors.New("config: stream.max_rows must be positive")
	}
	if s.SafetyMargin < 0 {
		return errors.New("config: stream.safety_margin must not be negative")
	}
	switch models.Layout(s.Output) {
	case models.LayoutGrouped, models.LayoutFlat:
	default:
		return fmt.Errorf("config: stream.output must be %q or %q, got %q", models.LayoutGrouped, models.LayoutFlat, s.Output)
	}
	switch s.Signal {
	case SignalNotify:
	case SignalPoll:
		if s.PollInterval <= 0 {
			return errors.New("config: stream.poll_interval must be positive")
		}
	default:
		return fmt.Errorf("config: stream.signal must be %q or %q, got %q", SignalNotify, SignalPoll, s.Signal)
	}

	if len(c.Tables) == 0 {
		return errors.New("config: at least one table required")
	}
	names := map[string]bool{}
	for _, t := range c.Tables {
		if t.Name == "" {
			return errors.New("config: table name required")
		}
		if names[t.Name] {
			return fmt.Errorf("config: duplicate table %q", t.Name)
		}
		names[t.Name] = true
		if t.Class == models.ErrorsKey {
			return fmt.Errorf("config: table %q: class %q is reserved", t.Name, models.ErrorsKey)
		}
		if t.ClassColumn != "" {
			for _, e := range t.Exclude {
				if !strings.Contains(e, ",") {
					return fmt.Errorf("config: table %q: exclusion %q needs the form class,id", t.Name, e)
				}
			}
		}
		if t.Precision != nil && *t.Precision > 15 {
			return fmt.Errorf("config: table %q: precision %d out of range", t.Name, *t.Precision)
		}
	}
	return nil
}

// Layout returns the configured output grouping.
func (s StreamConfig) Layout() models.Layout {
	return models.Layout(s.Output)
}

// Digits returns the table's coordinate rounding precision.
func (t Table) Digits() int {
	if t.Precision == nil {
		return DefaultPrecision
	}
	return *t.Precision
}

// Exclusions parses the exclude list. Entries are "class,id" or, for tables
// with a fixed class, a bare id.
func (t Table) Exclusions() []models.Identity {
	out := make([]models.Identity, 0, len(t.Exclude))
	for _, e := range t.Exclude {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if class, id, ok := strings.Cut(e, ","); ok {
			out = append(out, models.Identity{Class: strings.TrimSpace(class), ID: strings.TrimSpace(id)})
			continue
		}
		out = append(out, models.Identity{Class: t.Class, ID: e})
	}
	return out
}
