// Package config loads synaptic-view settings from defaults, an optional YAML
// file and SYNVIEW_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SYNVIEW_"

// Config contains all synaptic-view settings.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Grid       GridConfig       `yaml:"grid"`
	Inspector  InspectorConfig  `yaml:"inspector"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// SimulationConfig controls the tick schedule and its publication cadences.
type SimulationConfig struct {
	// TickRate is the target number of ticks per second.
	TickRate float64 `yaml:"tick_rate"`

	// SnapshotEvery publishes a snapshot to the inspector every N ticks.
	SnapshotEvery int `yaml:"snapshot_every"`

	// IdentityRefreshEvery pushes the live identity list every N ticks.
	IdentityRefreshEvery int `yaml:"identity_refresh_every"`

	// MaxTicks stops the simulation after N ticks; 0 runs until cancelled.
	MaxTicks uint64 `yaml:"max_ticks"`

	// Accelerated runs ticks back to back instead of pacing them.
	Accelerated bool `yaml:"accelerated"`

	// Behavior selects the movement rule: "drift", "bounce" or "static".
	Behavior string `yaml:"behavior"`
}

// GridConfig describes the board.
type GridConfig struct {
	Width    int     `yaml:"width"`
	Height   int     `yaml:"height"`
	CellSize float64 `yaml:"cell_size"`
}

// InspectorConfig controls the inspector surfaces. An empty address
// disables that surface.
type InspectorConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// RenderEvery draws the text grid every N ticks; 0 disables it.
	RenderEvery int `yaml:"render_every"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the stock settings: 60 ticks per
// second, a snapshot every 15 ticks and an identity refresh every 60.
func Default() *Config {
	return &Config{
		Simulation: SimulationConfig{
			TickRate:             60,
			SnapshotEvery:        15,
			IdentityRefreshEvery: 60,
			Behavior:             "drift",
		},
		Grid: GridConfig{Width: 20, Height: 15, CellSize: 40},
		Inspector: InspectorConfig{
			HTTPAddr: "127.0.0.1:8089",
			GRPCAddr: "127.0.0.1:50061",
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9090"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{Exporter: "stdout", SampleRatio: 1},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables found through lookup.
// Malformed values are reported, not ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := get(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s=%q is not a number", ErrInvalid, EnvPrefix, name, v))
				return
			}
			*dst = f
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalid, EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	setUint := func(name string, dst *uint64) {
		if v, ok := get(name); ok {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s=%q is not a non-negative integer", ErrInvalid, EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	setFloat("TICK_RATE", &c.Simulation.TickRate)
	setInt("SNAPSHOT_EVERY", &c.Simulation.SnapshotEvery)
	setInt("IDENTITY_REFRESH_EVERY", &c.Simulation.IdentityRefreshEvery)
	setUint("MAX_TICKS", &c.Simulation.MaxTicks)
	setBool("ACCELERATED", &c.Simulation.Accelerated)
	setString("BEHAVIOR", &c.Simulation.Behavior)
	setInt("GRID_WIDTH", &c.Grid.Width)
	setInt("GRID_HEIGHT", &c.Grid.Height)
	setFloat("GRID_CELL_SIZE", &c.Grid.CellSize)
	setString("HTTP_ADDR", &c.Inspector.HTTPAddr)
	setString("GRPC_ADDR", &c.Inspector.GRPCAddr)
	setInt("RENDER_EVERY", &c.Inspector.RenderEvery)
	setString("METRICS_ADDR", &c.Metrics.Addr)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	setBool("TRACING_ENABLED", &c.Tracing.Enabled)
	setString("TRACING_EXPORTER", &c.Tracing.Exporter)
	setString("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	setFloat("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	return errors.Join(errs...)
}

// Validate checks every field. Out-of-range values are rejected rather than
// clamped.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	s := c.Simulation
	if !(s.TickRate > 0) || math.IsInf(s.TickRate, 0) || s.TickRate > 1e6 {
		fail("simulation.tick_rate", "must be in (0, 1e6], got %v", s.TickRate)
	}
	if s.SnapshotEvery <= 0 {
		fail("simulation.snapshot_every", "must be a positive integer, got %d", s.SnapshotEvery)
	}
	if s.IdentityRefreshEvery <= 0 {
		fail("simulation.identity_refresh_every", "must be a positive integer, got %d", s.IdentityRefreshEvery)
	}
	switch strings.ToLower(s.Behavior) {
	case "drift", "bounce", "static":
	default:
		fail("simulation.behavior", "must be drift, bounce or static, got %q", s.Behavior)
	}

	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		fail("grid", "must have positive width and height, got %dx%d", c.Grid.Width, c.Grid.Height)
	}
	if !(c.Grid.CellSize > 0) || math.IsInf(c.Grid.CellSize, 0) {
		fail("grid.cell_size", "must be positive, got %v", c.Grid.CellSize)
	}

	if c.Inspector.RenderEvery < 0 {
		fail("inspector.render_every", "must not be negative, got %d", c.Inspector.RenderEvery)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		fail("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		fail("logging.format", "must be text or json, got %q", c.Logging.Format)
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 || math.IsNaN(c.Tracing.SampleRatio) {
		fail("tracing.sample_ratio", "must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "stdout", "otlp", "otlpgrpc":
	default:
		fail("tracing.exporter", "must be stdout or otlp, got %q", c.Tracing.Exporter)
	}

	return errors.Join(errs...)
}
