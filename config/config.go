// Package config loads the bridge configuration: built-in defaults, then an
// optional JSON or YAML file, then GANTRY_* environment overrides, then
// validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/c360/gantrybridge/errors"
)

// Duration is a time.Duration written as a string ("60s") in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ControllerConfig configures the controller-facing XML listener.
type ControllerConfig struct {
	Listen        string   `json:"listen"          yaml:"listen"`
	ReadRetries   int      `json:"read_retries"    yaml:"read_retries"`
	ReadBackoff   Duration `json:"read_backoff"    yaml:"read_backoff"`
	MaxStanzaSize int      `json:"max_stanza_size" yaml:"max_stanza_size"`
}

// EngineConfig configures the simulator-facing packet listener and launcher.
type EngineConfig struct {
	Listen           string   `json:"listen"            yaml:"listen"`
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	Replication      int      `json:"replication"       yaml:"replication"`
	// Launcher is the engine command line. {replication} and {port} are
	// substituted. Empty waits for an externally started engine.
	Launcher []string `json:"launcher" yaml:"launcher"`
}

// CatalogConfig points at the device catalog.
type CatalogConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SnapshotConfig configures the persisted last snapshot.
type SnapshotConfig struct {
	Path     string `json:"path"      yaml:"path"`
	KVBucket string `json:"kv_bucket" yaml:"kv_bucket"`
}

// NATSConfig configures the optional NATS sink.
type NATSConfig struct {
	Enabled       bool   `json:"enabled"        yaml:"enabled"`
	URL           string `json:"url"            yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	Token         string `json:"token"          yaml:"token"`
	User          string `json:"user"           yaml:"user"`
	Password      string `json:"password"       yaml:"password"`
	KV            bool   `json:"kv"             yaml:"kv"`
	// DrainTimeout bounds the flush of pending publishes on shutdown.
	DrainTimeout Duration `json:"drain_timeout" yaml:"drain_timeout"`
}

// WebSocketConfig configures the optional telemetry feed.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr"    yaml:"addr"`
	Path    string `json:"path"    yaml:"path"`
}

// MetricsConfig configures the /metrics and /health server. Port 0 disables.
type MetricsConfig struct {
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path" yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the complete bridge configuration.
type Config struct {
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	Engine     EngineConfig     `json:"engine"     yaml:"engine"`
	Catalog    CatalogConfig    `json:"catalog"    yaml:"catalog"`
	Snapshot   SnapshotConfig   `json:"snapshot"   yaml:"snapshot"`
	NATS       NATSConfig       `json:"nats"       yaml:"nats"`
	WebSocket  WebSocketConfig  `json:"websocket"  yaml:"websocket"`
	Metrics    MetricsConfig    `json:"metrics"    yaml:"metrics"`
	Log        LogConfig        `json:"log"        yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			Listen:        "127.0.0.1:9999",
			ReadRetries:   5,
			ReadBackoff:   Duration(50 * time.Millisecond),
			MaxStanzaSize: 16 * 1024 * 1024,
		},
		Engine: EngineConfig{
			Listen:           "localhost:1251",
			HandshakeTimeout: Duration(60 * time.Second),
			Replication:      31334,
		},
		Catalog:  CatalogConfig{Path: "sokp.xml"},
		Snapshot: SnapshotConfig{Path: "last_measurements.xml", KVBucket: "GANTRY_SNAPSHOT"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "gantry",
			DrainTimeout:  Duration(5 * time.Second),
		},
		WebSocket: WebSocketConfig{Addr: ":8081", Path: "/ws"},
		Metrics:   MetricsConfig{Port: 9090, Path: "/metrics"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if err := validateAddr(c.Controller.Listen); err != nil {
		add("controller.listen: %v", err)
	}
	if c.Controller.ReadRetries < 0 {
		add("controller.read_retries must be >= 0, got %d", c.Controller.ReadRetries)
	}
	if c.Controller.ReadBackoff < 0 {
		add("controller.read_backoff must be >= 0, got %s", c.Controller.ReadBackoff)
	}
	if c.Controller.MaxStanzaSize <= 0 {
		add("controller.max_stanza_size must be positive, got %d", c.Controller.MaxStanzaSize)
	}
	if err := validateAddr(c.Engine.Listen); err != nil {
		add("engine.listen: %v", err)
	}
	if c.Engine.HandshakeTimeout <= 0 {
		add("engine.handshake_timeout must be positive, got %s", c.Engine.HandshakeTimeout)
	}
	if c.Engine.Replication <= 0 {
		add("engine.replication must be positive, got %d", c.Engine.Replication)
	}
	if c.Catalog.Path == "" {
		add("catalog.path is required")
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			add("nats.url is required when nats is enabled")
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			add("nats.subject_prefix %q is not a valid subject token", c.NATS.SubjectPrefix)
		}
		if (c.NATS.User == "") != (c.NATS.Password == "") {
			add("nats.user and nats.password must be set together")
		}
		if c.NATS.DrainTimeout < 0 {
			add("nats.drain_timeout must not be negative, got %s", c.NATS.DrainTimeout.Std())
		}
		if c.NATS.KV && c.Snapshot.KVBucket == "" {
			add("snapshot.kv_bucket is required when nats.kv is enabled")
		}
	}
	if c.WebSocket.Enabled {
		if c.WebSocket.Addr == "" {
			add("websocket.addr is required when websocket is enabled")
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			add("websocket.path must start with '/', got %q", c.WebSocket.Path)
		}
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port out of range: %d", c.Metrics.Port)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format %q is not one of json, text", c.Log.Format)
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
