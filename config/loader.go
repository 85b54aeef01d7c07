package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/gantrybridge/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GANTRY"

// Loader applies the configuration layers.
type Loader struct {
	envPrefix  string
	validation bool
	getenv     func(string) string
}

// NewLoader returns a loader that reads GANTRY_* variables and validates.
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, validation: true, getenv: os.Getenv}
}

// EnableValidation enables or disables the final validation step.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load builds the configuration. An empty path skips the file layer.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		if err := decodeFile(path, data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// decodeFile decodes onto cfg, so keys absent from the file keep their
// defaults. Unknown keys are rejected.
func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return err
		}
		return nil
	default:
		if err := validateJSONDepth(data); err != nil {
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	}
}

func (l *Loader) env(key string) (string, bool, error) {
	name := l.envPrefix + "_" + key
	val := l.getenv(name)
	if val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(name, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"CONTROLLER_LISTEN":   &cfg.Controller.Listen,
		"ENGINE_LISTEN":       &cfg.Engine.Listen,
		"CATALOG_PATH":        &cfg.Catalog.Path,
		"SNAPSHOT_PATH":       &cfg.Snapshot.Path,
		"SNAPSHOT_KV_BUCKET":  &cfg.Snapshot.KVBucket,
		"NATS_URL":            &cfg.NATS.URL,
		"NATS_SUBJECT_PREFIX": &cfg.NATS.SubjectPrefix,
		"NATS_TOKEN":          &cfg.NATS.Token,
		"NATS_USER":           &cfg.NATS.User,
		"NATS_PASSWORD":       &cfg.NATS.Password,
		"WEBSOCKET_ADDR":      &cfg.WebSocket.Addr,
		"WEBSOCKET_PATH":      &cfg.WebSocket.Path,
		"METRICS_PATH":        &cfg.Metrics.Path,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
	}
	ints := map[string]*int{
		"CONTROLLER_READ_RETRIES": &cfg.Controller.ReadRetries,
		"ENGINE_REPLICATION":      &cfg.Engine.Replication,
		"METRICS_PORT":            &cfg.Metrics.Port,
	}
	durations := map[string]*Duration{
		"CONTROLLER_READ_BACKOFF":  &cfg.Controller.ReadBackoff,
		"ENGINE_HANDSHAKE_TIMEOUT": &cfg.Engine.HandshakeTimeout,
		"NATS_DRAIN_TIMEOUT":       &cfg.NATS.DrainTimeout,
	}
	bools := map[string]*bool{
		"NATS_ENABLED":      &cfg.NATS.Enabled,
		"NATS_KV":           &cfg.NATS.KV,
		"WEBSOCKET_ENABLED": &cfg.WebSocket.Enabled,
	}

	for key, dst := range strs {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}
	for key, dst := range ints {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		}
		*dst = n
	}
	for key, dst := range durations {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := dst.parse(val); err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		}
	}
	for key, dst := range bools {
		val, ok, err := l.env(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, key, err)
		}
		*dst = b
	}

	val, ok, err := l.env("ENGINE_LAUNCHER")
	if err != nil {
		return err
	}
	if ok {
		cfg.Engine.Launcher = strings.Fields(val)
	}
	return nil
}
