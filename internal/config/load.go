package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads, decodes and validates the config file at path. YAML and JSON
// are both accepted; a YAML file is re-marshaled to JSON first so one strict
// decoder (DisallowUnknownFields) covers both formats and catches typo'd keys.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config read: %w", err)
	}

	var cfg Config
	if err := decodeInto(path, data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields whose errors should surface at startup, not at
// first use deep inside a component.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("config: telegram.token is required")
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		// path checked by the store on open
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Secret) == "" {
		return errors.New("config: http.secret is required when http.enabled")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.send_timeout", c.Telegram.SendTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"provider.timeout", c.Provider.Timeout},
		{"dispatch.late_tolerance", c.Dispatch.LateTolerance},
		{"dispatch.early_tolerance", c.Dispatch.EarlyTolerance},
		{"dispatch.claim_stale_after", c.Dispatch.ClaimStaleAfter},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if raw := strings.TrimSpace(c.Schedule.EveningTime); raw != "" {
		if len(raw) != 5 || raw[2] != ':' {
			return fmt.Errorf("config: schedule.evening_time must be HH:MM, got %q", raw)
		}
	}
	return nil
}

// ParseDurationField parses one duration-string config field. Empty is
// allowed and parses to zero so optional fields can stay unset; negative
// durations are rejected because every consumer here treats them as windows
// or timeouts.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("config: %s: bad duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("config: %s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an unset (or zero) field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// decodeInto strictly decodes data (JSON, or YAML coerced through JSON) into
// cfg.
func decodeInto(path string, data []byte, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var tree any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("config yaml: %w", err)
		}
		j, err := json.Marshal(stringKeyed(tree))
		if err != nil {
			return fmt.Errorf("config yaml: %w", err)
		}
		data = j
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config decode: %w", err)
	}
	return nil
}

// stringKeyed rewrites every map key in a decoded YAML tree to a string so
// the tree can round-trip through encoding/json. go.yaml.in/yaml/v3 already
// decodes plain mappings as map[string]any; any-keyed maps only show up for
// exotic scalar keys, which config files should not have but must not crash on.
func stringKeyed(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = stringKeyed(child)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprint(k)] = stringKeyed(child)
		}
		return out
	case []any:
		for i, child := range t {
			t[i] = stringKeyed(child)
		}
		return t
	default:
		return v
	}
}
