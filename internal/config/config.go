// Package config loads the daemon configuration: a YAML file with strict
// decoding, overridable through RELAY_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	// UsersDir holds one JSON record per managed account (file driver) and
	// is watched for new registrations.
	UsersDir string `yaml:"users_dir" envconfig:"USERS_DIR"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Join    JoinConfig    `yaml:"join"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `yaml:"poll_timeout" envconfig:"POLL_TIMEOUT"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	storage: { driver: "sqlite", path: "./relay.db" }
type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"STORAGE_DRIVER"`
	Path   string `yaml:"path" envconfig:"STORAGE_PATH"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `yaml:"busy_timeout" envconfig:"STORAGE_BUSY_TIMEOUT"`
}

type LoggingConfig struct {
	Level   string `yaml:"level" envconfig:"LOG_LEVEL"`
	Console bool   `yaml:"console" envconfig:"LOG_CONSOLE"`
	File    string `yaml:"file" envconfig:"LOG_FILE"`
}

// JoinConfig tunes auto-join pacing. All durations are Go duration strings.
type JoinConfig struct {
	PerHour  int    `yaml:"per_hour" envconfig:"JOINS_PER_HOUR"`
	MinDelay string `yaml:"min_delay" envconfig:"JOIN_MIN_DELAY"`
	MaxDelay string `yaml:"max_delay" envconfig:"JOIN_MAX_DELAY"`
}

// Load reads the YAML file at path (optional: a missing file yields
// defaults) and applies RELAY_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		UsersDir: "./users",
		Storage:  StorageConfig{Driver: "file"},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			dec := yaml.NewDecoder(bytes.NewReader(b))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults + env only
		default:
			return Config{}, err
		}
	}

	if err := envconfig.Process("relay", &cfg); err != nil {
		return Config{}, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.UsersDir == "" {
		return errors.New("users_dir must not be empty")
	}
	if _, err := ParseDurationField("poll_timeout", c.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("join.min_delay", c.Join.MinDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("join.max_delay", c.Join.MaxDelay); err != nil {
		return err
	}
	return nil
}

// PollTimeoutDuration returns the parsed poll timeout, zero when unset.
func (c Config) PollTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("poll_timeout", c.PollTimeout)
	return d
}

// BusyTimeoutDuration returns the parsed sqlite busy timeout, zero when
// unset.
func (c StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return d
}

// MinDelayDuration returns the parsed inter-join jitter floor, zero when
// unset (the limiter applies its own default).
func (c JoinConfig) MinDelayDuration() time.Duration {
	d, _ := ParseDurationField("join.min_delay", c.MinDelay)
	return d
}

// MaxDelayDuration returns the parsed inter-join jitter ceiling, zero when
// unset.
func (c JoinConfig) MaxDelayDuration() time.Duration {
	d, _ := ParseDurationField("join.max_delay", c.MaxDelay)
	return d
}

// ParseDurationField parses an optional Go duration config field; empty
// means zero.
func ParseDurationField(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}
