// Package config loads runtime settings: built-in defaults, then an optional
// TOML file, then CASCADECORE_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CASCADECORE_"

type Config struct {
	Storage   StorageConfig   `toml:"storage" envPrefix:"STORAGE_"`
	Archive   ArchiveConfig   `toml:"archive" envPrefix:"ARCHIVE_"`
	Logging   LoggingConfig   `toml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"OTEL_"`
	Deletion  DeletionConfig  `toml:"deletion" envPrefix:"DELETION_"`
}

type StorageConfig struct {
	Driver      string `toml:"driver" env:"DRIVER"` // memory, sqlite or postgres
	SQLitePath  string `toml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN string `toml:"postgres_dsn" env:"POSTGRES_DSN"`
	// ReadOnlyTypes lists entity types users may not update directly.
	// Cascade cleanup still rewrites them.
	ReadOnlyTypes []string `toml:"read_only_types" env:"READ_ONLY_TYPES" envSeparator:","`
}

// ArchiveConfig selects where tombstones of deleted entities are written.
type ArchiveConfig struct {
	Driver   string `toml:"driver" env:"DRIVER"` // none, memory, fs or s3
	Root     string `toml:"root" env:"ROOT"`
	Bucket   string `toml:"bucket" env:"BUCKET"`
	Region   string `toml:"region" env:"REGION"`
	Endpoint string `toml:"endpoint" env:"ENDPOINT"`
	Prefix   string `toml:"prefix" env:"PREFIX"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // "json" or "console"
}

// TelemetryConfig enables OTLP trace export. Tracing stays off without an
// endpoint.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" env:"ENABLED"`
	Endpoint    string `toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

type DeletionConfig struct {
	BatchLimit int           `toml:"batch_limit" env:"BATCH_LIMIT"`
	Timeout    time.Duration `toml:"timeout" env:"TIMEOUT"`
	Actor      string        `toml:"actor" env:"ACTOR"`
}

// Load builds the configuration. path may be empty, in which case only the
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overlays CASCADECORE_* variables onto target. Unset variables
// leave the current values alone.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage: postgres driver requires postgres_dsn")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case "none", "memory", "fs":
	case "s3":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive: s3 driver requires bucket")
		}
	default:
		return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
	}
	if c.Deletion.BatchLimit < 1 {
		return fmt.Errorf("deletion: batch_limit must be positive, got %d", c.Deletion.BatchLimit)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "cascadecore.db",
		},
		Archive: ArchiveConfig{
			Driver: "fs",
			Root:   "archive",
			Region: "us-east-1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cascadecore",
		},
		Deletion: DeletionConfig{
			BatchLimit: 4,
			Timeout:    30 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config { return defaults() }
