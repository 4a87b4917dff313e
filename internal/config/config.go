// Package config loads the mesh ingester's layered configuration: a JSON
// source-descriptor file overlaid with environment variables, following the
// same koanf-based pattern used throughout this codebase's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceConfig describes one region-scoped MQTT broker entry from the
// top-level sources configuration file.
type SourceConfig struct {
	Broker           string `koanf:"broker"`
	Port             int    `koanf:"port"`
	Username         string `koanf:"username"`
	Password         string `koanf:"password"`
	Topic            string `koanf:"topic"`
	CacheFile        string `koanf:"cache_file"`
	Enabled          bool   `koanf:"enabled"`
	PublishToWesense bool   `koanf:"publish_to_wesense"`
}

// ServiceConfig carries ambient process settings not named by any single
// source.
type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	StatsIntervalSeconds   int    `koanf:"stats_interval_seconds"`
	IngestionNodeID        string `koanf:"ingestion_node_id"`
	// MeshtasticMode is "community" (default), "downlink", or the legacy
	// "public" whole-feed mode. Each yields a distinct data_source and
	// downstream MQTT source label; see model.DataSourceLabel and
	// model.MQTTSourceLabel.
	MeshtasticMode string `koanf:"meshtastic_mode"`
}

// ClickhouseConfig configures the analytical store connection.
type ClickhouseConfig struct {
	Host            string `koanf:"host"`
	Port            int    `koanf:"port"`
	Database        string `koanf:"database"`
	Table           string `koanf:"table"`
	User            string `koanf:"user"`
	Password        string `koanf:"password"`
	BatchSize       int    `koanf:"batch_size"`
	FlushIntervalMs int    `koanf:"flush_interval_ms"`
}

// PublisherConfig configures the downstream decoded-reading publisher.
type PublisherConfig struct {
	Broker   string `koanf:"broker"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// CryptoConfig configures channel decryption.
type CryptoConfig struct {
	ChannelKeyBase64 string `koanf:"channel_key_base64"`
}

// GeocodeConfig configures the reverse geocoder's default implementation.
type GeocodeConfig struct {
	BoundariesPath string `koanf:"boundaries_path"`
}

// DiagnosticsConfig configures the best-effort decode-failure capture
// sink, the successor to the teacher's store_raw_bytes(_compress) knobs.
type DiagnosticsConfig struct {
	DecodeFailureSinkPath string `koanf:"decode_failure_sink_path"`
}

// Config is the root configuration object.
type Config struct {
	Service     ServiceConfig           `koanf:"service"`
	Clickhouse  ClickhouseConfig        `koanf:"clickhouse"`
	Publisher   PublisherConfig         `koanf:"publisher"`
	Crypto      CryptoConfig            `koanf:"crypto"`
	Geocode     GeocodeConfig           `koanf:"geocode"`
	Diagnostics DiagnosticsConfig       `koanf:"diagnostics"`
	Sources     map[string]SourceConfig `koanf:"sources"`
}

// Load reads the JSON source-descriptor file at path (if non-empty), overlays
// environment variables, fills in defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// MESH_INGESTER_CLICKHOUSE__HOST -> clickhouse.host
	if err := k.Load(env.Provider("MESH_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MESH_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "mesh-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			StatsIntervalSeconds:   10,
			MeshtasticMode:         "community",
		},
		Clickhouse: ClickhouseConfig{
			Port:            9000,
			Table:           "mesh_readings",
			BatchSize:       100,
			FlushIntervalMs: 10000,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Service.IngestionNodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Service.IngestionNodeID = host
		}
	}

	normalizeSourceLabels(cfg)
	overrideFromLegacyEnv(cfg)

	if cfg.Service.MeshtasticMode == "" {
		cfg.Service.MeshtasticMode = "community"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizeSourceLabels strips the optional "untested_" prefix from source
// labels, matching the legacy config format's convention for experimental
// region entries.
func normalizeSourceLabels(cfg *Config) {
	if len(cfg.Sources) == 0 {
		return
	}
	normalized := make(map[string]SourceConfig, len(cfg.Sources))
	for label, src := range cfg.Sources {
		normalized[strings.TrimPrefix(label, "untested_")] = src
	}
	cfg.Sources = normalized
}

// overrideFromLegacyEnv applies the flat BATCH_SIZE / FLUSH_INTERVAL style
// environment variables the external interface names alongside the
// namespaced MESH_INGESTER_* ones, matching the original process's
// environment surface.
func overrideFromLegacyEnv(cfg *Config) {
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Clickhouse.BatchSize = n
		}
	}
	if v := os.Getenv("FLUSH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Clickhouse.FlushIntervalMs = n * 1000
		}
	}
	if v := os.Getenv("STATS_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Service.StatsIntervalSeconds = n
		}
	}
	if v := os.Getenv("INGESTION_NODE_ID"); v != "" {
		cfg.Service.IngestionNodeID = v
	}
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one entry under sources is required")
	}
	enabledCount := 0
	for label, src := range c.Sources {
		if src.Broker == "" {
			return fmt.Errorf("config: sources.%s.broker is required", label)
		}
		if src.Topic == "" {
			return fmt.Errorf("config: sources.%s.topic is required", label)
		}
		if src.Port <= 0 {
			return fmt.Errorf("config: sources.%s.port must be > 0 (got %d)", label, src.Port)
		}
		if src.Enabled {
			enabledCount++
		}
	}
	if enabledCount == 0 {
		return fmt.Errorf("config: at least one source must have enabled=true")
	}
	if c.Clickhouse.Host == "" {
		return fmt.Errorf("config: clickhouse.host is required")
	}
	if c.Clickhouse.Database == "" {
		return fmt.Errorf("config: clickhouse.database is required")
	}
	if c.Clickhouse.BatchSize <= 0 {
		return fmt.Errorf("config: clickhouse.batch_size must be > 0 (got %d)", c.Clickhouse.BatchSize)
	}
	if c.Clickhouse.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: clickhouse.flush_interval_ms must be > 0 (got %d)", c.Clickhouse.FlushIntervalMs)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Service.StatsIntervalSeconds <= 0 {
		return fmt.Errorf("config: service.stats_interval_seconds must be > 0 (got %d)", c.Service.StatsIntervalSeconds)
	}
	return nil
}

// FlushInterval returns the analytical writer's time-trigger as a duration.
func (c *ClickhouseConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}
