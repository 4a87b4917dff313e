package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			StatsIntervalSeconds:   10,
		},
		Clickhouse: ClickhouseConfig{
			Host:            "localhost",
			Port:            9000,
			Database:        "mesh",
			Table:           "mesh_readings",
			BatchSize:       100,
			FlushIntervalMs: 10000,
		},
		Sources: map[string]SourceConfig{
			"US": {Broker: "mqtt.example.org", Port: 1883, Topic: "msh/US/#", Enabled: true},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoSources(t *testing.T) {
	cfg := validConfig()
	cfg.Sources = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty sources")
	}
}

func TestValidate_NoEnabledSources(t *testing.T) {
	cfg := validConfig()
	cfg.Sources["US"] = SourceConfig{Broker: "x", Port: 1, Topic: "y", Enabled: false}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no source is enabled")
	}
}

func TestValidate_SourceMissingBroker(t *testing.T) {
	cfg := validConfig()
	cfg.Sources["US"] = SourceConfig{Port: 1883, Topic: "t", Enabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing broker")
	}
}

func TestValidate_NoClickhouseHost(t *testing.T) {
	cfg := validConfig()
	cfg.Clickhouse.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty clickhouse host")
	}
}

func TestValidate_BatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Clickhouse.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for batch_size = 0")
	}
}

func TestValidate_FlushIntervalZero(t *testing.T) {
	cfg := validConfig()
	cfg.Clickhouse.FlushIntervalMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for flush_interval_ms = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalJSON(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "sources.json")
	doc := map[string]any{
		"clickhouse": map[string]any{
			"host":     "localhost",
			"database": "mesh",
		},
		"sources": map[string]any{
			"US":           map[string]any{"broker": "mqtt.example.org", "port": 1883, "topic": "msh/US/#", "enabled": true},
			"untested_EU2": map[string]any{"broker": "mqtt2.example.org", "port": 1883, "topic": "msh/EU/#", "enabled": false},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_StripsUntestedPrefix(t *testing.T) {
	p := writeMinimalJSON(t)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := cfg.Sources["EU2"]; !ok {
		t.Errorf("expected untested_ prefix stripped, got keys %v", keysOf(cfg.Sources))
	}
	if _, ok := cfg.Sources["untested_EU2"]; ok {
		t.Errorf("expected untested_ key to be gone")
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalJSON(t)
	t.Setenv("MESH_INGESTER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_LegacyBatchSizeEnv(t *testing.T) {
	p := writeMinimalJSON(t)
	t.Setenv("BATCH_SIZE", "250")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Clickhouse.BatchSize != 250 {
		t.Errorf("expected batch size 250 from legacy env, got %d", cfg.Clickhouse.BatchSize)
	}
}

func TestLoad_EmptyHostFailsValidation(t *testing.T) {
	p := writeMinimalJSON(t)
	t.Setenv("MESH_INGESTER_CLICKHOUSE__HOST", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty clickhouse host")
	}
}

func keysOf(m map[string]SourceConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
