package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gennotes.yaml")
	doc := `
server:
  addr: ":9090"
  read_timeout: 5s
storage:
  driver: badger
  badger_path: /var/lib/gennotes
import:
  batch_size: 500
log:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, "")
	t.Setenv("GENNOTES_ADDR", ":7070")
	t.Setenv("GENNOTES_BLOB_S3_PATH_STYLE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env should override file, got %s", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 5*time.Second || cfg.Server.WriteTimeout != 30*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "badger" || cfg.Storage.BadgerPath != "/var/lib/gennotes" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Import.BatchSize != 500 || cfg.Import.BotUser != "clinvar-data-importer" {
		t.Fatalf("unexpected import config %+v", cfg.Import)
	}
	if !cfg.Blob.S3.PathStyle || cfg.Log.Format != "text" {
		t.Fatalf("unexpected overrides %+v %+v", cfg.Blob, cfg.Log)
	}
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("tracing:\n  exporter: stdout\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Fatalf("expected stdout exporter, got %s", cfg.Tracing.Exporter)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cases := map[string][2]string{
		"driver":     {"GENNOTES_STORAGE_DRIVER", "cassandra"},
		"dsn":        {"GENNOTES_STORAGE_DRIVER", "postgres"},
		"batch":      {"GENNOTES_IMPORT_BATCH_SIZE", "0"},
		"endpoint":   {"GENNOTES_BLOB_S3_ENDPOINT", "not a url"},
		"level":      {"GENNOTES_LOG_LEVEL", "trace"},
		"metrics":    {"GENNOTES_METRICS_EXPORTER", "statsd"},
		"tracing":    {"GENNOTES_TRACING_EXPORTER", "zipkin"},
		"bad bool":   {"GENNOTES_BLOB_S3_PATH_STYLE", "maybe"},
		"bad number": {"GENNOTES_IMPORT_BATCH_SIZE", "many"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := Load(""); err == nil {
				t.Fatalf("expected %s=%s to be rejected", kv[0], kv[1])
			}
		})
	}
}

func TestValidateNamesFields(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "PostgresDSN") {
		t.Fatalf("expected PostgresDSN in error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestObservabilityExportersFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("metrics:\n  exporter: expvar\ntracing:\n  exporter: stdout\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, "")
	t.Setenv("GENNOTES_TRACING_EXPORTER", "json")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metrics.Exporter != "expvar" || cfg.Tracing.Exporter != "json" {
		t.Fatalf("unexpected exporters %+v %+v", cfg.Metrics, cfg.Tracing)
	}
	if Default().Metrics.Exporter != "prometheus" {
		t.Fatalf("expected prometheus by default")
	}
}
