// Package config loads gennotes runtime configuration from an optional YAML
// file, GENNOTES_* environment overrides and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "GENNOTES_CONFIG"

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Blob    BlobConfig    `yaml:"blob"`
	Import  ImportConfig  `yaml:"import"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory sqlite postgres badger"`
	SQLitePath  string `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Driver postgres"`
	BadgerPath  string `yaml:"badger_path" validate:"required_if=Driver badger"`
}

// AuthConfig configures bearer token verification. An empty secret
// disables writes.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	Issuer        string `yaml:"issuer"`
	RequiredScope string `yaml:"required_scope" validate:"required"`
}

// BlobConfig selects the archive blob store.
type BlobConfig struct {
	Driver string   `yaml:"driver" validate:"oneof=fs memory s3"`
	FSRoot string   `yaml:"fs_root" validate:"required_if=Driver fs"`
	S3     S3Config `yaml:"s3"`
}

// S3Config parameterises the S3 blob driver.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ImportConfig tunes the bulk importer.
type ImportConfig struct {
	BatchSize   int    `yaml:"batch_size" validate:"gt=0,lte=100000"`
	BotUser     string `yaml:"bot_user" validate:"required"`
	RelationKey string `yaml:"relation_key"`
}

// LogConfig selects slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig selects where service operation metrics are recorded.
// prometheus serves them at /metrics; expvar at /debug/vars.
type MetricsConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=prometheus expvar"`
}

// TracingConfig selects the span exporter. stdout writes OpenTelemetry spans;
// json writes one line per service operation to stderr.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout json"`
}

// Default returns the configuration used when nothing is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "gennotes.db"},
		Auth:    AuthConfig{RequiredScope: "commit-edit"},
		Blob:    BlobConfig{Driver: "fs", FSRoot: "archive"},
		Import: ImportConfig{
			BatchSize:   10000,
			BotUser:     "clinvar-data-importer",
			RelationKey: "clinvar-rcva:accession",
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Exporter: "prometheus"},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load builds a Config from defaults, then the YAML file at path (or
// $GENNOTES_CONFIG when path is empty), then environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and returns a readable error listing
// every failing field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

type lookupFunc func(string) (string, bool)

type envBinding struct {
	key string
	set func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	bindings := []envBinding{
		{"GENNOTES_ADDR", str(&cfg.Server.Addr)},
		{"GENNOTES_READ_TIMEOUT", duration(&cfg.Server.ReadTimeout)},
		{"GENNOTES_WRITE_TIMEOUT", duration(&cfg.Server.WriteTimeout)},
		{"GENNOTES_STORAGE_DRIVER", str(&cfg.Storage.Driver)},
		{"GENNOTES_SQLITE_PATH", str(&cfg.Storage.SQLitePath)},
		{"GENNOTES_POSTGRES_DSN", str(&cfg.Storage.PostgresDSN)},
		{"GENNOTES_BADGER_PATH", str(&cfg.Storage.BadgerPath)},
		{"GENNOTES_JWT_SECRET", str(&cfg.Auth.JWTSecret)},
		{"GENNOTES_JWT_ISSUER", str(&cfg.Auth.Issuer)},
		{"GENNOTES_REQUIRED_SCOPE", str(&cfg.Auth.RequiredScope)},
		{"GENNOTES_BLOB_DRIVER", str(&cfg.Blob.Driver)},
		{"GENNOTES_BLOB_FS_ROOT", str(&cfg.Blob.FSRoot)},
		{"GENNOTES_BLOB_S3_BUCKET", str(&cfg.Blob.S3.Bucket)},
		{"GENNOTES_BLOB_S3_REGION", str(&cfg.Blob.S3.Region)},
		{"GENNOTES_BLOB_S3_ENDPOINT", str(&cfg.Blob.S3.Endpoint)},
		{"GENNOTES_BLOB_S3_PATH_STYLE", boolean(&cfg.Blob.S3.PathStyle)},
		{"GENNOTES_BLOB_S3_ACCESS_KEY_ID", str(&cfg.Blob.S3.AccessKeyID)},
		{"GENNOTES_BLOB_S3_SECRET_ACCESS_KEY", str(&cfg.Blob.S3.SecretAccessKey)},
		{"GENNOTES_IMPORT_BATCH_SIZE", integer(&cfg.Import.BatchSize)},
		{"GENNOTES_IMPORT_BOT_USER", str(&cfg.Import.BotUser)},
		{"GENNOTES_IMPORT_RELATION_KEY", str(&cfg.Import.RelationKey)},
		{"GENNOTES_LOG_LEVEL", str(&cfg.Log.Level)},
		{"GENNOTES_LOG_FORMAT", str(&cfg.Log.Format)},
		{"GENNOTES_METRICS_EXPORTER", str(&cfg.Metrics.Exporter)},
		{"GENNOTES_TRACING_EXPORTER", str(&cfg.Tracing.Exporter)},
	}
	for _, b := range bindings {
		v, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
	}
	return nil
}
