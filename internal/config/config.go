// Package config loads runtime settings from MODULACMS_* environment
// variables and an optional YAML file. Flags bound by the CLI take precedence
// over both.
package config

import (
	"errors"
	"fmt"
	"modulacms/internal/blob"
	"modulacms/internal/core"
	"modulacms/pkg/domain"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MODULACMS"

// ConfigEnv names a config file when no path is passed to Load.
const ConfigEnv = EnvPrefix + "_CONFIG"

// Metrics exporters.
const (
	MetricsNone       = "none"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

// Config is the resolved runtime configuration.
type Config struct {
	Storage Storage `mapstructure:"storage"`
	Log     Log     `mapstructure:"log"`
	Service Service `mapstructure:"service"`
	Metrics Metrics `mapstructure:"metrics"`
	Blob    Blob    `mapstructure:"blob"`
}

// Storage selects the node store backend.
type Storage struct {
	Driver      string        `mapstructure:"driver"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	Forest      string        `mapstructure:"forest"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// Log configures the zerolog adapter.
type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Service tunes the service layer.
type Service struct {
	DeletePolicy  string `mapstructure:"delete_policy"`
	MaxNodes      int    `mapstructure:"max_nodes"`
	MaxDepth      int    `mapstructure:"max_depth"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
}

// Metrics picks the metrics exporter.
type Metrics struct {
	Exporter string `mapstructure:"exporter"`
}

// Blob configures snapshot export storage.
type Blob struct {
	Driver string `mapstructure:"driver"`
	FSRoot string `mapstructure:"fs_root"`
	S3     S3     `mapstructure:"s3"`
}

// S3 holds the s3 driver settings.
type S3 struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type setting struct {
	key string
	env string
	def any
}

// settings maps every key to its environment variable and default.
var settings = []setting{
	{"storage.driver", "STORAGE_DRIVER", string(core.StorageSQLite)},
	{"storage.sqlite_path", "SQLITE_PATH", "modulacms.db"},
	{"storage.postgres_dsn", "POSTGRES_DSN", ""},
	{"storage.forest", "FOREST", "content"},
	{"storage.lock_timeout", "LOCK_TIMEOUT", 5 * time.Second},
	{"log.level", "LOG_LEVEL", "info"},
	{"log.file", "LOG_FILE", ""},
	{"service.delete_policy", "DELETE_POLICY", string(domain.SubtreeReparent)},
	{"service.max_nodes", "MAX_NODES", 0},
	{"service.max_depth", "MAX_DEPTH", 0},
	{"service.retry_attempts", "RETRY_ATTEMPTS", 3},
	{"metrics.exporter", "METRICS", MetricsNone},
	{"blob.driver", "BLOB_DRIVER", string(blob.DriverFilesystem)},
	{"blob.fs_root", "BLOB_FS_ROOT", "./snapshots"},
	{"blob.s3.bucket", "BLOB_S3_BUCKET", ""},
	{"blob.s3.region", "BLOB_S3_REGION", "us-east-1"},
	{"blob.s3.endpoint", "BLOB_S3_ENDPOINT", ""},
	{"blob.s3.access_key_id", "BLOB_S3_ACCESS_KEY_ID", ""},
	{"blob.s3.secret_access_key", "BLOB_S3_SECRET_ACCESS_KEY", ""},
	{"blob.s3.path_style", "BLOB_S3_PATH_STYLE", false},
}

// Loader wraps a viper instance so the CLI can bind flags before loading.
type Loader struct {
	v *viper.Viper
}

// NewLoader registers defaults and environment bindings.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		_ = v.BindEnv(s.key, EnvPrefix+"_"+s.env)
	}
	return &Loader{v: v}
}

// BindFlag lets a command line flag override key.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: nil flag", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Load reads the YAML file at path (or $MODULACMS_CONFIG when path is empty)
// and returns the validated configuration.
func (l *Loader) Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// Validate rejects unknown enumerations and negative limits.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(strings.ToLower(c.Storage.Driver)) {
	case core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	switch strings.ToLower(c.Storage.Forest) {
	case "content", "admin":
	default:
		errs = append(errs, fmt.Errorf("storage.forest: unknown forest %q", c.Storage.Forest))
	}
	if c.Storage.LockTimeout < 0 {
		errs = append(errs, errors.New("storage.lock_timeout: must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := domain.ParseSubtreePolicy(c.Service.DeletePolicy); err != nil {
		errs = append(errs, fmt.Errorf("service.delete_policy: %w", err))
	}
	if c.Service.MaxNodes < 0 || c.Service.MaxDepth < 0 {
		errs = append(errs, errors.New("service: limits must not be negative"))
	}
	switch c.Metrics.Exporter {
	case "", MetricsNone, MetricsExpvar, MetricsPrometheus:
	default:
		errs = append(errs, fmt.Errorf("metrics.exporter: unknown exporter %q", c.Metrics.Exporter))
	}
	driver, err := blob.ParseDriver(c.Blob.Driver)
	if err != nil {
		errs = append(errs, fmt.Errorf("blob.driver: %w", err))
	} else if driver == blob.DriverS3 && c.Blob.S3.Bucket == "" {
		errs = append(errs, errors.New("blob.s3.bucket: required for the s3 driver"))
	}
	return errors.Join(errs...)
}

// StorageOptions converts the storage section for core.OpenStore.
func (c Config) StorageOptions() core.StorageOptions {
	return core.StorageOptions{
		Driver:      core.StorageDriver(strings.ToLower(c.Storage.Driver)),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		Forest:      strings.ToLower(c.Storage.Forest),
		LockTimeout: c.Storage.LockTimeout,
	}
}

// DeletePolicy returns the validated default delete policy.
func (c Config) DeletePolicy() domain.SubtreePolicy {
	p, _ := domain.ParseSubtreePolicy(c.Service.DeletePolicy)
	return p
}

// ServiceOptions converts the service section.
func (c Config) ServiceOptions() []core.Option {
	opts := []core.Option{
		core.WithDeletePolicy(c.DeletePolicy()),
		core.WithAssembleLimits(c.Service.MaxNodes, c.Service.MaxDepth),
		core.WithForest(strings.ToLower(c.Storage.Forest)),
	}
	if c.Service.RetryAttempts > 0 {
		p := core.DefaultRetryPolicy()
		p.MaxAttempts = c.Service.RetryAttempts
		opts = append(opts, core.WithRetryPolicy(p))
	}
	return opts
}

// BlobConfig converts the blob section for blob.Open.
func (c Config) BlobConfig() blob.Config {
	driver, _ := blob.ParseDriver(c.Blob.Driver)
	return blob.Config{
		Driver: driver,
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3.Bucket,
			Region:          c.Blob.S3.Region,
			Endpoint:        c.Blob.S3.Endpoint,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
			PathStyle:       c.Blob.S3.PathStyle,
		},
	}
}
