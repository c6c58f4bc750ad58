// Package config loads and validates docpipe's configuration.
//
// Values resolve from three places, lowest to highest priority: built-in
// defaults, ~/.docpipe/config.yaml (or ./config.yaml), and environment
// variables. DATABASE_URL, when set, replaces the individual postgres_*
// values as a unit.
//
// Settings group by concern: data roots for originals and parse
// artifacts, the HTTP API, queue and worker limits, maintenance
// schedules and retention, the PostgreSQL connection (storage.go), the
// optional RAG engine (engine.go), and OTLP tracing (observability.go).
//
// Sensitive values (the database password, the engine API key) never
// reach logs: Config masks them in MarshalJSON and String. Validation
// lives in validation.go and reports sentinel errors usable with
// errors.Is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil reports a nil *Config receiver.
	ErrConfigNil = errors.New("nil configuration")

	// ErrInvalidDataRoot indicates a missing or unusable data root.
	ErrInvalidDataRoot = errors.New("invalid data root")

	// ErrInvalidListenAddr indicates the HTTP listen address is invalid.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidQueueDriver indicates the queue driver is not supported.
	ErrInvalidQueueDriver = errors.New("invalid queue driver")

	// ErrInvalidWorkerConcurrency indicates the worker concurrency is out of range.
	ErrInvalidWorkerConcurrency = errors.New("invalid worker concurrency")

	// ErrInvalidLease indicates the queue lease duration is out of range.
	ErrInvalidLease = errors.New("invalid lease duration")

	// ErrInvalidMaxAttempts indicates the delivery attempt limit is out of range.
	ErrInvalidMaxAttempts = errors.New("invalid max attempts")

	// ErrInvalidParseTimeout indicates the parse timeout is out of range.
	ErrInvalidParseTimeout = errors.New("invalid parse timeout")

	// ErrInvalidParseRate indicates the parse rate cap is negative.
	ErrInvalidParseRate = errors.New("invalid parse rate")

	// ErrInvalidUploadLimit indicates the upload size limit is out of range.
	ErrInvalidUploadLimit = errors.New("invalid upload limit")

	// ErrInvalidCronSpec indicates a maintenance schedule does not parse.
	ErrInvalidCronSpec = errors.New("invalid cron spec")

	// ErrInvalidCleanupMaxAge indicates the artifact retention age is out of range.
	ErrInvalidCleanupMaxAge = errors.New("invalid cleanup max age")

	// ErrInvalidPostgresHost reports an empty postgres host.
	ErrInvalidPostgresHost = errors.New("invalid postgres host")

	// ErrInvalidPostgresPort reports a port outside 1-65535.
	ErrInvalidPostgresPort = errors.New("invalid postgres port")

	// ErrInvalidPostgresDBName reports an empty database name.
	ErrInvalidPostgresDBName = errors.New("invalid postgres database name")

	// ErrInvalidPostgresPassword reports an empty or too-short password.
	ErrInvalidPostgresPassword = errors.New("invalid postgres password")

	// ErrInvalidPostgresSSLMode reports an unknown or deprecated sslmode.
	ErrInvalidPostgresSSLMode = errors.New("invalid postgres ssl mode")

	// ErrInvalidEngineURL indicates the RAG engine base URL is invalid.
	ErrInvalidEngineURL = errors.New("invalid engine URL")
)

// Queue driver identifiers used in Config.QueueDriver.
const (
	// QueueDriverPostgres is the shared Postgres-backed queue. Required
	// for standalone workers.
	QueueDriverPostgres = "postgres"
	// QueueDriverMemory is the in-process queue; serve mode runs an
	// embedded worker against it.
	QueueDriverMemory = "memory"
)

const (
	// DefaultListenAddr is the default HTTP listen address for serve mode.
	DefaultListenAddr = ":8080"

	// DefaultParseTimeout bounds a single document extraction.
	DefaultParseTimeout = 25 * time.Minute

	// DefaultCleanupMaxAge is how long finished tasks' artifacts are kept.
	DefaultCleanupMaxAge = 7 * 24 * time.Hour

	// DefaultScanSpec runs the directory scan every five minutes.
	DefaultScanSpec = "*/5 * * * *"

	// DefaultSweepSpec runs the artifact sweep nightly at 03:00.
	DefaultSweepSpec = "0 3 * * *"

	// DefaultLease is how long a claimed queue job stays invisible to
	// other consumers before redelivery.
	DefaultLease = 5 * time.Minute

	// DefaultMaxAttempts is how many deliveries a job gets before the
	// runner fails its task and drops it.
	DefaultMaxAttempts = 3

	// DefaultMaxUploadBytes caps a single document upload at 100 MiB.
	DefaultMaxUploadBytes int64 = 100 << 20

	// DefaultWorkerConcurrency is the number of parallel job handlers
	// per worker process.
	DefaultWorkerConcurrency = 4
)

// Config stores application configuration. Fields marked SENSITIVE
// must be masked in MarshalJSON or their nested type's MarshalJSON.
type Config struct {
	// Data roots: originals land under UploadsRoot, per-task artifact
	// directories under OutputsRoot. The two must differ.
	UploadsRoot string `mapstructure:"uploads_root" json:"uploads_root"`
	OutputsRoot string `mapstructure:"outputs_root" json:"outputs_root"`

	// HTTP API (serve mode)
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For headers (set true behind reverse proxy)

	// Queue and worker configuration
	QueueDriver        string        `mapstructure:"queue_driver" json:"queue_driver"` // "postgres" (default) or "memory"
	WorkerConcurrency  int           `mapstructure:"worker_concurrency" json:"worker_concurrency"`
	LeaseDuration      time.Duration `mapstructure:"lease_duration" json:"lease_duration"`
	MaxAttempts        int           `mapstructure:"max_attempts" json:"max_attempts"`
	ParseTimeout       time.Duration `mapstructure:"parse_timeout" json:"parse_timeout"`
	ParseRatePerMinute int           `mapstructure:"parse_rate_per_minute" json:"parse_rate_per_minute"` // 0 = unlimited

	// Upload limits
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`

	// Maintenance schedules (standard five-field cron syntax)
	ScanSpec      string        `mapstructure:"scan_spec" json:"scan_spec"`
	SweepSpec     string        `mapstructure:"sweep_spec" json:"sweep_spec"`
	CleanupMaxAge time.Duration `mapstructure:"cleanup_max_age" json:"cleanup_max_age"`
	SchedulerLock string        `mapstructure:"scheduler_lock" json:"scheduler_lock"` // file lock shared by schedulers on one host

	// Postgres connection; DSN assembly lives in storage.go.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Optional RAG engine (engine.go) and trace export (observability.go).
	Engine        EngineConfig        `mapstructure:"engine" json:"engine"`
	Observability ObservabilityConfig `mapstructure:"observability" json:"observability"`
}

// Load reads configuration from defaults, ~/.docpipe/config.yaml (or
// ./config.yaml), and environment overrides, in rising priority, then
// validates the result.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".docpipe")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file means defaults; anything else is a real error.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("no config file found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL outranks the individual postgres_* values.
	if err := cfg.applyDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values. configDir anchors
// defaults that need a host-local path.
func setDefaults(configDir string) {
	// Data roots
	viper.SetDefault("uploads_root", filepath.Join("data", "uploads"))
	viper.SetDefault("outputs_root", filepath.Join("data", "outputs"))

	// HTTP API defaults
	viper.SetDefault("listen_addr", DefaultListenAddr)
	viper.SetDefault("cors_origins", []string{"*"})
	viper.SetDefault("trust_proxy", false)

	// Queue and worker defaults
	viper.SetDefault("queue_driver", QueueDriverPostgres)
	viper.SetDefault("worker_concurrency", DefaultWorkerConcurrency)
	viper.SetDefault("lease_duration", DefaultLease)
	viper.SetDefault("max_attempts", DefaultMaxAttempts)
	viper.SetDefault("parse_timeout", DefaultParseTimeout)
	viper.SetDefault("parse_rate_per_minute", 0)

	// Upload defaults
	viper.SetDefault("max_upload_bytes", DefaultMaxUploadBytes)

	// Maintenance defaults
	viper.SetDefault("scan_spec", DefaultScanSpec)
	viper.SetDefault("sweep_spec", DefaultSweepSpec)
	viper.SetDefault("cleanup_max_age", DefaultCleanupMaxAge)
	viper.SetDefault("scheduler_lock", filepath.Join(configDir, "scheduler.lock"))

	// Postgres, matching docker-compose.yml
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "docpipe")
	viper.SetDefault("postgres_password", "docpipe_dev_password")
	viper.SetDefault("postgres_db_name", "docpipe")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Engine defaults (disabled until a base URL is configured)
	viper.SetDefault("engine.timeout", 90*time.Second)

	// Observability defaults (tracing off until an endpoint is configured)
	viper.SetDefault("observability.environment", "dev")
	viper.SetDefault("observability.service_name", "docpipe")
}

// bindEnvVariables binds environment variables explicitly. Secrets and
// deployment-specific endpoints only; everything else belongs in the
// config file.
//
// DATABASE_URL is folded in separately by applyDatabaseURL after
// Unmarshal, so it can override the individual postgres_* values.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		// BindEnv only fails on an empty key; these are hardcoded.
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("binding %q to %q: %v", key, envVar, err))
		}
	}

	// Serve mode
	mustBind("listen_addr", "DOCPIPE_LISTEN_ADDR")
	mustBind("cors_origins", "DOCPIPE_CORS_ORIGINS")
	mustBind("trust_proxy", "DOCPIPE_TRUST_PROXY")

	// Data roots
	mustBind("uploads_root", "DOCPIPE_UPLOADS_ROOT")
	mustBind("outputs_root", "DOCPIPE_OUTPUTS_ROOT")

	// Queue driver (swap to "memory" for single-process deployments)
	mustBind("queue_driver", "DOCPIPE_QUEUE_DRIVER")

	// RAG engine endpoint and key
	mustBind("engine.base_url", "DOCPIPE_ENGINE_URL")
	mustBind("engine.api_key", "DOCPIPE_ENGINE_API_KEY")

	// Tracing endpoint
	mustBind("observability.otlp_endpoint", "DOCPIPE_OTLP_ENDPOINT")
}

// maskedValue replaces masked secret content. Block characters cannot
// collide with a substring of a real secret the way "****" or
// "[REDACTED]" could.
const maskedValue = "████████"

// maskSecret renders a secret safe for logs. Secrets of eight bytes or
// fewer are masked whole; longer ones keep their first and last two
// characters so operators can tell keys apart. This guards against
// accidental logging, nothing more.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON masks the postgres password; Engine.APIKey is masked by
// EngineConfig's own MarshalJSON.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String renders the masked form, so a %v of Config never prints
// secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
