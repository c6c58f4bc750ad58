package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

// minLease keeps lease renewal meaningful: the worker heartbeats at a
// third of the lease, so sub-second leases would just thrash the queue.
const minLease = 10 * time.Second

// Validate checks the settings every command shares. Each failure wraps a
// sentinel error so callers can match it with errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.UploadsRoot == "" {
		return fmt.Errorf("%w: uploads_root cannot be empty", ErrInvalidDataRoot)
	}
	if c.OutputsRoot == "" {
		return fmt.Errorf("%w: outputs_root cannot be empty", ErrInvalidDataRoot)
	}
	// The sweeper removes directories under the outputs root; pointing
	// both roots at one directory would put originals in its blast radius.
	if c.UploadsRoot == c.OutputsRoot {
		return fmt.Errorf("%w: uploads_root and outputs_root must differ, both are %q",
			ErrInvalidDataRoot, c.UploadsRoot)
	}

	if c.QueueDriver != QueueDriverPostgres && c.QueueDriver != QueueDriverMemory {
		return fmt.Errorf("%w: %q is not valid, must be %q or %q",
			ErrInvalidQueueDriver, c.QueueDriver, QueueDriverPostgres, QueueDriverMemory)
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("%w: must be between 1 and 64, got %d",
			ErrInvalidWorkerConcurrency, c.WorkerConcurrency)
	}
	if c.LeaseDuration < minLease {
		return fmt.Errorf("%w: must be at least %s, got %s",
			ErrInvalidLease, minLease, c.LeaseDuration)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: must be at least 1, got %d", ErrInvalidMaxAttempts, c.MaxAttempts)
	}
	if c.ParseTimeout <= 0 {
		return fmt.Errorf("%w: must be positive, got %s", ErrInvalidParseTimeout, c.ParseTimeout)
	}
	if c.ParseRatePerMinute < 0 {
		return fmt.Errorf("%w: must not be negative, got %d",
			ErrInvalidParseRate, c.ParseRatePerMinute)
	}

	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("%w: must be at least 1 byte, got %d",
			ErrInvalidUploadLimit, c.MaxUploadBytes)
	}

	// An empty YAML override reaches here despite setDefaults, so the cron
	// specs are parsed rather than just checked for presence.
	if _, err := cron.ParseStandard(c.ScanSpec); err != nil {
		return fmt.Errorf("%w: scan_spec %q: %v", ErrInvalidCronSpec, c.ScanSpec, err)
	}
	if _, err := cron.ParseStandard(c.SweepSpec); err != nil {
		return fmt.Errorf("%w: sweep_spec %q: %v", ErrInvalidCronSpec, c.SweepSpec, err)
	}
	if c.CleanupMaxAge <= 0 {
		return fmt.Errorf("%w: must be positive, got %s",
			ErrInvalidCleanupMaxAge, c.CleanupMaxAge)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "docpipe_dev_password" {
		slog.Warn("postgres password is the docker-compose development default",
			"hint", "set postgres_password before deploying")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// libpq's allow and prefer modes fall back to plaintext, so they are
	// not accepted here.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode cannot be empty", ErrInvalidPostgresSSLMode)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// The engine is optional; its URL is validated only when configured.
	if c.Engine.BaseURL != "" {
		u, err := url.Parse(c.Engine.BaseURL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEngineURL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q must be an http(s) URL", ErrInvalidEngineURL, c.Engine.BaseURL)
		}
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("%w: engine timeout must not be negative, got %s",
			ErrInvalidEngineURL, c.Engine.Timeout)
	}

	return nil
}

// ValidateServe validates configuration for the HTTP server command.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr cannot be empty", ErrInvalidListenAddr)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidListenAddr, c.ListenAddr, err)
	}

	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cors_origins entry %q is not a valid origin URL", origin)
		}
	}

	return nil
}

// ValidateWorker validates configuration for the standalone worker command.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}

	// A standalone worker consumes the shared queue. The memory driver is
	// process-local, so a worker against it would never see a job.
	if c.QueueDriver != QueueDriverPostgres {
		return fmt.Errorf("%w: standalone workers require the %q driver, got %q",
			ErrInvalidQueueDriver, QueueDriverPostgres, c.QueueDriver)
	}

	return nil
}
