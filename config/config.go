package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/coursedesk/triage/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"` // Database port (default: "5432")
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int    `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetPort returns the endpoint port, defaulting to 5432.
func (e *DatabaseEndpointConfig) GetPort() string {
	if e.Port == "" {
		return "5432"
	}
	return e.Port
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Write *DatabaseEndpointConfig `toml:"write"` // Write database configuration
	Read  *DatabaseEndpointConfig `toml:"read"`  // Read database configuration (optional)
}

// HTTPAPIConfig holds configuration for the triage HTTP API server
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"`
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// EscalatorConfig holds configuration for the escalation scheduler
type EscalatorConfig struct {
	Enabled    bool   `toml:"enabled"`
	Interval   string `toml:"interval"`    // Scan interval (default: "5m")
	BatchSize  int    `toml:"batch_size"`  // Maximum threads evaluated per scan
	WebhookURL string `toml:"webhook_url"` // Notification dispatch endpoint; log-only when empty
	Timeout    string `toml:"timeout"`     // Per-dispatch timeout (default: "10s")
}

// GetInterval parses the scan interval
func (e *EscalatorConfig) GetInterval() (time.Duration, error) {
	if e.Interval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(e.Interval)
}

// GetTimeout parses the per-dispatch timeout
func (e *EscalatorConfig) GetTimeout() (time.Duration, error) {
	if e.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(e.Timeout)
}

// GetBatchSize returns the per-scan candidate limit
func (e *EscalatorConfig) GetBatchSize() int {
	if e.BatchSize <= 0 {
		return 200
	}
	return e.BatchSize
}

// ArchiveConfig holds S3 configuration for the raw inbound message archive.
type ArchiveConfig struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output     string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format     string `toml:"format"` // "console" or "json"
	Level      string `toml:"level"`  // "debug", "info", "warn", "error"
	SyslogTag  string `toml:"syslog_tag"`
	SyslogAddr string `toml:"syslog_addr"`
}

// Config is the top-level triaged configuration
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Escalator EscalatorConfig `toml:"escalator"`
	Archive   ArchiveConfig   `toml:"archive"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NewDefaultConfig returns the application defaults. Values from the TOML
// file and command-line flags override these.
func NewDefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Write: &DatabaseEndpointConfig{
				Host: "localhost",
				Port: "5432",
				User: "postgres",
				Name: "triage",
			},
		},
		HTTPAPI: HTTPAPIConfig{
			Start: true,
			Addr:  ":8980",
		},
		Escalator: EscalatorConfig{
			Enabled:  true,
			Interval: "5m",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file into cfg.
func LoadConfigFromFile(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for inconsistencies that would fail at
// runtime anyway, so startup can reject them with a clear message.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write endpoint is required")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is enabled")
	}
	if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
		return fmt.Errorf("http_api TLS requires both tls_cert_file and tls_key_file")
	}
	if _, err := c.Escalator.GetInterval(); err != nil {
		return fmt.Errorf("invalid escalator.interval: %w", err)
	}
	if _, err := c.Escalator.GetTimeout(); err != nil {
		return fmt.Errorf("invalid escalator.timeout: %w", err)
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires endpoint and bucket when enabled")
		}
	}
	return nil
}
