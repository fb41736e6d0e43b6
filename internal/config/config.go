// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Field    FieldConfig
	Upload   UploadConfig
	Recovery RecoveryConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// BaseURL is the externally visible origin, used to build the default
	// upload endpoint and file URLs (default: http://localhost:<port>)
	BaseURL string `env:"SERVER_BASE_URL"`

	// ReadTimeout is the maximum duration for reading request body (default: 5m)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	// WriteTimeout is the maximum duration for writing response (default: 0, none)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for non-upload requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// FieldConfig holds the defaults of the demo upload field.
type FieldConfig struct {
	// MaxFiles is the maximum number of files per field (default: 10)
	MaxFiles int `env:"FIELD_MAX_FILES" default:"10"`

	// MaxSizeBytes is the maximum size of one file; accepts unit suffixes (default: 1GiB)
	MaxSizeBytes int64 `env:"FIELD_MAX_SIZE" default:"1GiB" unit:"bytes"`

	// Accept is a comma-separated list of MIME types, wildcards and extensions
	Accept []string `env:"FIELD_ACCEPT" default:"image/*,video/*,.pdf,.doc,.docx"`

	// HelpText is shown under the upload control
	HelpText string `env:"FIELD_HELP_TEXT"`
}

// UploadConfig holds upload transport settings.
type UploadConfig struct {
	// Endpoint is where files are sent (default: <base url>/api/upload)
	Endpoint string `env:"UPLOAD_ENDPOINT"`

	// FieldName is the multipart field carrying the file (default: file)
	FieldName string `env:"UPLOAD_FIELD_NAME" default:"file"`

	// MaxConcurrent is the number of simultaneous transfers per field (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// Timeout bounds a single transfer; 0 disables it (default: 0)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"0s"`

	// APIKey is sent as X-API-Key with every transfer (default: first of API_KEYS)
	APIKey string `env:"UPLOAD_API_KEY"`
}

// RecoveryConfig holds settings for restoring unfinished uploads.
type RecoveryConfig struct {
	// Enabled controls whether unfinished uploads are recorded (default: true)
	Enabled bool `env:"RECOVERY_ENABLED" default:"true"`

	// Retention is how long an entry can be restored (default: 24h)
	Retention time.Duration `env:"RECOVERY_RETENTION" default:"24h"`

	// PurgeInterval is how often expired entries are removed (default: 1h)
	PurgeInterval time.Duration `env:"RECOVERY_PURGE_INTERVAL" default:"1h"`

	// MaxSpoolBytes is the largest file kept for resumption (default: 10MiB)
	MaxSpoolBytes int64 `env:"RECOVERY_MAX_SPOOL" default:"10MiB" unit:"bytes"`
}

// DatabaseConfig holds database connection settings. Without a URL,
// recovery entries are kept in memory.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StorageConfig holds settings of the local upload backend.
type StorageConfig struct {
	// Dir is where received files are written (default: ./uploads)
	Dir string `env:"STORAGE_DIR" default:"./uploads"`

	// PublicURL prefixes stored file names in responses (default: <base url>/files)
	PublicURL string `env:"STORAGE_PUBLIC_URL"`

	// MaxFileSize is the largest request body accepted; accepts unit suffixes (default: 1GiB)
	MaxFileSize int64 `env:"STORAGE_MAX_FILE_SIZE" default:"1GiB" unit:"bytes"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 60)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"60"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	// RequireAPIKey protects the upload endpoint with X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted upload keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// PublicBase returns BaseURL, or a localhost origin for the configured port.
func (c *ServerConfig) PublicBase() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "http://localhost:" + strconv.Itoa(c.Port)
}

// UploadEndpoint returns the configured endpoint or the server's own.
func (c *Config) UploadEndpoint() string {
	if c.Upload.Endpoint != "" {
		return c.Upload.Endpoint
	}
	return c.Server.PublicBase() + "/api/upload"
}

// UploadAPIKey returns the key the field transport sends.
func (c *Config) UploadAPIKey() string {
	if c.Upload.APIKey != "" {
		return c.Upload.APIKey
	}
	if len(c.Security.APIKeys) > 0 {
		return c.Security.APIKeys[0]
	}
	return ""
}

// FilesURL returns the prefix of stored file URLs.
func (c *Config) FilesURL() string {
	if c.Storage.PublicURL != "" {
		return c.Storage.PublicURL
	}
	return c.Server.PublicBase() + "/files"
}
