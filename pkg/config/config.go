package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default address for the HTTP API.
	DefaultListen = ":8080"

	// DefaultDatabaseDriver is the default database driver.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "regressoor.db"

	// DefaultEngineTimeout bounds a single engine HTTP call.
	DefaultEngineTimeout = "30s"

	// DefaultFetchTimeout bounds a single resource fetch.
	DefaultFetchTimeout = "30s"

	// DefaultFetchMaxSize caps the body size of an HTTP fetch.
	DefaultFetchMaxSize = "64MB"

	// DefaultBuildInputPrefix namespaces the docker-build workflow inputs.
	DefaultBuildInputPrefix = "docker_build"

	// DefaultReportInputPrefix namespaces the report workflow inputs.
	DefaultReportInputPrefix = "generate_report"

	// DefaultPollerSchedule is the default tick schedule.
	DefaultPollerSchedule = "@every 30s"

	// DefaultPollerConcurrency is the default number of items advanced in
	// parallel within one tick.
	DefaultPollerConcurrency = 4

	// DefaultSMTPPort is the default SMTP submission port.
	DefaultSMTPPort = 587

	// DefaultPresignExpiry is the default validity of presigned URLs.
	DefaultPresignExpiry = "1h"

	// DefaultRateLimitPerMinute is the default per-IP request budget.
	DefaultRateLimitPerMinute = 120

	// DefaultRunRateLimitPerMinute is the default per-IP budget for
	// endpoints that start runs.
	DefaultRunRateLimitPerMinute = 10

	envPrefix = "REGRESSOOR"
)

// Config is the root configuration for regressoor.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Storage   StorageConfig   `yaml:"storage,omitempty" mapstructure:"storage"`
	Fetcher   FetcherConfig   `yaml:"fetcher,omitempty" mapstructure:"fetcher"`
	Builds    BuildsConfig    `yaml:"builds" mapstructure:"builds"`
	Reporting ReportingConfig `yaml:"reporting,omitempty" mapstructure:"reporting"`
	Poller    PollerConfig    `yaml:"poller,omitempty" mapstructure:"poller"`
	Email     *EmailConfig    `yaml:"email,omitempty" mapstructure:"email"`
	GitHub    *GitHubConfig   `yaml:"github,omitempty" mapstructure:"github"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	// RequestSecret, when set, requires inbound GitHub requests to carry a
	// matching X-Hub-Signature-256 header.
	RequestSecret string `yaml:"request_secret,omitempty" mapstructure:"request_secret"`
}

// RateLimitConfig configures per-IP rate limiting. RunsPerMinute is an
// extra budget for the endpoints that start runs.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	RunsPerMinute     int  `yaml:"runs_per_minute" mapstructure:"runs_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	MaxOpenConns int                  `yaml:"max_open_conns,omitempty" mapstructure:"max_open_conns"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// EngineConfig points at the Cromwell-compatible workflow engine.
type EngineConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// StorageConfig contains object storage settings. gs:// and s3:// locations
// are served by the same S3-compatible client.
type StorageConfig struct {
	S3 *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3Config contains S3-compatible endpoint settings. For GCS, point
// EndpointURL at https://storage.googleapis.com with HMAC keys.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	// PresignExpiry bounds the validity of report artifact download links.
	PresignExpiry string `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// FetcherConfig bounds resource fetches.
type FetcherConfig struct {
	Timeout string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	MaxSize string `yaml:"max_size,omitempty" mapstructure:"max_size"`
}

// BuildsConfig configures the docker-build workflow.
type BuildsConfig struct {
	WorkflowURL  string `yaml:"workflow_url" mapstructure:"workflow_url"`
	RegistryHost string `yaml:"registry_host" mapstructure:"registry_host"`
	InputPrefix  string `yaml:"input_prefix,omitempty" mapstructure:"input_prefix"`
}

// ReportingConfig configures report generation after successful runs.
type ReportingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	WorkflowURL string `yaml:"workflow_url,omitempty" mapstructure:"workflow_url"`
	InputPrefix string `yaml:"input_prefix,omitempty" mapstructure:"input_prefix"`
	Bucket      string `yaml:"bucket,omitempty" mapstructure:"bucket"`
	Prefix      string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Scheme      string `yaml:"scheme,omitempty" mapstructure:"scheme"`
}

// PollerConfig configures the scheduled advancement of in-flight work.
type PollerConfig struct {
	Schedule    string `yaml:"schedule,omitempty" mapstructure:"schedule"`
	Concurrency int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
}

// EmailConfig configures the SMTP email sink.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port,omitempty" mapstructure:"port"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// GitHubConfig configures the issue comment sink.
type GitHubConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	APIURL   string `yaml:"api_url,omitempty" mapstructure:"api_url"`
	Username string `yaml:"username" mapstructure:"username"`
	Token    string `yaml:"token" mapstructure:"token"`
}

// Load reads and parses a configuration file from the given path. Every key
// can be overridden by an environment variable, e.g. engine.address by
// REGRESSOOR_ENGINE_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs registers every mapstructure key so that environment variables
// also apply to keys absent from the file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct {
			bindEnvs(v, ft, key)

			continue
		}

		_ = v.BindEnv(key)
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRateLimitPerMinute
	}

	if c.Server.RateLimit.RunsPerMinute == 0 {
		c.Server.RateLimit.RunsPerMinute = DefaultRunRateLimitPerMinute
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Engine.Timeout == "" {
		c.Engine.Timeout = DefaultEngineTimeout
	}

	if c.Fetcher.Timeout == "" {
		c.Fetcher.Timeout = DefaultFetchTimeout
	}

	if c.Fetcher.MaxSize == "" {
		c.Fetcher.MaxSize = DefaultFetchMaxSize
	}

	if c.Builds.InputPrefix == "" {
		c.Builds.InputPrefix = DefaultBuildInputPrefix
	}

	if c.Reporting.InputPrefix == "" {
		c.Reporting.InputPrefix = DefaultReportInputPrefix
	}

	if c.Reporting.Scheme == "" {
		c.Reporting.Scheme = "gs"
	}

	if c.Poller.Schedule == "" {
		c.Poller.Schedule = DefaultPollerSchedule
	}

	if c.Poller.Concurrency <= 0 {
		c.Poller.Concurrency = DefaultPollerConcurrency
	}

	if c.Storage.S3 != nil && c.Storage.S3.PresignExpiry == "" {
		c.Storage.S3.PresignExpiry = DefaultPresignExpiry
	}

	if c.Email != nil && c.Email.Port == 0 {
		c.Email.Port = DefaultSMTPPort
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.Address == "" {
		return fmt.Errorf("engine.address is required")
	}

	if _, err := c.Engine.TimeoutDuration(); err != nil {
		return fmt.Errorf("engine.timeout: %w", err)
	}

	if _, err := c.Fetcher.TimeoutDuration(); err != nil {
		return fmt.Errorf("fetcher.timeout: %w", err)
	}

	if _, err := c.Fetcher.MaxSizeBytes(); err != nil {
		return fmt.Errorf("fetcher.max_size: %w", err)
	}

	if c.ObjectStorageEnabled() {
		if _, err := c.Storage.S3.PresignExpiryDuration(); err != nil {
			return fmt.Errorf("storage.s3.presign_expiry: %w", err)
		}
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Builds.WorkflowURL == "" {
		return fmt.Errorf("builds.workflow_url is required")
	}

	if c.Builds.RegistryHost == "" {
		return fmt.Errorf("builds.registry_host is required")
	}

	if c.Reporting.Enabled {
		if c.Reporting.WorkflowURL == "" {
			return fmt.Errorf("reporting.workflow_url is required when reporting is enabled")
		}

		if c.Reporting.Bucket == "" {
			return fmt.Errorf("reporting.bucket is required when reporting is enabled")
		}

		if c.Storage.S3 == nil || !c.Storage.S3.Enabled {
			return fmt.Errorf("reporting requires storage.s3 to be enabled")
		}

		if c.Reporting.Scheme != "gs" && c.Reporting.Scheme != "s3" {
			return fmt.Errorf("reporting.scheme must be gs or s3, got %q", c.Reporting.Scheme)
		}
	}

	if c.Email != nil && c.Email.Enabled {
		if c.Email.Host == "" {
			return fmt.Errorf("email.host is required when email is enabled")
		}

		if c.Email.From == "" {
			return fmt.Errorf("email.from is required when email is enabled")
		}
	}

	if c.GitHub != nil && c.GitHub.Enabled && c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required when github is enabled")
	}

	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be at least 1")
	}

	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case "sqlite":
		if d.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if d.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required")
		}

		if d.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}

	return nil
}

// TimeoutDuration parses the engine timeout.
func (e *EngineConfig) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(e.Timeout)
}

// PresignExpiryDuration parses the presigned URL validity.
func (s *S3Config) PresignExpiryDuration() (time.Duration, error) {
	return time.ParseDuration(s.PresignExpiry)
}

// TimeoutDuration parses the fetch timeout.
func (f *FetcherConfig) TimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(f.Timeout)
}

// MaxSizeBytes parses the human-readable fetch size cap, e.g. "64MB".
func (f *FetcherConfig) MaxSizeBytes() (int64, error) {
	return units.RAMInBytes(f.MaxSize)
}

// EmailEnabled reports whether the email sink is configured.
func (c *Config) EmailEnabled() bool {
	return c.Email != nil && c.Email.Enabled
}

// GitHubEnabled reports whether the comment sink is configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHub != nil && c.GitHub.Enabled
}

// ObjectStorageEnabled reports whether gs:// and s3:// locations are served
// from object storage.
func (c *Config) ObjectStorageEnabled() bool {
	return c.Storage.S3 != nil && c.Storage.S3.Enabled
}
