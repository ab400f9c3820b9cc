package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
engine:
  address: http://cromwell:8000
builds:
  workflow_url: https://example.com/docker_build.wdl
  registry_host: gcr.io/regressoor
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9090"
  rate_limit:
    enabled: false
database:
  driver: sqlite
  sqlite:
    path: /data/original.db
engine:
  address: http://cromwell:8000
builds:
  workflow_url: https://example.com/docker_build.wdl
  registry_host: gcr.io/regressoor
poller:
  concurrency: 2
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9090", cfg.Server.Listen)
				assert.Equal(t, "/data/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 2, cfg.Poller.Concurrency)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"REGRESSOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - engine.address",
			envVars: map[string]string{
				"REGRESSOOR_ENGINE_ADDRESS": "http://other:8000",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "http://other:8000", cfg.Engine.Address)
			},
		},
		{
			name: "boolean override - rate_limit.enabled",
			envVars: map[string]string{
				"REGRESSOOR_SERVER_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
			},
		},
		{
			name: "integer override - poller.concurrency",
			envVars: map[string]string{
				"REGRESSOOR_POLLER_CONCURRENCY": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Poller.Concurrency)
			},
		},
		{
			name: "key absent from file",
			envVars: map[string]string{
				"REGRESSOOR_FETCHER_MAX_SIZE": "1MB",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "1MB", cfg.Fetcher.MaxSize)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultRateLimitPerMinute, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, DefaultRunRateLimitPerMinute, cfg.Server.RateLimit.RunsPerMinute)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultPollerSchedule, cfg.Poller.Schedule)
	assert.Equal(t, DefaultPollerConcurrency, cfg.Poller.Concurrency)
	assert.Equal(t, DefaultBuildInputPrefix, cfg.Builds.InputPrefix)
	assert.Equal(t, DefaultReportInputPrefix, cfg.Reporting.InputPrefix)
	assert.Nil(t, cfg.Email)
	assert.Nil(t, cfg.GitHub)
	assert.False(t, cfg.ObjectStorageEnabled())

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_OptionalSinks(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
email:
  enabled: true
  host: smtp.example.com
  from: regressoor@example.com
github:
  enabled: true
  username: regressoor-bot
  token: secret
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Email)
	assert.True(t, cfg.EmailEnabled())
	assert.Equal(t, DefaultSMTPPort, cfg.Email.Port)
	assert.True(t, cfg.GitHubEnabled())
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Engine: EngineConfig{Address: "http://cromwell:8000"},
			Builds: BuildsConfig{
				WorkflowURL:  "https://example.com/docker_build.wdl",
				RegistryHost: "gcr.io/regressoor",
			},
		}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "missing engine address",
			mutate:  func(cfg *Config) { cfg.Engine.Address = "" },
			wantErr: "engine.address is required",
		},
		{
			name:    "bad engine timeout",
			mutate:  func(cfg *Config) { cfg.Engine.Timeout = "soon" },
			wantErr: "engine.timeout",
		},
		{
			name:    "bad fetch size",
			mutate:  func(cfg *Config) { cfg.Fetcher.MaxSize = "lots" },
			wantErr: "fetcher.max_size",
		},
		{
			name:    "unsupported driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: `unsupported driver "mysql"`,
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "regressoor"
			},
			wantErr: "postgres.host is required",
		},
		{
			name:    "missing registry host",
			mutate:  func(cfg *Config) { cfg.Builds.RegistryHost = "" },
			wantErr: "builds.registry_host is required",
		},
		{
			name: "reporting without storage",
			mutate: func(cfg *Config) {
				cfg.Reporting.Enabled = true
				cfg.Reporting.WorkflowURL = "https://example.com/report.wdl"
				cfg.Reporting.Bucket = "reports"
			},
			wantErr: "reporting requires storage.s3",
		},
		{
			name: "email without host",
			mutate: func(cfg *Config) {
				cfg.Email = &EmailConfig{Enabled: true, From: "a@example.com"}
			},
			wantErr: "email.host is required",
		},
		{
			name: "github without token",
			mutate: func(cfg *Config) {
				cfg.GitHub = &GitHubConfig{Enabled: true}
			},
			wantErr: "github.token is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFetcherConfig_MaxSizeBytes(t *testing.T) {
	f := FetcherConfig{MaxSize: "64MB"}

	size, err := f.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), size)
}
