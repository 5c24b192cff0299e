package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  listen: 127.0.0.1:9000
database:
  sqlite:
    path: /var/lib/loanprobe/results.db
confirmation:
  funding_delay: 3s
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
				assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
				assert.Equal(t, "/var/lib/loanprobe/results.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 3*time.Second, cfg.Confirmation.FundingDelay)
			},
		},
		{
			name: "string override - listen",
			envVars: map[string]string{
				"LOANPROBE_SERVER_LISTEN": "0.0.0.0:7000",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
			},
		},
		{
			name: "duration override - funding_delay",
			envVars: map[string]string{
				"LOANPROBE_CONFIRMATION_FUNDING_DELAY": "500ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 500*time.Millisecond, cfg.Confirmation.FundingDelay)
			},
		},
		{
			name: "integer override - max_open_conns",
			envVars: map[string]string{
				"LOANPROBE_DATABASE_POOL_MAX_OPEN_CONNS": "8",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8, cfg.Database.Pool.MaxOpenConns)
			},
		},
		{
			name: "boolean override - rate limit",
			envVars: map[string]string{
				"LOANPROBE_SERVER_RATE_LIMIT_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Server.RateLimit.Enabled)
			},
		},
		{
			name: "list override - cors origins",
			envVars: map[string]string{
				"LOANPROBE_SERVER_CORS_ORIGINS": "https://a.example,https://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t,
					[]string{"https://a.example", "https://b.example"},
					cfg.Server.CORSOrigins,
				)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWithoutFile(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, 5*time.Second, cfg.Database.Pool.AcquireTimeout)
	assert.Equal(t, DefaultReturnAddress, cfg.Wallet.ReturnAddress)
	assert.Equal(t, DefaultFaucetURL, cfg.Faucet.BaseURL)
	assert.Equal(t, int64(50000), cfg.Faucet.BTCSats)
	assert.Equal(t, LoanModeSimulated, cfg.Loan.Mode)
	assert.Equal(t, ConfirmationModeFixed, cfg.Confirmation.Mode)
	assert.Equal(t, 10*time.Second, cfg.Confirmation.SettlementDelay)
	assert.Equal(t, 15, cfg.Confirmation.Poll.MaxAttempts)
	assert.Contains(t, cfg.Tooling.URLs, "linux")
	assert.Contains(t, cfg.Tooling.URLs, "darwin")
	assert.False(t, cfg.Archive.S3.Enabled)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_LaterFilesOverride(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
server:
  listen: 127.0.0.1:9000
loan:
  operation_delay: 1s
`)
	override := writeConfig(t, "override.yaml", `
loan:
  operation_delay: 250ms
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 250*time.Millisecond, cfg.Loan.OperationDelay)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unsupported driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "missing sqlite path",
			mutate:  func(cfg *Config) { cfg.Database.SQLite.Path = "" },
			wantErr: "database.sqlite.path is required",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = DriverPostgres
				cfg.Database.Postgres.Host = ""
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name:    "zero pool size",
			mutate:  func(cfg *Config) { cfg.Database.Pool.MaxOpenConns = 0 },
			wantErr: "max_open_conns",
		},
		{
			name:    "zero acquire timeout",
			mutate:  func(cfg *Config) { cfg.Database.Pool.AcquireTimeout = 0 },
			wantErr: "acquire_timeout",
		},
		{
			name: "rate limit without budget",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
				cfg.Server.RateLimit.RequestsPerMinute = 0
			},
			wantErr: "requests_per_minute",
		},
		{
			name:    "unknown loan mode",
			mutate:  func(cfg *Config) { cfg.Loan.Mode = "cli" },
			wantErr: "unsupported loan mode",
		},
		{
			name:    "unknown confirmation mode",
			mutate:  func(cfg *Config) { cfg.Confirmation.Mode = "never" },
			wantErr: "unsupported confirmation mode",
		},
		{
			name: "poll mode without attempts",
			mutate: func(cfg *Config) {
				cfg.Confirmation.Mode = ConfirmationModePoll
				cfg.Confirmation.Poll.MaxAttempts = 0
			},
			wantErr: "confirmation.poll",
		},
		{
			name:    "bad tooling size",
			mutate:  func(cfg *Config) { cfg.Tooling.MaxSize = "lots" },
			wantErr: "invalid tooling.max_size",
		},
		{
			name: "disabled tooling skips size check",
			mutate: func(cfg *Config) {
				cfg.Tooling.Enabled = false
				cfg.Tooling.MaxSize = "lots"
			},
		},
		{
			name:    "archive without bucket",
			mutate:  func(cfg *Config) { cfg.Archive.S3.Enabled = true },
			wantErr: "archive.s3.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolingConfig_MaxSizeBytes(t *testing.T) {
	cfg := ToolingConfig{MaxSize: "128MB"}

	n, err := cfg.MaxSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(128_000_000), n)
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))

	assert.Contains(t, decoded, "server")
	assert.Contains(t, decoded, "database")
	assert.Contains(t, string(out), DefaultListen)
}
