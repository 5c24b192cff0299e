package config

import (
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "LOANPROBE"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = "0.0.0.0:8080"

	// DefaultSQLitePath is the default location of the result database.
	DefaultSQLitePath = "./data/test_results.db"

	// DefaultReturnAddress receives remaining funds at the end of a run.
	DefaultReturnAddress = "tb1qd8cg49sy99cln5tq2tpdm7xs4p9s5v6le4jx4c"

	// DefaultFaucetURL is the testnet faucet base URL.
	DefaultFaucetURL = "https://faucet.testnet.lava.xyz"

	// DefaultToolingDestination is where the borrower CLI is written.
	DefaultToolingDestination = "./loans-borrower-cli"
)

// Supported values for mode-like settings.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LoanModeSimulated = "simulated"

	ConfirmationModeFixed = "fixed"
	ConfirmationModePoll  = "poll"
)

// Config is the root configuration for loanprobe.
type Config struct {
	Global       GlobalConfig       `yaml:"global" mapstructure:"global"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Wallet       WalletConfig       `yaml:"wallet" mapstructure:"wallet"`
	Faucet       FaucetConfig       `yaml:"faucet" mapstructure:"faucet"`
	Loan         LoanConfig         `yaml:"loan" mapstructure:"loan"`
	Tooling      ToolingConfig      `yaml:"tooling" mapstructure:"tooling"`
	Confirmation ConfirmationConfig `yaml:"confirmation" mapstructure:"confirmation"`
	Archive      ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	// FilesOwner is an optional "UID:GID" applied to directories and files
	// the service creates.
	FilesOwner string `yaml:"files_owner,omitempty" mapstructure:"files_owner"`
}

// WalletConfig contains wallet settings.
type WalletConfig struct {
	ReturnAddress string `yaml:"return_address" mapstructure:"return_address"`
}

// FaucetConfig contains testnet faucet settings.
type FaucetConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	BTCPath     string        `yaml:"btc_path" mapstructure:"btc_path"`
	LavaUSDPath string        `yaml:"lava_usd_path" mapstructure:"lava_usd_path"`
	BTCSats     int64         `yaml:"btc_sats" mapstructure:"btc_sats"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LoanConfig contains loan collaborator settings.
type LoanConfig struct {
	Mode           string        `yaml:"mode" mapstructure:"mode"`
	OperationDelay time.Duration `yaml:"operation_delay" mapstructure:"operation_delay"`
}

// ToolingConfig controls provisioning of the borrower CLI.
type ToolingConfig struct {
	Enabled     bool              `yaml:"enabled" mapstructure:"enabled"`
	URLs        map[string]string `yaml:"urls,omitempty" mapstructure:"urls"`
	Destination string            `yaml:"destination" mapstructure:"destination"`
	MaxSize     string            `yaml:"max_size" mapstructure:"max_size"`
	Timeout     time.Duration     `yaml:"timeout" mapstructure:"timeout"`
}

// MaxSizeBytes returns the parsed download size limit.
func (c *ToolingConfig) MaxSizeBytes() (int64, error) {
	return units.FromHumanSize(c.MaxSize)
}

// ConfirmationConfig controls how the orchestrator waits for external
// settlement between steps.
type ConfirmationConfig struct {
	Mode            string        `yaml:"mode" mapstructure:"mode"`
	FundingDelay    time.Duration `yaml:"funding_delay" mapstructure:"funding_delay"`
	SettlementDelay time.Duration `yaml:"settlement_delay" mapstructure:"settlement_delay"`
	LoanDelay       time.Duration `yaml:"loan_delay" mapstructure:"loan_delay"`
	RepaymentDelay  time.Duration `yaml:"repayment_delay" mapstructure:"repayment_delay"`
	Poll            PollConfig    `yaml:"poll" mapstructure:"poll"`
}

// PollConfig bounds a poll-until-confirmed loop. The check comes from the
// loan provider; the simulated provider confirms on the first attempt.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ArchiveConfig configures optional remote archiving of persisted runs.
type ArchiveConfig struct {
	S3 S3ArchiveConfig `yaml:"s3" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3 settings for the run archive.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// setDefaults registers every key with viper so that environment
// overrides apply even when the key is absent from the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.files_owner", "")

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 6)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "loanprobe")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.pool.max_open_conns", 4)
	v.SetDefault("database.pool.max_idle_conns", 2)
	v.SetDefault("database.pool.acquire_timeout", "5s")
	v.SetDefault("database.pool.conn_max_lifetime", "30m")

	v.SetDefault("wallet.return_address", DefaultReturnAddress)

	v.SetDefault("faucet.base_url", DefaultFaucetURL)
	v.SetDefault("faucet.btc_path", "/mint-mutinynet")
	v.SetDefault("faucet.lava_usd_path", "/transfer-lava-usd")
	v.SetDefault("faucet.btc_sats", 50000)
	v.SetDefault("faucet.timeout", "30s")

	v.SetDefault("loan.mode", LoanModeSimulated)
	v.SetDefault("loan.operation_delay", "2s")

	v.SetDefault("tooling.enabled", true)
	v.SetDefault("tooling.urls", map[string]string{
		"linux":  "https://loans-borrower-cli.s3.amazonaws.com/loans-borrower-cli-linux",
		"darwin": "https://loans-borrower-cli.s3.amazonaws.com/loans-borrower-cli-mac",
	})
	v.SetDefault("tooling.destination", DefaultToolingDestination)
	v.SetDefault("tooling.max_size", "128MB")
	v.SetDefault("tooling.timeout", "2m")

	v.SetDefault("confirmation.mode", ConfirmationModeFixed)
	v.SetDefault("confirmation.funding_delay", "2s")
	v.SetDefault("confirmation.settlement_delay", "10s")
	v.SetDefault("confirmation.loan_delay", "10s")
	v.SetDefault("confirmation.repayment_delay", "10s")
	v.SetDefault("confirmation.poll.interval", "2s")
	v.SetDefault("confirmation.poll.max_attempts", 15)
	v.SetDefault("confirmation.poll.timeout", "60s")

	v.SetDefault("archive.s3.enabled", false)
	v.SetDefault("archive.s3.endpoint_url", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)
	v.SetDefault("archive.s3.prefix", "loanprobe")

	v.SetDefault("metrics.enabled", true)
}

// Load reads the given configuration files in order, later files overriding
// earlier ones, then applies LOANPROBE_* environment overrides. With no
// paths the built-in defaults are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case DriverPostgres:
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.Pool.MaxOpenConns <= 0 {
		return fmt.Errorf("database.pool.max_open_conns must be positive")
	}

	if c.Database.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("database.pool.acquire_timeout must be positive")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must be positive")
	}

	if c.Loan.Mode != LoanModeSimulated {
		return fmt.Errorf("unsupported loan mode %q", c.Loan.Mode)
	}

	switch c.Confirmation.Mode {
	case ConfirmationModeFixed:
	case ConfirmationModePoll:
		p := c.Confirmation.Poll
		if p.Interval <= 0 || p.MaxAttempts <= 0 || p.Timeout <= 0 {
			return fmt.Errorf(
				"confirmation.poll requires positive interval, max_attempts and timeout",
			)
		}
	default:
		return fmt.Errorf("unsupported confirmation mode %q", c.Confirmation.Mode)
	}

	if c.Tooling.Enabled {
		if c.Tooling.Destination == "" {
			return fmt.Errorf("tooling.destination is required")
		}

		if _, err := c.Tooling.MaxSizeBytes(); err != nil {
			return fmt.Errorf("invalid tooling.max_size %q: %w", c.Tooling.MaxSize, err)
		}
	}

	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
	}

	return nil
}

// Dump renders the configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return out, nil
}
