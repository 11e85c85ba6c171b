package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"near-swap-worker/pkg/ledger"
	"near-swap-worker/pkg/nep413"
)

// Config holds the worker configuration. Credentials are loaded separately
// with LoadCredentials and are never part of it.
type Config struct {
	RelayURL        string
	NearRPCURL      string
	IntentsContract string

	RequestTimeout   time.Duration
	BroadcastTimeout time.Duration

	QuoteAttempts   int
	QuoteRetryDelay time.Duration

	SettlementTimeout      time.Duration
	SettlementPollInterval time.Duration
	DeadlineGrace          time.Duration

	ReferralReceiver string
	ReferralFeeBps   uint16

	FeeBasisPoints uint16
	LedgerPath     string

	OneClickBaseURL string
	OneClickJWT     string

	MetricsFile string
	LogLevel    string
}

var globalConfig *Config

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	viper.SetConfigName(".near-swap-worker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	viper.AddConfigPath(".")

	// Set default values
	viper.SetDefault("relay_url", "https://solver-relay-v2.chaindefuser.com/rpc")
	viper.SetDefault("near_rpc_url", "https://rpc.mainnet.near.org")
	viper.SetDefault("intents_contract", "intents.near")
	viper.SetDefault("request_timeout", "10s")
	viper.SetDefault("broadcast_timeout", "60s")
	viper.SetDefault("quote_attempts", 3)
	viper.SetDefault("quote_retry_delay", "1s")
	viper.SetDefault("settlement_timeout", "30s")
	viper.SetDefault("settlement_poll_interval", "1s")
	viper.SetDefault("deadline_grace", "180s")
	viper.SetDefault("referral_fee_bps", 0)
	viper.SetDefault("fee_basis_points", 10)
	viper.SetDefault("ledger_path", defaultLedgerPath())
	viper.SetDefault("oneclick_base_url", "https://1click.chaindefuser.com")
	viper.SetDefault("log_level", "info")

	// Read from environment variables
	viper.SetEnvPrefix("NEAR_SWAP_WORKER")
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		RelayURL:               viper.GetString("relay_url"),
		NearRPCURL:             viper.GetString("near_rpc_url"),
		IntentsContract:        viper.GetString("intents_contract"),
		RequestTimeout:         viper.GetDuration("request_timeout"),
		BroadcastTimeout:       viper.GetDuration("broadcast_timeout"),
		QuoteAttempts:          viper.GetInt("quote_attempts"),
		QuoteRetryDelay:        viper.GetDuration("quote_retry_delay"),
		SettlementTimeout:      viper.GetDuration("settlement_timeout"),
		SettlementPollInterval: viper.GetDuration("settlement_poll_interval"),
		DeadlineGrace:          viper.GetDuration("deadline_grace"),
		ReferralReceiver:       viper.GetString("referral_receiver"),
		ReferralFeeBps:         viper.GetUint16("referral_fee_bps"),
		FeeBasisPoints:         viper.GetUint16("fee_basis_points"),
		LedgerPath:             viper.GetString("ledger_path"),
		OneClickBaseURL:        viper.GetString("oneclick_base_url"),
		OneClickJWT:            viper.GetString("oneclick_jwt"),
		MetricsFile:            viper.GetString("metrics_file"),
		LogLevel:               viper.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

// Validate checks the values that have no safe fallback
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("relay_url is required")
	}
	if c.NearRPCURL == "" {
		return fmt.Errorf("near_rpc_url is required")
	}
	if c.IntentsContract == "" {
		return fmt.Errorf("intents_contract is required")
	}
	if c.QuoteAttempts < 1 {
		return fmt.Errorf("quote_attempts must be at least 1, got %d", c.QuoteAttempts)
	}
	if c.SettlementTimeout <= 0 {
		return fmt.Errorf("settlement_timeout must be positive")
	}
	if c.SettlementPollInterval <= 0 {
		return fmt.Errorf("settlement_poll_interval must be positive")
	}
	if c.ReferralFeeBps > 10_000 {
		return fmt.Errorf("referral_fee_bps must not exceed 10000, got %d", c.ReferralFeeBps)
	}
	if c.FeeBasisPoints > 1000 {
		return fmt.Errorf("fee_basis_points must not exceed 1000, got %d", c.FeeBasisPoints)
	}
	return nil
}

// RequireOneClick checks that 1Click token discovery is configured
func (c *Config) RequireOneClick() error {
	if c.OneClickJWT == "" {
		return fmt.Errorf("1Click JWT token not found. Please set NEAR_SWAP_WORKER_ONECLICK_JWT environment variable or add oneclick_jwt to .near-swap-worker.yaml")
	}
	return nil
}

// Get returns the global configuration
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return globalConfig
}

func defaultLedgerPath() string {
	path, err := ledger.DefaultStoragePath()
	if err != nil {
		return ledger.DefaultStorageFileName
	}
	return path
}

// Credential environment variables, as provided by the hosting secret store
const (
	EnvAccountID  = "SWAP_CONTRACT_ID"
	EnvPrivateKey = "SWAP_CONTRACT_PRIVATE_KEY"
)

// LoadCredentials reads the swap account and its key from the environment.
// The unprefixed variables win over the NEAR_SWAP_WORKER_ forms.
func LoadCredentials() (nep413.Credentials, error) {
	accountID := lookup(EnvAccountID)
	if accountID == "" {
		return nep413.Credentials{}, fmt.Errorf("swap account not found. Please set %s", EnvAccountID)
	}

	encoded := lookup(EnvPrivateKey)
	if encoded == "" {
		return nep413.Credentials{}, fmt.Errorf("private key not found. Please set %s", EnvPrivateKey)
	}

	key, err := nep413.ParsePrivateKey(encoded)
	if err != nil {
		return nep413.Credentials{}, fmt.Errorf("invalid %s: %w", EnvPrivateKey, err)
	}

	return nep413.Credentials{AccountID: accountID, Key: key}, nil
}

func lookup(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv("NEAR_SWAP_WORKER_" + name)
}
