package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	// Payment processor
	PayPalClientID     string
	PayPalClientSecret string
	PayPalAPIBase      string
	PayPalWebhookID    string
	CreditPriceUSD     decimal.Decimal

	// Chain
	HiveNodeURL        string
	HiveChainID        string
	HiveAddressPrefix  string
	ClaimerAccount     string
	ClaimerActiveWIF   string
	DelegationHP       float64
	ProvisionAttempts  int
	ChainCallTimeout   time.Duration
	ReservationMaxAge  time.Duration
	SweepInterval      time.Duration

	// Key vault
	VaultKey []byte

	SnowflakeNode int64
}

const (
	defaultPayPalAPIBase = "https://api-m.sandbox.paypal.com"
	defaultHiveNode      = "https://api.hive.blog"
	// Mainnet chain id and key prefix.
	defaultChainID = "beeab0de00000000000000000000000000000000000000000000000000000000"
	defaultPrefix  = "STM"
)

// Load reads the full service configuration; the API server needs the
// chain identity and the vault key in addition to the database.
func Load() (*Config, error) {
	cfg, err := LoadCore()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireChain(); err != nil {
		return nil, err
	}
	if err := cfg.RequireVault(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCore reads configuration requiring only the database settings, for
// tooling that never signs chain transactions or opens the vault. Optional
// values that are set but malformed still fail.
func LoadCore() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DBSource:           os.Getenv("DB_SOURCE"),
		Port:               envOr("SERVER_PORT", "8080"),
		Env:                envOr("ENVIRONMENT", "development"),
		PayPalClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
		PayPalAPIBase:      envOr("PAYPAL_API_BASE", defaultPayPalAPIBase),
		PayPalWebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
		HiveNodeURL:        envOr("HIVE_NODE_URL", defaultHiveNode),
		HiveChainID:        envOr("HIVE_CHAIN_ID", defaultChainID),
		HiveAddressPrefix:  envOr("HIVE_ADDRESS_PREFIX", defaultPrefix),
		ClaimerAccount:     os.Getenv("HIVE_CLAIMER_ACCOUNT"),
		ClaimerActiveWIF:   os.Getenv("HIVE_CLAIMER_KEY"),
	}

	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	price, err := decimal.NewFromString(envOr("CREDIT_PRICE_USD", "3.00"))
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("CREDIT_PRICE_USD must be a positive decimal")
	}
	cfg.CreditPriceUSD = price

	if vaultKey := os.Getenv("VAULT_KEY"); vaultKey != "" {
		raw, err := base64.StdEncoding.DecodeString(vaultKey)
		if err != nil {
			return nil, fmt.Errorf("VAULT_KEY must be base64: %w", err)
		}
		cfg.VaultKey = raw
	}

	cfg.DelegationHP, err = floatOr("HIVE_DELEGATION_HP", 0)
	if err != nil {
		return nil, err
	}
	cfg.ProvisionAttempts, err = intOr("PROVISION_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	cfg.ChainCallTimeout, err = durationOr("CHAIN_CALL_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.ReservationMaxAge, err = durationOr("RESERVATION_MAX_AGE", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval, err = durationOr("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.SnowflakeNode, err = int64Or("SNOWFLAKE_NODE", 1)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireChain checks that the claimer signing identity is configured.
func (c *Config) RequireChain() error {
	if c.ClaimerAccount == "" || c.ClaimerActiveWIF == "" {
		return fmt.Errorf("HIVE_CLAIMER_ACCOUNT and HIVE_CLAIMER_KEY are required")
	}
	return nil
}

// RequireVault checks that the vault key is configured.
func (c *Config) RequireVault() error {
	if len(c.VaultKey) == 0 {
		return fmt.Errorf("VAULT_KEY environment variable is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func int64Or(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func floatOr(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
