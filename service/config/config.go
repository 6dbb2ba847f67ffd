package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Sepolia deployment used when no addresses are configured.
const (
	DefaultSaleAddress  = "0xBD0Df2f72d89a5F3E5E96A9902eFc207aA730090"
	DefaultTokenAddress = "0x0a5385Af31C7b9deEeAb6cEabacC3e1244920246"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Chain configuration
	RPCURL       string
	ChainID      int64 // 0 means ask the node
	SaleAddress  string
	TokenAddress string

	// Decimal precision of contract integers
	TokenDecimals  int32
	NativeDecimals int32
	RateDecimals   int32

	// Signing key. PrivateKey takes precedence over KeystorePath.
	PrivateKey         string
	KeystorePath       string
	KeystorePassphrase string

	// NATS configuration. Empty disables purchase events.
	NATSURL string

	// Display configuration
	SpendSymbol string
	TokenSymbol string
	FiatSymbol  string
	FiatRate    decimal.Decimal

	// Purchase flow configuration
	BalanceCheck    bool
	TxHistoryLimit  int
	PurchaseTimeout time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.RPCURL = os.Getenv("ETH_RPC_URL")
	if cfg.RPCURL == "" {
		errs = append(errs, fmt.Errorf("ETH_RPC_URL is required"))
	}

	chainID, err := parseInt("CHAIN_ID", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ChainID = int64(chainID)

	cfg.SaleAddress = getEnvOrDefault("IDO_CONTRACT_ADDRESS", DefaultSaleAddress)
	cfg.TokenAddress = getEnvOrDefault("TOKEN_CONTRACT_ADDRESS", DefaultTokenAddress)

	for _, d := range []struct {
		key  string
		dest *int32
	}{
		{"TOKEN_DECIMALS", &cfg.TokenDecimals},
		{"NATIVE_DECIMALS", &cfg.NativeDecimals},
		{"RATE_DECIMALS", &cfg.RateDecimals},
	} {
		v, err := parseInt(d.key, 18)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dest = int32(v)
	}

	cfg.PrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	cfg.KeystorePath = os.Getenv("WALLET_KEYSTORE")
	cfg.KeystorePassphrase = os.Getenv("WALLET_PASSPHRASE")

	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.SpendSymbol = getEnvOrDefault("SPEND_SYMBOL", "ETH")
	cfg.TokenSymbol = getEnvOrDefault("TOKEN_SYMBOL", "NPT")
	cfg.FiatSymbol = os.Getenv("FIAT_SYMBOL")
	if raw := os.Getenv("FIAT_RATE"); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("FIAT_RATE: invalid decimal %q: %w", raw, err))
		}
		cfg.FiatRate = rate
	}

	balanceCheck, err := parseBool("BALANCE_CHECK", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.BalanceCheck = balanceCheck

	limit, err := parseInt("TX_HISTORY_LIMIT", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TxHistoryLimit = limit

	timeout, err := parseDuration("PURCHASE_TIMEOUT", "5m")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.PurchaseTimeout = timeout

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPCURL is required"))
	}

	if !common.IsHexAddress(c.SaleAddress) {
		errs = append(errs, fmt.Errorf("SaleAddress %q is not a hex address", c.SaleAddress))
	}

	if !common.IsHexAddress(c.TokenAddress) {
		errs = append(errs, fmt.Errorf("TokenAddress %q is not a hex address", c.TokenAddress))
	}

	if strings.EqualFold(c.SaleAddress, c.TokenAddress) {
		errs = append(errs, fmt.Errorf("SaleAddress and TokenAddress must be different"))
	}

	for name, d := range map[string]int32{
		"TokenDecimals":  c.TokenDecimals,
		"NativeDecimals": c.NativeDecimals,
		"RateDecimals":   c.RateDecimals,
	} {
		if d < 0 || d > 36 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 36, got %d", name, d))
		}
	}

	if c.ChainID < 0 {
		errs = append(errs, fmt.Errorf("ChainID cannot be negative"))
	}

	if c.FiatRate.IsNegative() {
		errs = append(errs, fmt.Errorf("FiatRate cannot be negative"))
	}

	if c.TxHistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("TxHistoryLimit must be at least 1"))
	}

	if c.PurchaseTimeout < time.Second {
		errs = append(errs, fmt.Errorf("PurchaseTimeout must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
