// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL          string
	DepositContract string
	Confirmations   uint64 // confirmation depth before a deposit is applied
	StartBlock      uint64 // 0 = start from the chain head

	// Uniswap v3 pools for token pricing
	ETHUSDCPool string
	HSTETHPool  string

	// Billing
	StripeWebhookSecret string

	// Notifications
	SendGridAPIKey string
	AlertFromEmail string

	// Quota service
	QuotaAPIURL string
	QuotaAPIKey string

	// Lifecycle policy
	DowngradeGraceDays int64 // 0 = immediate teardown on cancellation

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultConfirmations  = 50
	DefaultETHUSDCPool    = "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	DefaultAlertFromEmail = "noreply@histori.xyz"
	DefaultDowngradeGrace = 0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              os.Getenv("RPC_URL"),
		DepositContract:     os.Getenv("DEPOSIT_CONTRACT"),
		Confirmations:       uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)),
		StartBlock:          uint64(getEnvInt64("START_BLOCK", 0)),
		ETHUSDCPool:         getEnv("ETH_USDC_POOL", DefaultETHUSDCPool),
		HSTETHPool:          os.Getenv("HST_ETH_POOL"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SendGridAPIKey:      os.Getenv("SENDGRID_API_KEY"),
		AlertFromEmail:      getEnv("ALERT_FROM_EMAIL", DefaultAlertFromEmail),
		QuotaAPIURL:         os.Getenv("QUOTA_API_URL"),
		QuotaAPIKey:         os.Getenv("QUOTA_API_KEY"),
		DowngradeGraceDays:  getEnvInt64("DOWNGRADE_GRACE_DAYS", DefaultDowngradeGrace),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present. Development
// mode can run entirely against in-memory collaborators; production needs
// the full external surface.
func (c *Config) Validate() error {
	if c.DowngradeGraceDays < 0 {
		return fmt.Errorf("DOWNGRADE_GRACE_DAYS must not be negative")
	}

	if !c.IsProduction() {
		return nil
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required in production")
	}
	if c.DepositContract == "" {
		return fmt.Errorf("DEPOSIT_CONTRACT is required in production")
	}
	if c.HSTETHPool == "" {
		return fmt.Errorf("HST_ETH_POOL is required in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.QuotaAPIURL == "" {
		return fmt.Errorf("QUOTA_API_URL is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
