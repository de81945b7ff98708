// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Runtime
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	MetricsAddr string // Prometheus listen address, empty disables

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	TokenContract string // stablecoin contract used for escrow settlement
	EscrowVault   string // platform escrow vault address

	// Stripe
	StripeAPIKey string // enables the Stripe processor when set

	// Payment bounds
	MinPayment string
	MaxPayment string

	// Conversion
	ConversionFeePercent string // e.g. "0.015" for 1.5%
	QuoteValidity        time.Duration

	// Loop tuning
	MonitorInterval   time.Duration
	StaleInterval     time.Duration
	StaleThreshold    time.Duration
	SchedulerInterval time.Duration
	PollInterval      time.Duration // escrow confirmation polling
	MaxRetries        int
	BatchConcurrency  int
	CallTimeout       time.Duration // per external call inside a tick
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		MetricsAddr:          getEnv("METRICS_ADDR", ":9091"),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:               getEnv("RPC_URL", DefaultRPCURL),
		ChainID:              getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:        getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		EscrowVault:          os.Getenv("ESCROW_VAULT"),
		StripeAPIKey:         os.Getenv("STRIPE_API_KEY"),
		MinPayment:           getEnv("MIN_PAYMENT", "0.01"),
		MaxPayment:           getEnv("MAX_PAYMENT", "10000"),
		ConversionFeePercent: getEnv("CONVERSION_FEE_PERCENT", "0.015"),
		QuoteValidity:        getEnvDuration("QUOTE_VALIDITY", 30*time.Second),
		MonitorInterval:      getEnvDuration("MONITOR_INTERVAL", 1*time.Minute),
		StaleInterval:        getEnvDuration("STALE_INTERVAL", 10*time.Minute),
		StaleThreshold:       getEnvDuration("STALE_THRESHOLD", 30*time.Minute),
		SchedulerInterval:    getEnvDuration("SCHEDULER_INTERVAL", 5*time.Minute),
		PollInterval:         getEnvDuration("POLL_INTERVAL", 15*time.Second),
		MaxRetries:           int(getEnvInt64("MAX_RETRIES", 3)),
		BatchConcurrency:     int(getEnvInt64("BATCH_CONCURRENCY", 8)),
		CallTimeout:          getEnvDuration("CALL_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1")
	}
	if c.StaleThreshold < c.MonitorInterval {
		return fmt.Errorf("STALE_THRESHOLD must not be shorter than MONITOR_INTERVAL")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
