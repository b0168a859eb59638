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
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Platform wallet key, hex with or without 0x prefix
	EscrowContract string

	// Fee settings
	FeeBps int64 // Platform fee in basis points, deducted from seller proceeds

	// Deadlines
	TransferTimeout time.Duration // Funded deal waiting for seller transfer
	ConfirmTimeout  time.Duration // Transferred deal waiting for buyer confirm
	ListingTTL      time.Duration // Unclaimed listing lifetime
	SweepInterval   time.Duration // How often the internal sweep timer fires

	// Security
	AdminSecret string // Guards dispute adjudication
	SweepSecret string // Guards the external sweep trigger

	// Notifications
	SMSProviderURL string // HTTP SMS provider endpoint (optional, disables SMS if empty)
	SMSAPIKey      string
	SMSFrom        string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Base Sepolia defaults
const (
	DefaultRPCURL   = "https://sepolia.base.org"
	DefaultChainID  = 84532 // Base Sepolia
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultFeeBps   = 250
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:  os.Getenv("ESCROW_CONTRACT"),
		FeeBps:          getEnvInt64("FEE_BPS", DefaultFeeBps),
		TransferTimeout: getEnvDuration("TRANSFER_TIMEOUT", 48*time.Hour),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", 72*time.Hour),
		ListingTTL:      getEnvDuration("LISTING_TTL", 14*24*time.Hour),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		SweepSecret:     os.Getenv("SWEEP_SECRET"),
		SMSProviderURL:  os.Getenv("SMS_PROVIDER_URL"),
		SMSAPIKey:       os.Getenv("SMS_API_KEY"),
		SMSFrom:         os.Getenv("SMS_FROM"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
