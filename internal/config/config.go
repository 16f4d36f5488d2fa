// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/clearhold/clearhold/internal/network"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	SettlementNetwork network.Network // network the escrow vault settles on
	FeeRecipient      string          // address receiving the service fee

	// Route provider
	RouteProviderURL     string        // base URL of the external route provider; simulator when empty
	RouteProviderTimeout time.Duration // bound on every provider call

	// Security
	AdminSecret string // gates API-key issuance

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultSettlementNetwork = "base"
	DefaultProviderTimeout   = 10 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	settle, err := network.Parse(getEnv("SETTLEMENT_NETWORK", DefaultSettlementNetwork))
	if err != nil {
		return nil, fmt.Errorf("SETTLEMENT_NETWORK: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SettlementNetwork:    settle,
		FeeRecipient:         os.Getenv("FEE_RECIPIENT"),
		RouteProviderURL:     os.Getenv("ROUTE_PROVIDER_URL"),
		RouteProviderTimeout: getEnvDuration("ROUTE_PROVIDER_TIMEOUT", DefaultProviderTimeout),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeRecipient == "" {
		return fmt.Errorf("FEE_RECIPIENT is required")
	}
	if c.RouteProviderTimeout <= 0 {
		return fmt.Errorf("ROUTE_PROVIDER_TIMEOUT must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
