// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

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

	// Decision-contract sink (optional; simulated sink if PrivateKey unset)
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Hex-encoded, 0x prefix optional
	ContractAddress string

	// Scoring thresholds
	OverallAnomalyThreshold float64 // isAnomaly cutoff
	ExecutionScoreLimit     float64 // privileged-execution refusal cutoff
	BaselineWindow          int     // history records per scoring window

	// Operational
	RateLimitRPM int
	OTLPEndpoint string // OpenTelemetry collector endpoint (empty = tracing off)
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultChainID          = 84532 // Base Sepolia
	DefaultOverallThreshold = 0.6
	DefaultExecutionLimit   = 0.8
	DefaultBaselineWindow   = 100
	DefaultRateLimit        = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:                  os.Getenv("RPC_URL"),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		ContractAddress:         os.Getenv("DECISION_CONTRACT"),
		OverallAnomalyThreshold: getEnvFloat("OVERALL_ANOMALY_THRESHOLD", DefaultOverallThreshold),
		ExecutionScoreLimit:     getEnvFloat("EXECUTION_SCORE_LIMIT", DefaultExecutionLimit),
		BaselineWindow:          int(getEnvInt64("BASELINE_WINDOW", DefaultBaselineWindow)),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when PRIVATE_KEY is set")
		}
		if c.ContractAddress == "" {
			return fmt.Errorf("DECISION_CONTRACT is required when PRIVATE_KEY is set")
		}
	}

	if c.OverallAnomalyThreshold <= 0 || c.OverallAnomalyThreshold > 1 {
		return fmt.Errorf("OVERALL_ANOMALY_THRESHOLD must be in (0, 1], got %v", c.OverallAnomalyThreshold)
	}
	if c.ExecutionScoreLimit <= 0 || c.ExecutionScoreLimit > 1 {
		return fmt.Errorf("EXECUTION_SCORE_LIMIT must be in (0, 1], got %v", c.ExecutionScoreLimit)
	}
	if c.BaselineWindow <= 0 {
		return fmt.Errorf("BASELINE_WINDOW must be positive, got %d", c.BaselineWindow)
	}

	return nil
}

// ChainEnabled reports whether a real on-chain sink is configured.
func (c *Config) ChainEnabled() bool {
	return c.PrivateKey != ""
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
