package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends
const (
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds process-level configuration. Chain metadata lives in the
// chain registry, not here.
type Config struct {
	// Server
	Host string
	Port int
	// UIToken guards the approval and control routes. Empty disables the
	// check, which is only safe on a loopback Host.
	UIToken string

	// Storage
	StorageBackend string
	BadgerDir      string
	PostgresDSN    string

	// At-rest envelope encryption of sealed credentials
	KMSProvider        string // none, local, aws-kms or vault
	KMSLocalMasterKey  string
	KMSAWSKeyID        string
	KMSAWSRegion       string
	KMSVaultAddress    string
	KMSVaultToken      string
	KMSVaultTransitKey string

	// Chain registry overrides
	ChainsFile string

	// Network behaviour
	FetchTimeout        time.Duration
	BalancePollInterval time.Duration
	BalanceConcurrency  int
	AddressConcurrency  int
	RPCRateLimit        int
	BreakerFailureRatio float64

	// Inbound per-origin limiting
	OriginRateLimitRPS   int
	OriginRateLimitBurst int

	MetricsEnabled bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Host:                 getEnv("WALLET_HOST", "127.0.0.1"),
		Port:                 getEnvInt("WALLET_PORT", 8080),
		UIToken:              getEnv("WALLET_UI_TOKEN", ""),
		StorageBackend:       getEnv("STORAGE_BACKEND", StorageBadger),
		BadgerDir:            getEnv("BADGER_DIR", "data/walletd"),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		KMSProvider:          getEnv("KMS_PROVIDER", "none"),
		KMSLocalMasterKey:    getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:          getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:         getEnv("KMS_AWS_REGION", ""),
		KMSVaultAddress:      getEnv("KMS_VAULT_ADDRESS", ""),
		KMSVaultToken:        getEnv("KMS_VAULT_TOKEN", ""),
		KMSVaultTransitKey:   getEnv("KMS_VAULT_TRANSIT_KEY", ""),
		ChainsFile:           getEnv("CHAINS_FILE", ""),
		FetchTimeout:         getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		BalancePollInterval:  getEnvDuration("BALANCE_POLL_INTERVAL", time.Minute),
		BalanceConcurrency:   getEnvInt("BALANCE_CONCURRENCY", 10),
		AddressConcurrency:   getEnvInt("ADDRESS_CONCURRENCY", 100),
		RPCRateLimit:         getEnvInt("RPC_RATE_LIMIT", 20),
		BreakerFailureRatio:  getEnvFloat("BREAKER_FAILURE_RATIO", 0.6),
		OriginRateLimitRPS:   getEnvInt("ORIGIN_RATE_LIMIT_RPS", 20),
		OriginRateLimitBurst: getEnvInt("ORIGIN_RATE_LIMIT_BURST", 40),
		MetricsEnabled:       getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("WALLET_PORT must be between 1 and 65535, got: %d", c.Port)
	}

	if c.UIToken == "" && !isLoopback(c.Host) {
		return fmt.Errorf("WALLET_UI_TOKEN is required when WALLET_HOST is not a loopback address, got: %s", c.Host)
	}

	switch c.StorageBackend {
	case StorageBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required when STORAGE_BACKEND is 'badger'")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORAGE_BACKEND is 'postgres'")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'badger', 'postgres' or 'memory', got: %s", c.StorageBackend)
	}

	switch c.KMSProvider {
	case "", "none":
	case "local":
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when KMS_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.KMSAWSKeyID == "" || c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID and KMS_AWS_REGION are required when KMS_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.KMSVaultAddress == "" || c.KMSVaultToken == "" || c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'none', 'local', 'aws-kms' or 'vault', got: %s", c.KMSProvider)
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.BalancePollInterval < 0 {
		return fmt.Errorf("BALANCE_POLL_INTERVAL cannot be negative")
	}
	if c.BalanceConcurrency <= 0 || c.AddressConcurrency <= 0 {
		return fmt.Errorf("BALANCE_CONCURRENCY and ADDRESS_CONCURRENCY must be positive")
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		return fmt.Errorf("BREAKER_FAILURE_RATIO must be in (0, 1], got: %v", c.BreakerFailureRatio)
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}
