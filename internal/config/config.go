package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Provider   ProviderConfig
	Aggregator AggregatorConfig
	Chain      ChainConfig
	Mint       MintConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
	QuoteCache QuoteCacheConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// RedisConfig holds ledger store connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ProviderConfig holds settlement provider client configuration.
type ProviderConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// AggregatorConfig holds swap aggregator client configuration.
type AggregatorConfig struct {
	URL                 string
	APIKey              string
	Router              string
	Timeout             time.Duration
	ConfirmationTimeout time.Duration
	Slippage            float64
}

// ChainConfig holds the EVM RPC endpoint and signing key. PrivateKey may be
// empty; swap execution is then disabled and settlements run pay-only.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

// MintConfig holds the default token-mint template.
type MintConfig struct {
	PaymentAsset string
	TokenAddress string
	TokenName    string
	TokenSymbol  string
	MaxMintCount int64
	MintEnabled  bool
}

// RetryConfig holds retry engine defaults.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// QuoteCacheConfig holds quote cache sizing.
type QuoteCacheConfig struct {
	MaxSize       int
	TTL           time.Duration
	SweepInterval time.Duration
	Policy        string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string
	Environment string
}

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			URL:     getEnv("SETTLEMENT_PROVIDER_URL", "https://x402.org/facilitator"),
			APIKey:  getEnv("SETTLEMENT_PROVIDER_API_KEY", ""),
			Timeout: getDurationEnv("SETTLEMENT_PROVIDER_TIMEOUT", 30*time.Second),
		},
		Aggregator: AggregatorConfig{
			URL:                 getEnv("AGGREGATOR_URL", "https://aggregator.okx.com"),
			APIKey:              getEnv("AGGREGATOR_API_KEY", ""),
			Router:              getEnv("AGGREGATOR_ROUTER", ""),
			Timeout:             getDurationEnv("AGGREGATOR_TIMEOUT", 15*time.Second),
			ConfirmationTimeout: getDurationEnv("TX_CONFIRMATION_TIMEOUT", 2*time.Minute),
			Slippage:            getFloatEnv("SWAP_SLIPPAGE", 0.005),
		},
		Chain: ChainConfig{
			RPCURL:     getEnv("CHAIN_RPC_URL", "https://rpc.xlayer.tech"),
			PrivateKey: getEnv("WALLET_PRIVATE_KEY", ""),
		},
		Mint: MintConfig{
			PaymentAsset: getEnv("PAYMENT_ASSET", ""),
			TokenAddress: getEnv("MINT_TOKEN_ADDRESS", ""),
			TokenName:    getEnv("MINT_TOKEN_NAME", ""),
			TokenSymbol:  getEnv("MINT_TOKEN_SYMBOL", ""),
			MaxMintCount: int64(getIntEnv("MINT_MAX_COUNT", 0)),
			MintEnabled:  getEnv("MINT_ENABLED", "true") == "true",
		},
		Retry: RetryConfig{
			MaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getIntEnv("BREAKER_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:  getDurationEnv("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		},
		QuoteCache: QuoteCacheConfig{
			MaxSize:       getIntEnv("QUOTE_CACHE_SIZE", 256),
			TTL:           getDurationEnv("QUOTE_CACHE_TTL", 30*time.Second),
			SweepInterval: getDurationEnv("QUOTE_CACHE_SWEEP_INTERVAL", time.Minute),
			Policy:        getEnv("QUOTE_CACHE_POLICY", "lru"),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
