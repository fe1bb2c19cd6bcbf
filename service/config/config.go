package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txprompt/service/evm"
)

// Submission modes.
const (
	SubmitModeLocal    = "local"
	SubmitModeTemporal = "temporal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration. Empty disables transfer history.
	DatabaseURL string

	// NATS configuration. Empty disables conversation events.
	NATSURL string

	// Language model configuration
	GeminiAPIKey string
	GeminiModel  string
	LLMTimeout   time.Duration

	// EVM configuration
	EVMRPCURL       string
	EVMChainID      int64
	ExplorerBaseURL string
	RPCTimeout      time.Duration

	// Wallet configuration
	WalletPrivateKey string
	WalletAddress    string

	// SubmitMode is "local" (sign in-process) or "temporal" (hand off to a worker).
	SubmitMode string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads the server configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg, errs := load()

	if cfg.GeminiAPIKey == "" {
		errs = append(errs, fmt.Errorf("GEMINI_API_KEY is required"))
	}
	errs = append(errs, cfg.walletErrors()...)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	return cfg, nil
}

// LoadWorker reads the Temporal worker configuration. The worker always signs
// locally, so it needs a private key but no language model.
func LoadWorker() (*Config, error) {
	cfg, errs := load()

	if cfg.WalletPrivateKey == "" {
		errs = append(errs, fmt.Errorf("WALLET_PRIVATE_KEY is required"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
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

func load() (*Config, []error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Language model configuration
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeminiModel = getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash")
	llmTimeout, err := parseDuration("LLM_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.LLMTimeout = llmTimeout
	}

	// EVM configuration
	cfg.EVMRPCURL = os.Getenv("EVM_RPC_URL")
	if cfg.EVMRPCURL == "" {
		errs = append(errs, fmt.Errorf("EVM_RPC_URL is required"))
	}

	chainID, err := parseInt64("EVM_CHAIN_ID", 80002)
	if err != nil {
		errs = append(errs, err)
	} else if chainID <= 0 {
		errs = append(errs, fmt.Errorf("EVM_CHAIN_ID must be positive, got %d", chainID))
	} else {
		cfg.EVMChainID = chainID
	}

	cfg.ExplorerBaseURL = strings.TrimRight(getEnvOrDefault("EXPLORER_BASE_URL", "https://amoy.polygonscan.com"), "/")

	rpcTimeout, err := parseDuration("RPC_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCTimeout = rpcTimeout
	}

	// Wallet configuration
	cfg.WalletPrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	cfg.WalletAddress = os.Getenv("WALLET_ADDRESS")
	if cfg.WalletAddress != "" && !evm.IsAddress(cfg.WalletAddress) {
		errs = append(errs, fmt.Errorf("WALLET_ADDRESS %q is not a valid EVM address", cfg.WalletAddress))
	}

	cfg.SubmitMode = strings.ToLower(getEnvOrDefault("SUBMIT_MODE", SubmitModeLocal))
	if cfg.SubmitMode != SubmitModeLocal && cfg.SubmitMode != SubmitModeTemporal {
		errs = append(errs, fmt.Errorf("SUBMIT_MODE must be %q or %q, got %q", SubmitModeLocal, SubmitModeTemporal, cfg.SubmitMode))
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txprompt-transfers")

	return cfg, errs
}

// walletErrors checks the wallet settings the server needs for its submit mode.
func (c *Config) walletErrors() []error {
	var errs []error
	switch c.SubmitMode {
	case SubmitModeLocal:
		if c.WalletPrivateKey == "" {
			errs = append(errs, fmt.Errorf("WALLET_PRIVATE_KEY is required when SUBMIT_MODE=local"))
		}
	case SubmitModeTemporal:
		if c.WalletAddress == "" {
			errs = append(errs, fmt.Errorf("WALLET_ADDRESS is required when SUBMIT_MODE=temporal"))
		}
	}
	return errs
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.GeminiAPIKey == "" {
		errs = append(errs, fmt.Errorf("GeminiAPIKey is required"))
	}

	if c.EVMRPCURL == "" {
		errs = append(errs, fmt.Errorf("EVMRPCURL is required"))
	}

	if c.EVMChainID <= 0 {
		errs = append(errs, fmt.Errorf("EVMChainID must be positive"))
	}

	if c.SubmitMode != SubmitModeLocal && c.SubmitMode != SubmitModeTemporal {
		errs = append(errs, fmt.Errorf("SubmitMode must be local or temporal"))
	}

	if c.SubmitMode == SubmitModeTemporal {
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
		}
	}

	errs = append(errs, c.walletErrors()...)

	if c.LLMTimeout < time.Second {
		errs = append(errs, fmt.Errorf("LLMTimeout must be at least 1 second"))
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

// parseInt64 parses an integer from an environment variable or uses a default.
func parseInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
