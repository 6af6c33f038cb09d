package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings of the API server
type Config struct {
	Port  string
	Env   string
	Debug bool

	DBPath string

	Exchange      string // bitget or paper
	BitgetBaseURL string

	GatewayTimeout time.Duration // bound on every remote exchange call
	StorageTimeout time.Duration // bound on every storage call
	LockTimeout    time.Duration // bound on waiting for the per-key trade lock

	JWTSecret     string
	TokenTTL      time.Duration
	EncryptionKey string

	IdempotencyTTL       time.Duration
	HousekeepingInterval time.Duration

	LogFile string

	PaperBalance     float64
	PaperSuccessRate float64
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:  getEnv("PORT", "8000"),
		Env:   getEnv("ENV", "development"),
		Debug: getEnvAsBool("DEBUG", false),

		DBPath: getEnv("DB_PATH", "users.db"),

		Exchange:      strings.ToLower(getEnv("EXCHANGE", "bitget")),
		BitgetBaseURL: getEnv("BITGET_BASE_URL", "https://api.bitget.com"),

		GatewayTimeout: getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second),
		StorageTimeout: getEnvAsDuration("STORAGE_TIMEOUT", 5*time.Second),
		LockTimeout:    getEnvAsDuration("LOCK_TIMEOUT", 15*time.Second),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		TokenTTL:      getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		IdempotencyTTL:       getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		HousekeepingInterval: getEnvAsDuration("HOUSEKEEPING_INTERVAL", 5*time.Minute),

		LogFile: getEnv("LOG_FILE", ""),

		PaperBalance:     getEnvAsFloat("PAPER_BALANCE", 10000),
		PaperSuccessRate: getEnvAsFloat("PAPER_SUCCESS_RATE", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks secrets and numeric ranges
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256, got %d", len(c.EncryptionKey))
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	switch c.Exchange {
	case "bitget", "paper":
	default:
		return fmt.Errorf("EXCHANGE must be bitget or paper, got %q", c.Exchange)
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %q", c.Port)
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %v", c.GatewayTimeout)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("STORAGE_TIMEOUT must be positive, got %v", c.StorageTimeout)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %v", c.LockTimeout)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %v", c.TokenTTL)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %v", c.IdempotencyTTL)
	}
	if c.HousekeepingInterval <= 0 {
		return fmt.Errorf("HOUSEKEEPING_INTERVAL must be positive, got %v", c.HousekeepingInterval)
	}

	if c.PaperBalance < 0 {
		return fmt.Errorf("PAPER_BALANCE cannot be negative, got %v", c.PaperBalance)
	}
	if c.PaperSuccessRate < 0 || c.PaperSuccessRate > 1 {
		return fmt.Errorf("PAPER_SUCCESS_RATE must be between 0 and 1, got %v", c.PaperSuccessRate)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
