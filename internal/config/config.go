// Package config handles application configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// BotCredentials holds one trading bot's account secrets, provided via the
// STEAM_BOTS environment variable as a JSON array.
type BotCredentials struct {
	SteamID        string `json:"steam_id"`
	AccountName    string `json:"account_name"`
	Password       string `json:"password"`
	SharedSecret   string `json:"shared_secret"`   // TOTP seed for Steam Guard codes
	IdentitySecret string `json:"identity_secret"` // confirmation key seed
}

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Steam
	SteamAPIKey             string
	SteamAPIBaseURL         string
	SteamRateLimitPerMinute int
	BotPoolSize             int
	Bots                    []BotCredentials
	BotSecretsKey           string // hex-encoded 32-byte AES key for secrets at rest

	// Trade engine
	PlatformFeePercent     decimal.Decimal
	TradeTimeoutSeconds    int
	AwaitLegTimeoutSeconds int
	MaintenanceMode        bool

	// Listings
	MinListingPrice decimal.Decimal
	MaxListingPrice decimal.Decimal

	// Payments
	StripeSecretKey string

	// Security
	SessionSecret string
	AdminSecret   string

	// Observability
	OTLPEndpoint string
}

// Defaults chosen for production operation.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultSteamAPIBaseURL    = "https://api.steampowered.com"
	DefaultSteamRateLimit     = 20
	DefaultBotPoolSize        = 4
	DefaultFeePercent         = "5.0"
	DefaultTradeTimeout       = 86400
	DefaultAwaitLegTimeout    = 1800
	DefaultMinListingPrice    = "0.10"
	DefaultMaxListingPrice    = "5000.00"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		SteamAPIKey:             os.Getenv("STEAM_API_KEY"),
		SteamAPIBaseURL:         getEnv("STEAM_API_BASE_URL", DefaultSteamAPIBaseURL),
		SteamRateLimitPerMinute: getEnvInt("STEAM_RATE_LIMIT_PER_MINUTE", DefaultSteamRateLimit),
		BotPoolSize:             getEnvInt("BOT_POOL_SIZE", DefaultBotPoolSize),
		BotSecretsKey:           os.Getenv("BOT_SECRETS_KEY"),
		TradeTimeoutSeconds:     getEnvInt("TRADE_TIMEOUT_SECONDS", DefaultTradeTimeout),
		AwaitLegTimeoutSeconds:  getEnvInt("AWAIT_LEG_TIMEOUT_SECONDS", DefaultAwaitLegTimeout),
		MaintenanceMode:         getEnvBool("MAINTENANCE_MODE", false),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		SessionSecret:           os.Getenv("SESSION_SECRET"),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.PlatformFeePercent, err = getEnvDecimal("PLATFORM_FEE_PERCENT", DefaultFeePercent); err != nil {
		return nil, err
	}
	if cfg.MinListingPrice, err = getEnvDecimal("MIN_LISTING_PRICE", DefaultMinListingPrice); err != nil {
		return nil, err
	}
	if cfg.MaxListingPrice, err = getEnvDecimal("MAX_LISTING_PRICE", DefaultMaxListingPrice); err != nil {
		return nil, err
	}

	if raw := os.Getenv("STEAM_BOTS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Bots); err != nil {
			return nil, fmt.Errorf("STEAM_BOTS must be a JSON array of bot credentials: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.SteamRateLimitPerMinute <= 0 {
		return fmt.Errorf("STEAM_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.TradeTimeoutSeconds <= 0 {
		return fmt.Errorf("TRADE_TIMEOUT_SECONDS must be positive")
	}
	if c.AwaitLegTimeoutSeconds <= 0 {
		return fmt.Errorf("AWAIT_LEG_TIMEOUT_SECONDS must be positive")
	}
	if c.PlatformFeePercent.IsNegative() || c.PlatformFeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be in [0, 100]")
	}
	if c.MinListingPrice.IsNegative() || c.MaxListingPrice.LessThan(c.MinListingPrice) {
		return fmt.Errorf("listing price bounds are inverted")
	}
	if len(c.Bots) > 0 && c.BotSecretsKey == "" {
		return fmt.Errorf("BOT_SECRETS_KEY is required when STEAM_BOTS is set")
	}
	for i, b := range c.Bots {
		if b.AccountName == "" || b.SteamID == "" {
			return fmt.Errorf("STEAM_BOTS[%d]: account_name and steam_id are required", i)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}
