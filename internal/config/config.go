// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Security
	APIKeys        []string // Shared keys accepted from the upstream API layer
	AllowedOrigins []string
	PaymentRPM     int // Payment initiations per user per minute

	// Escrow economics (basis points of totalAmount)
	EscrowFeeBps      int64
	NotaryFeeBps      int64
	DefaultDepositBps int64
	Currency          string

	// Escrow deadlines
	DepositWindow     time.Duration
	FullPaymentWindow time.Duration
	ExpirySweep       bool // Opt-in automatic cancellation of expired escrows
	ExpirySweepEvery  time.Duration

	// Mobile money
	ProvidersFile      string // Optional YAML provider catalog
	PollInterval       time.Duration
	PollBudget         time.Duration
	ReconcileInterval  time.Duration
	ProviderFailures   int           // Consecutive provider failures before the breaker opens
	ProviderCooldown   time.Duration // How long an open breaker rejects calls
	SimulatedAutoAfter int           // Status polls before the simulated provider confirms

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultCurrency          = "XOF"
	DefaultEscrowFeeBps      = 200  // 2%
	DefaultNotaryFeeBps      = 100  // 1%
	DefaultDepositBps        = 1000 // 10%
	DefaultDepositWindow     = 7 * 24 * time.Hour
	DefaultFullPaymentWindow = 30 * 24 * time.Hour
	DefaultPollInterval      = 3 * time.Second
	DefaultPollBudget        = 60 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultSweepInterval     = 15 * time.Minute
	DefaultPaymentRPM        = 10
	DefaultProviderFailures  = 5
	DefaultProviderCooldown  = 30 * time.Second
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
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKeys:             getEnvList("API_KEYS"),
		AllowedOrigins:      getEnvList("ALLOWED_ORIGINS"),
		PaymentRPM:          int(getEnvInt64("PAYMENT_RPM", DefaultPaymentRPM)),
		EscrowFeeBps:        getEnvInt64("ESCROW_FEE_BPS", DefaultEscrowFeeBps),
		NotaryFeeBps:        getEnvInt64("NOTARY_FEE_BPS", DefaultNotaryFeeBps),
		DefaultDepositBps:   getEnvInt64("DEFAULT_DEPOSIT_BPS", DefaultDepositBps),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		DepositWindow:       getEnvDuration("DEPOSIT_WINDOW", DefaultDepositWindow),
		FullPaymentWindow:   getEnvDuration("FULL_PAYMENT_WINDOW", DefaultFullPaymentWindow),
		ExpirySweep:         getEnvBool("ESCROW_EXPIRY_SWEEP", false),
		ExpirySweepEvery:    getEnvDuration("ESCROW_EXPIRY_SWEEP_INTERVAL", DefaultSweepInterval),
		ProvidersFile:       os.Getenv("PROVIDERS_FILE"),
		PollInterval:        getEnvDuration("PAYMENT_POLL_INTERVAL", DefaultPollInterval),
		PollBudget:          getEnvDuration("PAYMENT_POLL_BUDGET", DefaultPollBudget),
		ReconcileInterval:   getEnvDuration("PAYMENT_RECONCILE_INTERVAL", DefaultReconcileInterval),
		ProviderFailures:    int(getEnvInt64("PROVIDER_BREAKER_FAILURES", DefaultProviderFailures)),
		ProviderCooldown:    getEnvDuration("PROVIDER_BREAKER_COOLDOWN", DefaultProviderCooldown),
		SimulatedAutoAfter:  int(getEnvInt64("SIMULATED_CONFIRM_AFTER", 2)),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	for name, bps := range map[string]int64{
		"ESCROW_FEE_BPS":      c.EscrowFeeBps,
		"NOTARY_FEE_BPS":      c.NotaryFeeBps,
		"DEFAULT_DEPOSIT_BPS": c.DefaultDepositBps,
	} {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("%s must be between 0 and 10000, got %d", name, bps)
		}
	}
	if c.EscrowFeeBps+c.NotaryFeeBps > 10000 {
		return fmt.Errorf("combined escrow and notary fees exceed 100%%")
	}

	if c.PollInterval <= 0 || c.PollBudget < c.PollInterval {
		return fmt.Errorf("PAYMENT_POLL_BUDGET must be at least PAYMENT_POLL_INTERVAL")
	}
	if c.DepositWindow <= 0 || c.FullPaymentWindow < c.DepositWindow {
		return fmt.Errorf("FULL_PAYMENT_WINDOW must not be shorter than DEPOSIT_WINDOW")
	}

	if c.NotifyWebhookURL != "" && !strings.HasPrefix(c.NotifyWebhookURL, "http") {
		return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http(s) URL")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
