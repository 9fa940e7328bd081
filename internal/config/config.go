// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/shijo-seo/shijo/internal/plans"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional backend for free-tier daily counters

	// Billing provider
	StripeWebhookSecret   string
	StripePricePro        string
	StripePriceEnterprise string
	StripePriceCredits10  string
	StripePriceCredits50  string
	StripePriceCredits100 string
	// CreditMetered lists "tier:feature" pairs charged in prepaid credits,
	// e.g. "pro:serpSnapshots".
	CreditMetered []string

	// Security
	ServiceAPIKey string // Shared key for product services calling the metering API
	AdminSecret   string // Admin API secret
	CORSOrigins   []string

	// Rate limits for unauthenticated and admin surfaces, per client IP
	WebhookRateLimit int // requests per minute
	AdminRateLimit   int

	// Observability
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	// Maintenance
	DailyRetentionDays int
	ReconcileInterval  time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRetentionDays     = 30
	DefaultReconcileInterval = time.Hour
	DefaultWebhookRateLimit  = 600
	DefaultAdminRateLimit    = 60
	DefaultTraceSampleRatio  = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePricePro:        os.Getenv("STRIPE_PRICE_PRO"),
		StripePriceEnterprise: os.Getenv("STRIPE_PRICE_ENTERPRISE"),
		StripePriceCredits10:  os.Getenv("STRIPE_PRICE_CREDITS_10"),
		StripePriceCredits50:  os.Getenv("STRIPE_PRICE_CREDITS_50"),
		StripePriceCredits100: os.Getenv("STRIPE_PRICE_CREDITS_100"),
		CreditMetered:         getEnvList("CREDIT_METERED_FEATURES"),
		ServiceAPIKey:         os.Getenv("SERVICE_API_KEY"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		WebhookRateLimit:      int(getEnvInt64("WEBHOOK_RATE_LIMIT", DefaultWebhookRateLimit)),
		AdminRateLimit:        int(getEnvInt64("ADMIN_RATE_LIMIT", DefaultAdminRateLimit)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:          getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		TraceSampleRatio:      getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
		DailyRetentionDays:    int(getEnvInt64("DAILY_RETENTION_DAYS", DefaultRetentionDays)),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DailyRetentionDays <= 0 {
		return fmt.Errorf("DAILY_RETENTION_DAYS must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.WebhookRateLimit <= 0 || c.AdminRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	for _, entry := range c.CreditMetered {
		if _, _, err := parseCreditMetered(entry); err != nil {
			return fmt.Errorf("CREDIT_METERED_FEATURES: %w", err)
		}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if !c.IsProduction() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
	}
	if c.ServiceAPIKey == "" {
		return fmt.Errorf("SERVICE_API_KEY is required in production")
	}
	return nil
}

// CatalogOptions returns the plan catalog overrides for configured price ids.
func (c *Config) CatalogOptions() []plans.Option {
	var opts []plans.Option
	if c.StripePricePro != "" {
		opts = append(opts, plans.WithTierPrice(plans.TierPro, c.StripePricePro))
	}
	if c.StripePriceEnterprise != "" {
		opts = append(opts, plans.WithTierPrice(plans.TierEnterprise, c.StripePriceEnterprise))
	}
	for credits, price := range map[int64]string{
		10:  c.StripePriceCredits10,
		50:  c.StripePriceCredits50,
		100: c.StripePriceCredits100,
	} {
		if price != "" {
			opts = append(opts, plans.WithCreditPackPrice(credits, price))
		}
	}
	for _, entry := range c.CreditMetered {
		if tier, f, err := parseCreditMetered(entry); err == nil {
			opts = append(opts, plans.WithCreditMetered(tier, f))
		}
	}
	return opts
}

func parseCreditMetered(entry string) (plans.Tier, plans.Feature, error) {
	tierName, key, ok := strings.Cut(entry, ":")
	if !ok {
		return "", 0, fmt.Errorf("%q is not tier:feature", entry)
	}
	tier := plans.Tier(strings.TrimSpace(tierName))
	switch tier {
	case plans.TierFree, plans.TierPro, plans.TierEnterprise:
	default:
		return "", 0, fmt.Errorf("unknown tier %q", tierName)
	}
	f, ok := plans.ParseFeature(strings.TrimSpace(key))
	if !ok {
		return "", 0, fmt.Errorf("unknown feature %q", key)
	}
	return tier, f, nil
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
