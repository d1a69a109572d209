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
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	RequestTimeout time.Duration
	OTLPEndpoint   string
	RateLimitRPM   int // per client IP; 0 disables

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	PostgresMaxOpen int
	PostgresMaxIdle int
	RedisURL        string // Optional: shared blocklist and cross-instance UPI locks
	UPILockShards   int

	// Model artifacts
	ModelDir            string
	ModelReloadInterval time.Duration // 0 disables polling

	// Explanation service (OpenAI-compatible chat completions)
	ExplainBaseURL string
	ExplainAPIKey  string
	ExplainModel   string
	ExplainTimeout time.Duration

	// Rules
	GeoRulesPath string // YAML rule table; empty uses the built-in table

	// Structuring detector
	PatternInterval       time.Duration
	PatternMonitoredUsers []string // empty = every recently active user
	PatternAlertCooldown  time.Duration
	PatternResyncEvery    int

	// Admin
	AdminSecret string

	// Browser origins allowed by CORS; empty allows any origin without credentials.
	CORSOrigins []string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultRequestTimeout      = 15 * time.Second
	DefaultModelDir            = "models"
	DefaultExplainBaseURL      = "https://api.groq.com/openai/v1"
	DefaultExplainModel        = "llama-3.1-8b-instant"
	DefaultExplainTimeout      = 4 * time.Second
	DefaultPatternInterval     = 15 * time.Minute
	DefaultPatternCooldown     = time.Hour
	DefaultPatternResyncEvery  = 20
	DefaultPostgresMaxOpen     = 25
	DefaultPostgresMaxIdle     = 5
	DefaultUPILockShards       = 256
	DefaultRateLimitRPM        = 600
	minPatternInterval         = time.Second
	maxExplainTimeout          = 30 * time.Second
	productionMinPatternPeriod = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		RequestTimeout:        getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		PostgresMaxOpen:       int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", DefaultPostgresMaxOpen)),
		PostgresMaxIdle:       int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", DefaultPostgresMaxIdle)),
		RedisURL:              os.Getenv("REDIS_URL"),
		UPILockShards:         int(getEnvInt64("UPI_LOCK_SHARDS", DefaultUPILockShards)),
		ModelDir:              getEnv("MODEL_DIR", DefaultModelDir),
		ModelReloadInterval:   getEnvDuration("MODEL_RELOAD_INTERVAL", 0),
		ExplainBaseURL:        getEnv("EXPLAIN_BASE_URL", DefaultExplainBaseURL),
		ExplainAPIKey:         firstEnv("EXPLAIN_API_KEY", "GROQ_API_KEY"),
		ExplainModel:          getEnv("EXPLAIN_MODEL", DefaultExplainModel),
		ExplainTimeout:        getEnvDuration("EXPLAIN_TIMEOUT", DefaultExplainTimeout),
		GeoRulesPath:          os.Getenv("GEO_RULES_PATH"),
		PatternInterval:       getEnvDuration("PATTERN_INTERVAL", DefaultPatternInterval),
		PatternMonitoredUsers: getEnvList("PATTERN_MONITORED_USERS"),
		PatternAlertCooldown:  getEnvDuration("PATTERN_ALERT_COOLDOWN", DefaultPatternCooldown),
		PatternResyncEvery:    int(getEnvInt64("PATTERN_RESYNC_EVERY", DefaultPatternResyncEvery)),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		CORSOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be one of development, staging, production (got %q)", c.Env)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}

	if c.PatternInterval < minPatternInterval {
		return fmt.Errorf("PATTERN_INTERVAL must be at least %s", minPatternInterval)
	}
	if c.IsProduction() && c.PatternInterval < productionMinPatternPeriod {
		return fmt.Errorf("PATTERN_INTERVAL must be at least %s in production", productionMinPatternPeriod)
	}
	if c.PatternAlertCooldown < 0 {
		return fmt.Errorf("PATTERN_ALERT_COOLDOWN must not be negative")
	}

	if c.ExplainTimeout <= 0 || c.ExplainTimeout > maxExplainTimeout {
		return fmt.Errorf("EXPLAIN_TIMEOUT must be between 1ms and %s", maxExplainTimeout)
	}

	if c.ModelReloadInterval < 0 {
		return fmt.Errorf("MODEL_RELOAD_INTERVAL must not be negative")
	}

	if c.UPILockShards < 1 {
		return fmt.Errorf("UPI_LOCK_SHARDS must be at least 1")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("15s") or bare seconds ("15").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
