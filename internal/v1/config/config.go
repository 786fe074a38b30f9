package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port   string
	DBPath string

	// Identity provider
	TokenIssuer     string
	TokenAudience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// AI provider
	AIProvider string // "openai", "echo" (dev)
	AIModel    string
	AIAPIKey   string
	AIBaseURL  string

	// Optional variables with defaults
	GoEnv         string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	OtelCollector string

	// Rate Limits
	RateLimitWsIP     string
	RateLimitWsUser   string
	RateLimitWsEvents string

	// Timeouts
	HandshakeTimeout   time.Duration
	TypingExpiry       time.Duration
	PresenceGrace      time.Duration
	RingTimeout        time.Duration
	CallReconnectGrace time.Duration
	AIStreamCap        time.Duration
	AIReadIdle         time.Duration
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DB_PATH (SQLite file, or ":memory:" for throwaway instances)
	cfg.DBPath = os.Getenv("DB_PATH")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH is required")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Identity provider
	cfg.TokenIssuer = os.Getenv("TOKEN_ISSUER")
	cfg.TokenAudience = os.Getenv("TOKEN_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	if !cfg.SkipAuth && !cfg.DevelopmentMode {
		if cfg.TokenIssuer == "" || cfg.TokenAudience == "" {
			errs = append(errs, "TOKEN_ISSUER and TOKEN_AUDIENCE are required when SKIP_AUTH=false")
		}
	}

	// AI provider
	cfg.AIProvider = getEnvOrDefault("AI_PROVIDER", "openai")
	cfg.AIModel = getEnvOrDefault("AI_MODEL", "gpt-4o-mini")
	cfg.AIAPIKey = os.Getenv("AI_API_KEY")
	cfg.AIBaseURL = os.Getenv("AI_BASE_URL")
	if cfg.AIProvider == "openai" && cfg.AIAPIKey == "" && !cfg.DevelopmentMode {
		errs = append(errs, "AI_API_KEY is required when AI_PROVIDER=openai")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: OTEL collector address (tracing disabled when empty)
	cfg.OtelCollector = os.Getenv("OTEL_COLLECTOR_ADDR")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "30-M")
	cfg.RateLimitWsEvents = getEnvOrDefault("RATE_LIMIT_WS_EVENTS", "600-M")

	// Timeouts
	cfg.HandshakeTimeout = getEnvDuration("HANDSHAKE_TIMEOUT", 5*time.Second, &errs)
	cfg.TypingExpiry = getEnvDuration("TYPING_EXPIRY", 5*time.Second, &errs)
	cfg.PresenceGrace = getEnvDuration("PRESENCE_GRACE", 5*time.Second, &errs)
	cfg.RingTimeout = getEnvDuration("RING_TIMEOUT", 30*time.Second, &errs)
	cfg.CallReconnectGrace = getEnvDuration("CALL_RECONNECT_GRACE", 10*time.Second, &errs)
	cfg.AIStreamCap = getEnvDuration("AI_STREAM_CAP", 120*time.Second, &errs)
	cfg.AIReadIdle = getEnvDuration("AI_READ_IDLE", 30*time.Second, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"db_path", cfg.DBPath,
		"token_issuer", cfg.TokenIssuer,
		"ai_provider", cfg.AIProvider,
		"ai_model", cfg.AIModel,
		"ai_api_key", redactSecret(cfg.AIAPIKey),
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
		"ring_timeout", cfg.RingTimeout,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvDuration parses a duration env var, collecting an error on bad input
func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive duration like '5s' (got '%s')", key, value))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
