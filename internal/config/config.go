package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHTTPAddress               = "0.0.0.0:8080"
	defaultLogLevel                  = "info"
	defaultRedisHost                 = "127.0.0.1"
	defaultRedisPort                 = "6379"
	defaultCORSOrigin                = "*"
	defaultMessageLimit              = 100
	defaultTypingTimeout             = 5 * time.Second
	defaultReconnectGrace            = 5 * time.Second
	defaultCacheTTL                  = 30 * time.Second
	defaultContentTTL                = 7 * 24 * time.Hour
	defaultFailureThreshold          = 5
	defaultResetTimeout              = 30 * time.Second
	defaultMaxReconnectAttempts      = 10
	defaultMaxConnectionsPerMinute   = 60
	defaultRateLimitWindow           = 60 * time.Second
	defaultHighLatencyMS             = 500.0
	defaultHighErrorRatePct          = 5.0
	defaultHighMemoryPct             = 85.0
)

// AppConfig captures runtime configuration for the gateway process.
type AppConfig struct {
	HTTPAddress    string
	Environment    string
	JWTSecret      string
	RedisHost      string
	RedisPort      string
	LogLevel       string
	CORSOrigin     string
	MetricsAPIKey  string

	MessageLimit            int
	TypingTimeout            time.Duration
	ReconnectGrace           time.Duration
	CacheTTL                 time.Duration
	ContentTTL               time.Duration
	FailureThreshold         int
	ResetTimeout             time.Duration
	MaxReconnectAttempts     int
	MaxConnectionsPerMinute  int
	RateLimitWindow          time.Duration
	HighLatencyMS            float64
	HighErrorRatePct         float64
	HighMemoryPct            float64
}

// IsProduction reports whether the process should run with strict auth
// and metrics-endpoint protection.
func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// RedisAddress returns "host:port" for the configured Redis endpoint.
func (c AppConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.AutomaticEnv()

	configViper.SetDefault("PORT", "8080")
	configViper.SetDefault("NODE_ENV", "development")
	configViper.SetDefault("JWT_SECRET", "")
	configViper.SetDefault("REDIS_HOST", defaultRedisHost)
	configViper.SetDefault("REDIS_PORT", defaultRedisPort)
	configViper.SetDefault("LOG_LEVEL", defaultLogLevel)
	configViper.SetDefault("CORS_ORIGIN", defaultCORSOrigin)
	configViper.SetDefault("METRICS_API_KEY", "")

	configViper.SetDefault("MESSAGE_LIMIT", defaultMessageLimit)
	configViper.SetDefault("TYPING_TIMEOUT_MS", defaultTypingTimeout.Milliseconds())
	configViper.SetDefault("RECONNECT_GRACE_MS", defaultReconnectGrace.Milliseconds())
	configViper.SetDefault("CACHE_TTL_MS", defaultCacheTTL.Milliseconds())
	configViper.SetDefault("CONTENT_TTL_MS", defaultContentTTL.Milliseconds())
	configViper.SetDefault("FAILURE_THRESHOLD", defaultFailureThreshold)
	configViper.SetDefault("RESET_TIMEOUT_MS", defaultResetTimeout.Milliseconds())
	configViper.SetDefault("MAX_RECONNECT_ATTEMPTS", defaultMaxReconnectAttempts)
	configViper.SetDefault("MAX_CONNECTIONS_PER_MINUTE", defaultMaxConnectionsPerMinute)
	configViper.SetDefault("RATE_LIMIT_WINDOW_MS", defaultRateLimitWindow.Milliseconds())
	configViper.SetDefault("HIGH_LATENCY_MS", defaultHighLatencyMS)
	configViper.SetDefault("HIGH_ERROR_RATE_PCT", defaultHighErrorRatePct)
	configViper.SetDefault("HIGH_MEMORY_PCT", defaultHighMemoryPct)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   ":" + configViper.GetString("PORT"),
		Environment:   configViper.GetString("NODE_ENV"),
		JWTSecret:     configViper.GetString("JWT_SECRET"),
		RedisHost:     configViper.GetString("REDIS_HOST"),
		RedisPort:     configViper.GetString("REDIS_PORT"),
		LogLevel:      configViper.GetString("LOG_LEVEL"),
		CORSOrigin:    configViper.GetString("CORS_ORIGIN"),
		MetricsAPIKey: configViper.GetString("METRICS_API_KEY"),

		MessageLimit:            configViper.GetInt("MESSAGE_LIMIT"),
		TypingTimeout:           time.Duration(configViper.GetInt64("TYPING_TIMEOUT_MS")) * time.Millisecond,
		ReconnectGrace:          time.Duration(configViper.GetInt64("RECONNECT_GRACE_MS")) * time.Millisecond,
		CacheTTL:                time.Duration(configViper.GetInt64("CACHE_TTL_MS")) * time.Millisecond,
		ContentTTL:              time.Duration(configViper.GetInt64("CONTENT_TTL_MS")) * time.Millisecond,
		FailureThreshold:        configViper.GetInt("FAILURE_THRESHOLD"),
		ResetTimeout:            time.Duration(configViper.GetInt64("RESET_TIMEOUT_MS")) * time.Millisecond,
		MaxReconnectAttempts:    configViper.GetInt("MAX_RECONNECT_ATTEMPTS"),
		MaxConnectionsPerMinute: configViper.GetInt("MAX_CONNECTIONS_PER_MINUTE"),
		RateLimitWindow:         time.Duration(configViper.GetInt64("RATE_LIMIT_WINDOW_MS")) * time.Millisecond,
		HighLatencyMS:           configViper.GetFloat64("HIGH_LATENCY_MS"),
		HighErrorRatePct:        configViper.GetFloat64("HIGH_ERROR_RATE_PCT"),
		HighMemoryPct:           configViper.GetFloat64("HIGH_MEMORY_PCT"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if strings.TrimSpace(c.RedisHost) == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if c.MessageLimit <= 0 {
		return fmt.Errorf("MESSAGE_LIMIT must be positive")
	}
	return nil
}
