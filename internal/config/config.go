// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings. An empty URL selects the in-memory store.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Upstream completion provider
	UpstreamProvider string
	UpstreamBaseURL  string
	DefaultModel     string

	// Stream engine
	Stream StreamConfig

	// Completeness detector
	DetectorLengthThreshold  int
	DetectorBracketThreshold int

	// Credential verification cache
	AuthCacheTTL  time.Duration
	AuthCacheSize int

	// CORS
	CORSAllowedOrigins []string

	// Rate limiting
	RateLimitCompletions int
	RateLimitSession     int
	RateLimitRequests    int
	RateLimitWindow      time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// StreamConfig holds the retry and continuation knobs of the completion engine.
type StreamConfig struct {
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	AttemptTimeout   time.Duration
	Temperature      float64
	MaxTokens        int
	HistoryLimit     int
	MaxContinuations int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		// Streams outlive any fixed write deadline; zero disables it.
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Upstream
		UpstreamProvider: getEnv("UPSTREAM_PROVIDER", "openai"),
		UpstreamBaseURL:  getEnv("UPSTREAM_BASE_URL", "https://gen.pollinations.ai"),
		DefaultModel:     getEnv("DEFAULT_MODEL", "openai"),

		// Stream engine
		Stream: StreamConfig{
			MaxRetries:       getIntEnv("STREAM_MAX_RETRIES", 2),
			BaseDelay:        getDurationEnv("STREAM_BASE_DELAY", time.Second),
			MaxDelay:         getDurationEnv("STREAM_MAX_DELAY", 10*time.Second),
			AttemptTimeout:   getDurationEnv("STREAM_ATTEMPT_TIMEOUT", 65*time.Second),
			Temperature:      getFloatEnv("COMPLETION_TEMPERATURE", 0.2),
			MaxTokens:        getIntEnv("COMPLETION_MAX_TOKENS", 9000),
			HistoryLimit:     getIntEnv("HISTORY_MAX_MESSAGES", 10),
			MaxContinuations: getIntEnv("MAX_CONTINUATIONS", 0),
		},

		// Detector
		DetectorLengthThreshold:  getIntEnv("DETECTOR_LENGTH_THRESHOLD", 15000),
		DetectorBracketThreshold: getIntEnv("DETECTOR_BRACKET_THRESHOLD", 3),

		// Auth cache
		AuthCacheTTL:  getDurationEnv("AUTH_CACHE_TTL", 30*time.Second),
		AuthCacheSize: getIntEnv("AUTH_CACHE_SIZE", 500),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Rate limiting
		RateLimitCompletions: getIntEnv("RATE_LIMIT_COMPLETIONS", 20),
		RateLimitSession:     getIntEnv("RATE_LIMIT_SESSION", 5),
		RateLimitRequests:    getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:      getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
