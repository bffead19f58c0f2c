// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string
	DefaultLocale   string
	PromptsFile     string // optional YAML override for the quick prompts
	Responder       ResponderConfig
	OpenAI          OpenAIConfig
	Session         SessionConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// ResponderConfig selects where replies come from. With neither address set
// the in-process support service answers.
type ResponderConfig struct {
	URL      string
	GrpcAddr string
	// GrpcListen, when set, also serves the support service over gRPC.
	GrpcListen string
}

// OpenAIConfig configures the upstream used by the in-process support service.
type OpenAIConfig struct {
	APIKey string
	URL    string
	Model  string
}

// SessionConfig controls session behavior and lifetime.
type SessionConfig struct {
	HistoryLimit    int
	RequestTimeout  time.Duration
	IdleTTL         time.Duration
	SweepInterval   time.Duration
	DeviceRetention time.Duration
}

// RateLimitConfig bounds support requests per device.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxOpenFiles  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		DBPath:        getEnv("DB_PATH", "./data/caremate.db"),
		DefaultLocale: getEnv("DEFAULT_LOCALE", "en-US"),
		PromptsFile:   getEnv("PROMPTS_FILE", ""),
		Responder: ResponderConfig{
			URL:        getEnv("RESPONDER_URL", ""),
			GrpcAddr:   getEnv("RESPONDER_GRPC_ADDR", ""),
			GrpcListen: getEnv("RESPONDER_GRPC_LISTEN", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey: getEnv("OPENAI_API_KEY", ""),
			URL:    getEnv("OPENAI_API_URL", "https://api.openai.com/v1/chat/completions"),
			Model:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Session: SessionConfig{
			HistoryLimit:    getEnvInt("HISTORY_LIMIT", 20),
			RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			IdleTTL:         getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
			SweepInterval:   getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			DeviceRetention: getEnvDuration("DEVICE_RETENTION", 90*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
			MaxOpenFiles:  getEnvInt("CONVERSATION_LOG_MAX_OPEN_FILES", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Responder.URL != "" && c.Responder.GrpcAddr != "" {
		return fmt.Errorf("RESPONDER_URL and RESPONDER_GRPC_ADDR are mutually exclusive")
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Session.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// UsesRemoteResponder reports whether replies come from another process.
func (c *Config) UsesRemoteResponder() bool {
	return c.Responder.URL != "" || c.Responder.GrpcAddr != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
