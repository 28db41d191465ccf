package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings for the chat client and the dev server.
// Values come from the environment; LoadFile overlays a YAML file.
type Config struct {
	Environment string `yaml:"environment"`

	// Client
	BaseURL        string        `yaml:"base_url"`
	TokenFile      string        `yaml:"token_file"`
	PageLimit      int           `yaml:"page_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // Non-streaming requests only
	LogDir         string        `yaml:"log_dir"`
	LogMaxFiles    int           `yaml:"log_max_files"`

	// Dev server
	Port        string        `yaml:"port"`
	CORSOrigins string        `yaml:"cors_origins"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	StreamDelay time.Duration `yaml:"stream_delay"`
	ReplyWords  int           `yaml:"reply_words"`
	MetricsPath string        `yaml:"metrics_path"`

	// Tracing
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TraceEndpoint   string  `yaml:"trace_endpoint"` // OTLP/HTTP; empty writes spans to the log
	TraceInsecure   bool    `yaml:"trace_insecure"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

func Load() *Config {
	env := getEnv("ENVIRONMENT", "dev")

	return &Config{
		Environment: env,
		// Client
		BaseURL:        getEnv("PARLOR_BASE_URL", "http://localhost:8080"),
		TokenFile:      getEnv("PARLOR_TOKEN_FILE", defaultTokenFile()),
		PageLimit:      getIntEnv("PARLOR_PAGE_LIMIT", DefaultTurnPageLimit),
		RequestTimeout: getDurationEnv("PARLOR_REQUEST_TIMEOUT", 30*time.Second),
		LogDir:         getEnv("PARLOR_LOG_DIR", "logs"),
		LogMaxFiles:    getIntEnv("PARLOR_LOG_MAX_FILES", 10),
		// Dev server
		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "http://localhost:3000"),
		JWTSecret:   getEnv("DEV_JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:    getDurationEnv("DEV_TOKEN_TTL", 24*time.Hour),
		StreamDelay: getDurationEnv("DEV_STREAM_DELAY", getDefaultStreamDelay(env)),
		ReplyWords:  getIntEnv("DEV_REPLY_WORDS", 40),
		MetricsPath: getEnv("METRICS_PATH", "/metrics"),
		// Tracing
		TracingEnabled:  getBoolEnv("OTEL_ENABLED", false),
		TraceEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceInsecure:   getBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRate: getFloatEnv("OTEL_SAMPLER_RATIO", 1),
	}
}

// LoadFile overlays the YAML file at path onto cfg.
// Keys missing from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if cfg.PageLimit <= 0 || cfg.PageLimit > MaxTurnPageLimit {
		return fmt.Errorf("page_limit must be between 1 and %d, got %d", MaxTurnPageLimit, cfg.PageLimit)
	}

	return nil
}

// IsDev reports whether debug features (verbose logs, fast mock streams) are on
func (c *Config) IsDev() bool {
	return c.Environment == "dev" || c.Environment == "test"
}

// getDefaultStreamDelay slows the mock stream down outside of tests
func getDefaultStreamDelay(env string) time.Duration {
	if env == "test" {
		return 0
	}
	return 60 * time.Millisecond
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".parlor-token"
	}
	return dir + "/parlor/token"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
