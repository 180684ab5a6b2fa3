// Package config loads gateway configuration from the environment,
// an optional .env file, and an optional static TOML overlay.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	LogLevel        string

	// Relational store
	DatabaseURL string

	// Optional Redis URL; when set, main dials and pings it at startup.
	// No cache reads or writes go through Redis.
	RedisURL string

	// Primary ("Plan") upstream
	PlanAPIURL string
	PlanAPIKey string

	// Auth
	KeyHasherSecret   string
	AccessKeyCacheTTL time.Duration

	// KMS
	KMSKeyID     string
	KMSMasterKey string

	// Bedrock
	BedrockRegion       string
	BedrockDefaultModel string
	BedrockKeyCacheTTL  time.Duration

	// Circuit breaker
	CircuitFailureThreshold int
	CircuitFailureWindow    time.Duration
	CircuitResetTimeout     time.Duration

	// HTTP
	HTTPConnectTimeout time.Duration
	HTTPReadTimeout    time.Duration
	MaxBodyBytes       int64

	// Usage buckets
	WeekStartWeekday  time.Weekday
	WeekStartTimezone string
}

// tomlOverlay mirrors the subset of Config fields a static overlay file
// may set. Only non-zero fields are merged in; env vars always win.
type tomlOverlay struct {
	Addr                string `toml:"addr"`
	Env                 string `toml:"environment"`
	BedrockRegion       string `toml:"bedrock_region"`
	BedrockDefaultModel string `toml:"bedrock_default_model"`
	PlanAPIURL          string `toml:"plan_api_url"`
}

// Load reads configuration from environment variables, an optional .env
// file, and an optional gateway.toml static overlay (GATEWAY_CONFIG_FILE).
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "file:gateway.db?cache=shared&_pragma=busy_timeout(5000)"),
		RedisURL:    getEnv("REDIS_URL", ""),

		PlanAPIURL: getEnv("PLAN_API_URL", "https://api.anthropic.com"),
		PlanAPIKey: getEnv("PLAN_API_KEY", ""),

		KeyHasherSecret:   getEnv("KEY_HASHER_SECRET", ""),
		AccessKeyCacheTTL: time.Duration(getEnvInt("ACCESS_KEY_CACHE_TTL_SEC", 60)) * time.Second,

		KMSKeyID:     getEnv("KMS_KEY_ID", "default"),
		KMSMasterKey: getEnv("KMS_MASTER_KEY_B64", ""),

		BedrockRegion:       getEnv("BEDROCK_REGION", "us-east-1"),
		BedrockDefaultModel: getEnv("BEDROCK_DEFAULT_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		BedrockKeyCacheTTL:  time.Duration(getEnvInt("BEDROCK_KEY_CACHE_TTL_SEC", 300)) * time.Second,

		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 3),
		CircuitFailureWindow:    time.Duration(getEnvInt("CIRCUIT_FAILURE_WINDOW_SEC", 60)) * time.Second,
		CircuitResetTimeout:     time.Duration(getEnvInt("CIRCUIT_RESET_TIMEOUT_SEC", 1800)) * time.Second,

		HTTPConnectTimeout: time.Duration(getEnvInt("HTTP_CONNECT_TIMEOUT_SEC", 5)) * time.Second,
		HTTPReadTimeout:    time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 300)) * time.Second,
		MaxBodyBytes:       int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 10*1024*1024)),

		WeekStartWeekday:  parseWeekday(getEnv("WEEK_START_WEEKDAY", "monday")),
		WeekStartTimezone: getEnv("WEEK_START_TIMEZONE", "UTC"),
	}

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		cfg.mergeTOMLOverlay(path)
	}

	return cfg
}

// mergeTOMLOverlay layers a static gateway.toml under the env-derived
// config — only fields absent from the environment are taken from it.
func (c *Config) mergeTOMLOverlay(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var overlay tomlOverlay
	if err := toml.Unmarshal(data, &overlay); err != nil {
		return
	}
	if _, set := os.LookupEnv("GATEWAY_ADDR"); !set && overlay.Addr != "" {
		c.Addr = overlay.Addr
	}
	if _, set := os.LookupEnv("ENV"); !set && overlay.Env != "" {
		c.Env = overlay.Env
	}
	if _, set := os.LookupEnv("BEDROCK_REGION"); !set && overlay.BedrockRegion != "" {
		c.BedrockRegion = overlay.BedrockRegion
	}
	if _, set := os.LookupEnv("BEDROCK_DEFAULT_MODEL"); !set && overlay.BedrockDefaultModel != "" {
		c.BedrockDefaultModel = overlay.BedrockDefaultModel
	}
	if _, set := os.LookupEnv("PLAN_API_URL"); !set && overlay.PlanAPIURL != "" {
		c.PlanAPIURL = overlay.PlanAPIURL
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func parseWeekday(s string) time.Weekday {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Monday
	}
}
