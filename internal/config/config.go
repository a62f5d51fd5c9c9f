// Package config loads runtime settings.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML file,
// QAPLANET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "QAPLANET_"

// Config holds every setting the server needs.
type Config struct {
	Port            int           `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	LogLevel  string `yaml:"log_level"`  // "debug" | "info" | "warn" | "error"
	PrettyLog bool   `yaml:"pretty_log"` // true => zap dev (color), false => JSON

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	CORSOrigins []string `yaml:"cors_origins"`

	Generate GenerateConfig `yaml:"generate"`
	Redis    RedisConfig    `yaml:"redis"`
	Rate     RateConfig     `yaml:"rate"`
}

// GenerateConfig points at an OpenAI-compatible chat-completion API.
type GenerateConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	// MaxConcurrent caps simultaneous upstream streams for this process.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RedisConfig is optional. An empty Addr selects the in-memory rate limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateConfig sets per-user request budgets per minute.
type RateConfig struct {
	GeneratePerMinute int `yaml:"generate_per_minute"`
	CommentPerMinute  int `yaml:"comment_per_minute"`
}

// Default returns the built-in settings. JWTSecret is intentionally empty.
func Default() *Config {
	return &Config{
		Port:            8080,
		DBPath:          "data/qaplanet.db",
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		TokenTTL:        7 * 24 * time.Hour,
		CORSOrigins:     []string{"*"},
		Generate: GenerateConfig{
			BaseURL:       "https://api.deepseek.com",
			Model:         "deepseek-reasoner",
			Timeout:       2 * time.Minute,
			MaxTokens:     2000,
			Temperature:   0.7,
			MaxConcurrent: 8,
		},
		Rate: RateConfig{
			GeneratePerMinute: 10,
			CommentPerMinute:  30,
		},
	}
}

// Load builds and validates the configuration. path may be empty; when it
// is, the QAPLANET_CONFIG variable is consulted.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for maintenance commands that only need
// a subset of the settings (the database path, say).
func Read(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getenvInt("PORT", c.Port)
	c.DBPath = getenv("DB_PATH", c.DBPath)
	c.ShutdownTimeout = mustDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.PrettyLog = mustBool("PRETTY_LOG", c.PrettyLog)

	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.TokenTTL = mustDuration("TOKEN_TTL", c.TokenTTL)

	if v := getenv("CORS_ORIGINS", ""); v != "" {
		c.CORSOrigins = splitAndTrim(v)
	}

	c.Generate.BaseURL = getenv("GENERATE_BASE_URL", c.Generate.BaseURL)
	c.Generate.APIKey = getenv("GENERATE_API_KEY", c.Generate.APIKey)
	c.Generate.Model = getenv("GENERATE_MODEL", c.Generate.Model)
	c.Generate.Timeout = mustDuration("GENERATE_TIMEOUT", c.Generate.Timeout)
	c.Generate.MaxTokens = getenvInt("GENERATE_MAX_TOKENS", c.Generate.MaxTokens)
	c.Generate.Temperature = getenvFloat("GENERATE_TEMPERATURE", c.Generate.Temperature)
	c.Generate.MaxConcurrent = getenvInt("GENERATE_MAX_CONCURRENT", c.Generate.MaxConcurrent)

	c.Redis.Addr = getenv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("REDIS_DB", c.Redis.DB)

	c.Rate.GeneratePerMinute = getenvInt("RATE_GENERATE_PER_MIN", c.Rate.GeneratePerMinute)
	c.Rate.CommentPerMinute = getenvInt("RATE_COMMENT_PER_MIN", c.Rate.CommentPerMinute)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New(envPrefix+"JWT_SECRET must be set and at least 16 characters"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token_ttl must be positive"))
	}
	if c.Generate.BaseURL == "" {
		errs = append(errs, errors.New("generate.base_url is required"))
	}
	if c.Generate.Temperature < 0 || c.Generate.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generate.temperature %.2f out of range [0,2]", c.Generate.Temperature))
	}
	if c.Generate.MaxConcurrent < 1 {
		errs = append(errs, errors.New("generate.max_concurrent must be at least 1"))
	}
	if c.Rate.GeneratePerMinute < 0 || c.Rate.CommentPerMinute < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	cp := *c
	if cp.JWTSecret != "" {
		cp.JWTSecret = "***REDACTED***"
	}
	if cp.Generate.APIKey != "" {
		cp.Generate.APIKey = "***REDACTED***"
	}
	if cp.Redis.Password != "" {
		cp.Redis.Password = "***REDACTED***"
	}
	return cp
}

// helpers

func getenv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
