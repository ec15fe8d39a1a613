package llm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o"
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 3
	defaultLogLevel   = "info"

	envAPIKey     = "OPENAI_API_KEY"
	envBaseURL    = "OPENAI_BASE_URL"
	envModel      = "OPENAI_MODEL"
	envTimeout    = "LLM_TIMEOUT"
	envMaxRetries = "LLM_MAX_RETRIES"
	envLogLevel   = "LLM_LOG_LEVEL"
)

// Config holds runtime settings for the LLM client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	LogLevel   string
}

// LoadConfigFromEnv builds the configuration from environment variables,
// applying defaults for everything but the API key.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		BaseURL:    os.Getenv(envBaseURL),
		APIKey:     os.Getenv(envAPIKey),
		Model:      os.Getenv(envModel),
		Timeout:    defaultTimeout,
		MaxRetries: defaultMaxRetries,
		LogLevel:   os.Getenv(envLogLevel),
	}
	cfg.applyDefaults()

	if raw := os.Getenv(envTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("llm config: invalid %s %q: %w", envTimeout, raw, err)
		}
		cfg.Timeout = d
	}
	if raw := os.Getenv(envMaxRetries); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("llm config: invalid %s %q: %w", envMaxRetries, raw, err)
		}
		cfg.MaxRetries = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DevConfig returns a configuration for simulator runs without provider
// credentials. Requests only succeed when OPENAI_BASE_URL points at an
// endpoint that ignores the placeholder key.
func DevConfig() *Config {
	cfg := &Config{
		BaseURL: os.Getenv(envBaseURL),
		APIKey:  "dev-placeholder",
		Model:   os.Getenv(envModel),
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = defaultModel
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm config: api key is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("llm config: base url is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm config: model is required")
	}
	if c.Timeout <= 0 {
		return errors.New("llm config: timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("llm config: max retries cannot be negative")
	}
	return nil
}
