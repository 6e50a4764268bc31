package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	DefaultModel  string `env:"DEFAULT_MODEL" env-default:"gpt-4o-mini"`

	SerpAPIKey     string        `env:"SERPAPI_API_KEY"`
	SearchProvider string        `env:"SEARCH_PROVIDER" env-default:"serpapi"`
	ImageSearch    bool          `env:"IMAGE_SEARCH" env-default:"true"`
	RedisURL       string        `env:"REDIS_URL"`
	SearchCacheTTL time.Duration `env:"SEARCH_CACHE_TTL" env-default:"10m"`
	ScrapeTimeout  time.Duration `env:"SCRAPE_TIMEOUT" env-default:"8s"`

	DatabaseURL string `env:"DATABASE_URL" env-default:"data/search_assistant.db"`
	HTTPPort    string `env:"HTTP_PORT" env-default:"8080"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"INFO"`
}

func (c *Config) Debug() bool {
	return c.LogLevel == "DEBUG"
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil { // Load .env file if it exists
		log.Println("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv parses and validates the configuration from the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		return errors.New("OPENAI_API_KEY or GEMINI_API_KEY environment variable is required")
	}
	switch c.SearchProvider {
	case "serpapi", "duckduckgo":
	default:
		return fmt.Errorf("unknown SEARCH_PROVIDER %q (want serpapi or duckduckgo)", c.SearchProvider)
	}
	if c.ScrapeTimeout <= 0 {
		return errors.New("SCRAPE_TIMEOUT must be positive")
	}
	return nil
}
