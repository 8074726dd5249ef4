// Package config provides application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	// Server side.
	ListenAddr   string
	DBPath       string
	Provider     string // "static" or "gemini"
	GeminiAPIKey string
	GeminiModel  string
	AuthTokens   map[string]string // bearer token -> owner identity
	SessionLimit int
	RateLimit    int // session creations per owner per minute

	// Client side.
	ServerURL   string
	APIToken    string
	LogEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		DBPath:       getEnv("DB_PATH", "./data/planner.db"),
		Provider:     getEnv("PROVIDER", "static"),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		AuthTokens:   parseTokens(getEnv("AUTH_TOKENS", "dev-token:dev")),
		SessionLimit: getEnvInt("SESSION_LIMIT", 20),
		RateLimit:    getEnvInt("RATE_LIMIT", 10),

		ServerURL:   getEnv("PLANNER_URL", "http://localhost:8080"),
		APIToken:    getEnv("PLANNER_TOKEN", "dev-token"),
		LogEndpoint: getEnv("LOG_ENDPOINT", ""),
	}
	if cfg.LogEndpoint == "" {
		cfg.LogEndpoint = strings.TrimRight(cfg.ServerURL, "/") + "/api/logs"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are set and consistent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Provider {
	case "static":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required with PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown PROVIDER %q", c.Provider)
	}
	if len(c.AuthTokens) == 0 {
		return fmt.Errorf("AUTH_TOKENS cannot be empty")
	}
	return nil
}

// parseTokens reads "token:owner,token:owner" pairs.
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, owner, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = owner
	}
	return tokens
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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
