// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/open-dialogue/internal/domain"
)

const DefaultTimezone = "America/Los_Angeles"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// GeneratorAddr is the gRPC agent service; empty selects the scripted
	// generator.
	GeneratorAddr  string
	GeneratorTools bool
	// RedisAddr enables cross-instance change notifications when set.
	RedisAddr string

	AgentsFile      string
	Roster          domain.Roster
	DisplayTimezone string
	Location        *time.Location

	Settings domain.Settings

	TranscriptPollInterval   time.Duration
	ConversationPollInterval time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	AdminName      string

	// AdminPassword gates deletion. Empty disables it.
	AdminPassword string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	settings := domain.Settings{
		ChainCap:           getEnvInt("CHAIN_CAP", domain.DefaultSettings().ChainCap),
		CrossProbability:   getEnvFloat("CROSS_PROBABILITY", domain.DefaultSettings().CrossProbability),
		ReflectionDuration: domain.ReflectionMinutes(getEnvInt("REFLECTION_MINUTES", 5)),
	}

	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		FrontendURL:              getEnv("FRONTEND_URL", ""),
		DBPath:                   getEnv("DB_PATH", "./data/dialogue.db"),
		GeneratorAddr:            getEnv("GENERATOR_ADDR", ""),
		GeneratorTools:           getEnvBool("GENERATOR_TOOLS", false),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		AgentsFile:               getEnv("AGENTS_FILE", ""),
		DisplayTimezone:          getEnv("DISPLAY_TIMEZONE", DefaultTimezone),
		Settings:                 settings.Normalize(),
		TranscriptPollInterval:   getEnvDuration("TRANSCRIPT_POLL_INTERVAL", 2*time.Second),
		ConversationPollInterval: getEnvDuration("CONVERSATION_POLL_INTERVAL", 10*time.Second),
		RateLimitRPS:             getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:           getEnvInt("RATE_LIMIT_BURST", 20),
		AdminName:                getEnv("ADMIN_NAME", "admin"),
		AdminPassword:            getEnv("ADMIN_PASSWORD", ""),
	}

	roster, err := LoadRoster(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	cfg.Roster = roster

	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", cfg.DisplayTimezone, err)
	}
	cfg.Location = loc

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadRoster reads the agent roster from a YAML file. An empty path yields
// the default roster; blank fields fall back to the defaults.
func LoadRoster(path string) (domain.Roster, error) {
	if path == "" {
		return domain.DefaultRoster(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Roster{}, fmt.Errorf("read agents file: %w", err)
	}
	var r domain.Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return domain.Roster{}, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	r = r.Normalize()
	if strings.EqualFold(r.A.Name, r.B.Name) {
		return domain.Roster{}, fmt.Errorf("agents file %s: agent names must differ", path)
	}
	return r, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.TranscriptPollInterval <= 0 {
		return fmt.Errorf("TRANSCRIPT_POLL_INTERVAL must be > 0")
	}
	if c.ConversationPollInterval <= 0 {
		return fmt.Errorf("CONVERSATION_POLL_INTERVAL must be > 0")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings or a bare number of seconds.
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
