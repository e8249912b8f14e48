// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Store drivers accepted in STORE_DRIVER.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string // empty disables the gRPC health server
	LogLevel       slog.Level
	AllowedOrigins []string

	Store    StoreConfig
	Platform PlatformConfig
	Events   EventsConfig

	AgentsFile        string
	WebhookToken      string
	TokenURL          string
	BackendTimeout    time.Duration
	SchedulerInterval time.Duration
}

// StoreConfig selects and configures the session store.
type StoreConfig struct {
	Driver     string
	DBPath     string
	RedisURL   string
	SessionTTL time.Duration
}

// PlatformConfig points at the livechat platform REST bridge.
type PlatformConfig struct {
	URL   string
	Token string
}

// EventsConfig controls lifecycle event publishing.
type EventsConfig struct {
	AMQPURL  string // empty selects the logging publisher
	Exchange string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", ""),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
			DBPath:     getEnv("DB_PATH", "./data/dfbridge.db"),
			RedisURL:   getEnv("REDIS_URL", "redis://localhost:6379/0"),
			SessionTTL: getEnvDuration("SESSION_TTL", 24*time.Hour),
		},
		Platform: PlatformConfig{
			URL:   getEnv("PLATFORM_URL", ""),
			Token: getEnv("PLATFORM_TOKEN", ""),
		},
		Events: EventsConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "dfbridge.events"),
		},
		AgentsFile:        getEnv("AGENTS_FILE", "./agents.toml"),
		WebhookToken:      getEnv("WEBHOOK_TOKEN", ""),
		TokenURL:          getEnv("TOKEN_URL", "https://www.googleapis.com/oauth2/v4/token"),
		BackendTimeout:    getEnvDuration("BACKEND_TIMEOUT", 35*time.Second),
		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", time.Second),
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
	if c.AgentsFile == "" {
		return fmt.Errorf("AGENTS_FILE cannot be empty")
	}
	if c.Platform.URL == "" {
		return fmt.Errorf("PLATFORM_URL cannot be empty")
	}
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreSQLite, StoreRedis, c.Store.Driver)
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return fmt.Errorf("AMQP_EXCHANGE cannot be empty")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be > 0")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
