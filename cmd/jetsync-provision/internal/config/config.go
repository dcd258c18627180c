// Package config provides configuration management for the jetsync
// provisioning tool. It loads settings from environment variables with
// sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/coregx/jetsync"
)

// Config holds all configuration for the provisioning tool.
type Config struct {
	Sync     jetsync.Config
	Database DatabaseConfig
	Consumer ConsumerConfig
	LogLevel string
}

// ConsumerConfig holds the durable consumer knobs the tool provisions.
type ConsumerConfig struct {
	MaxDeliver int
	AckWait    string // bare seconds or a Go duration string
}

// DatabaseConfig holds database connection configuration for the outbox
// and inbox tables.
type DatabaseConfig struct {
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Prefix   string // Table prefix (default: "jetsync_")
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	cfg := &Config{
		Sync: jetsync.Config{
			Environment:      getEnv("SYNC_ENVIRONMENT", "dev"),
			AppName:          getEnv("SYNC_APP_NAME", ""),
			Destination:      getEnv("SYNC_DESTINATION", ""),
			Servers:          splitList(getEnv("SYNC_SERVERS", "nats://localhost:4222")),
			OutboxEnabled:    getEnvBool("SYNC_OUTBOX_ENABLED", false),
			InboxEnabled:     getEnvBool("SYNC_INBOX_ENABLED", false),
			SkipStreamVerify: getEnvBool("SYNC_SKIP_STREAM_VERIFY", false),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "mysql"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "jetsync"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "jetsync"),
			Prefix:   getEnv("DB_PREFIX", "jetsync_"),
		},
		Consumer: ConsumerConfig{
			MaxDeliver: getEnvInt("SYNC_MAX_DELIVER", 5),
			AckWait:    getEnv("SYNC_ACK_WAIT", "30s"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Sync.Validate(); err != nil {
		return nil, err
	}

	// The database is only touched when a durable pattern is enabled.
	if (cfg.Sync.OutboxEnabled || cfg.Sync.InboxEnabled) && cfg.Database.Driver != "sqlite3" && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}

	return cfg, nil
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// splitList splits a comma-separated environment value into its entries.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
