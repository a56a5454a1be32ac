package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the central merge service configuration
type Config struct {
	Port      string
	APIKeys   []string
	Database  DatabaseConfig
	LogLevel  string
	LogFormat string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL      string // full DSN, takes precedence over the fields below
	Host     string
	Port     string
	Username string
	Password string
	Database string
	LogSQL   bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	keys := splitList(os.Getenv("API_KEYS"))
	if len(keys) == 0 {
		return nil, fmt.Errorf("API_KEYS is required")
	}

	return &Config{
		Port:    getEnv("PORT", "5000"),
		APIKeys: keys,
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "meshtastic"),
			LogSQL:   parseBool(os.Getenv("DB_LOG_SQL"), false),
		},
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}, nil
}

// Embedded reports whether the service should run its own Postgres: no DSN,
// a local host and no password.
func (d DatabaseConfig) Embedded() bool {
	if d.URL != "" {
		return false
	}
	return (d.Host == "localhost" || d.Host == "127.0.0.1") && d.Password == ""
}

// DSN builds the connection string for gorm's postgres driver.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		d.Host, d.Username, d.Password, d.Database, d.Port)
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
