package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every collector key when read from the
// environment, e.g. MESHTASTIC_SYNC_API_URL.
const EnvPrefix = "MESHTASTIC_"

const (
	DefaultSyncInterval = 300
	MinSyncInterval     = 10
	DefaultDBPath       = "mesh.db"
	DefaultMQTTTopic    = "msh/+/json/#"
)

// configDir holds the collector config file and the persisted collector id.
// Tests point it at a temporary directory.
var configDir = defaultConfigDir()

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "meshtastic-monitor")
	}
	return filepath.Join(home, ".config", "meshtastic-monitor")
}

// configLocations are searched in order when no path is given.
func configLocations() []string {
	return []string{
		filepath.Join(configDir, "config"),
		"/etc/meshtastic-monitor/config",
	}
}

// CollectorConfig holds the settings of one collector process.
type CollectorConfig struct {
	CollectorID  string
	SyncAPIURL   string
	SyncAPIKey   string
	SyncInterval int // seconds
	DBPath       string
	SyncEnabled  bool

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string

	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// Source is the config file that was read, empty if none.
	Source string
}

// LoadCollectorConfig reads the KEY=VALUE config file at path, or the first
// default location that exists when path is empty, and applies MESHTASTIC_*
// environment overrides on top. A missing file is not an error unless path
// was given explicitly.
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	values := map[string]string{}
	source := ""

	if path != "" {
		v, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		values, source = v, path
	} else {
		for _, candidate := range configLocations() {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			v, err := godotenv.Read(candidate)
			if err != nil {
				return nil, fmt.Errorf("read config %s: %w", candidate, err)
			}
			values, source = v, candidate
			break
		}
	}

	get := func(key, defaultValue string) string {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			return v
		}
		if v, ok := values[key]; ok && v != "" {
			return v
		}
		return defaultValue
	}

	cfg := &CollectorConfig{
		CollectorID:  get("COLLECTOR_ID", ""),
		SyncAPIURL:   get("SYNC_API_URL", ""),
		SyncAPIKey:   get("SYNC_API_KEY", ""),
		SyncInterval: parseInt(get("SYNC_INTERVAL", ""), DefaultSyncInterval),
		DBPath:       get("DB_PATH", DefaultDBPath),
		SyncEnabled:  parseBool(get("SYNC_ENABLED", ""), false),
		MQTTBroker:   get("MQTT_BROKER", ""),
		MQTTTopic:    get("MQTT_TOPIC", DefaultMQTTTopic),
		MQTTClientID: get("MQTT_CLIENT_ID", ""),
		MetricsAddr:  get("METRICS_ADDR", ""),
		LogLevel:     get("LOG_LEVEL", "info"),
		LogFormat:    get("LOG_FORMAT", "console"),
		Source:       source,
	}

	if cfg.CollectorID == "" {
		id, err := LoadOrCreateCollectorID()
		if err != nil {
			return nil, err
		}
		cfg.CollectorID = id
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "meshsync-" + cfg.CollectorID
	}
	return cfg, nil
}

// IsSyncConfigured reports whether both endpoint and credential are set.
func (c *CollectorConfig) IsSyncConfigured() bool {
	return c.SyncAPIURL != "" && c.SyncAPIKey != ""
}

// Interval returns the sync interval as a duration.
func (c *CollectorConfig) Interval() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// Validate returns every violated rule, or nil.
func (c *CollectorConfig) Validate() []string {
	var problems []string
	if c.SyncEnabled {
		if c.SyncAPIURL == "" {
			problems = append(problems, "SYNC_API_URL is required when sync is enabled")
		}
		if c.SyncAPIKey == "" {
			problems = append(problems, "SYNC_API_KEY is required when sync is enabled")
		}
	}
	if c.SyncInterval < MinSyncInterval {
		problems = append(problems, fmt.Sprintf("SYNC_INTERVAL must be at least %d seconds", MinSyncInterval))
	}
	return problems
}

// ValidationError wraps the result of Validate for callers that want an error.
func (c *CollectorConfig) ValidationError() error {
	problems := c.Validate()
	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}

// Helper functions for config values

func parseBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func parseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}
