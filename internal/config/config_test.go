package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	old := configDir
	configDir = dir
	t.Cleanup(func() { configDir = old })
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCollectorConfigFromFile(t *testing.T) {
	dir := useTempConfigDir(t)
	path := filepath.Join(dir, "config")
	writeFile(t, path, `# collector settings
COLLECTOR_ID=pi-alpha
SYNC_API_URL="https://nas.local/api/v1/sync"
SYNC_API_KEY='secret'
SYNC_INTERVAL=60
DB_PATH=/var/lib/meshtastic/mesh.db
SYNC_ENABLED=yes
`)

	cfg, err := LoadCollectorConfig("")
	if err != nil {
		t.Fatalf("LoadCollectorConfig: %v", err)
	}
	if cfg.Source != path {
		t.Errorf("Source = %q, want %q", cfg.Source, path)
	}
	if cfg.CollectorID != "pi-alpha" {
		t.Errorf("CollectorID = %q", cfg.CollectorID)
	}
	if cfg.SyncAPIURL != "https://nas.local/api/v1/sync" || cfg.SyncAPIKey != "secret" {
		t.Errorf("quotes not stripped: %q %q", cfg.SyncAPIURL, cfg.SyncAPIKey)
	}
	if cfg.SyncInterval != 60 || !cfg.SyncEnabled {
		t.Errorf("interval=%d enabled=%v", cfg.SyncInterval, cfg.SyncEnabled)
	}
	if cfg.MQTTTopic != DefaultMQTTTopic {
		t.Errorf("MQTTTopic = %q", cfg.MQTTTopic)
	}
	if cfg.MQTTClientID != "meshsync-pi-alpha" {
		t.Errorf("MQTTClientID = %q", cfg.MQTTClientID)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := useTempConfigDir(t)
	path := filepath.Join(dir, "custom.conf")
	writeFile(t, path, "COLLECTOR_ID=from-file\nSYNC_INTERVAL=60\n")

	t.Setenv("MESHTASTIC_COLLECTOR_ID", "from-env")
	t.Setenv("MESHTASTIC_SYNC_INTERVAL", "not-a-number")

	cfg, err := LoadCollectorConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CollectorID != "from-env" {
		t.Errorf("CollectorID = %q, want from-env", cfg.CollectorID)
	}
	if cfg.SyncInterval != DefaultSyncInterval {
		t.Errorf("unparseable interval should fall back to default, got %d", cfg.SyncInterval)
	}
}

func TestExplicitMissingConfigIsError(t *testing.T) {
	useTempConfigDir(t)
	if _, err := LoadCollectorConfig(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestCollectorIDPersisted(t *testing.T) {
	dir := useTempConfigDir(t)

	cfg, err := LoadCollectorConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.CollectorID, "collector-") || len(cfg.CollectorID) != len("collector-")+8 {
		t.Fatalf("unexpected generated id %q", cfg.CollectorID)
	}

	data, err := os.ReadFile(filepath.Join(dir, collectorIDFile))
	if err != nil {
		t.Fatalf("id file not written: %v", err)
	}
	if string(data) != cfg.CollectorID {
		t.Errorf("persisted %q, loaded %q", data, cfg.CollectorID)
	}

	again, err := LoadCollectorConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if again.CollectorID != cfg.CollectorID {
		t.Errorf("id not stable across loads: %q vs %q", again.CollectorID, cfg.CollectorID)
	}
}

func TestValidateListsEveryProblem(t *testing.T) {
	cfg := &CollectorConfig{SyncEnabled: true, SyncInterval: 5}
	problems := cfg.Validate()
	if len(problems) != 3 {
		t.Fatalf("expected 3 problems, got %v", problems)
	}
	if cfg.ValidationError() == nil {
		t.Error("ValidationError should be non-nil")
	}

	ok := &CollectorConfig{SyncEnabled: true, SyncInterval: 10, SyncAPIURL: "http://x", SyncAPIKey: "k"}
	if p := ok.Validate(); len(p) != 0 {
		t.Errorf("unexpected problems: %v", p)
	}

	disabled := &CollectorConfig{SyncInterval: 300}
	if p := disabled.Validate(); len(p) != 0 {
		t.Errorf("disabled sync needs no endpoint, got %v", p)
	}
	if cfg.IsSyncConfigured() || !ok.IsSyncConfigured() || disabled.IsSyncConfigured() {
		t.Error("IsSyncConfigured disagrees with the endpoint and key settings")
	}
}

func TestLoadCentralConfig(t *testing.T) {
	t.Setenv("API_KEYS", " key-a, ,key-b ")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_HOST", "")
	t.Setenv("PG_PASSWORD", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key-a" || cfg.APIKeys[1] != "key-b" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.Port != "5000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if !cfg.Database.Embedded() {
		t.Error("localhost without password should use embedded postgres")
	}

	cfg.Database.URL = "postgres://u:p@db:5432/mesh"
	if cfg.Database.Embedded() || cfg.Database.DSN() != cfg.Database.URL {
		t.Error("DATABASE_URL should win")
	}
}

func TestLoadCentralConfigRequiresKeys(t *testing.T) {
	t.Setenv("API_KEYS", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without API_KEYS")
	}
}
