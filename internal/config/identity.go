package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const collectorIDFile = "collector_id"

// LoadOrCreateCollectorID returns the persisted collector id, generating and
// saving a new one on first run. Persisting is best effort: if the file
// cannot be written the generated id is still returned.
func LoadOrCreateCollectorID() (string, error) {
	path := filepath.Join(configDir, collectorIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read collector id: %w", err)
	}

	id := "collector-" + uuid.NewString()[:8]

	if err := os.MkdirAll(configDir, 0o755); err == nil {
		_ = os.WriteFile(path, []byte(id), 0o644)
	}
	return id, nil
}
