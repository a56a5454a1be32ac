package buildinfo

import "time"

// Set via -ldflags at build time
var (
	Version    = "dev"
	BuildTime  string // when the binary was compiled
	CommitHash string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC()

// Info is the build metadata reported by /health and the collector status.
type Info struct {
	Version    string `json:"version"`
	BuildTime  string `json:"build_time,omitempty"`
	CommitHash string `json:"commit,omitempty"`
	StartedAt  string `json:"started_at"`
	Uptime     string `json:"uptime"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		Version:    Version,
		BuildTime:  BuildTime,
		CommitHash: CommitHash,
		StartedAt:  StartTime.Format(time.RFC3339),
		Uptime:     time.Since(StartTime).Round(time.Second).String(),
	}
}
