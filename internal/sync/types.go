package sync

import (
	"time"

	"github.com/xelth-com/meshsync/internal/buildinfo"
	"github.com/xelth-com/meshsync/internal/localstore"
)

// State of the sync loop.
type State string

const (
	StateIdle       State = "idle"
	StateSyncing    State = "syncing"
	StateBackingOff State = "backing_off"
)

// Result describes one SyncOnce call.
type Result struct {
	Status        string         `json:"status"`
	BatchID       string         `json:"batch_id,omitempty"`
	RecordsSynced int            `json:"records_synced"`
	Details       map[string]int `json:"details,omitempty"`

	// Marked counts rows actually stamped synced. It is lower than
	// RecordsSynced when rows changed during the upload.
	Marked     int64         `json:"marked"`
	Message    string        `json:"message,omitempty"`
	ServerTime *time.Time    `json:"server_time,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view of the client for operators.
type Status struct {
	CollectorID         string                               `json:"collector_id"`
	SyncEnabled         bool                                 `json:"sync_enabled"`
	SyncConfigured      bool                                 `json:"sync_configured"`
	SyncAPIURL          string                               `json:"sync_api_url"`
	SyncInterval        int                                  `json:"sync_interval"`
	Running             bool                                 `json:"running"`
	State               State                                `json:"state"`
	Backoff             float64                              `json:"backoff_seconds"`
	LastAttempt         *time.Time                           `json:"last_attempt"`
	LastSuccess         *time.Time                           `json:"last_success"`
	LastError           string                               `json:"last_error,omitempty"`
	ConsecutiveFailures int                                  `json:"consecutive_failures"`
	Unsynced            map[string]int                       `json:"unsynced"`
	SyncStats           map[string]localstore.TableSyncStats `json:"sync_stats"`
	Build               buildinfo.Info                       `json:"build"`
}
