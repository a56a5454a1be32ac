// Package localstore is the collector's embedded SQLite database. Each row of
// the five replicated tables carries a nullable synced_at marker that is
// cleared whenever the row changes locally.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xelth-com/meshsync/internal/wire"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Store wraps the SQLite handle. The pool is limited to one connection, so
// every call is serialized and each statement or transaction is atomic with
// respect to the others.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the parent directory if needed, opens the database and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, path: path}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gateways (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 4403,
			node_id TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			synced_at TEXT,
			revision INTEGER NOT NULL DEFAULT 1,
			UNIQUE(host, port)
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			node_num INTEGER,
			long_name TEXT,
			short_name TEXT,
			hw_model TEXT,
			firmware_version TEXT,
			mac_addr TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			synced_at TEXT,
			revision INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL REFERENCES nodes(node_id),
			timestamp TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			altitude INTEGER,
			location_source TEXT,
			synced_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS device_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node_id TEXT NOT NULL REFERENCES nodes(node_id),
			timestamp TEXT NOT NULL,
			battery_level INTEGER,
			voltage REAL,
			channel_utilization REAL,
			air_util_tx REAL,
			uptime_seconds INTEGER,
			synced_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			from_node TEXT REFERENCES nodes(node_id),
			to_node TEXT,
			channel INTEGER,
			text TEXT,
			port_num TEXT,
			gateway_id INTEGER REFERENCES gateways(id),
			synced_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_node_id ON positions(node_id);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_timestamp ON positions(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_device_metrics_node_id ON device_metrics(node_id);`,
		`CREATE INDEX IF NOT EXISTS idx_device_metrics_timestamp ON device_metrics(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_from_node ON messages(from_node);`,
		`CREATE INDEX IF NOT EXISTS idx_gateways_synced ON gateways(synced_at);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_synced ON nodes(synced_at);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_synced ON positions(synced_at);`,
		`CREATE INDEX IF NOT EXISTS idx_device_metrics_synced ON device_metrics(synced_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_synced ON messages(synced_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime accepts the store's own layout and anything wire.ParseTime does,
// which covers rows written by SQLite's CURRENT_TIMESTAMP.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return wire.ParseTime(s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func float64Ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
