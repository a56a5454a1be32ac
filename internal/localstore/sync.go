package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xelth-com/meshsync/internal/wire"
)

// GetUnsyncedRecords returns up to limit rows per table whose synced_at is
// unset, in insertion order. All five reads run in one transaction so the
// result is a consistent snapshot.
func (s *Store) GetUnsyncedRecords(ctx context.Context, limit int) (*UnsyncedRecords, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin unsynced read: %w", err)
	}
	defer tx.Rollback()

	var out UnsyncedRecords
	if out.Nodes, err = collect(ctx, tx, scanNode,
		"SELECT "+nodeColumns+" FROM nodes WHERE synced_at IS NULL ORDER BY rowid LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("unsynced nodes: %w", err)
	}
	if out.Gateways, err = collect(ctx, tx, scanGateway,
		"SELECT "+gatewayColumns+" FROM gateways WHERE synced_at IS NULL ORDER BY id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("unsynced gateways: %w", err)
	}
	if out.Positions, err = collect(ctx, tx, scanPosition,
		"SELECT "+positionColumns+" FROM positions WHERE synced_at IS NULL ORDER BY id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("unsynced positions: %w", err)
	}
	if out.DeviceMetrics, err = collect(ctx, tx, scanDeviceMetrics,
		"SELECT "+deviceMetricsColumns+" FROM device_metrics WHERE synced_at IS NULL ORDER BY id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("unsynced device metrics: %w", err)
	}
	if out.Messages, err = collect(ctx, tx, scanMessage,
		"SELECT "+messageColumns+" FROM messages WHERE synced_at IS NULL ORDER BY id LIMIT ?", limit); err != nil {
		return nil, fmt.Errorf("unsynced messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit unsynced read: %w", err)
	}
	return &out, nil
}

// MarkSynced stamps synced_at on exactly the given rows and returns how many
// rows changed. Node and gateway keys with a non-zero revision only match
// the row version that was read, so a row mutated since then stays unsynced.
func (s *Store) MarkSynced(ctx context.Context, keys SyncedKeys) (int64, error) {
	if keys.Len() == 0 {
		return 0, nil
	}
	ts := formatTime(now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin mark synced: %w", err)
	}
	defer tx.Rollback()

	var marked int64
	exec := func(query string, args ...any) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		marked += n
		return nil
	}

	for _, k := range keys.Nodes {
		if err := exec(`UPDATE nodes SET synced_at = ? WHERE node_id = ? AND (? = 0 OR revision = ?)`,
			ts, k.NodeID, k.Revision, k.Revision); err != nil {
			return 0, fmt.Errorf("mark node %s synced: %w", k.NodeID, err)
		}
	}
	for _, k := range keys.Gateways {
		if err := exec(`UPDATE gateways SET synced_at = ? WHERE id = ? AND (? = 0 OR revision = ?)`,
			ts, k.ID, k.Revision, k.Revision); err != nil {
			return 0, fmt.Errorf("mark gateway %d synced: %w", k.ID, err)
		}
	}

	idTables := []struct {
		table string
		ids   []int64
	}{
		{"positions", keys.Positions},
		{"device_metrics", keys.DeviceMetrics},
		{"messages", keys.Messages},
	}
	for _, t := range idTables {
		for _, id := range t.ids {
			if err := exec("UPDATE "+t.table+" SET synced_at = ? WHERE id = ?", ts, id); err != nil {
				return 0, fmt.Errorf("mark %s %d synced: %w", t.table, id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mark synced: %w", err)
	}
	return marked, nil
}

// UnsyncedCount returns the number of unsynced rows per table.
func (s *Store) UnsyncedCount(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(wire.Tables))
	for _, table := range wire.Tables {
		n, err := s.count(ctx, "SELECT COUNT(*) FROM "+table+" WHERE synced_at IS NULL")
		if err != nil {
			return nil, fmt.Errorf("unsynced count %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

// SyncStats returns total, synced and unsynced counts plus the most recent
// sync time of each table.
func (s *Store) SyncStats(ctx context.Context) (map[string]TableSyncStats, error) {
	out := make(map[string]TableSyncStats, len(wire.Tables))
	for _, table := range wire.Tables {
		var (
			st         TableSyncStats
			lastSynced sql.NullString
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*), COUNT(synced_at), MAX(synced_at) FROM `+table).
			Scan(&st.Total, &st.Synced, &lastSynced)
		if err != nil {
			return nil, fmt.Errorf("sync stats %s: %w", table, err)
		}
		st.Unsynced = st.Total - st.Synced
		if st.LastSyncedAt, err = parseNullTime(lastSynced); err != nil {
			return nil, fmt.Errorf("sync stats %s: %w", table, err)
		}
		out[table] = st
	}
	return out, nil
}

// Stats returns the row count of every table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM gateways),
			(SELECT COUNT(*) FROM nodes),
			(SELECT COUNT(*) FROM positions),
			(SELECT COUNT(*) FROM device_metrics),
			(SELECT COUNT(*) FROM messages)`).
		Scan(&st.Gateways, &st.Nodes, &st.Positions, &st.DeviceMetrics, &st.Messages)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
