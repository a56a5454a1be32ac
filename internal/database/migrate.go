package database

import (
	"fmt"

	"github.com/xelth-com/meshsync/internal/models"
)

// Collector health thresholds used by the collector_health view.
const (
	StaleAfter   = "15 minutes"
	OfflineAfter = "1 hour"
)

var views = []struct {
	name string
	sql  string
}{
	{
		name: "latest_positions",
		sql: `CREATE OR REPLACE VIEW latest_positions AS
SELECT DISTINCT ON (node_id)
       id, node_id, timestamp, latitude, longitude, altitude,
       location_source, collector_id, synced_at
FROM positions
ORDER BY node_id, timestamp DESC, id DESC`,
	},
	{
		name: "collector_health",
		sql: `CREATE OR REPLACE VIEW collector_health AS
SELECT c.collector_id,
       c.first_seen,
       c.last_seen,
       c.record_count,
       c.batch_count,
       (SELECT COUNT(*) FROM nodes n WHERE n.collector_id = c.collector_id) AS node_count,
       CASE
           WHEN c.last_seen > NOW() - INTERVAL '` + StaleAfter + `' THEN 'online'
           WHEN c.last_seen > NOW() - INTERVAL '` + OfflineAfter + `' THEN 'stale'
           ELSE 'offline'
       END AS status
FROM collectors c
ORDER BY c.last_seen DESC`,
	},
}

// Migrate creates or updates every Central Store table, index and view.
func (db *DB) Migrate() error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	for _, v := range views {
		if err := db.Exec(v.sql).Error; err != nil {
			return fmt.Errorf("create view %s: %w", v.name, err)
		}
	}
	dbLog().Info().Int("tables", len(models.All())).Int("views", len(views)).Msg("schema migrated")
	return nil
}
