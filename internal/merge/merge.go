// Package merge applies collector sync batches to the Central Store and
// answers the read queries of the merge service.
//
// Every write is an atomic insert-or-update so concurrent batches from
// different collectors never race on a read-then-write. Replaying a batch
// leaves the entity tables unchanged apart from last_seen and synced_at.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xelth-com/meshsync/internal/logging"
	"github.com/xelth-com/meshsync/internal/metrics"
	"github.com/xelth-com/meshsync/internal/models"
	"github.com/xelth-com/meshsync/internal/wire"
)

// insertChunk bounds the rows per INSERT statement.
const insertChunk = 500

// ErrNotFound is returned by single-row lookups.
var ErrNotFound = errors.New("not found")

// Store is the Central Store repository.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Result describes a merged batch.
type Result struct {
	BatchID string

	// RecordsReceived has one entry per non-empty table of the request.
	RecordsReceived map[string]int

	// Inserted counts rows of the append-only tables that were new.
	Inserted map[string]int64

	// Redelivery is true when this collector already sent the batch id.
	Redelivery bool

	ServerTime time.Time
}

// MergeBatch writes every table of b in a single transaction, tagged with
// b.CollectorID. Nothing is applied if any statement fails.
func (s *Store) MergeBatch(ctx context.Context, b *wire.Batch) (*Result, error) {
	if b.CollectorID == "" {
		return nil, errors.New("merge: collector_id is required")
	}

	start := time.Now()
	now := s.now()
	res := &Result{
		BatchID:         b.BatchID,
		RecordsReceived: make(map[string]int),
		Inserted:        make(map[string]int64),
		ServerTime:      now,
	}
	for table, n := range b.Data.Counts() {
		if n > 0 {
			res.RecordsReceived[table] = n
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertNodes(tx, nodeModels(b.CollectorID, b.Data.Nodes, now)); err != nil {
			return err
		}
		if err := upsertGateways(tx, gatewayModels(b.CollectorID, b.Data.Gateways, now)); err != nil {
			return err
		}

		n, err := insertAppendOnly(tx, positionModels(b.CollectorID, b.Data.Positions, now))
		if err != nil {
			return fmt.Errorf("insert positions: %w", err)
		}
		res.Inserted[wire.TablePositions] = n

		n, err = insertAppendOnly(tx, deviceMetricsModels(b.CollectorID, b.Data.DeviceMetrics, now))
		if err != nil {
			return fmt.Errorf("insert device_metrics: %w", err)
		}
		res.Inserted[wire.TableDeviceMetrics] = n

		n, err = insertAppendOnly(tx, messageModels(b.CollectorID, b.Data.Messages, now))
		if err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		res.Inserted[wire.TableMessages] = n

		first, err := recordBatch(tx, b, res.RecordsReceived, now)
		if err != nil {
			return err
		}
		res.Redelivery = !first

		return touchCollector(tx, b.CollectorID, b.Data.Total(), first, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	for table, n := range res.RecordsReceived {
		metrics.MergeRecords.WithLabelValues(table).Add(float64(n))
	}

	ev := logging.Info().
		Str("collector", b.CollectorID).
		Str("batch_id", b.BatchID).
		Int("records", b.Data.Total()).
		Bool("redelivery", res.Redelivery)
	for table, n := range res.Inserted {
		ev = ev.Int64("inserted_"+table, n)
	}
	ev.Msg("batch merged")

	return res, nil
}

func upsertNodes(tx *gorm.DB, nodes []models.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.Set{
			coalesceColumn("nodes", "node_num"),
			coalesceColumn("nodes", "long_name"),
			coalesceColumn("nodes", "short_name"),
			coalesceColumn("nodes", "hw_model"),
			coalesceColumn("nodes", "firmware_version"),
			coalesceColumn("nodes", "mac_addr"),
			leastColumn("nodes", "first_seen"),
			greatestColumn("nodes", "last_seen"),
			excludedColumn("synced_at"),
		},
	}).CreateInBatches(&nodes, insertChunk).Error
	if err != nil {
		return fmt.Errorf("upsert nodes: %w", err)
	}
	return nil
}

func upsertGateways(tx *gorm.DB, gateways []models.Gateway) error {
	if len(gateways) == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "host"}, {Name: "port"}, {Name: "collector_id"}},
		DoUpdates: clause.Set{
			coalesceColumn("gateways", "node_id"),
			leastColumn("gateways", "first_seen"),
			greatestColumn("gateways", "last_seen"),
			excludedColumn("synced_at"),
		},
	}).CreateInBatches(&gateways, insertChunk).Error
	if err != nil {
		return fmt.Errorf("upsert gateways: %w", err)
	}
	return nil
}

// insertAppendOnly inserts rows and skips those whose (collector_id,
// row_hash) already exists. It returns the number of new rows.
func insertAppendOnly[T any](tx *gorm.DB, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, insertChunk)
	return result.RowsAffected, result.Error
}

// recordBatch writes the audit row and reports whether this is the first
// delivery of the batch. Batches without an id are never treated as
// redeliveries.
func recordBatch(tx *gorm.DB, b *wire.Batch, received map[string]int, now time.Time) (bool, error) {
	if b.BatchID == "" {
		return true, nil
	}

	counts, err := json.Marshal(received)
	if err != nil {
		return false, fmt.Errorf("encode records_received: %w", err)
	}
	entry := models.SyncBatch{
		CollectorID:     b.CollectorID,
		BatchID:         b.BatchID,
		RecordsReceived: datatypes.JSON(counts),
		Oldest:          wireTimePtr(b.LocalTimestamps.Oldest),
		Newest:          wireTimePtr(b.LocalTimestamps.Newest),
		FirstReceivedAt: now,
		LastReceivedAt:  now,
		Deliveries:      1,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if result.Error != nil {
		return false, fmt.Errorf("record batch: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	err = tx.Model(&models.SyncBatch{}).
		Where("collector_id = ? AND batch_id = ?", b.CollectorID, b.BatchID).
		Updates(map[string]interface{}{
			"deliveries":       gorm.Expr("deliveries + 1"),
			"last_received_at": now,
		}).Error
	if err != nil {
		return false, fmt.Errorf("record batch redelivery: %w", err)
	}
	return false, nil
}

// touchCollector refreshes the collector's liveness row. Counters only grow
// on the first delivery of a batch.
func touchCollector(tx *gorm.DB, collectorID string, records int, first bool, now time.Time) error {
	c := models.Collector{
		CollectorID: collectorID,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if first {
		c.RecordCount = int64(records)
		c.BatchCount = 1
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "collector_id"}},
		DoUpdates: clause.Set{
			excludedColumn("last_seen"),
			{Column: clause.Column{Name: "record_count"}, Value: gorm.Expr("collectors.record_count + EXCLUDED.record_count")},
			{Column: clause.Column{Name: "batch_count"}, Value: gorm.Expr("collectors.batch_count + EXCLUDED.batch_count")},
		},
	}).Create(&c).Error
	if err != nil {
		return fmt.Errorf("update collector: %w", err)
	}
	return nil
}

func coalesceColumn(table, column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(fmt.Sprintf("COALESCE(EXCLUDED.%s, %s.%s)", column, table, column)),
	}
}

// GREATEST and LEAST ignore NULL arguments in Postgres.
func greatestColumn(table, column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(fmt.Sprintf("GREATEST(%s.%s, EXCLUDED.%s)", table, column, column)),
	}
}

func leastColumn(table, column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr(fmt.Sprintf("LEAST(%s.%s, EXCLUDED.%s)", table, column, column)),
	}
}

func excludedColumn(column string) clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: column},
		Value:  gorm.Expr("EXCLUDED." + column),
	}
}
