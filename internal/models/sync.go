package models

import (
	"time"

	"gorm.io/datatypes"
)

// Collector tracks the liveness of one collector process.
type Collector struct {
	CollectorID string    `gorm:"primaryKey;type:varchar(128)" json:"collector_id"`
	FirstSeen   time.Time `gorm:"not null" json:"first_seen"`
	LastSeen    time.Time `gorm:"not null;index:idx_collectors_last_seen" json:"last_seen"`
	RecordCount int64     `gorm:"not null;default:0" json:"record_count"`
	BatchCount  int64     `gorm:"not null;default:0" json:"batch_count"`
}

// TableName specifies the table name
func (Collector) TableName() string {
	return "collectors"
}

// SyncBatch is the audit entry of a received batch. Deliveries counts how
// many times the same batch arrived from the same collector.
type SyncBatch struct {
	CollectorID     string         `gorm:"primaryKey;type:varchar(128)" json:"collector_id"`
	BatchID         string         `gorm:"primaryKey;type:varchar(64)" json:"batch_id"`
	RecordsReceived datatypes.JSON `json:"records_received"`
	Oldest          *time.Time     `json:"oldest"`
	Newest          *time.Time     `json:"newest"`
	FirstReceivedAt time.Time      `gorm:"not null" json:"first_received_at"`
	LastReceivedAt  time.Time      `gorm:"not null" json:"last_received_at"`
	Deliveries      int            `gorm:"not null;default:1" json:"deliveries"`
}

// TableName specifies the table name
func (SyncBatch) TableName() string {
	return "sync_batches"
}

// All lists every Central Store model in migration order.
func All() []interface{} {
	return []interface{}{
		&Node{},
		&Gateway{},
		&Position{},
		&DeviceMetrics{},
		&Message{},
		&Collector{},
		&SyncBatch{},
	}
}
