package models

import (
	"time"
)

// Node is a mesh radio as merged from every collector that heard it.
// CollectorID records the collector that reported it first.
type Node struct {
	NodeID          string     `gorm:"primaryKey;type:varchar(32)" json:"node_id"`
	NodeNum         *int64     `json:"node_num"`
	LongName        *string    `gorm:"type:varchar(255)" json:"long_name"`
	ShortName       *string    `gorm:"type:varchar(32)" json:"short_name"`
	HWModel         *string    `gorm:"column:hw_model;type:varchar(64)" json:"hw_model"`
	FirmwareVersion *string    `gorm:"type:varchar(64)" json:"firmware_version"`
	MacAddr         *string    `gorm:"type:varchar(32)" json:"mac_addr"`
	FirstSeen       *time.Time `json:"first_seen"`
	LastSeen        *time.Time `gorm:"index:idx_nodes_last_seen" json:"last_seen"`
	CollectorID     string     `gorm:"type:varchar(128);not null;index:idx_nodes_collector" json:"collector_id"`
	SyncedAt        *time.Time `json:"synced_at"`
}

func (Node) TableName() string {
	return "nodes"
}

// Gateway is a collector's uplink radio. The same host:port seen by two
// collectors is two gateways.
type Gateway struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Host        string     `gorm:"type:varchar(255);not null;uniqueIndex:idx_gateways_identity,priority:1" json:"host"`
	Port        int        `gorm:"not null;uniqueIndex:idx_gateways_identity,priority:2" json:"port"`
	CollectorID string     `gorm:"type:varchar(128);not null;uniqueIndex:idx_gateways_identity,priority:3" json:"collector_id"`
	NodeID      *string    `gorm:"type:varchar(32)" json:"node_id"`
	FirstSeen   *time.Time `json:"first_seen"`
	LastSeen    *time.Time `json:"last_seen"`
	SyncedAt    *time.Time `json:"synced_at"`
}

func (Gateway) TableName() string {
	return "gateways"
}

// Position is an append-only location report. RowHash identifies the row's
// content within one collector and makes re-delivery a no-op.
type Position struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	NodeID         string    `gorm:"type:varchar(32);not null;index:idx_positions_node_time,priority:1" json:"node_id"`
	Timestamp      time.Time `gorm:"not null;index:idx_positions_node_time,priority:2" json:"timestamp"`
	Latitude       *float64  `json:"latitude"`
	Longitude      *float64  `json:"longitude"`
	Altitude       *int64    `json:"altitude"`
	LocationSource *string   `gorm:"type:varchar(64)" json:"location_source"`
	CollectorID    string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_positions_dedup,priority:1" json:"collector_id"`
	RowHash        string    `gorm:"type:char(64);not null;uniqueIndex:idx_positions_dedup,priority:2" json:"-"`
	SyncedAt       time.Time `json:"synced_at"`
}

func (Position) TableName() string {
	return "positions"
}

// DeviceMetrics is an append-only telemetry snapshot.
type DeviceMetrics struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	NodeID             string    `gorm:"type:varchar(32);not null;index:idx_device_metrics_node_time,priority:1" json:"node_id"`
	Timestamp          time.Time `gorm:"not null;index:idx_device_metrics_node_time,priority:2" json:"timestamp"`
	BatteryLevel       *int64    `json:"battery_level"`
	Voltage            *float64  `json:"voltage"`
	ChannelUtilization *float64  `json:"channel_utilization"`
	AirUtilTx          *float64  `json:"air_util_tx"`
	UptimeSeconds      *int64    `json:"uptime_seconds"`
	CollectorID        string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_device_metrics_dedup,priority:1" json:"collector_id"`
	RowHash            string    `gorm:"type:char(64);not null;uniqueIndex:idx_device_metrics_dedup,priority:2" json:"-"`
	SyncedAt           time.Time `json:"synced_at"`
}

func (DeviceMetrics) TableName() string {
	return "device_metrics"
}

// Message is an append-only text or packet record. A nil ToNode is a
// broadcast.
type Message struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Timestamp   time.Time `gorm:"not null;index:idx_messages_timestamp" json:"timestamp"`
	FromNode    *string   `gorm:"type:varchar(32);index:idx_messages_from" json:"from_node"`
	ToNode      *string   `gorm:"type:varchar(32)" json:"to_node"`
	Channel     *int64    `json:"channel"`
	Text        *string   `gorm:"type:text" json:"text"`
	PortNum     *string   `gorm:"type:varchar(64)" json:"port_num"`
	CollectorID string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_messages_dedup,priority:1" json:"collector_id"`
	RowHash     string    `gorm:"type:char(64);not null;uniqueIndex:idx_messages_dedup,priority:2" json:"-"`
	SyncedAt    time.Time `json:"synced_at"`
}

func (Message) TableName() string {
	return "messages"
}
