// Package wire defines the JSON payloads exchanged between a collector's sync
// client and the central merge service.
package wire

import (
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
)

// Table names, also used as keys of BatchData and records_received.
const (
	TableNodes         = "nodes"
	TablePositions     = "positions"
	TableDeviceMetrics = "device_metrics"
	TableMessages      = "messages"
	TableGateways      = "gateways"
)

// Tables lists every replicated table in merge order. Nodes come before the
// tables that reference them.
var Tables = []string{TableNodes, TableGateways, TablePositions, TableDeviceMetrics, TableMessages}

// Batch is one sync transmission from a collector.
type Batch struct {
	CollectorID     string         `json:"collector_id" validate:"required,max=128"`
	BatchID         string         `json:"batch_id"`
	Data            BatchData      `json:"data"`
	LocalTimestamps TimestampRange `json:"local_timestamps"`
}

type BatchData struct {
	Nodes         []NodeRow          `json:"nodes" validate:"dive"`
	Positions     []PositionRow      `json:"positions" validate:"dive"`
	DeviceMetrics []DeviceMetricsRow `json:"device_metrics" validate:"dive"`
	Messages      []MessageRow       `json:"messages" validate:"dive"`
	Gateways      []GatewayRow       `json:"gateways" validate:"dive"`
}

type NodeRow struct {
	NodeID          string  `json:"node_id" validate:"required,max=32"`
	NodeNum         *int64  `json:"node_num"`
	LongName        *string `json:"long_name"`
	ShortName       *string `json:"short_name"`
	HWModel         *string `json:"hw_model"`
	FirmwareVersion *string `json:"firmware_version"`
	MacAddr         *string `json:"mac_addr"`
	FirstSeen       *Time   `json:"first_seen"`
	LastSeen        *Time   `json:"last_seen"`
}

type PositionRow struct {
	NodeID         string   `json:"node_id" validate:"required,max=32"`
	Timestamp      *Time    `json:"timestamp" validate:"required"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	Altitude       *int64   `json:"altitude"`
	LocationSource *string  `json:"location_source"`
}

type DeviceMetricsRow struct {
	NodeID             string   `json:"node_id" validate:"required,max=32"`
	Timestamp          *Time    `json:"timestamp" validate:"required"`
	BatteryLevel       *int64   `json:"battery_level"`
	Voltage            *float64 `json:"voltage"`
	ChannelUtilization *float64 `json:"channel_utilization"`
	AirUtilTx          *float64 `json:"air_util_tx"`
	UptimeSeconds      *int64   `json:"uptime_seconds"`
}

type MessageRow struct {
	Timestamp *Time   `json:"timestamp" validate:"required"`
	FromNode  *string `json:"from_node" validate:"omitempty,max=32"`
	ToNode    *string `json:"to_node" validate:"omitempty,max=32"`
	Channel   *int64  `json:"channel"`
	Text      *string `json:"text"`
	PortNum   *string `json:"port_num"`
}

type GatewayRow struct {
	Host      string  `json:"host" validate:"required,max=255"`
	Port      int     `json:"port" validate:"gte=0,lte=65535"`
	NodeID    *string `json:"node_id" validate:"omitempty,max=32"`
	FirstSeen *Time   `json:"first_seen"`
	LastSeen  *Time   `json:"last_seen"`
}

// TimestampRange is informational metadata. The receiver never filters on it.
type TimestampRange struct {
	Oldest *Time `json:"oldest"`
	Newest *Time `json:"newest"`
}

// Observe widens the range to include t. Zero times are ignored.
func (r *TimestampRange) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if r.Oldest == nil || t.Before(r.Oldest.Time) {
		r.Oldest = TimePtr(t)
	}
	if r.Newest == nil || t.After(r.Newest.Time) {
		r.Newest = TimePtr(t)
	}
}

// Counts returns the number of rows per table, always with all five keys.
func (d *BatchData) Counts() map[string]int {
	return map[string]int{
		TableNodes:         len(d.Nodes),
		TablePositions:     len(d.Positions),
		TableDeviceMetrics: len(d.DeviceMetrics),
		TableMessages:      len(d.Messages),
		TableGateways:      len(d.Gateways),
	}
}

// Total returns the number of rows across all tables.
func (d *BatchData) Total() int {
	return len(d.Nodes) + len(d.Positions) + len(d.DeviceMetrics) + len(d.Messages) + len(d.Gateways)
}

// Response is the body of a successful sync.
type Response struct {
	Status          string         `json:"status"`
	BatchID         string         `json:"batch_id"`
	RecordsReceived map[string]int `json:"records_received"`
	ServerTime      Time           `json:"server_time"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EncodeBatch serializes b.
func EncodeBatch(b *Batch) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

// DecodeBatch parses a batch from r. It does not validate.
func DecodeBatch(r io.Reader) (*Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &b, nil
}
