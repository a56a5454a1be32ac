package localstore

import "time"

// Gateway is a radio the collector is directly connected to.
type Gateway struct {
	ID        int64
	Host      string
	Port      int
	NodeID    *string
	FirstSeen time.Time
	LastSeen  time.Time
	SyncedAt  *time.Time
	Revision  int64
}

// Node is a mesh participant keyed by its protocol node id.
type Node struct {
	NodeID          string
	NodeNum         *int64
	LongName        *string
	ShortName       *string
	HWModel         *string
	FirmwareVersion *string
	MacAddr         *string
	FirstSeen       time.Time
	LastSeen        time.Time
	SyncedAt        *time.Time
	Revision        int64
}

// NodeFields carries the optional attributes of a node sighting. Nil fields
// keep the stored value.
type NodeFields struct {
	NodeNum         *int64
	LongName        *string
	ShortName       *string
	HWModel         *string
	FirmwareVersion *string
	MacAddr         *string
}

type Position struct {
	ID             int64
	NodeID         string
	Timestamp      time.Time
	Latitude       *float64
	Longitude      *float64
	Altitude       *int64
	LocationSource *string
	SyncedAt       *time.Time
}

type DeviceMetrics struct {
	ID                 int64
	NodeID             string
	Timestamp          time.Time
	BatteryLevel       *int64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
	SyncedAt           *time.Time
}

type Message struct {
	ID        int64
	Timestamp time.Time
	FromNode  *string
	ToNode    *string // nil is broadcast
	Channel   *int64
	Text      *string
	PortNum   *string
	GatewayID *int64
	SyncedAt  *time.Time
}

// NodeKey identifies a node row for MarkSynced. A non-zero Revision restricts
// the update to the row version that was read.
type NodeKey struct {
	NodeID   string
	Revision int64
}

// GatewayKey identifies a gateway row for MarkSynced, with the same revision
// rule as NodeKey.
type GatewayKey struct {
	ID       int64
	Revision int64
}

// SyncedKeys names the rows to mark synced, per table. Nodes are keyed by
// node id and every other table by its numeric row id.
type SyncedKeys struct {
	Nodes         []NodeKey
	Gateways      []GatewayKey
	Positions     []int64
	DeviceMetrics []int64
	Messages      []int64
}

// Len returns the number of keys across all tables.
func (k SyncedKeys) Len() int {
	return len(k.Nodes) + len(k.Gateways) + len(k.Positions) + len(k.DeviceMetrics) + len(k.Messages)
}

// UnsyncedRecords holds rows whose synced_at is unset.
type UnsyncedRecords struct {
	Nodes         []Node
	Gateways      []Gateway
	Positions     []Position
	DeviceMetrics []DeviceMetrics
	Messages      []Message
}

// Total returns the number of rows across all tables.
func (u *UnsyncedRecords) Total() int {
	return len(u.Nodes) + len(u.Gateways) + len(u.Positions) + len(u.DeviceMetrics) + len(u.Messages)
}

// Keys returns the identifiers of every row in u, carrying node and gateway
// revisions as read.
func (u *UnsyncedRecords) Keys() SyncedKeys {
	var k SyncedKeys
	for _, n := range u.Nodes {
		k.Nodes = append(k.Nodes, NodeKey{NodeID: n.NodeID, Revision: n.Revision})
	}
	for _, g := range u.Gateways {
		k.Gateways = append(k.Gateways, GatewayKey{ID: g.ID, Revision: g.Revision})
	}
	for _, p := range u.Positions {
		k.Positions = append(k.Positions, p.ID)
	}
	for _, m := range u.DeviceMetrics {
		k.DeviceMetrics = append(k.DeviceMetrics, m.ID)
	}
	for _, m := range u.Messages {
		k.Messages = append(k.Messages, m.ID)
	}
	return k
}

// TableSyncStats summarizes the sync state of one table.
type TableSyncStats struct {
	Total        int        `json:"total"`
	Synced       int        `json:"synced"`
	Unsynced     int        `json:"unsynced"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// Stats holds row counts of every table.
type Stats struct {
	Gateways      int `json:"total_gateways"`
	Nodes         int `json:"total_nodes"`
	Positions     int `json:"total_positions"`
	DeviceMetrics int `json:"total_metrics"`
	Messages      int `json:"total_messages"`
}
