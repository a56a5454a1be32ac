package sync

import (
	"github.com/google/uuid"

	"github.com/xelth-com/meshsync/internal/localstore"
	"github.com/xelth-com/meshsync/internal/wire"
)

// buildBatch turns unsynced local rows into a wire batch with a fresh id.
// The timestamp range covers each row's timestamp, or last_seen for tables
// that have none.
func buildBatch(collectorID string, u *localstore.UnsyncedRecords) *wire.Batch {
	b := &wire.Batch{
		CollectorID: collectorID,
		BatchID:     uuid.NewString(),
		Data: wire.BatchData{
			Nodes:         make([]wire.NodeRow, 0, len(u.Nodes)),
			Positions:     make([]wire.PositionRow, 0, len(u.Positions)),
			DeviceMetrics: make([]wire.DeviceMetricsRow, 0, len(u.DeviceMetrics)),
			Messages:      make([]wire.MessageRow, 0, len(u.Messages)),
			Gateways:      make([]wire.GatewayRow, 0, len(u.Gateways)),
		},
	}
	r := &b.LocalTimestamps

	for _, n := range u.Nodes {
		b.Data.Nodes = append(b.Data.Nodes, wire.NodeRow{
			NodeID:          n.NodeID,
			NodeNum:         n.NodeNum,
			LongName:        n.LongName,
			ShortName:       n.ShortName,
			HWModel:         n.HWModel,
			FirmwareVersion: n.FirmwareVersion,
			MacAddr:         n.MacAddr,
			FirstSeen:       wire.TimePtr(n.FirstSeen),
			LastSeen:        wire.TimePtr(n.LastSeen),
		})
		r.Observe(n.LastSeen)
	}
	for _, g := range u.Gateways {
		b.Data.Gateways = append(b.Data.Gateways, wire.GatewayRow{
			Host:      g.Host,
			Port:      g.Port,
			NodeID:    g.NodeID,
			FirstSeen: wire.TimePtr(g.FirstSeen),
			LastSeen:  wire.TimePtr(g.LastSeen),
		})
		r.Observe(g.LastSeen)
	}
	for _, p := range u.Positions {
		b.Data.Positions = append(b.Data.Positions, wire.PositionRow{
			NodeID:         p.NodeID,
			Timestamp:      wire.TimePtr(p.Timestamp),
			Latitude:       p.Latitude,
			Longitude:      p.Longitude,
			Altitude:       p.Altitude,
			LocationSource: p.LocationSource,
		})
		r.Observe(p.Timestamp)
	}
	for _, m := range u.DeviceMetrics {
		b.Data.DeviceMetrics = append(b.Data.DeviceMetrics, wire.DeviceMetricsRow{
			NodeID:             m.NodeID,
			Timestamp:          wire.TimePtr(m.Timestamp),
			BatteryLevel:       m.BatteryLevel,
			Voltage:            m.Voltage,
			ChannelUtilization: m.ChannelUtilization,
			AirUtilTx:          m.AirUtilTx,
			UptimeSeconds:      m.UptimeSeconds,
		})
		r.Observe(m.Timestamp)
	}
	for _, m := range u.Messages {
		b.Data.Messages = append(b.Data.Messages, wire.MessageRow{
			Timestamp: wire.TimePtr(m.Timestamp),
			FromNode:  m.FromNode,
			ToNode:    m.ToNode,
			Channel:   m.Channel,
			Text:      m.Text,
			PortNum:   m.PortNum,
		})
		r.Observe(m.Timestamp)
	}
	return b
}
