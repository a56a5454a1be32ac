package localstore

import (
	"context"
	"fmt"
)

const defaultGatewayPort = 4403

// UpsertGateway records a sighting of the gateway at host:port and returns
// its stable id. A nil nodeID keeps the stored one.
func (s *Store) UpsertGateway(ctx context.Context, host string, port int, nodeID *string) (int64, error) {
	if port == 0 {
		port = defaultGatewayPort
	}
	ts := formatTime(now())

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO gateways (host, port, node_id, first_seen, last_seen, synced_at, revision)
		VALUES (?, ?, ?, ?, ?, NULL, 1)
		ON CONFLICT(host, port) DO UPDATE SET
			node_id = COALESCE(excluded.node_id, gateways.node_id),
			last_seen = excluded.last_seen,
			synced_at = NULL,
			revision = gateways.revision + 1
		RETURNING id`,
		host, port, nodeID, ts, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert gateway %s:%d: %w", host, port, err)
	}
	return id, nil
}

// UpsertNode records a sighting of nodeID. Every non-nil field overwrites the
// stored one, nil fields keep it; last_seen moves to now and the row becomes
// unsynced.
func (s *Store) UpsertNode(ctx context.Context, nodeID string, f NodeFields) error {
	ts := formatTime(now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr,
			first_seen, last_seen, synced_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)
		ON CONFLICT(node_id) DO UPDATE SET
			node_num = COALESCE(excluded.node_num, nodes.node_num),
			long_name = COALESCE(excluded.long_name, nodes.long_name),
			short_name = COALESCE(excluded.short_name, nodes.short_name),
			hw_model = COALESCE(excluded.hw_model, nodes.hw_model),
			firmware_version = COALESCE(excluded.firmware_version, nodes.firmware_version),
			mac_addr = COALESCE(excluded.mac_addr, nodes.mac_addr),
			last_seen = excluded.last_seen,
			synced_at = NULL,
			revision = nodes.revision + 1`,
		nodeID, f.NodeNum, f.LongName, f.ShortName, f.HWModel, f.FirmwareVersion, f.MacAddr, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", nodeID, err)
	}
	return nil
}

// InsertPosition appends a position. A zero Timestamp means now.
func (s *Store) InsertPosition(ctx context.Context, p Position) (int64, error) {
	if p.Timestamp.IsZero() {
		p.Timestamp = now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (node_id, timestamp, latitude, longitude, altitude, location_source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.NodeID, formatTime(p.Timestamp), p.Latitude, p.Longitude, p.Altitude, p.LocationSource,
	)
	if err != nil {
		return 0, fmt.Errorf("insert position for %s: %w", p.NodeID, err)
	}
	return res.LastInsertId()
}

// InsertDeviceMetrics appends a telemetry snapshot. A zero Timestamp means now.
func (s *Store) InsertDeviceMetrics(ctx context.Context, m DeviceMetrics) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_metrics (node_id, timestamp, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.NodeID, formatTime(m.Timestamp), m.BatteryLevel, m.Voltage, m.ChannelUtilization, m.AirUtilTx, m.UptimeSeconds,
	)
	if err != nil {
		return 0, fmt.Errorf("insert device metrics for %s: %w", m.NodeID, err)
	}
	return res.LastInsertId()
}

// InsertMessage appends a text message. A zero Timestamp means now.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (timestamp, from_node, to_node, channel, text, port_num, gateway_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(m.Timestamp), m.FromNode, m.ToNode, m.Channel, m.Text, m.PortNum, m.GatewayID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}
