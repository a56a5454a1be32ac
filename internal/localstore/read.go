package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const (
	gatewayColumns       = "id, host, port, node_id, first_seen, last_seen, synced_at, revision"
	nodeColumns          = "node_id, node_num, long_name, short_name, hw_model, firmware_version, mac_addr, first_seen, last_seen, synced_at, revision"
	positionColumns      = "id, node_id, timestamp, latitude, longitude, altitude, location_source, synced_at"
	deviceMetricsColumns = "id, node_id, timestamp, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds, synced_at"
	messageColumns       = "id, timestamp, from_node, to_node, channel, text, port_num, gateway_id, synced_at"
)

func scanGateway(r rowScanner) (Gateway, error) {
	var (
		g                   Gateway
		nodeID, synced      sql.NullString
		firstSeen, lastSeen string
	)
	if err := r.Scan(&g.ID, &g.Host, &g.Port, &nodeID, &firstSeen, &lastSeen, &synced, &g.Revision); err != nil {
		return g, err
	}
	g.NodeID = stringPtr(nodeID)
	var err error
	if g.FirstSeen, err = parseTime(firstSeen); err != nil {
		return g, err
	}
	if g.LastSeen, err = parseTime(lastSeen); err != nil {
		return g, err
	}
	g.SyncedAt, err = parseNullTime(synced)
	return g, err
}

func scanNode(r rowScanner) (Node, error) {
	var (
		n                                     Node
		nodeNum                               sql.NullInt64
		longName, shortName, hwModel, fw, mac sql.NullString
		synced                                sql.NullString
		firstSeen, lastSeen                   string
	)
	if err := r.Scan(&n.NodeID, &nodeNum, &longName, &shortName, &hwModel, &fw, &mac,
		&firstSeen, &lastSeen, &synced, &n.Revision); err != nil {
		return n, err
	}
	n.NodeNum = int64Ptr(nodeNum)
	n.LongName = stringPtr(longName)
	n.ShortName = stringPtr(shortName)
	n.HWModel = stringPtr(hwModel)
	n.FirmwareVersion = stringPtr(fw)
	n.MacAddr = stringPtr(mac)
	var err error
	if n.FirstSeen, err = parseTime(firstSeen); err != nil {
		return n, err
	}
	if n.LastSeen, err = parseTime(lastSeen); err != nil {
		return n, err
	}
	n.SyncedAt, err = parseNullTime(synced)
	return n, err
}

func scanPosition(r rowScanner) (Position, error) {
	var (
		p              Position
		ts             string
		lat, lon       sql.NullFloat64
		alt            sql.NullInt64
		source, synced sql.NullString
	)
	if err := r.Scan(&p.ID, &p.NodeID, &ts, &lat, &lon, &alt, &source, &synced); err != nil {
		return p, err
	}
	p.Latitude = float64Ptr(lat)
	p.Longitude = float64Ptr(lon)
	p.Altitude = int64Ptr(alt)
	p.LocationSource = stringPtr(source)
	var err error
	if p.Timestamp, err = parseTime(ts); err != nil {
		return p, err
	}
	p.SyncedAt, err = parseNullTime(synced)
	return p, err
}

func scanDeviceMetrics(r rowScanner) (DeviceMetrics, error) {
	var (
		m                      DeviceMetrics
		ts                     string
		battery, uptime        sql.NullInt64
		voltage, chUtil, airTx sql.NullFloat64
		synced                 sql.NullString
	)
	if err := r.Scan(&m.ID, &m.NodeID, &ts, &battery, &voltage, &chUtil, &airTx, &uptime, &synced); err != nil {
		return m, err
	}
	m.BatteryLevel = int64Ptr(battery)
	m.Voltage = float64Ptr(voltage)
	m.ChannelUtilization = float64Ptr(chUtil)
	m.AirUtilTx = float64Ptr(airTx)
	m.UptimeSeconds = int64Ptr(uptime)
	var err error
	if m.Timestamp, err = parseTime(ts); err != nil {
		return m, err
	}
	m.SyncedAt, err = parseNullTime(synced)
	return m, err
}

func scanMessage(r rowScanner) (Message, error) {
	var (
		m                            Message
		ts                           string
		from, to, text, port, synced sql.NullString
		channel, gatewayID           sql.NullInt64
	)
	if err := r.Scan(&m.ID, &ts, &from, &to, &channel, &text, &port, &gatewayID, &synced); err != nil {
		return m, err
	}
	m.FromNode = stringPtr(from)
	m.ToNode = stringPtr(to)
	m.Channel = int64Ptr(channel)
	m.Text = stringPtr(text)
	m.PortNum = stringPtr(port)
	m.GatewayID = int64Ptr(gatewayID)
	var err error
	if m.Timestamp, err = parseTime(ts); err != nil {
		return m, err
	}
	m.SyncedAt, err = parseNullTime(synced)
	return m, err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func collect[T any](ctx context.Context, q queryer, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetGateway returns the gateway with id, or nil if there is none.
func (s *Store) GetGateway(ctx context.Context, id int64) (*Gateway, error) {
	g, err := scanGateway(s.db.QueryRowContext(ctx,
		"SELECT "+gatewayColumns+" FROM gateways WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get gateway %d: %w", id, err)
	}
	return &g, nil
}

// ListGateways returns all gateways, most recently seen first.
func (s *Store) ListGateways(ctx context.Context) ([]Gateway, error) {
	out, err := collect(ctx, s.db, scanGateway,
		"SELECT "+gatewayColumns+" FROM gateways ORDER BY last_seen DESC")
	if err != nil {
		return nil, fmt.Errorf("list gateways: %w", err)
	}
	return out, nil
}

// GetNode returns the node, or nil if it has never been seen.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE node_id = ?", nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return &n, nil
}

// ListNodes pages through nodes, most recently seen first.
func (s *Store) ListNodes(ctx context.Context, limit, offset int) ([]Node, error) {
	out, err := collect(ctx, s.db, scanNode,
		"SELECT "+nodeColumns+" FROM nodes ORDER BY last_seen DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return out, nil
}

func (s *Store) NodeCount(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM nodes")
}

// ListPositions pages through positions, newest first. An empty nodeID
// matches every node.
func (s *Store) ListPositions(ctx context.Context, nodeID string, limit, offset int) ([]Position, error) {
	query := "SELECT " + positionColumns + " FROM positions"
	var args []any
	if nodeID != "" {
		query += " WHERE node_id = ?"
		args = append(args, nodeID)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	out, err := collect(ctx, s.db, scanPosition, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out, nil
}

// LatestPositions returns the newest position of each node, newest first.
func (s *Store) LatestPositions(ctx context.Context, limit int) ([]Position, error) {
	out, err := collect(ctx, s.db, scanPosition, `
		SELECT p.id, p.node_id, p.timestamp, p.latitude, p.longitude, p.altitude, p.location_source, p.synced_at
		FROM positions p
		INNER JOIN (
			SELECT node_id, MAX(timestamp) AS max_ts
			FROM positions
			GROUP BY node_id
		) latest ON p.node_id = latest.node_id AND p.timestamp = latest.max_ts
		ORDER BY p.timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	return out, nil
}

// ListDeviceMetrics pages through telemetry, newest first. An empty nodeID
// matches every node.
func (s *Store) ListDeviceMetrics(ctx context.Context, nodeID string, limit, offset int) ([]DeviceMetrics, error) {
	query := "SELECT " + deviceMetricsColumns + " FROM device_metrics"
	var args []any
	if nodeID != "" {
		query += " WHERE node_id = ?"
		args = append(args, nodeID)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	out, err := collect(ctx, s.db, scanDeviceMetrics, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list device metrics: %w", err)
	}
	return out, nil
}

// LatestDeviceMetrics returns the newest snapshot for nodeID, or nil.
func (s *Store) LatestDeviceMetrics(ctx context.Context, nodeID string) (*DeviceMetrics, error) {
	m, err := scanDeviceMetrics(s.db.QueryRowContext(ctx,
		"SELECT "+deviceMetricsColumns+" FROM device_metrics WHERE node_id = ? ORDER BY timestamp DESC LIMIT 1", nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest device metrics for %s: %w", nodeID, err)
	}
	return &m, nil
}

// MessageFilter narrows ListMessages. Empty fields match everything.
type MessageFilter struct {
	FromNode string
	ToNode   string
}

// ListMessages pages through messages, newest first.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter, limit, offset int) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	if f.FromNode != "" {
		where = append(where, "from_node = ?")
		args = append(args, f.FromNode)
	}
	if f.ToNode != "" {
		where = append(where, "to_node = ?")
		args = append(args, f.ToNode)
	}

	query := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	out, err := collect(ctx, s.db, scanMessage, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *Store) MessageCount(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM messages")
}

func (s *Store) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
