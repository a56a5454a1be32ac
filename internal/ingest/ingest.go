// Package ingest turns decoded mesh events into Local Store writes. Event
// sources call the Ingestor directly; there is no subscriber registry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xelth-com/meshsync/internal/localstore"
	"github.com/xelth-com/meshsync/internal/wire"
)

// Defaults applied to incoming events.
const (
	DefaultGatewayPort    = 4403
	DefaultLocationSource = "UNKNOWN"
	TextMessagePort       = "TEXT_MESSAGE_APP"
	BroadcastAddr         = "^all"

	// coordScale converts the protocol's integer degrees.
	coordScale = 1e-7
)

var (
	// ErrNoNode is returned for events that do not name a node.
	ErrNoNode = errors.New("ingest: event has no node id")

	// ErrNodeIDTooLong is returned for node ids the central store cannot hold.
	// Such a row would be refused on every sync attempt.
	ErrNodeIDTooLong = fmt.Errorf("ingest: node id longer than %d characters", wire.MaxNodeIDLen)
)

func checkNodeID(id string) error {
	if id == "" {
		return ErrNoNode
	}
	if utf8.RuneCountInString(id) > wire.MaxNodeIDLen {
		return fmt.Errorf("%w: %q", ErrNodeIDTooLong, id)
	}
	return nil
}

// Sink is the Local Store surface the Ingestor writes to.
type Sink interface {
	UpsertGateway(ctx context.Context, host string, port int, nodeID *string) (int64, error)
	UpsertNode(ctx context.Context, nodeID string, f localstore.NodeFields) error
	InsertPosition(ctx context.Context, p localstore.Position) (int64, error)
	InsertDeviceMetrics(ctx context.Context, m localstore.DeviceMetrics) (int64, error)
	InsertMessage(ctx context.Context, m localstore.Message) (int64, error)
}

type NodeInfo struct {
	NodeID    string
	NodeNum   *int64
	LongName  *string
	ShortName *string
	HWModel   *string
	MacAddr   *string
}

// Position carries coordinates as integers scaled by 1e7. Time is unix
// seconds; nil or zero means the time of arrival.
type Position struct {
	NodeID         string
	LatitudeI      *int64
	LongitudeI     *int64
	Altitude       *int64
	LocationSource *string
	Time           *int64
}

type Telemetry struct {
	NodeID             string
	BatteryLevel       *int64
	Voltage            *float64
	ChannelUtilization *float64
	AirUtilTx          *float64
	UptimeSeconds      *int64
}

// Empty reports whether no device metric is present.
func (t Telemetry) Empty() bool {
	return t.BatteryLevel == nil && t.Voltage == nil && t.ChannelUtilization == nil &&
		t.AirUtilTx == nil && t.UptimeSeconds == nil
}

// Message is a text message. ToNode "^all" or empty is a broadcast. Gateway
// is the host:port it arrived through, if known.
type Message struct {
	FromNode string
	ToNode   string
	Channel  int64
	Text     string
	Gateway  string
}

// Ingestor applies events to a Sink.
type Ingestor struct {
	sink Sink

	mu       sync.Mutex
	gateways map[string]int64
}

func New(sink Sink) *Ingestor {
	return &Ingestor{
		sink:     sink,
		gateways: make(map[string]int64),
	}
}

// GatewayKey formats the host:port key used by Message.Gateway.
func GatewayKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// RegisterGateway records a gateway connection and remembers its id for
// later messages. Port 0 means the default port.
func (i *Ingestor) RegisterGateway(ctx context.Context, host string, port int, nodeID *string) (int64, error) {
	if port == 0 {
		port = DefaultGatewayPort
	}
	if utf8.RuneCountInString(host) > wire.MaxHostLen {
		return 0, fmt.Errorf("ingest: gateway host longer than %d characters", wire.MaxHostLen)
	}
	if nodeID != nil {
		if err := checkNodeID(*nodeID); err != nil {
			return 0, err
		}
	}
	id, err := i.sink.UpsertGateway(ctx, host, port, nodeID)
	if err != nil {
		return 0, err
	}

	i.mu.Lock()
	i.gateways[GatewayKey(host, port)] = id
	i.mu.Unlock()
	return id, nil
}

func (i *Ingestor) gatewayID(key string) *int64 {
	if key == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if id, ok := i.gateways[key]; ok {
		return &id
	}
	return nil
}

// HandleNodeInfo merges node details. Names longer than the central columns
// are truncated.
func (i *Ingestor) HandleNodeInfo(ctx context.Context, n NodeInfo) error {
	if err := checkNodeID(n.NodeID); err != nil {
		return err
	}
	return i.sink.UpsertNode(ctx, n.NodeID, localstore.NodeFields{
		NodeNum:   n.NodeNum,
		LongName:  wire.Clamp(n.LongName, wire.MaxLongNameLen),
		ShortName: wire.Clamp(n.ShortName, wire.MaxShortNameLen),
		HWModel:   wire.Clamp(n.HWModel, wire.MaxHWModelLen),
		MacAddr:   wire.Clamp(n.MacAddr, wire.MaxMacAddrLen),
	})
}

// HandlePosition ensures the node exists and appends the position. Zero and
// out-of-range coordinates are stored as unknown.
func (i *Ingestor) HandlePosition(ctx context.Context, p Position) error {
	if err := checkNodeID(p.NodeID); err != nil {
		return err
	}
	if err := i.sink.UpsertNode(ctx, p.NodeID, localstore.NodeFields{}); err != nil {
		return err
	}

	source := wire.Clamp(p.LocationSource, wire.MaxLocationSourceLen)
	if source == nil {
		s := DefaultLocationSource
		source = &s
	}
	var ts time.Time
	if p.Time != nil && *p.Time != 0 {
		ts = time.Unix(*p.Time, 0).UTC()
	}

	_, err := i.sink.InsertPosition(ctx, localstore.Position{
		NodeID:         p.NodeID,
		Timestamp:      ts,
		Latitude:       scaleCoord(p.LatitudeI, wire.ValidLatitude),
		Longitude:      scaleCoord(p.LongitudeI, wire.ValidLongitude),
		Altitude:       p.Altitude,
		LocationSource: source,
	})
	return err
}

func scaleCoord(v *int64, valid func(float64) bool) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	f := float64(*v) * coordScale
	if !valid(f) {
		return nil
	}
	return &f
}

// HandleTelemetry appends device metrics. Telemetry without device metrics
// (environment sensors and the like) is ignored.
func (i *Ingestor) HandleTelemetry(ctx context.Context, t Telemetry) error {
	if err := checkNodeID(t.NodeID); err != nil {
		return err
	}
	if t.Empty() {
		return nil
	}
	if err := i.sink.UpsertNode(ctx, t.NodeID, localstore.NodeFields{}); err != nil {
		return err
	}
	_, err := i.sink.InsertDeviceMetrics(ctx, localstore.DeviceMetrics{
		NodeID:             t.NodeID,
		BatteryLevel:       t.BatteryLevel,
		Voltage:            t.Voltage,
		ChannelUtilization: t.ChannelUtilization,
		AirUtilTx:          t.AirUtilTx,
		UptimeSeconds:      t.UptimeSeconds,
	})
	return err
}

// HandleMessage ensures sender and recipient nodes exist and appends the
// message.
func (i *Ingestor) HandleMessage(ctx context.Context, m Message) error {
	var from, to *string
	for _, id := range []string{m.FromNode, m.ToNode} {
		if id != "" && id != BroadcastAddr {
			if err := checkNodeID(id); err != nil {
				return err
			}
		}
	}
	if m.FromNode != "" {
		if err := i.sink.UpsertNode(ctx, m.FromNode, localstore.NodeFields{}); err != nil {
			return err
		}
		from = &m.FromNode
	}
	if m.ToNode != "" && m.ToNode != BroadcastAddr {
		if err := i.sink.UpsertNode(ctx, m.ToNode, localstore.NodeFields{}); err != nil {
			return err
		}
		to = &m.ToNode
	}

	port := TextMessagePort
	channel := m.Channel
	text := m.Text
	if _, err := i.sink.InsertMessage(ctx, localstore.Message{
		FromNode:  from,
		ToNode:    to,
		Channel:   &channel,
		Text:      &text,
		PortNum:   &port,
		GatewayID: i.gatewayID(m.Gateway),
	}); err != nil {
		return fmt.Errorf("message from %s: %w", m.FromNode, err)
	}
	return nil
}
