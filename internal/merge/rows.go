package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/xelth-com/meshsync/internal/models"
	"github.com/xelth-com/meshsync/internal/wire"
)

// rowHasher builds the content key of an append-only row. Every field is
// written with a presence byte so a null never collides with an empty value.
type rowHasher struct {
	h hash.Hash
}

func newRowHasher(table string) *rowHasher {
	r := &rowHasher{h: sha256.New()}
	r.raw(table)
	return r
}

func (r *rowHasher) raw(s string) {
	r.h.Write([]byte{1})
	r.h.Write([]byte(s))
	r.h.Write([]byte{0x1f})
}

func (r *rowHasher) null() {
	r.h.Write([]byte{0, 0x1f})
}

func (r *rowHasher) str(s *string) {
	if s == nil {
		r.null()
		return
	}
	r.raw(*s)
}

func (r *rowHasher) int(v *int64) {
	if v == nil {
		r.null()
		return
	}
	r.raw(strconv.FormatInt(*v, 10))
}

func (r *rowHasher) float(v *float64) {
	if v == nil {
		r.null()
		return
	}
	r.raw(strconv.FormatFloat(*v, 'g', -1, 64))
}

func (r *rowHasher) time(t time.Time) {
	r.raw(t.UTC().Format(time.RFC3339Nano))
}

func (r *rowHasher) sum() string {
	return hex.EncodeToString(r.h.Sum(nil))
}

// PositionHash is the dedup key of a position row.
func PositionHash(p wire.PositionRow) string {
	r := newRowHasher(wire.TablePositions)
	r.raw(p.NodeID)
	r.time(wireTime(p.Timestamp))
	r.float(p.Latitude)
	r.float(p.Longitude)
	r.int(p.Altitude)
	r.str(p.LocationSource)
	return r.sum()
}

// DeviceMetricsHash is the dedup key of a telemetry row.
func DeviceMetricsHash(m wire.DeviceMetricsRow) string {
	r := newRowHasher(wire.TableDeviceMetrics)
	r.raw(m.NodeID)
	r.time(wireTime(m.Timestamp))
	r.int(m.BatteryLevel)
	r.float(m.Voltage)
	r.float(m.ChannelUtilization)
	r.float(m.AirUtilTx)
	r.int(m.UptimeSeconds)
	return r.sum()
}

// MessageHash is the dedup key of a message row.
func MessageHash(m wire.MessageRow) string {
	r := newRowHasher(wire.TableMessages)
	r.time(wireTime(m.Timestamp))
	r.str(m.FromNode)
	r.str(m.ToNode)
	r.int(m.Channel)
	r.str(m.Text)
	r.str(m.PortNum)
	return r.sum()
}

func wireTime(t *wire.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time.UTC()
}

func wireTimePtr(t *wire.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func coalesce[T any](incoming, existing *T) *T {
	if incoming != nil {
		return incoming
	}
	return existing
}

func earliest(a, b *wire.Time) *wire.Time {
	if a == nil || (b != nil && b.Before(a.Time)) {
		return b
	}
	return a
}

func latest(a, b *wire.Time) *wire.Time {
	if a == nil || (b != nil && b.After(a.Time)) {
		return b
	}
	return a
}

// foldNodes collapses repeated node ids in one batch with the same rules the
// database applies across batches. Postgres rejects an upsert statement that
// touches the same row twice.
func foldNodes(rows []wire.NodeRow) []wire.NodeRow {
	idx := make(map[string]int, len(rows))
	out := make([]wire.NodeRow, 0, len(rows))
	for _, n := range rows {
		i, ok := idx[n.NodeID]
		if !ok {
			idx[n.NodeID] = len(out)
			out = append(out, n)
			continue
		}
		prev := &out[i]
		prev.NodeNum = coalesce(n.NodeNum, prev.NodeNum)
		prev.LongName = coalesce(n.LongName, prev.LongName)
		prev.ShortName = coalesce(n.ShortName, prev.ShortName)
		prev.HWModel = coalesce(n.HWModel, prev.HWModel)
		prev.FirmwareVersion = coalesce(n.FirmwareVersion, prev.FirmwareVersion)
		prev.MacAddr = coalesce(n.MacAddr, prev.MacAddr)
		prev.FirstSeen = earliest(prev.FirstSeen, n.FirstSeen)
		prev.LastSeen = latest(prev.LastSeen, n.LastSeen)
	}
	return out
}

type gatewayKey struct {
	host string
	port int
}

func foldGateways(rows []wire.GatewayRow) []wire.GatewayRow {
	idx := make(map[gatewayKey]int, len(rows))
	out := make([]wire.GatewayRow, 0, len(rows))
	for _, g := range rows {
		k := gatewayKey{g.Host, g.Port}
		i, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, g)
			continue
		}
		prev := &out[i]
		prev.NodeID = coalesce(g.NodeID, prev.NodeID)
		prev.FirstSeen = earliest(prev.FirstSeen, g.FirstSeen)
		prev.LastSeen = latest(prev.LastSeen, g.LastSeen)
	}
	return out
}

func nodeModels(collectorID string, rows []wire.NodeRow, now time.Time) []models.Node {
	out := make([]models.Node, 0, len(rows))
	for _, n := range foldNodes(rows) {
		out = append(out, models.Node{
			NodeID:          n.NodeID,
			NodeNum:         n.NodeNum,
			LongName:        n.LongName,
			ShortName:       n.ShortName,
			HWModel:         n.HWModel,
			FirmwareVersion: n.FirmwareVersion,
			MacAddr:         n.MacAddr,
			FirstSeen:       wireTimePtr(n.FirstSeen),
			LastSeen:        wireTimePtr(n.LastSeen),
			CollectorID:     collectorID,
			SyncedAt:        &now,
		})
	}
	return out
}

func gatewayModels(collectorID string, rows []wire.GatewayRow, now time.Time) []models.Gateway {
	out := make([]models.Gateway, 0, len(rows))
	for _, g := range foldGateways(rows) {
		out = append(out, models.Gateway{
			Host:        g.Host,
			Port:        g.Port,
			CollectorID: collectorID,
			NodeID:      g.NodeID,
			FirstSeen:   wireTimePtr(g.FirstSeen),
			LastSeen:    wireTimePtr(g.LastSeen),
			SyncedAt:    &now,
		})
	}
	return out
}

func positionModels(collectorID string, rows []wire.PositionRow, now time.Time) []models.Position {
	out := make([]models.Position, 0, len(rows))
	for _, p := range rows {
		out = append(out, models.Position{
			NodeID:         p.NodeID,
			Timestamp:      wireTime(p.Timestamp),
			Latitude:       p.Latitude,
			Longitude:      p.Longitude,
			Altitude:       p.Altitude,
			LocationSource: p.LocationSource,
			CollectorID:    collectorID,
			RowHash:        PositionHash(p),
			SyncedAt:       now,
		})
	}
	return out
}

func deviceMetricsModels(collectorID string, rows []wire.DeviceMetricsRow, now time.Time) []models.DeviceMetrics {
	out := make([]models.DeviceMetrics, 0, len(rows))
	for _, m := range rows {
		out = append(out, models.DeviceMetrics{
			NodeID:             m.NodeID,
			Timestamp:          wireTime(m.Timestamp),
			BatteryLevel:       m.BatteryLevel,
			Voltage:            m.Voltage,
			ChannelUtilization: m.ChannelUtilization,
			AirUtilTx:          m.AirUtilTx,
			UptimeSeconds:      m.UptimeSeconds,
			CollectorID:        collectorID,
			RowHash:            DeviceMetricsHash(m),
			SyncedAt:           now,
		})
	}
	return out
}

func messageModels(collectorID string, rows []wire.MessageRow, now time.Time) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, m := range rows {
		out = append(out, models.Message{
			Timestamp:   wireTime(m.Timestamp),
			FromNode:    m.FromNode,
			ToNode:      m.ToNode,
			Channel:     m.Channel,
			Text:        m.Text,
			PortNum:     m.PortNum,
			CollectorID: collectorID,
			RowHash:     MessageHash(m),
			SyncedAt:    now,
		})
	}
	return out
}
