package ingest

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xelth-com/meshsync/internal/localstore"
	"github.com/xelth-com/meshsync/internal/wire"
)

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "mesh.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func i64(v int64) *int64 { return &v }

func str(s string) *string { return &s }

func TestHandlePosition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	err := ing.HandlePosition(ctx, Position{
		NodeID:     "!435a7b70",
		LatitudeI:  i64(525200000),
		LongitudeI: i64(0),
		Altitude:   i64(34),
		Time:       i64(1705312800),
	})
	if err != nil {
		t.Fatalf("HandlePosition: %v", err)
	}

	node, err := store.GetNode(ctx, "!435a7b70")
	if err != nil || node == nil {
		t.Fatalf("node not ensured: %v %v", node, err)
	}

	ps, err := store.ListPositions(ctx, "!435a7b70", 10, 0)
	if err != nil || len(ps) != 1 {
		t.Fatalf("positions = %v, %v", ps, err)
	}
	p := ps[0]
	if p.Latitude == nil || math.Abs(*p.Latitude-52.52) > 1e-9 {
		t.Errorf("latitude = %v, want 52.52", p.Latitude)
	}
	if p.Longitude != nil {
		t.Errorf("zero longitude stored as %v, want null", *p.Longitude)
	}
	if p.LocationSource == nil || *p.LocationSource != DefaultLocationSource {
		t.Errorf("location_source = %v", p.LocationSource)
	}
	if !p.Timestamp.Equal(time.Unix(1705312800, 0)) {
		t.Errorf("timestamp = %v", p.Timestamp)
	}

	if err := ing.HandlePosition(ctx, Position{}); !errors.Is(err, ErrNoNode) {
		t.Errorf("missing node err = %v", err)
	}
}

func TestHandleTelemetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	if err := ing.HandleTelemetry(ctx, Telemetry{NodeID: "!a"}); err != nil {
		t.Fatalf("empty telemetry: %v", err)
	}
	if n, _ := store.GetNode(ctx, "!a"); n != nil {
		t.Error("empty telemetry created a node")
	}

	v := 4.01
	if err := ing.HandleTelemetry(ctx, Telemetry{NodeID: "!a", BatteryLevel: i64(87), Voltage: &v}); err != nil {
		t.Fatalf("HandleTelemetry: %v", err)
	}
	m, err := store.LatestDeviceMetrics(ctx, "!a")
	if err != nil || m == nil {
		t.Fatalf("metrics = %v, %v", m, err)
	}
	if m.BatteryLevel == nil || *m.BatteryLevel != 87 || m.Voltage == nil || *m.Voltage != 4.01 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	gwID, err := ing.RegisterGateway(ctx, "192.168.1.50", 0, nil)
	if err != nil {
		t.Fatalf("RegisterGateway: %v", err)
	}

	err = ing.HandleMessage(ctx, Message{
		FromNode: "!a",
		ToNode:   BroadcastAddr,
		Text:     "hello mesh",
		Gateway:  GatewayKey("192.168.1.50", DefaultGatewayPort),
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := ing.HandleMessage(ctx, Message{FromNode: "!a", ToNode: "!b", Channel: 1, Text: "dm"}); err != nil {
		t.Fatalf("direct: %v", err)
	}

	msgs, err := store.ListMessages(ctx, localstore.MessageFilter{FromNode: "!a"}, 10, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("messages = %v, %v", msgs, err)
	}
	byText := map[string]localstore.Message{}
	for _, m := range msgs {
		byText[*m.Text] = m
	}

	bc := byText["hello mesh"]
	if bc.ToNode != nil {
		t.Errorf("broadcast to_node = %v, want null", *bc.ToNode)
	}
	if bc.GatewayID == nil || *bc.GatewayID != gwID {
		t.Errorf("gateway_id = %v, want %d", bc.GatewayID, gwID)
	}
	if bc.PortNum == nil || *bc.PortNum != TextMessagePort {
		t.Errorf("port_num = %v", bc.PortNum)
	}

	dm := byText["dm"]
	if dm.ToNode == nil || *dm.ToNode != "!b" || dm.GatewayID != nil || *dm.Channel != 1 {
		t.Errorf("direct message = %+v", dm)
	}
	if n, _ := store.GetNode(ctx, "!b"); n == nil {
		t.Error("recipient node not ensured")
	}
}

func TestHandleNodeInfoCoalesces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	if err := ing.HandleNodeInfo(ctx, NodeInfo{NodeID: "!x", LongName: str("A")}); err != nil {
		t.Fatal(err)
	}
	if err := ing.HandleNodeInfo(ctx, NodeInfo{NodeID: "!x", ShortName: str("B")}); err != nil {
		t.Fatal(err)
	}
	n, err := store.GetNode(ctx, "!x")
	if err != nil || n == nil {
		t.Fatalf("GetNode: %v %v", n, err)
	}
	if n.LongName == nil || *n.LongName != "A" || n.ShortName == nil || *n.ShortName != "B" {
		t.Errorf("node = %+v", n)
	}
}

func TestHandlePositionOutOfRangeIsUnknown(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	// int32 latitude_i reaches about 214 degrees.
	err := ing.HandlePosition(ctx, Position{
		NodeID:     "!435a7b70",
		LatitudeI:  i64(1_500_000_000),
		LongitudeI: i64(-1_900_000_000),
		Altitude:   i64(34),
	})
	if err != nil {
		t.Fatalf("HandlePosition: %v", err)
	}
	ps, err := store.ListPositions(ctx, "!435a7b70", 10, 0)
	if err != nil || len(ps) != 1 {
		t.Fatalf("positions = %v, %v", ps, err)
	}
	if ps[0].Latitude != nil || ps[0].Longitude != nil {
		t.Errorf("coordinates = %v/%v, want null", ps[0].Latitude, ps[0].Longitude)
	}
	if ps[0].Altitude == nil || *ps[0].Altitude != 34 {
		t.Errorf("altitude = %v", ps[0].Altitude)
	}
}

func TestEventsFitCentralColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ing := New(store)

	longID := "!" + strings.Repeat("f", wire.MaxNodeIDLen)
	if err := ing.HandleNodeInfo(ctx, NodeInfo{NodeID: longID}); !errors.Is(err, ErrNodeIDTooLong) {
		t.Errorf("node info err = %v", err)
	}
	if err := ing.HandlePosition(ctx, Position{NodeID: longID}); !errors.Is(err, ErrNodeIDTooLong) {
		t.Errorf("position err = %v", err)
	}
	if err := ing.HandleMessage(ctx, Message{FromNode: "!a", ToNode: longID, Text: "x"}); !errors.Is(err, ErrNodeIDTooLong) {
		t.Errorf("message err = %v", err)
	}
	if n, _ := store.GetNode(ctx, "!a"); n != nil {
		t.Error("rejected message still created its sender")
	}

	name := strings.Repeat("n", wire.MaxLongNameLen+20)
	source := strings.Repeat("s", wire.MaxLocationSourceLen+1)
	if err := ing.HandleNodeInfo(ctx, NodeInfo{NodeID: "!x", LongName: &name}); err != nil {
		t.Fatal(err)
	}
	if err := ing.HandlePosition(ctx, Position{NodeID: "!x", LatitudeI: i64(525200000), LocationSource: &source}); err != nil {
		t.Fatal(err)
	}
	n, err := store.GetNode(ctx, "!x")
	if err != nil || n == nil {
		t.Fatalf("GetNode: %v %v", n, err)
	}
	if len(*n.LongName) != wire.MaxLongNameLen {
		t.Errorf("long_name length = %d", len(*n.LongName))
	}
	ps, err := store.ListPositions(ctx, "!x", 10, 0)
	if err != nil || len(ps) != 1 {
		t.Fatalf("positions = %v, %v", ps, err)
	}
	if len(*ps[0].LocationSource) != wire.MaxLocationSourceLen {
		t.Errorf("location_source length = %d", len(*ps[0].LocationSource))
	}
}
