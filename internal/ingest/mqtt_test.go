package ingest

import (
	"context"
	"testing"
	"time"
)

func TestNodeID(t *testing.T) {
	if got := NodeID(0x435a7b70); got != "!435a7b70" {
		t.Errorf("NodeID = %q", got)
	}
	if got := NodeID(0x1f); got != "!0000001f" {
		t.Errorf("NodeID = %q, want zero padded", got)
	}
}

func TestNewMQTTSourceBroker(t *testing.T) {
	tests := []struct {
		broker string
		host   string
		port   int
		ok     bool
	}{
		{"tcp://mqtt.local:1884", "mqtt.local", 1884, true},
		{"tcp://10.0.0.2", "10.0.0.2", defaultMQTTPort, true},
		{"mqtt.local", "", 0, false},
	}
	for _, tt := range tests {
		s, err := NewMQTTSource(MQTTConfig{Broker: tt.broker}, nil)
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v", tt.broker, err)
			continue
		}
		if tt.ok && (s.host != tt.host || s.port != tt.port) {
			t.Errorf("%s: host/port = %s/%d", tt.broker, s.host, s.port)
		}
	}
}

func TestHandlePayload(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://mqtt.local:1883"}, New(store))
	if err != nil {
		t.Fatal(err)
	}

	payloads := []string{
		`{"channel":0,"from":1130003312,"to":4294967295,"sender":"!deadbeef","timestamp":1705312800,"type":"text","payload":{"text":"hello mesh"}}`,
		`{"from":1130003312,"sender":"!deadbeef","timestamp":1705312800,"type":"position","payload":{"latitude_i":525200000,"longitude_i":134050000,"altitude":34}}`,
		`{"from":1130003312,"sender":"!deadbeef","type":"telemetry","payload":{"battery_level":87,"voltage":4.01}}`,
		`{"from":1130003312,"sender":"!deadbeef","type":"nodeinfo","payload":{"id":"!435a7b70","longname":"Base Station Alpha","shortname":"BSA","hardware":4}}`,
		`{"from":1130003312,"type":"neighborinfo","payload":{}}`,
	}
	for _, p := range payloads {
		if err := src.HandlePayload(ctx, []byte(p)); err != nil {
			t.Fatalf("HandlePayload(%s): %v", p, err)
		}
	}

	if err := src.HandlePayload(ctx, []byte(`{"type":"text"}`)); err == nil {
		t.Error("message without sender number accepted")
	}
	if err := src.HandlePayload(ctx, []byte(`not json`)); err == nil {
		t.Error("invalid json accepted")
	}

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Nodes != 1 || st.Positions != 1 || st.DeviceMetrics != 1 || st.Messages != 1 || st.Gateways != 1 {
		t.Errorf("stats = %+v", st)
	}

	n, err := store.GetNode(ctx, "!435a7b70")
	if err != nil || n == nil {
		t.Fatalf("GetNode: %v %v", n, err)
	}
	if n.LongName == nil || *n.LongName != "Base Station Alpha" || n.HWModel == nil || *n.HWModel != "4" {
		t.Errorf("node = %+v", n)
	}
	if n.NodeNum == nil || *n.NodeNum != 1130003312 {
		t.Errorf("node_num = %v", n.NodeNum)
	}

	gws, err := store.ListGateways(ctx)
	if err != nil || len(gws) != 1 {
		t.Fatalf("gateways = %v, %v", gws, err)
	}
	if gws[0].NodeID == nil || *gws[0].NodeID != "!deadbeef" || gws[0].Port != 1883 {
		t.Errorf("gateway = %+v", gws[0])
	}
}

func TestHandlePayloadDropsRepeatedPackets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://mqtt.local:1883"}, New(store))
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte(`{"id":3735928559,"from":1130003312,"sender":"!deadbeef","timestamp":1705312800,"type":"text","payload":{"text":"once"}}`)
	for i := 0; i < 3; i++ {
		if err := src.HandlePayload(ctx, msg); err != nil {
			t.Fatalf("HandlePayload: %v", err)
		}
	}
	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Messages != 1 {
		t.Errorf("messages = %d, want 1", st.Messages)
	}
}

func TestPacketDeduperWindow(t *testing.T) {
	d := newPacketDeduper()
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if d.Seen(1, 42) {
		t.Fatal("first packet reported as seen")
	}
	if !d.Seen(1, 42) {
		t.Error("repeat not detected")
	}
	if d.Seen(2, 42) {
		t.Error("same id from another node treated as repeat")
	}
	if d.Seen(1, 0) || d.Seen(1, 0) {
		t.Error("zero id deduplicated")
	}
	now = now.Add(dedupWindow + time.Second)
	if d.Seen(1, 42) {
		t.Error("packet outside window treated as repeat")
	}
}

func TestNodeInfoOverlongIDFallsBackToSender(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://mqtt.local:1883"}, New(store))
	if err != nil {
		t.Fatal(err)
	}
	msg := `{"from":1130003312,"type":"nodeinfo","payload":{"id":"!this-id-is-far-too-long-for-a-mesh-node","longname":"Alpha"}}`
	if err := src.HandlePayload(ctx, []byte(msg)); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	n, err := store.GetNode(ctx, NodeID(1130003312))
	if err != nil || n == nil {
		t.Fatalf("GetNode: %v %v", n, err)
	}
	if n.LongName == nil || *n.LongName != "Alpha" {
		t.Errorf("node = %+v", n)
	}
}
