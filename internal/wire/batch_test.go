package wire

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestParseTimeForms(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 45, 123456000, time.UTC)
	inputs := []string{
		"2024-03-01T12:30:45.123456Z",
		"2024-03-01T14:30:45.123456+02:00",
		"2024-03-01T12:30:45.123456",
		"2024-03-01 12:30:45.123456",
	}
	for _, in := range inputs {
		got, err := ParseTime(in)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseTime(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage timestamp")
	}
}

func TestTimeMarshalsUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := NewTime(time.Date(2024, 3, 1, 13, 0, 0, 0, loc))

	data, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(data) != `"2024-03-01T12:00:00Z"` {
		t.Errorf("got %s", data)
	}
}

func TestDecodeBatchNullFields(t *testing.T) {
	body := `{
		"collector_id": "pi-alpha",
		"batch_id": "b-1",
		"data": {
			"nodes": [{"node_id": "!435a7b70", "long_name": null, "last_seen": "2024-03-01T12:00:00"}],
			"positions": []
		},
		"local_timestamps": {"oldest": null, "newest": "2024-03-01T12:00:00"}
	}`
	b, err := DecodeBatch(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(b.Data.Nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(b.Data.Nodes))
	}
	n := b.Data.Nodes[0]
	if n.LongName != nil {
		t.Errorf("long_name should decode as nil, got %q", *n.LongName)
	}
	if n.LastSeen == nil || n.LastSeen.Hour() != 12 {
		t.Errorf("last_seen not parsed: %+v", n.LastSeen)
	}
	if b.LocalTimestamps.Oldest != nil {
		t.Error("oldest should be nil")
	}
	if b.Data.Total() != 1 {
		t.Errorf("Total = %d, want 1", b.Data.Total())
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	b := &Batch{
		Data: BatchData{
			Nodes:     []NodeRow{{LongName: strPtr("x")}},
			Gateways:  []GatewayRow{{Port: 4403}},
			Positions: []PositionRow{{NodeID: "!a"}},
		},
	}
	err := b.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	msg := verr.Error()
	for _, want := range []string{"collector_id", "data.nodes[0].node_id", "data.gateways[0].host", "data.positions[0].timestamp"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestNormalizeKeepsBatchMergeable(t *testing.T) {
	bad, good := 150.0, 13.405
	now := NewTime(time.Now())
	long := strings.Repeat("x", MaxLocationSourceLen+10)
	b := &Batch{
		CollectorID: "c",
		Data: BatchData{
			Nodes:     []NodeRow{{NodeID: "!a", ShortName: strPtr("ÄÖÜäöüßÄÖÜäöüßÄÖÜäöüßÄÖÜäöüßÄÖÜäöüß")}},
			Positions: []PositionRow{{NodeID: "!a", Timestamp: &now, Latitude: &bad, Longitude: &good, LocationSource: &long}},
		},
	}

	fixes := b.Normalize()
	if len(fixes) != 3 {
		t.Errorf("fixes = %v, want 3", fixes)
	}
	p := b.Data.Positions[0]
	if p.Latitude != nil {
		t.Errorf("latitude = %v, want null", *p.Latitude)
	}
	if p.Longitude == nil || *p.Longitude != good {
		t.Errorf("longitude = %v, want %v", p.Longitude, good)
	}
	if n := len([]rune(*p.LocationSource)); n != MaxLocationSourceLen {
		t.Errorf("location_source has %d characters", n)
	}
	if n := len([]rune(*b.Data.Nodes[0].ShortName)); n != MaxShortNameLen {
		t.Errorf("short_name has %d characters", n)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("normalized batch invalid: %v", err)
	}
	if again := b.Normalize(); len(again) != 0 {
		t.Errorf("second Normalize changed %v", again)
	}
}

func TestValidateRejectsOverlongNodeID(t *testing.T) {
	now := NewTime(time.Now())
	b := &Batch{
		CollectorID: "c",
		Data: BatchData{
			Positions: []PositionRow{{NodeID: strings.Repeat("!", MaxNodeIDLen+1), Timestamp: &now}},
		},
	}
	err := b.Validate()
	if err == nil || !strings.Contains(err.Error(), "data.positions[0].node_id is longer than 32") {
		t.Fatalf("err = %v", err)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(nil, 3) != nil {
		t.Error("nil not kept")
	}
	s := "abc"
	if got := Clamp(&s, 3); got != &s {
		t.Error("short string copied")
	}
	s = "héllo"
	if got := Clamp(&s, 2); *got != "hé" {
		t.Errorf("Clamp = %q", *got)
	}
}

func TestTimestampRangeObserve(t *testing.T) {
	var r TimestampRange
	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	r.Observe(t1)
	r.Observe(time.Time{})
	r.Observe(t2)
	r.Observe(t3)

	if !r.Oldest.Equal(t2) || !r.Newest.Equal(t3) {
		t.Errorf("range = %v..%v", r.Oldest, r.Newest)
	}
}

func TestEncodeBatchEmitsNulls(t *testing.T) {
	b := &Batch{
		CollectorID: "c",
		BatchID:     "b",
		Data:        BatchData{Nodes: []NodeRow{{NodeID: "!a"}}},
	}
	data, err := EncodeBatch(b)
	if err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"long_name":null`) {
		t.Errorf("expected explicit null long_name in %s", s)
	}
	if !strings.Contains(s, `"oldest":null`) {
		t.Errorf("expected null oldest in %s", s)
	}
}
