//go:build integration

package merge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xelth-com/meshsync/internal/database"
	"github.com/xelth-com/meshsync/internal/models"
	"github.com/xelth-com/meshsync/internal/wire"
)

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgDB        *database.DB
	pgErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgDB != nil {
		_ = pgDB.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func dockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

func startPostgres() (*database.DB, error) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "meshtastic",
			"POSTGRES_PASSWORD": "meshtastic",
			"POSTGRES_DB":       "meshtastic",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	pgContainer = c

	host, err := c.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("host=%s port=%s user=meshtastic password=meshtastic dbname=meshtastic sslmode=disable TimeZone=UTC",
		host, port.Port())
	db, err := database.Open(dsn, false)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

// testStore returns a Store on an empty Central Store.
func testStore(t *testing.T) *Store {
	t.Helper()
	if !dockerAvailable() {
		t.Skip("Skipping test: Docker not available")
	}
	pgOnce.Do(func() { pgDB, pgErr = startPostgres() })
	if pgErr != nil {
		t.Fatalf("postgres: %v", pgErr)
	}

	err := pgDB.Exec("TRUNCATE nodes, gateways, positions, device_metrics, messages, collectors, sync_batches RESTART IDENTITY").Error
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(pgDB.DB)
}

func sampleBatch(collector, batchID string) *wire.Batch {
	return &wire.Batch{
		CollectorID: collector,
		BatchID:     batchID,
		Data: wire.BatchData{
			Nodes: []wire.NodeRow{
				{NodeID: "!435a7b70", LongName: strp("Base Station Alpha"), ShortName: strp("BSA"), LastSeen: wt("2024-01-15T12:00:00Z")},
				{NodeID: "!12345678", NodeNum: intp(0x12345678), LastSeen: wt("2024-01-15T12:05:00Z")},
			},
			Positions: []wire.PositionRow{
				{NodeID: "!435a7b70", Timestamp: wt("2024-01-15T11:00:00Z"), Latitude: floatp(52.52), Longitude: floatp(13.405)},
				{NodeID: "!435a7b70", Timestamp: wt("2024-01-15T12:00:00Z"), Latitude: floatp(52.53), Longitude: floatp(13.41)},
			},
			DeviceMetrics: []wire.DeviceMetricsRow{
				{NodeID: "!435a7b70", Timestamp: wt("2024-01-15T12:00:00Z"), BatteryLevel: intp(87), Voltage: floatp(4.01)},
			},
			Messages: []wire.MessageRow{
				{Timestamp: wt("2024-01-15T12:01:00Z"), FromNode: strp("!435a7b70"), Channel: intp(0), Text: strp("hello mesh"), PortNum: strp("TEXT_MESSAGE_APP")},
			},
			Gateways: []wire.GatewayRow{
				{Host: "192.168.1.50", Port: 4403, NodeID: strp("!435a7b70"), LastSeen: wt("2024-01-15T12:05:00Z")},
			},
		},
	}
}

func TestMergeBatchIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	b := sampleBatch("pi-alpha", "b-1")

	first, err := s.MergeBatch(ctx, b)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if first.Redelivery {
		t.Error("first delivery flagged as redelivery")
	}
	if first.RecordsReceived[wire.TablePositions] != 2 || first.Inserted[wire.TablePositions] != 2 {
		t.Errorf("first merge = %+v", first)
	}
	before, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	second, err := s.MergeBatch(ctx, b)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if !second.Redelivery {
		t.Error("second delivery not flagged as redelivery")
	}
	if second.Inserted[wire.TablePositions] != 0 || second.Inserted[wire.TableMessages] != 0 {
		t.Errorf("redelivery inserted rows: %+v", second.Inserted)
	}

	after, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if *before != *after {
		t.Errorf("stats changed on redelivery: %+v -> %+v", before, after)
	}
	want := Stats{TotalNodes: 2, TotalPositions: 2, TotalDeviceMetrics: 1, TotalMessages: 1, TotalGateways: 1, TotalCollectors: 1}
	if *after != want {
		t.Errorf("stats = %+v, want %+v", after, want)
	}

	var audit models.SyncBatch
	if err := s.db.First(&audit, "collector_id = ? AND batch_id = ?", "pi-alpha", "b-1").Error; err != nil {
		t.Fatalf("sync_batches: %v", err)
	}
	if audit.Deliveries != 2 {
		t.Errorf("deliveries = %d, want 2", audit.Deliveries)
	}

	collectors, err := s.ListCollectors(ctx)
	if err != nil {
		t.Fatalf("ListCollectors: %v", err)
	}
	if len(collectors) != 1 || collectors[0].RecordCount != int64(b.Data.Total()) || collectors[0].BatchCount != 1 {
		t.Errorf("collectors = %+v", collectors)
	}
	if collectors[0].Status != "online" || collectors[0].NodeCount != 2 {
		t.Errorf("health = %+v", collectors[0])
	}
}

func TestMergeNullNeverOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.MergeBatch(ctx, sampleBatch("pi-alpha", "b-1")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := &wire.Batch{
		CollectorID: "pi-beta",
		BatchID:     "b-2",
		Data: wire.BatchData{
			Positions: []wire.PositionRow{},
			Nodes:     []wire.NodeRow{{NodeID: "!435a7b70", LongName: nil, HWModel: strp("TBEAM")}},
		},
	}
	res, err := s.MergeBatch(ctx, b)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := res.RecordsReceived[wire.TablePositions]; ok {
		t.Error("empty table reported in records_received")
	}

	n, err := s.GetNode(ctx, "!435a7b70")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.LongName == nil || *n.LongName != "Base Station Alpha" {
		t.Errorf("long_name = %v, want unchanged", n.LongName)
	}
	if n.HWModel == nil || *n.HWModel != "TBEAM" {
		t.Errorf("hw_model = %v", n.HWModel)
	}
	if n.CollectorID != "pi-alpha" {
		t.Errorf("collector_id = %q, want first reporter", n.CollectorID)
	}
	if n.LastSeen == nil || !n.LastSeen.Equal(wt("2024-01-15T12:00:00Z").Time) {
		t.Errorf("last_seen = %v, want kept when incoming is null", n.LastSeen)
	}
}

func TestMergeLastSeenIsMonotonic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	gw := func(batchID, lastSeen string) *wire.Batch {
		return &wire.Batch{
			CollectorID: "pi-alpha",
			BatchID:     batchID,
			Data: wire.BatchData{
				Gateways: []wire.GatewayRow{{Host: "192.168.1.50", Port: 4403, LastSeen: wt(lastSeen)}},
				Nodes:    []wire.NodeRow{{NodeID: "!a", LastSeen: wt(lastSeen)}},
			},
		}
	}
	if _, err := s.MergeBatch(ctx, gw("b-1", "2024-01-15T12:00:00Z")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MergeBatch(ctx, gw("b-2", "2024-01-15T08:00:00Z")); err != nil {
		t.Fatal(err)
	}

	var g models.Gateway
	if err := s.db.First(&g, "host = ? AND port = ? AND collector_id = ?", "192.168.1.50", 4403, "pi-alpha").Error; err != nil {
		t.Fatal(err)
	}
	if g.LastSeen == nil || !g.LastSeen.Equal(wt("2024-01-15T12:00:00Z").Time) {
		t.Errorf("gateway last_seen = %v, want 12:00", g.LastSeen)
	}
	if g.FirstSeen != nil {
		t.Errorf("first_seen = %v, want null", g.FirstSeen)
	}

	n, err := s.GetNode(ctx, "!a")
	if err != nil {
		t.Fatal(err)
	}
	if !n.LastSeen.Equal(wt("2024-01-15T12:00:00Z").Time) {
		t.Errorf("node last_seen = %v, want 12:00", n.LastSeen)
	}
}

func TestGatewayIdentityIncludesCollector(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, c := range []string{"pi-alpha", "pi-beta"} {
		b := &wire.Batch{
			CollectorID: c,
			BatchID:     "same-id",
			Data:        wire.BatchData{Gateways: []wire.GatewayRow{{Host: "192.168.1.50", Port: 4403}}},
		}
		res, err := s.MergeBatch(ctx, b)
		if err != nil {
			t.Fatalf("merge %s: %v", c, err)
		}
		if res.Redelivery {
			t.Errorf("%s: batch id shared across collectors treated as redelivery", c)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalGateways != 2 || st.TotalCollectors != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMergeRollsBackOnFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	b := sampleBatch("pi-alpha", "b-bad")
	// Longer than the node_id column allows.
	b.Data.Messages = append(b.Data.Messages, wire.MessageRow{
		Timestamp: wt("2024-01-15T12:02:00Z"),
		FromNode:  strp("!0123456789012345678901234567890123456789"),
	})

	if _, err := s.MergeBatch(ctx, b); err == nil {
		t.Fatal("expected merge to fail")
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *st != (Stats{}) {
		t.Errorf("partial batch applied: %+v", st)
	}
}

func TestReadQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.MergeBatch(ctx, sampleBatch("pi-alpha", "b-1")); err != nil {
		t.Fatal(err)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	nodes, err := s.ListNodes(ctx, NodeFilter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].NodeID != "!12345678" {
		t.Errorf("nodes = %+v, want most recent first", nodes)
	}

	none, err := s.ListNodes(ctx, NodeFilter{CollectorID: "pi-zeta"})
	if err != nil || len(none) != 0 {
		t.Errorf("filtered nodes = %v, %v", none, err)
	}

	if _, err := s.GetNode(ctx, "!ffffffff"); err != ErrNotFound {
		t.Errorf("GetNode unknown = %v, want ErrNotFound", err)
	}

	latest, err := s.LatestPositions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 1 || latest[0].Latitude == nil || *latest[0].Latitude != 52.53 {
		t.Errorf("latest positions = %+v", latest)
	}

	msgs, err := s.ListMessages(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text == nil || *msgs[0].Text != "hello mesh" || msgs[0].ToNode != nil {
		t.Errorf("messages = %+v", msgs)
	}
}
