package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/meshsync/internal/models"
)

// CollectorHealth is a row of the collector_health view.
type CollectorHealth struct {
	CollectorID string    `json:"collector_id"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	RecordCount int64     `json:"record_count"`
	BatchCount  int64     `json:"batch_count"`
	NodeCount   int64     `json:"node_count"`
	Status      string    `json:"status"`
}

// Stats holds row counts of the Central Store.
type Stats struct {
	TotalNodes         int64 `json:"total_nodes"`
	TotalPositions     int64 `json:"total_positions"`
	TotalDeviceMetrics int64 `json:"total_device_metrics"`
	TotalMessages      int64 `json:"total_messages"`
	TotalGateways      int64 `json:"total_gateways"`
	TotalCollectors    int64 `json:"total_collectors"`
}

// NodeFilter narrows ListNodes. A zero Limit means no limit.
type NodeFilter struct {
	CollectorID string
	Limit       int
	Offset      int
}

// Ping runs a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// ListCollectors returns every known collector, most recently seen first.
func (s *Store) ListCollectors(ctx context.Context) ([]CollectorHealth, error) {
	var out []CollectorHealth
	err := s.db.WithContext(ctx).
		Table("collector_health").
		Order("last_seen DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list collectors: %w", err)
	}
	return out, nil
}

// Stats counts rows per table plus known collectors.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	st := &Stats{}
	counts := []struct {
		model interface{}
		dest  *int64
	}{
		{&models.Node{}, &st.TotalNodes},
		{&models.Position{}, &st.TotalPositions},
		{&models.DeviceMetrics{}, &st.TotalDeviceMetrics},
		{&models.Message{}, &st.TotalMessages},
		{&models.Gateway{}, &st.TotalGateways},
		{&models.Collector{}, &st.TotalCollectors},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("count %T: %w", c.model, err)
		}
	}
	return st, nil
}

// ListNodes returns nodes, most recently seen first.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]models.Node, error) {
	q := s.db.WithContext(ctx).Order("last_seen DESC NULLS LAST").Order("node_id")
	if f.CollectorID != "" {
		q = q.Where("collector_id = ?", f.CollectorID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var out []models.Node
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return out, nil
}

// GetNode returns ErrNotFound for an unknown node id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*models.Node, error) {
	var n models.Node
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return &n, nil
}

// LatestPositions returns the newest position of each node, newest first.
func (s *Store) LatestPositions(ctx context.Context, limit int) ([]models.Position, error) {
	q := s.db.WithContext(ctx).Table("latest_positions").Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []models.Position
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}
	return out, nil
}

// ListMessages returns messages, newest first.
func (s *Store) ListMessages(ctx context.Context, limit, offset int) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var out []models.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}
