// Package sync replicates unsynced rows of the collector's local store to the
// central merge service and retries with exponential backoff.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/meshsync/internal/buildinfo"
	"github.com/xelth-com/meshsync/internal/localstore"
	"github.com/xelth-com/meshsync/internal/logging"
	"github.com/xelth-com/meshsync/internal/metrics"
	"github.com/xelth-com/meshsync/internal/wire"
)

const (
	// DefaultBatchLimit is the maximum number of rows read per table per cycle.
	DefaultBatchLimit = 1000

	// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
	DefaultStopTimeout = 5 * time.Second
)

// Store is the part of the local store the client needs.
type Store interface {
	GetUnsyncedRecords(ctx context.Context, limit int) (*localstore.UnsyncedRecords, error)
	MarkSynced(ctx context.Context, keys localstore.SyncedKeys) (int64, error)
	UnsyncedCount(ctx context.Context) (map[string]int, error)
	SyncStats(ctx context.Context) (map[string]localstore.TableSyncStats, error)
}

// Options configures a Client. Zero values take the defaults.
type Options struct {
	CollectorID string
	URL         string
	APIKey      string
	Enabled     bool

	// Interval is the pause between successful cycles.
	Interval time.Duration

	BatchLimit  int
	Timeout     time.Duration
	StopTimeout time.Duration

	// BackoffUnit is the base of the retry schedule, one second by default.
	BackoffUnit time.Duration

	HTTPClient *http.Client
}

// Client runs sync cycles, either on demand through SyncOnce or in the
// background loop started by Start. At most one cycle runs at a time.
type Client struct {
	mu sync.Mutex

	store Store
	opts  Options
	http  *http.Client
	log   zerolog.Logger

	// State. isRunning stays true until the loop goroutine has exited,
	// including after a Stop that timed out.
	isRunning      bool
	stopping       bool
	syncInProgress bool
	state          State
	schedule       *retrySchedule
	lastAttempt    time.Time
	lastSuccess    time.Time
	lastErr        error

	// Channels
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewClient creates a sync client reading from store.
func NewClient(store Store, opts Options) *Client {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 300 * time.Second
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(opts.Timeout)
	}

	return &Client{
		store:    store,
		opts:     opts,
		http:     httpClient,
		log:      logging.With("sync").With().Str("collector", opts.CollectorID).Logger(),
		state:    StateIdle,
		schedule: newRetrySchedule(opts.BackoffUnit),
	}
}

// IsConfigured reports whether both endpoint and credential are set.
func (c *Client) IsConfigured() bool {
	return c.opts.URL != "" && c.opts.APIKey != ""
}

// SyncOnce uploads one batch of unsynced rows and marks them synced once the
// server acknowledged it. Only the identifiers read before the upload are
// marked, so rows changed during the round trip stay unsynced.
//
// The returned error matches ErrSync for configuration, transport and
// rejection failures; local store errors are returned as is.
func (c *Client) SyncOnce(ctx context.Context) (res *Result, err error) {
	c.mu.Lock()
	if c.syncInProgress {
		c.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	c.syncInProgress = true
	c.state = StateSyncing
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic during sync: %v", r)
		}
		if res != nil {
			res.Duration = time.Since(start)
		}

		c.mu.Lock()
		c.syncInProgress = false
		c.state = StateIdle
		if err != nil {
			c.lastErr = err
		} else {
			c.lastErr = nil
			c.lastSuccess = time.Now()
		}
		c.mu.Unlock()

		metrics.SyncAttempts.WithLabelValues(resultLabel(res, err)).Inc()
	}()

	return c.syncOnce(ctx)
}

func (c *Client) syncOnce(ctx context.Context) (*Result, error) {
	if !c.IsConfigured() {
		var missing []string
		if c.opts.URL == "" {
			missing = append(missing, "SYNC_API_URL")
		}
		if c.opts.APIKey == "" {
			missing = append(missing, "SYNC_API_KEY")
		}
		return nil, &ConfigurationError{Missing: missing}
	}

	unsynced, err := c.store.GetUnsyncedRecords(ctx, c.opts.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("read unsynced records: %w", err)
	}

	total := unsynced.Total()
	if total == 0 {
		c.log.Debug().Msg("no records to sync")
		return &Result{Status: "ok", Message: "No records to sync"}, nil
	}

	// Captured before the upload; see MarkSynced.
	keys := unsynced.Keys()
	batch := buildBatch(c.opts.CollectorID, unsynced)
	body, err := wire.EncodeBatch(batch)
	if err != nil {
		return nil, err
	}

	resp, err := c.pushBatch(ctx, body)
	if err != nil {
		return nil, err
	}

	// The server has committed the batch. Marking must not be abandoned
	// because the caller's context ended in the meantime.
	marked, err := c.store.MarkSynced(context.WithoutCancel(ctx), keys)
	if err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}

	details := batch.Data.Counts()
	for table, n := range details {
		metrics.SyncRecords.WithLabelValues(table).Add(float64(n))
	}

	res := &Result{
		Status:        "ok",
		BatchID:       batch.BatchID,
		RecordsSynced: total,
		Details:       details,
		Marked:        marked,
	}
	if resp != nil && !resp.ServerTime.IsZero() {
		st := resp.ServerTime.Time
		res.ServerTime = &st
	}

	ev := c.log.Info().
		Str("batch_id", batch.BatchID).
		Int("records", total).
		Int("nodes", details[wire.TableNodes]).
		Int("positions", details[wire.TablePositions]).
		Int("metrics", details[wire.TableDeviceMetrics]).
		Int("messages", details[wire.TableMessages]).
		Int("gateways", details[wire.TableGateways])
	if marked != int64(total) {
		ev = ev.Int64("marked", marked)
	}
	ev.Msg("synced records")

	return res, nil
}

func resultLabel(res *Result, err error) string {
	if err == nil {
		if res != nil && res.RecordsSynced == 0 {
			return "noop"
		}
		return "ok"
	}
	switch err.(type) {
	case *ConfigurationError:
		return "config_error"
	case *TransportError:
		return "transport_error"
	case *ServerRejectedError:
		return "rejected"
	}
	return "error"
}

// Start launches the background loop. The first cycle runs immediately.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return ErrAlreadyRunning
	}
	if !c.opts.Enabled {
		return ErrSyncDisabled
	}

	c.isRunning = true
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	go c.autoSyncLoop(c.stopChan, c.doneChan)

	c.log.Info().
		Dur("interval", c.opts.Interval).
		Str("url", c.opts.URL).
		Msg("sync service started")
	return nil
}

// Stop signals the loop and waits up to the stop timeout for it to exit. A
// cycle that is already uploading is not interrupted; the loop exits after
// it. Calling Stop more than once is harmless. It reports whether the loop
// exited within the timeout; if not, Start keeps refusing until it has.
func (c *Client) Stop() bool {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return true
	}
	if !c.stopping {
		c.stopping = true
		close(c.stopChan)
	}
	done := c.doneChan
	c.mu.Unlock()

	select {
	case <-done:
		c.log.Info().Msg("sync service stopped")
		return true
	case <-time.After(c.opts.StopTimeout):
		c.log.Warn().Dur("timeout", c.opts.StopTimeout).Msg("sync loop did not stop in time")
		return false
	}
}

// Running reports whether the background loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRunning
}

// autoSyncLoop runs cycles until stop is closed. A cycle never ends the
// loop; every failure becomes a longer wait.
func (c *Client) autoSyncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		c.mu.Lock()
		c.isRunning = false
		c.stopping = false
		c.mu.Unlock()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		wait := c.runCycle()

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle performs one loop iteration and returns how long to wait before
// the next: max(interval, backoff).
func (c *Client) runCycle() time.Duration {
	_, err := c.SyncOnce(context.Background())
	if errors.Is(err, ErrSyncInProgress) {
		// A direct caller holds the cycle; keep the current schedule.
		return c.nextWait()
	}
	if err != nil {
		return c.recordFailure(err)
	}

	c.mu.Lock()
	c.schedule.Success()
	c.mu.Unlock()
	metrics.SyncBackoffSeconds.Set(c.opts.BackoffUnit.Seconds())
	c.refreshUnsyncedGauge()
	return c.nextWait()
}

func (c *Client) recordFailure(err error) time.Duration {
	c.mu.Lock()
	backoff := c.schedule.Failure()
	failures := c.schedule.Failures()
	c.state = StateBackingOff
	c.lastErr = err
	c.mu.Unlock()

	metrics.SyncBackoffSeconds.Set(backoff.Seconds())
	wait := c.nextWait()
	c.log.Error().
		Err(err).
		Int("consecutive_failures", failures).
		Dur("retry_in", wait).
		Msg("sync failed")
	return wait
}

func (c *Client) nextWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.opts.Interval, c.schedule.Current())
}

// CurrentBackoff returns the backoff that the next wait is based on.
func (c *Client) CurrentBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule.Current()
}

func (c *Client) refreshUnsyncedGauge() map[string]int {
	counts, err := c.store.UnsyncedCount(context.Background())
	if err != nil {
		c.log.Warn().Err(err).Msg("could not count unsynced rows")
		return nil
	}
	for table, n := range counts {
		metrics.UnsyncedRows.WithLabelValues(table).Set(float64(n))
	}
	return counts
}

// Status reports configuration, loop state and local sync counters.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	unsynced, err := c.store.UnsyncedCount(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.SyncStats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := &Status{
		CollectorID:         c.opts.CollectorID,
		SyncEnabled:         c.opts.Enabled,
		SyncConfigured:      c.opts.URL != "" && c.opts.APIKey != "",
		SyncAPIURL:          c.opts.URL,
		SyncInterval:        int(c.opts.Interval / time.Second),
		Running:             c.isRunning,
		State:               c.state,
		Backoff:             c.schedule.Current().Seconds(),
		ConsecutiveFailures: c.schedule.Failures(),
		Unsynced:            unsynced,
		SyncStats:           stats,
		Build:               buildinfo.Get(),
	}
	if !c.lastAttempt.IsZero() {
		t := c.lastAttempt
		st.LastAttempt = &t
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		st.LastSuccess = &t
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st, nil
}
