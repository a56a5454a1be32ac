package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/xelth-com/meshsync/internal/buildinfo"
	"github.com/xelth-com/meshsync/internal/config"
	"github.com/xelth-com/meshsync/internal/ingest"
	"github.com/xelth-com/meshsync/internal/localstore"
	"github.com/xelth-com/meshsync/internal/logging"
	syncclient "github.com/xelth-com/meshsync/internal/sync"
)

func main() {
	configPath := flag.StringP("config", "c", "", "config file (KEY=VALUE)")
	dbPath := flag.String("db", "", "local database path (overrides DB_PATH)")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	status := flag.Bool("status", false, "print sync status as JSON and exit")
	validate := flag.Bool("validate", false, "check the configuration and exit")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.Version, buildinfo.CommitHash)
		return
	}

	cfg, err := config.LoadCollectorConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if *validate {
		os.Exit(runValidate(cfg))
	}

	ctx := context.Background()
	store, err := localstore.Open(ctx, cfg.DBPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open local store")
	}
	defer store.Close()

	client := syncclient.NewClient(store, syncclient.Options{
		CollectorID: cfg.CollectorID,
		URL:         cfg.SyncAPIURL,
		APIKey:      cfg.SyncAPIKey,
		Enabled:     cfg.SyncEnabled,
		Interval:    cfg.Interval(),
	})

	switch {
	case *status:
		err = printStatus(ctx, client)
	case *once:
		err = runOnce(ctx, client)
	default:
		err = run(cfg, store, client)
	}
	if err != nil {
		store.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(cfg *config.CollectorConfig) int {
	problems := cfg.Validate()
	if cfg.Source != "" {
		fmt.Printf("config: %s\n", cfg.Source)
	}
	fmt.Printf("collector_id: %s\n", cfg.CollectorID)
	fmt.Printf("sync: enabled=%t configured=%t\n", cfg.SyncEnabled, cfg.IsSyncConfigured())
	if len(problems) == 0 {
		fmt.Println("configuration OK")
		return 0
	}
	for _, p := range problems {
		fmt.Printf("error: %s\n", p)
	}
	return 1
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printStatus(ctx context.Context, client *syncclient.Client) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return printJSON(st)
}

func runOnce(ctx context.Context, client *syncclient.Client) error {
	res, err := client.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return printJSON(res)
}

// run is the long-running collector: optional MQTT ingest, optional metrics
// endpoint and the background sync loop, until SIGINT or SIGTERM.
func run(cfg *config.CollectorConfig, store *localstore.Store, client *syncclient.Client) error {
	if err := cfg.ValidationError(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
	}

	var source *ingest.MQTTSource
	if cfg.MQTTBroker != "" {
		var err error
		source, err = ingest.NewMQTTSource(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
		}, ingest.New(store))
		if err != nil {
			return err
		}
		if err := source.Start(ctx); err != nil {
			return err
		}
	}

	if cfg.SyncEnabled {
		if err := client.Start(); err != nil {
			return err
		}
	} else {
		logging.Info().Msg("sync disabled, collecting locally only")
	}

	logging.Info().
		Str("collector", cfg.CollectorID).
		Str("db", store.Path()).
		Bool("sync", cfg.SyncEnabled).
		Bool("mqtt", source != nil).
		Str("version", buildinfo.Version).
		Msg("collector started")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	logging.Info().Str("signal", sig.String()).Msg("shutting down")

	// Ingest stops before the sync loop.
	if source != nil {
		source.Stop()
	}
	client.Stop()
	cancel()

	if metricsServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}
