package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/xelth-com/meshsync/internal/buildinfo"
	"github.com/xelth-com/meshsync/internal/config"
	"github.com/xelth-com/meshsync/internal/database"
	"github.com/xelth-com/meshsync/internal/handlers"
	"github.com/xelth-com/meshsync/internal/logging"
	"github.com/xelth-com/meshsync/internal/merge"
	"github.com/xelth-com/meshsync/internal/middleware"
)

func main() {
	port := flag.StringP("port", "p", "", "listen port (overrides PORT)")
	migrateOnly := flag.Bool("migrate", false, "apply the schema and exit")
	version := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.Version, buildinfo.CommitHash)
		return
	}

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *port != "" {
		cfg.Port = *port
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// 2. Initialize database (embedded or external)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to database")
	}

	// 3. Tables, indexes and views
	if err := db.Migrate(); err != nil {
		db.Close()
		logging.Fatal().Err(err).Msg("schema migration failed")
	}
	if *migrateOnly {
		db.Close()
		return
	}

	// 4. Router
	keys := middleware.NewKeySet(cfg.APIKeys)
	router := handlers.NewRouter(merge.New(db.DB), keys)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logging.Info().
			Str("port", cfg.Port).
			Int("api_keys", keys.Len()).
			Str("version", buildinfo.Version).
			Msg("merge service starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sig := <-shutdown
	logging.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Also stops embedded PostgreSQL
	if err := db.Close(); err != nil {
		logging.Error().Err(err).Msg("database close error")
	}

	logging.Info().Msg("shutdown complete")
}
