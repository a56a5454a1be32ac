package database

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/meshsync/internal/config"
	"github.com/xelth-com/meshsync/internal/logging"
)

const (
	embeddedDataPath = "./db_data"
	embeddedPort     = 5433
	embeddedPassword = "postgres"
)

func dbLog() *zerolog.Logger {
	l := logging.With("database")
	return &l
}

// DB wraps gorm.DB and includes a reference to an embedded process if active
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
}

// cleanupStaleEmbeddedPostgres cleans up leftover processes from a previous crash
func cleanupStaleEmbeddedPostgres() {
	pidFile := filepath.Join(embeddedDataPath, "postmaster.pid")

	data, err := os.ReadFile(pidFile)
	if err != nil {
		// No pid file = clean state
		return
	}

	// PID is the first line of postmaster.pid
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	if !scanner.Scan() {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		dbLog().Warn().Err(err).Msg("could not parse PID from postmaster.pid")
		return
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		dbLog().Info().Int("pid", pid).Msg("removing stale postmaster.pid, process not found")
		os.Remove(pidFile)
		return
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0 to check
	if err := process.Signal(syscall.Signal(0)); err != nil {
		dbLog().Info().Int("pid", pid).Msg("removing stale postmaster.pid, process not running")
		os.Remove(pidFile)
		return
	}

	dbLog().Warn().Int("pid", pid).Msg("found orphaned PostgreSQL process, stopping it")
	if err := process.Signal(syscall.SIGTERM); err != nil {
		dbLog().Warn().Err(err).Int("pid", pid).Msg("could not send SIGTERM")
	}

	for i := 0; i < 10; i++ {
		time.Sleep(500 * time.Millisecond)
		if err := process.Signal(syscall.Signal(0)); err != nil {
			dbLog().Info().Int("pid", pid).Msg("orphaned PostgreSQL process stopped")
			os.Remove(pidFile)
			return
		}
	}

	dbLog().Warn().Int("pid", pid).Msg("process did not stop gracefully, sending SIGKILL")
	process.Kill()
	time.Sleep(500 * time.Millisecond)
	os.Remove(pidFile)
}

// isPortInUse checks if a port is already in use
func isPortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func startEmbedded(cfg *config.DatabaseConfig) (*embeddedpostgres.EmbeddedPostgres, error) {
	dbLog().Info().Str("data_path", embeddedDataPath).Msg("mode: embedded PostgreSQL")

	cleanupStaleEmbeddedPostgres()

	if isPortInUse(embeddedPort) {
		dbLog().Warn().Int("port", embeddedPort).Msg("port still in use, waiting for release")
		for i := 0; i < 6; i++ {
			time.Sleep(500 * time.Millisecond)
			if !isPortInUse(embeddedPort) {
				break
			}
		}
		if isPortInUse(embeddedPort) {
			return nil, fmt.Errorf("port %d is still in use by another process", embeddedPort)
		}
	}

	embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(embeddedDataPath).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword))

	if err := embedded.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}

	cfg.Host = "localhost"
	cfg.Port = strconv.Itoa(embeddedPort)
	cfg.Password = embeddedPassword
	dbLog().Info().Int("port", embeddedPort).Msg("embedded PostgreSQL started")
	return embedded, nil
}

// Connect establishes a connection to a PostgreSQL database (external or embedded)
func Connect(cfg config.DatabaseConfig) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres

	if cfg.Embedded() {
		var err error
		if embedded, err = startEmbedded(&cfg); err != nil {
			return nil, err
		}
	} else if cfg.URL != "" {
		dbLog().Info().Msg("mode: external PostgreSQL via DATABASE_URL")
	} else {
		dbLog().Info().Str("host", cfg.Host).Str("port", cfg.Port).Msg("mode: external PostgreSQL")
	}

	db, err := Open(cfg.DSN(), cfg.LogSQL)
	if err != nil {
		// Clean up embedded process if GORM connection fails
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, err
	}
	db.embedded = embedded

	dbLog().Info().Msg("database connection established")
	return db, nil
}

// Open connects to dsn without any embedded process management.
func Open(dsn string, logSQL bool) (*DB, error) {
	logLevel := logger.Warn
	if logSQL {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(logging.With("gorm"), logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &DB{DB: db}, nil
}

// Close ensures the database connection and embedded process are shut down
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		dbLog().Info().Msg("stopping embedded PostgreSQL")
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}
