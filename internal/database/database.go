// Package database opens the relay's optional PostgreSQL store, starting an
// embedded server when no external one is configured.
package database

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/compendiumnav/navsync/internal/config"
)

const (
	embeddedDataPath = "./relay_db"
	embeddedPort     = 5433
	embeddedPassword = "postgres"
)

var errPortBusy = errors.New("port busy")

// DB is the key store connection plus the embedded server it may own.
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      *zap.SugaredLogger
}

// Connect opens PostgreSQL. localhost without a password means embedded mode.
func Connect(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*DB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var embedded *embeddedpostgres.EmbeddedPostgres
	if cfg.Host == "localhost" && cfg.Password == "" {
		var err error
		if embedded, err = startEmbedded(cfg, log); err != nil {
			return nil, err
		}
		cfg.Port = strconv.Itoa(embeddedPort)
		cfg.Password = embeddedPassword
	} else {
		log.Infof("🌐 Using external PostgreSQL at %s:%s", cfg.Host, cfg.Port)
	}

	level := gormlogger.Warn
	if cfg.Quiet {
		level = gormlogger.Silent
	}
	db, err := gorm.Open(postgres.Open(dsn(cfg)), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("open key store: %w", err)
	}

	// The key table sees a handful of writes per handshake; a small pool is plenty.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("✅ Key store connected")
	return &DB{DB: db, embedded: embedded, log: log}, nil
}

func dsn(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
}

func startEmbedded(cfg config.DatabaseConfig, log *zap.SugaredLogger) (*embeddedpostgres.EmbeddedPostgres, error) {
	log.Infof("📦 Starting embedded PostgreSQL in %s", embeddedDataPath)
	clearStalePID(log)

	wait := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 6)
	if err := backoff.Retry(func() error {
		if portInUse(embeddedPort) {
			return errPortBusy
		}
		return nil
	}, wait); err != nil {
		return nil, fmt.Errorf("embedded postgres port %d: %w", embeddedPort, err)
	}

	pg := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(embeddedDataPath).
		Port(uint32(embeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword))
	if err := pg.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}
	return pg, nil
}

// clearStalePID removes a postmaster.pid whose process is gone, so a relay
// that crashed can start its embedded server again. A live process is left
// alone and the port check reports it.
func clearStalePID(log *zap.SugaredLogger) {
	pidFile := filepath.Join(embeddedDataPath, "postmaster.pid")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		log.Warnf("Unreadable %s: %v", pidFile, err)
		return
	}
	if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
		log.Warnf("PostgreSQL PID %d from a previous run is still alive", pid)
		return
	}
	log.Infof("🧹 Removing stale postmaster.pid (PID %d)", pid)
	_ = os.Remove(pidFile)
}

func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close shuts the pool and, in embedded mode, the server process.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if db.embedded != nil {
		db.log.Info("🛑 Stopping embedded PostgreSQL")
		if stopErr := db.embedded.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	return err
}

// AutoMigrate triggers GORM schema synchronization
func (db *DB) AutoMigrate(models ...interface{}) error {
	return db.DB.AutoMigrate(models...)
}
