package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/database"
	"github.com/compendiumnav/navsync/internal/handlers"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	zl := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer zl.Sync()
	log := zl.Sugar()

	if err := cfg.ValidateRelay(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var keys relay.KeyStore = relay.NewMemoryKeyStore()
	var db *database.DB
	if cfg.Relay.UsePersistentKeys {
		db, err = database.Connect(cfg.Database, log.Named(logger.ComponentDatabase))
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		repo, err := database.NewKeyRepository(db)
		if err != nil {
			log.Fatalf("Failed to prepare key store: %v", err)
		}
		keys = relay.NewPersistentKeyStore(repo)
		log.Info("✅ Client keys persisted in database")
	}

	r := relay.New(relay.Config{
		TokenSecret:        cfg.Relay.TokenSecret,
		RequireAuth:        cfg.Relay.RequireAuth,
		FullStateRateLimit: cfg.Relay.FullStateRateLimit,
		IdentityMaxSkew:    cfg.Relay.IdentityMaxSkew,
	}, keys, log.Named(logger.ComponentRelay))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	router := handlers.NewRelayRouter(r, r.Hub(), r.Hub().Count, cfg.Relay.TokenSecret, log.Named(logger.ComponentHTTP))
	server := &http.Server{
		Addr:              ":" + cfg.Relay.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("🚀 Relay starting on port %s", cfg.Relay.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("⚠️ Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server shutdown error: %v", err)
	}
	<-done

	if db != nil {
		log.Info("🛑 Closing database connection...")
		if err := db.Close(); err != nil {
			log.Warnf("Database close error: %v", err)
		}
	}
	log.Info("✅ Shutdown complete")
}
