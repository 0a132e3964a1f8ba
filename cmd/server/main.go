package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/bridge"
	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/handlers"
	"github.com/compendiumnav/navsync/internal/ingest"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/statemanager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	zl := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer zl.Sync()
	log := zl.Sugar()

	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	boatID := cfg.BoatID
	if boatID == "" {
		boatID = uuid.NewString()
		log.Warnf("⚠️ BOAT_ID not set, using generated id %s", boatID)
	}

	mgr := statemanager.New(statemanager.Config{
		BatchInterval:        cfg.Server.BatchInterval,
		FullSnapshotInterval: cfg.Server.FullSnapshotInterval,
		SubscriberBuffer:     cfg.Server.SubscriberBuffer,
		BreadcrumbLimit:      cfg.Server.BreadcrumbLimit,
	}, boatID, log.Named(logger.ComponentStateManager))

	bcfg := bridge.Config{
		SubscriberBuffer: cfg.Server.SubscriberBuffer,
		DedupWindow:      cfg.Server.CommandDedupWindow,
	}
	if cfg.Server.RelayURL != "" {
		uplink, err := newUplink(cfg, boatID, log)
		if err != nil {
			log.Fatalf("Failed to set up relay uplink: %v", err)
		}
		bcfg.Uplink = uplink
	}
	b := bridge.New(mgr, bcfg, log.Named(logger.ComponentBridge))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(func() { mgr.Run(ctx) })
	run(func() { b.Run(ctx) })

	if cfg.SignalK.Enabled {
		sk := ingest.NewSignalK(ingest.Options{URL: cfg.SignalK.URL}, mgr, log.Named(logger.ComponentSignalK))
		run(func() {
			if err := sk.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("SignalK ingestion stopped: %v", err)
			}
		})
	} else {
		log.Info("SIGNALK_URL not set, ingestion disabled")
	}

	router := handlers.NewServerRouter(mgr, b.Hub(), b.Hub().Count, cfg.Server.TokenSecret, log.Named(logger.ComponentHTTP))
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("🚀 Boat server %s starting on port %s", boatID, cfg.Server.Port)
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
	wg.Wait()
	log.Info("✅ Shutdown complete")
}

func newUplink(cfg *config.Config, boatID string, log *zap.SugaredLogger) (*client.Adapter, error) {
	identity, err := auth.LoadOrGenerateIdentity(cfg.Server.IdentityKeyPath, "")
	if err != nil {
		return nil, err
	}
	log.Infof("🔑 Uplink identity %s", identity.ClientID)
	return bridge.NewUplink(bridge.UplinkOptions{
		URL:                  cfg.Server.RelayURL,
		BoatID:               boatID,
		ClientID:             identity.ClientID,
		TokenSecret:          cfg.Server.TokenSecret,
		Identity:             identity,
		ReconnectDelay:       cfg.Client.ReconnectDelay,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
	}, log.Named(logger.ComponentUplink))
}
