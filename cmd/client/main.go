// Command client follows one boat's state from the command line, either
// straight from the boat server or through the relay.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/reconciler"
	"github.com/compendiumnav/navsync/internal/state"
)

func main() {
	viaRelay := flag.Bool("relay", false, "connect through the relay instead of the boat server")
	every := flag.Duration("print", 5*time.Second, "how often to log a state summary")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	zl := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer zl.Sync()
	log := zl.Sugar()

	syncCfg := config.LoadSyncConfig()
	store, err := reconciler.New(syncCfg, log.Named(logger.ComponentStore))
	if err != nil {
		log.Fatalf("Invalid sync config: %v", err)
	}

	opts := client.Options{
		Variant:              client.VariantDirect,
		URL:                  cfg.Client.DirectURL,
		ClientID:             cfg.Client.ClientID,
		BoatID:               cfg.BoatID,
		ReconnectDelay:       cfg.Client.ReconnectDelay,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		FullStateTimeout:     cfg.Client.FullStateTimeout,
		ConnectTimeout:       cfg.Client.ConnectTimeout,
	}
	if *viaRelay {
		opts.Variant = client.VariantRelay
		opts.URL = cfg.Client.RelayURL
		opts.Role = auth.RoleClient
		if cfg.Relay.TokenSecret != "" {
			opts.Token, err = auth.GenerateRelayToken(cfg.Relay.TokenSecret, cfg.Client.ClientID, cfg.BoatID, auth.RoleClient, 0)
			if err != nil {
				log.Fatalf("Failed to sign relay token: %v", err)
			}
		}
		identity, err := auth.LoadOrGenerateIdentity(os.Getenv("CLIENT_IDENTITY_PATH"), cfg.Client.ClientID)
		if err != nil {
			log.Fatalf("Failed to load identity: %v", err)
		}
		opts.ClientID = identity.ClientID
		opts.Identity = identity
	}

	adapter := client.New(opts, log.Named(logger.ComponentAdapter))
	defer adapter.Cleanup()

	syncer := reconciler.NewSyncer(store, adapter, syncCfg.RefreshInterval())
	syncer.OnEvent = func(ev client.Event) {
		if ev.Type == client.EventStatus {
			log.Infof("Connection %s", ev.Status)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := adapter.Connect(ctx); err != nil {
		log.Warnf("Initial connect failed, retrying in background: %v", err)
	}

	go func() {
		t := time.NewTicker(*every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				doc := store.Snapshot()
				lat, _ := state.GetDot(doc, "position.latitude")
				sog, _ := state.GetDot(doc, "navigation.speed.sog.value")
				log.Infow("state", "version", store.Version(), "status", adapter.Status(), "latitude", lat, "sog", sog)
			}
		}
	}()

	if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Sync stopped: %v", err)
	}
	adapter.Disconnect()
	log.Info("✅ Client stopped")
}
