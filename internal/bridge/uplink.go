package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/statemanager"
)

// UplinkOptions describes the relay connection of a boat server.
type UplinkOptions struct {
	URL         string
	BoatID      string
	ClientID    string
	TokenSecret string
	TokenTTL    time.Duration
	Identity    *auth.Identity

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// NewUplink builds the relay adapter for a boat server: role boat-server,
// a signed JWT in the query and no full-state request of its own.
func NewUplink(opts UplinkOptions, log *zap.SugaredLogger) (*client.Adapter, error) {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	var token string
	if opts.TokenSecret != "" {
		var err error
		token, err = auth.GenerateRelayToken(opts.TokenSecret, opts.ClientID, opts.BoatID, auth.RoleBoatServer, opts.TokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return client.New(client.Options{
		Variant:              client.VariantRelay,
		URL:                  opts.URL,
		ClientID:             opts.ClientID,
		BoatID:               opts.BoatID,
		Role:                 auth.RoleBoatServer,
		Token:                token,
		Identity:             opts.Identity,
		SkipStateRequest:     true,
		ReconnectDelay:       opts.ReconnectDelay,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
	}, log), nil
}

// runUplink connects the uplink and serves relay requests until ctx is done.
func (b *Bridge) runUplink(ctx context.Context) {
	up := b.uplink
	defer up.Cleanup()

	if err := up.Connect(ctx); err != nil {
		b.log.Warnf("⚠️ Relay uplink not connected yet: %v", err)
	}

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-retry:
			retry = nil
			b.log.Info("Retrying relay uplink")
			_ = up.Connect(ctx)
		case ev, ok := <-up.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case client.EventStatus:
				switch ev.Status {
				case client.StatusConnected:
					// The relay asks for a snapshot once the handshake is through.
					b.log.Info("☁️ Relay uplink connected")
				case client.StatusError:
					b.log.Warnf("Relay uplink gave up, retrying in %s", b.cfg.UplinkRetryPause)
					retry = time.After(b.cfg.UplinkRetryPause)
				}
			case client.EventRequestFullState:
				b.sendUplinkSnapshot()
			case client.EventCommand:
				if statemanager.IsCommand(ev.Message.Type()) {
					_ = b.command(ev.Message)
				}
			}
		}
	}
}

func (b *Bridge) sendUplinkSnapshot() {
	if err := b.uplink.Send(b.snapshot()); err != nil {
		b.log.Debugf("Uplink snapshot not sent: %v", err)
	}
}
