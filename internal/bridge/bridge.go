// Package bridge connects the state manager to its consumers: browsers and
// apps on the local WebSocket endpoint, and the relay hop over an uplink.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/statemanager"
	"github.com/compendiumnav/navsync/internal/utils"
	"github.com/compendiumnav/navsync/internal/websocket"
	"github.com/compendiumnav/navsync/internal/wire"
)

// Config tunes the bridge.
type Config struct {
	SubscriberBuffer int
	SendBuffer       int
	DedupWindow      time.Duration

	// Uplink, when set, is the relay connection. The bridge owns its
	// lifecycle from Run on.
	Uplink *client.Adapter
	// UplinkRetryPause is how long a parked uplink waits before the bridge
	// reconnects it by hand.
	UplinkRetryPause time.Duration
}

// Bridge fans manager events out and routes inbound messages back.
type Bridge struct {
	mgr    *statemanager.Manager
	hub    *websocket.Hub
	uplink *client.Adapter
	dedup  *utils.Deduplicator
	log    *zap.SugaredLogger
	cfg    Config

	consumers atomic.Int32
	wg        sync.WaitGroup
}

// New wires a bridge around mgr. The returned bridge's Hub serves /ws.
func New(mgr *statemanager.Manager, cfg Config, log *zap.SugaredLogger) *Bridge {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.UplinkRetryPause <= 0 {
		cfg.UplinkRetryPause = time.Minute
	}
	b := &Bridge{
		mgr:    mgr,
		uplink: cfg.Uplink,
		dedup:  utils.NewDeduplicator(cfg.DedupWindow),
		log:    log,
		cfg:    cfg,
	}
	b.hub = websocket.NewHub(websocket.Options{
		Name:         "direct",
		BoatID:       mgr.BoatID(),
		Handler:      websocket.HandlerFunc(b.handleClient),
		OnConnect:    b.onConnect,
		OnDisconnect: b.onDisconnect,
		SendBuffer:   cfg.SendBuffer,
	}, log.Named(logger.ComponentHub))
	return b
}

// Hub is the direct WebSocket endpoint.
func (b *Bridge) Hub() *websocket.Hub { return b.hub }

// Consumers is the number of connected direct clients.
func (b *Bridge) Consumers() int { return int(b.consumers.Load()) }

// Run starts the hub, the manager fan-out and the uplink, and blocks until
// ctx is done and everything has stopped.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.mgr.Subscribe(b.cfg.SubscriberBuffer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.hub.Run(ctx)
	}()

	if b.uplink != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.runUplink(ctx)
		}()
	}

	b.log.Info("🌉 Bridge running")
	b.fanOut(ctx, sub)
	b.mgr.Unsubscribe(sub)
	b.wg.Wait()
	b.log.Info("Bridge stopped")
}

func (b *Bridge) fanOut(ctx context.Context, sub *statemanager.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			b.hub.Broadcast(ev.Envelope)
			if b.uplink != nil && b.uplink.Status() == client.StatusConnected {
				if err := b.uplink.Send(ev.Envelope); err != nil {
					b.log.Debugf("Uplink send failed: %v", err)
				}
			}
		}
	}
}

func (b *Bridge) snapshot() wire.Message {
	return wire.NewFullUpdate(b.mgr.GetState(), b.mgr.BoatID())
}

func (b *Bridge) onConnect(c *websocket.Client) {
	if b.consumers.Add(1) == 1 {
		// First consumer: everyone gets a fresh snapshot on the next tick.
		b.mgr.RequestFullUpdate()
	}
	c.Prime(func() []wire.Message {
		return []wire.Message{b.snapshot()}
	})
}

func (b *Bridge) onDisconnect(*websocket.Client) {
	b.consumers.Add(-1)
}

func (b *Bridge) handleClient(c *websocket.Client, msg wire.Message) {
	switch t := msg.Type(); {
	case t == wire.TypePing:
		c.Send(wire.New(wire.TypePong, nil))
	case t == wire.TypeRequestFullState || t == wire.TypeGetFullState:
		c.Send(b.snapshot())
	case statemanager.IsCommand(t):
		if err := b.command(msg); err != nil {
			c.Send(wire.New(wire.TypeError, map[string]any{"message": err.Error(), "msgId": msg.MsgID()}))
			return
		}
		if id := msg.MsgID(); id != "" {
			c.Send(wire.Message{"type": wire.TypeAck, "msgId": id})
		}
	default:
		b.log.Debugf("Ignoring %q from %s", t, c.ID)
	}
}

// command runs a client command once per msgId. A rejected command does
// not consume its msgId.
func (b *Bridge) command(msg wire.Message) error {
	id := msg.MsgID()
	if b.dedup.IsDuplicate(id) {
		b.log.Debugf("Duplicate command %s (%s)", msg.Type(), id)
		return nil
	}
	if err := b.mgr.HandleCommand(msg); err != nil {
		b.dedup.Forget(id)
		b.log.Warnf("Command %s failed: %v", msg.Type(), err)
		return err
	}
	return nil
}
