package reconciler

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/patch"
)

// Source is the part of a connection adapter the reconciler consumes.
type Source interface {
	Events() <-chan client.Event
	RequestFullState() error
}

// Syncer pumps adapter events into a Store.
type Syncer struct {
	store   *Store
	src     Source
	refresh *rate.Limiter

	// OnEvent, when set, sees every event after the store handled it.
	OnEvent func(client.Event)
}

// NewSyncer builds a pump. refreshEvery bounds how often a failed patch may
// trigger a full-state request.
func NewSyncer(store *Store, src Source, refreshEvery time.Duration) *Syncer {
	if refreshEvery <= 0 {
		refreshEvery = 5 * time.Second
	}
	return &Syncer{
		store:   store,
		src:     src,
		refresh: rate.NewLimiter(rate.Every(refreshEvery), 1),
	}
}

// Run handles events until ctx is done or the adapter's event channel is
// closed. It is the store's only writer while it runs.
func (y *Syncer) Run(ctx context.Context) error {
	events := y.src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			y.handle(ev)
			if y.OnEvent != nil {
				y.OnEvent(ev)
			}
		}
	}
}

func (y *Syncer) handle(ev client.Event) {
	log := y.store.log
	switch ev.Type {
	case client.EventFullUpdate:
		if err := y.store.ReplaceState(ev.Data); err != nil {
			metrics.IncErrorCount("reconciler")
		}
	case client.EventPatch:
		err := y.store.ApplyStatePatch(ev.Data)
		if err == nil || errors.Is(err, patch.ErrNotList) {
			return
		}
		metrics.IncErrorCount("reconciler")
		if !y.refresh.Allow() {
			log.Debugf("Patch failed, full-state refresh already requested recently")
			return
		}
		log.Infof("Patch failed (%v), requesting full state", err)
		if err := y.src.RequestFullState(); err != nil {
			log.Warnf("Full-state request failed: %v", err)
		}
	case client.EventTide:
		if err := y.store.ApplyTide(ev.Data); err != nil {
			log.Warnf("Ignoring tide update: %v", err)
		}
	case client.EventWeather:
		if err := y.store.ApplyWeather(ev.Data); err != nil {
			log.Warnf("Ignoring weather update: %v", err)
		}
	case client.EventStatus:
		log.Infof("Connection %s", ev.Status)
	}
}
