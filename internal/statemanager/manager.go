// Package statemanager owns the canonical vessel document on the boat
// server. Update records are coalesced per tick, diffed against the last
// known-good snapshot and published as patches or full snapshots.
package statemanager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
	"github.com/compendiumnav/navsync/internal/wire"
)

// Config tunes batching and emission.
type Config struct {
	BatchInterval        time.Duration
	FullSnapshotInterval time.Duration
	SubscriberBuffer     int
	BreadcrumbLimit      int
	Domains              []string
}

// DefaultConfig matches the production cadence: 200ms batches, a full
// snapshot every 30s.
func DefaultConfig() Config {
	return Config{
		BatchInterval:        200 * time.Millisecond,
		FullSnapshotInterval: 30 * time.Second,
		SubscriberBuffer:     256,
		BreadcrumbLimit:      500,
	}
}

// EventKind distinguishes the two envelopes a Manager emits.
type EventKind int

const (
	EventPatch EventKind = iota + 1
	EventFullUpdate
)

func (k EventKind) String() string {
	switch k {
	case EventPatch:
		return wire.TypePatch
	case EventFullUpdate:
		return wire.TypeFullUpdate
	}
	return "unknown"
}

// Event is what subscribers receive. Envelope is shared between
// subscribers and must be treated as read-only.
type Event struct {
	Kind     EventKind
	Envelope wire.Message
	Ops      []patch.Operation
}

// Subscription is a bounded event stream. C is closed by Unsubscribe or
// when the manager stops.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// pending is one queued change. Records with the same key collapse to the
// last value; mutations (commands) never collapse.
type pending struct {
	key    string
	segs   []string
	rec    state.UpdateRecord
	mutate func(state.Document) error
}

// Manager is the single writer of the canonical document.
type Manager struct {
	cfg    Config
	boatID string
	log    *zap.SugaredLogger
	mapper *state.PathMapper

	queueMu sync.Mutex
	queue   []*pending
	byKey   map[string]*pending

	docMu   sync.RWMutex
	current state.Document

	busy    atomic.Bool
	fullReq chan struct{}

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New builds a Manager seeded with the base schema.
func New(cfg Config, boatID string, log *zap.SugaredLogger) *Manager {
	def := DefaultConfig()
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = def.BatchInterval
	}
	if cfg.FullSnapshotInterval <= 0 {
		cfg.FullSnapshotInterval = def.FullSnapshotInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.BreadcrumbLimit <= 0 {
		cfg.BreadcrumbLimit = def.BreadcrumbLimit
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	seed, err := state.NormalizeDocument(state.BaseSchema())
	if err != nil {
		// The base schema is static JSON.
		panic(fmt.Sprintf("base schema: %v", err))
	}

	return &Manager{
		cfg:     cfg,
		boatID:  boatID,
		log:     log,
		mapper:  state.NewPathMapper(cfg.Domains...),
		byKey:   make(map[string]*pending),
		current: seed,
		fullReq: make(chan struct{}, 1),
		subs:    make(map[*Subscription]struct{}),
	}
}

// BoatID is the id stamped on every envelope.
func (m *Manager) BoatID() string { return m.boatID }

// ApplyUpdate queues rec for the next batch. Records whose first segment
// is not a known domain are dropped and false is returned.
func (m *Manager) ApplyUpdate(rec state.UpdateRecord) bool {
	segs, ok := m.mapper.Map(rec.Path)
	if !ok {
		m.log.Debugf("Dropping unmapped path %q from %s", rec.Path, rec.Source)
		metrics.IncUpdate("unmapped")
		return false
	}

	key := strings.Join(segs, ".")
	if rec.Replace {
		key = "!" + key
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if p, exists := m.byKey[key]; exists {
		p.rec = rec
	} else {
		p := &pending{key: key, segs: segs, rec: rec}
		m.queue = append(m.queue, p)
		m.byKey[key] = p
	}
	metrics.IncUpdate("queued")
	return true
}

// enqueueMutation queues fn to run against the working copy during the
// next batch, after any records queued before it.
func (m *Manager) enqueueMutation(fn func(state.Document) error) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	m.queue = append(m.queue, &pending{mutate: fn})
}

func (m *Manager) drain() []*pending {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	q := m.queue
	m.queue = nil
	m.byKey = make(map[string]*pending)
	return q
}

// GetState returns a deep copy of the last known-good snapshot.
func (m *Manager) GetState() state.Document {
	m.docMu.RLock()
	defer m.docMu.RUnlock()
	return state.MustClone(m.current)
}

// RequestFullUpdate asks Run to emit a full snapshot as soon as possible.
// Requests made while one is already pending collapse.
func (m *Manager) RequestFullUpdate() {
	select {
	case m.fullReq <- struct{}{}:
	default:
	}
}

// Run drives batching and periodic snapshots until ctx is done, then
// closes every subscription.
func (m *Manager) Run(ctx context.Context) {
	batch := time.NewTicker(m.cfg.BatchInterval)
	full := time.NewTicker(m.cfg.FullSnapshotInterval)
	defer batch.Stop()
	defer full.Stop()
	defer m.closeAll()

	m.log.Infof("🧭 State manager running (batch %s, full snapshot %s)", m.cfg.BatchInterval, m.cfg.FullSnapshotInterval)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("State manager stopped")
			return
		case <-batch.C:
			m.Flush()
		case <-full.C:
			m.emitFull()
		case <-m.fullReq:
			m.emitFull()
		}
	}
}

// Flush processes whatever is queued right now. A call that overlaps a
// batch already in progress is skipped and reports false.
func (m *Manager) Flush() bool {
	if !m.busy.CompareAndSwap(false, true) {
		metrics.IncBatch("skipped")
		return false
	}
	defer m.busy.Store(false)
	m.processBatch()
	return true
}

func (m *Manager) processBatch() {
	queued := m.drain()
	if len(queued) == 0 {
		return
	}
	started := time.Now()

	m.docMu.RLock()
	prev := m.current
	m.docMu.RUnlock()

	next, err := state.Clone(prev)
	if err != nil {
		m.log.Errorf("Dropping batch of %d: %v", len(queued), err)
		metrics.IncBatch("dropped")
		return
	}

	for _, p := range queued {
		if err := m.applyPending(next, p); err != nil {
			m.log.Warnf("Skipping update %s: %v", p.key, err)
		}
	}
	m.recordBreadcrumb(prev, next)

	normalized, err := state.NormalizeDocument(next)
	if err != nil {
		m.log.Errorf("Dropping batch of %d, snapshot is not serialisable: %v", len(queued), err)
		metrics.IncBatch("dropped")
		metrics.IncErrorCount("state-manager")
		return
	}

	ops, err := patch.Diff(prev, normalized)
	if err != nil {
		m.log.Errorf("Dropping batch of %d, diff failed: %v", len(queued), err)
		metrics.IncBatch("dropped")
		return
	}
	metrics.ObserveBatch(time.Since(started), len(ops))
	if len(ops) == 0 {
		metrics.IncBatch("unchanged")
		return
	}

	m.docMu.Lock()
	m.current = normalized
	m.docMu.Unlock()

	metrics.IncBatch("patched")
	m.publish(Event{Kind: EventPatch, Envelope: wire.NewPatch(ops, m.boatID), Ops: ops})
}

func (m *Manager) applyPending(doc state.Document, p *pending) error {
	if p.mutate != nil {
		return p.mutate(doc)
	}
	if len(p.segs) == 0 {
		return nil
	}
	if p.rec.Replace {
		return state.Set(doc, p.segs, p.rec.Value)
	}
	return state.Merge(doc, p.segs, p.rec.Value)
}

func (m *Manager) emitFull() {
	snap := m.GetState()
	m.publish(Event{Kind: EventFullUpdate, Envelope: wire.NewFullUpdate(snap, m.boatID)})
}

// Subscribe registers a consumer with the given buffer (or the configured
// default when buffer <= 0). Slow consumers lose events rather than stall
// the manager.
func (m *Manager) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = m.cfg.SubscriberBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed {
		close(ch)
		return sub
	}
	m.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[sub]; !ok {
		return
	}
	delete(m.subs, sub)
	close(sub.ch)
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for sub := range m.subs {
		select {
		case sub.ch <- ev:
		default:
			m.log.Warnf("Subscriber buffer full, dropping %s", ev.Kind)
			metrics.IncDropped("state-manager", "subscriber_full")
		}
	}
}

func (m *Manager) closeAll() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
	}
	m.subs = map[*Subscription]struct{}{}
	m.closed = true
}
