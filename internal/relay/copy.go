package relay

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
)

// ErrNoCopy means no full state has arrived for the boat yet.
var ErrNoCopy = errors.New("no full state received yet")

// VesselCopy is the relay's view of one boat's document. Only that boat's
// uplink writes it.
type VesselCopy struct {
	BoatID string

	mu      sync.RWMutex
	doc     state.Document
	updated time.Time

	// refresh bounds upstream full-state requests.
	refresh *rate.Limiter
}

// NewVesselCopy creates an empty copy whose upstream refreshes are limited to one per every.
func NewVesselCopy(boatID string, every time.Duration) *VesselCopy {
	return &VesselCopy{
		BoatID:  boatID,
		refresh: rate.NewLimiter(rate.Every(every), 1),
	}
}

// ApplyFull replaces the copy with doc laid over the base schema.
func (v *VesselCopy) ApplyFull(data any) error {
	m, ok := state.AsMap(data)
	if !ok {
		return state.ErrNotContainer
	}
	doc, err := state.NormalizeDocument(state.Document(m))
	if err != nil {
		return err
	}
	next := state.MergeOnto(state.BaseSchema(), doc)

	v.mu.Lock()
	v.doc = next
	v.updated = time.Now()
	v.mu.Unlock()
	return nil
}

// ApplyPatch applies ops to a copy of the document and keeps it only when
// every op succeeded.
func (v *VesselCopy) ApplyPatch(data any) error {
	ops, err := patch.Decode(data)
	if err != nil {
		return err
	}

	v.mu.RLock()
	cur := v.doc
	v.mu.RUnlock()
	if cur == nil {
		return ErrNoCopy
	}

	work := state.MustClone(cur)
	if err := patch.Apply(work, ops); err != nil {
		return err
	}

	v.mu.Lock()
	v.doc = work
	v.updated = time.Now()
	v.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy, or false before the first full state.
func (v *VesselCopy) Snapshot() (state.Document, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.doc == nil {
		return nil, false
	}
	return state.MustClone(v.doc), true
}

// Updated is the time of the last successful write.
func (v *VesselCopy) Updated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updated
}

// allowRefresh reports whether an upstream full-state request may go out now.
func (v *VesselCopy) allowRefresh() bool { return v.refresh.Allow() }
