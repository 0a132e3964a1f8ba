// Package reconciler keeps a client's local copy of the vessel document in
// step with full-state and patch messages from a connection adapter.
package reconciler

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
)

var ErrInvalidState = errors.New("state payload is not an object")

type alias struct {
	from, to []string
}

type sticky struct {
	segs []string
	mode string
}

// Store owns the client-local document. ReplaceState, ApplyStatePatch,
// ApplyTide and ApplyWeather must be called from one goroutine; Snapshot,
// Get and Version are safe from any.
type Store struct {
	log          *zap.SugaredLogger
	aliases      []alias
	sticky       []sticky
	fenceHistory string
	mirror       bool

	mu      sync.RWMutex
	doc     state.Document
	version uint64
}

// New seeds the store with the base schema.
func New(cfg *config.SyncConfig, log *zap.SugaredLogger) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultSyncConfig()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		log:          log,
		fenceHistory: cfg.FenceHistoryField,
		mirror:       cfg.MirrorPosition,
		doc:          state.BaseSchema(),
	}
	for _, a := range cfg.Aliases {
		from, err := state.ParsePointer(a.From)
		if err != nil {
			return nil, fmt.Errorf("alias from %q: %w", a.From, err)
		}
		to, err := state.ParsePointer(a.To)
		if err != nil {
			return nil, fmt.Errorf("alias to %q: %w", a.To, err)
		}
		if len(from) == 0 || len(to) == 0 {
			return nil, fmt.Errorf("alias %q -> %q: %w", a.From, a.To, state.ErrEmptyPath)
		}
		s.aliases = append(s.aliases, alias{from: from, to: to})
	}
	for _, r := range cfg.StickyPaths {
		segs := state.SplitDotPath(r.Path)
		if len(segs) == 0 {
			return nil, fmt.Errorf("sticky path %q: %w", r.Path, state.ErrEmptyPath)
		}
		s.sticky = append(s.sticky, sticky{segs: segs, mode: r.Mode})
	}
	return s, nil
}

// Snapshot returns a deep copy of the local document.
func (s *Store) Snapshot() state.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return state.MustClone(s.doc)
}

// Get reads a dot path. The value is a copy.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	v, ok := state.GetDot(s.doc, path)
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c, err := state.Clone(v)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Version counts successful mutations.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) current() state.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

func (s *Store) commit(doc state.Document) {
	s.mu.Lock()
	s.doc = doc
	s.version++
	s.mu.Unlock()
}

// remap rewrites a pointer through the alias table. First match wins.
func (s *Store) remap(segs []string) []string {
	for _, a := range s.aliases {
		if hasPrefix(segs, a.from) {
			out := make([]string, 0, len(a.to)+len(segs)-len(a.from))
			out = append(out, a.to...)
			return append(out, segs[len(a.from):]...)
		}
	}
	return segs
}

func hasPrefix(segs, prefix []string) bool {
	if len(segs) < len(prefix) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ApplyStatePatch applies a list of operations to a copy of the document
// and swaps it in only if every operation succeeded. Input that is not a
// list is rejected with patch.ErrNotList and changes nothing.
func (s *Store) ApplyStatePatch(v any) error {
	ops, err := patch.Decode(v)
	if err != nil {
		s.log.Warnf("Rejecting patch: %v", err)
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	remapped := make([]patch.Operation, len(ops))
	mirror := false
	for i, op := range ops {
		segs, err := state.ParsePointer(op.Path)
		if err != nil {
			return &patch.ApplyError{Index: i, Op: op, Err: fmt.Errorf("%w: %v", patch.ErrMalformedOp, err)}
		}
		segs = s.remap(segs)
		val, err := state.Clone(op.Value)
		if err != nil {
			return &patch.ApplyError{Index: i, Op: op, Err: err}
		}
		remapped[i] = patch.Operation{Op: op.Op, Path: state.FormatPointer(segs), Value: val}
		if hasPrefix(segs, positionPath) {
			mirror = true
		}
	}

	work := state.MustClone(s.current())
	if err := patch.Apply(work, remapped); err != nil {
		s.log.Warnf("Patch aborted: %v", err)
		return err
	}
	if mirror && s.mirror {
		s.mirrorPosition(work)
	}
	s.commit(work)
	return nil
}

// ApplyTide shallow-merges a tide payload into tides.
func (s *Store) ApplyTide(data any) error {
	return s.mergeTop(state.DomainTides, data)
}

// ApplyWeather shallow-merges a weather payload into forecast.
func (s *Store) ApplyWeather(data any) error {
	return s.mergeTop(state.DomainForecast, data)
}

func (s *Store) mergeTop(key string, data any) error {
	m, ok := state.AsMap(data)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrInvalidState)
	}
	in, err := state.NormalizeDocument(state.Document(m))
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	next := shallowCopy(s.current())
	merged := map[string]any{}
	if old, ok := state.AsMap(next[key]); ok {
		for k, v := range old {
			merged[k] = v
		}
	}
	for k, v := range in {
		merged[k] = v
	}
	next[key] = merged
	s.commit(next)
	return nil
}

func shallowCopy(doc state.Document) state.Document {
	out := make(state.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
