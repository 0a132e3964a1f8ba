package reconciler

import (
	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/state"
)

var (
	positionPath = []string{state.DomainNavigation, "position"}
	fencesPath   = []string{state.DomainAnchor, "fences"}
)

// ReplaceState installs a full document. Each top-level key of doc
// overwrites the local one; keys doc does not carry are left alone.
// Sticky sub-trees survive when doc omits them (or, in "longer" mode,
// carries a shorter array), and aliased wire paths are re-homed.
func (s *Store) ReplaceState(doc any) error {
	m, ok := state.AsMap(doc)
	if !ok {
		s.log.Warnf("Ignoring full state of type %T", doc)
		return ErrInvalidState
	}
	// Normalising also detaches us from the transport's payload.
	in, err := state.NormalizeDocument(state.Document(m))
	if err != nil {
		s.log.Warnf("Ignoring full state: %v", err)
		return err
	}

	local := s.current()

	moved := s.extractAliases(in)
	s.keepFenceHistory(local, in)
	s.keepSticky(local, in)

	next := state.MustClone(local)
	for k, v := range in {
		next[k] = v
	}
	for _, mv := range moved {
		if err := state.Set(next, mv.to, mv.value); err != nil {
			s.log.Warnf("Could not re-home %s: %v", state.FormatPointer(mv.to), err)
		}
	}
	if s.mirror {
		s.mirrorPosition(next)
	}

	s.log.Debugf("Replaced %d top-level keys", len(in))
	s.commit(next)
	return nil
}

type movedValue struct {
	to    []string
	value any
}

// extractAliases pulls every aliased wire path out of in so the values can
// be placed at their local location after the overwrite.
func (s *Store) extractAliases(in state.Document) []movedValue {
	var moved []movedValue
	for _, a := range s.aliases {
		v, ok := state.Get(in, a.from)
		if !ok {
			continue
		}
		if err := state.Delete(in, a.from); err != nil {
			continue
		}
		moved = append(moved, movedValue{to: a.to, value: v})
	}
	return moved
}

// keepSticky copies local sticky sub-trees into in where in would
// otherwise drop them. A sub-tree whose top-level key is absent from in is
// not touched by the overwrite at all, so only present keys matter.
func (s *Store) keepSticky(local, in state.Document) {
	for _, r := range s.sticky {
		if _, present := in[r.segs[0]]; !present {
			continue
		}
		have, ok := state.Get(local, r.segs)
		if !ok || have == nil {
			continue
		}
		got, _ := state.Get(in, r.segs)

		keep := got == nil
		if !keep && r.mode == config.StickyKeepLonger {
			haveList, ok1 := have.([]any)
			gotList, ok2 := got.([]any)
			keep = ok1 && ok2 && len(gotList) < len(haveList)
		}
		if !keep {
			continue
		}
		c, err := state.Clone(have)
		if err != nil {
			continue
		}
		if err := state.Set(in, r.segs, c); err != nil {
			s.log.Debugf("Sticky %v not kept: %v", r.segs, err)
			continue
		}
		s.log.Debugf("Kept local %s", state.FormatPointer(r.segs))
	}
}

// keepFenceHistory carries each local fence's history over to the incoming
// fence with the same id unless the incoming history is longer.
func (s *Store) keepFenceHistory(local, in state.Document) {
	if s.fenceHistory == "" {
		return
	}
	haveV, _ := state.Get(local, fencesPath)
	gotV, _ := state.Get(in, fencesPath)
	have, ok1 := haveV.([]any)
	got, ok2 := gotV.([]any)
	if !ok1 || !ok2 {
		return
	}

	histories := map[string][]any{}
	for _, f := range have {
		fence, ok := f.(map[string]any)
		if !ok {
			continue
		}
		id, _ := fence["id"].(string)
		hist, _ := fence[s.fenceHistory].([]any)
		if id != "" && len(hist) > 0 {
			histories[id] = hist
		}
	}
	if len(histories) == 0 {
		return
	}

	for i, f := range got {
		fence, ok := f.(map[string]any)
		if !ok {
			continue
		}
		id, _ := fence["id"].(string)
		old, found := histories[id]
		if !found {
			continue
		}
		if hist, _ := fence[s.fenceHistory].([]any); len(hist) > len(old) {
			continue
		}
		c, err := state.Clone(old)
		if err != nil {
			continue
		}
		fence[s.fenceHistory] = c
		got[i] = fence
	}
}

// mirrorPosition copies navigation.position to the top-level position key.
func (s *Store) mirrorPosition(doc state.Document) {
	pos, ok := state.Get(doc, positionPath)
	if !ok {
		return
	}
	if _, isMap := state.AsMap(pos); !isMap {
		return
	}
	c, err := state.Clone(pos)
	if err != nil {
		return
	}
	doc[state.DomainPosition] = c
}
