package statemanager

import (
	"github.com/compendiumnav/navsync/internal/state"
	"github.com/compendiumnav/navsync/internal/wire"
)

// recordBreadcrumb appends the vessel position to anchor.history when the
// anchor is down and the position moved during this batch. The history is
// capped at BreadcrumbLimit entries, oldest first out.
func (m *Manager) recordBreadcrumb(prev, next state.Document) {
	deployed, _ := state.GetDot(next, "anchor.anchorDeployed")
	if d, ok := deployed.(bool); !ok || !d {
		return
	}
	lat, lon := positionOf(next)
	if lat == nil || lon == nil {
		return
	}
	plat, plon := positionOf(prev)
	if state.Equal(lat, plat) && state.Equal(lon, plon) {
		return
	}

	segs := []string{"anchor", "history"}
	hist := append(append([]any(nil), listAt(next, segs)...), map[string]any{
		"latitude":  lat,
		"longitude": lon,
		"time":      wire.NowMillis(),
	})
	if len(hist) > m.cfg.BreadcrumbLimit {
		hist = hist[len(hist)-m.cfg.BreadcrumbLimit:]
	}
	if err := state.Set(next, segs, hist); err != nil {
		m.log.Warnf("Could not record anchor breadcrumb: %v", err)
	}
}

func positionOf(doc state.Document) (lat, lon any) {
	return scalar(doc, "navigation.position.latitude"), scalar(doc, "navigation.position.longitude")
}

// scalar unwraps measurement records to their value.
func scalar(doc state.Document, path string) any {
	v, _ := state.GetDot(doc, path)
	if m, ok := v.(map[string]any); ok {
		return m["value"]
	}
	return v
}
