package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/compendiumnav/navsync/internal/client"
	"github.com/compendiumnav/navsync/internal/config"
	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.DefaultSyncConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s
}

func TestReplaceStateKeepsAbsentFences(t *testing.T) {
	s := newStore(t)
	fences := []any{
		map[string]any{"id": "f1", "radius": 30.0},
		map[string]any{"id": "f2", "radius": 50.0},
	}
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"anchorDeployed": true, "fences": fences},
	}))

	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"anchorDeployed": false},
	}))

	got, ok := s.Get("anchor.fences")
	require.True(t, ok)
	assert.Equal(t, fences, got)
	deployed, _ := s.Get("anchor.anchorDeployed")
	assert.Equal(t, false, deployed)
}

func TestReplaceStateExplicitEmptyFencesWins(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"fences": []any{map[string]any{"id": "f1"}}},
	}))
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"fences": []any{}},
	}))
	got, _ := s.Get("anchor.fences")
	assert.Equal(t, []any{}, got)
}

func TestReplaceStateKeepsFenceHistoryUnlessLonger(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"fences": []any{
			map[string]any{"id": "f1", "distanceHistory": []any{1.0, 2.0, 3.0}},
			map[string]any{"id": "f2", "distanceHistory": []any{9.0}},
		}},
	}))

	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"fences": []any{
			map[string]any{"id": "f1", "distanceHistory": []any{7.0}, "radius": 40.0},
			map[string]any{"id": "f2", "distanceHistory": []any{4.0, 5.0}},
			map[string]any{"id": "f3"},
		}},
	}))

	got, _ := s.Get("anchor.fences")
	assert.Equal(t, []any{
		map[string]any{"id": "f1", "distanceHistory": []any{1.0, 2.0, 3.0}, "radius": 40.0},
		map[string]any{"id": "f2", "distanceHistory": []any{4.0, 5.0}},
		map[string]any{"id": "f3"},
	}, got)
}

func TestReplaceStateAnchorHistoryKeptWhenShorter(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"history": []any{"a", "b"}},
	}))
	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"history": []any{"c"}},
	}))
	got, _ := s.Get("anchor.history")
	assert.Equal(t, []any{"a", "b"}, got)

	require.NoError(t, s.ReplaceState(map[string]any{
		"anchor": map[string]any{"history": []any{"c", "d", "e"}},
	}))
	got, _ = s.Get("anchor.history")
	assert.Equal(t, []any{"c", "d", "e"}, got)
}

func TestReplaceStateBluetoothAndUntouchedKeys(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ReplaceState(map[string]any{
		"bluetooth": map[string]any{"devices": map[string]any{"ruuvi": map[string]any{"rssi": -60.0}}},
		"vessel":    map[string]any{"info": map[string]any{"name": "Compendium"}},
	}))

	require.NoError(t, s.ReplaceState(map[string]any{
		"bluetooth":  nil,
		"navigation": map[string]any{"course": map[string]any{"cog": 12.0}},
	}))

	bt, ok := s.Get("bluetooth.devices.ruuvi.rssi")
	require.True(t, ok)
	assert.Equal(t, -60.0, bt)
	name, _ := s.Get("vessel.info.name")
	assert.Equal(t, "Compendium", name, "keys absent from the update are untouched")

	require.NoError(t, s.ReplaceState(map[string]any{"bluetooth": map[string]any{}}))
	bt, _ = s.Get("bluetooth")
	assert.Equal(t, map[string]any{}, bt)
}

func TestReplaceStateRehomesWindWeatherAndPosition(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ReplaceState(map[string]any{
		"environment": map[string]any{"weather": map[string]any{"pressure": 1013.0}},
	}))

	require.NoError(t, s.ReplaceState(map[string]any{
		"navigation": map[string]any{
			"wind":     map[string]any{"apparent": map[string]any{"speed": 12.0}},
			"position": map[string]any{"latitude": map[string]any{"value": 50.1}},
		},
		"weather": map[string]any{"hourly": []any{1.0}},
	}))

	doc := s.Snapshot()
	_, stillThere := state.Get(doc, []string{"navigation", "wind"})
	assert.False(t, stillThere)
	wind, _ := state.GetDot(doc, "environment.weather.wind.apparent.speed")
	assert.Equal(t, 12.0, wind)
	pressure, _ := state.GetDot(doc, "environment.weather.pressure")
	assert.Equal(t, 1013.0, pressure)

	assert.Equal(t, map[string]any{"hourly": []any{1.0}}, doc["forecast"])
	_, hasWeather := doc["weather"]
	assert.False(t, hasWeather)

	assert.Equal(t, map[string]any{"latitude": map[string]any{"value": 50.1}}, doc["position"])
}

func TestReplaceStateDoesNotAliasPayload(t *testing.T) {
	s := newStore(t)
	payload := map[string]any{"vessel": map[string]any{"name": "A"}}
	require.NoError(t, s.ReplaceState(payload))
	payload["vessel"].(map[string]any)["name"] = "B"

	name, _ := s.Get("vessel.name")
	assert.Equal(t, "A", name)
}

func TestReplaceStateRejectsNonObject(t *testing.T) {
	s := newStore(t)
	before := s.Version()
	assert.ErrorIs(t, s.ReplaceState([]any{1.0}), ErrInvalidState)
	assert.Equal(t, before, s.Version())
}

func TestApplyStatePatchMaterialisesParents(t *testing.T) {
	s := newStore(t)
	s.commit(state.Document{})

	require.NoError(t, s.ApplyStatePatch([]any{
		map[string]any{"op": "add", "path": "/bluetooth/lastSeen", "value": "2024-01-01"},
	}))
	assert.Equal(t, state.Document{"bluetooth": map[string]any{"lastSeen": "2024-01-01"}}, s.Snapshot())
}

func TestApplyStatePatchIsIdempotent(t *testing.T) {
	s := newStore(t)
	ops := []any{
		map[string]any{"op": "replace", "path": "/navigation/speed/sog/value", "value": 4.1},
		map[string]any{"op": "add", "path": "/vessel/info/name", "value": "Compendium"},
		map[string]any{"op": "remove", "path": "/vessel/info/name"},
	}
	require.NoError(t, s.ApplyStatePatch(ops))
	once := s.Snapshot()

	err := s.ApplyStatePatch(ops)
	// The replayed remove has nothing to remove.
	var applyErr *patch.ApplyError
	if err != nil {
		require.ErrorAs(t, err, &applyErr)
		assert.Equal(t, 2, applyErr.Index)
	}
	assert.Equal(t, once, s.Snapshot())

	setOnly := ops[:2]
	require.NoError(t, s.ApplyStatePatch(setOnly))
	twice := s.Snapshot()
	require.NoError(t, s.ApplyStatePatch(setOnly))
	assert.Equal(t, twice, s.Snapshot())
}

func TestApplyStatePatchRemapsWind(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ApplyStatePatch([]any{
		map[string]any{"op": "replace", "path": "/navigation/wind/apparent/angle/side", "value": "port"},
	}))
	got, ok := s.Get("environment.weather.wind.apparent.angle.side")
	require.True(t, ok)
	assert.Equal(t, "port", got)
	_, ok = s.Get("navigation.wind.apparent")
	assert.False(t, ok)
}

func TestApplyStatePatchAbortsWholeBatch(t *testing.T) {
	s := newStore(t)
	before := s.Snapshot()
	err := s.ApplyStatePatch([]any{
		map[string]any{"op": "replace", "path": "/navigation/speed/sog/value", "value": 9.0},
		map[string]any{"op": "remove", "path": "/nothing/here"},
		map[string]any{"op": "replace", "path": "/navigation/speed/stw/value", "value": 8.0},
	})
	var applyErr *patch.ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, 1, applyErr.Index)
	assert.Equal(t, before, s.Snapshot())
}

func TestApplyStatePatchRejectsNonList(t *testing.T) {
	s := newStore(t)
	before := s.Version()
	assert.ErrorIs(t, s.ApplyStatePatch(map[string]any{"op": "add"}), patch.ErrNotList)
	assert.Equal(t, before, s.Version())
}

func TestApplyStatePatchMirrorsPosition(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ApplyStatePatch([]patch.Operation{
		{Op: patch.OpReplace, Path: "/navigation/position/latitude/value", Value: 50.5},
	}))
	got, _ := s.Get("position.latitude.value")
	assert.Equal(t, 50.5, got)
}

func TestMirrorPositionCanBeDisabled(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.MirrorPosition = false
	s, err := New(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, s.ApplyStatePatch([]patch.Operation{
		{Op: patch.OpReplace, Path: "/navigation/position/latitude/value", Value: 50.5},
	}))
	_, mirrored := s.Get("position.latitude.value")
	assert.False(t, mirrored)
}

func TestApplyTideAndWeatherMerge(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.ApplyTide(map[string]any{"station": "Kiel"}))
	require.NoError(t, s.ApplyTide(map[string]any{"next": "high"}))
	tides, _ := s.Get("tides")
	assert.Equal(t, map[string]any{"station": "Kiel", "next": "high"}, tides)

	require.NoError(t, s.ApplyWeather(map[string]any{"daily": []any{}}))
	daily, ok := s.Get("forecast.daily")
	require.True(t, ok)
	assert.Equal(t, []any{}, daily)

	assert.ErrorIs(t, s.ApplyWeather("sunny"), ErrInvalidState)
}

type fakeSource struct {
	events chan client.Event

	mu       sync.Mutex
	requests int
}

func (f *fakeSource) Events() <-chan client.Event { return f.events }

func (f *fakeSource) RequestFullState() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func TestSyncerAppliesEventsAndRateLimitsRefresh(t *testing.T) {
	s := newStore(t)
	src := &fakeSource{events: make(chan client.Event, 16)}
	y := NewSyncer(s, src, time.Hour)

	done := make(chan error, 1)
	go func() { done <- y.Run(context.Background()) }()

	src.events <- client.Event{Type: client.EventFullUpdate, Data: map[string]any{"vessel": map[string]any{"name": "A"}}}
	src.events <- client.Event{Type: client.EventPatch, Data: []any{
		map[string]any{"op": "replace", "path": "/vessel/name", "value": "B"},
	}}
	bad := client.Event{Type: client.EventPatch, Data: []any{
		map[string]any{"op": "remove", "path": "/missing/key"},
	}}
	src.events <- bad
	src.events <- bad
	src.events <- client.Event{Type: client.EventPatch, Data: "not a list"}
	src.events <- client.Event{Type: client.EventTide, Data: map[string]any{"station": "Kiel"}}
	close(src.events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("syncer did not stop on closed channel")
	}

	name, _ := s.Get("vessel.name")
	assert.Equal(t, "B", name)
	station, _ := s.Get("tides.station")
	assert.Equal(t, "Kiel", station)
	assert.Equal(t, 1, src.count(), "refresh is rate limited and not triggered by non-list input")
}

func TestSyncerStopsOnContext(t *testing.T) {
	s := newStore(t)
	src := &fakeSource{events: make(chan client.Event)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewSyncer(s, src, 0).Run(ctx), context.Canceled)
}

func TestNewRejectsBadAlias(t *testing.T) {
	cfg := config.DefaultSyncConfig()
	cfg.Aliases = []config.AliasRule{{From: "navigation/wind", To: "/x"}}
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
