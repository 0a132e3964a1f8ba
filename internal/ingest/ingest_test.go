package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compendiumnav/navsync/internal/state"
	"github.com/compendiumnav/navsync/internal/statemanager"
)

const sampleDelta = `{
  "context": "vessels.urn:mrn:imo:mmsi:230000000",
  "updates": [{
    "$source": "nmea0183.GP",
    "timestamp": "2024-05-01T10:00:00Z",
    "values": [
      {"path": "navigation.speedOverGround", "value": 2.5},
      {"path": "navigation.position", "value": {"latitude": 60.1, "longitude": 24.9}},
      {"path": "environment.depth.belowTransducer", "value": 10},
      {"path": "propulsion.0.revolutions", "value": 30},
      {"path": "totally.unknown.path", "value": 1},
      {"path": "", "value": {"name": "Compendium", "mmsi": "230000000"}}
    ]
  }]
}`

func TestDeltaRecords(t *testing.T) {
	d, err := ParseDelta([]byte(sampleDelta))
	require.NoError(t, err)
	assert.False(t, d.IsHello())

	records, unmapped := d.Records()
	assert.Equal(t, 1, unmapped)

	byPath := map[string]state.UpdateRecord{}
	for _, r := range records {
		byPath[r.Path] = r
	}
	require.Len(t, byPath, 6)

	sog := byPath["navigation.speed.sog"]
	assert.Equal(t, "nmea0183.GP", sog.Source)
	assert.Equal(t, 4.86, sog.Value.(map[string]any)["knots"])

	pos := byPath["navigation.position"].Value.(map[string]any)
	assert.Equal(t, 60.1, pos["latitude"].(map[string]any)["value"])

	depth := byPath["navigation.depth.belowTransducer"].Value.(map[string]any)
	assert.Equal(t, 32.81, depth["feet"])

	assert.Equal(t, 30.0, byPath["vessel.systems.propulsion.engines.0.revolutions"].Value)
	assert.Equal(t, "Compendium", byPath["vessel.info.name"].Value)
}

func TestUnmappedPathsNeverReachTheDocument(t *testing.T) {
	_, ok := Record("totally.unknown.path", 1.0, "test")
	assert.False(t, ok)
	_, ok = Record("navigation.position", "garbage", "test")
	assert.False(t, ok)
}

func TestIsSelf(t *testing.T) {
	assert.True(t, isSelf("", ""))
	assert.True(t, isSelf("vessels.self", ""))
	assert.True(t, isSelf("vessels.urn:x", "vessels.urn:x"))
	assert.True(t, isSelf("vessels.urn:x", "urn:x"))
	assert.False(t, isSelf("vessels.urn:other", "vessels.urn:x"))
	assert.False(t, isSelf("vessels.urn:other", ""))
}

type recordSink struct {
	mu      sync.Mutex
	records []state.UpdateRecord
}

func (s *recordSink) ApplyUpdate(rec state.UpdateRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return true
}

func (s *recordSink) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Path)
	}
	return out
}

// fakeSignalK greets, checks the subscription, sends frames and then
// drops the connection.
func fakeSignalK(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sessions.Add(1)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"name":"signalk-server","version":"2.0.0","self":"vessels.urn:mrn:imo:mmsi:230000000"}`))
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil || sub["context"] != "vessels.self" {
			return
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		time.Sleep(20 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func TestSignalKStreamsAndReconnects(t *testing.T) {
	other := `{"context":"vessels.urn:mrn:imo:mmsi:999","updates":[{"values":[{"path":"navigation.speedOverGround","value":9}]}]}`
	srv, sessions := fakeSignalK(t, `not json`, other, sampleDelta)

	sink := &recordSink{}
	sk := NewSignalK(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/signalk/v1/stream",
		ReconnectDelay: 10 * time.Millisecond,
	}, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sk.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.GreaterOrEqual(t, sk.Connects(), 2)
	assert.Contains(t, sink.paths(), "navigation.speed.sog")
	for _, rec := range sink.records {
		if rec.Path == "navigation.speed.sog" {
			assert.Equal(t, 2.5, rec.Value.(map[string]any)["value"], "AIS targets are not our vessel")
		}
	}
}

func TestSignalKFeedsManager(t *testing.T) {
	srv, _ := fakeSignalK(t, sampleDelta)
	mgr := statemanager.New(statemanager.Config{BatchInterval: time.Hour}, "boat-1", nil)
	sk := NewSignalK(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReconnectDelay: time.Hour}, mgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sk.Run(ctx) }()

	require.Eventually(t, func() bool { return sk.Records() >= 6 }, 2*time.Second, 10*time.Millisecond)
	require.True(t, mgr.Flush())

	doc := mgr.GetState()
	sog, _ := state.GetDot(doc, "navigation.speed.sog.value")
	assert.Equal(t, 2.5, sog)
	_, found := state.GetDot(doc, "totally")
	assert.False(t, found)
}
