package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/state"
	"github.com/compendiumnav/navsync/internal/statemanager"
	"github.com/compendiumnav/navsync/internal/wire"
)

func startManager(t *testing.T) (*statemanager.Manager, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr := statemanager.New(statemanager.Config{
		BatchInterval:        10 * time.Millisecond,
		FullSnapshotInterval: time.Hour,
	}, "boat-1", nil)
	go mgr.Run(ctx)
	return mgr, ctx
}

func startBridge(t *testing.T, cfg Config) (*statemanager.Manager, *Bridge, string) {
	t.Helper()
	mgr, ctx := startManager(t)
	b := New(mgr, cfg, nil)
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	srv := httptest.NewServer(b.Hub())
	t.Cleanup(srv.Close)
	return mgr, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *gorilla.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ft, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.Decode(ft, payload)
	require.NoError(t, err)
	return msg
}

func readUntil(t *testing.T, conn *gorilla.Conn, msgType string) wire.Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := read(t, conn); msg.Type() == msgType {
			return msg
		}
	}
	t.Fatalf("no %s frame", msgType)
	return nil
}

func TestNewClientGetsSnapshotBeforePatch(t *testing.T) {
	mgr, b, url := startBridge(t, Config{})
	conn := dial(t, url)

	first := read(t, conn)
	assert.Equal(t, wire.TypeFullUpdate, first.Type())
	assert.Equal(t, "boat-1", first.BoatID())
	require.Eventually(t, func() bool { return b.Consumers() == 1 }, time.Second, 5*time.Millisecond)

	mgr.ApplyUpdate(state.UpdateRecord{Path: "navigation.speed.sog.value", Value: 4.2})
	p := readUntil(t, conn, wire.TypePatch)
	ops, ok := p.Data().([]any)
	require.True(t, ok)
	require.Len(t, ops, 1)
	assert.Equal(t, "/navigation/speed/sog", ops[0].(map[string]any)["path"])
}

func TestPingAndFullStateRequest(t *testing.T) {
	_, _, url := startBridge(t, Config{})
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(`"{\"type\":\"ping\"}"`)))
	readUntil(t, conn, wire.TypePong)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.TypeGetFullState}))
	full := readUntil(t, conn, wire.TypeFullUpdate)
	_, hasNav := full.Data().(map[string]any)["navigation"]
	assert.True(t, hasNav)
}

func TestCommandsAreDeduplicated(t *testing.T) {
	mgr, _, url := startBridge(t, Config{})
	conn := dial(t, url)
	read(t, conn)

	cmd := map[string]any{"type": "alert:create", "msgId": "m-1", "data": map[string]any{"message": "depth"}}
	require.NoError(t, conn.WriteJSON(cmd))
	require.NoError(t, conn.WriteJSON(cmd))
	assert.Equal(t, "m-1", readUntil(t, conn, wire.TypeAck).MsgID())
	assert.Equal(t, "m-1", readUntil(t, conn, wire.TypeAck).MsgID())

	active := func() []any {
		v, _ := state.GetDot(mgr.GetState(), "alerts.active")
		list, _ := v.([]any)
		return list
	}
	require.Eventually(t, func() bool { return len(active()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, active(), 1)
}

func TestBadCommandGetsError(t *testing.T) {
	_, _, url := startBridge(t, Config{})
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "alert:delete", "msgId": "m-2"}))
	errMsg := readUntil(t, conn, wire.TypeError)
	assert.Contains(t, errMsg.Data().(map[string]any)["message"], "alert id required")
}

func TestRepliesCarryBoatID(t *testing.T) {
	_, _, url := startBridge(t, Config{})
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.TypePing}))
	assert.Equal(t, "boat-1", readUntil(t, conn, wire.TypePong).BoatID())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "anchor:update", "msgId": "m1", "data": map[string]any{"anchorDeployed": true}}))
	assert.Equal(t, "boat-1", readUntil(t, conn, wire.TypeAck).BoatID())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "alert:delete", "msgId": "m2"}))
	assert.Equal(t, "boat-1", readUntil(t, conn, wire.TypeError).BoatID())
}

func TestRejectedCommandCanBeRetriedWithSameMsgID(t *testing.T) {
	mgr, _, url := startBridge(t, Config{})
	conn := dial(t, url)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "alert:update", "msgId": "m-3", "data": map[string]any{"message": "no id"}}))
	readUntil(t, conn, wire.TypeError)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "alert:create", "msgId": "m-3", "data": map[string]any{"message": "depth"}}))
	assert.Equal(t, "m-3", readUntil(t, conn, wire.TypeAck).MsgID())
	require.Eventually(t, func() bool {
		v, _ := state.GetDot(mgr.GetState(), "alerts.active")
		list, _ := v.([]any)
		return len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// fakeRelay accepts one boat uplink and exposes its frames.
type fakeRelay struct {
	srv   *httptest.Server
	conns chan *gorilla.Conn
	query chan map[string]string
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{conns: make(chan *gorilla.Conn, 4), query: make(chan map[string]string, 4)}
	upgrader := gorilla.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		r.query <- map[string]string{"role": q.Get("role"), "token": q.Get("token"), "clientId": q.Get("clientId")}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func TestUplinkHandshakeAndRelayRequests(t *testing.T) {
	relay := newFakeRelay(t)
	id, err := auth.GenerateIdentity("boat-server-1")
	require.NoError(t, err)

	up, err := NewUplink(UplinkOptions{
		URL:            "ws" + strings.TrimPrefix(relay.srv.URL, "http"),
		BoatID:         "boat-1",
		ClientID:       "boat-server-1",
		TokenSecret:    "s3cret",
		Identity:       id,
		ReconnectDelay: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	mgr, _, _ := startBridge(t, Config{Uplink: up})

	q := <-relay.query
	assert.Equal(t, auth.RoleBoatServer, q["role"])
	claims, err := auth.ValidateRelayToken(q["token"], "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "boat-1", claims.BoatID)

	var conn *gorilla.Conn
	select {
	case conn = <-relay.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("uplink never connected")
	}
	defer conn.Close()

	key := readUntil(t, conn, wire.TypeRegisterKey)
	assert.Equal(t, id.PublicKey, key.String("publicKey"))
	ident := readUntil(t, conn, wire.TypeIdentity)
	ok, err := auth.VerifySignature(id.PublicKey,
		auth.SignedMessage("boat-server-1", "boat-1", ident.Timestamp()), ident.String("signature"))
	require.NoError(t, err)
	assert.True(t, ok)
	readUntil(t, conn, wire.TypeRegister)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": wire.TypeRequestFullState, "boatId": "boat-1"}))
	full := readUntil(t, conn, wire.TypeFullUpdate)
	assert.Equal(t, "boat-1", full.BoatID())

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "anchor:update", "msgId": "r-1", "data": map[string]any{"rode": map[string]any{"amount": 30.0}},
	}))
	require.Eventually(t, func() bool {
		v, _ := state.GetDot(mgr.GetState(), "anchor.rode.amount")
		return v == 30.0
	}, 2*time.Second, 10*time.Millisecond)

	readUntil(t, conn, wire.TypePatch)
}
