// Package client maintains one WebSocket session to a boat server (direct)
// or to the relay hop, reconnecting with a bounded backoff and turning both
// wire shapes into one event stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/wire"
)

// Variant selects the transport flavour.
type Variant int

const (
	VariantDirect Variant = iota
	VariantRelay
)

func (v Variant) String() string {
	if v == VariantRelay {
		return "relay"
	}
	return "direct"
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("adapter closed")
)

const writeWait = 10 * time.Second

// Options configures an Adapter. Zero values take the defaults noted.
type Options struct {
	Variant  Variant
	URL      string
	ClientID string   // default: random uuid
	BoatID   string   // injected into outgoing messages
	BoatIDs  []string // relay routing subscriptions, default [BoatID]
	Role     string   // sent as ?role=
	Token    string   // sent as ?token=

	// Identity, when set, is announced with register-key and a signed
	// identity message after every open.
	Identity *auth.Identity

	// SkipStateRequest disables the full-state request on open. Boat
	// uplinks set it: they are the source of state, not a consumer.
	SkipStateRequest bool

	ReconnectDelay       time.Duration // default 3s
	MaxReconnectAttempts int           // default 5
	BackoffMultiplier    float64       // default 2 for direct, 1 for relay
	MaxReconnectDelay    time.Duration // default 30s
	HeartbeatInterval    time.Duration // default 30s
	FullStateTimeout     time.Duration // default 10s
	ConnectTimeout       time.Duration // default 10s
	EventBuffer          int           // default 256

	Dialer *websocket.Dialer
}

func (o *Options) defaults() {
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if len(o.BoatIDs) == 0 && o.BoatID != "" {
		o.BoatIDs = []string{o.BoatID}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
		if o.Variant == VariantRelay {
			o.BackoffMultiplier = 1
		}
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.FullStateTimeout <= 0 {
		o.FullStateTimeout = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Adapter owns one WebSocket session.
type Adapter struct {
	opts    Options
	log     *zap.SugaredLogger
	machine *fsm.FSM
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup

	// mu guards everything below
	mu             sync.Mutex
	conn           *websocket.Conn
	stopConn       context.CancelFunc
	bo             *backoff.ExponentialBackOff
	failures       int
	attempts       int
	manual         bool
	closed         bool
	reconnectTimer *time.Timer
	fullTimer      *time.Timer
	waitingFull    bool

	// writeMu serialises socket writes
	writeMu sync.Mutex
}

// New builds an idle Adapter. Call Connect to start.
func New(opts Options, log *zap.SugaredLogger) *Adapter {
	opts.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectDelay
	bo.Multiplier = opts.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = opts.MaxReconnectDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	a := &Adapter{
		opts:   opts,
		log:    log.With("variant", opts.Variant.String()),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		bo:     bo,
	}
	a.machine = newMachine(a.onEnter)
	return a
}

// Events is closed by Cleanup.
func (a *Adapter) Events() <-chan Event { return a.events }

// Status is the current connection state.
func (a *Adapter) Status() Status { return Status(a.machine.Current()) }

// Attempts is the number of dials made since New.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// WaitingForFullState reports whether a full-state request is outstanding.
func (a *Adapter) WaitingForFullState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.waitingFull
}

func (a *Adapter) onEnter(s Status) {
	a.log.Debugf("Connection status: %s", s)
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.events <- Event{Type: EventStatus, Status: s}:
	default:
		metrics.IncDropped("adapter", "status_event")
	}
}

// Connect opens the session. Allowed from disconnected, reconnecting and
// error; a pending reconnect is cancelled and, from error, the failure
// count starts over. It returns the dial error, if any, after scheduling
// the automatic retry.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	switch a.Status() {
	case StatusConnecting, StatusConnected:
		a.mu.Unlock()
		return nil
	case StatusError:
		a.failures = 0
		a.bo.Reset()
	}
	a.manual = false
	a.stopTimerLocked(&a.reconnectTimer)
	a.mu.Unlock()

	return a.dial(ctx)
}

func (a *Adapter) dial(ctx context.Context) error {
	a.mu.Lock()
	if !a.fire(evConnect) {
		a.mu.Unlock()
		return nil
	}
	a.attempts++
	a.mu.Unlock()

	target, err := a.target()
	if err != nil {
		return a.dialFailed(err)
	}

	dctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	conn, _, err := a.opts.Dialer.DialContext(dctx, target, nil)
	cancel()
	if err != nil {
		return a.dialFailed(err)
	}

	a.mu.Lock()
	if a.closed || a.manual || a.Status() != StatusConnecting {
		// Disconnected while dialing.
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	connCtx, stop := context.WithCancel(context.Background())
	a.conn = conn
	a.stopConn = stop
	a.failures = 0
	a.bo.Reset()
	a.fire(evOpen)
	a.wg.Add(2)
	a.mu.Unlock()

	a.log.Infof("🔌 Connected to %s", a.opts.URL)
	go a.readLoop(conn)
	go a.heartbeat(connCtx)
	a.handshake()
	return nil
}

func (a *Adapter) dialFailed(err error) error {
	a.log.Warnf("Connect to %s failed: %v", a.opts.URL, err)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fire(evDrop)
	if !a.manual && !a.closed {
		a.failures++
		a.scheduleLocked()
	}
	return fmt.Errorf("dial %s: %w", a.opts.URL, err)
}

// scheduleLocked arms one reconnect, or parks in error once the
// consecutive failure budget is spent.
func (a *Adapter) scheduleLocked() {
	if a.failures >= a.opts.MaxReconnectAttempts {
		a.log.Errorf("Giving up after %d consecutive failures", a.failures)
		a.fire(evExhaust)
		return
	}
	delay := a.bo.NextBackOff()
	if delay == backoff.Stop {
		delay = a.opts.MaxReconnectDelay
	}
	a.fire(evSchedule)
	a.log.Infof("Reconnecting in %s (failure %d/%d)", delay, a.failures, a.opts.MaxReconnectAttempts)
	a.reconnectTimer = time.AfterFunc(delay, a.retry)
}

func (a *Adapter) retry() {
	a.mu.Lock()
	if a.closed || a.manual || a.Status() != StatusReconnecting {
		a.mu.Unlock()
		return
	}
	a.reconnectTimer = nil
	a.mu.Unlock()
	_ = a.dial(context.Background())
}

func (a *Adapter) target() (string, error) {
	u, err := url.Parse(a.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("clientId", a.opts.ClientID)
	if a.opts.Token != "" {
		q.Set("token", a.opts.Token)
	}
	if a.opts.Role != "" {
		q.Set("role", a.opts.Role)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshake runs right after open: key registration and signed identity
// when an identity is configured, routing registration on the relay, then
// the full-state request.
func (a *Adapter) handshake() {
	if id := a.opts.Identity; id != nil {
		_ = a.Send(wire.Message{
			"type":      wire.TypeRegisterKey,
			"clientId":  a.opts.ClientID,
			"publicKey": id.PublicKey,
		})
		ts := wire.NowMillis()
		sig, err := id.Sign(auth.SignedMessage(a.opts.ClientID, a.opts.BoatID, ts))
		if err != nil {
			a.log.Errorf("Could not sign identity: %v", err)
		} else {
			_ = a.Send(wire.Message{
				"type":      wire.TypeIdentity,
				"clientId":  a.opts.ClientID,
				"role":      a.opts.Role,
				"timestamp": ts,
				"signature": sig,
			})
		}
	}
	if a.opts.Variant == VariantRelay && len(a.opts.BoatIDs) > 0 {
		ids := make([]any, 0, len(a.opts.BoatIDs))
		for _, id := range a.opts.BoatIDs {
			ids = append(ids, id)
		}
		_ = a.Send(wire.Message{"type": wire.TypeRegister, "boatIds": ids, "clientId": a.opts.ClientID})
	}
	if !a.opts.SkipStateRequest {
		if err := a.RequestFullState(); err != nil {
			a.log.Warnf("Full-state request failed: %v", err)
		}
	}
}

// RequestFullState asks the peer for a snapshot and arms the advisory
// timeout. When the timeout fires the waiting flag is cleared and nothing
// else happens.
func (a *Adapter) RequestFullState() error {
	msgType := wire.TypeGetFullState
	if a.opts.Variant == VariantRelay {
		msgType = wire.TypeRequestFullState
	}
	if err := a.Send(wire.Message{"type": msgType, "clientId": a.opts.ClientID}); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.waitingFull = true
	a.stopTimerLocked(&a.fullTimer)
	a.fullTimer = time.AfterFunc(a.opts.FullStateTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.waitingFull {
			a.log.Warnf("No full state after %s, relying on the update stream", a.opts.FullStateTimeout)
			a.waitingFull = false
		}
	})
	return nil
}

// Send writes msg with boatId and timestamp filled in.
func (a *Adapter) Send(msg wire.Message) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := wire.Encode(msg, a.opts.BoatID)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	metrics.IncMessage("adapter", "out", msg.Type())
	return nil
}

// SendCommand sends a fire-and-forget command
// {type: action, service, ...data, timestamp, boatId, msgId}.
func (a *Adapter) SendCommand(ctx context.Context, service, action string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := wire.NewCommand(service, action, data)
	if msg.MsgID() == "" {
		msg["msgId"] = uuid.NewString()
	}
	return a.Send(msg)
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		frameType, payload, err := conn.ReadMessage()
		if err != nil {
			a.connectionLost(conn, err)
			return
		}
		msg, err := wire.Decode(frameType, payload)
		if err != nil {
			a.log.Warnf("Dropping malformed frame: %v", err)
			metrics.IncDropped("adapter", "malformed")
			continue
		}
		metrics.IncMessage("adapter", "in", msg.Type())
		a.dispatch(msg)
	}
}

func (a *Adapter) dispatch(msg wire.Message) {
	switch msg.Type() {
	case wire.TypePing:
		_ = a.Send(wire.New(wire.TypePong, nil))
		return
	case wire.TypePong, wire.TypeAck:
		return
	case wire.TypeFullUpdate:
		a.mu.Lock()
		a.waitingFull = false
		a.stopTimerLocked(&a.fullTimer)
		a.mu.Unlock()
	}

	ev, ok := a.normalize(msg)
	if !ok {
		a.log.Debugf("Ignoring message type %q", msg.Type())
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *Adapter) heartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Send(wire.New(wire.TypePing, nil)); err != nil {
				a.log.Debugf("Heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Adapter) connectionLost(conn *websocket.Conn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return
	}
	a.releaseConnLocked()
	conn.Close()
	a.fire(evDrop)
	if a.manual || a.closed {
		return
	}
	a.log.Warnf("Connection lost: %v", err)
	a.failures++
	a.scheduleLocked()
}

func (a *Adapter) releaseConnLocked() {
	a.conn = nil
	if a.stopConn != nil {
		a.stopConn()
		a.stopConn = nil
	}
	a.waitingFull = false
	a.stopTimerLocked(&a.fullTimer)
}

func (a *Adapter) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Disconnect closes the session on purpose: no reconnect is scheduled and
// any pending one is cancelled.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.manual = true
	a.stopTimerLocked(&a.reconnectTimer)
	conn := a.conn
	a.releaseConnLocked()
	a.fire(evClose)
	a.mu.Unlock()

	if conn != nil {
		a.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		conn.Close()
	}
}

// Cleanup disconnects, waits for the session goroutines and closes the
// event channel. The adapter cannot be reused.
func (a *Adapter) Cleanup() {
	a.Disconnect()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	a.wg.Wait()
	close(a.events)
}
