// Package relay is the internet-facing hop between boat servers and remote
// clients. It authenticates connections, keeps a copy of every boat's
// document and routes messages by boat id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/auth"
	"github.com/compendiumnav/navsync/internal/logger"
	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/websocket"
	"github.com/compendiumnav/navsync/internal/wire"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrBoatOffline     = errors.New("boat is not connected")
)

// Config tunes the relay.
type Config struct {
	TokenSecret        string
	RequireAuth        bool
	FullStateRateLimit time.Duration // default 5s
	IdentityMaxSkew    time.Duration // default 5m
	SendBuffer         int
}

// Relay routes between boat uplinks and downstream clients.
type Relay struct {
	cfg  Config
	log  *zap.SugaredLogger
	hub  *websocket.Hub
	keys KeyStore

	mu     sync.RWMutex
	copies map[string]*VesselCopy
	boats  map[string]*websocket.Client   // boat id -> uplink
	uplink map[*websocket.Client][]string // uplink -> boat ids it may publish
	claims map[*websocket.Client]*auth.TokenClaims
}

// New builds a relay. keys defaults to an in-memory store.
func New(cfg Config, keys KeyStore, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if keys == nil {
		keys = NewMemoryKeyStore()
	}
	if cfg.FullStateRateLimit <= 0 {
		cfg.FullStateRateLimit = 5 * time.Second
	}
	if cfg.IdentityMaxSkew <= 0 {
		cfg.IdentityMaxSkew = 5 * time.Minute
	}
	r := &Relay{
		cfg:    cfg,
		log:    log,
		keys:   keys,
		copies: make(map[string]*VesselCopy),
		boats:  make(map[string]*websocket.Client),
		uplink: make(map[*websocket.Client][]string),
		claims: make(map[*websocket.Client]*auth.TokenClaims),
	}
	r.hub = websocket.NewHub(websocket.Options{
		Name:         "relay",
		Handler:      websocket.HandlerFunc(r.handle),
		Gate:         r.gate,
		OnDisconnect: r.onDisconnect,
		SendBuffer:   cfg.SendBuffer,
	}, log.Named(logger.ComponentHub))
	return r
}

// Hub serves the relay's single WebSocket endpoint.
func (r *Relay) Hub() *websocket.Hub { return r.hub }

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	r.log.Infof("🛰️ Relay running (auth required: %v)", r.cfg.RequireAuth)
	r.hub.Run(ctx)
}

// BoatStatus is a summary for the HTTP status endpoint.
type BoatStatus struct {
	BoatID    string    `json:"boatId"`
	Connected bool      `json:"connected"`
	HasState  bool      `json:"hasState"`
	Updated   time.Time `json:"updated,omitempty"`
}

// Boats lists every boat the relay has heard of.
func (r *Relay) Boats() []BoatStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BoatStatus, 0, len(r.copies))
	for id, c := range r.copies {
		_, connected := r.boats[id]
		_, has := c.Snapshot()
		out = append(out, BoatStatus{BoatID: id, Connected: connected, HasState: has, Updated: c.Updated()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoatID < out[j].BoatID })
	return out
}

// Copy returns the relay's document for boatID.
func (r *Relay) Copy(boatID string) (*VesselCopy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.copies[boatID]
	return c, ok
}

func (r *Relay) copyFor(boatID string) *VesselCopy {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.copies[boatID]
	if !ok {
		c = NewVesselCopy(boatID, r.cfg.FullStateRateLimit)
		r.copies[boatID] = c
	}
	return c
}

func (r *Relay) authorized(c *websocket.Client) bool {
	if !r.cfg.RequireAuth {
		return true
	}
	_, ok := c.Authenticated()
	return ok
}

func (r *Relay) isBoat(c *websocket.Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.uplink[c]
	return ok
}

// replyBoat picks the boat a relay-originated reply to c is about: the
// message's own boatId, else the boat c uplinks for, else its first
// subscription.
func (r *Relay) replyBoat(c *websocket.Client, msg wire.Message) string {
	if id := msg.BoatID(); id != "" {
		return id
	}
	r.mu.RLock()
	ids := r.uplink[c]
	r.mu.RUnlock()
	if len(ids) > 0 {
		return ids[0]
	}
	if subs := c.Subscriptions(); len(subs) > 0 {
		return subs[0]
	}
	return ""
}

func (r *Relay) reply(c *websocket.Client, boatID, msgType string, data any) {
	out := wire.New(msgType, data)
	if boatID != "" {
		out["boatId"] = boatID
	}
	c.Send(out)
}

func (r *Relay) boatConn(boatID string) (*websocket.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.boats[boatID]
	return c, ok
}

// gate admits only authorised downstream clients subscribed to the boat.
func (r *Relay) gate(c *websocket.Client, msg wire.Message) bool {
	return r.authorized(c) && !r.isBoat(c) && c.Subscribed(msg.BoatID())
}

func (r *Relay) onDisconnect(c *websocket.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.uplink[c] {
		if r.boats[id] == c {
			delete(r.boats, id)
			r.log.Infof("⛵ Boat %s went offline", id)
		}
	}
	delete(r.uplink, c)
	delete(r.claims, c)
}

func (r *Relay) handle(c *websocket.Client, msg wire.Message) {
	metrics.IncMessage("relay", "in", msg.Type())

	switch t := msg.Type(); {
	case t == wire.TypePing:
		r.reply(c, r.replyBoat(c, msg), wire.TypePong, nil)
	case t == wire.TypeRegisterKey:
		r.registerKey(c, msg)
	case t == wire.TypeIdentity:
		r.identity(c, msg)
	case t == wire.TypeRegister:
		r.register(c, msg)
	case !r.authorized(c):
		r.log.Debugf("Ignoring %q from unauthenticated %s", t, c.ID)
		metrics.IncDropped("relay", "unauthenticated")
	case r.isBoat(c):
		r.fromBoat(c, msg)
	case t == wire.TypeRequestFullState || t == wire.TypeGetFullState:
		r.fullStateRequest(c, msg)
	case strings.HasPrefix(t, "anchor:") || strings.HasPrefix(t, "alert:"):
		r.forwardCommand(c, msg)
	default:
		r.log.Debugf("Ignoring %q from client %s", t, c.ID)
	}
}

func (r *Relay) reject(c *websocket.Client, msg wire.Message, reason string, err error) {
	r.log.Warnf("🔒 %s rejected (%s): %v", c.ID, reason, err)
	metrics.IncAuthFailure(reason)
	c.Deauthenticate()
	r.reply(c, r.replyBoat(c, msg), wire.TypeError, map[string]any{"message": fmt.Sprintf("%s: %v", reason, err)})
}

func (r *Relay) registerKey(c *websocket.Client, msg wire.Message) {
	clientID := msg.String("clientId")
	if clientID == "" {
		clientID = c.ID
	}
	publicKey := msg.String("publicKey")
	if publicKey == "" {
		r.reject(c, msg, "register_key", errors.New("missing public key"))
		return
	}

	if c.Role == auth.RoleBoatServer {
		claims, err := auth.ValidateRelayToken(c.Token, r.cfg.TokenSecret)
		if err != nil || claims.Role != auth.RoleBoatServer {
			if err == nil {
				err = fmt.Errorf("role %q", claims.Role)
			}
			r.reject(c, msg, "boat_token", err)
			return
		}
		r.mu.Lock()
		r.claims[c] = claims
		r.mu.Unlock()
	}

	if err := r.keys.Register(context.Background(), clientID, publicKey, c.Role); err != nil {
		r.reject(c, msg, "register_key", err)
		return
	}
	r.log.Debugf("Key registered for %s", clientID)
}

func (r *Relay) identity(c *websocket.Client, msg wire.Message) {
	clientID := msg.String("clientId")
	if clientID == "" {
		clientID = c.ID
	}
	publicKey, ok, err := r.keys.Lookup(context.Background(), clientID)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("no registered key")
		}
		r.reject(c, msg, "identity", err)
		return
	}

	ts := msg.Timestamp()
	skew := time.Since(time.UnixMilli(ts))
	if skew < 0 {
		skew = -skew
	}
	if ts == 0 || skew > r.cfg.IdentityMaxSkew {
		r.reject(c, msg, "identity", fmt.Errorf("stale timestamp (%s)", skew.Round(time.Second)))
		return
	}

	valid, err := auth.VerifySignature(publicKey, auth.SignedMessage(clientID, msg.BoatID(), ts), msg.String("signature"))
	if err != nil || !valid {
		if err == nil {
			err = errors.New("bad signature")
		}
		r.reject(c, msg, "identity", err)
		return
	}

	r.mu.RLock()
	claims := r.claims[c]
	r.mu.RUnlock()
	if c.Role == auth.RoleBoatServer && claims == nil {
		r.reject(c, msg, "identity", errors.New("boat uplink without a valid token"))
		return
	}

	c.Authenticate(clientID)
	r.log.Infof("🔑 %s authenticated as %s", c.ID, clientID)
	if claims != nil {
		r.attachBoat(c, []string{claims.BoatID})
	}
	r.activate(c)
}

func (r *Relay) register(c *websocket.Client, msg wire.Message) {
	var ids []string
	if list, ok := msg["boatIds"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
	}
	if len(ids) == 0 && msg.BoatID() != "" {
		ids = []string{msg.BoatID()}
	}
	c.SetSubscriptions(ids)

	if r.cfg.RequireAuth {
		if r.isBoat(c) {
			// Attached and asked for state when its identity was accepted.
			return
		}
	} else if c.Role == auth.RoleBoatServer {
		// Without auth, the role query alone marks a boat uplink.
		r.attachBoat(c, ids)
	}
	r.activate(c)
}

func (r *Relay) attachBoat(c *websocket.Client, ids []string) {
	r.mu.Lock()
	r.uplink[c] = ids
	for _, id := range ids {
		r.boats[id] = c
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.copyFor(id)
		r.log.Infof("⛵ Boat %s online via %s", id, c.ID)
	}
}

// activate runs once a connection is authorised and registered: boats are
// asked for their state, clients are primed from the copies.
func (r *Relay) activate(c *websocket.Client) {
	if !r.authorized(c) {
		return
	}
	if r.isBoat(c) {
		r.mu.RLock()
		ids := r.uplink[c]
		r.mu.RUnlock()
		for _, id := range ids {
			r.requestUpstream(id, true)
		}
		return
	}

	subs := c.Subscriptions()
	if len(subs) == 0 {
		return
	}
	c.Prime(func() []wire.Message {
		var out []wire.Message
		for _, id := range subs {
			cp, ok := r.Copy(id)
			if !ok {
				continue
			}
			if doc, ok := cp.Snapshot(); ok {
				out = append(out, wire.NewFullUpdate(doc, id))
			}
		}
		return out
	})
}

// requestUpstream asks a boat for a full state. Unless forced, at most one
// request per boat goes out per rate-limit period.
func (r *Relay) requestUpstream(boatID string, force bool) bool {
	up, ok := r.boatConn(boatID)
	if !ok {
		return false
	}
	cp := r.copyFor(boatID)
	if !cp.allowRefresh() && !force {
		metrics.IncFullStateRequest("limited")
		return false
	}
	metrics.IncFullStateRequest("sent")
	r.log.Debugf("Requesting full state from %s", boatID)
	msg := wire.New(wire.TypeRequestFullState, nil)
	msg["boatId"] = boatID
	return up.Send(msg)
}

func (r *Relay) fromBoat(c *websocket.Client, msg wire.Message) {
	r.mu.RLock()
	allowed := r.uplink[c]
	r.mu.RUnlock()

	boatID := msg.BoatID()
	if boatID == "" && len(allowed) == 1 {
		boatID = allowed[0]
	}
	if !contains(allowed, boatID) {
		r.log.Warnf("Boat uplink %s sent for foreign boat %q", c.ID, boatID)
		metrics.IncDropped("relay", "foreign_boat")
		return
	}

	cp := r.copyFor(boatID)
	switch msg.Type() {
	case wire.TypePong, wire.TypeAck:
	case wire.TypeFullUpdate:
		if err := cp.ApplyFull(msg.Data()); err != nil {
			r.log.Warnf("Bad full state from %s: %v", boatID, err)
			return
		}
		doc, _ := cp.Snapshot()
		r.hub.Broadcast(wire.NewFullUpdate(doc, boatID))
	case wire.TypePatch:
		if err := cp.ApplyPatch(msg.Data()); err != nil {
			r.log.Infof("Patch for %s not applied (%v), requesting full state", boatID, err)
			metrics.IncErrorCount("relay")
			r.requestUpstream(boatID, false)
			return
		}
		out := msg.Clone()
		out["boatId"] = boatID
		r.hub.Broadcast(out)
	default:
		r.hub.Broadcast(wire.Wrap(msg, boatID))
	}
}

func (r *Relay) fullStateRequest(c *websocket.Client, msg wire.Message) {
	ids := c.Subscriptions()
	if id := msg.BoatID(); id != "" {
		if !c.Subscribed(id) {
			return
		}
		ids = []string{id}
	}
	for _, id := range ids {
		if cp, ok := r.Copy(id); ok {
			if doc, ok := cp.Snapshot(); ok {
				c.Send(wire.NewFullUpdate(doc, id))
				continue
			}
		}
		r.requestUpstream(id, false)
	}
}

func (r *Relay) forwardCommand(c *websocket.Client, msg wire.Message) {
	boatID := msg.BoatID()
	if boatID == "" {
		if subs := c.Subscriptions(); len(subs) == 1 {
			boatID = subs[0]
		}
	}
	if boatID == "" || !c.Subscribed(boatID) {
		r.log.Debugf("Command %s from %s for unsubscribed boat %q", msg.Type(), c.ID, boatID)
		return
	}
	up, ok := r.boatConn(boatID)
	if !ok {
		r.reply(c, boatID, wire.TypeError, map[string]any{"message": ErrBoatOffline.Error(), "msgId": msg.MsgID()})
		return
	}
	out := msg.Clone()
	out["boatId"] = boatID
	out["clientId"] = c.ID
	up.Send(out)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
