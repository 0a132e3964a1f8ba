package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// closed once OnConnect has run
	ready chan struct{}

	ID    string
	Token string // from the upgrade query, checked by relay auth
	Role  string

	mu            sync.Mutex
	closed        bool
	primed        map[string]bool
	authenticated bool
	identity      string
	subscriptions map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.opts.SendBuffer),
		ready:         make(chan struct{}),
		ID:            id,
		primed:        make(map[string]bool),
		subscriptions: make(map[string]struct{}),
	}
}

// readPump pumps messages from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	select {
	case <-c.ready:
	case <-c.hub.done:
		return
	}

	opts := c.hub.opts
	c.conn.SetReadLimit(opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(opts.PongWait)); return nil })

	for {
		frameType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugf("WS error on %s: %v", c.ID, err)
			}
			break
		}

		msg, err := wire.Decode(frameType, payload)
		if err != nil {
			c.hub.log.Warnf("Dropping frame from %s: %v", c.ID, err)
			metrics.IncDropped(opts.Name, "malformed")
			continue
		}
		metrics.IncMessage(opts.Name, "in", msg.Type())
		if opts.Handler != nil {
			opts.Handler.HandleMessage(c, msg)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send encodes msg and queues it. Patches are held back until a full
// snapshot for the same boat has been queued on this client.
func (c *Client) Send(msg wire.Message) bool {
	payload, err := wire.Encode(msg, c.hub.opts.BoatID)
	if err != nil {
		c.hub.log.Errorf("Error encoding %s for %s: %v", msg.Type(), c.ID, err)
		return false
	}
	return c.deliver(msg, payload)
}

// Prime runs fn with this client's send path locked and queues the
// snapshots it returns. No patch can be queued on the client while fn
// runs, so a snapshot taken inside fn is never overtaken.
func (c *Client) Prime(fn func() []wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range fn() {
		payload, err := wire.Encode(msg, c.hub.opts.BoatID)
		if err != nil {
			c.hub.log.Errorf("Error encoding snapshot for %s: %v", c.ID, err)
			continue
		}
		c.enqueueLocked(msg, payload)
	}
}

func (c *Client) deliver(msg wire.Message, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(msg, payload)
}

func (c *Client) enqueueLocked(msg wire.Message, payload []byte) bool {
	if c.closed {
		return false
	}
	switch msg.Type() {
	case wire.TypePatch:
		if !c.primed[msg.BoatID()] {
			metrics.IncDropped(c.hub.opts.Name, "unprimed")
			return false
		}
	case wire.TypeFullUpdate:
		c.primed[msg.BoatID()] = true
	}

	select {
	case c.send <- payload:
		return true
	default:
		// Buffer full: this client is too slow, drop only it.
		c.hub.log.Warnf("Send buffer full for %s, closing", c.ID)
		metrics.IncDropped(c.hub.opts.Name, "send_buffer_full")
		c.closed = true
		close(c.send)
		return false
	}
}

// Primed reports whether a full snapshot for boatID was queued.
func (c *Client) Primed(boatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primed[boatID]
}

// Close asks the connection to terminate; the hub unregisters it.
func (c *Client) Close() {
	c.shutdown()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Authenticate marks the connection as verified for identity.
func (c *Client) Authenticate(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.identity = identity
}

// Deauthenticate drops a previous handshake and its subscriptions.
func (c *Client) Deauthenticate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = false
	c.identity = ""
	c.subscriptions = make(map[string]struct{})
}

// Authenticated returns the verified identity, if any.
func (c *Client) Authenticated() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.authenticated
}

// SetSubscriptions replaces the boat ids this connection routes for.
func (c *Client) SetSubscriptions(boatIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[string]struct{}, len(boatIDs))
	for _, id := range boatIDs {
		c.subscriptions[id] = struct{}{}
	}
}

// Subscribed reports whether boatID is among the subscriptions.
func (c *Client) Subscribed(boatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[boatID]
	return ok
}

// Subscriptions lists the subscribed boat ids.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}
