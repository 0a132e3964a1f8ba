package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/compendiumnav/navsync/internal/metrics"
	"github.com/compendiumnav/navsync/internal/wire"
)

// Handler receives every decoded inbound message.
type Handler interface {
	HandleMessage(c *Client, msg wire.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Client, msg wire.Message)

func (f HandlerFunc) HandleMessage(c *Client, msg wire.Message) { f(c, msg) }

// Gate decides whether a broadcast may reach c. A nil Gate admits all.
type Gate func(c *Client, msg wire.Message) bool

// Options configures a Hub.
type Options struct {
	Name    string // metrics/log component
	BoatID  string // stamped on outgoing frames that carry none
	Handler Handler
	Gate    Gate

	// OnConnect runs once per client after registration, before any
	// broadcast can reach it. It is where the first full snapshot is queued.
	OnConnect    func(c *Client)
	OnDisconnect func(c *Client)

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = "ws-hub"
	}
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = maxMessageSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	opts Options
	log  *zap.SugaredLogger

	// Registered clients map: client ID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	upgrader websocket.Upgrader
	done     chan struct{}
}

// NewHub creates a new Hub instance
func NewHub(opts Options, log *zap.SugaredLogger) *Hub {
	opts.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		opts:       opts,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Allow all origins for mobile app access
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the hub's main loop. On ctx cancellation every client is
// closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			// If the same ID connects again, close the old connection
			old, replaced := h.clients[client.ID]
			h.clients[client.ID] = client
			n := len(h.clients)
			h.mu.Unlock()
			if replaced {
				old.shutdown()
				h.log.Infof("📴 Client %s replaced by a new connection", client.ID)
				if h.opts.OnDisconnect != nil {
					h.opts.OnDisconnect(old)
				}
			}
			metrics.SetConnections(h.opts.Name, n)
			h.log.Infof("📱 Client connected: %s (%d total)", client.ID, n)

			if h.opts.OnConnect != nil {
				h.opts.OnConnect(client)
			}
			close(client.ready)

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.ID]
			if ok && current == client {
				delete(h.clients, client.ID)
			}
			n := len(h.clients)
			h.mu.Unlock()
			client.shutdown()
			if ok && current == client {
				metrics.SetConnections(h.opts.Name, n)
				h.log.Infof("📴 Client disconnected: %s", client.ID)
				if h.opts.OnDisconnect != nil {
					h.opts.OnDisconnect(client)
				}
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.shutdown()
		delete(h.clients, id)
	}
	metrics.SetConnections(h.opts.Name, 0)
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients returns a snapshot of the registered clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Client looks up a registered client by ID.
func (h *Hub) Client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Broadcast queues msg on every admitted client. Patches skip clients that
// have not been sent a full snapshot for that boat yet. It returns the
// number of clients the message was queued for.
func (h *Hub) Broadcast(msg wire.Message) int {
	payload, err := wire.Encode(msg, h.opts.BoatID)
	if err != nil {
		h.log.Errorf("Error encoding %s: %v", msg.Type(), err)
		return 0
	}

	sent := 0
	for _, c := range h.Clients() {
		if h.opts.Gate != nil && !h.opts.Gate(c, msg) {
			continue
		}
		if c.deliver(msg, payload) {
			sent++
		}
	}
	metrics.IncMessage(h.opts.Name, "out", msg.Type())
	return sent
}

// SendTo queues msg for one client, honouring the same priming rule as
// Broadcast.
func (h *Hub) SendTo(id string, msg wire.Message) bool {
	c, ok := h.Client(id)
	if !ok {
		return false
	}
	return c.Send(msg)
}

// ServeHTTP upgrades the request and registers the client. The client id
// is taken from the clientId query parameter when present.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("Upgrade failed: %v", err)
		return
	}
	id := r.URL.Query().Get("clientId")
	if id == "" {
		// Anonymous listeners get a temporary ID
		id = "web_" + uuid.New().String()
	}
	client := newClient(h, conn, id)
	client.Token = r.URL.Query().Get("token")
	client.Role = r.URL.Query().Get("role")

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
