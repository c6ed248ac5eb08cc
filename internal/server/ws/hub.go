// Package ws pushes engine events to browser and CLI clients over
// WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
	statusInterval = 15 * time.Second
)

// Channels a client can subscribe to. Both are on by default.
const (
	ChannelEvents = "events"
	ChannelStatus = "status"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusFunc returns the engine summary pushed on the status channel.
type StatusFunc func() any

// subscribeMsg changes what a client receives, e.g.
//
//	{"action":"subscribe","types":["position_closed","forced_removal"],"instruments":["BTCUSDT"]}
//	{"action":"unsubscribe","channels":["status"]}
//
// Type and instrument filters narrow the events channel; an empty filter
// matches everything.
type subscribeMsg struct {
	Action      string   `json:"action"`
	Channels    []string `json:"channels"`
	Types       []string `json:"types"`
	Instruments []string `json:"instruments"`
}

// envelope wraps every frame sent to clients.
type envelope struct {
	Channel string              `json:"channel"`
	Payload jsoniter.RawMessage `json:"payload"`
}

type broadcastMsg struct {
	channel    string
	eventType  domain.EventType
	instrument string
	data       []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu          sync.RWMutex
	channels    map[string]bool
	types       map[domain.EventType]bool
	instruments map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		channels:    map[string]bool{ChannelEvents: true, ChannelStatus: true},
		types:       make(map[domain.EventType]bool),
		instruments: make(map[string]bool),
	}
}

// Hub tracks connected clients. Engine events go to clients whose filters
// match; status snapshots are pushed on connect and every statusInterval.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	status     StatusFunc
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub. status may be nil.
func NewHub(status StatusFunc, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		status:     status,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// BroadcastEvent queues an encoded engine event. It never blocks; when the
// queue is full the event is dropped.
func (h *Hub) BroadcastEvent(ev domain.Event, payload []byte) {
	h.enqueue(broadcastMsg{
		channel:    ChannelEvents,
		eventType:  ev.Type,
		instrument: strings.ToUpper(ev.Instrument),
	}, payload)
}

// BroadcastStatus pushes the current status to status subscribers.
func (h *Hub) BroadcastStatus() {
	if h.status == nil {
		return
	}
	payload, err := json.Marshal(h.status())
	if err != nil {
		h.logger.Warn("ws: encode status", slog.String("error", err.Error()))
		return
	}
	h.enqueue(broadcastMsg{channel: ChannelStatus}, payload)
}

func (h *Hub) enqueue(msg broadcastMsg, payload []byte) {
	data, err := json.Marshal(envelope{Channel: msg.channel, Payload: payload})
	if err != nil {
		h.logger.Warn("ws: encode broadcast", slog.String("error", err.Error()))
		return
	}
	msg.data = data
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping",
			slog.String("channel", msg.channel),
			slog.String("type", string(msg.eventType)),
		)
	}
}

// Run handles registration and broadcasting until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case <-ticker.C:
			if h.ClientCount() > 0 {
				go h.BroadcastStatus()
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("channel", msg.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendInitialStatus()

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// handleSubscription applies a subscribe or unsubscribe request. Unknown
// channels are ignored.
func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	on := true
	switch strings.ToLower(msg.Action) {
	case "subscribe":
	case "unsubscribe":
		on = false
	default:
		return
	}
	set := func(m map[string]bool, k string) {
		if on {
			m[k] = true
		} else {
			delete(m, k)
		}
	}
	for _, ch := range msg.Channels {
		if ch = strings.ToLower(ch); ch == ChannelEvents || ch == ChannelStatus {
			set(c.channels, ch)
		}
	}
	for _, inst := range msg.Instruments {
		set(c.instruments, strings.ToUpper(strings.TrimSpace(inst)))
	}
	for _, typ := range msg.Types {
		t := domain.EventType(strings.ToLower(strings.TrimSpace(typ)))
		if on {
			c.types[t] = true
		} else {
			delete(c.types, t)
		}
	}
}

// wants reports whether msg passes the client's channel and event filters.
func (c *client) wants(msg broadcastMsg) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.channels[msg.channel] {
		return false
	}
	if msg.channel != ChannelEvents {
		return true
	}
	if len(c.types) > 0 && !c.types[msg.eventType] {
		return false
	}
	if len(c.instruments) > 0 && !c.instruments[msg.instrument] {
		return false
	}
	return true
}

func (c *client) sendInitialStatus() {
	if c.hub.status == nil {
		return
	}
	payload, err := json.Marshal(c.hub.status())
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Channel: ChannelStatus, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
