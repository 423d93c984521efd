package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts requests without an Origin header and browser pages
// served from this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

type outbound struct {
	eventType string
	payload   []byte
	to        *wsClient
}

type wsClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub fans sync events out to connected WebSocket clients.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	count      atomic.Int32
	seq        atomic.Int64
}

// NewHub creates a hub and starts its loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Close disconnects every client and stops the loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int32(len(h.clients)))
			logging.Debug("WebSocket client connected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int32(len(h.clients)))
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case msg := <-h.broadcast:
			if msg.to != nil {
				if h.clients[msg.to] {
					select {
					case msg.to.send <- msg.payload:
					default:
					}
				}
				continue
			}
			for c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow client.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// Broadcast sends an event to every subscribed client. It never blocks on
// slow clients.
func (h *Hub) Broadcast(eventType, message string, data map[string]interface{}) {
	payload, err := json.Marshal(WSEnvelope{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": eventType})
		return
	}
	select {
	case h.broadcast <- outbound{eventType: eventType, payload: payload}:
	case <-h.done:
	default:
		logging.Warn("WebSocket broadcast buffer full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// OnSyncEvent forwards engine events.
func (h *Hub) OnSyncEvent(event syncpkg.SyncEvent) {
	h.Broadcast(string(event.Type), event.Message, event.Data)
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:            fmt.Sprintf("ws-%d", h.seq.Add(1)),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump handles subscribe, unsubscribe and ping requests.
func (c *wsClient) readPump() {
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch strings.ToLower(req.Action) {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", map[string]interface{}{"events": req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply("unsubscribe_ack", map[string]interface{}{"events": req.Events})
		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *wsClient) reply(action string, data map[string]interface{}) {
	payload, _ := json.Marshal(WSEnvelope{Type: action, Data: data, Timestamp: time.Now().UnixMilli()})
	select {
	case c.hub.broadcast <- outbound{eventType: action, payload: payload, to: c}:
	case <-c.hub.done:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
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
