package server

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/WORKHIVE/internal/events"
	"github.com/WORKHIVE/internal/metrics"
)

// WebSocketBufferSize is the buffer for send/broadcast channels so
// burst traffic queues instead of dropping straight away.
const WebSocketBufferSize = 256

// WSMessage is the envelope for everything pushed to websocket clients
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Websocket message types
const (
	WSTypeEvent    = "event"
	WSTypeSnapshot = "snapshot"
	WSTypeHealth   = "health"
)

// Client represents a connected websocket consumer
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub manages websocket clients and fans daemon events out to them
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub creates a new websocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, WebSocketBufferSize),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub loop down and disconnects every client
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Register adds a client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastJSON sends a JSON message to all clients
func (h *Hub) BroadcastJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Broadcast backlog full, drop instead of blocking the caller.
	}
}

// BroadcastEvent pushes a lifecycle event to all clients
func (h *Hub) BroadcastEvent(event events.Event) {
	h.BroadcastJSON(WSMessage{Type: WSTypeEvent, Data: event})
}

// BroadcastSnapshot pushes a metrics snapshot to all clients
func (h *Hub) BroadcastSnapshot(snap metrics.Snapshot) {
	h.BroadcastJSON(WSMessage{Type: WSTypeSnapshot, Data: snap})
}

// BroadcastHealth pushes a health evaluation to all clients
func (h *Hub) BroadcastHealth(health metrics.Health) {
	h.BroadcastJSON(WSMessage{Type: WSTypeHealth, Data: health})
}

// ClientCount returns number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains client messages; inbound traffic is ignored
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes messages to the websocket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
