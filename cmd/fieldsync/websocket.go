package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin only admits pages served from the loopback interface.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *WSHub
	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client subscribed to eventType. A client with
// no subscriptions receives everything.
func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan WSEnvelope
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	// Upload queue events
	EventPhotoUploaded = "photo.uploaded"
	EventPhotoFailed   = "photo.failed"

	// Drain events
	EventSyncStarted   = "sync.started"
	EventSyncCompleted = "sync.completed"

	// Connectivity events
	EventConnectivityChanged = "connectivity.changed"

	// Worker events
	EventWorkerInstalled        = "worker.installed"
	EventWorkerUpdateAvailable  = "worker.update_available"
	EventWorkerReload           = "worker.reload"
	EventWorkerInstallAvailable = "worker.install_available"
	EventWorkerPhotoUploaded    = "worker.photo_uploaded"
)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan WSEnvelope, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Stop disconnects every client and stops the hub.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case envelope := <-h.broadcast:
			message, err := json.Marshal(envelope)
			if err != nil {
				logging.Warn("Failed to marshal websocket message", map[string]interface{}{"error": err.Error()})
				continue
			}
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(envelope.Type) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, drop the connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends a message to all subscribed clients. It never blocks the
// caller; messages are dropped when the hub is saturated or stopped.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	select {
	case <-h.done:
	case h.broadcast <- envelope:
	default:
		logging.Warn("WebSocket hub saturated, dropping event", map[string]interface{}{"type": messageType})
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a direct response to this client only.
func (c *WSClient) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
