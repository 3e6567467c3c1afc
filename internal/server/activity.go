package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Activity event types pushed over /ws/activity.
const (
	EventRecordSaved        = "record_saved"
	EventRecordDeleted      = "record_deleted"
	EventIndexStarted       = "index_started"
	EventIndexComplete      = "index_complete"
	EventRepairRun          = "repair_run"
	EventCheckpointRollback = "checkpoint_rolled_back"
)

// ActivityEvent is one entry on the live activity feed.
type ActivityEvent struct {
	Type     string    `json:"type"`
	RecordID string    `json:"record_id,omitempty"`
	BatchID  string    `json:"batch_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// ActivityHub manages websocket connections and broadcasts activity events.
type ActivityHub struct {
	clients        map[clientInterface]bool
	broadcast      chan interface{}
	register       chan clientInterface
	unregister     chan clientInterface
	allowedOrigins map[string]bool
	originPatterns []string
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
}

// clientInterface allows for both real clients and mock clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents a websocket connection.
type Client struct {
	hub  *ActivityHub
	conn *websocket.Conn
	send chan []byte
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// NewActivityHub creates a hub accepting websocket upgrades from the given
// origin hosts (host:port, no scheme).
func NewActivityHub(originPatterns []string) *ActivityHub {
	ctx, cancel := context.WithCancel(context.Background())
	allowed := make(map[string]bool, len(originPatterns)*2)
	for _, pattern := range originPatterns {
		allowed["http://"+pattern] = true
		allowed["https://"+pattern] = true
	}
	return &ActivityHub{
		clients:        make(map[clientInterface]bool),
		broadcast:      make(chan interface{}, 256),
		register:       make(chan clientInterface),
		unregister:     make(chan clientInterface),
		allowedOrigins: allowed,
		originPatterns: originPatterns,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Run starts the hub's message processing loop.
func (h *ActivityHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: activity client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: activity client disconnected (total: %d)", count)

		case message := <-h.broadcast:
			// Full lock: slow clients are dropped from the map below.
			h.mu.Lock()
			data, err := json.Marshal(message)
			if err != nil {
				log.Printf("server: ERROR failed to marshal activity event: %v", err)
				h.mu.Unlock()
				continue
			}

			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the hub.
func (h *ActivityHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Broadcast sends an event to all connected clients. Never blocks; events
// are dropped when the feed is saturated.
func (h *ActivityHub) Broadcast(event ActivityEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Println("server: WARNING activity feed full, dropping event")
	}
}

// Register adds a client to the hub.
func (h *ActivityHub) Register(client clientInterface) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub. Safe to call after Stop.
func (h *ActivityHub) Unregister(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP handles websocket upgrade requests.
func (h *ActivityHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browsers send an Origin header; non-browser clients may omit it.
	origin := r.Header.Get("Origin")
	if origin != "" && !h.allowedOrigins[origin] {
		http.Error(w, "Forbidden: invalid origin", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		log.Printf("server: ERROR websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.Register(client)

	go client.writePump()
	go client.readPump()
}

// writePump sends messages to the websocket connection.
func (c *Client) writePump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()

		if err != nil {
			return
		}
	}
}

// readPump drains messages from the websocket connection to detect
// disconnections.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

// MockClient is a mock client for testing.
type MockClient struct {
	SendChan chan []byte
}

func (m *MockClient) getSendChannel() chan []byte {
	return m.SendChan
}

func (m *MockClient) close() {}
