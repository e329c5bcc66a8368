// Package websocket streams adapter traffic to admin clients over
// WebSocket connections.
package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sadewadee/httpbridge/internal/adapter"
)

// sendBuffer bounds the events queued per client. Slow clients lose events
// rather than stall exchanges.
const sendBuffer = 64

// Client is a single tap subscriber.
type Client struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string

	send chan []byte
	mu   sync.Mutex
	// operations filters events by operation; empty means all.
	operations map[string]bool
	dropped    atomic.Int64
}

// Subscribe restricts the events sent to c to the given operations. No
// operations clears the filter.
func (c *Client) Subscribe(ops ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]bool, len(ops))
	for _, op := range ops {
		c.operations[op] = true
	}
}

func (c *Client) wants(op string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.operations) == 0 || c.operations[op]
}

// Dropped returns the number of events discarded because the client was
// too slow.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Manager tracks tap clients and fans traffic events out to them. It
// implements adapter.Observer.
type Manager struct {
	clients    map[string]*Client
	mu         sync.RWMutex
	logger     *slog.Logger
	maxClients int
	events     atomic.Int64
}

// NewManager creates a tap manager accepting up to maxClients subscribers;
// zero means unlimited.
func NewManager(maxClients int, logger *slog.Logger) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		logger:     logger,
		maxClients: maxClients,
	}
}

// AddConnection registers a new subscriber. It returns false when the
// client limit is reached.
func (m *Manager) AddConnection(conn *websocket.Conn, r *http.Request) (*Client, bool) {
	client := &Client{
		ID:         uuid.New().String(),
		Conn:       conn,
		RemoteAddr: r.RemoteAddr,
		send:       make(chan []byte, sendBuffer),
	}
	if ops := r.URL.Query()["operation"]; len(ops) > 0 {
		client.Subscribe(ops...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxClients > 0 && len(m.clients) >= m.maxClients {
		return nil, false
	}
	m.clients[client.ID] = client
	return client, true
}

// RemoveConnection unregisters a subscriber and stops its writer.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	client, exists := m.clients[id]
	if exists {
		delete(m.clients, id)
	}
	m.mu.Unlock()

	if exists {
		close(client.send)
	}
}

// Observe publishes t to every subscribed client without blocking.
func (m *Manager) Observe(t adapter.Traffic) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.clients) == 0 {
		return
	}

	data, err := json.Marshal(t)
	if err != nil {
		m.logger.Error("encoding traffic event", "error", err)
		return
	}
	m.events.Add(1)

	for _, c := range m.clients {
		if !c.wants(t.Operation) {
			continue
		}
		select {
		case c.send <- data:
		default:
			c.dropped.Add(1)
		}
	}
}

// control is a message a client may send to change its subscription.
type control struct {
	Action     string   `json:"action"`
	Operations []string `json:"operations"`
}

// HandleMessage processes a control message from client.
func (m *Manager) HandleMessage(client *Client, message []byte) {
	var c control
	if err := json.Unmarshal(message, &c); err != nil {
		m.logger.Debug("ignoring tap message", "conn_id", client.ID, "error", err)
		return
	}
	switch c.Action {
	case "subscribe":
		client.Subscribe(c.Operations...)
	case "unsubscribe":
		client.Subscribe()
	default:
		m.logger.Debug("unknown tap action", "conn_id", client.ID, "action", c.Action)
	}
}

// writePump sends queued events and periodic pings until the client's
// queue is closed or a write fails.
func (m *Manager) writePump(client *Client, pingInterval time.Duration) {
	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Debug("tap write failed", "conn_id", client.ID, "error", err)
				return
			}
		case <-ping:
			if err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// Stats returns current tap statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var dropped int64
	for _, c := range m.clients {
		dropped += c.Dropped()
	}
	return ManagerStats{
		TotalConnections: len(m.clients),
		Events:           m.events.Load(),
		Dropped:          dropped,
	}
}

// ManagerStats holds tap metrics.
type ManagerStats struct {
	TotalConnections int   `json:"total_connections"`
	Events           int64 `json:"events"`
	Dropped          int64 `json:"dropped"`
}
