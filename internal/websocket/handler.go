package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler upgrades admin requests to tap connections.
type Handler struct {
	manager      *Manager
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewHandler creates a new tap handler.
func NewHandler(manager *Manager, pingInterval time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		manager:      manager,
		logger:       logger,
		pingInterval: pingInterval,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.manager.maxClients > 0 && h.manager.Stats().TotalConnections >= h.manager.maxClients {
		http.Error(w, "too many tap clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client, ok := h.manager.AddConnection(conn, r)
	if !ok {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many tap clients"))
		conn.Close()
		return
	}
	h.logger.Debug("tap connected", "conn_id", client.ID, "remote_addr", client.RemoteAddr)

	go h.manager.writePump(client, h.pingInterval)
	go h.readPump(client)
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.manager.RemoveConnection(client.ID)
		client.Conn.Close()
		h.logger.Debug("tap disconnected", "conn_id", client.ID)
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "conn_id", client.ID, "error", err)
			}
			break
		}

		h.manager.HandleMessage(client, message)
	}
}
