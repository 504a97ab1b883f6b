package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Hub fans job events out to websocket clients. All client bookkeeping
// happens on the Run goroutine.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *slog.Logger
}

// NewHub returns a hub; call Run before serving clients.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Broadcast queues msg for every connected client, dropping it when the
// hub is backed up.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("websocket broadcast dropped", "bytes", len(msg))
	}
}

// ServeWS upgrades the request and keeps the connection registered until
// the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}

	// clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
