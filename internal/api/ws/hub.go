// Package ws fans fingerprint decisions out to WebSocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/fpmatch/internal/matcher"
	"github.com/your-org/fpmatch/internal/models"
	"github.com/your-org/fpmatch/internal/observability"
	"github.com/your-org/fpmatch/pkg/dto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type message struct {
	fingerprintID int64
	payload       []byte
}

// Client is one connected subscriber.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	// fingerprintID limits delivery to one identity when non-zero.
	fingerprintID int64
}

func (c *Client) wants(m message) bool {
	return c.fingerprintID == 0 || c.fingerprintID == m.fingerprintID
}

// Hub maintains active WebSocket clients and broadcasts events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "fingerprint_id", client.fingerprintID)

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.broadcast:
			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(m) {
					continue
				}
				select {
				case client.send <- m.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observability.WSConnections.Dec()
		slog.Debug("ws client disconnected")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishEvent queues ev for delivery. It satisfies the handlers' Publisher
// so the hub can stand in for NATS on a single node.
func (h *Hub) PublishEvent(ctx context.Context, ev models.FingerprintEvent) error {
	data, err := json.Marshal(ToWSEvent(ev))
	if err != nil {
		return fmt.Errorf("marshal ws event: %w", err)
	}
	select {
	case h.broadcast <- message{fingerprintID: ev.FingerprintID, payload: data}:
		return nil
	case <-h.done:
		return errors.New("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToWSEvent renders a decision for subscribers.
func ToWSEvent(ev models.FingerprintEvent) dto.WSEvent {
	out := dto.WSEvent{
		Type:          string(ev.Type),
		FingerprintID: ev.FingerprintID,
		Confidence:    ev.Confidence,
		AttendanceID:  ev.AttendanceID,
		Timestamp:     ev.Timestamp,
	}
	if ev.Type != models.EventRegistered {
		out.Similarity = matcher.FormatPercent(ev.Similarity)
	}
	return out
}

// HandleWS upgrades the request. ?fingerprint_id=N subscribes to one identity.
func (h *Hub) HandleWS(c *gin.Context) {
	var filter int64
	if raw := c.Query("fingerprint_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Message: "invalid fingerprint_id"})
			return
		}
		filter = id
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 64),
		fingerprintID: filter,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump only watches for disconnects; clients send nothing.
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
