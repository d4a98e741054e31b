package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/escrowd/internal/notify"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ErrHubFull is returned when an event cannot be queued for delivery.
var ErrHubFull = errors.New("websocket hub queue full")

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      string          `json:"type"`
	Party     string          `json:"party"`
	OfferID   string          `json:"offer_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSSubscription is a subscription request sent by a client.
type WSSubscription struct {
	Action  string   `json:"action"`  // "subscribe" or "unsubscribe"
	Parties []string `json:"parties"` // Party identities to follow
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn    *websocket.Conn
	send    chan []byte
	parties map[string]bool
	mu      sync.RWMutex
	hub     *WSHub
}

func (c *WSClient) follows(party string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parties[party]
}

// WSHub manages WebSocket connections and pushes notifications to the
// clients following a party. It implements notify.Sink.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	log        *logging.Logger
	mu         sync.RWMutex
}

var _ notify.Sink = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run starts the hub event loop. It returns when ctx ends.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", n)

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.dispatch(event)
		}
	}
}

func (h *WSHub) drop(client *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client disconnected", "clients", n)
}

func (h *WSHub) dispatch(event *WSEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err)
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for client := range h.clients {
		if !client.follows(event.Party) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("WebSocket client too slow, disconnecting")
		h.drop(client)
	}
}

// Subscribers returns the number of clients following party.
func (h *WSHub) Subscribers(party string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.clients {
		if client.follows(party) {
			n++
		}
	}
	return n
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) Name() string { return "ws" }

// Deliver queues msg for the clients following its party. With no such
// client the party is not addressable through the hub.
func (h *WSHub) Deliver(ctx context.Context, msg *notify.Message) error {
	if h.Subscribers(msg.Party) == 0 {
		return notify.ErrNotAddressable
	}

	event := &WSEvent{
		Type:      msg.Kind,
		Party:     msg.Party,
		OfferID:   msg.OfferID,
		Data:      msg.Payload,
		Timestamp: msg.Time.Unix(),
	}

	select {
	case h.broadcast <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrHubFull
	}
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		parties: make(map[string]bool),
		hub:     s.wsHub,
	}
	for _, party := range r.URL.Query()["party"] {
		if party != "" {
			client.parties[party] = true
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages from the connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

// writePump writes queued events to the connection.
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

// handleSubscription processes subscription requests.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, party := range sub.Parties {
		switch sub.Action {
		case "subscribe":
			c.parties[party] = true
		case "unsubscribe":
			delete(c.parties, party)
		}
	}
}
