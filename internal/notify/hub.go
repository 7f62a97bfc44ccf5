package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Client is one WebSocket connection, bound to the authenticated user.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	steamID string
	send    chan []byte
}

// Hub routes notifications to the connected sockets of their target user.
// A user may hold several connections; each gets the message. Users with no
// open socket pick up their backlog on the next connect.
type Hub struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]bool // steam id -> connections

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run exits; prevents upgrade race
}

func NewHub(store Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:      store,
		logger:     logger,
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It owns the clients map mutations.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notify hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, conns := range h.clients {
				for client := range conns {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notify hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.steamID] == nil {
				h.clients[client.steamID] = make(map[*Client]bool)
			}
			h.clients[client.steamID][client] = true
			n := h.clientCountLocked()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "steam_id", client.steamID, "total", n)
			h.drainBacklog(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.clients[client.steamID]; ok && conns[client] {
				delete(conns, client)
				if len(conns) == 0 {
					delete(h.clients, client.steamID)
				}
				close(client.send)
			}
			n := h.clientCountLocked()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ws client disconnected", "steam_id", client.steamID, "total", n)
		}
	}
}

func (h *Hub) clientCountLocked() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// drainBacklog sends the user's undelivered notifications oldest first.
func (h *Hub) drainBacklog(ctx context.Context, client *Client) {
	pending, err := h.store.Pending(ctx, client.steamID)
	if err != nil {
		h.logger.Error("loading notification backlog", "steam_id", client.steamID, "error", err)
		return
	}
	delivered := make([]int64, 0, len(pending))
	for _, n := range pending {
		if !h.enqueue(client, n) {
			break
		}
		delivered = append(delivered, n.ID)
	}
	if len(delivered) > 0 {
		if err := h.store.MarkDelivered(ctx, delivered); err != nil {
			h.logger.Error("marking backlog delivered", "error", err)
		}
	}
}

// Push persists a notification and, when the user has an open socket,
// delivers it immediately. Persist-first: a crash after Create leaves the
// notification pending, and the backlog drain picks it up.
func (h *Hub) Push(ctx context.Context, userSteamID string, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	n := &Notification{UserSteamID: userSteamID, Kind: kind, Payload: raw}
	if err := h.store.Create(ctx, n); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(string(kind)).Inc()

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userSteamID]))
	for client := range h.clients[userSteamID] {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	sent := false
	for _, client := range conns {
		if h.enqueue(client, n) {
			sent = true
		}
	}
	if sent {
		if err := h.store.MarkDelivered(ctx, []int64{n.ID}); err != nil {
			h.logger.Error("marking notification delivered", "id", n.ID, "error", err)
		}
	}
	return nil
}

// enqueue hands a notification to one connection without blocking; a full
// buffer means the socket is too slow and keeps the row pending.
func (h *Hub) enqueue(client *Client, n *Notification) bool {
	data, err := json.Marshal(n)
	if err != nil {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// HandleWebSocket upgrades the request for an already-authenticated user.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, steamID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.clientCountLocked()
	h.mu.RUnlock()
	if n >= MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		steamID: steamID,
		send:    make(chan []byte, 64),
	}
	select {
	case h.register <- client:
	case <-h.done:
		// Run exited between the check above and the send.
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ackMessage is the only inbound frame clients send.
type ackMessage struct {
	Ack            bool  `json:"ack"`
	NotificationID int64 `json:"notification_id"`
}

// detach removes the client from the hub and closes the socket. After Run
// has exited nobody receives on unregister, so the send races shutdown.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
	_ = c.conn.Close()
}

// readPump reads acks and keeps the connection's read deadline fresh.
// The request context dies with the upgrade handler, so acks run on their
// own context.
func (c *Client) readPump() {
	ctx := context.Background()
	defer c.detach()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		var ack ackMessage
		if err := json.Unmarshal(message, &ack); err != nil || !ack.Ack {
			continue
		}
		if err := c.hub.store.MarkRead(ctx, ack.NotificationID, c.steamID); err != nil {
			c.hub.logger.Warn("ws ack failed", "id", ack.NotificationID, "error", err)
		}
	}
}

// writePump writes messages to WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
