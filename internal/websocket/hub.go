// Package websocket pushes live entitlement payloads to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/internal/live"
	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/pkg/entitlements"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024
	sendBuffer     = 16
)

// Message types.
const (
	TypeEntitlements = "entitlements"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeRefresh      = "refresh"
)

// Message is the envelope for every frame in either direction.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Authenticator resolves the user for an upgrade request.
type Authenticator func(r *http.Request) (userID string, err error)

// Client is one WebSocket connection bound to a user's watcher.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	id      string
	userID  string
	watcher *live.Watcher

	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	sent    bool
	version int64
}

// Hub tracks connected clients.
type Hub struct {
	manager  *live.Manager
	auth     Authenticator
	origins  []string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub creates a hub. allowedOrigins are wildcard patterns such as
// "https://*.codex.dev"; when empty only same-host origins are accepted.
func NewHub(m *live.Manager, auth Authenticator, allowedOrigins []string) *Hub {
	h := &Hub{
		manager: m,
		auth:    auth,
		origins: allowedOrigins,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send an Origin.
		return true
	}
	if len(h.origins) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return sameHost(u.Host, r.Host)
	}
	if OriginAllowed(h.origins, origin) {
		return true
	}
	log.Warn().Str("origin", origin).Msg("Rejected WebSocket origin")
	return false
}

// OriginAllowed reports whether origin matches one of the wildcard patterns.
func OriginAllowed(patterns []string, origin string) bool {
	for _, pattern := range patterns {
		if pattern == "*" || wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}

func sameHost(a, b string) bool {
	strip := func(h string) string {
		if host, _, err := net.SplitHostPort(h); err == nil {
			return host
		}
		return h
	}
	return strings.EqualFold(a, b) || strings.EqualFold(strip(a), strip(b))
}

// HandleWebSocket authenticates the request, upgrades it, sends the current
// payload and then pushes every change.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r)
	if err != nil || userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to upgrade WebSocket connection")
		return
	}

	watcher, release, err := h.manager.Acquire(context.Background(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to watch subscription")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		id:      uuid.NewString(),
		userID:  userID,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	if !h.register(c) {
		release()
		conn.Close()
		return
	}

	removeListener := watcher.Listen(c.pushPayload)

	go c.writePump()
	go func() {
		c.readPump()
		removeListener()
		release()
		h.unregister(c)
	}()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
	log.Info().Str("client", c.id).Str("user_id", c.userID).Msg("WebSocket client connected")
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.WebSocketClients.Set(float64(len(h.clients)))
		log.Info().Str("client", c.id).Str("user_id", c.userID).Msg("WebSocket client disconnected")
	}
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run blocks until ctx is done and then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// Close stops accepting connections and closes existing ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// pushPayload sends p unless an entitlements frame with a newer document
// version was already sent. Locked payloads carry version zero and always go out.
func (c *Client) pushPayload(p entitlements.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent && p.Version != 0 && p.Version < c.version {
		return
	}
	c.sent = true
	c.version = p.Version
	c.enqueue(Message{Type: TypeEntitlements, Data: p})
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Slow reader; it reconnects and gets a fresh snapshot.
		log.Warn().Str("client", c.id).Msg("Client send buffer full, disconnecting")
		c.close()
	}
}

// close signals writePump to send a close frame and drop the connection.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}
		switch msg.Type {
		case TypePing:
			c.enqueue(Message{Type: TypePong, Data: map[string]int64{"timestamp": time.Now().Unix()}})
		case TypeRefresh:
			c.watcher.Replay(c.pushPayload)
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled WebSocket message")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
