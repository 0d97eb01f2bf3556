// Package realtime streams committed escrow transitions to WebSocket clients.
//
// Operators and buyer/supplier dashboards subscribe instead of polling. A
// client may narrow its feed by payment id, party id or event kind, either
// with query parameters on connect or by sending a Subscription as JSON.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/procurepay/internal/auth"
	"github.com/mbd888/procurepay/internal/escrow"
	"github.com/mbd888/procurepay/internal/metrics"
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
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is one committed transition as seen by feed clients.
type Event struct {
	Type      escrow.EventKind `json:"type"`
	PaymentID string           `json:"paymentId"`
	From      escrow.Status    `json:"from"`
	To        escrow.Status    `json:"to"`
	Payment   *escrow.Payment  `json:"payment"`
	Entries   []*escrow.Entry  `json:"entries"`
	Timestamp time.Time        `json:"timestamp"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	PaymentIDs []string           `json:"paymentIds"`
	PartyIDs   []string           `json:"partyIds"`
	EventTypes []escrow.EventKind `json:"eventTypes"`
}

// Matches reports whether event passes the filter.
func (s Subscription) Matches(event *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.PaymentIDs) > 0 && !slices.Contains(s.PaymentIDs, event.PaymentID) {
		return false
	}
	if len(s.PartyIDs) > 0 {
		if event.Payment == nil {
			return false
		}
		if !slices.Contains(s.PartyIDs, event.Payment.PayerID) && !slices.Contains(s.PartyIDs, event.Payment.PayeeID) {
			return false
		}
	}
	return true
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription

	// party, when set, is the only party this client may watch. Payers and
	// payees are pinned to themselves; reviewers and admins are not.
	party string
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	if c.party != "" {
		sub.PartyIDs = []string{c.party}
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	droppedEvent atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("feed client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("feed event not serializable", "paymentId", event.PaymentID, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.subscription().Matches(event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues an event for matching clients. It never blocks.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvent.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "paymentId", event.PaymentID)
	}
}

// OnTransition implements escrow.TransitionObserver.
func (h *Hub) OnTransition(_ context.Context, t escrow.Transition) {
	h.Broadcast(&Event{
		Type:      t.Event,
		PaymentID: t.PaymentID,
		From:      t.From,
		To:        t.To,
		Payment:   t.Payment,
		Entries:   t.Entries,
		Timestamp: t.At,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvent.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleStream handles GET /v1/stream. Query parameters paymentId, partyId
// and eventType (comma separated) seed the subscription.
func (h *Hub) HandleStream(c *gin.Context) {
	id, role, _ := auth.ActorFrom(c)
	party := ""
	if role == string(escrow.RolePayer) || role == string(escrow.RolePayee) {
		party = id
	}
	h.HandleWebSocket(c.Writer, c.Request, party, subscriptionFromQuery(c))
}

// HandleWebSocket upgrades HTTP to WebSocket. A non-empty party pins the
// client's party filter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, party string, sub Subscription) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		party: party,
	}
	client.setSubscription(sub)

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func subscriptionFromQuery(c *gin.Context) Subscription {
	var sub Subscription
	sub.PaymentIDs = splitList(c.Query("paymentId"))
	sub.PartyIDs = splitList(c.Query("partyId"))
	for _, k := range splitList(c.Query("eventType")) {
		sub.EventTypes = append(sub.EventTypes, escrow.EventKind(k))
	}
	return sub
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.setSubscription(sub)
		}
	}
}

// writePump writes messages to WebSocket
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
				c.hub.logger.Debug("websocket write error", "error", err)
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

var _ escrow.TransitionObserver = (*Hub)(nil)
