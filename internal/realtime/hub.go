// Package realtime streams committed audit entries to WebSocket clients.
//
// Clients connect to /ws and may send a Subscription message at any time to
// narrow the feed by event type, chain, wallet or minimum tier.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/risk"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
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
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// EventType for real-time events
type EventType string

const (
	EventEntry      EventType = "entry_appended"
	EventRetraction EventType = "entry_retracted"
)

// EntryEvent summarises a committed entry for subscribers.
type EntryEvent struct {
	ChainID      string    `json:"chainId"`
	Sequence     uint64    `json:"sequence"`
	EntryHash    string    `json:"entryHash"`
	RecordID     string    `json:"recordId,omitempty"`
	Wallet       string    `json:"wallet,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Tier         risk.Tier `json:"tier,omitempty"`
	Score        string    `json:"score,omitempty"`
	Triggered    []string  `json:"triggered,omitempty"`
	Supersedes   *uint64   `json:"supersedes,omitempty"`
}

// Event represents a real-time event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      *EntryEvent `json:"data"`
}

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Chains     []string    `json:"chains"`
	Wallets    []string    `json:"wallets"`
	MinTier    risk.Tier   `json:"minTier"`
}

// validate rejects filters that could never match.
func (s Subscription) validate() error {
	if s.MinTier != "" && !slices.Contains(risk.Tiers, s.MinTier) {
		return fmt.Errorf("unknown tier %q", s.MinTier)
	}
	for _, t := range s.EventTypes {
		if t != EventEntry && t != EventRetraction {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	return nil
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
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
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case event := <-h.broadcast:
			h.fanout(event)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client connected", "total", n)
}

func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, client := range clients {
		if h.clients[client] {
			delete(h.clients, client)
			close(client.send)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("client disconnected", "total", n)
}

// closeAll closes every send channel; writePump answers with a close frame.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// fanout delivers event to matching clients. A client whose buffer is full
// is disconnected rather than allowed to stall the feed.
func (h *Hub) fanout(event *Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.logger.Warn("disconnecting slow websocket clients", "count", len(slow))
		h.remove(slow...)
	}
}

// tierRank orders tiers for MinTier filtering; unknown tiers rank lowest.
func tierRank(t risk.Tier) int {
	return slices.Index(risk.Tiers, t)
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	data := event.Data
	if data == nil {
		return true
	}
	if len(sub.Chains) > 0 && !slices.Contains(sub.Chains, data.ChainID) {
		return false
	}
	if len(sub.Wallets) > 0 &&
		!slices.Contains(sub.Wallets, data.Wallet) &&
		(data.Counterparty == "" || !slices.Contains(sub.Wallets, data.Counterparty)) {
		return false
	}
	// Retractions always carry CLEAR; the tier filter applies to assessments.
	if sub.MinTier != "" && event.Type == EventEntry && tierRank(data.Tier) < tierRank(sub.MinTier) {
		return false
	}
	return true
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// BroadcastEntry publishes a committed entry. Entries whose payload is not
// an assessment are announced with chain position only.
func (h *Hub) BroadcastEntry(entry *auditchain.Entry) {
	ev := &EntryEvent{ChainID: entry.ChainID, Sequence: entry.Sequence, EntryHash: entry.EntryHash}
	typ := EventEntry

	var a risk.Assessment
	if err := json.Unmarshal(entry.Payload, &a); err == nil && a.RecordID != "" {
		ev.RecordID = a.RecordID
		ev.Wallet = a.Record.Wallet
		ev.Counterparty = a.Record.Counterparty
		ev.Tier = a.Tier
		ev.Score = a.Score.String()
		ev.Triggered = a.Triggered()
		if a.IsRetraction() {
			typ = EventRetraction
			ev.Supersedes = a.Supersedes
		}
	}
	h.Broadcast(&Event{Type: typ, Timestamp: entry.Timestamp, Data: ev})
}

// Observer adapts the hub to auditchain.Service.OnAppend.
func (h *Hub) Observer() auditchain.Observer {
	return func(_ context.Context, entry *auditchain.Entry) {
		h.BroadcastEntry(entry)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection drops. An
// invalid subscription is logged and the previous one stays in force.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		if err := sub.validate(); err != nil {
			c.hub.logger.Debug("ignoring invalid subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
