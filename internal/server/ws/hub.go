// Package ws streams market events to browser clients over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// replayLimit caps how many stream entries one replay request returns.
	replayLimit = 500
)

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed channels, "market:events:*" or one market
	mu   sync.RWMutex
}

// controlMsg is the JSON message a client sends to manage its feed.
//
//	{"action":"subscribe","markets":["m1"]}
//	{"action":"unsubscribe","markets":["m1"]}
//	{"action":"replay","last_id":"0"}
type controlMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
	LastID  string   `json:"last_id"`
}

// envelope is every frame the hub sends.
type envelope struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	StreamID string          `json:"stream_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Hub manages connected WebSocket clients and fans market events out to
// them. Events arrive either from the Redis signal bus (when bus is set) or
// directly through Handle when the hub is registered as an event sink.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	startedAt  time.Time
}

// broadcastMsg carries a frame along with the market channel it belongs to
// so the hub can route it only to subscribed clients.
type broadcastMsg struct {
	channel string
	data    []byte
}

// NewHub creates a hub. bus may be nil, in which case events must be fed via
// Handle. allowedOrigins restricts browser origins; empty allows all.
func NewHub(bus domain.SignalBus, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		startedAt:  time.Now().UTC(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting, and exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("dropping message for slow client", slog.String("channel", msg.channel))
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Name identifies the hub when used as an event sink.
func (h *Hub) Name() string { return "ws" }

// Handle broadcasts an event to subscribed clients. Live delivery is best
// effort; it only fails when ctx ends before the hub accepts the frame.
func (h *Hub) Handle(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, e.MarketID, "", payload)
}

// subscribe forwards every market event published on the signal bus.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, domain.MarketEventsPattern)
	if err != nil {
		h.logger.Error("failed to subscribe to market events",
			slog.String("pattern", domain.MarketEventsPattern),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("subscribed to market events", slog.String("pattern", domain.MarketEventsPattern))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("market event subscription closed")
				return
			}
			if err := h.enqueue(ctx, marketOf(data), "", data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) enqueue(ctx context.Context, marketID, streamID string, payload []byte) error {
	channel := domain.MarketEventsChannel(marketID)
	frame, err := json.Marshal(envelope{Type: "market_event", Channel: channel, StreamID: streamID, Payload: payload})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcastMsg{channel: channel, data: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// marketOf extracts market_id from an event payload.
func marketOf(payload []byte) string {
	var head struct {
		MarketID string `json:"market_id"`
	}
	_ = json.Unmarshal(payload, &head)
	return head.MarketID
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. New clients receive every market's events until
// they narrow their subscription.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{domain.MarketEventsPattern: true},
	}

	h.register <- c
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// clientCount returns the number of currently connected clients.
func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump reads control messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var msg controlMsg
		if json.Unmarshal(message, &msg) != nil {
			continue
		}
		switch msg.Action {
		case "subscribe", "unsubscribe":
			c.handleSubscription(msg)
		case "replay":
			c.replay(msg.LastID)
		}
	}
}

// handleSubscription narrows or widens the client's feed. Subscribing to a
// specific market drops the all-markets default.
func (c *client) handleSubscription(msg controlMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		if len(msg.Markets) > 0 {
			delete(c.subs, domain.MarketEventsPattern)
		}
		for _, id := range msg.Markets {
			if id == "*" {
				c.subs[domain.MarketEventsPattern] = true
				continue
			}
			c.subs[domain.MarketEventsChannel(id)] = true
		}
	case "unsubscribe":
		for _, id := range msg.Markets {
			if id == "*" {
				delete(c.subs, domain.MarketEventsPattern)
				continue
			}
			delete(c.subs, domain.MarketEventsChannel(id))
		}
	}
}

// replay sends durable stream entries after lastID that match the client's
// subscriptions, so a reconnecting client can catch up.
func (c *client) replay(lastID string) {
	if c.hub.bus == nil {
		return
	}
	if lastID == "" {
		lastID = "0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	msgs, err := c.hub.bus.StreamRead(ctx, domain.MarketEventsStream, lastID, replayLimit)
	if err != nil {
		c.hub.logger.Warn("replay failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		channel := domain.MarketEventsChannel(marketOf(m.Payload))
		if !c.isSubscribed(channel) {
			continue
		}
		frame, err := json.Marshal(envelope{Type: "replay", Channel: channel, StreamID: m.ID, Payload: m.Payload})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		default:
			return
		}
	}
}

// sendHello pushes a small JSON envelope so clients can immediately mark the
// connection as healthy even when no market events are flowing yet.
func (c *client) sendHello() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	payload, err := json.Marshal(map[string]any{
		"uptime_seconds": uptime,
		"replay":         c.hub.bus != nil,
	})
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Type: "hello", Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// isSubscribed checks whether the client is subscribed to the given channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump pumps frames from the hub to the WebSocket connection and sends
// periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ domain.EventSink = (*Hub)(nil)
