package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func (h *Hub) subscribedTo(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		ok := c.subs[channel]
		c.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

func TestHubRoutesEventsBySubscription(t *testing.T) {
	hub := NewHub(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Type)

	require.NoError(t, conn.WriteJSON(controlMsg{Action: "subscribe", Markets: []string{"m2"}}))
	require.Eventually(t, func() bool { return hub.subscribedTo(domain.MarketEventsChannel("m2")) }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Handle(ctx, domain.Event{ID: "e1", MarketID: "m1", Type: domain.EventMarketCreated}))
	require.NoError(t, hub.Handle(ctx, domain.Event{ID: "e2", MarketID: "m2", Type: domain.EventDisputeSubmitted}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "market_event", env.Type)
	assert.Equal(t, "market:events:m2", env.Channel)
	var e domain.Event
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	assert.Equal(t, "e2", e.ID)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://APP.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}

func TestMarketOf(t *testing.T) {
	assert.Equal(t, "m9", marketOf([]byte(`{"id":"e","market_id":"m9"}`)))
	assert.Equal(t, "", marketOf([]byte(`not json`)))
}
