package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

type stubSender struct {
	name   string
	err    error
	titles []string
	bodies []string
}

func (s *stubSender) Send(_ context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return nil
}

func (s *stubSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersAndNeverBlocks(t *testing.T) {
	ok := &stubSender{name: "ok"}
	broken := &stubSender{name: "broken", err: errors.New("timeout")}
	n := NewNotifier([]Sender{broken, ok}, nil, discard())
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, domain.Event{Type: domain.EventMarketTransitioned, MarketID: "m1"}))
	assert.Empty(t, ok.titles)

	err := n.Handle(ctx, domain.Event{
		Type: domain.EventDisputeDecided, MarketID: "m1", DisputeID: "d1", Actor: "admin-1",
		Detail: map[string]any{"status": "rejected", "bond": 750},
	})
	require.NoError(t, err)
	require.Len(t, ok.titles, 1)
	assert.Equal(t, "Dispute decided", ok.titles[0])
	assert.Equal(t, "market: m1\ndispute: d1\nby: admin-1\nbond: 750\nstatus: rejected", ok.bodies[0])
}

func TestNotifierConfiguredEvents(t *testing.T) {
	s := &stubSender{name: "s"}
	n := NewNotifier([]Sender{s}, []string{" market.unlocked "}, discard())
	require.NoError(t, n.Handle(context.Background(), domain.Event{Type: domain.EventDisputeSubmitted}))
	require.NoError(t, n.Handle(context.Background(), domain.Event{Type: domain.EventMarketUnlocked}))
	assert.Equal(t, []string{"market.unlocked"}, s.titles)
}

func TestSendersPostJSON(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		if r.URL.Path == "/fail" {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	ctx := context.Background()

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(ctx, "Title", "body"))
	assert.Equal(t, "**Title**\n```\nbody\n```", got[0]["content"])

	tg := NewTelegramSender("tok", "42")
	tg.apiBase = srv.URL
	require.NoError(t, tg.Send(ctx, "Title", "body"))
	assert.Equal(t, "42", got[1]["chat_id"])
	assert.Equal(t, "Title\nbody", got[1]["text"])

	err := NewDiscordSender(srv.URL + "/fail").Send(ctx, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}
