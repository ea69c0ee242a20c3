package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func TestClientRoundTrips(t *testing.T) {
	var locks []movementRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/accounts/alice/balance":
			_ = json.NewEncoder(w).Encode(balanceResponse{Account: "alice", Available: 420})
		case r.Method == http.MethodPost && r.URL.Path == "/locks":
			var req movementRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "lock:"+req.Ref, r.Header.Get("Idempotency-Key"))
			if req.Amount > 420 {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"balance too low","code":"insufficient_funds"}`))
				return
			}
			locks = append(locks, req)
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/transfers":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", 0)
	ctx := context.Background()

	bal, err := c.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(420), bal)

	require.NoError(t, c.Lock(ctx, "alice", 100, "d1"))
	require.Len(t, locks, 1)
	assert.Equal(t, movementRequest{Account: "alice", Amount: 100, Ref: "d1"}, locks[0])

	err = c.Lock(ctx, "alice", 1000, "d2")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = c.Transfer(ctx, "alice", "treasury", 50, "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502: upstream down")
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestClientClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/accounts/ghost/balance" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no account ghost","code":"account_not_found"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 0)
	ctx := context.Background()

	_, err := c.GetBalance(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	err = c.Lock(ctx, "alice", 10, "d1")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}
