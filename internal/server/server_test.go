package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/access"
	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
	"github.com/alanyoungcy/polyresolve/internal/server/handler"
	"github.com/alanyoungcy/polyresolve/internal/server/middleware"
	"github.com/alanyoungcy/polyresolve/internal/service"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
)

const (
	adminKey    = "k-admin"
	resolverKey = "k-oracle"
	aliceKey    = "k-alice"
	bobKey      = "k-bob"

	longReason = "the oracle reported the wrong final score for this match"
)

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

type testAPI struct {
	handler http.Handler
	ledger  *memory.Ledger
	rec     *metrics.Recorder
}

func newTestAPI(t *testing.T, limiter domain.RateLimiter, health map[string]handler.Pinger) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	ledger := memory.NewLedger()
	reputation := memory.NewReputation()
	rec := metrics.New()
	authz := access.NewRoleAuthorizer(access.DefaultGrants)

	lifecycle := service.NewLifecycle(store, nil, authz, time.Hour, rec, logger)
	bonds, err := service.NewBondCalculator(domain.DefaultBondPolicy(), memory.NewPolicyStore(), reputation, logger)
	require.NoError(t, err)
	stakes := service.NewStakeLedger(ledger, bonds, "treasury", rec, logger)
	disputes := service.NewDisputeRegistry(store, lifecycle, stakes, bonds, authz, nil, service.SubmitLimit{}, 0, rec, logger)
	arb := service.NewArbitrationService(lifecycle, disputes, stakes, authz, 0, rec, logger)
	sweeper := service.NewSweeper(lifecycle, time.Minute, 10, logger)

	ledger.Deposit("alice", 1_000)
	reputation.SetScore("alice", 20)

	cfg := Config{
		Port: 0,
		Credentials: []middleware.Credential{
			{Key: adminKey, Principal: domain.Principal{ID: "admin-1", Role: domain.RoleAdmin}},
			{Key: resolverKey, Principal: domain.Principal{ID: "oracle-1", Role: domain.RoleResolver}},
			{Key: aliceKey, Principal: domain.Principal{ID: "alice", Role: domain.RoleUser}},
			{Key: bobKey, Principal: domain.Principal{ID: "bob", Role: domain.RoleUser}},
		},
		RateLimit: 100,
	}
	srv := NewServer(cfg, Handlers{
		Health:   handler.NewHealthHandler("full", health, logger),
		Markets:  handler.NewMarketHandler(lifecycle, logger),
		Disputes: handler.NewDisputeHandler(disputes, arb, logger),
		Bonds:    handler.NewBondHandler(bonds, authz, logger),
		Admin:    handler.NewAdminHandler(sweeper, authz, logger),
	}, Deps{Limiter: limiter, Metrics: rec}, logger)
	return &testAPI{handler: srv.Handler(), ledger: ledger, rec: rec}
}

type apiResponse struct {
	status int
	header http.Header
	body   map[string]any
}

func (a *testAPI) do(t *testing.T, method, path, key string, body any) apiResponse {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)

	out := apiResponse{status: rr.Code, header: rr.Header()}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out.body), rr.Body.String())
	}
	return out
}

func proposal() map[string]string {
	return map[string]string{"outcome": "yes", "source": "api", "confidence": "high"}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	res := api.do(t, http.MethodPost, "/api/markets", adminKey, map[string]string{"id": "m1", "question": "Will it rain in Lisbon?"})
	require.Equal(t, http.StatusCreated, res.status, res.body)

	res = api.do(t, http.MethodPost, "/api/markets/m1/resolution", aliceKey, proposal())
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "forbidden", res.body["code"])

	res = api.do(t, http.MethodPost, "/api/markets/m1/resolution", resolverKey, proposal())
	require.Equal(t, http.StatusCreated, res.status, res.body)

	form := map[string]string{"dispute_type": "evidence", "reason": longReason}
	res = api.do(t, http.MethodPost, "/api/markets/m1/disputes", aliceKey, form)
	require.Equal(t, http.StatusCreated, res.status, res.body)
	disputeID := res.body["id"].(string)
	assert.EqualValues(t, 100, res.body["bond_amount"])

	res = api.do(t, http.MethodPost, "/api/markets/m1/disputes", aliceKey, form)
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "duplicate_active_dispute", res.body["code"])
	assert.Equal(t, "state_conflict", res.body["kind"])

	res = api.do(t, http.MethodPost, "/api/markets/m1/disputes", bobKey, form)
	assert.Equal(t, http.StatusPaymentRequired, res.status)
	assert.Equal(t, "insufficient_funds", res.body["code"])

	res = api.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/decision", bobKey, map[string]string{"decision": "accept", "note": "looks right to me"})
	assert.Equal(t, http.StatusForbidden, res.status)

	res = api.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/decision", adminKey, map[string]string{"decision": "accept", "note": "short"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
	assert.Equal(t, "note_too_short", res.body["code"])

	res = api.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/review", adminKey, nil)
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "reviewed", res.body["status"])

	res = api.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/decision", adminKey, map[string]string{"decision": "accept", "note": "scoreboard screenshot confirms it"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "disputed_resolution", res.body["market_status"])

	res = api.do(t, http.MethodPost, "/api/disputes/"+disputeID+"/decision", adminKey, map[string]string{"decision": "reject", "note": "changed my mind entirely"})
	assert.Equal(t, http.StatusConflict, res.status)
	assert.Equal(t, "already_decided", res.body["code"])

	res = api.do(t, http.MethodGet, "/api/disputes/"+disputeID, aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	stake := res.body["stake"].(map[string]any)
	assert.Equal(t, "refunded_full", stake["disposition"])

	res = api.do(t, http.MethodGet, "/api/markets/m1", bobKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "disputed_resolution", res.body["market"].(map[string]any)["status"])
	assert.Equal(t, false, res.body["window_open"])

	res = api.do(t, http.MethodGet, "/api/me/disputes", aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["disputes"], 1)

	res = api.do(t, http.MethodGet, "/api/markets/m1/events", aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	events := res.body["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, "market.created", events[0].(map[string]any)["type"])

	res = api.do(t, http.MethodGet, "/api/audit", aliceKey, nil)
	assert.Equal(t, http.StatusForbidden, res.status)
	res = api.do(t, http.MethodGet, "/api/audit?limit=2", adminKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["events"], 2)
}

func TestAuthAndRequestErrors(t *testing.T) {
	api := newTestAPI(t, nil, map[string]handler.Pinger{
		"store": pingerFunc(func(context.Context) error { return nil }),
	})

	res := api.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "ok", res.body["status"])
	assert.NotEmpty(t, res.header.Get("X-Request-ID"))

	res = api.do(t, http.MethodGet, "/api/markets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	res = api.do(t, http.MethodGet, "/api/markets", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "auth", res.body["kind"])

	res = api.do(t, http.MethodPost, "/api/markets", adminKey, `{"id": "m1", "question":`)
	assert.Equal(t, http.StatusBadRequest, res.status)
	assert.Equal(t, "malformed_body", res.body["code"])

	res = api.do(t, http.MethodPost, "/api/markets", adminKey, map[string]string{"id": "m1", "question": "Q?", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, res.status)

	res = api.do(t, http.MethodGet, "/api/markets/missing", aliceKey, nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "not_found", res.body["code"])

	res = api.do(t, http.MethodGet, "/api/markets/missing/disputes", aliceKey, nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "not_found", res.body["code"])

	res = api.do(t, http.MethodGet, "/api/markets?status=bogus", aliceKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
	assert.Equal(t, "invalid_status", res.body["code"])

	res = api.do(t, http.MethodGet, "/api/markets?since=yesterday", aliceKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)
	assert.Equal(t, "invalid_time", res.body["code"])
}

func TestHealthReportsUnhealthyDependency(t *testing.T) {
	api := newTestAPI(t, nil, map[string]handler.Pinger{
		"redis": pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	res := api.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.status)
	assert.Equal(t, "degraded", res.body["status"])
	assert.Equal(t, "connection refused", res.body["checks"].(map[string]any)["redis"])
}

func TestBondQuoteAndPolicy(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	res := api.do(t, http.MethodGet, "/api/bond/quote?type=interpretation", aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.EqualValues(t, 250, res.body["amount"])
	assert.Equal(t, "v1", res.body["policy_version"])

	res = api.do(t, http.MethodGet, "/api/bond/quote", aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Len(t, res.body["quotes"], 3)

	res = api.do(t, http.MethodGet, "/api/bond/quote?type=vibes", aliceKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, res.status)

	policy := domain.DefaultBondPolicy()
	policy.Version = "v2"
	policy.Base[domain.DisputeInterpretation] = 300

	res = api.do(t, http.MethodPut, "/api/admin/bond-policy", aliceKey, policy)
	assert.Equal(t, http.StatusForbidden, res.status)

	res = api.do(t, http.MethodPut, "/api/admin/bond-policy", adminKey, policy)
	require.Equal(t, http.StatusOK, res.status, res.body)

	res = api.do(t, http.MethodGet, "/api/bond/quote?type=interpretation", aliceKey, nil)
	assert.EqualValues(t, 300, res.body["amount"])

	res = api.do(t, http.MethodGet, "/api/admin/bond-policy", adminKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "v2", res.body["active"].(map[string]any)["version"])
}

func TestSettleAndSweepEndpoints(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/markets", adminKey, map[string]string{"id": "m1", "question": "Q?"}).status)
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/markets/m1/resolution", resolverKey, proposal()).status)

	res := api.do(t, http.MethodPost, "/api/markets/m1/settle", aliceKey, nil)
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, false, res.body["settled"])

	res = api.do(t, http.MethodPost, "/api/admin/sweep", aliceKey, nil)
	assert.Equal(t, http.StatusForbidden, res.status)
	res = api.do(t, http.MethodPost, "/api/admin/sweep", adminKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.EqualValues(t, 0, res.body["settled"])

	res = api.do(t, http.MethodPost, "/api/markets/m1/freeze", adminKey, map[string]string{"reason": "oracle outage"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "locked", res.body["status"])

	res = api.do(t, http.MethodPost, "/api/markets/m1/disputes", aliceKey, map[string]string{"dispute_type": "evidence", "reason": longReason})
	assert.Equal(t, http.StatusConflict, res.status)

	res = api.do(t, http.MethodPost, "/api/markets/m1/unlock", adminKey, nil)
	require.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "pending_resolution", res.body["status"])
}

func TestRateLimitAndMetrics(t *testing.T) {
	api := newTestAPI(t, denyLimiter{}, nil)

	res := api.do(t, http.MethodGet, "/api/markets", aliceKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, res.status)
	assert.Equal(t, "rate_limited", res.body["code"])
	assert.Equal(t, "1", res.header.Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	api.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `resolver_http_request_duration_seconds_count{code="429",method="GET",route="unmatched"} 1`)
}
