package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// MarketService defines the lifecycle operations the market handler needs.
// It is declared locally so the handler package does not depend on the
// concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, p domain.Principal, id, question string) (domain.Market, error)
	ProposeResolution(ctx context.Context, p domain.Principal, marketID string, prop domain.ResolutionProposal) (domain.ResolutionRecord, error)
	RequestSettlement(ctx context.Context, p domain.Principal, marketID string) (bool, error)
	Freeze(ctx context.Context, p domain.Principal, marketID, reason string) (domain.Market, error)
	Unlock(ctx context.Context, p domain.Principal, marketID string) (domain.Market, error)
	View(ctx context.Context, marketID string) (domain.MarketView, error)
	List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
	Events(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Event, error)
	Audit(ctx context.Context, p domain.Principal, opts domain.ListOpts) ([]domain.Event, error)
}

// MarketHandler serves market lifecycle endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

type createMarketRequest struct {
	ID       string `json:"id"`
	Question string `json:"question"`
}

type freezeRequest struct {
	Reason string `json:"reason"`
}

type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

type eventsResponse struct {
	Events []domain.Event `json:"events"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), principal(r), req.ID, req.Question)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets returns markets, optionally filtered by status.
// GET /api/markets?status=disputing&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	markets, err := h.markets.List(r.Context(), status, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Limit: opts.Limit, Offset: opts.Offset})
}

// GetMarket returns the market read model with its dispute window evaluated
// at request time.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.markets.View(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ProposeResolution records a resolver's proposed outcome.
// POST /api/markets/{id}/resolution
func (h *MarketHandler) ProposeResolution(w http.ResponseWriter, r *http.Request) {
	var prop domain.ResolutionProposal
	if err := decodeJSON(r, &prop); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	rec, err := h.markets.ProposeResolution(r.Context(), principal(r), r.PathValue("id"), prop)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Settle finalizes the market if its dispute window has elapsed with no
// dispute open. A market that is not due yet answers settled=false.
// POST /api/markets/{id}/settle
func (h *MarketHandler) Settle(w http.ResponseWriter, r *http.Request) {
	settled, err := h.markets.RequestSettlement(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"settled": settled})
}

// Freeze locks the market.
// POST /api/markets/{id}/freeze
func (h *MarketHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	m, err := h.markets.Freeze(r.Context(), principal(r), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Unlock returns a frozen market to the status it was frozen from.
// POST /api/markets/{id}/unlock
func (h *MarketHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Unlock(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Events returns the market's audit trail, oldest first.
// GET /api/markets/{id}/events
func (h *MarketHandler) Events(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	events, err := h.markets.Events(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Limit: opts.Limit, Offset: opts.Offset})
}

// Audit returns the event log across all markets, newest first.
// GET /api/audit
func (h *MarketHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	events, err := h.markets.Audit(r.Context(), principal(r), opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Limit: opts.Limit, Offset: opts.Offset})
}
