package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/service"
)

// DisputeService is the dispute registry surface used over HTTP.
type DisputeService interface {
	Submit(ctx context.Context, p domain.Principal, marketID string, form domain.DisputeForm) (domain.Dispute, error)
	Review(ctx context.Context, p domain.Principal, disputeID string) (domain.Dispute, error)
	Get(ctx context.Context, id string) (domain.Dispute, error)
	Stake(ctx context.Context, disputeID string) (domain.StakeEntry, error)
	ListByMarket(ctx context.Context, marketID string) ([]domain.Dispute, error)
	ListBySubmitter(ctx context.Context, submitterID string, opts domain.ListOpts) ([]domain.Dispute, error)
}

// Arbiter applies admin decisions.
type Arbiter interface {
	Decide(ctx context.Context, p domain.Principal, disputeID string, decision domain.Decision, note string) (service.ArbitrationResult, error)
}

// DisputeHandler serves dispute submission, review and decision endpoints.
type DisputeHandler struct {
	disputes DisputeService
	arbiter  Arbiter
	logger   *slog.Logger
}

// NewDisputeHandler creates a DisputeHandler.
func NewDisputeHandler(disputes DisputeService, arbiter Arbiter, logger *slog.Logger) *DisputeHandler {
	return &DisputeHandler{disputes: disputes, arbiter: arbiter, logger: logHandler(logger, "dispute")}
}

type decisionRequest struct {
	Decision domain.Decision `json:"decision"`
	Note     string          `json:"note"`
}

type disputeResponse struct {
	Dispute domain.Dispute     `json:"dispute"`
	Stake   *domain.StakeEntry `json:"stake,omitempty"`
}

// Submit files a dispute against the market's active resolution.
// POST /api/markets/{id}/disputes
func (h *DisputeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var form domain.DisputeForm
	if err := decodeJSON(r, &form); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	d, err := h.disputes.Submit(r.Context(), principal(r), r.PathValue("id"), form)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListByMarket returns every dispute filed on a market.
// GET /api/markets/{id}/disputes
func (h *DisputeHandler) ListByMarket(w http.ResponseWriter, r *http.Request) {
	list, err := h.disputes.ListByMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []domain.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": list})
}

// Get returns one dispute with its stake entry.
// GET /api/disputes/{id}
func (h *DisputeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.disputes.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := disputeResponse{Dispute: d}
	stake, err := h.disputes.Stake(r.Context(), id)
	switch {
	case err == nil:
		resp.Stake = &stake
	case !errors.Is(err, domain.ErrNotFound):
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Mine returns the caller's own disputes, newest first.
// GET /api/me/disputes
func (h *DisputeHandler) Mine(w http.ResponseWriter, r *http.Request) {
	p, ok := domain.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, h.logger, fmt.Errorf("handler: list own disputes: %w", domain.ErrUnauthorized))
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	list, err := h.disputes.ListBySubmitter(r.Context(), p.ID, opts)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []domain.Dispute{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": list, "limit": opts.Limit, "offset": opts.Offset})
}

// Review marks a pending dispute as reviewed.
// POST /api/disputes/{id}/review
func (h *DisputeHandler) Review(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputes.Review(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Decide accepts or rejects a dispute and settles its bond.
// POST /api/disputes/{id}/decision
func (h *DisputeHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	res, err := h.arbiter.Decide(r.Context(), principal(r), r.PathValue("id"), req.Decision, req.Note)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
