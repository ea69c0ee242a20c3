package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/service"
)

// BondService quotes bonds and manages the bond policy.
type BondService interface {
	Quote(ctx context.Context, account string, t domain.DisputeType) (service.BondQuote, error)
	Policy() domain.BondPolicy
	SetPolicy(ctx context.Context, p domain.BondPolicy) (domain.BondPolicy, error)
	History(ctx context.Context) ([]domain.BondPolicy, error)
}

// BondHandler serves bond quotes and the admin policy endpoints.
type BondHandler struct {
	bonds  BondService
	authz  domain.Authorizer
	logger *slog.Logger
}

// NewBondHandler creates a BondHandler.
func NewBondHandler(bonds BondService, authz domain.Authorizer, logger *slog.Logger) *BondHandler {
	return &BondHandler{bonds: bonds, authz: authz, logger: logHandler(logger, "bond")}
}

// Quote returns the bond the caller would post for a dispute type, or for
// every type when none is given.
// GET /api/bond/quote?type=evidence
func (h *BondHandler) Quote(w http.ResponseWriter, r *http.Request) {
	p, ok := domain.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, h.logger, fmt.Errorf("handler: bond quote: %w", domain.ErrUnauthorized))
		return
	}

	types := domain.DisputeTypes
	if t := r.URL.Query().Get("type"); t != "" {
		types = []domain.DisputeType{domain.DisputeType(t)}
	}
	quotes := make([]service.BondQuote, 0, len(types))
	for _, t := range types {
		q, err := h.bonds.Quote(r.Context(), p.ID, t)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 1 {
		writeJSON(w, http.StatusOK, quotes[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

// GetPolicy returns the active policy and its predecessors.
// GET /api/admin/bond-policy
func (h *BondHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.authz.Authorize(r.Context(), principal(r), domain.ActionManagePolicy); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	history, err := h.bonds.History(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if history == nil {
		history = []domain.BondPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": h.bonds.Policy(), "history": history})
}

// PutPolicy replaces the bond policy. Disputes already filed keep the bond
// and policy version recorded at submission.
// PUT /api/admin/bond-policy
func (h *BondHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.authz.Authorize(r.Context(), principal(r), domain.ActionManagePolicy); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	var policy domain.BondPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	saved, err := h.bonds.SetPolicy(r.Context(), policy)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
