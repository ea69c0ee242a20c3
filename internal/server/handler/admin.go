package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// SweepRunner settles every market whose dispute window has elapsed.
type SweepRunner interface {
	Sweep(ctx context.Context) (int, error)
}

// AdminHandler serves operator-only maintenance endpoints.
type AdminHandler struct {
	sweeper SweepRunner
	authz   domain.Authorizer
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(sweeper SweepRunner, authz domain.Authorizer, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{sweeper: sweeper, authz: authz, logger: logHandler(logger, "admin")}
}

// Sweep runs one settlement pass immediately.
// POST /api/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := h.authz.Authorize(r.Context(), p, domain.ActionRunSweep); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual sweep", slog.String("by", p.ID), slog.Int("settled", n))
	writeJSON(w, http.StatusOK, map[string]int{"settled": n})
}
