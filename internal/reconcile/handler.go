package reconcile

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stockline/stockline/internal/ledger"
	"github.com/stockline/stockline/internal/platform/httpx"
)

// SweepEnqueuer schedules a sweep on the background worker.
type SweepEnqueuer interface {
	EnqueueReconcileSweep(ctx context.Context, scope Scope) (string, error)
}

// Handler exposes reconciliation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer SweepEnqueuer
}

// NewHandler constructs reconciliation handler. Without an enqueuer sweeps
// run inside the request.
func NewHandler(logger *slog.Logger, service *Service, enqueuer SweepEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{variationID}/{locationID}", h.handleReconcile)
	r.Post("/sweeps", h.handleSweep)
	r.Get("/findings", h.handleFindings)
	r.Post("/findings/{id}/resolve", h.handleResolve)
}

type sweepRequest struct {
	LocationID int64 `json:"location_id" validate:"gte=0"`
}

type resolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=trust_ledger trust_count"`
	Note       string `json:"note" validate:"max=500"`
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	variationID, err := httpx.Int64Param(r, "variationID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return
	}
	locationID, err := httpx.Int64Param(r, "locationID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return
	}
	finding, err := h.service.Reconcile(r.Context(), actor.BusinessID, ledger.Key{VariationID: variationID, LocationID: locationID})
	if err != nil {
		h.fail(w, "reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, finding)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req sweepRequest
	if r.ContentLength != 0 && !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	scope := Scope{BusinessID: actor.BusinessID, LocationID: req.LocationID}
	if h.enqueuer != nil {
		taskID, err := h.enqueuer.EnqueueReconcileSweep(r.Context(), scope)
		if err != nil {
			h.fail(w, "enqueue sweep", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "scope": scope})
		return
	}
	report, err := h.service.Sweep(r.Context(), scope)
	if err != nil {
		h.fail(w, "sweep", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleFindings(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	locationID, err := httpx.Int64Query(r, "location_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	page, err := httpx.Int64Query(r, "page")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	findings, pagination, err := h.service.ListFindings(r.Context(), FindingFilter{
		BusinessID: actor.BusinessID,
		LocationID: locationID,
		State:      State(r.URL.Query().Get("state")),
		Page:       int(page),
	})
	if err != nil {
		h.fail(w, "list findings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"findings": findings, "pagination": pagination})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	id, err := httpx.Int64Param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return
	}
	var req resolveRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	finding, err := h.service.Resolve(r.Context(), ResolveInput{
		BusinessID: actor.BusinessID,
		FindingID:  id,
		Resolution: Resolution(req.Resolution),
		ActorID:    actor.UserID,
		Note:       req.Note,
	})
	if err != nil {
		h.fail(w, "resolve", err)
		return
	}
	httpx.JSON(w, http.StatusOK, finding)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("reconciliation request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}
