package audit

import (
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/stockline/stockline/internal/platform/httpx"
	"github.com/stockline/stockline/internal/shared"
)

const (
	exportRateLimit  = 10
	exportRateWindow = time.Minute
)

// Handler exposes the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes; exports are rate limited per business.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleTimeline)
	r.Group(func(gr chi.Router) {
		gr.Use(httprate.Limit(exportRateLimit, exportRateWindow, httprate.WithKeyFuncs(businessKey)))
		gr.Get("/export.csv", h.handleExport)
	})
}

func businessKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor.BusinessID > 0 {
		return "business:" + strconv.FormatInt(actor.BusinessID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseFilters(w, r)
	if !ok {
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Warn("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, ok := parseFilters(w, r)
	if !ok {
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Warn("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	out := csv.NewWriter(w)
	_ = out.Write([]string{"id", "at", "actor_id", "action", "entity", "entity_id", "meta"})
	for _, row := range rows {
		meta, _ := json.Marshal(row.Meta)
		_ = out.Write([]string{
			strconv.FormatInt(row.ID, 10),
			row.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.ActorID, 10),
			row.Action,
			row.Entity,
			row.EntityID,
			string(meta),
		})
	}
	out.Flush()
	if err := out.Error(); err != nil {
		h.logger.Warn("audit export write", slog.Any("error", err))
	}
}

func parseFilters(w http.ResponseWriter, r *http.Request) (TimelineFilters, bool) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return TimelineFilters{}, false
	}
	q := r.URL.Query()
	filters := TimelineFilters{
		BusinessID: actor.BusinessID,
		Entity:     q.Get("entity"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
	}
	var err error
	if filters.From, err = httpx.TimeQuery(r, "from"); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return TimelineFilters{}, false
	}
	if filters.To, err = httpx.TimeQuery(r, "to"); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return TimelineFilters{}, false
	}
	if filters.ActorID, err = httpx.Int64Query(r, "actor_id"); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return TimelineFilters{}, false
	}
	page, err := httpx.Int64Query(r, "page")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return TimelineFilters{}, false
	}
	size, err := httpx.Int64Query(r, "page_size")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return TimelineFilters{}, false
	}
	filters.Page, filters.PageSize = int(page), int(size)
	return filters, true
}
