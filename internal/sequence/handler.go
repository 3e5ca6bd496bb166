package sequence

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockline/stockline/internal/platform/httpx"
)

// Handler exposes counter endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs sequence handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/next", h.handleNext)
	r.Post("/reset", h.handleReset)
	r.Get("/current", h.handleCurrent)
}

type keyRequest struct {
	LocationID int64  `json:"location_id" validate:"required,gt=0"`
	Series     string `json:"series" validate:"omitempty,max=32,alphanum"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
	Prefix     string `json:"prefix" validate:"omitempty,max=8,alphanum"`
}

type resetRequest struct {
	keyRequest
	Value int64 `json:"value" validate:"gte=0"`
}

type sequenceResponse struct {
	Key    Key    `json:"key"`
	Value  int64  `json:"value"`
	Number string `json:"number,omitempty"`
}

func (req keyRequest) key(businessID int64) Key {
	date, _ := time.Parse("2006-01-02", req.Date)
	return Key{BusinessID: businessID, LocationID: req.LocationID, Series: req.Series, Date: date}
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	key := req.key(actor.BusinessID)
	value, err := h.service.Next(r.Context(), key)
	if err != nil {
		h.fail(w, "next", err)
		return
	}
	key, _ = key.Normalize()
	resp := sequenceResponse{Key: key, Value: value}
	if req.Prefix != "" {
		resp.Number = Format(strings.ToUpper(req.Prefix), key, value)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	key := req.key(actor.BusinessID)
	if err := h.service.Reset(r.Context(), key, req.Value, actor.UserID); err != nil {
		h.fail(w, "reset", err)
		return
	}
	key, _ = key.Normalize()
	httpx.JSON(w, http.StatusOK, sequenceResponse{Key: key, Value: req.Value})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	locationID, err := httpx.Int64Query(r, "location_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "date must be YYYY-MM-DD")
		return
	}
	key := Key{BusinessID: actor.BusinessID, LocationID: locationID, Series: r.URL.Query().Get("series"), Date: date}
	value, err := h.service.Current(r.Context(), key)
	if err != nil {
		h.fail(w, "current", err)
		return
	}
	key, _ = key.Normalize()
	httpx.JSON(w, http.StatusOK, sequenceResponse{Key: key, Value: value})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("sequence request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}
