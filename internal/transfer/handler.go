package transfer

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/platform/httpx"
)

// Handler exposes transfer endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs transfer handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleDelete)
		r.Put("/items", h.handleUpdateItems)
		r.Post("/items/{itemID}/verify", h.handleVerifyItem)
		r.Post("/send", h.action(h.service.Send))
		r.Post("/dispatch", h.action(h.service.Dispatch))
		r.Post("/arrive", h.action(h.service.MarkArrived))
		r.Post("/verify", h.action(h.service.Verify))
		r.Post("/complete", h.action(h.service.Complete))
		r.Post("/cancel", h.action(h.service.Cancel))
	})
}

type itemRequest struct {
	VariationID   int64           `json:"variation_id" validate:"required,gt=0"`
	Quantity      decimal.Decimal `json:"quantity"`
	SerialNumbers []string        `json:"serial_numbers" validate:"omitempty,max=1000,dive,max=64"`
}

type createRequest struct {
	FromLocationID int64         `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64         `json:"to_location_id" validate:"required,gt=0,nefield=FromLocationID"`
	Note           string        `json:"note" validate:"max=500"`
	Items          []itemRequest `json:"items" validate:"required,min=1,max=500,dive"`
}

type itemsRequest struct {
	Items []itemRequest `json:"items" validate:"required,min=1,max=500,dive"`
}

type actionRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type verifyItemRequest struct {
	Received      decimal.Decimal `json:"quantity_received"`
	SerialNumbers []string        `json:"serial_numbers" validate:"omitempty,max=1000,dive,max=64"`
}

func toItemInputs(items []itemRequest) []ItemInput {
	out := make([]ItemInput, len(items))
	for i, it := range items {
		out[i] = ItemInput{VariationID: it.VariationID, Quantity: it.Quantity, SerialNumbers: it.SerialNumbers}
	}
	return out
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.service.Create(r.Context(), CreateInput{
		BusinessID:     actor.BusinessID,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		ActorID:        actor.UserID,
		Note:           req.Note,
		Items:          toItemInputs(req.Items),
	})
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
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
	perPage, err := httpx.Int64Query(r, "per_page")
	if err != nil || perPage > 100 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "per_page must be at most 100")
		return
	}
	transfers, pagination, err := h.service.List(r.Context(), ListFilter{
		BusinessID: actor.BusinessID,
		LocationID: locationID,
		Status:     Status(r.URL.Query().Get("status")),
		Page:       int(page),
		PerPage:    int(perPage),
	})
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": transfers, "pagination": pagination})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	in, ok := actionInput(w, r)
	if !ok {
		return
	}
	t, err := h.service.Get(r.Context(), in.BusinessID, in.TransferID)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	in, ok := actionInput(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), in); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateItems(w http.ResponseWriter, r *http.Request) {
	in, ok := actionInput(w, r)
	if !ok {
		return
	}
	var req itemsRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.service.UpdateItems(r.Context(), in, toItemInputs(req.Items))
	if err != nil {
		h.fail(w, "update items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) handleVerifyItem(w http.ResponseWriter, r *http.Request) {
	in, ok := actionInput(w, r)
	if !ok {
		return
	}
	itemID, err := httpx.Int64Param(r, "itemID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return
	}
	var req verifyItemRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	t, err := h.service.VerifyItem(r.Context(), VerifyItemInput{
		BusinessID:    in.BusinessID,
		TransferID:    in.TransferID,
		ItemID:        itemID,
		ActorID:       in.ActorID,
		Received:      req.Received,
		SerialNumbers: req.SerialNumbers,
	})
	if err != nil {
		h.fail(w, "verify item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) action(fn func(context.Context, ActionInput) (Transfer, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, ok := actionInput(w, r)
		if !ok {
			return
		}
		var req actionRequest
		if r.ContentLength != 0 && !httpx.DecodeAndValidate(w, r, &req) {
			return
		}
		in.Note = req.Note
		t, err := fn(r.Context(), in)
		if err != nil {
			h.fail(w, "transition", err)
			return
		}
		httpx.JSON(w, http.StatusOK, t)
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("transfer request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func actionInput(w http.ResponseWriter, r *http.Request) (ActionInput, bool) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return ActionInput{}, false
	}
	id, err := httpx.Int64Param(r, "id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return ActionInput{}, false
	}
	return ActionInput{BusinessID: actor.BusinessID, TransferID: id, ActorID: actor.UserID}, true
}
