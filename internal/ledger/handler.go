package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockline/stockline/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/entries", h.handleAppend)
	r.Post("/entries/batch", h.handleAppendBatch)
	r.Get("/entries", h.handleStockCard)
	r.Post("/corrections", h.handleCorrect)
	r.Get("/balances/{variationID}/{locationID}", h.handleBalance)
}

type entryRequest struct {
	VariationID int64           `json:"variation_id" validate:"required,gt=0"`
	LocationID  int64           `json:"location_id" validate:"required,gt=0"`
	Type        string          `json:"type" validate:"required"`
	QtyChange   decimal.Decimal `json:"quantity_change"`
	RefType     string          `json:"ref_type" validate:"required_with=RefID"`
	RefID       int64           `json:"ref_id" validate:"omitempty,gt=0"`
	OccurredAt  *time.Time      `json:"occurred_at"`
	Note        string          `json:"note" validate:"max=500"`
}

func (req entryRequest) input(businessID, actorID int64, idempotencyKey string) EntryInput {
	in := EntryInput{
		BusinessID:     businessID,
		Key:            Key{VariationID: req.VariationID, LocationID: req.LocationID},
		Type:           TransactionType(req.Type),
		QtyChange:      req.QtyChange,
		Reference:      Reference{Type: req.RefType, ID: req.RefID},
		ActorID:        actorID,
		Note:           req.Note,
		IdempotencyKey: idempotencyKey,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	return in
}

type batchRequest struct {
	Entries []entryRequest `json:"entries" validate:"required,min=1,max=500,dive"`
}

type correctionRequest struct {
	VariationID int64           `json:"variation_id" validate:"required,gt=0"`
	LocationID  int64           `json:"location_id" validate:"required,gt=0"`
	Counted     decimal.Decimal `json:"counted"`
	CountID     int64           `json:"stock_count_id" validate:"required,gt=0"`
	Note        string          `json:"note" validate:"max=500"`
}

type balanceResponse struct {
	VariationID int64           `json:"variation_id"`
	LocationID  int64           `json:"location_id"`
	Qty         decimal.Decimal `json:"qty_available"`
	AsOf        *time.Time      `json:"as_of,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req entryRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	entry, err := h.service.Append(r.Context(), req.input(actor.BusinessID, actor.UserID, r.Header.Get("Idempotency-Key")))
	if err != nil {
		h.fail(w, r, "append entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleAppendBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	inputs := make([]EntryInput, len(req.Entries))
	for i, e := range req.Entries {
		// one key guards the whole batch
		key := ""
		if i == 0 {
			key = r.Header.Get("Idempotency-Key")
		}
		inputs[i] = e.input(actor.BusinessID, actor.UserID, key)
	}
	entries, err := h.service.AppendBatch(r.Context(), inputs)
	if err != nil {
		h.fail(w, r, "append batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"entries": entries})
}

func (h *Handler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	var req correctionRequest
	if !httpx.DecodeAndValidate(w, r, &req) {
		return
	}
	entry, created, err := h.service.Correct(r.Context(), CorrectionInput{
		BusinessID:     actor.BusinessID,
		Key:            Key{VariationID: req.VariationID, LocationID: req.LocationID},
		Target:         req.Counted,
		Reference:      Reference{Type: RefStockCount, ID: req.CountID},
		ActorID:        actor.UserID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.fail(w, r, "correct balance", err)
		return
	}
	if !created {
		httpx.JSON(w, http.StatusOK, map[string]any{"corrected": false})
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"corrected": true, "entry": entry})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	key, ok := keyFromPath(w, r)
	if !ok {
		return
	}
	asOf, err := httpx.TimeQuery(r, "as_of")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	if !asOf.IsZero() {
		qty, err := h.service.ReconstructBalance(r.Context(), actor.BusinessID, key, asOf)
		if err != nil {
			h.fail(w, r, "reconstruct balance", err)
			return
		}
		httpx.JSON(w, http.StatusOK, balanceResponse{VariationID: key.VariationID, LocationID: key.LocationID, Qty: qty, AsOf: &asOf})
		return
	}
	bal, err := h.service.Balance(r.Context(), actor.BusinessID, key)
	if err != nil {
		h.fail(w, r, "get balance", err)
		return
	}
	resp := balanceResponse{VariationID: key.VariationID, LocationID: key.LocationID, Qty: bal.Qty}
	if !bal.UpdatedAt.IsZero() {
		resp.UpdatedAt = &bal.UpdatedAt
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	actor, ok := httpx.RequireBusiness(w, r)
	if !ok {
		return
	}
	variationID, err := httpx.Int64Query(r, "variation_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	locationID, err := httpx.Int64Query(r, "location_id")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	from, err := httpx.TimeQuery(r, "from")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	to, err := httpx.TimeQuery(r, "to")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", err.Error())
		return
	}
	limit, err := httpx.Int64Query(r, "limit")
	if err != nil || limit < 0 || limit > 1000 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Query", "limit must be between 0 and 1000")
		return
	}
	lines, err := h.service.StockCard(r.Context(), EntryFilter{
		BusinessID: actor.BusinessID,
		Key:        Key{VariationID: variationID, LocationID: locationID},
		From:       from,
		To:         to,
		Limit:      int(limit),
	})
	if err != nil {
		h.fail(w, r, "stock card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Warn("ledger request failed", slog.String("op", op), slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func keyFromPath(w http.ResponseWriter, r *http.Request) (Key, bool) {
	variationID, err := httpx.Int64Param(r, "variationID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return Key{}, false
	}
	locationID, err := httpx.Int64Param(r, "locationID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Path", err.Error())
		return Key{}, false
	}
	return Key{VariationID: variationID, LocationID: locationID}, true
}
