package stockledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tradewind-erp/tradewind-erp/internal/platform/httpx"
)

// Handler exposes balances, movement history and manual adjustments.
type Handler struct {
	logger   *slog.Logger
	ledger   *Ledger
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger, validate: validator.New()}
}

// Routes mounts the stock endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/items/{id}/balance", h.Balance)
	r.Get("/movements", h.Movements)
	r.Post("/adjustments", h.Adjust)
}

// Balance serves the clamped as-of balance. An absent as_of means "now" and
// may be served from cache; raw=true skips the clamp for integrity checks.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || itemID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid item id")
		return
	}
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		if asOf, err = time.Parse(time.RFC3339, raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
			return
		}
	}

	var balance float64
	if r.URL.Query().Get("raw") == "true" {
		balance, err = h.ledger.RawBalanceAsOf(r.Context(), itemID, asOf)
	} else {
		balance, err = h.ledger.BalanceAsOf(r.Context(), itemID, asOf)
	}
	if err != nil {
		h.logger.Error("balance query failed", "item_id", itemID, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"item_id": itemID, "balance": balance})
}

// Movements lists the movements recorded against a document.
func (h *Handler) Movements(w http.ResponseWriter, r *http.Request) {
	refType := ReferenceType(r.URL.Query().Get("reference_type"))
	refID, _ := strconv.ParseInt(r.URL.Query().Get("reference_id"), 10, 64)
	movements, err := h.ledger.FindByReference(r.Context(), refType, refID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(movements))
	for _, m := range movements {
		out = append(out, toMovementResponse(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

type adjustRequest struct {
	ItemID       int64   `json:"item_id" validate:"required,gt=0"`
	Quantity     float64 `json:"quantity" validate:"required"`
	MovementDate *string `json:"movement_date,omitempty"`
	BatchNumber  string  `json:"batch_number,omitempty"`
	Reason       string  `json:"reason" validate:"required"`
}

// Adjust appends a manual adjustment movement. The quantity is signed; stock
// never gets edited in place.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := AppendInput{
		ItemID:        req.ItemID,
		Type:          MovementAdjustment,
		Quantity:      req.Quantity,
		ReferenceType: RefAdjustment,
		ReferenceID:   time.Now().UnixNano(),
		Batch:         Batch{Number: req.BatchNumber},
		CreatedBy:     actorID(r),
	}
	if req.MovementDate != nil {
		t, err := time.Parse(time.RFC3339, *req.MovementDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "movement_date must be RFC3339")
			return
		}
		input.MovementDate = t
	}

	movement, err := h.ledger.Append(r.Context(), input)
	if err != nil {
		h.logger.Error("stock adjustment failed", "item_id", req.ItemID, "error", err)
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("stock adjusted", "item_id", req.ItemID, "quantity", req.Quantity, "reason", req.Reason)
	httpx.JSON(w, http.StatusCreated, toMovementResponse(movement))
}

type movementResponse struct {
	ID            int64      `json:"id"`
	ItemID        int64      `json:"item_id"`
	Type          string     `json:"type"`
	Quantity      float64    `json:"quantity"`
	ReferenceType string     `json:"reference_type"`
	ReferenceID   int64      `json:"reference_id"`
	BatchNumber   string     `json:"batch_number,omitempty"`
	MovementDate  time.Time  `json:"movement_date"`
	ExpiresAt     *time.Time `json:"batch_expires_at,omitempty"`
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		ID:            m.ID,
		ItemID:        m.ItemID,
		Type:          string(m.Type),
		Quantity:      m.Quantity,
		ReferenceType: string(m.ReferenceType),
		ReferenceID:   m.ReferenceID,
		BatchNumber:   m.Batch.Number,
		MovementDate:  m.MovementDate,
		ExpiresAt:     m.Batch.ExpiresAt,
	}
}

func actorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	return id
}
