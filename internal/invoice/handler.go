package invoice

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tradewind-erp/tradewind-erp/internal/platform/httpx"
	"github.com/tradewind-erp/tradewind-erp/internal/stockledger"
)

// Handler exposes the invoice lifecycle over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
	}
}

// Routes mounts the invoice endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Show)
	r.Patch("/{id}", h.Update)
	r.Post("/{id}/confirm", h.Confirm)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/payments", h.Pay)
	r.Get("/{id}/ledger", h.Ledger)
}

type lineRequest struct {
	ItemID            int64    `json:"item_id" validate:"required,gt=0"`
	Quantity          float64  `json:"quantity" validate:"required,gt=0"`
	UnitPrice         float64  `json:"unit_price" validate:"gte=0"`
	Discount1Percent  float64  `json:"discount1_percent" validate:"gte=0,lte=100"`
	Discount1Amount   *float64 `json:"discount1_amount,omitempty" validate:"omitempty,gte=0"`
	Discount2Percent  float64  `json:"discount2_percent" validate:"gte=0,lte=100"`
	Discount2Amount   *float64 `json:"discount2_amount,omitempty" validate:"omitempty,gte=0"`
	GSTRate           float64  `json:"gst_rate" validate:"gte=0"`
	AdvanceTaxPercent float64  `json:"advance_tax_percent" validate:"gte=0"`
	Scheme1Quantity   float64  `json:"scheme1_quantity" validate:"gte=0"`
	Scheme2Quantity   float64  `json:"scheme2_quantity" validate:"gte=0"`
	BatchNumber       string   `json:"batch_number,omitempty"`
	BatchManufactured *string  `json:"batch_manufactured_at,omitempty"`
	BatchExpires      *string  `json:"batch_expires_at,omitempty"`
}

type createRequest struct {
	Number         string        `json:"number"`
	Type           string        `json:"type" validate:"required,oneof=sales purchase return_sales return_purchase"`
	CounterpartyID int64         `json:"counterparty_id" validate:"required,gt=0"`
	InvoiceDate    *string       `json:"invoice_date,omitempty"`
	DueDate        *string       `json:"due_date,omitempty"`
	ClaimAccountID *int64        `json:"claim_account_id,omitempty"`
	Dimension      string        `json:"dimension,omitempty"`
	Lines          []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	lines, err := toLineItems(req.Lines)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateInput{
		Number:         req.Number,
		Type:           Type(req.Type),
		CounterpartyID: req.CounterpartyID,
		ClaimAccountID: req.ClaimAccountID,
		Dimension:      req.Dimension,
		CreatedBy:      userID(r),
		Lines:          lines,
	}
	if req.InvoiceDate != nil {
		if input.InvoiceDate, err = parseDate(*req.InvoiceDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice_date")
			return
		}
	}
	if req.DueDate != nil {
		if input.DueDate, err = parseDate(*req.DueDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_date")
			return
		}
	}

	inv, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.logger.Error("create invoice failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(inv))
}

func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListRequest{
		Type:   Type(q.Get("type")),
		Status: Status(q.Get("status")),
	}
	if raw := q.Get("counterparty_id"); raw != "" {
		req.CounterpartyID, _ = strconv.ParseInt(raw, 10, 64)
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))

	invoices, err := h.service.List(r.Context(), req)
	if err != nil {
		h.logger.Error("list invoices failed", "error", err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		out = append(out, toResponse(&invoices[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

type updateRequest struct {
	InvoiceDate    *string        `json:"invoice_date,omitempty"`
	DueDate        *string        `json:"due_date,omitempty"`
	ClaimAccountID *int64         `json:"claim_account_id,omitempty"`
	Dimension      *string        `json:"dimension,omitempty"`
	Lines          *[]lineRequest `json:"lines,omitempty" validate:"omitempty,min=1,dive"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var input UpdateInput
	var err error
	if req.InvoiceDate != nil {
		var t time.Time
		if t, err = parseDate(*req.InvoiceDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice_date")
			return
		}
		input.InvoiceDate = &t
	}
	if req.DueDate != nil {
		var t time.Time
		if t, err = parseDate(*req.DueDate); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid due_date")
			return
		}
		input.DueDate = &t
	}
	input.ClaimAccountID = req.ClaimAccountID
	input.Dimension = req.Dimension
	if req.Lines != nil {
		lines, err := toLineItems(*req.Lines)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		input.Lines = &lines
	}

	inv, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		h.logger.Error("update invoice failed", "invoice_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv))
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Confirm(r.Context(), id, userID(r))
	if err != nil {
		h.logger.Error("confirm invoice failed", "invoice_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("invoice confirmed", "invoice_id", id, "number", inv.Number)
	httpx.JSON(w, http.StatusOK, toResponse(inv))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "reason is required")
		return
	}
	inv, err := h.service.Cancel(r.Context(), id, userID(r), req.Reason)
	if err != nil {
		h.logger.Error("cancel invoice failed", "invoice_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("invoice cancelled", "invoice_id", id, "number", inv.Number)
	httpx.JSON(w, http.StatusOK, toResponse(inv))
}

type paymentRequest struct {
	Amount    float64 `json:"amount" validate:"gte=0"`
	Full      bool    `json:"full"`
	Method    string  `json:"method,omitempty"`
	Reference string  `json:"reference,omitempty"`
}

func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := PaymentInput{
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		CreatedBy: userID(r),
	}
	var (
		inv *Invoice
		err error
	)
	if req.Full {
		inv, err = h.service.MarkPaid(r.Context(), id, input)
	} else {
		inv, err = h.service.MarkPartiallyPaid(r.Context(), id, input)
	}
	if err != nil {
		h.logger.Error("invoice payment failed", "invoice_id", id, "error", err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(inv))
}

func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	entries, err := h.service.LedgerEntries(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			ID:          e.ID,
			PairID:      e.PairID.String(),
			PartyType:   e.Party.Type,
			PartyID:     e.Party.ID,
			Side:        string(e.Side),
			Amount:      e.Amount,
			Description: e.Description,
			PostedAt:    e.PostedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

type ledgerEntryResponse struct {
	ID          int64     `json:"id"`
	PairID      string    `json:"pair_id"`
	PartyType   string    `json:"party_type"`
	PartyID     int64     `json:"party_id,omitempty"`
	Side        string    `json:"side"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "invalid invoice id")
		return 0, false
	}
	return id, true
}

func toLineItems(reqs []lineRequest) ([]LineItem, error) {
	lines := make([]LineItem, 0, len(reqs))
	for _, lr := range reqs {
		line := LineItem{
			ItemID:            lr.ItemID,
			Quantity:          lr.Quantity,
			UnitPrice:         lr.UnitPrice,
			Discount1Percent:  lr.Discount1Percent,
			Discount1Amount:   lr.Discount1Amount,
			Discount2Percent:  lr.Discount2Percent,
			Discount2Amount:   lr.Discount2Amount,
			GSTRate:           lr.GSTRate,
			AdvanceTaxPercent: lr.AdvanceTaxPercent,
			Scheme1Quantity:   lr.Scheme1Quantity,
			Scheme2Quantity:   lr.Scheme2Quantity,
			Batch:             stockledger.Batch{Number: lr.BatchNumber},
		}
		if lr.BatchManufactured != nil {
			t, err := parseDate(*lr.BatchManufactured)
			if err != nil {
				return nil, err
			}
			line.Batch.ManufacturedAt = &t
		}
		if lr.BatchExpires != nil {
			t, err := parseDate(*lr.BatchExpires)
			if err != nil {
				return nil, err
			}
			line.Batch.ExpiresAt = &t
		}
		lines = append(lines, line)
	}
	return lines, nil
}

type lineResponse struct {
	ID               int64   `json:"id"`
	ItemID           int64   `json:"item_id"`
	Quantity         float64 `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	LineTotal        float64 `json:"line_total"`
	Discount1        float64 `json:"discount1"`
	Discount2        float64 `json:"discount2"`
	TaxableAmount    float64 `json:"taxable_amount"`
	GSTAmount        float64 `json:"gst_amount"`
	AdvanceTaxAmount float64 `json:"advance_tax_amount"`
	BatchNumber      string  `json:"batch_number,omitempty"`
}

type invoiceResponse struct {
	ID               int64          `json:"id"`
	Number           string         `json:"number"`
	Type             string         `json:"type"`
	Status           string         `json:"status"`
	PaymentStatus    string         `json:"payment_status"`
	CounterpartyID   int64          `json:"counterparty_id"`
	Subtotal         float64        `json:"subtotal"`
	TotalDiscount1   float64        `json:"total_discount1"`
	TotalDiscount2   float64        `json:"total_discount2"`
	TotalTax         float64        `json:"total_tax"`
	GST18Total       float64        `json:"gst18_total"`
	GST4Total        float64        `json:"gst4_total"`
	AdvanceTaxTotal  float64        `json:"advance_tax_total"`
	NonFilerGSTTotal float64        `json:"non_filer_gst_total"`
	IncomeTaxTotal   float64        `json:"income_tax_total"`
	GrandTotal       float64        `json:"grand_total"`
	PaidAmount       float64        `json:"paid_amount"`
	InvoiceDate      time.Time      `json:"invoice_date"`
	DueDate          time.Time      `json:"due_date"`
	Dimension        string         `json:"dimension,omitempty"`
	CancelReason     *string        `json:"cancel_reason,omitempty"`
	Lines            []lineResponse `json:"lines,omitempty"`
}

func toResponse(inv *Invoice) invoiceResponse {
	resp := invoiceResponse{
		ID:               inv.ID,
		Number:           inv.Number,
		Type:             string(inv.Type),
		Status:           string(inv.Status),
		PaymentStatus:    string(inv.PaymentStatus),
		CounterpartyID:   inv.CounterpartyID,
		Subtotal:         inv.Totals.Subtotal,
		TotalDiscount1:   inv.Totals.TotalDiscount1,
		TotalDiscount2:   inv.Totals.TotalDiscount2,
		TotalTax:         inv.Totals.TotalTax,
		GST18Total:       inv.Totals.GST18Total,
		GST4Total:        inv.Totals.GST4Total,
		AdvanceTaxTotal:  inv.Totals.AdvanceTaxTotal,
		NonFilerGSTTotal: inv.Totals.NonFilerGSTTotal,
		IncomeTaxTotal:   inv.Totals.IncomeTaxTotal,
		GrandTotal:       inv.Totals.GrandTotal,
		PaidAmount:       inv.Totals.PaidAmount,
		InvoiceDate:      inv.InvoiceDate,
		DueDate:          inv.DueDate,
		Dimension:        inv.Dimension,
		CancelReason:     inv.CancelReason,
	}
	for _, line := range inv.Items {
		resp.Lines = append(resp.Lines, lineResponse{
			ID:               line.ID,
			ItemID:           line.ItemID,
			Quantity:         line.Quantity,
			UnitPrice:        line.UnitPrice,
			LineTotal:        line.LineTotal,
			Discount1:        line.Discount1,
			Discount2:        line.Discount2,
			TaxableAmount:    line.TaxableAmount,
			GSTAmount:        line.GSTAmount,
			AdvanceTaxAmount: line.AdvanceTaxAmount,
			BatchNumber:      line.Batch.Number,
		})
	}
	return resp
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// userID pulls the acting user from the request header. Authentication proper
// sits in front of this service.
func userID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
	return id
}
