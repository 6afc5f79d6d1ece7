package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos/internal/platform/httpx"
	"github.com/pharmapos/pharmapos/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/batches", h.handleListAvailable)
	r.Get("/batches/{batchID}", h.handleGetBatch)
	r.Post("/batches", h.handleCreateBatch)
	r.Post("/batches/{batchID}/deactivate", h.handleDeactivateBatch)
	r.Get("/batches/{batchID}/verify", h.handleVerifyBalance)
	r.Get("/stock-card", h.handleStockCard)
	r.Get("/expiring", h.handleExpiring)
	r.Get("/low-stock", h.handleLowStock)
	r.Post("/adjustments", h.handleAdjustment)
}

type createBatchRequest struct {
	DrugID            int64  `json:"drug_id" validate:"required,gt=0"`
	BatchNumber       string `json:"batch_number" validate:"required,max=100"`
	ManufacturingDate string `json:"manufacturing_date" validate:"required"`
	ExpiryDate        string `json:"expiry_date" validate:"required"`
	PurchasePrice     string `json:"purchase_price" validate:"required"`
	SellingPrice      string `json:"selling_price" validate:"required"`
	VATApplicable     bool   `json:"vat_applicable"`
	Quantity          int64  `json:"quantity" validate:"required,gt=0"`
	MinimumStockLevel int64  `json:"minimum_stock_level" validate:"gte=0"`
	ReorderPoint      int64  `json:"reorder_point" validate:"gte=0"`
	Reason            string `json:"reason" validate:"max=500"`
}

type adjustmentRequest struct {
	BatchID  int64  `json:"batch_id" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required"`
	Reason   string `json:"reason" validate:"required,max=500"`
}

type batchResponse struct {
	ID                int64      `json:"id"`
	DrugID            int64      `json:"drug_id"`
	BranchID          int64      `json:"branch_id"`
	BatchNumber       string     `json:"batch_number"`
	ManufacturingDate string     `json:"manufacturing_date"`
	ExpiryDate        string     `json:"expiry_date"`
	PurchasePrice     string     `json:"purchase_price"`
	SellingPrice      string     `json:"selling_price"`
	VATApplicable     bool       `json:"vat_applicable"`
	QuantityAvailable int64      `json:"quantity_available"`
	MinimumStockLevel int64      `json:"minimum_stock_level"`
	ReorderPoint      int64      `json:"reorder_point"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

type ledgerEntryResponse struct {
	ID            int64     `json:"id"`
	BatchID       int64     `json:"batch_id"`
	UserID        int64     `json:"user_id,omitempty"`
	MovementType  string    `json:"movement_type"`
	Quantity      int64     `json:"quantity"`
	UnitCost      string    `json:"unit_cost"`
	ReferenceType string    `json:"reference_type,omitempty"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	MovementDate  time.Time `json:"movement_date"`
}

func toBatchResponse(b Batch) batchResponse {
	return batchResponse{
		ID:                b.ID,
		DrugID:            b.DrugID,
		BranchID:          b.BranchID,
		BatchNumber:       b.BatchNumber,
		ManufacturingDate: b.ManufacturingDate.Format("2006-01-02"),
		ExpiryDate:        b.ExpiryDate.Format("2006-01-02"),
		PurchasePrice:     b.PurchasePrice.StringFixed(2),
		SellingPrice:      b.SellingPrice.StringFixed(2),
		VATApplicable:     b.VATApplicable,
		QuantityAvailable: b.QuantityAvailable,
		MinimumStockLevel: b.MinimumStockLevel,
		ReorderPoint:      b.ReorderPoint,
		CreatedAt:         b.CreatedAt,
		DeletedAt:         b.DeletedAt,
	}
}

func toBatchResponses(batches []Batch) []batchResponse {
	out := make([]batchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, toBatchResponse(b))
	}
	return out
}

func toLedgerResponses(entries []LedgerEntry) []ledgerEntryResponse {
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			ID:            e.ID,
			BatchID:       e.BatchID,
			UserID:        e.UserID,
			MovementType:  string(e.MovementType),
			Quantity:      e.Quantity,
			UnitCost:      e.UnitCost.StringFixed(2),
			ReferenceType: string(e.ReferenceType),
			ReferenceID:   e.ReferenceID,
			Reason:        e.Reason,
			MovementDate:  e.MovementDate,
		})
	}
	return out
}

func (h *Handler) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	drugID, err := strconv.ParseInt(r.URL.Query().Get("drug_id"), 10, 64)
	if err != nil || drugID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: drug_id required", httpx.ErrValidation))
		return
	}
	batches, err := h.service.FindAvailable(r.Context(), drugID, actor.BranchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": toBatchResponses(batches)})
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || batchID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid batch id", httpx.ErrValidation))
		return
	}
	batch, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(batch))
}

func (h *Handler) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input, err := h.buildCreateBatchInput(req, actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, entry, err := h.service.CreateBatch(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"batch":    toBatchResponse(batch),
		"movement": toLedgerResponses([]LedgerEntry{entry})[0],
	})
}

func (h *Handler) buildCreateBatchInput(req createBatchRequest, actor shared.Actor) (CreateBatchInput, error) {
	mfg, err := time.Parse("2006-01-02", req.ManufacturingDate)
	if err != nil {
		return CreateBatchInput{}, fmt.Errorf("%w: invalid manufacturing_date", httpx.ErrValidation)
	}
	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		return CreateBatchInput{}, fmt.Errorf("%w: invalid expiry_date", httpx.ErrValidation)
	}
	purchase, err := parsePrice(req.PurchasePrice)
	if err != nil {
		return CreateBatchInput{}, fmt.Errorf("%w: invalid purchase_price", httpx.ErrValidation)
	}
	selling, err := parsePrice(req.SellingPrice)
	if err != nil {
		return CreateBatchInput{}, fmt.Errorf("%w: invalid selling_price", httpx.ErrValidation)
	}
	return CreateBatchInput{
		DrugID:            req.DrugID,
		BranchID:          actor.BranchID,
		BatchNumber:       req.BatchNumber,
		ManufacturingDate: mfg,
		ExpiryDate:        expiry,
		PurchasePrice:     purchase,
		SellingPrice:      selling,
		VATApplicable:     req.VATApplicable,
		Quantity:          req.Quantity,
		MinimumStockLevel: req.MinimumStockLevel,
		ReorderPoint:      req.ReorderPoint,
		UserID:            actor.UserID,
		ReferenceType:     ReferenceAdjustment,
		Reason:            req.Reason,
	}, nil
}

func (h *Handler) handleDeactivateBatch(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || batchID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid batch id", httpx.ErrValidation))
		return
	}
	if err := h.service.DeactivateBatch(r.Context(), batchID, actor.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func (h *Handler) handleVerifyBalance(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || batchID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid batch id", httpx.ErrValidation))
		return
	}
	consistent, err := h.service.VerifyBalance(r.Context(), batchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "consistent": consistent})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	q := r.URL.Query()
	filter := StockCardFilter{BranchID: actor.BranchID}
	if v := q.Get("drug_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid drug_id", httpx.ErrValidation))
			return
		}
		filter.DrugID = id
	}
	if v := q.Get("batch_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid batch_id", httpx.ErrValidation))
			return
		}
		filter.BatchID = id
	}
	if v := q.Get("from"); v != "" {
		from, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid from date", httpx.ErrValidation))
			return
		}
		filter.From = from
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid to date", httpx.ErrValidation))
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": toLedgerResponses(entries)})
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid days", httpx.ErrValidation))
			return
		}
		days = parsed
	}
	batches, err := h.service.FindExpiring(r.Context(), actor.BranchID, days)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": toBatchResponses(batches)})
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	batches, err := h.service.FindLowStock(r.Context(), actor.BranchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"batches": toBatchResponses(batches)})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := MovementInput{
		BatchID:       req.BatchID,
		UserID:        actor.UserID,
		MovementType:  MovementAdjustment,
		ReferenceType: ReferenceAdjustment,
		Reason:        req.Reason,
	}
	var entry LedgerEntry
	var err error
	if req.Quantity < 0 {
		input.Quantity = -req.Quantity
		entry, err = h.service.Allocate(r.Context(), input)
	} else {
		input.Quantity = req.Quantity
		entry, err = h.service.Release(r.Context(), input)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLedgerResponses([]LedgerEntry{entry})[0])
}

// respondError translates stock errors into the HTTP sentinels.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: batch", httpx.ErrNotFound))
	case errors.Is(err, ErrDuplicateBatch):
		httpx.RespondError(w, fmt.Errorf("%w: batch number already exists", httpx.ErrDuplicate))
	case errors.Is(err, ErrInsufficientStock):
		httpx.RespondError(w, fmt.Errorf("%w: insufficient stock", httpx.ErrConflict))
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: please retry", httpx.ErrConflict))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: movement already recorded", httpx.ErrConflict))
	case errors.Is(err, ErrInvalidBatchState), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidDates):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func parsePrice(s string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if value.IsNegative() {
		return decimal.Decimal{}, errors.New("negative price")
	}
	return value, nil
}
