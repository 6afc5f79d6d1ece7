package sales

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

	"github.com/pharmapos/pharmapos/internal/catalog"
	"github.com/pharmapos/pharmapos/internal/platform/httpx"
	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// Handler wires HTTP endpoints for the sales module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs sales handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreateSale)
	r.Get("/", h.handleListSales)
	r.Get("/lookup", h.handleLookupForReturn)
	r.Get("/{saleID}", h.handleGetSale)
	r.Get("/{saleID}/returns", h.handleGetReturns)
	r.Post("/{saleID}/returns", h.handleProcessReturn)
}

type saleLineRequest struct {
	DrugID   int64 `json:"drug_id" validate:"required,gt=0"`
	BatchID  int64 `json:"batch_id" validate:"gte=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type paymentRequest struct {
	Method    string `json:"method" validate:"required,oneof=cash card transfer mobile_money"`
	Amount    string `json:"amount" validate:"required"`
	Reference string `json:"reference" validate:"max=100"`
}

type createSaleRequest struct {
	CustomerName       string            `json:"customer_name" validate:"max=200"`
	CustomerPhone      string            `json:"customer_phone" validate:"max=30"`
	PrescriptionNumber string            `json:"prescription_number" validate:"max=100"`
	DiscountAmount     string            `json:"discount_amount"`
	Payments           []paymentRequest  `json:"payments" validate:"required,min=1,dive"`
	Lines              []saleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type returnLineRequest struct {
	SaleItemID int64 `json:"sale_item_id" validate:"required,gt=0"`
	Quantity   int64 `json:"quantity" validate:"required,gt=0"`
}

type processReturnRequest struct {
	Reason string              `json:"reason" validate:"required,max=500"`
	Lines  []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type saleItemResponse struct {
	ID               int64  `json:"id"`
	DrugID           int64  `json:"drug_id"`
	BatchID          int64  `json:"batch_id"`
	Quantity         int64  `json:"quantity"`
	UnitPrice        string `json:"unit_price"`
	LineSubtotal     string `json:"line_subtotal"`
	LineVAT          string `json:"line_vat"`
	LineTotal        string `json:"line_total"`
	ReturnedQuantity int64  `json:"returned_quantity"`
}

type paymentResponse struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Amount    string `json:"amount"`
	Reference string `json:"reference,omitempty"`
}

type saleResponse struct {
	ID                 int64              `json:"id"`
	SaleNumber         string             `json:"sale_number"`
	BranchID           int64              `json:"branch_id"`
	CashierID          int64              `json:"cashier_id"`
	CustomerName       string             `json:"customer_name,omitempty"`
	CustomerPhone      string             `json:"customer_phone,omitempty"`
	PrescriptionNumber string             `json:"prescription_number,omitempty"`
	Status             string             `json:"status"`
	Subtotal           string             `json:"subtotal"`
	DiscountAmount     string             `json:"discount_amount"`
	VATAmount          string             `json:"vat_amount"`
	TotalAmount        string             `json:"total_amount"`
	PaidAmount         string             `json:"paid_amount"`
	ChangeAmount       string             `json:"change_amount"`
	SoldAt             time.Time          `json:"sold_at"`
	Items              []saleItemResponse `json:"items,omitempty"`
	Payments           []paymentResponse  `json:"payments,omitempty"`
}

func toSaleResponse(s Sale) saleResponse {
	resp := saleResponse{
		ID:                 s.ID,
		SaleNumber:         s.SaleNumber,
		BranchID:           s.BranchID,
		CashierID:          s.CashierID,
		CustomerName:       s.CustomerName,
		CustomerPhone:      s.CustomerPhone,
		PrescriptionNumber: s.PrescriptionNumber,
		Status:             string(s.Status),
		Subtotal:           s.Subtotal.StringFixed(2),
		DiscountAmount:     s.DiscountAmount.StringFixed(2),
		VATAmount:          s.VATAmount.StringFixed(2),
		TotalAmount:        s.TotalAmount.StringFixed(2),
		PaidAmount:         s.PaidAmount.StringFixed(2),
		ChangeAmount:       s.ChangeAmount.StringFixed(2),
		SoldAt:             s.SoldAt,
	}
	for _, item := range s.Items {
		resp.Items = append(resp.Items, saleItemResponse{
			ID:               item.ID,
			DrugID:           item.DrugID,
			BatchID:          item.BatchID,
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice.StringFixed(2),
			LineSubtotal:     item.LineSubtotal.StringFixed(2),
			LineVAT:          item.LineVAT.StringFixed(2),
			LineTotal:        item.LineTotal.StringFixed(2),
			ReturnedQuantity: item.ReturnedQuantity,
		})
	}
	for _, p := range s.Payments {
		resp.Payments = append(resp.Payments, paymentResponse{
			ID:        p.ID,
			Method:    string(p.Method),
			Amount:    p.Amount.StringFixed(2),
			Reference: p.Reference,
		})
	}
	return resp
}

func (h *Handler) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	payments := make([]PaymentInput, 0, len(req.Payments))
	for _, p := range req.Payments {
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil || !amount.IsPositive() {
			httpx.RespondError(w, fmt.Errorf("%w: invalid payment amount", httpx.ErrValidation))
			return
		}
		payments = append(payments, PaymentInput{
			Method:    PaymentMethod(p.Method),
			Amount:    amount,
			Reference: p.Reference,
		})
	}
	discount := decimal.Zero
	if req.DiscountAmount != "" {
		var err error
		discount, err = decimal.NewFromString(req.DiscountAmount)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid discount_amount", httpx.ErrValidation))
			return
		}
	}
	input := CreateSaleInput{
		BranchID:           actor.BranchID,
		CashierID:          actor.UserID,
		CustomerName:       req.CustomerName,
		CustomerPhone:      req.CustomerPhone,
		PrescriptionNumber: req.PrescriptionNumber,
		DiscountAmount:     discount,
		Payments:           payments,
	}
	if discount.IsPositive() {
		// The cashier's own identity authorizes when qualified; an
		// override by a supervisor arrives as a different actor.
		input.Authorizer = &actor
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, SaleLineInput{DrugID: line.DrugID, BatchID: line.BatchID, Quantity: line.Quantity})
	}
	sale, err := h.service.CreateSale(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSaleResponse(sale))
}

func (h *Handler) handleListSales(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid limit", httpx.ErrValidation))
			return
		}
		limit = parsed
	}
	sales, err := h.service.ListByBranch(r.Context(), actor.BranchID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]saleResponse, 0, len(sales))
	for _, s := range sales {
		out = append(out, toSaleResponse(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": out})
}

func (h *Handler) handleGetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "saleID"), 10, 64)
	if err != nil || saleID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid sale id", httpx.ErrValidation))
		return
	}
	sale, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSaleResponse(sale))
}

func (h *Handler) handleLookupForReturn(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("number")
	if number == "" {
		httpx.RespondError(w, fmt.Errorf("%w: number required", httpx.ErrValidation))
		return
	}
	eligibility, err := h.service.LookupForReturn(r.Context(), number)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"sale":           toSaleResponse(eligibility.Sale),
		"within_window":  eligibility.WithinWindow,
		"window_expires": eligibility.WindowExpires,
	})
}

func (h *Handler) handleGetReturns(w http.ResponseWriter, r *http.Request) {
	saleID, err := strconv.ParseInt(chi.URLParam(r, "saleID"), 10, 64)
	if err != nil || saleID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid sale id", httpx.ErrValidation))
		return
	}
	returns, err := h.service.GetReturns(r.Context(), saleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	type returnResponse struct {
		ID           int64     `json:"id"`
		SaleID       int64     `json:"sale_id"`
		UserID       int64     `json:"user_id"`
		Reason       string    `json:"reason"`
		RefundAmount string    `json:"refund_amount"`
		CreatedAt    time.Time `json:"created_at"`
	}
	out := make([]returnResponse, 0, len(returns))
	for _, ret := range returns {
		out = append(out, returnResponse{
			ID:           ret.ID,
			SaleID:       ret.SaleID,
			UserID:       ret.UserID,
			Reason:       ret.Reason,
			RefundAmount: ret.RefundAmount.StringFixed(2),
			CreatedAt:    ret.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": out})
}

func (h *Handler) handleProcessReturn(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	saleID, err := strconv.ParseInt(chi.URLParam(r, "saleID"), 10, 64)
	if err != nil || saleID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid sale id", httpx.ErrValidation))
		return
	}
	var req processReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := ReturnInput{SaleID: saleID, UserID: actor.UserID, Reason: req.Reason}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, ReturnLineInput{SaleItemID: line.SaleItemID, Quantity: line.Quantity})
	}
	ret, err := h.service.ProcessReturn(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"id":            ret.ID,
		"sale_id":       ret.SaleID,
		"refund_amount": ret.RefundAmount.StringFixed(2),
	})
}

// respondError translates sales and stock errors into the HTTP sentinels.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSaleNotFound), errors.Is(err, catalog.ErrDrugNotFound), errors.Is(err, stock.ErrBatchNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, stock.ErrInsufficientStock), errors.Is(err, stock.ErrConcurrencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, ErrDiscountNotAuthorized):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrForbidden, err))
	case errors.Is(err, ErrEmptySale), errors.Is(err, ErrPrescriptionRequired), errors.Is(err, ErrInsufficientPayment), errors.Is(err, ErrExcessPayment),
		errors.Is(err, ErrReturnWindowClosed), errors.Is(err, ErrReturnExceedsSold), errors.Is(err, ErrBatchMismatch),
		errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidBatchState), errors.Is(err, shared.ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("sales request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
