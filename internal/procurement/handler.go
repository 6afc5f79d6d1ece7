package procurement

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
	"github.com/pharmapos/pharmapos/internal/stock"
)

// Handler wires HTTP endpoints for the procurement module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs procurement handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.handleCreatePO)
	r.Get("/orders", h.handleListPOs)
	r.Get("/orders/{poID}", h.handleGetPO)
	r.Post("/orders/{poID}/approve", h.handleApprovePO)
	r.Post("/orders/{poID}/cancel", h.handleCancelPO)
	r.Post("/receipts", h.handleCreateGRN)
	r.Get("/receipts/{grnID}", h.handleGetGRN)
	r.Post("/receipts/{grnID}/quality-check", h.handleQualityCheck)
	r.Post("/receipts/{grnID}/reject", h.handleRejectGRN)
}

type poLineRequest struct {
	DrugID   int64  `json:"drug_id" validate:"required,gt=0"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	UnitCost string `json:"unit_cost" validate:"required"`
}

type createPORequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required,gt=0"`
	Notes      string          `json:"notes" validate:"max=500"`
	Lines      []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type grnLineRequest struct {
	PurchaseOrderItemID int64  `json:"purchase_order_item_id" validate:"required,gt=0"`
	BatchNumber         string `json:"batch_number" validate:"required,max=100"`
	ManufacturingDate   string `json:"manufacturing_date" validate:"required"`
	ExpiryDate          string `json:"expiry_date" validate:"required"`
	Quantity            int64  `json:"quantity" validate:"required,gt=0"`
	SellingPrice        string `json:"selling_price" validate:"required"`
	VATApplicable       bool   `json:"vat_applicable"`
}

type createGRNRequest struct {
	PurchaseOrderID int64            `json:"purchase_order_id" validate:"required,gt=0"`
	Notes           string           `json:"notes" validate:"max=500"`
	Lines           []grnLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type qualityCheckRequest struct {
	Notes  string `json:"notes" validate:"max=500"`
	Passed []struct {
		GRNItemID int64 `json:"grn_item_id" validate:"required,gt=0"`
		Quantity  int64 `json:"quantity" validate:"gte=0"`
	} `json:"passed" validate:"dive"`
}

type poItemResponse struct {
	ID               int64  `json:"id"`
	DrugID           int64  `json:"drug_id"`
	QuantityOrdered  int64  `json:"quantity_ordered"`
	QuantityReceived int64  `json:"quantity_received"`
	UnitCost         string `json:"unit_cost"`
}

type poResponse struct {
	ID         int64            `json:"id"`
	PONumber   string           `json:"po_number"`
	BranchID   int64            `json:"branch_id"`
	SupplierID int64            `json:"supplier_id"`
	Status     string           `json:"status"`
	CreatedBy  int64            `json:"created_by"`
	ApprovedBy int64            `json:"approved_by,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Items      []poItemResponse `json:"items,omitempty"`
}

type grnItemResponse struct {
	ID                  int64  `json:"id"`
	PurchaseOrderItemID int64  `json:"purchase_order_item_id,omitempty"`
	DrugID              int64  `json:"drug_id"`
	BatchNumber         string `json:"batch_number"`
	ManufacturingDate   string `json:"manufacturing_date"`
	ExpiryDate          string `json:"expiry_date"`
	QuantityReceived    int64  `json:"quantity_received"`
	QuantityPassed      int64  `json:"quantity_passed"`
	UnitCost            string `json:"unit_cost"`
	SellingPrice        string `json:"selling_price"`
	VATApplicable       bool   `json:"vat_applicable"`
	BatchID             int64  `json:"batch_id,omitempty"`
}

type grnResponse struct {
	ID              int64             `json:"id"`
	GRNNumber       string            `json:"grn_number"`
	PurchaseOrderID int64             `json:"purchase_order_id,omitempty"`
	BranchID        int64             `json:"branch_id"`
	SupplierID      int64             `json:"supplier_id"`
	Status          string            `json:"status"`
	ReceivedBy      int64             `json:"received_by"`
	CheckedBy       int64             `json:"checked_by,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	Items           []grnItemResponse `json:"items,omitempty"`
}

func toPOResponse(po PurchaseOrder) poResponse {
	resp := poResponse{
		ID:         po.ID,
		PONumber:   po.PONumber,
		BranchID:   po.BranchID,
		SupplierID: po.SupplierID,
		Status:     string(po.Status),
		CreatedBy:  po.CreatedBy,
		ApprovedBy: po.ApprovedBy,
		Notes:      po.Notes,
		CreatedAt:  po.CreatedAt,
	}
	for _, item := range po.Items {
		resp.Items = append(resp.Items, poItemResponse{
			ID:               item.ID,
			DrugID:           item.DrugID,
			QuantityOrdered:  item.QuantityOrdered,
			QuantityReceived: item.QuantityReceived,
			UnitCost:         item.UnitCost.StringFixed(2),
		})
	}
	return resp
}

func toGRNResponse(grn GoodsReceivedNote) grnResponse {
	resp := grnResponse{
		ID:              grn.ID,
		GRNNumber:       grn.GRNNumber,
		PurchaseOrderID: grn.PurchaseOrderID,
		BranchID:        grn.BranchID,
		SupplierID:      grn.SupplierID,
		Status:          string(grn.Status),
		ReceivedBy:      grn.ReceivedBy,
		CheckedBy:       grn.CheckedBy,
		Notes:           grn.Notes,
		CreatedAt:       grn.CreatedAt,
	}
	for _, item := range grn.Items {
		resp.Items = append(resp.Items, grnItemResponse{
			ID:                  item.ID,
			PurchaseOrderItemID: item.PurchaseOrderItemID,
			DrugID:              item.DrugID,
			BatchNumber:         item.BatchNumber,
			ManufacturingDate:   item.ManufacturingDate.Format("2006-01-02"),
			ExpiryDate:          item.ExpiryDate.Format("2006-01-02"),
			QuantityReceived:    item.QuantityReceived,
			QuantityPassed:      item.QuantityPassed,
			UnitCost:            item.UnitCost.StringFixed(2),
			SellingPrice:        item.SellingPrice.StringFixed(2),
			VATApplicable:       item.VATApplicable,
			BatchID:             item.BatchID,
		})
	}
	return resp
}

func (h *Handler) handleCreatePO(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := CreatePOInput{
		BranchID:   actor.BranchID,
		SupplierID: req.SupplierID,
		CreatedBy:  actor.UserID,
		Notes:      req.Notes,
	}
	for _, line := range req.Lines {
		cost, err := decimal.NewFromString(line.UnitCost)
		if err != nil || cost.IsNegative() {
			httpx.RespondError(w, fmt.Errorf("%w: invalid unit_cost", httpx.ErrValidation))
			return
		}
		input.Lines = append(input.Lines, POLineInput{DrugID: line.DrugID, Quantity: line.Quantity, UnitCost: cost})
	}
	po, err := h.service.CreatePO(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPOResponse(po))
}

func (h *Handler) handleListPOs(w http.ResponseWriter, r *http.Request) {
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
	orders, err := h.service.ListByBranch(r.Context(), actor.BranchID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]poResponse, 0, len(orders))
	for _, po := range orders {
		out = append(out, toPOResponse(po))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handler) handleGetPO(w http.ResponseWriter, r *http.Request) {
	poID, err := strconv.ParseInt(chi.URLParam(r, "poID"), 10, 64)
	if err != nil || poID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid order id", httpx.ErrValidation))
		return
	}
	po, err := h.service.GetPO(r.Context(), poID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPOResponse(po))
}

func (h *Handler) handleApprovePO(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	poID, err := strconv.ParseInt(chi.URLParam(r, "poID"), 10, 64)
	if err != nil || poID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid order id", httpx.ErrValidation))
		return
	}
	if err := h.service.ApprovePO(r.Context(), poID, actor.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(POStatusApproved)})
}

func (h *Handler) handleCancelPO(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	poID, err := strconv.ParseInt(chi.URLParam(r, "poID"), 10, 64)
	if err != nil || poID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid order id", httpx.ErrValidation))
		return
	}
	if err := h.service.CancelPO(r.Context(), poID, actor.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(POStatusCancelled)})
}

func (h *Handler) handleCreateGRN(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createGRNRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := CreateGRNInput{
		PurchaseOrderID: req.PurchaseOrderID,
		ReceivedBy:      actor.UserID,
		Notes:           req.Notes,
	}
	for _, line := range req.Lines {
		mfg, err := time.Parse("2006-01-02", line.ManufacturingDate)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid manufacturing_date", httpx.ErrValidation))
			return
		}
		expiry, err := time.Parse("2006-01-02", line.ExpiryDate)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid expiry_date", httpx.ErrValidation))
			return
		}
		selling, err := decimal.NewFromString(line.SellingPrice)
		if err != nil || selling.IsNegative() {
			httpx.RespondError(w, fmt.Errorf("%w: invalid selling_price", httpx.ErrValidation))
			return
		}
		input.Lines = append(input.Lines, GRNLineInput{
			PurchaseOrderItemID: line.PurchaseOrderItemID,
			BatchNumber:         line.BatchNumber,
			ManufacturingDate:   mfg,
			ExpiryDate:          expiry,
			Quantity:            line.Quantity,
			SellingPrice:        selling,
			VATApplicable:       line.VATApplicable,
		})
	}
	grn, err := h.service.CreateGRN(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGRNResponse(grn))
}

func (h *Handler) handleGetGRN(w http.ResponseWriter, r *http.Request) {
	grnID, err := strconv.ParseInt(chi.URLParam(r, "grnID"), 10, 64)
	if err != nil || grnID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid receipt id", httpx.ErrValidation))
		return
	}
	grn, err := h.service.GetGRN(r.Context(), grnID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGRNResponse(grn))
}

func (h *Handler) handleQualityCheck(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	grnID, err := strconv.ParseInt(chi.URLParam(r, "grnID"), 10, 64)
	if err != nil || grnID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid receipt id", httpx.ErrValidation))
		return
	}
	var req qualityCheckRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := QualityCheckInput{GRNID: grnID, CheckedBy: actor.UserID, Notes: req.Notes}
	for _, line := range req.Passed {
		input.Passed = append(input.Passed, QualityCheckLine{GRNItemID: line.GRNItemID, Quantity: line.Quantity})
	}
	grn, err := h.service.ApproveQualityCheck(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGRNResponse(grn))
}

func (h *Handler) handleRejectGRN(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	grnID, err := strconv.ParseInt(chi.URLParam(r, "grnID"), 10, 64)
	if err != nil || grnID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid receipt id", httpx.ErrValidation))
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.RejectQualityCheck(r.Context(), grnID, actor.UserID, req.Notes); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(GRNStatusRejected)})
}

// respondError translates procurement and stock errors into the HTTP
// sentinels.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrPONotFound), errors.Is(err, ErrGRNNotFound), errors.Is(err, ErrSupplierNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidStatus):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, stock.ErrDuplicateBatch):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	case errors.Is(err, shared.ErrForbidden):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrForbidden, err))
	case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrReceiptExceedsOrdered), errors.Is(err, ErrPassedExceedsReceived),
		errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidDates), errors.Is(err, shared.ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("procurement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
