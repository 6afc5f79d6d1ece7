package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pharmapos/pharmapos/internal/platform/httpx"
	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// Handler wires HTTP endpoints for the transfer module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs transfer handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate) *Handler {
	return &Handler{logger: logger, service: service, validate: validate}
}

// MountRoutes registers transfer routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{transferID}", h.handleGet)
	r.Post("/{transferID}/approve", h.handleApprove)
	r.Post("/{transferID}/dispatch", h.handleDispatch)
	r.Post("/{transferID}/receive", h.handleReceive)
	r.Post("/{transferID}/cancel", h.handleCancel)
}

type transferLineRequest struct {
	BatchID  int64 `json:"batch_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type createTransferRequest struct {
	ToBranchID int64                 `json:"to_branch_id" validate:"required,gt=0"`
	Notes      string                `json:"notes" validate:"max=500"`
	Lines      []transferLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type transferItemResponse struct {
	ID                 int64 `json:"id"`
	DrugID             int64 `json:"drug_id"`
	BatchID            int64 `json:"batch_id"`
	Quantity           int64 `json:"quantity"`
	DestinationBatchID int64 `json:"destination_batch_id,omitempty"`
}

type transferResponse struct {
	ID             int64                  `json:"id"`
	TransferNumber string                 `json:"transfer_number"`
	FromBranchID   int64                  `json:"from_branch_id"`
	ToBranchID     int64                  `json:"to_branch_id"`
	Status         string                 `json:"status"`
	RequestedBy    int64                  `json:"requested_by"`
	ApprovedBy     int64                  `json:"approved_by,omitempty"`
	DispatchedBy   int64                  `json:"dispatched_by,omitempty"`
	ReceivedBy     int64                  `json:"received_by,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	Items          []transferItemResponse `json:"items,omitempty"`
}

func toTransferResponse(t StockTransfer) transferResponse {
	resp := transferResponse{
		ID:             t.ID,
		TransferNumber: t.TransferNumber,
		FromBranchID:   t.FromBranchID,
		ToBranchID:     t.ToBranchID,
		Status:         string(t.Status),
		RequestedBy:    t.RequestedBy,
		ApprovedBy:     t.ApprovedBy,
		DispatchedBy:   t.DispatchedBy,
		ReceivedBy:     t.ReceivedBy,
		Notes:          t.Notes,
		CreatedAt:      t.CreatedAt,
	}
	for _, item := range t.Items {
		resp.Items = append(resp.Items, transferItemResponse{
			ID:                 item.ID,
			DrugID:             item.DrugID,
			BatchID:            item.BatchID,
			Quantity:           item.Quantity,
			DestinationBatchID: item.DestinationBatchID,
		})
	}
	return resp
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createTransferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid body", httpx.ErrValidation))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	input := CreateInput{
		FromBranchID: actor.BranchID,
		ToBranchID:   req.ToBranchID,
		RequestedBy:  actor.UserID,
		Notes:        req.Notes,
	}
	for _, line := range req.Lines {
		input.Lines = append(input.Lines, LineInput{BatchID: line.BatchID, Quantity: line.Quantity})
	}
	transfer, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransferResponse(transfer))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
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
	transfers, err := h.service.ListByBranch(r.Context(), actor.BranchID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, toTransferResponse(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	transferID, err := strconv.ParseInt(chi.URLParam(r, "transferID"), 10, 64)
	if err != nil || transferID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid transfer id", httpx.ErrValidation))
		return
	}
	transfer, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransferResponse(transfer))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Approve, string(StatusApproved))
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Dispatch, string(StatusInTransit))
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Receive, string(StatusReceived))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	transferID, err := strconv.ParseInt(chi.URLParam(r, "transferID"), 10, 64)
	if err != nil || transferID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid transfer id", httpx.ErrValidation))
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.DecodeJSON(r, &req)
	if err := h.service.Cancel(r.Context(), transferID, actor.UserID, req.Reason); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": string(StatusCancelled)})
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, transferID, userID int64) error, status string) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	transferID, err := strconv.ParseInt(chi.URLParam(r, "transferID"), 10, 64)
	if err != nil || transferID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid transfer id", httpx.ErrValidation))
		return
	}
	if err := fn(r.Context(), transferID, actor.UserID); err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": status})
}

// respondError translates transfer and stock errors into the HTTP
// sentinels.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTransferNotFound), errors.Is(err, stock.ErrBatchNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, stock.ErrInsufficientStock), errors.Is(err, stock.ErrConcurrencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, shared.ErrForbidden):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrForbidden, err))
	case errors.Is(err, ErrSameBranch), errors.Is(err, ErrEmptyTransfer), errors.Is(err, ErrBatchNotAtSource),
		errors.Is(err, stock.ErrInvalidQuantity), errors.Is(err, stock.ErrInvalidBatchState), errors.Is(err, shared.ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("transfer request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
