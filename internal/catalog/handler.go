package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pharmapos/pharmapos/internal/platform/httpx"
)

// Handler wires HTTP endpoints for catalog lookups.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/drugs/{drugID}", h.handleGetDrug)
	r.Get("/drugs", h.handleGetDrugByBarcode)
	r.Get("/branches", h.handleListBranches)
	r.Get("/branches/{branchID}", h.handleGetBranch)
}

type drugResponse struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	GenericName      string `json:"generic_name"`
	Strength         string `json:"strength"`
	DosageForm       string `json:"dosage_form"`
	Barcode          string `json:"barcode"`
	PrescriptionOnly bool   `json:"prescription_only"`
	ControlledClass  string `json:"controlled_class,omitempty"`
	VATApplicable    bool   `json:"vat_applicable"`
}

type branchResponse struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

func toDrugResponse(d Drug) drugResponse {
	return drugResponse{
		ID:               d.ID,
		Name:             d.Name,
		GenericName:      d.GenericName,
		Strength:         d.Strength,
		DosageForm:       d.DosageForm,
		Barcode:          d.Barcode,
		PrescriptionOnly: d.PrescriptionOnly,
		ControlledClass:  d.ControlledClass,
		VATApplicable:    d.VATApplicable,
	}
}

func (h *Handler) handleGetDrug(w http.ResponseWriter, r *http.Request) {
	drugID, err := strconv.ParseInt(chi.URLParam(r, "drugID"), 10, 64)
	if err != nil || drugID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid drug id", httpx.ErrValidation))
		return
	}
	drug, err := h.service.GetDrug(r.Context(), drugID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDrugResponse(drug))
}

// handleGetDrugByBarcode serves the POS barcode scan.
func (h *Handler) handleGetDrugByBarcode(w http.ResponseWriter, r *http.Request) {
	barcode := r.URL.Query().Get("barcode")
	if barcode == "" {
		httpx.RespondError(w, fmt.Errorf("%w: barcode required", httpx.ErrValidation))
		return
	}
	drug, err := h.service.GetDrugByBarcode(r.Context(), barcode)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDrugResponse(drug))
}

func (h *Handler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.service.ListBranches(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]branchResponse, 0, len(branches))
	for _, b := range branches {
		out = append(out, branchResponse{ID: b.ID, Code: b.Code, Name: b.Name})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"branches": out})
}

func (h *Handler) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil || branchID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid branch id", httpx.ErrValidation))
		return
	}
	branch, err := h.service.GetBranch(r.Context(), branchID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, branchResponse{ID: branch.ID, Code: branch.Code, Name: branch.Name})
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrDrugNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: drug", httpx.ErrNotFound))
	case errors.Is(err, ErrBranchNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: branch", httpx.ErrNotFound))
	default:
		h.logger.Error("catalog request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
