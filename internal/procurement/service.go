package procurement

import (
	"context"
	"fmt"
	"time"

	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// RepositoryPort abstracts repository usage for procurement.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSupplier(ctx context.Context, supplierID int64) (Supplier, error)
	GetPO(ctx context.Context, poID int64) (PurchaseOrder, error)
	ListByBranch(ctx context.Context, branchID int64, limit int) ([]PurchaseOrder, error)
	GetGRN(ctx context.Context, grnID int64) (GoodsReceivedNote, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs the procurement workflow. Stock enters the system only
// through an approved quality check, which opens one batch per passed
// delivered lot in the same transaction.
type Service struct {
	repo  RepositoryPort
	stock *stock.Service
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, stockSvc *stock.Service, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockSvc, audit: audit, now: time.Now}
}

// CreatePO opens a draft purchase order.
func (s *Service) CreatePO(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, ErrEmptyOrder
	}
	if input.BranchID == 0 || input.SupplierID == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: branch and supplier required", shared.ErrValidation)
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return PurchaseOrder{}, stock.ErrInvalidQuantity
		}
		if line.UnitCost.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("%w: negative unit cost", shared.ErrValidation)
		}
	}
	if _, err := s.repo.GetSupplier(ctx, input.SupplierID); err != nil {
		return PurchaseOrder{}, err
	}

	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextPONumber(ctx, s.now().UTC())
		if err != nil {
			return err
		}
		po, err = tx.InsertPO(ctx, PurchaseOrder{
			PONumber:   number,
			BranchID:   input.BranchID,
			SupplierID: input.SupplierID,
			Status:     POStatusDraft,
			CreatedBy:  input.CreatedBy,
			Notes:      input.Notes,
		})
		if err != nil {
			return err
		}
		for _, line := range input.Lines {
			item, err := tx.InsertPOItem(ctx, PurchaseOrderItem{
				PurchaseOrderID: po.ID,
				DrugID:          line.DrugID,
				QuantityOrdered: line.Quantity,
				UnitCost:        line.UnitCost,
			})
			if err != nil {
				return err
			}
			po.Items = append(po.Items, item)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, po.BranchID, "procurement:po_create", "purchase_order", po.ID, map[string]any{"po_number": po.PONumber})
	return po, nil
}

// ApprovePO moves a draft order to approved. The approver must differ
// from the creator.
func (s *Service) ApprovePO(ctx context.Context, poID, approvedBy int64) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft {
			return ErrInvalidStatus
		}
		if po.CreatedBy == approvedBy {
			return fmt.Errorf("%w: approver must differ from creator", shared.ErrForbidden)
		}
		branchID = po.BranchID
		return tx.UpdatePOStatus(ctx, poID, POStatusApproved, approvedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, approvedBy, branchID, "procurement:po_approve", "purchase_order", poID, nil)
	return nil
}

// CancelPO cancels an order that has not received any stock yet.
func (s *Service) CancelPO(ctx context.Context, poID, userID int64) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft && po.Status != POStatusApproved {
			return ErrInvalidStatus
		}
		branchID = po.BranchID
		return tx.UpdatePOStatus(ctx, poID, POStatusCancelled, 0)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, userID, branchID, "procurement:po_cancel", "purchase_order", poID, nil)
	return nil
}

// CreateGRN records a delivery against an approved purchase order. The
// note starts in pending_quality_check; no stock moves yet.
func (s *Service) CreateGRN(ctx context.Context, input CreateGRNInput) (GoodsReceivedNote, error) {
	if len(input.Lines) == 0 {
		return GoodsReceivedNote{}, ErrEmptyOrder
	}
	var grn GoodsReceivedNote
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.PurchaseOrderID)
		if err != nil {
			return err
		}
		if po.Status != POStatusApproved && po.Status != POStatusPartiallyReceived {
			return ErrInvalidStatus
		}
		itemsByID := make(map[int64]PurchaseOrderItem, len(po.Items))
		for _, item := range po.Items {
			itemsByID[item.ID] = item
		}

		number, err := tx.NextGRNNumber(ctx, s.now().UTC())
		if err != nil {
			return err
		}
		grn, err = tx.InsertGRN(ctx, GoodsReceivedNote{
			GRNNumber:       number,
			PurchaseOrderID: po.ID,
			BranchID:        po.BranchID,
			SupplierID:      po.SupplierID,
			Status:          GRNStatusPendingQC,
			ReceivedBy:      input.ReceivedBy,
			Notes:           input.Notes,
		})
		if err != nil {
			return err
		}
		for _, line := range input.Lines {
			if line.Quantity <= 0 {
				return stock.ErrInvalidQuantity
			}
			if !line.ExpiryDate.After(line.ManufacturingDate) {
				return stock.ErrInvalidDates
			}
			poItem, ok := itemsByID[line.PurchaseOrderItemID]
			if !ok {
				return fmt.Errorf("%w: order item %d not on order", shared.ErrValidation, line.PurchaseOrderItemID)
			}
			if line.Quantity > poItem.Outstanding() {
				return ErrReceiptExceedsOrdered
			}
			item, err := tx.InsertGRNItem(ctx, GRNItem{
				GRNID:               grn.ID,
				PurchaseOrderItemID: poItem.ID,
				DrugID:              poItem.DrugID,
				BatchNumber:         line.BatchNumber,
				ManufacturingDate:   line.ManufacturingDate,
				ExpiryDate:          line.ExpiryDate,
				QuantityReceived:    line.Quantity,
				UnitCost:            poItem.UnitCost,
				SellingPrice:        line.SellingPrice,
				VATApplicable:       line.VATApplicable,
			})
			if err != nil {
				return err
			}
			grn.Items = append(grn.Items, item)
		}
		// Recording a delivery moves the order out of plain approved,
		// even before its quality check runs.
		if po.Status == POStatusApproved {
			return tx.UpdatePOStatus(ctx, po.ID, POStatusPartiallyReceived, 0)
		}
		return nil
	})
	if err != nil {
		return GoodsReceivedNote{}, err
	}
	s.recordAudit(ctx, input.ReceivedBy, grn.BranchID, "procurement:grn_create", "goods_received_note", grn.ID, map[string]any{"grn_number": grn.GRNNumber})
	return grn, nil
}

// ApproveQualityCheck passes delivered lots into stock. Each passed lot
// opens a new batch with its purchase ledger entry, the order lines
// accumulate their received quantities and the order status follows.
func (s *Service) ApproveQualityCheck(ctx context.Context, input QualityCheckInput) (GoodsReceivedNote, error) {
	passedByItem := make(map[int64]int64, len(input.Passed))
	for _, line := range input.Passed {
		if line.Quantity < 0 {
			return GoodsReceivedNote{}, stock.ErrInvalidQuantity
		}
		passedByItem[line.GRNItemID] = line.Quantity
	}

	var grn GoodsReceivedNote
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		grn, err = tx.GetGRNForUpdate(ctx, input.GRNID)
		if err != nil {
			return err
		}
		if grn.Status != GRNStatusPendingQC {
			return ErrInvalidStatus
		}

		anyPassed := false
		for i, item := range grn.Items {
			passed := passedByItem[item.ID]
			if passed > item.QuantityReceived {
				return ErrPassedExceedsReceived
			}
			var batchID int64
			if passed > 0 {
				anyPassed = true
				batch, _, err := s.stock.CreateBatchTx(ctx, tx.Stock(), stock.CreateBatchInput{
					DrugID:            item.DrugID,
					BranchID:          grn.BranchID,
					BatchNumber:       item.BatchNumber,
					ManufacturingDate: item.ManufacturingDate,
					ExpiryDate:        item.ExpiryDate,
					PurchasePrice:     item.UnitCost,
					SellingPrice:      item.SellingPrice,
					VATApplicable:     item.VATApplicable,
					Quantity:          passed,
					UserID:            input.CheckedBy,
					ReferenceType:     stock.ReferenceGoodsReceipt,
					ReferenceID:       grn.GRNNumber,
					Reason:            fmt.Sprintf("Goods receipt %s", grn.GRNNumber),
				})
				if err != nil {
					return err
				}
				batchID = batch.ID
				if item.PurchaseOrderItemID != 0 {
					if err := tx.AddReceivedQuantity(ctx, item.PurchaseOrderItemID, passed); err != nil {
						return err
					}
				}
			}
			if err := tx.SetGRNItemResult(ctx, item.ID, passed, batchID); err != nil {
				return err
			}
			grn.Items[i].QuantityPassed = passed
			grn.Items[i].BatchID = batchID
		}
		// A check where every lot failed leaves the note rejected;
		// approval requires at least one lot entering stock.
		status := GRNStatusApproved
		if !anyPassed {
			status = GRNStatusRejected
		}
		if err := tx.UpdateGRNStatus(ctx, grn.ID, status, input.CheckedBy); err != nil {
			return err
		}
		grn.Status = status
		grn.CheckedBy = input.CheckedBy

		if grn.PurchaseOrderID != 0 {
			return s.refreshPOStatus(ctx, tx, grn.PurchaseOrderID)
		}
		return nil
	})
	if err != nil {
		return GoodsReceivedNote{}, err
	}
	s.recordAudit(ctx, input.CheckedBy, grn.BranchID, "procurement:grn_approve", "goods_received_note", grn.ID, map[string]any{"grn_number": grn.GRNNumber})
	return grn, nil
}

// RejectQualityCheck fails the whole delivery; nothing enters stock.
func (s *Service) RejectQualityCheck(ctx context.Context, grnID, checkedBy int64, notes string) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		grn, err := tx.GetGRNForUpdate(ctx, grnID)
		if err != nil {
			return err
		}
		if grn.Status != GRNStatusPendingQC {
			return ErrInvalidStatus
		}
		branchID = grn.BranchID
		return tx.UpdateGRNStatus(ctx, grnID, GRNStatusRejected, checkedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, checkedBy, branchID, "procurement:grn_reject", "goods_received_note", grnID, map[string]any{"notes": notes})
	return nil
}

// refreshPOStatus recomputes the order status from its line receipts.
func (s *Service) refreshPOStatus(ctx context.Context, tx TxRepository, poID int64) error {
	po, err := tx.GetPOForUpdate(ctx, poID)
	if err != nil {
		return err
	}
	if po.Status == POStatusCancelled {
		return nil
	}
	fullyReceived := true
	anyReceived := false
	for _, item := range po.Items {
		if item.QuantityReceived > 0 {
			anyReceived = true
		}
		if item.Outstanding() > 0 {
			fullyReceived = false
		}
	}
	switch {
	case fullyReceived:
		return tx.UpdatePOStatus(ctx, poID, POStatusCompleted, 0)
	case anyReceived:
		return tx.UpdatePOStatus(ctx, poID, POStatusPartiallyReceived, 0)
	default:
		return nil
	}
}

// GetPO loads one purchase order with items.
func (s *Service) GetPO(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, poID)
}

// ListByBranch returns purchase orders for the branch.
func (s *Service) ListByBranch(ctx context.Context, branchID int64, limit int) ([]PurchaseOrder, error) {
	return s.repo.ListByBranch(ctx, branchID, limit)
}

// GetGRN loads one goods received note with items.
func (s *Service) GetGRN(ctx context.Context, grnID int64) (GoodsReceivedNote, error) {
	return s.repo.GetGRN(ctx, grnID)
}

func (s *Service) recordAudit(ctx context.Context, userID, branchID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  userID,
		BranchID: branchID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
