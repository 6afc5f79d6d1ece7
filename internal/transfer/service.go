package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// RepositoryPort abstracts repository usage for transfers.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTransfer(ctx context.Context, transferID int64) (StockTransfer, error)
	ListByBranch(ctx context.Context, branchID int64, limit int) ([]StockTransfer, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs inter-branch transfers. Creation and approval reserve
// nothing; stock leaves the source at dispatch and lands at the
// destination on receipt, each in its own transaction.
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

// Create opens a pending transfer. Batches are validated against the
// source branch but no quantity is held; availability is enforced at
// dispatch.
func (s *Service) Create(ctx context.Context, input CreateInput) (StockTransfer, error) {
	if len(input.Lines) == 0 {
		return StockTransfer{}, ErrEmptyTransfer
	}
	if input.FromBranchID == 0 || input.ToBranchID == 0 {
		return StockTransfer{}, fmt.Errorf("%w: source and destination branch required", shared.ErrValidation)
	}
	if input.FromBranchID == input.ToBranchID {
		return StockTransfer{}, ErrSameBranch
	}

	var transfer StockTransfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stockTx := tx.Stock()
		lines := make([]TransferItem, 0, len(input.Lines))
		for _, line := range input.Lines {
			if line.Quantity <= 0 {
				return stock.ErrInvalidQuantity
			}
			batch, err := stockTx.GetBatchForUpdate(ctx, line.BatchID)
			if err != nil {
				return err
			}
			if batch.BranchID != input.FromBranchID {
				return ErrBatchNotAtSource
			}
			if batch.IsDeleted() || batch.IsExpired(s.now()) {
				return stock.ErrInvalidBatchState
			}
			if batch.QuantityAvailable < line.Quantity {
				return stock.ErrInsufficientStock
			}
			lines = append(lines, TransferItem{DrugID: batch.DrugID, BatchID: batch.ID, Quantity: line.Quantity})
		}

		number, err := tx.NextTransferNumber(ctx, s.now().UTC())
		if err != nil {
			return err
		}
		transfer, err = tx.InsertTransfer(ctx, StockTransfer{
			TransferNumber: number,
			FromBranchID:   input.FromBranchID,
			ToBranchID:     input.ToBranchID,
			Status:         StatusPending,
			RequestedBy:    input.RequestedBy,
			Notes:          input.Notes,
		})
		if err != nil {
			return err
		}
		for _, item := range lines {
			item.TransferID = transfer.ID
			item, err = tx.InsertItem(ctx, item)
			if err != nil {
				return err
			}
			transfer.Items = append(transfer.Items, item)
		}
		return nil
	})
	if err != nil {
		return StockTransfer{}, err
	}
	s.recordAudit(ctx, input.RequestedBy, transfer.FromBranchID, "transfer:create", transfer.ID, map[string]any{"transfer_number": transfer.TransferNumber})
	return transfer, nil
}

// Approve moves a pending transfer to approved.
func (s *Service) Approve(ctx context.Context, transferID, approvedBy int64) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != StatusPending {
			return ErrInvalidStatus
		}
		if transfer.RequestedBy == approvedBy {
			return fmt.Errorf("%w: approver must differ from requester", shared.ErrForbidden)
		}
		branchID = transfer.FromBranchID
		return tx.UpdateStatus(ctx, transferID, StatusApproved, "approved_by", approvedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, approvedBy, branchID, "transfer:approve", transferID, nil)
	return nil
}

// Dispatch takes stock out of the source branch, one transfer_out
// ledger entry per item, and marks the transfer in transit.
func (s *Service) Dispatch(ctx context.Context, transferID, dispatchedBy int64) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != StatusApproved {
			return ErrInvalidStatus
		}
		branchID = transfer.FromBranchID
		for _, item := range transfer.Items {
			if _, err := s.stock.AllocateTx(ctx, tx.Stock(), stock.MovementInput{
				BatchID:       item.BatchID,
				Quantity:      item.Quantity,
				UserID:        dispatchedBy,
				MovementType:  stock.MovementTransferOut,
				ReferenceType: stock.ReferenceStockTransfer,
				ReferenceID:   transfer.TransferNumber,
				Reason:        fmt.Sprintf("Transfer %s to branch %d", transfer.TransferNumber, transfer.ToBranchID),
			}); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, transferID, StatusInTransit, "dispatched_by", dispatchedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, dispatchedBy, branchID, "transfer:dispatch", transferID, nil)
	return nil
}

// Receive lands in-transit stock at the destination. Each item goes
// into the destination's batch with the same batch number, created on
// first receipt with the source batch's dates and prices.
func (s *Service) Receive(ctx context.Context, transferID, receivedBy int64) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != StatusInTransit {
			return ErrInvalidStatus
		}
		branchID = transfer.ToBranchID
		stockTx := tx.Stock()
		for _, item := range transfer.Items {
			source, err := stockTx.GetBatchForUpdate(ctx, item.BatchID)
			if err != nil {
				return err
			}
			destination, err := s.destinationBatch(ctx, stockTx, source, transfer.ToBranchID)
			if err != nil {
				return err
			}
			if _, err := s.stock.ReleaseTx(ctx, stockTx, stock.MovementInput{
				BatchID:       destination.ID,
				Quantity:      item.Quantity,
				UserID:        receivedBy,
				MovementType:  stock.MovementTransferIn,
				ReferenceType: stock.ReferenceStockTransfer,
				ReferenceID:   transfer.TransferNumber,
				Reason:        fmt.Sprintf("Transfer %s from branch %d", transfer.TransferNumber, transfer.FromBranchID),
			}); err != nil {
				return err
			}
			if err := tx.SetDestinationBatch(ctx, item.ID, destination.ID); err != nil {
				return err
			}
		}
		return tx.UpdateStatus(ctx, transferID, StatusReceived, "received_by", receivedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, receivedBy, branchID, "transfer:receive", transferID, nil)
	return nil
}

// Cancel aborts a transfer. Before dispatch nothing moved; an
// in-transit cancellation puts the stock back into the source batches.
func (s *Service) Cancel(ctx context.Context, transferID, userID int64, reason string) error {
	var branchID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		transfer, err := tx.GetTransferForUpdate(ctx, transferID)
		if err != nil {
			return err
		}
		branchID = transfer.FromBranchID
		switch transfer.Status {
		case StatusPending, StatusApproved:
		case StatusInTransit:
			for _, item := range transfer.Items {
				if _, err := s.stock.ReleaseTx(ctx, tx.Stock(), stock.MovementInput{
					BatchID:       item.BatchID,
					Quantity:      item.Quantity,
					UserID:        userID,
					MovementType:  stock.MovementTransferIn,
					ReferenceType: stock.ReferenceStockTransfer,
					ReferenceID:   transfer.TransferNumber,
					Reason:        fmt.Sprintf("Transfer %s cancelled: %s", transfer.TransferNumber, reason),
				}); err != nil {
					return err
				}
			}
		default:
			return ErrInvalidStatus
		}
		return tx.UpdateStatus(ctx, transferID, StatusCancelled, "", 0)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, userID, branchID, "transfer:cancel", transferID, map[string]any{"reason": reason})
	return nil
}

// destinationBatch finds the matching batch at the destination branch
// or opens an empty one mirroring the source lot.
func (s *Service) destinationBatch(ctx context.Context, stockTx stock.TxRepository, source stock.Batch, toBranchID int64) (stock.Batch, error) {
	existing, err := stockTx.GetBatchByNumberForUpdate(ctx, source.DrugID, toBranchID, source.BatchNumber)
	if err == nil {
		if existing.IsDeleted() {
			return stock.Batch{}, stock.ErrInvalidBatchState
		}
		return existing, nil
	}
	if !errors.Is(err, stock.ErrBatchNotFound) {
		return stock.Batch{}, err
	}
	return stockTx.InsertBatch(ctx, stock.Batch{
		DrugID:            source.DrugID,
		BranchID:          toBranchID,
		BatchNumber:       source.BatchNumber,
		ManufacturingDate: source.ManufacturingDate,
		ExpiryDate:        source.ExpiryDate,
		PurchasePrice:     source.PurchasePrice,
		SellingPrice:      source.SellingPrice,
		VATApplicable:     source.VATApplicable,
		QuantityAvailable: 0,
		MinimumStockLevel: source.MinimumStockLevel,
		ReorderPoint:      source.ReorderPoint,
	})
}

// GetTransfer loads one transfer with items.
func (s *Service) GetTransfer(ctx context.Context, transferID int64) (StockTransfer, error) {
	return s.repo.GetTransfer(ctx, transferID)
}

// ListByBranch returns transfers touching the branch.
func (s *Service) ListByBranch(ctx context.Context, branchID int64, limit int) ([]StockTransfer, error) {
	return s.repo.ListByBranch(ctx, branchID, limit)
}

func (s *Service) recordAudit(ctx context.Context, userID, branchID int64, action string, transferID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  userID,
		BranchID: branchID,
		Action:   action,
		Entity:   "stock_transfer",
		EntityID: fmt.Sprintf("%d", transferID),
		Meta:     meta,
	})
}
