package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pharmapos/pharmapos/internal/platform/db"
	"github.com/pharmapos/pharmapos/internal/shared"
)

// RepositoryPort abstracts repository usage for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, batchID int64) (Batch, error)
	FindAvailable(ctx context.Context, drugID, branchID int64) ([]Batch, error)
	FindExpiring(ctx context.Context, branchID int64, days int) ([]Batch, error)
	FindLowStock(ctx context.Context, branchID int64) ([]Batch, error)
	StockCard(ctx context.Context, filter StockCardFilter) ([]LedgerEntry, error)
	SumLedger(ctx context.Context, batchID int64) (int64, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives engine counters.
type MetricsPort interface {
	Movement(movementType string)
	InsufficientStock()
	ConflictRetry()
}

// Service is the allocation/deallocation engine. Every operation is
// atomic and produces exactly one ledger entry per batch touched.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, now: time.Now}
}

// Allocate decrements a batch and writes the paired negative ledger
// entry in one transaction.
func (s *Service) Allocate(ctx context.Context, input MovementInput) (LedgerEntry, error) {
	var entry LedgerEntry
	var branchID int64
	err := s.withMovementGuard(ctx, input, func(ctx context.Context, tx TxRepository) error {
		batch, err := s.checkBatch(ctx, tx, input, false)
		if err != nil {
			return err
		}
		branchID = batch.BranchID
		entry, err = s.applyMovement(ctx, tx, batch, input, -input.Quantity)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.recordAudit(ctx, branchID, input, entry)
	return entry, nil
}

// Release increments a batch and writes the paired positive ledger
// entry in one transaction. Used for returns, upward adjustments and
// transfer arrivals.
func (s *Service) Release(ctx context.Context, input MovementInput) (LedgerEntry, error) {
	var entry LedgerEntry
	var branchID int64
	err := s.withMovementGuard(ctx, input, func(ctx context.Context, tx TxRepository) error {
		batch, err := s.checkBatch(ctx, tx, input, true)
		if err != nil {
			return err
		}
		branchID = batch.BranchID
		entry, err = s.applyMovement(ctx, tx, batch, input, input.Quantity)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.recordAudit(ctx, branchID, input, entry)
	return entry, nil
}

// AllocateTx runs the allocate inside the caller's transaction, letting
// workflow services keep their header writes and the stock movement in
// one atomic unit.
func (s *Service) AllocateTx(ctx context.Context, tx TxRepository, input MovementInput) (LedgerEntry, error) {
	batch, err := s.checkBatch(ctx, tx, input, false)
	if err != nil {
		return LedgerEntry{}, err
	}
	return s.applyMovement(ctx, tx, batch, input, -input.Quantity)
}

// ReleaseTx runs the release inside the caller's transaction.
func (s *Service) ReleaseTx(ctx context.Context, tx TxRepository, input MovementInput) (LedgerEntry, error) {
	batch, err := s.checkBatch(ctx, tx, input, true)
	if err != nil {
		return LedgerEntry{}, err
	}
	return s.applyMovement(ctx, tx, batch, input, input.Quantity)
}

// BulkAllocateFEFO selects batches First-Expired-First-Out and allocates
// across them inside one transaction. A failure on any batch rolls back
// every ledger write.
func (s *Service) BulkAllocateFEFO(ctx context.Context, drugID, branchID, quantity int64, meta MovementInput) ([]LedgerEntry, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if drugID == 0 || branchID == 0 {
		return nil, errors.New("stock: drug and branch required")
	}
	var entries []LedgerEntry
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		entries = entries[:0]
		batches, err := tx.FindAvailableForUpdate(ctx, drugID, branchID)
		if err != nil {
			return err
		}
		plan, err := SelectForAllocation(batches, quantity, s.now())
		if err != nil {
			return err
		}
		for _, allocation := range plan {
			input := meta
			input.BatchID = allocation.Batch.ID
			input.Quantity = allocation.Quantity
			entry, err := s.applyMovement(ctx, tx, allocation.Batch, input, -allocation.Quantity)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) && s.metrics != nil {
			s.metrics.InsufficientStock()
		}
		return nil, err
	}
	for _, entry := range entries {
		s.recordAudit(ctx, branchID, MovementInput{
			BatchID:       entry.BatchID,
			Quantity:      entry.Quantity,
			UserID:        meta.UserID,
			MovementType:  meta.MovementType,
			ReferenceType: meta.ReferenceType,
			ReferenceID:   meta.ReferenceID,
			Reason:        meta.Reason,
		}, entry)
	}
	return entries, nil
}

// CreateBatch opens a brand-new batch from an approved goods receipt
// line and writes the opening purchase ledger entry. Batches are never
// merged: a repeated (drug, branch, batch number) fails with
// ErrDuplicateBatch.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (Batch, LedgerEntry, error) {
	var created Batch
	var entry LedgerEntry
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, entry, err = s.CreateBatchTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Batch{}, LedgerEntry{}, err
	}
	s.recordAudit(ctx, created.BranchID, MovementInput{
		BatchID:       created.ID,
		Quantity:      input.Quantity,
		UserID:        input.UserID,
		MovementType:  MovementPurchase,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Reason:        input.Reason,
	}, entry)
	return created, entry, nil
}

// CreateBatchTx runs CreateBatch inside the caller's transaction.
func (s *Service) CreateBatchTx(ctx context.Context, tx TxRepository, input CreateBatchInput) (Batch, LedgerEntry, error) {
	if input.Quantity <= 0 {
		return Batch{}, LedgerEntry{}, ErrInvalidQuantity
	}
	if input.DrugID == 0 || input.BranchID == 0 || input.BatchNumber == "" {
		return Batch{}, LedgerEntry{}, errors.New("stock: drug, branch and batch number required")
	}
	if !input.ExpiryDate.After(input.ManufacturingDate) {
		return Batch{}, LedgerEntry{}, ErrInvalidDates
	}
	created, err := tx.InsertBatch(ctx, Batch{
		DrugID:            input.DrugID,
		BranchID:          input.BranchID,
		BatchNumber:       input.BatchNumber,
		ManufacturingDate: input.ManufacturingDate,
		ExpiryDate:        input.ExpiryDate,
		PurchasePrice:     input.PurchasePrice,
		SellingPrice:      input.SellingPrice,
		VATApplicable:     input.VATApplicable,
		QuantityAvailable: input.Quantity,
		MinimumStockLevel: input.MinimumStockLevel,
		ReorderPoint:      input.ReorderPoint,
	})
	if err != nil {
		return Batch{}, LedgerEntry{}, err
	}
	movementDate := input.MovementDate
	if movementDate.IsZero() {
		movementDate = s.now().UTC()
	}
	entry, err := tx.InsertLedgerEntry(ctx, LedgerEntry{
		BatchID:       created.ID,
		UserID:        input.UserID,
		MovementType:  MovementPurchase,
		Quantity:      input.Quantity,
		UnitCost:      input.PurchasePrice,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Reason:        input.Reason,
		MovementDate:  movementDate,
	})
	if err != nil {
		return Batch{}, LedgerEntry{}, err
	}
	if s.metrics != nil {
		s.metrics.Movement(string(MovementPurchase))
	}
	return created, entry, nil
}

// RetireExpired zeroes out every expired batch at the branch with an
// expiry ledger entry per batch. Run by the nightly sweep.
func (s *Service) RetireExpired(ctx context.Context, branchID, userID int64) ([]LedgerEntry, error) {
	if branchID == 0 {
		return nil, errors.New("stock: branch required")
	}
	now := s.now().UTC()
	var entries []LedgerEntry
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		entries = entries[:0]
		expired, err := tx.FindExpiredForUpdate(ctx, branchID, now)
		if err != nil {
			return err
		}
		for _, batch := range expired {
			if _, err := tx.AdjustQuantity(ctx, batch.ID, -batch.QuantityAvailable); err != nil {
				return err
			}
			entry, err := tx.InsertLedgerEntry(ctx, LedgerEntry{
				BatchID:      batch.ID,
				UserID:       userID,
				MovementType: MovementExpiry,
				Quantity:     -batch.QuantityAvailable,
				UnitCost:     batch.PurchasePrice,
				Reason:       fmt.Sprintf("Expired %s", batch.ExpiryDate.Format("2006-01-02")),
				MovementDate: now,
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		for range entries {
			s.metrics.Movement(string(MovementExpiry))
		}
	}
	return entries, nil
}

// DeactivateBatch soft-deletes an empty batch, retaining it for audit.
func (s *Service) DeactivateBatch(ctx context.Context, batchID, userID int64) error {
	return s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.IsDeleted() {
			return ErrInvalidBatchState
		}
		if batch.QuantityAvailable != 0 {
			return fmt.Errorf("stock: batch %d still holds %d units", batchID, batch.QuantityAvailable)
		}
		return tx.SoftDeleteBatch(ctx, batchID)
	})
}

// FindAvailable lists live batches with stock in FEFO order.
func (s *Service) FindAvailable(ctx context.Context, drugID, branchID int64) ([]Batch, error) {
	if drugID == 0 || branchID == 0 {
		return nil, errors.New("stock: drug and branch required")
	}
	return s.repo.FindAvailable(ctx, drugID, branchID)
}

// FindExpiring lists batches expiring inside the window.
func (s *Service) FindExpiring(ctx context.Context, branchID int64, days int) ([]Batch, error) {
	if branchID == 0 {
		return nil, errors.New("stock: branch required")
	}
	if days <= 0 {
		days = 90
	}
	return s.repo.FindExpiring(ctx, branchID, days)
}

// FindLowStock lists batches at or below their reorder point.
func (s *Service) FindLowStock(ctx context.Context, branchID int64) ([]Batch, error) {
	if branchID == 0 {
		return nil, errors.New("stock: branch required")
	}
	return s.repo.FindLowStock(ctx, branchID)
}

// StockCard lists ledger entries for reporting.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]LedgerEntry, error) {
	return s.repo.StockCard(ctx, filter)
}

// GetBatch loads one batch.
func (s *Service) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	return s.repo.GetBatch(ctx, batchID)
}

// VerifyBalance checks the materialised balance against the ledger sum.
func (s *Service) VerifyBalance(ctx context.Context, batchID int64) (bool, error) {
	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	sum, err := s.repo.SumLedger(ctx, batchID)
	if err != nil {
		return false, err
	}
	return batch.QuantityAvailable == sum, nil
}

func (s *Service) checkBatch(ctx context.Context, tx TxRepository, input MovementInput, inbound bool) (Batch, error) {
	if input.Quantity <= 0 {
		return Batch{}, ErrInvalidQuantity
	}
	if input.BatchID == 0 {
		return Batch{}, ErrBatchNotFound
	}
	batch, err := tx.GetBatchForUpdate(ctx, input.BatchID)
	if err != nil {
		return Batch{}, err
	}
	if batch.IsDeleted() {
		return Batch{}, ErrInvalidBatchState
	}
	// Outbound movements must not dispense expired stock; the expiry
	// write-off itself and inbound corrections are exempt.
	if !inbound && input.MovementType != MovementExpiry && batch.IsExpired(s.now()) {
		return Batch{}, ErrInvalidBatchState
	}
	return batch, nil
}

func (s *Service) applyMovement(ctx context.Context, tx TxRepository, batch Batch, input MovementInput, signedQty int64) (LedgerEntry, error) {
	if _, err := tx.AdjustQuantity(ctx, batch.ID, signedQty); err != nil {
		if errors.Is(err, ErrInsufficientStock) && s.metrics != nil {
			s.metrics.InsufficientStock()
		}
		return LedgerEntry{}, err
	}
	movementDate := input.MovementDate
	if movementDate.IsZero() {
		movementDate = s.now().UTC()
	}
	entry, err := tx.InsertLedgerEntry(ctx, LedgerEntry{
		BatchID:       batch.ID,
		UserID:        input.UserID,
		MovementType:  input.MovementType,
		Quantity:      signedQty,
		UnitCost:      batch.PurchasePrice,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Reason:        input.Reason,
		MovementDate:  movementDate,
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	if s.metrics != nil {
		s.metrics.Movement(string(input.MovementType))
	}
	return entry, nil
}

// withMovementGuard wraps a single-batch movement with the idempotency
// key (when the movement carries a reference) and the conflict retry.
func (s *Service) withMovementGuard(ctx context.Context, input MovementInput, fn func(context.Context, TxRepository) error) error {
	var key string
	insertedKey := false
	if s.idempotency != nil && input.ReferenceID != "" {
		key = fmt.Sprintf("%s:%s:%s:%d", input.MovementType, input.ReferenceType, input.ReferenceID, input.BatchID)
		if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
			return err
		}
		insertedKey = true
	}
	err := s.withRetry(ctx, fn)
	if err != nil && insertedKey {
		_ = s.idempotency.Delete(ctx, key)
	}
	return err
}

// withRetry runs the transaction, retrying once on a serialization or
// deadlock failure before surfacing ErrConcurrencyConflict.
func (s *Service) withRetry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := s.repo.WithTx(ctx, fn)
	if err == nil || !db.IsSerializationFailure(err) {
		return err
	}
	if s.metrics != nil {
		s.metrics.ConflictRetry()
	}
	err = s.repo.WithTx(ctx, fn)
	if err != nil && db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, branchID int64, input MovementInput, entry LedgerEntry) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  input.UserID,
		BranchID: branchID,
		Action:   fmt.Sprintf("stock:%s", input.MovementType),
		Entity:   "stock_movement",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Meta: map[string]any{
			"batch_id":     entry.BatchID,
			"quantity":     entry.Quantity,
			"reference":    string(input.ReferenceType),
			"reference_id": input.ReferenceID,
			"reason":       input.Reason,
		},
	})
}
