package stock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pharmapos/pharmapos/internal/shared"
)

type memoryRepo struct {
	mu          sync.Mutex
	batches     map[int64]Batch
	ledger      []LedgerEntry
	nextBatchID int64
	nextEntryID int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{batches: make(map[int64]Batch)}
}

func (r *memoryRepo) seed(b Batch) Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextBatchID++
	b.ID = r.nextBatchID
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	r.batches[b.ID] = b
	return b
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshotBatches := make(map[int64]Batch, len(r.batches))
	for id, b := range r.batches {
		snapshotBatches[id] = b
	}
	snapshotLedger := make([]LedgerEntry, len(r.ledger))
	copy(snapshotLedger, r.ledger)
	snapBatchID, snapEntryID := r.nextBatchID, r.nextEntryID

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.batches = snapshotBatches
		r.ledger = snapshotLedger
		r.nextBatchID, r.nextEntryID = snapBatchID, snapEntryID
		return err
	}
	return nil
}

func (r *memoryRepo) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (r *memoryRepo) FindAvailable(ctx context.Context, drugID, branchID int64) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked(drugID, branchID), nil
}

func (r *memoryRepo) availableLocked(drugID, branchID int64) []Batch {
	out := []Batch{}
	for _, b := range r.batches {
		if b.DrugID == drugID && b.BranchID == branchID && !b.IsDeleted() && b.QuantityAvailable > 0 {
			out = append(out, b)
		}
	}
	return out
}

func (r *memoryRepo) FindExpiring(ctx context.Context, branchID int64, days int) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	out := []Batch{}
	for _, b := range r.batches {
		if b.BranchID == branchID && !b.IsDeleted() && b.QuantityAvailable > 0 && b.ExpiringWithin(now, days) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindLowStock(ctx context.Context, branchID int64) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Batch{}
	for _, b := range r.batches {
		if b.BranchID == branchID && !b.IsDeleted() && b.AtReorderPoint() {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryRepo) StockCard(ctx context.Context, filter StockCardFilter) ([]LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []LedgerEntry{}
	for _, e := range r.ledger {
		if filter.BatchID != 0 && e.BatchID != filter.BatchID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryRepo) SumLedger(ctx context.Context, batchID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum int64
	for _, e := range r.ledger {
		if e.BatchID == batchID {
			sum += e.Quantity
		}
	}
	return sum, nil
}

func (tx *memoryTx) GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error) {
	b, ok := tx.repo.batches[batchID]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (tx *memoryTx) GetBatchByNumberForUpdate(ctx context.Context, drugID, branchID int64, batchNumber string) (Batch, error) {
	for _, b := range tx.repo.batches {
		if b.DrugID == drugID && b.BranchID == branchID && b.BatchNumber == batchNumber {
			return b, nil
		}
	}
	return Batch{}, ErrBatchNotFound
}

func (tx *memoryTx) FindAvailableForUpdate(ctx context.Context, drugID, branchID int64) ([]Batch, error) {
	return tx.repo.availableLocked(drugID, branchID), nil
}

func (tx *memoryTx) FindExpiredForUpdate(ctx context.Context, branchID int64, asOf time.Time) ([]Batch, error) {
	out := []Batch{}
	for _, b := range tx.repo.batches {
		if b.BranchID == branchID && !b.IsDeleted() && b.QuantityAvailable > 0 && b.IsExpired(asOf) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (tx *memoryTx) AdjustQuantity(ctx context.Context, batchID int64, delta int64) (Batch, error) {
	b, ok := tx.repo.batches[batchID]
	if !ok || b.IsDeleted() {
		if !ok {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, ErrInsufficientStock
	}
	if b.QuantityAvailable+delta < 0 {
		return Batch{}, ErrInsufficientStock
	}
	b.QuantityAvailable += delta
	tx.repo.batches[batchID] = b
	return b, nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, batch Batch) (Batch, error) {
	for _, existing := range tx.repo.batches {
		if existing.DrugID == batch.DrugID && existing.BranchID == batch.BranchID && existing.BatchNumber == batch.BatchNumber {
			return Batch{}, ErrDuplicateBatch
		}
	}
	tx.repo.nextBatchID++
	batch.ID = tx.repo.nextBatchID
	batch.CreatedAt = time.Now().UTC()
	tx.repo.batches[batch.ID] = batch
	return batch, nil
}

func (tx *memoryTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	tx.repo.nextEntryID++
	entry.ID = tx.repo.nextEntryID
	entry.CreatedAt = time.Now().UTC()
	tx.repo.ledger = append(tx.repo.ledger, entry)
	return entry, nil
}

func (tx *memoryTx) SoftDeleteBatch(ctx context.Context, batchID int64) error {
	b, ok := tx.repo.batches[batchID]
	if !ok || b.IsDeleted() {
		return ErrBatchNotFound
	}
	now := time.Now().UTC()
	b.DeletedAt = &now
	tx.repo.batches[batchID] = b
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedBatch(repo *memoryRepo, qty int64, expiry time.Time) Batch {
	return repo.seed(Batch{
		DrugID:            1,
		BranchID:          1,
		BatchNumber:       "BN-" + expiry.Format("20060102"),
		ManufacturingDate: expiry.AddDate(-2, 0, 0),
		ExpiryDate:        expiry,
		PurchasePrice:     decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("6.50"),
		QuantityAvailable: qty,
	})
}

func farExpiry() time.Time {
	return dateOf(time.Now()).AddDate(1, 0, 0)
}

func TestAllocateWritesNegativeLedgerEntry(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	batch := seedBatch(repo, 100, farExpiry())

	entry, err := svc.Allocate(ctx, MovementInput{
		BatchID:      batch.ID,
		Quantity:     10,
		UserID:       7,
		MovementType: MovementSale,
		Reason:       "Sale: SAL-202509-000001",
	})
	require.NoError(t, err)
	require.Equal(t, int64(-10), entry.Quantity)

	updated, err := repo.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(90), updated.QuantityAvailable)

	sum, err := repo.SumLedger(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-10), sum)
}

func TestAllocateInsufficientStockLeavesNoTrace(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	batch := seedBatch(repo, 5, farExpiry())

	_, err := svc.Allocate(ctx, MovementInput{BatchID: batch.ID, Quantity: 6, MovementType: MovementSale})
	require.ErrorIs(t, err, ErrInsufficientStock)

	updated, err := repo.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), updated.QuantityAvailable)
	require.Empty(t, repo.ledger)
}

func TestAllocateRejectsExpiredBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	batch := seedBatch(repo, 10, dateOf(time.Now()).AddDate(0, 0, -1))

	_, err := svc.Allocate(context.Background(), MovementInput{BatchID: batch.ID, Quantity: 1, MovementType: MovementSale})
	require.ErrorIs(t, err, ErrInvalidBatchState)
}

func TestAllocateRejectsNonPositiveQuantity(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	batch := seedBatch(repo, 10, farExpiry())

	_, err := svc.Allocate(context.Background(), MovementInput{BatchID: batch.ID, Quantity: 0, MovementType: MovementSale})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	batch := seedBatch(repo, 40, farExpiry())

	_, err := svc.Allocate(ctx, MovementInput{BatchID: batch.ID, Quantity: 12, MovementType: MovementSale})
	require.NoError(t, err)
	_, err = svc.Release(ctx, MovementInput{BatchID: batch.ID, Quantity: 12, MovementType: MovementReturn})
	require.NoError(t, err)

	updated, err := repo.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(40), updated.QuantityAvailable)

	require.Len(t, repo.ledger, 2)
	require.Equal(t, int64(0), repo.ledger[0].Quantity+repo.ledger[1].Quantity)

	ok, err := svc.VerifyBalance(ctx, batch.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBulkAllocateFEFOSpansBatches(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	later := seedBatch(repo, 50, farExpiry().AddDate(0, 1, 0))
	sooner := seedBatch(repo, 3, farExpiry())

	entries, err := svc.BulkAllocateFEFO(ctx, 1, 1, 5, MovementInput{MovementType: MovementSale, Reason: "POS"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, sooner.ID, entries[0].BatchID)
	require.Equal(t, int64(-3), entries[0].Quantity)
	require.Equal(t, later.ID, entries[1].BatchID)
	require.Equal(t, int64(-2), entries[1].Quantity)
}

func TestBulkAllocateFEFOInsufficientRollsBack(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	seedBatch(repo, 3, farExpiry())

	_, err := svc.BulkAllocateFEFO(ctx, 1, 1, 10, MovementInput{MovementType: MovementSale})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Empty(t, repo.ledger)
}

func TestCreateBatchRejectsDuplicateNumber(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	input := CreateBatchInput{
		DrugID:            1,
		BranchID:          1,
		BatchNumber:       "LOT-42",
		ManufacturingDate: date(2025, 1, 1),
		ExpiryDate:        date(2027, 1, 1),
		PurchasePrice:     decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("6.00"),
		Quantity:          25,
		ReferenceType:     ReferenceGoodsReceipt,
	}
	created, entry, err := svc.CreateBatch(ctx, input)
	require.NoError(t, err)
	require.Equal(t, int64(25), created.QuantityAvailable)
	require.Equal(t, MovementPurchase, entry.MovementType)
	require.Equal(t, int64(25), entry.Quantity)

	_, _, err = svc.CreateBatch(ctx, input)
	require.ErrorIs(t, err, ErrDuplicateBatch)
}

func TestCreateBatchRejectsInvertedDates(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)

	_, _, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		DrugID:            1,
		BranchID:          1,
		BatchNumber:       "LOT-1",
		ManufacturingDate: date(2026, 1, 1),
		ExpiryDate:        date(2025, 1, 1),
		Quantity:          10,
	})
	require.ErrorIs(t, err, ErrInvalidDates)
}

func TestRetireExpiredZeroesBatches(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	expired := seedBatch(repo, 8, dateOf(time.Now()).AddDate(0, 0, -10))
	alive := seedBatch(repo, 5, farExpiry())

	entries, err := svc.RetireExpired(ctx, 1, 99)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, expired.ID, entries[0].BatchID)
	require.Equal(t, int64(-8), entries[0].Quantity)
	require.Equal(t, MovementExpiry, entries[0].MovementType)

	gone, err := repo.GetBatch(ctx, expired.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), gone.QuantityAvailable)

	kept, err := repo.GetBatch(ctx, alive.ID)
	require.NoError(t, err)
	require.Equal(t, int64(5), kept.QuantityAvailable)
}

func TestDeactivateBatchRequiresEmptyBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	batch := seedBatch(repo, 3, farExpiry())

	err := svc.DeactivateBatch(ctx, batch.ID, 1)
	require.Error(t, err)

	_, err = svc.Allocate(ctx, MovementInput{BatchID: batch.ID, Quantity: 3, MovementType: MovementAdjustment, Reason: "write-off"})
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateBatch(ctx, batch.ID, 1))

	_, err = svc.Release(ctx, MovementInput{BatchID: batch.ID, Quantity: 1, MovementType: MovementReturn})
	require.ErrorIs(t, err, ErrInvalidBatchState)
}

func TestConcurrentAllocatesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()
	batch := seedBatch(repo, 5, farExpiry())

	var g errgroup.Group
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			_, err := svc.Allocate(ctx, MovementInput{BatchID: batch.ID, Quantity: 3, MovementType: MovementSale})
			results[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var successes, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, insufficient)

	final, err := repo.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), final.QuantityAvailable)
	require.Len(t, repo.ledger, 1)
}

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func TestAuditRecordsCarryBranch(t *testing.T) {
	repo := newMemoryRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, audit, nil, nil)
	ctx := context.Background()
	batch := repo.seed(Batch{
		DrugID:            1,
		BranchID:          4,
		BatchNumber:       "BN-AUDIT",
		ExpiryDate:        farExpiry(),
		PurchasePrice:     decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("6.50"),
		QuantityAvailable: 20,
	})

	_, err := svc.Allocate(ctx, MovementInput{BatchID: batch.ID, Quantity: 5, UserID: 7, MovementType: MovementSale})
	require.NoError(t, err)
	_, err = svc.Release(ctx, MovementInput{BatchID: batch.ID, Quantity: 2, UserID: 7, MovementType: MovementReturn})
	require.NoError(t, err)

	_, _, err = svc.CreateBatch(ctx, CreateBatchInput{
		DrugID:            2,
		BranchID:          9,
		BatchNumber:       "LOT-77",
		ManufacturingDate: date(2025, 1, 1),
		ExpiryDate:        date(2027, 1, 1),
		PurchasePrice:     decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("6.00"),
		Quantity:          10,
		UserID:            7,
		ReferenceType:     ReferenceGoodsReceipt,
	})
	require.NoError(t, err)

	require.Len(t, audit.logs, 3)
	require.Equal(t, int64(4), audit.logs[0].BranchID)
	require.Equal(t, int64(4), audit.logs[1].BranchID)
	require.Equal(t, int64(9), audit.logs[2].BranchID)
	for _, log := range audit.logs {
		require.Equal(t, int64(7), log.ActorID)
	}
}
