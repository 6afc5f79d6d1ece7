package procurement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos/internal/shared"
	"github.com/pharmapos/pharmapos/internal/stock"
)

type memoryStockTx struct {
	batches map[int64]stock.Batch
	ledger  []stock.LedgerEntry
	nextID  int64
}

func (m *memoryStockTx) GetBatchForUpdate(ctx context.Context, batchID int64) (stock.Batch, error) {
	b, ok := m.batches[batchID]
	if !ok {
		return stock.Batch{}, stock.ErrBatchNotFound
	}
	return b, nil
}

func (m *memoryStockTx) GetBatchByNumberForUpdate(ctx context.Context, drugID, branchID int64, batchNumber string) (stock.Batch, error) {
	for _, b := range m.batches {
		if b.DrugID == drugID && b.BranchID == branchID && b.BatchNumber == batchNumber {
			return b, nil
		}
	}
	return stock.Batch{}, stock.ErrBatchNotFound
}

func (m *memoryStockTx) FindAvailableForUpdate(ctx context.Context, drugID, branchID int64) ([]stock.Batch, error) {
	return nil, nil
}

func (m *memoryStockTx) FindExpiredForUpdate(ctx context.Context, branchID int64, asOf time.Time) ([]stock.Batch, error) {
	return nil, nil
}

func (m *memoryStockTx) AdjustQuantity(ctx context.Context, batchID int64, delta int64) (stock.Batch, error) {
	b, ok := m.batches[batchID]
	if !ok {
		return stock.Batch{}, stock.ErrBatchNotFound
	}
	if b.QuantityAvailable+delta < 0 {
		return stock.Batch{}, stock.ErrInsufficientStock
	}
	b.QuantityAvailable += delta
	m.batches[batchID] = b
	return b, nil
}

func (m *memoryStockTx) InsertBatch(ctx context.Context, batch stock.Batch) (stock.Batch, error) {
	for _, existing := range m.batches {
		if existing.DrugID == batch.DrugID && existing.BranchID == batch.BranchID && existing.BatchNumber == batch.BatchNumber {
			return stock.Batch{}, stock.ErrDuplicateBatch
		}
	}
	m.nextID++
	batch.ID = m.nextID
	batch.CreatedAt = time.Now().UTC()
	m.batches[batch.ID] = batch
	return batch, nil
}

func (m *memoryStockTx) InsertLedgerEntry(ctx context.Context, entry stock.LedgerEntry) (stock.LedgerEntry, error) {
	entry.ID = int64(len(m.ledger) + 1)
	m.ledger = append(m.ledger, entry)
	return entry, nil
}

func (m *memoryStockTx) SoftDeleteBatch(ctx context.Context, batchID int64) error {
	return nil
}

type memoryRepo struct {
	stockTx     *memoryStockTx
	suppliers   map[int64]Supplier
	orders      map[int64]PurchaseOrder
	notes       map[int64]GoodsReceivedNote
	poCounter   int64
	grnCounter  int64
	itemCounter int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		stockTx:   &memoryStockTx{batches: map[int64]stock.Batch{}},
		suppliers: map[int64]Supplier{1: {ID: 1, Name: "MedSupply Ltd"}},
		orders:    map[int64]PurchaseOrder{},
		notes:     map[int64]GoodsReceivedNote{},
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	batchSnapshot := make(map[int64]stock.Batch, len(r.stockTx.batches))
	for id, b := range r.stockTx.batches {
		batchSnapshot[id] = b
	}
	ledgerLen := len(r.stockTx.ledger)
	orderSnapshot := make(map[int64]PurchaseOrder, len(r.orders))
	for id, po := range r.orders {
		orderSnapshot[id] = po
	}
	noteSnapshot := make(map[int64]GoodsReceivedNote, len(r.notes))
	for id, grn := range r.notes {
		noteSnapshot[id] = grn
	}

	if err := fn(ctx, r); err != nil {
		r.stockTx.batches = batchSnapshot
		r.stockTx.ledger = r.stockTx.ledger[:ledgerLen]
		r.orders = orderSnapshot
		r.notes = noteSnapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Stock() stock.TxRepository { return r.stockTx }

func (r *memoryRepo) NextPONumber(ctx context.Context, at time.Time) (string, error) {
	r.poCounter++
	return fmt.Sprintf("PO-%s-%06d", at.Format("200601"), r.poCounter), nil
}

func (r *memoryRepo) NextGRNNumber(ctx context.Context, at time.Time) (string, error) {
	r.grnCounter++
	return fmt.Sprintf("GRN-%s-%06d", at.Format("200601"), r.grnCounter), nil
}

func (r *memoryRepo) InsertPO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	po.ID = int64(len(r.orders) + 1)
	po.CreatedAt = time.Now().UTC()
	r.orders[po.ID] = po
	return po, nil
}

func (r *memoryRepo) InsertPOItem(ctx context.Context, item PurchaseOrderItem) (PurchaseOrderItem, error) {
	r.itemCounter++
	item.ID = r.itemCounter
	po := r.orders[item.PurchaseOrderID]
	po.Items = append(po.Items, item)
	r.orders[po.ID] = po
	return item, nil
}

func (r *memoryRepo) GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error) {
	po, ok := r.orders[poID]
	if !ok {
		return PurchaseOrder{}, ErrPONotFound
	}
	return po, nil
}

func (r *memoryRepo) UpdatePOStatus(ctx context.Context, poID int64, status POStatus, approvedBy int64) error {
	po, ok := r.orders[poID]
	if !ok {
		return ErrPONotFound
	}
	po.Status = status
	if approvedBy != 0 {
		po.ApprovedBy = approvedBy
	}
	r.orders[poID] = po
	return nil
}

func (r *memoryRepo) AddReceivedQuantity(ctx context.Context, poItemID, quantity int64) error {
	for _, po := range r.orders {
		for i, item := range po.Items {
			if item.ID != poItemID {
				continue
			}
			if item.QuantityReceived+quantity > item.QuantityOrdered {
				return ErrReceiptExceedsOrdered
			}
			po.Items[i].QuantityReceived += quantity
			r.orders[po.ID] = po
			return nil
		}
	}
	return ErrPONotFound
}

func (r *memoryRepo) InsertGRN(ctx context.Context, grn GoodsReceivedNote) (GoodsReceivedNote, error) {
	grn.ID = int64(len(r.notes) + 1)
	grn.CreatedAt = time.Now().UTC()
	r.notes[grn.ID] = grn
	return grn, nil
}

func (r *memoryRepo) InsertGRNItem(ctx context.Context, item GRNItem) (GRNItem, error) {
	r.itemCounter++
	item.ID = r.itemCounter
	grn := r.notes[item.GRNID]
	grn.Items = append(grn.Items, item)
	r.notes[grn.ID] = grn
	return item, nil
}

func (r *memoryRepo) GetGRNForUpdate(ctx context.Context, grnID int64) (GoodsReceivedNote, error) {
	grn, ok := r.notes[grnID]
	if !ok {
		return GoodsReceivedNote{}, ErrGRNNotFound
	}
	return grn, nil
}

func (r *memoryRepo) UpdateGRNStatus(ctx context.Context, grnID int64, status GRNStatus, checkedBy int64) error {
	grn, ok := r.notes[grnID]
	if !ok {
		return ErrGRNNotFound
	}
	grn.Status = status
	if checkedBy != 0 {
		grn.CheckedBy = checkedBy
	}
	r.notes[grnID] = grn
	return nil
}

func (r *memoryRepo) SetGRNItemResult(ctx context.Context, grnItemID, quantityPassed, batchID int64) error {
	for _, grn := range r.notes {
		for i, item := range grn.Items {
			if item.ID != grnItemID {
				continue
			}
			grn.Items[i].QuantityPassed = quantityPassed
			grn.Items[i].BatchID = batchID
			r.notes[grn.ID] = grn
			return nil
		}
	}
	return ErrGRNNotFound
}

func (r *memoryRepo) GetSupplier(ctx context.Context, supplierID int64) (Supplier, error) {
	s, ok := r.suppliers[supplierID]
	if !ok {
		return Supplier{}, ErrSupplierNotFound
	}
	return s, nil
}

func (r *memoryRepo) GetPO(ctx context.Context, poID int64) (PurchaseOrder, error) {
	return r.GetPOForUpdate(ctx, poID)
}

func (r *memoryRepo) ListByBranch(ctx context.Context, branchID int64, limit int) ([]PurchaseOrder, error) {
	out := []PurchaseOrder{}
	for _, po := range r.orders {
		if po.BranchID == branchID {
			out = append(out, po)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetGRN(ctx context.Context, grnID int64) (GoodsReceivedNote, error) {
	return r.GetGRNForUpdate(ctx, grnID)
}

func testService(repo *memoryRepo) *Service {
	return NewService(repo, stock.NewService(nil, nil, nil, nil), nil)
}

func draftPO(t *testing.T, svc *Service, quantities ...int64) PurchaseOrder {
	t.Helper()
	input := CreatePOInput{BranchID: 1, SupplierID: 1, CreatedBy: 5}
	for i, qty := range quantities {
		input.Lines = append(input.Lines, POLineInput{
			DrugID:   int64(i + 1),
			Quantity: qty,
			UnitCost: decimal.RequireFromString("4.00"),
		})
	}
	po, err := svc.CreatePO(context.Background(), input)
	require.NoError(t, err)
	return po
}

func grnLines(po PurchaseOrder, quantities ...int64) []GRNLineInput {
	lines := make([]GRNLineInput, 0, len(quantities))
	for i, qty := range quantities {
		lines = append(lines, GRNLineInput{
			PurchaseOrderItemID: po.Items[i].ID,
			BatchNumber:         fmt.Sprintf("LOT-%d", i+1),
			ManufacturingDate:   time.Now().AddDate(-1, 0, 0),
			ExpiryDate:          time.Now().AddDate(2, 0, 0),
			Quantity:            qty,
			SellingPrice:        decimal.RequireFromString("7.50"),
		})
	}
	return lines
}

func TestCreatePOStartsDraft(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)

	po := draftPO(t, svc, 100, 40)
	require.Equal(t, POStatusDraft, po.Status)
	require.Len(t, po.Items, 2)
	require.Contains(t, po.PONumber, "PO-")
}

func TestCreatePORejectsUnknownSupplier(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)

	_, err := svc.CreatePO(context.Background(), CreatePOInput{
		BranchID:   1,
		SupplierID: 99,
		CreatedBy:  5,
		Lines:      []POLineInput{{DrugID: 1, Quantity: 10, UnitCost: decimal.RequireFromString("4.00")}},
	})
	require.ErrorIs(t, err, ErrSupplierNotFound)
}

func TestApprovePORejectsSelfApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	po := draftPO(t, svc, 100)

	err := svc.ApprovePO(context.Background(), po.ID, po.CreatedBy)
	require.ErrorIs(t, err, shared.ErrForbidden)

	require.NoError(t, svc.ApprovePO(context.Background(), po.ID, 6))
	updated, err := svc.GetPO(context.Background(), po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusApproved, updated.Status)
	require.Equal(t, int64(6), updated.ApprovedBy)

	err = svc.ApprovePO(context.Background(), po.ID, 6)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCreateGRNRequiresApprovedOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	po := draftPO(t, svc, 100)

	_, err := svc.CreateGRN(context.Background(), CreateGRNInput{
		PurchaseOrderID: po.ID,
		ReceivedBy:      8,
		Lines:           grnLines(po, 50),
	})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCreateGRNRejectsOverDelivery(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	po := draftPO(t, svc, 100)
	require.NoError(t, svc.ApprovePO(context.Background(), po.ID, 6))

	_, err := svc.CreateGRN(context.Background(), CreateGRNInput{
		PurchaseOrderID: po.ID,
		ReceivedBy:      8,
		Lines:           grnLines(po, 101),
	})
	require.ErrorIs(t, err, ErrReceiptExceedsOrdered)
}

func TestQualityCheckOpensBatchesAndTracksOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 100, 40)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))

	grn, err := svc.CreateGRN(ctx, CreateGRNInput{
		PurchaseOrderID: po.ID,
		ReceivedBy:      8,
		Lines:           grnLines(po, 60, 40),
	})
	require.NoError(t, err)
	require.Equal(t, GRNStatusPendingQC, grn.Status)
	require.Empty(t, repo.stockTx.batches)

	// Pass 55 of 60 on the first lot, fail the second entirely.
	checked, err := svc.ApproveQualityCheck(ctx, QualityCheckInput{
		GRNID:     grn.ID,
		CheckedBy: 9,
		Passed:    []QualityCheckLine{{GRNItemID: grn.Items[0].ID, Quantity: 55}},
	})
	require.NoError(t, err)
	require.Equal(t, GRNStatusApproved, checked.Status)
	require.Equal(t, int64(55), checked.Items[0].QuantityPassed)
	require.NotZero(t, checked.Items[0].BatchID)
	require.Zero(t, checked.Items[1].QuantityPassed)
	require.Zero(t, checked.Items[1].BatchID)

	require.Len(t, repo.stockTx.batches, 1)
	batch := repo.stockTx.batches[checked.Items[0].BatchID]
	require.Equal(t, int64(55), batch.QuantityAvailable)
	require.Equal(t, "4.00", batch.PurchasePrice.StringFixed(2))
	require.Len(t, repo.stockTx.ledger, 1)
	require.Equal(t, stock.MovementPurchase, repo.stockTx.ledger[0].MovementType)
	require.Equal(t, int64(55), repo.stockTx.ledger[0].Quantity)
	require.Equal(t, checked.GRNNumber, repo.stockTx.ledger[0].ReferenceID)

	updated, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, updated.Status)
	require.Equal(t, int64(55), updated.Items[0].QuantityReceived)
	require.Equal(t, int64(0), updated.Items[1].QuantityReceived)
}

func TestQualityCheckCompletesOrderWhenFullyReceived(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))

	grn, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 30)})
	require.NoError(t, err)

	_, err = svc.ApproveQualityCheck(ctx, QualityCheckInput{
		GRNID:     grn.ID,
		CheckedBy: 9,
		Passed:    []QualityCheckLine{{GRNItemID: grn.Items[0].ID, Quantity: 30}},
	})
	require.NoError(t, err)

	updated, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusCompleted, updated.Status)
}

func TestQualityCheckRejectsPassAboveReceived(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))
	grn, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 20)})
	require.NoError(t, err)

	_, err = svc.ApproveQualityCheck(ctx, QualityCheckInput{
		GRNID:     grn.ID,
		CheckedBy: 9,
		Passed:    []QualityCheckLine{{GRNItemID: grn.Items[0].ID, Quantity: 21}},
	})
	require.ErrorIs(t, err, ErrPassedExceedsReceived)
	require.Empty(t, repo.stockTx.batches)
}

func TestCreateGRNMarksOrderPartiallyReceived(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))

	_, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 10)})
	require.NoError(t, err)

	// The delivery itself advances the order, before any quality check.
	updated, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, updated.Status)
}

func TestQualityCheckAllFailedRejectsNote(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))
	grn, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 20)})
	require.NoError(t, err)

	checked, err := svc.ApproveQualityCheck(ctx, QualityCheckInput{
		GRNID:     grn.ID,
		CheckedBy: 9,
		Passed:    []QualityCheckLine{{GRNItemID: grn.Items[0].ID, Quantity: 0}},
	})
	require.NoError(t, err)
	require.Equal(t, GRNStatusRejected, checked.Status)
	require.Empty(t, repo.stockTx.batches)
	require.Empty(t, repo.stockTx.ledger)

	updated, err := svc.GetGRN(ctx, grn.ID)
	require.NoError(t, err)
	require.Equal(t, GRNStatusRejected, updated.Status)
	require.Equal(t, int64(9), updated.CheckedBy)
}

func TestRejectQualityCheckLeavesStockUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))
	grn, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 20)})
	require.NoError(t, err)

	require.NoError(t, svc.RejectQualityCheck(ctx, grn.ID, 9, "water damage"))
	require.Empty(t, repo.stockTx.batches)
	require.Empty(t, repo.stockTx.ledger)

	updated, err := svc.GetGRN(ctx, grn.ID)
	require.NoError(t, err)
	require.Equal(t, GRNStatusRejected, updated.Status)

	_, err = svc.ApproveQualityCheck(ctx, QualityCheckInput{GRNID: grn.ID, CheckedBy: 9})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelPOAfterReceiptFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	po := draftPO(t, svc, 30)
	require.NoError(t, svc.ApprovePO(ctx, po.ID, 6))
	grn, err := svc.CreateGRN(ctx, CreateGRNInput{PurchaseOrderID: po.ID, ReceivedBy: 8, Lines: grnLines(po, 10)})
	require.NoError(t, err)
	_, err = svc.ApproveQualityCheck(ctx, QualityCheckInput{
		GRNID:     grn.ID,
		CheckedBy: 9,
		Passed:    []QualityCheckLine{{GRNItemID: grn.Items[0].ID, Quantity: 10}},
	})
	require.NoError(t, err)

	err = svc.CancelPO(ctx, po.ID, 5)
	require.ErrorIs(t, err, ErrInvalidStatus)
}
