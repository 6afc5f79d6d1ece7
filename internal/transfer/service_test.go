package transfer

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
	transfers   map[int64]StockTransfer
	counter     int64
	itemCounter int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		stockTx:   &memoryStockTx{batches: map[int64]stock.Batch{}},
		transfers: map[int64]StockTransfer{},
	}
}

func (r *memoryRepo) seedBatch(branchID int64, qty int64) stock.Batch {
	r.stockTx.nextID++
	b := stock.Batch{
		ID:                r.stockTx.nextID,
		DrugID:            1,
		BranchID:          branchID,
		BatchNumber:       "LOT-7",
		ManufacturingDate: time.Now().AddDate(-1, 0, 0),
		ExpiryDate:        time.Now().AddDate(1, 0, 0),
		PurchasePrice:     decimal.RequireFromString("4.00"),
		SellingPrice:      decimal.RequireFromString("6.50"),
		QuantityAvailable: qty,
		CreatedAt:         time.Now().UTC(),
	}
	r.stockTx.batches[b.ID] = b
	return b
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	batchSnapshot := make(map[int64]stock.Batch, len(r.stockTx.batches))
	for id, b := range r.stockTx.batches {
		batchSnapshot[id] = b
	}
	ledgerLen := len(r.stockTx.ledger)
	transferSnapshot := make(map[int64]StockTransfer, len(r.transfers))
	for id, t := range r.transfers {
		transferSnapshot[id] = t
	}

	if err := fn(ctx, r); err != nil {
		r.stockTx.batches = batchSnapshot
		r.stockTx.ledger = r.stockTx.ledger[:ledgerLen]
		r.transfers = transferSnapshot
		return err
	}
	return nil
}

func (r *memoryRepo) Stock() stock.TxRepository { return r.stockTx }

func (r *memoryRepo) NextTransferNumber(ctx context.Context, at time.Time) (string, error) {
	r.counter++
	return fmt.Sprintf("TRF-%s-%06d", at.Format("200601"), r.counter), nil
}

func (r *memoryRepo) InsertTransfer(ctx context.Context, transfer StockTransfer) (StockTransfer, error) {
	transfer.ID = int64(len(r.transfers) + 1)
	transfer.CreatedAt = time.Now().UTC()
	r.transfers[transfer.ID] = transfer
	return transfer, nil
}

func (r *memoryRepo) InsertItem(ctx context.Context, item TransferItem) (TransferItem, error) {
	r.itemCounter++
	item.ID = r.itemCounter
	t := r.transfers[item.TransferID]
	t.Items = append(t.Items, item)
	r.transfers[t.ID] = t
	return item, nil
}

func (r *memoryRepo) GetTransferForUpdate(ctx context.Context, transferID int64) (StockTransfer, error) {
	t, ok := r.transfers[transferID]
	if !ok {
		return StockTransfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, transferID int64, status Status, actorColumn string, actorID int64) error {
	t, ok := r.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	t.Status = status
	switch actorColumn {
	case "approved_by":
		t.ApprovedBy = actorID
	case "dispatched_by":
		t.DispatchedBy = actorID
	case "received_by":
		t.ReceivedBy = actorID
	}
	r.transfers[transferID] = t
	return nil
}

func (r *memoryRepo) SetDestinationBatch(ctx context.Context, itemID, batchID int64) error {
	for _, t := range r.transfers {
		for i, item := range t.Items {
			if item.ID == itemID {
				t.Items[i].DestinationBatchID = batchID
				r.transfers[t.ID] = t
				return nil
			}
		}
	}
	return ErrTransferNotFound
}

func (r *memoryRepo) GetTransfer(ctx context.Context, transferID int64) (StockTransfer, error) {
	return r.GetTransferForUpdate(ctx, transferID)
}

func (r *memoryRepo) ListByBranch(ctx context.Context, branchID int64, limit int) ([]StockTransfer, error) {
	out := []StockTransfer{}
	for _, t := range r.transfers {
		if t.FromBranchID == branchID || t.ToBranchID == branchID {
			out = append(out, t)
		}
	}
	return out, nil
}

func testService(repo *memoryRepo) *Service {
	return NewService(repo, stock.NewService(nil, nil, nil, nil), nil)
}

func pendingTransfer(t *testing.T, svc *Service, batch stock.Batch, qty int64) StockTransfer {
	t.Helper()
	transfer, err := svc.Create(context.Background(), CreateInput{
		FromBranchID: 1,
		ToBranchID:   2,
		RequestedBy:  5,
		Lines:        []LineInput{{BatchID: batch.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	return transfer
}

func TestCreateValidatesWithoutMoving(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	batch := repo.seedBatch(1, 20)

	transfer := pendingTransfer(t, svc, batch, 8)
	require.Equal(t, StatusPending, transfer.Status)
	require.Contains(t, transfer.TransferNumber, "TRF-")
	require.Len(t, transfer.Items, 1)

	// No reservation at creation.
	require.Equal(t, int64(20), repo.stockTx.batches[batch.ID].QuantityAvailable)
	require.Empty(t, repo.stockTx.ledger)
}

func TestCreateRejectsSameBranchAndWrongSource(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	batch := repo.seedBatch(2, 20)

	_, err := svc.Create(context.Background(), CreateInput{
		FromBranchID: 1, ToBranchID: 1, RequestedBy: 5,
		Lines: []LineInput{{BatchID: batch.ID, Quantity: 5}},
	})
	require.ErrorIs(t, err, ErrSameBranch)

	_, err = svc.Create(context.Background(), CreateInput{
		FromBranchID: 1, ToBranchID: 2, RequestedBy: 5,
		Lines: []LineInput{{BatchID: batch.ID, Quantity: 5}},
	})
	require.ErrorIs(t, err, ErrBatchNotAtSource)
}

func TestCreateRejectsShortStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	batch := repo.seedBatch(1, 4)

	_, err := svc.Create(context.Background(), CreateInput{
		FromBranchID: 1, ToBranchID: 2, RequestedBy: 5,
		Lines: []LineInput{{BatchID: batch.ID, Quantity: 5}},
	})
	require.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func TestApproveRejectsSelfApproval(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	batch := repo.seedBatch(1, 20)
	transfer := pendingTransfer(t, svc, batch, 8)

	err := svc.Approve(context.Background(), transfer.ID, transfer.RequestedBy)
	require.ErrorIs(t, err, shared.ErrForbidden)
	require.NoError(t, svc.Approve(context.Background(), transfer.ID, 6))
}

func TestDispatchMovesStockOut(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	batch := repo.seedBatch(1, 20)
	transfer := pendingTransfer(t, svc, batch, 8)

	err := svc.Dispatch(ctx, transfer.ID, 7)
	require.ErrorIs(t, err, ErrInvalidStatus)

	require.NoError(t, svc.Approve(ctx, transfer.ID, 6))
	require.NoError(t, svc.Dispatch(ctx, transfer.ID, 7))

	require.Equal(t, int64(12), repo.stockTx.batches[batch.ID].QuantityAvailable)
	require.Len(t, repo.stockTx.ledger, 1)
	require.Equal(t, stock.MovementTransferOut, repo.stockTx.ledger[0].MovementType)
	require.Equal(t, int64(-8), repo.stockTx.ledger[0].Quantity)
	require.Equal(t, transfer.TransferNumber, repo.stockTx.ledger[0].ReferenceID)
}

func TestReceiveCreatesDestinationBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	batch := repo.seedBatch(1, 20)
	transfer := pendingTransfer(t, svc, batch, 8)
	require.NoError(t, svc.Approve(ctx, transfer.ID, 6))
	require.NoError(t, svc.Dispatch(ctx, transfer.ID, 7))

	require.NoError(t, svc.Receive(ctx, transfer.ID, 8))

	updated, err := svc.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, updated.Status)
	destination := updated.Items[0].DestinationBatchID
	require.NotZero(t, destination)
	require.NotEqual(t, batch.ID, destination)

	landed := repo.stockTx.batches[destination]
	require.Equal(t, int64(2), landed.BranchID)
	require.Equal(t, batch.BatchNumber, landed.BatchNumber)
	require.Equal(t, batch.ExpiryDate, landed.ExpiryDate)
	require.Equal(t, int64(8), landed.QuantityAvailable)

	require.Len(t, repo.stockTx.ledger, 2)
	require.Equal(t, stock.MovementTransferIn, repo.stockTx.ledger[1].MovementType)
	require.Equal(t, int64(8), repo.stockTx.ledger[1].Quantity)
}

func TestReceiveReusesExistingDestinationBatch(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	source := repo.seedBatch(1, 20)
	existing := repo.seedBatch(2, 3)
	transfer := pendingTransfer(t, svc, source, 5)
	require.NoError(t, svc.Approve(ctx, transfer.ID, 6))
	require.NoError(t, svc.Dispatch(ctx, transfer.ID, 7))

	require.NoError(t, svc.Receive(ctx, transfer.ID, 8))

	updated, err := svc.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, existing.ID, updated.Items[0].DestinationBatchID)
	require.Equal(t, int64(8), repo.stockTx.batches[existing.ID].QuantityAvailable)
}

func TestCancelInTransitRestoresSource(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	batch := repo.seedBatch(1, 20)
	transfer := pendingTransfer(t, svc, batch, 8)
	require.NoError(t, svc.Approve(ctx, transfer.ID, 6))
	require.NoError(t, svc.Dispatch(ctx, transfer.ID, 7))
	require.Equal(t, int64(12), repo.stockTx.batches[batch.ID].QuantityAvailable)

	require.NoError(t, svc.Cancel(ctx, transfer.ID, 5, "truck breakdown"))
	require.Equal(t, int64(20), repo.stockTx.batches[batch.ID].QuantityAvailable)

	updated, err := svc.GetTransfer(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, updated.Status)

	err = svc.Dispatch(ctx, transfer.ID, 7)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelAfterReceiptFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := testService(repo)
	ctx := context.Background()
	batch := repo.seedBatch(1, 20)
	transfer := pendingTransfer(t, svc, batch, 8)
	require.NoError(t, svc.Approve(ctx, transfer.ID, 6))
	require.NoError(t, svc.Dispatch(ctx, transfer.ID, 7))
	require.NoError(t, svc.Receive(ctx, transfer.ID, 8))

	err := svc.Cancel(ctx, transfer.ID, 5, "too late")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
