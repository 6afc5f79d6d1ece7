package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmapos/pharmapos/internal/platform/db"
	"github.com/pharmapos/pharmapos/internal/stock"
)

const transferColumns = `id, transfer_number, from_branch_id, to_branch_id, status,
requested_by, approved_by, dispatched_by, received_by, notes, created_at`

const itemColumns = `id, transfer_id, drug_id, batch_id, quantity, destination_batch_id`

// Repository persists stock transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository groups transfer writes with the stock movements of a
// dispatch or receipt into one transaction.
type TxRepository interface {
	Stock() stock.TxRepository
	NextTransferNumber(ctx context.Context, at time.Time) (string, error)
	InsertTransfer(ctx context.Context, transfer StockTransfer) (StockTransfer, error)
	InsertItem(ctx context.Context, item TransferItem) (TransferItem, error)
	GetTransferForUpdate(ctx context.Context, transferID int64) (StockTransfer, error)
	UpdateStatus(ctx context.Context, transferID int64, status Status, actorColumn string, actorID int64) error
	SetDestinationBatch(ctx context.Context, itemID, batchID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("transfer repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetTransfer loads one transfer with items.
func (r *Repository) GetTransfer(ctx context.Context, transferID int64) (StockTransfer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM stock_transfers WHERE id=$1`, transferID)
	transfer, err := scanTransfer(row)
	if err != nil {
		return StockTransfer{}, err
	}
	transfer.Items, err = loadItems(ctx, r.pool, transfer.ID, false)
	return transfer, err
}

// ListByBranch returns transfers touching the branch in either
// direction, newest first.
func (r *Repository) ListByBranch(ctx context.Context, branchID int64, limit int) ([]StockTransfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transferColumns+` FROM stock_transfers
WHERE from_branch_id=$1 OR to_branch_id=$1 ORDER BY id DESC LIMIT $2`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	transfers := []StockTransfer{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q querier, transferID int64, forUpdate bool) ([]TransferItem, error) {
	sql := `SELECT ` + itemColumns + ` FROM stock_transfer_items WHERE transfer_id=$1 ORDER BY id ASC`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []TransferItem{}
	for rows.Next() {
		var i TransferItem
		var destination *int64
		if err := rows.Scan(&i.ID, &i.TransferID, &i.DrugID, &i.BatchID, &i.Quantity, &destination); err != nil {
			return nil, err
		}
		if destination != nil {
			i.DestinationBatchID = *destination
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.NewTxRepository(r.tx)
}

func (r *txRepository) NextTransferNumber(ctx context.Context, at time.Time) (string, error) {
	return db.NextDocumentNumber(ctx, r.tx, "TRF", at)
}

func (r *txRepository) InsertTransfer(ctx context.Context, transfer StockTransfer) (StockTransfer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfers
(transfer_number, from_branch_id, to_branch_id, status, requested_by, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
RETURNING id, created_at`,
		transfer.TransferNumber, transfer.FromBranchID, transfer.ToBranchID, string(transfer.Status),
		transfer.RequestedBy, transfer.Notes).
		Scan(&transfer.ID, &transfer.CreatedAt)
	if err != nil {
		return StockTransfer{}, err
	}
	return transfer, nil
}

func (r *txRepository) InsertItem(ctx context.Context, item TransferItem) (TransferItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transfer_items (transfer_id, drug_id, batch_id, quantity)
VALUES ($1,$2,$3,$4)
RETURNING id`,
		item.TransferID, item.DrugID, item.BatchID, item.Quantity).
		Scan(&item.ID)
	if err != nil {
		return TransferItem{}, err
	}
	return item, nil
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, transferID int64) (StockTransfer, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM stock_transfers WHERE id=$1 FOR UPDATE`, transferID)
	transfer, err := scanTransfer(row)
	if err != nil {
		return StockTransfer{}, err
	}
	transfer.Items, err = loadItems(ctx, r.tx, transfer.ID, true)
	return transfer, err
}

// UpdateStatus writes the new status and stamps the acting user into
// the named column. actorColumn must be one of the audited columns.
func (r *txRepository) UpdateStatus(ctx context.Context, transferID int64, status Status, actorColumn string, actorID int64) error {
	switch actorColumn {
	case "approved_by", "dispatched_by", "received_by", "":
	default:
		return errors.New("transfer: unknown actor column")
	}
	sql := `UPDATE stock_transfers SET status=$2 WHERE id=$1`
	args := []any{transferID, string(status)}
	if actorColumn != "" {
		sql = `UPDATE stock_transfers SET status=$2, ` + actorColumn + `=$3 WHERE id=$1`
		args = append(args, actorID)
	}
	tag, err := r.tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *txRepository) SetDestinationBatch(ctx context.Context, itemID, batchID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_transfer_items SET destination_batch_id=$2 WHERE id=$1`, itemID, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (StockTransfer, error) {
	var t StockTransfer
	var approvedBy, dispatchedBy, receivedBy *int64
	err := row.Scan(&t.ID, &t.TransferNumber, &t.FromBranchID, &t.ToBranchID, (*string)(&t.Status),
		&t.RequestedBy, &approvedBy, &dispatchedBy, &receivedBy, &t.Notes, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockTransfer{}, ErrTransferNotFound
		}
		return StockTransfer{}, err
	}
	if approvedBy != nil {
		t.ApprovedBy = *approvedBy
	}
	if dispatchedBy != nil {
		t.DispatchedBy = *dispatchedBy
	}
	if receivedBy != nil {
		t.ReceivedBy = *receivedBy
	}
	return t, nil
}
