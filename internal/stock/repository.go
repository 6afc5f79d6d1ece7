package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmapos/pharmapos/internal/platform/db"
)

const batchColumns = `id, drug_id, branch_id, batch_number, manufacturing_date, expiry_date,
purchase_price, selling_price, vat_applicable, quantity_available, minimum_stock_level, reorder_point,
created_at, deleted_at`

// Repository persists batches and ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the allocation
// engine. Every mutation of quantity_available goes through
// AdjustQuantity so the balance and the ledger commit together.
type TxRepository interface {
	GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error)
	GetBatchByNumberForUpdate(ctx context.Context, drugID, branchID int64, batchNumber string) (Batch, error)
	FindAvailableForUpdate(ctx context.Context, drugID, branchID int64) ([]Batch, error)
	FindExpiredForUpdate(ctx context.Context, branchID int64, asOf time.Time) ([]Batch, error)
	AdjustQuantity(ctx context.Context, batchID int64, delta int64) (Batch, error)
	InsertBatch(ctx context.Context, batch Batch) (Batch, error)
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	SoftDeleteBatch(ctx context.Context, batchID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction so workflow repositories can
// compose stock movements with their own writes atomically.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetBatch loads one batch, including soft-deleted rows for audit reads.
func (r *Repository) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1`, batchID)
	return scanBatch(row)
}

// FindAvailable returns live batches with stock for the drug at the
// branch, in FEFO order.
func (r *Repository) FindAvailable(ctx context.Context, drugID, branchID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE drug_id=$1 AND branch_id=$2 AND deleted_at IS NULL AND quantity_available > 0
ORDER BY expiry_date ASC, created_at ASC, id ASC`, drugID, branchID)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

// FindExpiring returns non-expired batches with stock whose expiry falls
// inside the window.
func (r *Repository) FindExpiring(ctx context.Context, branchID int64, days int) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE branch_id=$1 AND deleted_at IS NULL AND quantity_available > 0
AND expiry_date >= CURRENT_DATE AND expiry_date <= CURRENT_DATE + $2::int
ORDER BY expiry_date ASC, created_at ASC, id ASC`, branchID, days)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

// FindLowStock returns batches at or below their reorder point.
func (r *Repository) FindLowStock(ctx context.Context, branchID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE branch_id=$1 AND deleted_at IS NULL AND quantity_available <= reorder_point
ORDER BY quantity_available ASC, id ASC`, branchID)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

// StockCard lists ledger entries for reporting, oldest first.
func (r *Repository) StockCard(ctx context.Context, filter StockCardFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT m.id, m.batch_id, m.user_id, m.movement_type, m.quantity, m.unit_cost,
m.reference_type, COALESCE(m.reference_id, ''), m.reason, m.movement_date, m.created_at
FROM stock_movements m JOIN batches b ON b.id = m.batch_id
WHERE ($1 = 0 OR b.branch_id = $1)
AND ($2 = 0 OR b.drug_id = $2)
AND ($3 = 0 OR m.batch_id = $3)
AND m.movement_date BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY m.movement_date ASC, m.id ASC
LIMIT $6`, filter.BranchID, filter.DrugID, filter.BatchID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []LedgerEntry{}
	for rows.Next() {
		entry, err := scanLedgerValues(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SumLedger returns the signed ledger total for a batch. Used by
// consistency checks: the result must equal quantity_available.
func (r *Repository) SumLedger(ctx context.Context, batchID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_movements WHERE batch_id=$1`, batchID).Scan(&sum)
	return sum, err
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=$1 FOR UPDATE`, batchID)
	batch, err := scanBatch(row)
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (r *txRepository) GetBatchByNumberForUpdate(ctx context.Context, drugID, branchID int64, batchNumber string) (Batch, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches
WHERE drug_id=$1 AND branch_id=$2 AND batch_number=$3 FOR UPDATE`, drugID, branchID, batchNumber)
	return scanBatch(row)
}

func (r *txRepository) FindAvailableForUpdate(ctx context.Context, drugID, branchID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE drug_id=$1 AND branch_id=$2 AND deleted_at IS NULL AND quantity_available > 0
ORDER BY expiry_date ASC, created_at ASC, id ASC
FOR UPDATE`, drugID, branchID)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (r *txRepository) FindExpiredForUpdate(ctx context.Context, branchID int64, asOf time.Time) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE branch_id=$1 AND deleted_at IS NULL AND quantity_available > 0 AND expiry_date < $2::date
ORDER BY expiry_date ASC, id ASC
FOR UPDATE`, branchID, asOf)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

// AdjustQuantity applies a signed delta with the non-negative guard in
// the UPDATE predicate, so two concurrent decrements cannot both pass a
// read-check and drive the balance below zero.
func (r *txRepository) AdjustQuantity(ctx context.Context, batchID int64, delta int64) (Batch, error) {
	row := r.tx.QueryRow(ctx, `UPDATE batches
SET quantity_available = quantity_available + $2
WHERE id=$1 AND deleted_at IS NULL AND quantity_available + $2 >= 0
RETURNING `+batchColumns, batchID, delta)
	batch, err := scanBatch(row)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, ErrBatchNotFound) {
		return Batch{}, err
	}
	// The guard rejected the update. Tell a missing batch apart from an
	// insufficient balance.
	var exists bool
	if lookupErr := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id=$1 AND deleted_at IS NULL)`, batchID).Scan(&exists); lookupErr != nil {
		return Batch{}, lookupErr
	}
	if !exists {
		return Batch{}, ErrBatchNotFound
	}
	return Batch{}, ErrInsufficientStock
}

func (r *txRepository) InsertBatch(ctx context.Context, batch Batch) (Batch, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO batches
(drug_id, branch_id, batch_number, manufacturing_date, expiry_date, purchase_price, selling_price, vat_applicable,
 quantity_available, minimum_stock_level, reorder_point, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
RETURNING `+batchColumns,
		batch.DrugID, batch.BranchID, batch.BatchNumber, batch.ManufacturingDate, batch.ExpiryDate,
		batch.PurchasePrice, batch.SellingPrice, batch.VATApplicable,
		batch.QuantityAvailable, batch.MinimumStockLevel, batch.ReorderPoint)
	created, err := scanBatch(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Batch{}, ErrDuplicateBatch
		}
		return Batch{}, err
	}
	return created, nil
}

func (r *txRepository) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements
(batch_id, user_id, movement_type, quantity, unit_cost, reference_type, reference_id, reason, movement_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
RETURNING id, created_at`,
		entry.BatchID, nullInt(entry.UserID), string(entry.MovementType), entry.Quantity, entry.UnitCost,
		string(entry.ReferenceType), nullString(entry.ReferenceID), entry.Reason, entry.MovementDate).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) SoftDeleteBatch(ctx context.Context, batchID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.DrugID, &b.BranchID, &b.BatchNumber, &b.ManufacturingDate, &b.ExpiryDate,
		&b.PurchasePrice, &b.SellingPrice, &b.VATApplicable, &b.QuantityAvailable, &b.MinimumStockLevel,
		&b.ReorderPoint, &b.CreatedAt, &b.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

func scanBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func scanLedgerValues(row rowScanner) (LedgerEntry, error) {
	var e LedgerEntry
	var userID *int64
	err := row.Scan(&e.ID, &e.BatchID, &userID, (*string)(&e.MovementType), &e.Quantity, &e.UnitCost,
		(*string)(&e.ReferenceType), &e.ReferenceID, &e.Reason, &e.MovementDate, &e.CreatedAt)
	if err != nil {
		return LedgerEntry{}, err
	}
	if userID != nil {
		e.UserID = *userID
	}
	return e, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
