package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmapos/pharmapos/internal/platform/db"
	"github.com/pharmapos/pharmapos/internal/stock"
)

const poColumns = `id, po_number, branch_id, supplier_id, status, created_by, approved_by, notes, created_at`

const poItemColumns = `id, purchase_order_id, drug_id, quantity_ordered, quantity_received, unit_cost`

const grnColumns = `id, grn_number, purchase_order_id, branch_id, supplier_id, status, received_by, checked_by, notes, created_at`

const grnItemColumns = `id, grn_id, purchase_order_item_id, drug_id, batch_number, manufacturing_date, expiry_date,
quantity_received, quantity_passed, unit_cost, selling_price, vat_applicable, batch_id`

// Repository persists purchase orders and goods received notes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository groups procurement writes with the batch openings of an
// approved quality check into one transaction.
type TxRepository interface {
	Stock() stock.TxRepository
	NextPONumber(ctx context.Context, at time.Time) (string, error)
	NextGRNNumber(ctx context.Context, at time.Time) (string, error)
	InsertPO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
	InsertPOItem(ctx context.Context, item PurchaseOrderItem) (PurchaseOrderItem, error)
	GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error)
	UpdatePOStatus(ctx context.Context, poID int64, status POStatus, approvedBy int64) error
	AddReceivedQuantity(ctx context.Context, poItemID, quantity int64) error
	InsertGRN(ctx context.Context, grn GoodsReceivedNote) (GoodsReceivedNote, error)
	InsertGRNItem(ctx context.Context, item GRNItem) (GRNItem, error)
	GetGRNForUpdate(ctx context.Context, grnID int64) (GoodsReceivedNote, error)
	UpdateGRNStatus(ctx context.Context, grnID int64, status GRNStatus, checkedBy int64) error
	SetGRNItemResult(ctx context.Context, grnItemID, quantityPassed, batchID int64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetSupplier loads one supplier.
func (r *Repository) GetSupplier(ctx context.Context, supplierID int64) (Supplier, error) {
	var s Supplier
	err := r.pool.QueryRow(ctx, `SELECT id, name, phone, email FROM suppliers WHERE id=$1`, supplierID).
		Scan(&s.ID, &s.Name, &s.Phone, &s.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Supplier{}, ErrSupplierNotFound
		}
		return Supplier{}, err
	}
	return s, nil
}

// GetPO loads one purchase order with items.
func (r *Repository) GetPO(ctx context.Context, poID int64) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1`, poID)
	po, err := scanPO(row)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadPOItems(ctx, r.pool, po.ID, false)
	return po, err
}

// ListByBranch returns purchase orders for the branch, newest first.
func (r *Repository) ListByBranch(ctx context.Context, branchID int64, limit int) ([]PurchaseOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+poColumns+` FROM purchase_orders
WHERE branch_id=$1 ORDER BY id DESC LIMIT $2`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPO(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	return orders, rows.Err()
}

// GetGRN loads one goods received note with items.
func (r *Repository) GetGRN(ctx context.Context, grnID int64) (GoodsReceivedNote, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+grnColumns+` FROM goods_received_notes WHERE id=$1`, grnID)
	grn, err := scanGRN(row)
	if err != nil {
		return GoodsReceivedNote{}, err
	}
	grn.Items, err = loadGRNItems(ctx, r.pool, grn.ID, false)
	return grn, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadPOItems(ctx context.Context, q querier, poID int64, forUpdate bool) ([]PurchaseOrderItem, error) {
	sql := `SELECT ` + poItemColumns + ` FROM purchase_order_items WHERE purchase_order_id=$1 ORDER BY id ASC`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []PurchaseOrderItem{}
	for rows.Next() {
		var i PurchaseOrderItem
		if err := rows.Scan(&i.ID, &i.PurchaseOrderID, &i.DrugID, &i.QuantityOrdered, &i.QuantityReceived, &i.UnitCost); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func loadGRNItems(ctx context.Context, q querier, grnID int64, forUpdate bool) ([]GRNItem, error) {
	sql := `SELECT ` + grnItemColumns + ` FROM grn_items WHERE grn_id=$1 ORDER BY id ASC`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, grnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []GRNItem{}
	for rows.Next() {
		var i GRNItem
		var poItemID, batchID *int64
		if err := rows.Scan(&i.ID, &i.GRNID, &poItemID, &i.DrugID, &i.BatchNumber, &i.ManufacturingDate,
			&i.ExpiryDate, &i.QuantityReceived, &i.QuantityPassed, &i.UnitCost, &i.SellingPrice,
			&i.VATApplicable, &batchID); err != nil {
			return nil, err
		}
		if poItemID != nil {
			i.PurchaseOrderItemID = *poItemID
		}
		if batchID != nil {
			i.BatchID = *batchID
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.NewTxRepository(r.tx)
}

func (r *txRepository) NextPONumber(ctx context.Context, at time.Time) (string, error) {
	return db.NextDocumentNumber(ctx, r.tx, "PO", at)
}

func (r *txRepository) NextGRNNumber(ctx context.Context, at time.Time) (string, error) {
	return db.NextDocumentNumber(ctx, r.tx, "GRN", at)
}

func (r *txRepository) InsertPO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders
(po_number, branch_id, supplier_id, status, created_by, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
RETURNING id, created_at`,
		po.PONumber, po.BranchID, po.SupplierID, string(po.Status), po.CreatedBy, po.Notes).
		Scan(&po.ID, &po.CreatedAt)
	if err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *txRepository) InsertPOItem(ctx context.Context, item PurchaseOrderItem) (PurchaseOrderItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_items
(purchase_order_id, drug_id, quantity_ordered, quantity_received, unit_cost)
VALUES ($1,$2,$3,0,$4)
RETURNING id`,
		item.PurchaseOrderID, item.DrugID, item.QuantityOrdered, item.UnitCost).
		Scan(&item.ID)
	if err != nil {
		return PurchaseOrderItem{}, err
	}
	return item, nil
}

func (r *txRepository) GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, poID)
	po, err := scanPO(row)
	if err != nil {
		return PurchaseOrder{}, err
	}
	po.Items, err = loadPOItems(ctx, r.tx, po.ID, true)
	return po, err
}

func (r *txRepository) UpdatePOStatus(ctx context.Context, poID int64, status POStatus, approvedBy int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders
SET status=$2, approved_by=COALESCE(NULLIF($3, 0), approved_by)
WHERE id=$1`, poID, string(status), approvedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPONotFound
	}
	return nil
}

func (r *txRepository) AddReceivedQuantity(ctx context.Context, poItemID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_order_items
SET quantity_received = quantity_received + $2
WHERE id=$1 AND quantity_received + $2 <= quantity_ordered`, poItemID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptExceedsOrdered
	}
	return nil
}

func (r *txRepository) InsertGRN(ctx context.Context, grn GoodsReceivedNote) (GoodsReceivedNote, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO goods_received_notes
(grn_number, purchase_order_id, branch_id, supplier_id, status, received_by, notes, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
RETURNING id, created_at`,
		grn.GRNNumber, grn.PurchaseOrderID, grn.BranchID, grn.SupplierID, string(grn.Status),
		grn.ReceivedBy, grn.Notes).
		Scan(&grn.ID, &grn.CreatedAt)
	if err != nil {
		return GoodsReceivedNote{}, err
	}
	return grn, nil
}

func (r *txRepository) InsertGRNItem(ctx context.Context, item GRNItem) (GRNItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO grn_items
(grn_id, purchase_order_item_id, drug_id, batch_number, manufacturing_date, expiry_date,
 quantity_received, quantity_passed, unit_cost, selling_price, vat_applicable)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10)
RETURNING id`,
		item.GRNID, item.PurchaseOrderItemID, item.DrugID, item.BatchNumber, item.ManufacturingDate,
		item.ExpiryDate, item.QuantityReceived, item.UnitCost, item.SellingPrice, item.VATApplicable).
		Scan(&item.ID)
	if err != nil {
		return GRNItem{}, err
	}
	return item, nil
}

func (r *txRepository) GetGRNForUpdate(ctx context.Context, grnID int64) (GoodsReceivedNote, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+grnColumns+` FROM goods_received_notes WHERE id=$1 FOR UPDATE`, grnID)
	grn, err := scanGRN(row)
	if err != nil {
		return GoodsReceivedNote{}, err
	}
	grn.Items, err = loadGRNItems(ctx, r.tx, grn.ID, true)
	return grn, err
}

func (r *txRepository) UpdateGRNStatus(ctx context.Context, grnID int64, status GRNStatus, checkedBy int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE goods_received_notes
SET status=$2, checked_by=COALESCE(NULLIF($3, 0), checked_by)
WHERE id=$1`, grnID, string(status), checkedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGRNNotFound
	}
	return nil
}

func (r *txRepository) SetGRNItemResult(ctx context.Context, grnItemID, quantityPassed, batchID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE grn_items
SET quantity_passed=$2, batch_id=NULLIF($3, 0)
WHERE id=$1`, grnItemID, quantityPassed, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGRNNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPO(row rowScanner) (PurchaseOrder, error) {
	var po PurchaseOrder
	var approvedBy *int64
	err := row.Scan(&po.ID, &po.PONumber, &po.BranchID, &po.SupplierID, (*string)(&po.Status),
		&po.CreatedBy, &approvedBy, &po.Notes, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, ErrPONotFound
		}
		return PurchaseOrder{}, err
	}
	if approvedBy != nil {
		po.ApprovedBy = *approvedBy
	}
	return po, nil
}

func scanGRN(row rowScanner) (GoodsReceivedNote, error) {
	var grn GoodsReceivedNote
	var poID, checkedBy *int64
	err := row.Scan(&grn.ID, &grn.GRNNumber, &poID, &grn.BranchID, &grn.SupplierID, (*string)(&grn.Status),
		&grn.ReceivedBy, &checkedBy, &grn.Notes, &grn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceivedNote{}, ErrGRNNotFound
		}
		return GoodsReceivedNote{}, err
	}
	if poID != nil {
		grn.PurchaseOrderID = *poID
	}
	if checkedBy != nil {
		grn.CheckedBy = *checkedBy
	}
	return grn, nil
}
