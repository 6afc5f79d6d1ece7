package sales

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmapos/pharmapos/internal/platform/db"
	"github.com/pharmapos/pharmapos/internal/stock"
)

const saleColumns = `id, sale_number, branch_id, cashier_id, customer_name, customer_phone,
prescription_number, status, subtotal, discount_amount, discount_authorized_by, vat_amount,
total_amount, paid_amount, change_amount, sold_at, created_at`

const saleItemColumns = `id, sale_id, drug_id, batch_id, quantity, unit_price,
line_subtotal, line_vat, line_total, returned_quantity`

// Repository persists sales, sale items and returns in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository groups the sale writes with the stock movements of the
// same checkout or return into one transaction.
type TxRepository interface {
	Stock() stock.TxRepository
	NextSaleNumber(ctx context.Context, at time.Time) (string, error)
	InsertSale(ctx context.Context, sale Sale) (Sale, error)
	InsertSaleItem(ctx context.Context, item SaleItem) (SaleItem, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	GetSaleForUpdate(ctx context.Context, saleID int64) (Sale, error)
	AddReturnedQuantity(ctx context.Context, saleItemID, quantity int64) error
	UpdateSaleStatus(ctx context.Context, saleID int64, status SaleStatus) error
	InsertReturn(ctx context.Context, ret SaleReturn) (SaleReturn, error)
	InsertReturnItem(ctx context.Context, item SaleReturnItem) (SaleReturnItem, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("sales repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetSale loads one sale with its items.
func (r *Repository) GetSale(ctx context.Context, saleID int64) (Sale, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		return Sale{}, err
	}
	if sale.Items, err = r.loadItems(ctx, r.pool, sale.ID); err != nil {
		return Sale{}, err
	}
	sale.Payments, err = r.loadPayments(ctx, sale.ID)
	return sale, err
}

// GetSaleByNumber loads one sale by its document number with its items.
func (r *Repository) GetSaleByNumber(ctx context.Context, number string) (Sale, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE sale_number=$1`, number)
	sale, err := scanSale(row)
	if err != nil {
		return Sale{}, err
	}
	if sale.Items, err = r.loadItems(ctx, r.pool, sale.ID); err != nil {
		return Sale{}, err
	}
	sale.Payments, err = r.loadPayments(ctx, sale.ID)
	return sale, err
}

// ListByBranch returns recent sales for the branch, newest first.
func (r *Repository) ListByBranch(ctx context.Context, branchID int64, limit int) ([]Sale, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+saleColumns+` FROM sales
WHERE branch_id=$1 ORDER BY sold_at DESC, id DESC LIMIT $2`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sales := []Sale{}
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

// GetReturns lists returns recorded against a sale.
func (r *Repository) GetReturns(ctx context.Context, saleID int64) ([]SaleReturn, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sale_id, user_id, reason, refund_amount, created_at
FROM sale_returns WHERE sale_id=$1 ORDER BY id ASC`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	returns := []SaleReturn{}
	for rows.Next() {
		var ret SaleReturn
		if err := rows.Scan(&ret.ID, &ret.SaleID, &ret.UserID, &ret.Reason, &ret.RefundAmount, &ret.CreatedAt); err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	return returns, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) loadItems(ctx context.Context, q querier, saleID int64) ([]SaleItem, error) {
	rows, err := q.Query(ctx, `SELECT `+saleItemColumns+` FROM sale_items WHERE sale_id=$1 ORDER BY id ASC`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []SaleItem{}
	for rows.Next() {
		item, err := scanSaleItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) loadPayments(ctx context.Context, saleID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sale_id, method, amount, COALESCE(reference, ''), created_at
FROM payments WHERE sale_id=$1 ORDER BY id ASC`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	payments := []Payment{}
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.SaleID, (*string)(&p.Method), &p.Amount, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *txRepository) Stock() stock.TxRepository {
	return stock.NewTxRepository(r.tx)
}

func (r *txRepository) NextSaleNumber(ctx context.Context, at time.Time) (string, error) {
	return db.NextDocumentNumber(ctx, r.tx, "SAL", at)
}

func (r *txRepository) InsertSale(ctx context.Context, sale Sale) (Sale, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sales
(sale_number, branch_id, cashier_id, customer_name, customer_phone, prescription_number, status,
 subtotal, discount_amount, discount_authorized_by, vat_amount, total_amount, paid_amount, change_amount,
 sold_at, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())
RETURNING id, created_at`,
		sale.SaleNumber, sale.BranchID, sale.CashierID, sale.CustomerName, sale.CustomerPhone,
		sale.PrescriptionNumber, string(sale.Status), sale.Subtotal, sale.DiscountAmount,
		nullInt(sale.DiscountAuthorizedBy), sale.VATAmount, sale.TotalAmount, sale.PaidAmount,
		sale.ChangeAmount, sale.SoldAt).
		Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return Sale{}, err
	}
	return sale, nil
}

func (r *txRepository) InsertSaleItem(ctx context.Context, item SaleItem) (SaleItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_items
(sale_id, drug_id, batch_id, quantity, unit_price, line_subtotal, line_vat, line_total, returned_quantity)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0)
RETURNING id`,
		item.SaleID, item.DrugID, item.BatchID, item.Quantity, item.UnitPrice,
		item.LineSubtotal, item.LineVAT, item.LineTotal).
		Scan(&item.ID)
	if err != nil {
		return SaleItem{}, err
	}
	return item, nil
}

func (r *txRepository) InsertPayment(ctx context.Context, payment Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO payments (sale_id, method, amount, reference, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),NOW())
RETURNING id, created_at`,
		payment.SaleID, string(payment.Method), payment.Amount, payment.Reference).
		Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return Payment{}, err
	}
	return payment, nil
}

func (r *txRepository) GetSaleForUpdate(ctx context.Context, saleID int64) (Sale, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1 FOR UPDATE`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		return Sale{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT `+saleItemColumns+` FROM sale_items WHERE sale_id=$1 ORDER BY id ASC FOR UPDATE`, saleID)
	if err != nil {
		return Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanSaleItem(rows)
		if err != nil {
			return Sale{}, err
		}
		sale.Items = append(sale.Items, item)
	}
	return sale, rows.Err()
}

func (r *txRepository) AddReturnedQuantity(ctx context.Context, saleItemID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sale_items
SET returned_quantity = returned_quantity + $2
WHERE id=$1 AND returned_quantity + $2 <= quantity`, saleItemID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReturnExceedsSold
	}
	return nil
}

func (r *txRepository) UpdateSaleStatus(ctx context.Context, saleID int64, status SaleStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales SET status=$2 WHERE id=$1`, saleID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSaleNotFound
	}
	return nil
}

func (r *txRepository) InsertReturn(ctx context.Context, ret SaleReturn) (SaleReturn, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_returns (sale_id, user_id, reason, refund_amount, created_at)
VALUES ($1,$2,$3,$4,NOW())
RETURNING id, created_at`,
		ret.SaleID, ret.UserID, ret.Reason, ret.RefundAmount).
		Scan(&ret.ID, &ret.CreatedAt)
	if err != nil {
		return SaleReturn{}, err
	}
	return ret, nil
}

func (r *txRepository) InsertReturnItem(ctx context.Context, item SaleReturnItem) (SaleReturnItem, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO sale_return_items (sale_return_id, sale_item_id, batch_id, quantity, refund_amount)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`,
		item.SaleReturnID, item.SaleItemID, item.BatchID, item.Quantity, item.RefundAmount).
		Scan(&item.ID)
	if err != nil {
		return SaleReturnItem{}, err
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (Sale, error) {
	var s Sale
	var authorizedBy *int64
	err := row.Scan(&s.ID, &s.SaleNumber, &s.BranchID, &s.CashierID, &s.CustomerName, &s.CustomerPhone,
		&s.PrescriptionNumber, (*string)(&s.Status), &s.Subtotal, &s.DiscountAmount, &authorizedBy,
		&s.VATAmount, &s.TotalAmount, &s.PaidAmount, &s.ChangeAmount,
		&s.SoldAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrSaleNotFound
		}
		return Sale{}, err
	}
	if authorizedBy != nil {
		s.DiscountAuthorizedBy = *authorizedBy
	}
	return s, nil
}

func scanSaleItem(row rowScanner) (SaleItem, error) {
	var i SaleItem
	err := row.Scan(&i.ID, &i.SaleID, &i.DrugID, &i.BatchID, &i.Quantity, &i.UnitPrice,
		&i.LineSubtotal, &i.LineVAT, &i.LineTotal, &i.ReturnedQuantity)
	if err != nil {
		return SaleItem{}, err
	}
	return i, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
