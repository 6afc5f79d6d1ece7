package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates supported ledger movements.
type MovementType string

const (
	MovementPurchase    MovementType = "purchase"
	MovementSale        MovementType = "sale"
	MovementTransferIn  MovementType = "transfer_in"
	MovementTransferOut MovementType = "transfer_out"
	MovementAdjustment  MovementType = "adjustment"
	MovementExpiry      MovementType = "expiry"
	MovementReturn      MovementType = "return"
)

// ReferenceType tags the originating transaction of a ledger entry.
type ReferenceType string

const (
	ReferenceSale          ReferenceType = "sale"
	ReferenceSaleReturn    ReferenceType = "sale_return"
	ReferenceStockTransfer ReferenceType = "stock_transfer"
	ReferenceGoodsReceipt  ReferenceType = "goods_received_note"
	ReferenceAdjustment    ReferenceType = "adjustment"
)

// Batch is a specific manufacturing lot of a drug held at one branch.
// QuantityAvailable is a materialised balance equal to the signed sum of
// all ledger entries for the batch; only AdjustQuantity writes it.
type Batch struct {
	ID                int64
	DrugID            int64
	BranchID          int64
	BatchNumber       string
	ManufacturingDate time.Time
	ExpiryDate        time.Time
	PurchasePrice     decimal.Decimal
	SellingPrice      decimal.Decimal
	VATApplicable     bool
	QuantityAvailable int64
	MinimumStockLevel int64
	ReorderPoint      int64
	CreatedAt         time.Time
	DeletedAt         *time.Time
}

// IsExpired reports whether the batch has passed its expiry date.
func (b Batch) IsExpired(at time.Time) bool {
	return b.ExpiryDate.Before(dateOf(at))
}

// ExpiringWithin reports whether the batch expires inside the window and
// is not yet expired.
func (b Batch) ExpiringWithin(at time.Time, days int) bool {
	today := dateOf(at)
	return !b.ExpiryDate.Before(today) && !b.ExpiryDate.After(today.AddDate(0, 0, days))
}

// IsDeleted reports whether the batch was soft-deleted.
func (b Batch) IsDeleted() bool {
	return b.DeletedAt != nil
}

// BelowMinimum reports whether available quantity fell under the minimum
// stock level.
func (b Batch) BelowMinimum() bool {
	return b.QuantityAvailable < b.MinimumStockLevel
}

// AtReorderPoint reports whether the batch reached its reorder point.
func (b Batch) AtReorderPoint() bool {
	return b.QuantityAvailable <= b.ReorderPoint
}

// MarkupPercent returns the selling markup over purchase price in percent.
func (b Batch) MarkupPercent() decimal.Decimal {
	if b.PurchasePrice.IsZero() {
		return decimal.Zero
	}
	return b.SellingPrice.Sub(b.PurchasePrice).Div(b.PurchasePrice).Mul(decimal.NewFromInt(100))
}

// LedgerEntry is an immutable record of one quantity change to one batch.
// Quantity sign encodes direction: positive increases stock.
type LedgerEntry struct {
	ID            int64
	BatchID       int64
	UserID        int64
	MovementType  MovementType
	Quantity      int64
	UnitCost      decimal.Decimal
	ReferenceType ReferenceType
	ReferenceID   string
	Reason        string
	MovementDate  time.Time
	CreatedAt     time.Time
}

// IsIncrease reports whether the entry raised stock.
func (e LedgerEntry) IsIncrease() bool { return e.Quantity > 0 }

// IsDecrease reports whether the entry lowered stock.
func (e LedgerEntry) IsDecrease() bool { return e.Quantity < 0 }

// Allocation pairs a batch with the quantity taken from it by the FEFO
// selector.
type Allocation struct {
	Batch    Batch
	Quantity int64
}

// CreateBatchInput describes a new batch opened from an approved goods
// receipt line.
type CreateBatchInput struct {
	DrugID            int64
	BranchID          int64
	BatchNumber       string
	ManufacturingDate time.Time
	ExpiryDate        time.Time
	PurchasePrice     decimal.Decimal
	SellingPrice      decimal.Decimal
	VATApplicable     bool
	Quantity          int64
	MinimumStockLevel int64
	ReorderPoint      int64
	UserID            int64
	ReferenceType     ReferenceType
	ReferenceID       string
	Reason            string
	MovementDate      time.Time
}

// MovementInput carries the ledger metadata for an allocate or release.
type MovementInput struct {
	BatchID       int64
	Quantity      int64
	UserID        int64
	MovementType  MovementType
	ReferenceType ReferenceType
	ReferenceID   string
	Reason        string
	MovementDate  time.Time
}

// StockCardFilter filters ledger reads for reporting.
type StockCardFilter struct {
	BranchID int64
	DrugID   int64
	BatchID  int64
	From     time.Time
	To       time.Time
	Limit    int
}

var (
	// ErrInsufficientStock triggered when a movement would drive a batch
	// balance negative, or FEFO cannot cover the requested quantity.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInvalidBatchState indicates an operation on an expired or
	// soft-deleted batch.
	ErrInvalidBatchState = errors.New("stock: batch expired or deleted")
	// ErrDuplicateBatch indicates a (drug, branch, batch number) collision.
	ErrDuplicateBatch = errors.New("stock: duplicate batch number for drug and branch")
	// ErrConcurrencyConflict indicates a lock or version conflict that
	// persisted through the retry.
	ErrConcurrencyConflict = errors.New("stock: concurrent update conflict")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("stock: quantity must be positive")
	// ErrBatchNotFound indicates a missing batch row.
	ErrBatchNotFound = errors.New("stock: batch not found")
	// ErrInvalidDates indicates expiry not after manufacturing date.
	ErrInvalidDates = errors.New("stock: expiry date must be after manufacturing date")
)

// dateOf truncates a timestamp to its calendar date in UTC.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
