package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmapos/pharmapos/internal/shared"
)

// SaleStatus tracks the return lifecycle of a completed sale.
type SaleStatus string

const (
	StatusCompleted         SaleStatus = "completed"
	StatusPartiallyReturned SaleStatus = "partially_returned"
	StatusReturned          SaleStatus = "returned"
)

// PaymentMethod enumerates accepted tender types.
type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentCard        PaymentMethod = "card"
	PaymentTransfer    PaymentMethod = "transfer"
	PaymentMobileMoney PaymentMethod = "mobile_money"
)

// Sale is a completed point-of-sale transaction. Monetary fields are
// exact decimals; TotalAmount = Subtotal - DiscountAmount + VATAmount.
type Sale struct {
	ID                   int64
	SaleNumber           string
	BranchID             int64
	CashierID            int64
	CustomerName         string
	CustomerPhone        string
	PrescriptionNumber   string
	Status               SaleStatus
	Subtotal             decimal.Decimal
	DiscountAmount       decimal.Decimal
	DiscountAuthorizedBy int64
	VATAmount            decimal.Decimal
	TotalAmount          decimal.Decimal
	PaidAmount           decimal.Decimal
	ChangeAmount         decimal.Decimal
	SoldAt               time.Time
	CreatedAt            time.Time

	Items    []SaleItem
	Payments []Payment
}

// Payment is one tender against a sale. A sale may split across several
// methods; PaidAmount on the header is their sum.
type Payment struct {
	ID        int64
	SaleID    int64
	Method    PaymentMethod
	Amount    decimal.Decimal
	Reference string
	CreatedAt time.Time
}

// SaleItem is one dispensed line, pinned to the exact batch it came
// from so returns restock the same lot.
type SaleItem struct {
	ID               int64
	SaleID           int64
	DrugID           int64
	BatchID          int64
	Quantity         int64
	UnitPrice        decimal.Decimal
	LineSubtotal     decimal.Decimal
	LineVAT          decimal.Decimal
	LineTotal        decimal.Decimal
	ReturnedQuantity int64
}

// ReturnableQuantity is what may still come back on this line.
func (i SaleItem) ReturnableQuantity() int64 {
	return i.Quantity - i.ReturnedQuantity
}

// SaleReturn is a processed customer return against one sale.
type SaleReturn struct {
	ID           int64
	SaleID       int64
	UserID       int64
	Reason       string
	RefundAmount decimal.Decimal
	CreatedAt    time.Time

	Items []SaleReturnItem
}

// SaleReturnItem restores quantity to the batch the line was sold from.
type SaleReturnItem struct {
	ID           int64
	SaleReturnID int64
	SaleItemID   int64
	BatchID      int64
	Quantity     int64
	RefundAmount decimal.Decimal
}

// CreateSaleInput is the POS checkout payload.
type CreateSaleInput struct {
	BranchID             int64
	CashierID            int64
	CustomerName         string
	CustomerPhone        string
	PrescriptionNumber   string
	DiscountAmount       decimal.Decimal
	DiscountAuthorizedBy int64
	Authorizer           *shared.Actor
	Payments             []PaymentInput
	Lines                []SaleLineInput
}

// PaymentInput is one tender on the checkout payload.
type PaymentInput struct {
	Method    PaymentMethod
	Amount    decimal.Decimal
	Reference string
}

// SaleLineInput requests one drug. BatchID zero lets the engine pick
// batches First-Expired-First-Out; non-zero pins the scanned batch.
type SaleLineInput struct {
	DrugID   int64
	BatchID  int64
	Quantity int64
}

// ReturnInput requests a return against a sale.
type ReturnInput struct {
	SaleID int64
	UserID int64
	Reason string
	Lines  []ReturnLineInput
}

// ReturnLineInput returns part of one sale line.
type ReturnLineInput struct {
	SaleItemID int64
	Quantity   int64
}

// ReturnEligibility describes what a sale can still take back.
type ReturnEligibility struct {
	Sale          Sale
	WithinWindow  bool
	WindowExpires time.Time
}

var (
	// ErrSaleNotFound indicates a missing sale.
	ErrSaleNotFound = errors.New("sales: sale not found")
	// ErrEmptySale indicates a checkout without lines.
	ErrEmptySale = errors.New("sales: at least one line required")
	// ErrPrescriptionRequired indicates a prescription-only drug sold
	// without a prescription number.
	ErrPrescriptionRequired = errors.New("sales: prescription number required")
	// ErrDiscountNotAuthorized indicates a discount without a qualified
	// authorizer.
	ErrDiscountNotAuthorized = errors.New("sales: discount requires authorization")
	// ErrInsufficientPayment indicates paid amount below the total.
	ErrInsufficientPayment = errors.New("sales: paid amount below total")
	// ErrExcessPayment indicates paid amount above the total. Tenders
	// must balance against the receipt; change is not handled here.
	ErrExcessPayment = errors.New("sales: paid amount above total")
	// ErrReturnWindowClosed indicates the return period has elapsed.
	ErrReturnWindowClosed = errors.New("sales: return window closed")
	// ErrReturnExceedsSold indicates a return above the remaining
	// returnable quantity.
	ErrReturnExceedsSold = errors.New("sales: return exceeds sold quantity")
	// ErrBatchMismatch indicates a pinned batch holding a different drug.
	ErrBatchMismatch = errors.New("sales: batch does not hold the requested drug")
)

// paymentTolerance absorbs sub-cent rounding on cash tenders.
var paymentTolerance = decimal.RequireFromString("0.01")

// discountRoles may authorize discounts without an explicit permission.
var discountRoles = []string{"super admin", "admin", "manager", "pharmacist"}
