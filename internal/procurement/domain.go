package procurement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// POStatus tracks the purchase order lifecycle.
type POStatus string

const (
	POStatusDraft             POStatus = "draft"
	POStatusApproved          POStatus = "approved"
	POStatusPartiallyReceived POStatus = "partially_received"
	POStatusCompleted         POStatus = "completed"
	POStatusCancelled         POStatus = "cancelled"
)

// GRNStatus tracks a goods received note through quality check.
type GRNStatus string

const (
	GRNStatusPendingQC GRNStatus = "pending_quality_check"
	GRNStatusApproved  GRNStatus = "approved"
	GRNStatusRejected  GRNStatus = "rejected"
)

// Supplier is a registered vendor.
type Supplier struct {
	ID    int64
	Name  string
	Phone string
	Email string
}

// PurchaseOrder is an order placed with a supplier for one branch.
type PurchaseOrder struct {
	ID         int64
	PONumber   string
	BranchID   int64
	SupplierID int64
	Status     POStatus
	CreatedBy  int64
	ApprovedBy int64
	Notes      string
	CreatedAt  time.Time

	Items []PurchaseOrderItem
}

// PurchaseOrderItem orders one drug. QuantityReceived accumulates as
// goods received notes pass quality check.
type PurchaseOrderItem struct {
	ID               int64
	PurchaseOrderID  int64
	DrugID           int64
	QuantityOrdered  int64
	QuantityReceived int64
	UnitCost         decimal.Decimal
}

// Outstanding is what the supplier still owes on this line.
func (i PurchaseOrderItem) Outstanding() int64 {
	return i.QuantityOrdered - i.QuantityReceived
}

// GoodsReceivedNote records a delivery. Stock enters the system only
// when the note passes quality check.
type GoodsReceivedNote struct {
	ID              int64
	GRNNumber       string
	PurchaseOrderID int64
	BranchID        int64
	SupplierID      int64
	Status          GRNStatus
	ReceivedBy      int64
	CheckedBy       int64
	Notes           string
	CreatedAt       time.Time

	Items []GRNItem
}

// GRNItem is one delivered lot. QuantityPassed is set at quality check;
// only passed units open a batch.
type GRNItem struct {
	ID                  int64
	GRNID               int64
	PurchaseOrderItemID int64
	DrugID              int64
	BatchNumber         string
	ManufacturingDate   time.Time
	ExpiryDate          time.Time
	QuantityReceived    int64
	QuantityPassed      int64
	UnitCost            decimal.Decimal
	SellingPrice        decimal.Decimal
	VATApplicable       bool
	BatchID             int64
}

// CreatePOInput opens a draft purchase order.
type CreatePOInput struct {
	BranchID   int64
	SupplierID int64
	CreatedBy  int64
	Notes      string
	Lines      []POLineInput
}

// POLineInput orders one drug.
type POLineInput struct {
	DrugID   int64
	Quantity int64
	UnitCost decimal.Decimal
}

// CreateGRNInput records a delivery against an approved purchase order.
type CreateGRNInput struct {
	PurchaseOrderID int64
	ReceivedBy      int64
	Notes           string
	Lines           []GRNLineInput
}

// GRNLineInput is one delivered lot.
type GRNLineInput struct {
	PurchaseOrderItemID int64
	BatchNumber         string
	ManufacturingDate   time.Time
	ExpiryDate          time.Time
	Quantity            int64
	SellingPrice        decimal.Decimal
	VATApplicable       bool
}

// QualityCheckInput passes or fails delivered lots.
type QualityCheckInput struct {
	GRNID     int64
	CheckedBy int64
	Notes     string
	Passed    []QualityCheckLine
}

// QualityCheckLine sets the passed quantity for one GRN item. Items
// absent from the input fail entirely.
type QualityCheckLine struct {
	GRNItemID int64
	Quantity  int64
}

var (
	// ErrPONotFound indicates a missing purchase order.
	ErrPONotFound = errors.New("procurement: purchase order not found")
	// ErrGRNNotFound indicates a missing goods received note.
	ErrGRNNotFound = errors.New("procurement: goods received note not found")
	// ErrSupplierNotFound indicates a missing supplier.
	ErrSupplierNotFound = errors.New("procurement: supplier not found")
	// ErrInvalidStatus indicates a lifecycle operation on the wrong state.
	ErrInvalidStatus = errors.New("procurement: operation not allowed in current status")
	// ErrEmptyOrder indicates an order or receipt without lines.
	ErrEmptyOrder = errors.New("procurement: at least one line required")
	// ErrReceiptExceedsOrdered indicates a delivery above the outstanding
	// ordered quantity.
	ErrReceiptExceedsOrdered = errors.New("procurement: received quantity exceeds outstanding order")
	// ErrPassedExceedsReceived indicates quality check passing more than
	// was delivered.
	ErrPassedExceedsReceived = errors.New("procurement: passed quantity exceeds received")
)
