package transfer

import (
	"errors"
	"time"
)

// Status tracks a transfer through its lifecycle. Stock leaves the
// source branch at dispatch and arrives at the destination on receipt;
// between the two it is in transit and belongs to neither branch's
// available quantity.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusInTransit Status = "in_transit"
	StatusReceived  Status = "received"
	StatusCancelled Status = "cancelled"
)

// StockTransfer moves batches between two branches.
type StockTransfer struct {
	ID             int64
	TransferNumber string
	FromBranchID   int64
	ToBranchID     int64
	Status         Status
	RequestedBy    int64
	ApprovedBy     int64
	DispatchedBy   int64
	ReceivedBy     int64
	Notes          string
	CreatedAt      time.Time

	Items []TransferItem
}

// TransferItem moves one source batch. DestinationBatchID is set on
// receipt, pointing at the batch the stock landed in.
type TransferItem struct {
	ID                 int64
	TransferID         int64
	DrugID             int64
	BatchID            int64
	Quantity           int64
	DestinationBatchID int64
}

// CreateInput requests a transfer between branches.
type CreateInput struct {
	FromBranchID int64
	ToBranchID   int64
	RequestedBy  int64
	Notes        string
	Lines        []LineInput
}

// LineInput requests quantity from one source batch.
type LineInput struct {
	BatchID  int64
	Quantity int64
}

var (
	// ErrTransferNotFound indicates a missing transfer.
	ErrTransferNotFound = errors.New("transfer: transfer not found")
	// ErrInvalidStatus indicates a lifecycle operation on the wrong state.
	ErrInvalidStatus = errors.New("transfer: operation not allowed in current status")
	// ErrSameBranch indicates source and destination are the same.
	ErrSameBranch = errors.New("transfer: source and destination branch must differ")
	// ErrEmptyTransfer indicates a transfer without lines.
	ErrEmptyTransfer = errors.New("transfer: at least one line required")
	// ErrBatchNotAtSource indicates a batch held at a different branch.
	ErrBatchNotAtSource = errors.New("transfer: batch not held at source branch")
)
