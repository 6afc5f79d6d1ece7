package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pharmapos/pharmapos/internal/catalog"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// BranchLister enumerates branches for branch-scoped jobs.
type BranchLister interface {
	ListBranches(ctx context.Context) ([]catalog.Branch, error)
}

// StockSweeper is the slice of the stock engine the sweep needs.
type StockSweeper interface {
	RetireExpired(ctx context.Context, branchID, userID int64) ([]stock.LedgerEntry, error)
}

// ExpirySweepJob zeroes out expired batches at every branch. Each
// retired batch gets an expiry ledger entry, so the run is fully
// reconstructable from the stock card.
type ExpirySweepJob struct {
	Stock    StockSweeper
	Branches BranchLister
	Logger   *slog.Logger
	// SystemUserID is stamped on the expiry ledger entries.
	SystemUserID int64
	clock        func() time.Time
}

// NewExpirySweepJob wires dependencies for the sweep handler.
func NewExpirySweepJob(stockSvc StockSweeper, branches BranchLister, logger *slog.Logger, systemUserID int64) *ExpirySweepJob {
	return &ExpirySweepJob{
		Stock:        stockSvc,
		Branches:     branches,
		Logger:       logger,
		SystemUserID: systemUserID,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes expiry sweep tasks. A branch that fails does not stop
// the sweep; the error is logged and the remaining branches still run.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Stock == nil || j.Branches == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload ExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger().With(slog.String("sweep_id", payload.SweepID))
	started := j.now()
	logger.Info("starting expiry sweep")

	branches, err := j.Branches.ListBranches(ctx)
	if err != nil {
		logger.Error("list branches", slog.Any("error", err))
		return err
	}

	retired := 0
	var lastErr error
	for _, branch := range branches {
		entries, err := j.Stock.RetireExpired(ctx, branch.ID, j.SystemUserID)
		if err != nil {
			lastErr = err
			logger.Error("retire expired", slog.Int64("branch_id", branch.ID), slog.Any("error", err))
			continue
		}
		if len(entries) > 0 {
			logger.Info("retired expired batches", slog.Int64("branch_id", branch.ID), slog.Int("batches", len(entries)))
		}
		retired += len(entries)
	}

	logger.Info("completed expiry sweep",
		slog.Int("branches", len(branches)),
		slog.Int("batches_retired", retired),
		slog.Duration("duration", time.Since(started)))
	return lastErr
}

func (j *ExpirySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *ExpirySweepJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
