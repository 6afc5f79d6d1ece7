package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pharmapos/pharmapos/internal/catalog"
	"github.com/pharmapos/pharmapos/internal/stock"
)

// StockLevelReader is the slice of the stock engine the scan needs.
type StockLevelReader interface {
	FindLowStock(ctx context.Context, branchID int64) ([]stock.Batch, error)
}

// DrugResolver resolves drug names for the reorder report.
type DrugResolver interface {
	GetDrug(ctx context.Context, id int64) (catalog.Drug, error)
}

// LowStockScanJob walks every branch and logs one reorder alert per
// batch at or below its reorder point. Alerts are structured log lines;
// downstream tooling turns them into purchase suggestions.
type LowStockScanJob struct {
	Stock    StockLevelReader
	Branches BranchLister
	Drugs    DrugResolver
	Logger   *slog.Logger
	titler   cases.Caser
}

// NewLowStockScanJob wires dependencies for the scan handler.
func NewLowStockScanJob(stockSvc StockLevelReader, branches BranchLister, drugs DrugResolver, logger *slog.Logger) *LowStockScanJob {
	return &LowStockScanJob{
		Stock:    stockSvc,
		Branches: branches,
		Drugs:    drugs,
		Logger:   logger,
		titler:   cases.Title(language.English),
	}
}

// Handle processes low stock scan tasks.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Stock == nil || j.Branches == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	logger := j.logger()
	logger.Info("starting low stock scan")

	branches, err := j.Branches.ListBranches(ctx)
	if err != nil {
		logger.Error("list branches", slog.Any("error", err))
		return err
	}

	alerts := 0
	var lastErr error
	for _, branch := range branches {
		batches, err := j.Stock.FindLowStock(ctx, branch.ID)
		if err != nil {
			lastErr = err
			logger.Error("find low stock", slog.Int64("branch_id", branch.ID), slog.Any("error", err))
			continue
		}
		for _, batch := range batches {
			logger.Warn("reorder alert",
				slog.String("branch", branch.Code),
				slog.String("drug", j.drugLabel(ctx, batch.DrugID)),
				slog.String("batch_number", batch.BatchNumber),
				slog.Int64("available", batch.QuantityAvailable),
				slog.Int64("reorder_point", batch.ReorderPoint))
			alerts++
		}
	}

	logger.Info("completed low stock scan",
		slog.Int("branches", len(branches)),
		slog.Int("alerts", alerts),
		slog.Duration("duration", time.Since(started)))
	return lastErr
}

func (j *LowStockScanJob) drugLabel(ctx context.Context, drugID int64) string {
	if j.Drugs == nil {
		return fmt.Sprintf("drug %d", drugID)
	}
	drug, err := j.Drugs.GetDrug(ctx, drugID)
	if err != nil {
		return fmt.Sprintf("drug %d", drugID)
	}
	return j.titler.String(drug.Name)
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
