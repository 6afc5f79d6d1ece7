package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos/internal/catalog"
	"github.com/pharmapos/pharmapos/internal/stock"
)

type fakeBranches struct {
	branches []catalog.Branch
	err      error
}

func (f *fakeBranches) ListBranches(_ context.Context) ([]catalog.Branch, error) {
	return f.branches, f.err
}

type fakeSweeper struct {
	swept   []int64
	entries map[int64]int
	failOn  int64
}

func (f *fakeSweeper) RetireExpired(_ context.Context, branchID, _ int64) ([]stock.LedgerEntry, error) {
	if branchID == f.failOn && f.failOn != 0 {
		return nil, errors.New("boom")
	}
	f.swept = append(f.swept, branchID)
	return make([]stock.LedgerEntry, f.entries[branchID]), nil
}

type fakeLevels struct {
	low map[int64][]stock.Batch
}

func (f *fakeLevels) FindLowStock(_ context.Context, branchID int64) ([]stock.Batch, error) {
	return f.low[branchID], nil
}

func sweepTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewExpirySweepTask(time.Now().UTC())
	require.NoError(t, err)
	return task
}

func TestExpirySweepVisitsEveryBranch(t *testing.T) {
	sweeper := &fakeSweeper{entries: map[int64]int{1: 2, 2: 0}}
	job := NewExpirySweepJob(sweeper, &fakeBranches{branches: []catalog.Branch{
		{ID: 1, Code: "HQ"},
		{ID: 2, Code: "B2"},
	}}, slog.Default(), 99)

	require.NoError(t, job.Handle(context.Background(), sweepTask(t)))
	require.Equal(t, []int64{1, 2}, sweeper.swept)
}

func TestExpirySweepContinuesPastFailedBranch(t *testing.T) {
	sweeper := &fakeSweeper{entries: map[int64]int{}, failOn: 1}
	job := NewExpirySweepJob(sweeper, &fakeBranches{branches: []catalog.Branch{
		{ID: 1, Code: "HQ"},
		{ID: 2, Code: "B2"},
	}}, slog.Default(), 99)

	err := job.Handle(context.Background(), sweepTask(t))
	require.Error(t, err)
	require.Equal(t, []int64{2}, sweeper.swept)
}

func TestExpirySweepSkipsRetryOnBadPayload(t *testing.T) {
	job := NewExpirySweepJob(&fakeSweeper{}, &fakeBranches{}, slog.Default(), 99)
	task := asynq.NewTask(TaskTypeExpirySweep, []byte("not json"))
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestExpirySweepPayloadCarriesSweepID(t *testing.T) {
	task := sweepTask(t)
	var payload ExpirySweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.NotEmpty(t, payload.SweepID)
}

func TestLowStockScanReportsAlerts(t *testing.T) {
	levels := &fakeLevels{low: map[int64][]stock.Batch{
		1: {{ID: 10, DrugID: 5, BatchNumber: "BN-1", QuantityAvailable: 2, ReorderPoint: 10}},
	}}
	job := NewLowStockScanJob(levels, &fakeBranches{branches: []catalog.Branch{{ID: 1, Code: "HQ"}}}, nil, slog.Default())

	task, err := NewLowStockScanTask(time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}
