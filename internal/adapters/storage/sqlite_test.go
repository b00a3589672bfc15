package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/internal/adapters/storage"
	"github.com/alejandrodnm/perpx/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func makePipeline(id string, status domain.PipelineStatus, startedAt time.Time) domain.Pipeline {
	p := domain.NewPipeline(id, domain.PositionRequest{
		Market:         "0xf8c4ea0762fa9f8c87aea45bc37b1f3f2e66bdaa",
		Side:           domain.SideLong,
		Collateral:     dec("100"),
		Leverage:       10,
		ReferencePrice: dec("91000.5"),
	}, startedAt)
	p.Status = status
	finished := startedAt.Add(30 * time.Second)
	p.FinishedAt = &finished
	return *p
}

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteStorage_RecordAndGetPipelines(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	ok := makePipeline("run-ok", domain.StatusSuccess, now.Add(-time.Minute))
	for i := range ok.Steps {
		ok.Steps[i].Status = domain.StepConfirmed
		ok.Steps[i].Handle = domain.OperationHandle("0xhash" + string(rune('a'+i)))
		sub := now.Add(-time.Minute)
		ok.Steps[i].SubmittedAt = &sub
	}
	ok.Steps[1].Amount = dec("110")

	failed := makePipeline("run-failed", domain.StatusFailed, now)
	pe := domain.NewPipelineError(domain.StepPriceUpdate, domain.ErrSignerRejected)
	failed.Steps[0].Status = domain.StepFailed
	failed.Steps[0].Err = pe
	failed.Err = pe

	require.NoError(t, db.RecordPipeline(ctx, ok))
	require.NoError(t, db.RecordPipeline(ctx, failed))

	runs, err := db.GetPipelines(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Más recientes primero
	assert.Equal(t, "run-failed", runs[0].ID)
	assert.Equal(t, domain.StatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].Err)
	assert.Equal(t, domain.KindSignerRejected, runs[0].Err.Kind)
	assert.Equal(t, domain.StepPriceUpdate, runs[0].Err.Step)
	assert.Equal(t, domain.StepFailed, runs[0].Steps[0].Status)
	assert.Equal(t, domain.StepNotStarted, runs[0].Steps[2].Status)

	got := runs[1]
	assert.Equal(t, domain.SideLong, got.Request.Side)
	assert.True(t, dec("91000.5").Equal(got.Request.ReferencePrice))
	assert.Equal(t, int64(10), got.Request.Leverage)
	assert.True(t, dec("110").Equal(got.Steps[1].Amount))
	assert.Equal(t, domain.StepEnsureAllowance, got.Steps[1].Step)
	assert.Equal(t, domain.OperationHandle("0xhashc"), got.Steps[2].Handle)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.StartedAt.Equal(now.Add(-time.Minute)), "started %s", got.StartedAt)
}

func TestSQLiteStorage_RecordPipelineIsIdempotent(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	p := makePipeline("same", domain.StatusFailed, time.Now().UTC())

	require.NoError(t, db.RecordPipeline(ctx, p))
	require.NoError(t, db.RecordPipeline(ctx, p))

	runs, err := db.GetPipelines(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteStorage_AbandonedSteps(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	p := makePipeline("stuck", domain.StatusReset, time.Now().UTC())
	sub := time.Now().UTC()
	p.Steps[0].Status = domain.StepConfirmed
	p.Steps[0].Handle = "0xprice"
	p.Steps[1].Status = domain.StepPending
	p.Steps[1].Handle = "0xapprove"
	p.Steps[1].SubmittedAt = &sub
	p.Err = domain.NewPipelineError(domain.StepEnsureAllowance, domain.ErrTimedOut)
	require.NoError(t, db.RecordPipeline(ctx, p))

	abandoned, err := db.GetAbandonedSteps(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, domain.OperationHandle("0xapprove"), abandoned[0].Handle)
	assert.Equal(t, domain.StepEnsureAllowance, abandoned[0].Step)
}

func TestSQLiteStorage_PipelineStats(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.RecordPipeline(ctx, makePipeline("a", domain.StatusSuccess, now)))
	require.NoError(t, db.RecordPipeline(ctx, makePipeline("b", domain.StatusSuccess, now)))

	f := makePipeline("c", domain.StatusFailed, now)
	f.Err = domain.NewPipelineError(domain.StepOpenPosition, &domain.RevertError{Reason: "Leverage too high"})
	require.NoError(t, db.RecordPipeline(ctx, f))

	r := makePipeline("d", domain.StatusReset, now)
	r.Err = domain.NewPipelineError(domain.StepPriceUpdate, domain.ErrTimedOut)
	require.NoError(t, db.RecordPipeline(ctx, r))

	stats, err := db.GetPipelineStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Reset)
	assert.Equal(t, 1, stats.ByKind[domain.KindReverted])
	assert.Equal(t, 1, stats.ByKind[domain.KindTimedOut])
}

func TestSQLiteStorage_GetPipelines_Empty(t *testing.T) {
	db := newDB(t)

	// Sin datos
	runs, err := db.GetPipelines(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
