package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/stage"
)

func TestInvocationRepository_SaveAndFind(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)
	ctx := context.Background()
	runID := model.NewRunID()
	insertRun(t, db, runID)

	inv, err := stage.NewInvocation(runID, model.StageIngestion)
	require.NoError(t, err)
	require.NoError(t, inv.Schedule())
	require.NoError(t, inv.Start())
	require.NoError(t, inv.SoftFail("upstream 503"))
	require.NoError(t, inv.RetryAfter(15*time.Second))
	require.NoError(t, repo.Save(ctx, inv))

	found, err := repo.Find(ctx, runID, model.StageIngestion)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.StagePending, found.State())
	assert.Equal(t, 1, found.Attempt())
	assert.Equal(t, "upstream 503", found.LastError())
	require.NotNil(t, found.StartedAt())
	require.NotNil(t, found.NextRetryAt())
	assert.WithinDuration(t, *inv.NextRetryAt(), *found.NextRetryAt(), time.Millisecond)
}

func TestInvocationRepository_FindMissingReturnsNil(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)

	found, err := repo.Find(context.Background(), model.NewRunID(), model.StageResearch)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestInvocationRepository_SaveUpserts(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)
	ctx := context.Background()
	runID := model.NewRunID()
	insertRun(t, db, runID)

	inv, err := stage.NewInvocation(runID, model.StageImageForensics)
	require.NoError(t, err)
	require.NoError(t, inv.Schedule())
	require.NoError(t, repo.Save(ctx, inv))

	require.NoError(t, inv.Start())
	require.NoError(t, inv.SoftFail("gpu pool unavailable"))
	inv.SwitchToFallback()
	require.NoError(t, repo.Save(ctx, inv))

	found, err := repo.Find(ctx, runID, model.StageImageForensics)
	require.NoError(t, err)
	assert.Equal(t, model.StageSoftFailed, found.State())
	assert.True(t, found.OnFallback())

	var count int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM stage_invocations WHERE run_id = ?", runID.String(),
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInvocationRepository_ListByRunPipelineOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)
	ctx := context.Background()
	runID := model.NewRunID()
	insertRun(t, db, runID)

	// Insert in reverse order; listing must come back in pipeline order.
	names := []model.StageName{model.StageTimeline, model.StageResearch, model.StageIngestion}
	for _, name := range names {
		inv, err := stage.NewInvocation(runID, name)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, inv))
	}

	listed, err := repo.ListByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, model.StageIngestion, listed[0].Name())
	assert.Equal(t, model.StageResearch, listed[1].Name())
	assert.Equal(t, model.StageTimeline, listed[2].Name())
}

func TestInvocationRepository_ScopedByRun(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)
	ctx := context.Background()

	runA := model.NewRunID()
	runB := model.NewRunID()
	for _, id := range []model.RunID{runA, runB} {
		insertRun(t, db, id)
		inv, err := stage.NewInvocation(id, model.StageIngestion)
		require.NoError(t, err)
		require.NoError(t, repo.Save(ctx, inv))
	}

	listed, err := repo.ListByRun(ctx, runA)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, runA, listed[0].RunID())
}

func TestInvocationRepository_RequiresRunRow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvocationRepository(db)

	// No parent runs row: the run_id foreign key must reject the save.
	inv, err := stage.NewInvocation(model.NewRunID(), model.StageIngestion)
	require.NoError(t, err)
	assert.Error(t, repo.Save(context.Background(), inv))
}
