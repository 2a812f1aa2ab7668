package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/repo"
)

func openTestDB(t *testing.T) (*JobRepo, *ExecutionRepo) {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewJobRepo(db), NewExecutionRepo(db)
}

func newJob(pipelineID, stageID string, priority int) *domain.StageJob {
	return domain.NewStageJob(domain.StageSubmission{
		PipelineID:     pipelineID,
		StageID:        stageID,
		ExecutablePath: "./stage.sh",
		ConfigFile:     "cfg.yaml",
		Arguments:      []string{"train.py"},
		Priority:       priority,
	}, 3)
}

func TestJobRepo_CreateAndClaim(t *testing.T) {
	ctx := context.Background()
	jobs, _ := openTestDB(t)

	low := newJob("p1", "a", 0)
	high := newJob("p2", "a", 9)
	require.NoError(t, jobs.Create(ctx, low))
	require.NoError(t, jobs.Create(ctx, high))
	assert.ErrorIs(t, jobs.Create(ctx, newJob("p1", "a", 0)), repo.ErrAlreadyExists)

	now := time.Now()
	claimed, err := jobs.ClaimNext(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID)
	assert.Equal(t, domain.JobStatusActive, claimed.Status)
	assert.Equal(t, 1, claimed.Attempt)
	assert.Equal(t, []string{"train.py"}, claimed.Arguments)
	require.NotNil(t, claimed.LockedUntil)

	claimed.MarkCompleted(&domain.StageResult{
		Success:           true,
		StructuredOutputs: map[string]any{"a": float64(1)},
		Artifacts:         []string{"outputs/p2/a/model.pkl"},
	})
	require.NoError(t, jobs.Update(ctx, claimed))

	got, err := jobs.GetByID(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, map[string]any{"a": float64(1)}, got.Result.StructuredOutputs)

	// После завершения стадия может быть поставлена снова.
	assert.NoError(t, jobs.Create(ctx, newJob("p2", "a", 0)))
}

func TestJobRepo_CancelAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	jobs, _ := openTestDB(t)
	now := time.Now()

	first := newJob("p1", "a", 1)
	second := newJob("p1", "b", 0)
	require.NoError(t, jobs.Create(ctx, first))
	require.NoError(t, jobs.Create(ctx, second))

	active, err := jobs.ClaimNext(ctx, now, time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, active.ID)

	cancelled, err := jobs.RequestCancel(ctx, "p1", "pipeline cancelled", now)
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, second.ID, cancelled[0].ID)
	assert.Equal(t, "pipeline cancelled", cancelled[0].Error)

	flag, err := jobs.Heartbeat(ctx, active.ID, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, flag)

	_, err = jobs.Heartbeat(ctx, second.ID, now)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestJobRepo_StatsStalledAndPurge(t *testing.T) {
	ctx := context.Background()
	jobs, _ := openTestDB(t)
	now := time.Now()

	for i := 0; i < 12; i++ {
		j := newJob("p", string(rune('a'+i)), 0)
		require.NoError(t, jobs.Create(ctx, j))
		j.MarkCompleted(&domain.StageResult{Success: true})
		require.NoError(t, jobs.Update(ctx, j))
	}
	require.NoError(t, jobs.Create(ctx, newJob("q", "x", 0)))
	_, err := jobs.ClaimNext(ctx, now, time.Second)
	require.NoError(t, err)

	stalled, err := jobs.ListStalled(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stalled, 1)

	removed, err := jobs.Purge(ctx, 10, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	stats, err := jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStats{Active: 1, Completed: 10}, stats)
}

func TestExecutionRepo_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	_, execs := openTestDB(t)

	exec := domain.NewPipelineExecution("p1", "train", []domain.StageDef{
		{ID: "ingest", Executable: "ingest.py"},
		{ID: "train", Executable: "train.py"},
	}, 2)
	exec.MarkStageRunning("ingest")
	exec.RecordResult("ingest", &domain.StageResult{Success: true, Artifacts: []string{}})
	require.NoError(t, execs.Save(ctx, exec))

	exec.MarkError("train failed")
	require.NoError(t, execs.Save(ctx, exec))

	got, err := execs.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusError, got.Status)
	assert.Equal(t, 50, got.Progress)
	assert.Len(t, got.Stages, 2)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "ingest", got.Results[0].StageID)
	assert.NotNil(t, got.EndTime)

	list, err := execs.List(ctx, domain.ExecutionStatusError, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = execs.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
