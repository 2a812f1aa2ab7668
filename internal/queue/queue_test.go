package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/progress"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/repo/memory"
	"github.com/shaiso/Conveyor/internal/repo/sqlite"
	"github.com/shaiso/Conveyor/internal/runner"
)

var (
	_ Store = (*memory.JobStore)(nil)
	_ Store = (*sqlite.JobRepo)(nil)
	_ Store = (*repo.JobRepo)(nil)
)

type runFunc func(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult

type fakeRunner struct {
	mu    sync.Mutex
	order []string
	run   runFunc
}

func (f *fakeRunner) Run(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult {
	f.mu.Lock()
	f.order = append(f.order, job.StageID)
	f.mu.Unlock()
	return f.run(ctx, job, obs)
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func succeed(context.Context, *domain.StageJob, runner.Observer) *domain.StageResult {
	return &domain.StageResult{Success: true, StructuredOutputs: map[string]any{}, Artifacts: []string{}}
}

func fail(context.Context, *domain.StageJob, runner.Observer) *domain.StageResult {
	return domain.FailedResult(1, "exit code 1")
}

func blockUntilCancelled(ctx context.Context, _ *domain.StageJob, _ runner.Observer) *domain.StageResult {
	<-ctx.Done()
	return domain.FailedResult(-1, "stage cancelled: "+ctx.Err().Error())
}

type recordedEvent struct {
	kind    EventKind
	job     domain.StageJob
	percent int
	delay   time.Duration
}

type recorder struct {
	ch chan recordedEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan recordedEvent, 256)}
}

func (r *recorder) JobActive(_ context.Context, job *domain.StageJob) {
	r.ch <- recordedEvent{kind: EventActive, job: *job}
}

func (r *recorder) JobProgress(_ context.Context, job *domain.StageJob, percent int) {
	r.ch <- recordedEvent{kind: EventProgress, job: *job, percent: percent}
}

func (r *recorder) JobOutput(context.Context, *domain.StageJob, runner.Stream, string) {}

func (r *recorder) JobRetrying(_ context.Context, job *domain.StageJob, delay time.Duration) {
	r.ch <- recordedEvent{kind: EventRetrying, job: *job, delay: delay}
}

func (r *recorder) JobCompleted(_ context.Context, job *domain.StageJob) {
	r.ch <- recordedEvent{kind: EventCompleted, job: *job}
}

func (r *recorder) JobFailed(_ context.Context, job *domain.StageJob) {
	r.ch <- recordedEvent{kind: EventFailed, job: *job}
}

// next ждёт следующее событие одного из указанных типов, пропуская остальные.
func (r *recorder) next(t *testing.T, kinds ...EventKind) recordedEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			for _, k := range kinds {
				if ev.kind == k {
					return ev
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", kinds)
			return recordedEvent{}
		}
	}
}

func newTestQueue(t *testing.T, store Store, run runFunc, mutate func(*Config)) (*Queue, *fakeRunner, *recorder) {
	t.Helper()

	fr := &fakeRunner{run: run}
	cfg := Config{
		Store:        store,
		Runner:       fr,
		PollInterval: 10 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	q := New(cfg)
	rec := newRecorder()
	q.Subscribe(rec)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	return q, fr, rec
}

func submission(pipelineID, stageID string) domain.StageSubmission {
	return domain.StageSubmission{
		PipelineID:     pipelineID,
		StageID:        stageID,
		ExecutablePath: "/bin/true",
		ConfigFile:     "config.yaml",
	}
}

func TestQueue_Enqueue_Validation(t *testing.T) {
	q, _, _ := newTestQueue(t, memory.NewJobStore(), succeed, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.StageSubmission{PipelineID: "p1"}, 0)
	assert.ErrorIs(t, err, ErrInvalidJob)

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 7)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, job.Status)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)

	_, err = q.Enqueue(ctx, submission("p1", "s1"), 0)
	assert.ErrorIs(t, err, ErrJobInFlight)

	require.NoError(t, q.Shutdown(ctx))
	_, err = q.Enqueue(ctx, submission("p1", "s2"), 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_RunsJobToCompletion(t *testing.T) {
	store := memory.NewJobStore()
	q, _, rec := newTestQueue(t, store, succeed, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	active := rec.next(t, EventActive, EventCompleted, EventFailed)
	assert.Equal(t, EventActive, active.kind)
	assert.Equal(t, 1, active.job.Attempt)

	done := rec.next(t, EventCompleted, EventFailed)
	assert.Equal(t, EventCompleted, done.kind)
	assert.Equal(t, job.ID, done.job.ID)
	assert.Equal(t, 100, done.job.Progress)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.Success)

	assert.ErrorIs(t, q.Start(ctx), ErrAlreadyStarted)
}

func TestQueue_RetriesUntilExhausted(t *testing.T) {
	store := memory.NewJobStore()
	q, fr, rec := newTestQueue(t, store, fail, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	first := rec.next(t, EventRetrying, EventFailed)
	require.Equal(t, EventRetrying, first.kind)
	assert.Equal(t, time.Millisecond, first.delay)

	second := rec.next(t, EventRetrying, EventFailed)
	require.Equal(t, EventRetrying, second.kind)
	assert.Equal(t, 2*time.Millisecond, second.delay)

	final := rec.next(t, EventRetrying, EventFailed)
	require.Equal(t, EventFailed, final.kind)
	assert.Equal(t, 3, final.job.Attempt)
	assert.Equal(t, "exit code 1", final.job.Error)

	assert.Len(t, fr.calls(), 3)

	stored, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestQueue_RetryThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	run := func(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return fail(ctx, job, obs)
		}
		return succeed(ctx, job, obs)
	}

	q, _, rec := newTestQueue(t, memory.NewJobStore(), run, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	assert.Equal(t, EventRetrying, rec.next(t, EventRetrying, EventCompleted, EventFailed).kind)
	done := rec.next(t, EventRetrying, EventCompleted, EventFailed)
	assert.Equal(t, EventCompleted, done.kind)
	assert.Equal(t, 2, done.job.Attempt)
}

func TestQueue_PriorityOrder(t *testing.T) {
	q, fr, rec := newTestQueue(t, memory.NewJobStore(), succeed, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, submission("p1", "low"), 1)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, submission("p2", "high"), 10)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, submission("p3", "mid"), 5)
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx))
	for i := 0; i < 3; i++ {
		rec.next(t, EventCompleted)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, fr.calls())
}

func TestQueue_ProgressFromOutput(t *testing.T) {
	run := func(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult {
		obs.OnOutput(runner.Stdout, "Processing input")
		obs.OnOutput(runner.Stdout, "still processing")
		obs.OnOutput(runner.Stderr, "Training epoch 1")
		obs.OnOutput(runner.Stdout, "processing again")
		return succeed(ctx, job, obs)
	}

	q, _, rec := newTestQueue(t, memory.NewJobStore(), run, func(cfg *Config) {
		cfg.Heuristic = progress.New(progress.DefaultMarkers)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))

	var percents []int
	for {
		ev := rec.next(t, EventProgress, EventCompleted)
		if ev.kind == EventCompleted {
			break
		}
		percents = append(percents, ev.percent)
	}
	assert.Equal(t, []int{30, 60}, percents)
}

func TestQueue_CancelWaitingJobs(t *testing.T) {
	q, fr, rec := newTestQueue(t, memory.NewJobStore(), succeed, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, submission("p2", "s1"), 0)
	require.NoError(t, err)

	n, err := q.CancelPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := rec.next(t, EventFailed)
	assert.Equal(t, job.ID, ev.job.ID)
	assert.Equal(t, ErrJobCancelled.Error(), ev.job.Error)

	require.NoError(t, q.Start(ctx))
	done := rec.next(t, EventCompleted)
	assert.Equal(t, "p2", done.job.PipelineID)
	assert.Equal(t, []string{"s1"}, fr.calls())
}

func TestQueue_CancelActiveJob(t *testing.T) {
	store := memory.NewJobStore()
	q, _, rec := newTestQueue(t, store, blockUntilCancelled, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	rec.next(t, EventActive)

	n, err := q.CancelPipeline(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := rec.next(t, EventFailed, EventRetrying, EventCompleted)
	assert.Equal(t, EventFailed, ev.kind)
	assert.Equal(t, ErrJobCancelled.Error(), ev.job.Error)

	stored, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.True(t, stored.CancelRequested)
}

func TestQueue_ShutdownDrainsActiveJob(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, job *domain.StageJob, obs runner.Observer) *domain.StageResult {
		<-release
		return succeed(ctx, job, obs)
	}

	store := memory.NewJobStore()
	q, _, rec := newTestQueue(t, store, run, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	rec.next(t, EventActive)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(shutdownCtx))

	stored, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func TestQueue_ShutdownDeadlineReleasesJob(t *testing.T) {
	store := memory.NewJobStore()
	q, _, rec := newTestQueue(t, store, blockUntilCancelled, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)
	require.NoError(t, q.Start(ctx))
	rec.next(t, EventActive)

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = q.Shutdown(shutdownCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	stored, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, stored.Status)
	assert.Equal(t, 0, stored.Attempt)
}

func TestQueue_RecoverStalled(t *testing.T) {
	store := memory.NewJobStore()
	q, _, rec := newTestQueue(t, store, succeed, nil)
	ctx := context.Background()

	retry := domain.NewStageJob(submission("p1", "s1"), 3)
	exhausted := domain.NewStageJob(submission("p2", "s1"), 1)
	require.NoError(t, store.Create(ctx, retry))
	require.NoError(t, store.Create(ctx, exhausted))

	for i := 0; i < 2; i++ {
		_, err := store.ClaimNext(ctx, time.Now(), -time.Second)
		require.NoError(t, err)
	}

	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.GetByID(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusWaiting, got.Status)
	assert.Equal(t, 1, got.Attempt)

	got, err = store.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)

	ev := rec.next(t, EventFailed)
	assert.Equal(t, exhausted.ID, ev.job.ID)
}

func TestQueue_MaintainPurgesFinishedJobs(t *testing.T) {
	store := memory.NewJobStore()
	q, _, _ := newTestQueue(t, store, succeed, func(cfg *Config) {
		cfg.KeepCompleted = 2
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		job := domain.NewStageJob(submission("p", string(rune('a'+i))), 3)
		require.NoError(t, store.Create(ctx, job))
		job.MarkCompleted(&domain.StageResult{Success: true})
		require.NoError(t, store.Update(ctx, job))
	}

	require.NoError(t, q.Maintain(ctx))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestQueue_WithoutRunnerOnlyAccepts(t *testing.T) {
	store := memory.NewJobStore()
	q := New(Config{Store: store})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx))
	_, err := q.Enqueue(ctx, submission("p1", "s1"), 0)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
	require.NoError(t, q.Shutdown(ctx))
}

func TestQueue_DeliverDispatchesRemoteEvents(t *testing.T) {
	q := New(Config{Store: memory.NewJobStore()})
	rec := newRecorder()
	q.Subscribe(rec)

	job := domain.NewStageJob(submission("p1", "s1"), 3)
	q.Deliver(context.Background(), &JobEvent{Kind: EventProgress, Job: *job, Percent: 60})
	q.Deliver(context.Background(), &JobEvent{Kind: "unknown", Job: *job})

	ev := rec.next(t, EventProgress)
	assert.Equal(t, 60, ev.percent)
	assert.Equal(t, job.ID, ev.job.ID)
	assert.Empty(t, rec.ch)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute}

	assert.Equal(t, 5*time.Second, b.Delay(1))
	assert.Equal(t, 10*time.Second, b.Delay(2))
	assert.Equal(t, 20*time.Second, b.Delay(3))
	assert.Equal(t, time.Minute, b.Delay(10))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}

	assert.Equal(t, defaultBackoffBase, Backoff{}.Delay(1))
}
