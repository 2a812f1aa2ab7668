package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/queue"
	"github.com/shaiso/Conveyor/internal/runner"
)

var (
	_ queue.Listener = (*JobRelay)(nil)
	_ queue.Notifier = (*Publisher)(nil)
)

type fakeJobPublisher struct {
	mu     sync.Mutex
	events []queue.JobEvent
	err    error
}

func (f *fakeJobPublisher) PublishJobEvent(_ context.Context, ev *queue.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return f.err
}

type fakeWaker struct{ n int }

func (w *fakeWaker) Wake() { w.n++ }

type fakeJobDeliverer struct{ events []queue.JobEvent }

func (d *fakeJobDeliverer) Deliver(_ context.Context, ev *queue.JobEvent) {
	d.events = append(d.events, *ev)
}

type fakeEventDeliverer struct{ events []domain.ProgressEvent }

func (d *fakeEventDeliverer) Deliver(ev domain.ProgressEvent) {
	d.events = append(d.events, ev)
}

func delivery(t *testing.T, msgType MessageType, origin string, payload any) *Delivery {
	t.Helper()
	msg, err := newMessage(msgType, origin, payload)
	require.NoError(t, err)

	// Через JSON, как при реальной доставке.
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	decoded, err := decodeMessage(body)
	require.NoError(t, err)

	return &Delivery{Message: decoded}
}

func testJob() *domain.StageJob {
	return domain.NewStageJob(domain.StageSubmission{
		PipelineID:     "p1",
		StageID:        "train",
		ExecutablePath: "python3",
		ConfigFile:     "cfg.yaml",
	}, 3)
}

func TestJobRelay_PublishesLifecycle(t *testing.T) {
	pub := &fakeJobPublisher{}
	relay := NewJobRelay(pub, false, nil)
	job := testJob()
	ctx := context.Background()

	relay.JobActive(ctx, job)
	relay.JobOutput(ctx, job, runner.Stdout, "hidden")
	relay.JobProgress(ctx, job, 60)
	relay.JobRetrying(ctx, job, 5*time.Second)
	relay.JobCompleted(ctx, job)
	relay.JobFailed(ctx, job)

	require.Len(t, pub.events, 5)
	kinds := make([]queue.EventKind, 0, len(pub.events))
	for _, ev := range pub.events {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, job.ID, ev.Job.ID)
	}
	assert.Equal(t, []queue.EventKind{
		queue.EventActive, queue.EventProgress, queue.EventRetrying, queue.EventCompleted, queue.EventFailed,
	}, kinds)
	assert.Equal(t, 60, pub.events[1].Percent)
	assert.Equal(t, 5*time.Second, pub.events[2].Delay)
}

func TestJobRelay_OutputAndErrors(t *testing.T) {
	pub := &fakeJobPublisher{err: errors.New("broker down")}
	relay := NewJobRelay(pub, true, nil)

	relay.JobOutput(context.Background(), testJob(), runner.Stderr, "epoch 1")

	require.Len(t, pub.events, 1)
	assert.Equal(t, runner.Stderr, pub.events[0].Stream)
	assert.Equal(t, "epoch 1", pub.events[0].Line)
}

func TestWakeHandler(t *testing.T) {
	w := &fakeWaker{}
	h := WakeHandler(w)

	require.NoError(t, h(context.Background(), delivery(t, MessageTypeJobReady, "a", JobReadyPayload{StageID: "s1"})))
	require.NoError(t, h(context.Background(), delivery(t, MessageTypeJobEvent, "a", nil)))

	assert.Equal(t, 1, w.n)
}

func TestJobEventHandler_RoundTrip(t *testing.T) {
	d := &fakeJobDeliverer{}
	h := JobEventHandler(d)
	job := testJob()
	job.MarkCompleted(&domain.StageResult{
		Success:           true,
		StructuredOutputs: map[string]any{"accuracy": 0.9},
		Artifacts:         []string{"model.pkl"},
	})

	ev := &queue.JobEvent{Kind: queue.EventCompleted, Job: *job}
	require.NoError(t, h(context.Background(), delivery(t, MessageTypeJobEvent, "worker-1", ev)))

	require.Len(t, d.events, 1)
	got := d.events[0]
	assert.Equal(t, queue.EventCompleted, got.Kind)
	assert.Equal(t, job.ID, got.Job.ID)
	require.NotNil(t, got.Job.Result)
	assert.Equal(t, 0.9, got.Job.Result.StructuredOutputs["accuracy"])
	assert.Equal(t, []string{"model.pkl"}, got.Job.Result.Artifacts)
}

func TestJobEventHandler_BadPayload(t *testing.T) {
	h := JobEventHandler(&fakeJobDeliverer{})
	d := &Delivery{Message: Message{Type: MessageTypeJobEvent, Payload: json.RawMessage(`"oops"`)}}

	assert.Error(t, h(context.Background(), d))
}

func TestProgressEventHandler_SkipsOwnOrigin(t *testing.T) {
	d := &fakeEventDeliverer{}
	h := ProgressEventHandler("server-a", d)
	ev := domain.NewEvent(domain.EventStageStart, "p1", "s1", nil)

	require.NoError(t, h(context.Background(), delivery(t, MessageTypeProgressEvent, "server-a", ev)))
	require.NoError(t, h(context.Background(), delivery(t, MessageTypeProgressEvent, "server-b", ev)))

	require.Len(t, d.events, 1)
	assert.Equal(t, "p1", d.events[0].PipelineID)
	assert.Equal(t, domain.EventStageStart, d.events[0].Type)
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, uint8(0), ClampPriority(-5))
	assert.Equal(t, uint8(0), ClampPriority(0))
	assert.Equal(t, uint8(4), ClampPriority(4))
	assert.Equal(t, uint8(MaxPriority), ClampPriority(100))
}

func TestRoutingKeys(t *testing.T) {
	assert.Equal(t, RoutingKey("pipeline.p1"), PipelineRoutingKey("p1"))
	assert.Equal(t, Queue("events.abc"), EventsQueue("abc"))
	assert.True(t, strings.Contains(TopologyInfo(), string(QueueJobsReady)))
}
