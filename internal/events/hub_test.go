package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
	err    error
}

func (s *sinkRecorder) PublishEvent(_ context.Context, ev *domain.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return s.err
}

func (s *sinkRecorder) snapshot() []domain.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProgressEvent(nil), s.events...)
}

func receive(t *testing.T, sub *Subscription) domain.ProgressEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.ProgressEvent{}
	}
}

func TestHub_DeliversOnlyToPipelineSubscribers(t *testing.T) {
	hub := New(Config{})
	defer hub.Close()

	p1 := hub.Subscribe("p1")
	p2 := hub.Subscribe("p2")
	all := hub.Subscribe(AllPipelines)

	hub.Publish(domain.NewEvent(domain.EventStageStart, "p1", "s1", nil))

	ev := receive(t, p1)
	assert.Equal(t, domain.EventStageStart, ev.Type)
	assert.Equal(t, "s1", ev.StageID)

	assert.Equal(t, "p1", receive(t, all).PipelineID)
	assert.Empty(t, p2.Events())
}

func TestHub_PreservesOrderPerPipeline(t *testing.T) {
	hub := New(Config{Buffer: 100})
	defer hub.Close()

	sub := hub.Subscribe("p1")
	for i := 0; i < 50; i++ {
		hub.Publish(domain.NewEvent(domain.EventStageProgress, "p1", "s1", map[string]any{"seq": i}))
	}

	for i := 0; i < 50; i++ {
		ev := receive(t, sub)
		assert.Equal(t, i, ev.Payload["seq"])
	}
}

func TestHub_DropsWhenSubscriberBufferFull(t *testing.T) {
	hub := New(Config{Buffer: 2})
	defer hub.Close()

	slow := hub.Subscribe("p1")
	for i := 0; i < 5; i++ {
		hub.Publish(domain.NewEvent(domain.EventLog, "p1", "s1", map[string]any{"seq": i}))
	}

	assert.Equal(t, 0, receive(t, slow).Payload["seq"])
	assert.Equal(t, 1, receive(t, slow).Payload["seq"])
	assert.Empty(t, slow.Events())
}

func TestHub_SubscriptionClose(t *testing.T) {
	hub := New(Config{})
	defer hub.Close()

	sub := hub.Subscribe("p1")
	assert.Equal(t, 1, hub.SubscriberCount("p1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.SubscriberCount("p1"))

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Публикация без подписчиков не блокируется.
	hub.Publish(domain.NewEvent(domain.EventLog, "p1", "", nil))
}

func TestHub_SinksReceiveInOrder(t *testing.T) {
	hub := New(Config{})
	sink := &sinkRecorder{}
	hub.AddSink(sink)

	for i := 0; i < 10; i++ {
		hub.Publish(domain.NewEvent(domain.EventLog, fmt.Sprintf("p%d", i%2), "", map[string]any{"seq": i}))
	}
	hub.Close()

	events := sink.snapshot()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, i, ev.Payload["seq"])
	}
}

func TestHub_SinkErrorDoesNotStopDelivery(t *testing.T) {
	hub := New(Config{})
	sink := &sinkRecorder{err: errors.New("broker down")}
	hub.AddSink(sink)
	sub := hub.Subscribe("p1")

	hub.Publish(domain.NewEvent(domain.EventStageStart, "p1", "s1", nil))
	hub.Publish(domain.NewEvent(domain.EventStageComplete, "p1", "s1", nil))

	assert.Equal(t, domain.EventStageStart, receive(t, sub).Type)
	assert.Equal(t, domain.EventStageComplete, receive(t, sub).Type)

	hub.Close()
	assert.Len(t, sink.snapshot(), 2)
}

func TestHub_DeliverSkipsSinks(t *testing.T) {
	hub := New(Config{})
	sink := &sinkRecorder{}
	hub.AddSink(sink)
	sub := hub.Subscribe("p1")

	hub.Deliver(domain.NewEvent(domain.EventStageStart, "p1", "s1", nil))
	assert.Equal(t, domain.EventStageStart, receive(t, sub).Type)

	hub.Close()
	assert.Empty(t, sink.snapshot())
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := New(Config{})
	sub := hub.Subscribe("p1")

	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := hub.Subscribe("p1")
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()

	hub.Publish(domain.NewEvent(domain.EventLog, "p1", "", nil))
}
