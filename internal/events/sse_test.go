package events

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/domain"
)

func TestSSEWriter_WritesFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	w.Init()

	ev := domain.NewEvent(domain.EventStageStart, "p1", "s1", map[string]any{"attempt": 1})
	require.NoError(t, w.WriteEvent(&ev))
	require.NoError(t, w.WriteComment("keep-alive"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: stage_start\ndata: {"), body)
	assert.Contains(t, body, "\n\n: keep-alive\n\n")
}

func TestReadEvents_RoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	w.Init()

	first := domain.NewEvent(domain.EventStageStart, "p1", "s1", nil)
	second := domain.NewEvent(domain.EventPipelineComplete, "p1", "", map[string]any{"status": "completed"})
	require.NoError(t, w.WriteEvent(&first))
	require.NoError(t, w.WriteComment("ping"))
	require.NoError(t, w.WriteEvent(&second))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []domain.ProgressEvent
	for msg := range ReadEvents(ctx, io.NopCloser(rec.Body)) {
		require.NoError(t, msg.Err)
		got = append(got, msg.Event)
	}

	require.Len(t, got, 2)
	assert.Equal(t, domain.EventStageStart, got[0].Type)
	assert.Equal(t, "completed", got[1].Payload["status"])
}

func TestReadEvents_MultilineAndMalformed(t *testing.T) {
	stream := "data: {\"type\":\"log\",\ndata: \"pipeline_id\":\"p1\"}\n\n" +
		"data: not-json\n\n" +
		"data:{\"type\":\"stage_start\",\"pipeline_id\":\"p2\"}"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msgs []Message
	for msg := range ReadEvents(ctx, io.NopCloser(strings.NewReader(stream))) {
		msgs = append(msgs, msg)
	}

	require.Len(t, msgs, 3)
	require.NoError(t, msgs[0].Err)
	assert.Equal(t, "p1", msgs[0].Event.PipelineID)
	assert.Error(t, msgs[1].Err)
	require.NoError(t, msgs[2].Err)
	assert.Equal(t, domain.EventStageStart, msgs[2].Event.Type)
}
