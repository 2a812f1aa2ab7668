package api

import (
	"net/http"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
	"github.com/shaiso/Conveyor/internal/events"
)

// StreamEvents отдаёт события pipeline как Server-Sent Events.
// Поток закрывается после pipeline_complete или отключения клиента.
// GET /api/v1/pipelines/{id}/events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !engine.ValidID(id) {
		BadRequest(w, "invalid pipeline id")
		return
	}

	// Подписка до чтения статуса: события между ними не теряются.
	sub := h.events.Subscribe(id)
	defer sub.Close()

	exec, err := h.pipelines.GetPipelineStatus(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "pipeline not found") {
		return
	}

	sse := events.NewSSEWriter(w)
	sse.Init()

	if exec.IsFinished() {
		ev := finishedEvent(exec)
		_ = sse.WriteEvent(&ev)
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.WriteEvent(&ev); err != nil {
				h.logger.Debug("sse client gone", "pipeline_id", id, "error", err)
				return
			}
			if ev.Type == domain.EventPipelineComplete {
				return
			}
		}
	}
}

// finishedEvent строит pipeline_complete для уже завершённого execution.
func finishedEvent(exec *domain.PipelineExecution) domain.ProgressEvent {
	payload := map[string]any{
		"status":   string(exec.Status),
		"progress": exec.Progress,
		"stages":   len(exec.Stages),
		"results":  len(exec.Results),
	}
	if exec.Error != "" {
		payload["error"] = exec.Error
	}
	ev := domain.NewEvent(domain.EventPipelineComplete, exec.ID, "", payload)
	if exec.EndTime != nil {
		ev.Timestamp = exec.EndTime.UTC()
	}
	return ev
}
