package api

import (
	"net/http"

	"github.com/google/uuid"
)

// GetJob возвращает job по ID.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "job not found") {
		return
	}

	Success(w, JobFromDomain(*job))
}

// QueueStats возвращает счётчики очереди по статусам.
// GET /api/v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipelines.GetQueueStats(r.Context())
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	Success(w, QueueStatsFromDomain(stats))
}
