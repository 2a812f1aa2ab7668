package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Pipelines
	mux.Handle("GET /api/v1/pipelines", chain(http.HandlerFunc(h.ListPipelines)))
	mux.Handle("POST /api/v1/pipelines", chain(http.HandlerFunc(h.StartPipeline)))
	mux.Handle("GET /api/v1/pipelines/{id}", chain(http.HandlerFunc(h.GetPipeline)))
	mux.Handle("POST /api/v1/pipelines/{id}/cancel", chain(http.HandlerFunc(h.CancelPipeline)))
	mux.Handle("GET /api/v1/pipelines/{id}/jobs", chain(http.HandlerFunc(h.ListPipelineJobs)))
	mux.Handle("GET /api/v1/pipelines/{id}/events", chain(http.HandlerFunc(h.StreamEvents)))

	// Stages
	mux.Handle("POST /api/v1/pipelines/{id}/stages", chain(http.HandlerFunc(h.SubmitStage)))

	// Jobs & queue
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /api/v1/queue/stats", chain(http.HandlerFunc(h.QueueStats)))
}
