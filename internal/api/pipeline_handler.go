package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

const (
	maxSpecBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListPipelines возвращает последние executions.
// GET /api/v1/pipelines?status=...&limit=...
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	var status domain.ExecutionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.ExecutionStatus(s)
		if !status.Valid() {
			BadRequest(w, "invalid status")
			return
		}
	}

	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		BadRequest(w, "invalid limit")
		return
	}

	execs, err := h.pipelines.ListPipelines(r.Context(), status, limit)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]PipelineSummaryResponse, len(execs))
	for i, e := range execs {
		result[i] = PipelineSummaryFromDomain(e)
	}

	List(w, result, len(result))
}

// StartPipeline запускает pipeline по описанию (JSON или YAML).
// POST /api/v1/pipelines
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	format := engine.FormatJSON
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		format = engine.FormatYAML
	}

	spec, err := engine.ParseSpec(data, format)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	exec, err := h.pipelines.StartPipeline(r.Context(), *spec)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	Created(w, PipelineFromDomain(exec, false))
}

// GetPipeline возвращает состояние execution.
// GET /api/v1/pipelines/{id}?output=true
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !engine.ValidID(id) {
		BadRequest(w, "invalid pipeline id")
		return
	}

	exec, err := h.pipelines.GetPipelineStatus(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "pipeline not found") {
		return
	}

	withOutput, _ := strconv.ParseBool(r.URL.Query().Get("output"))
	Success(w, PipelineFromDomain(exec, withOutput))
}

// CancelPipeline отменяет execution.
// POST /api/v1/pipelines/{id}/cancel
func (h *Handler) CancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !engine.ValidID(id) {
		BadRequest(w, "invalid pipeline id")
		return
	}

	exec, err := h.pipelines.CancelPipeline(r.Context(), id)
	if exec != nil && err != nil {
		// Execution отменён, но не все jobs удалось отменить.
		h.logger.Warn("pipeline cancelled with errors", "pipeline_id", id, "error", err)
		err = nil
	}
	if HandleServiceError(w, h.logger, err, "pipeline not found") {
		return
	}

	Success(w, PipelineFromDomain(exec, false))
}

// ListPipelineJobs возвращает историю jobs pipeline.
// GET /api/v1/pipelines/{id}/jobs
func (h *Handler) ListPipelineJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !engine.ValidID(id) {
		BadRequest(w, "invalid pipeline id")
		return
	}

	jobs, err := h.pipelines.ListJobs(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		result[i] = JobFromDomain(j)
	}

	List(w, result, len(result))
}

// SubmitStage ставит одну стадию pipeline в очередь.
// POST /api/v1/pipelines/{id}/stages
func (h *Handler) SubmitStage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !engine.ValidID(id) {
		BadRequest(w, "invalid pipeline id")
		return
	}

	var req SubmitStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	jobID, err := h.pipelines.SubmitStage(r.Context(), req.ToDomain(id))
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	JSON(w, http.StatusAccepted, DataResponse{Data: SubmitStageResponse{
		JobID:      jobID,
		PipelineID: id,
		StageID:    req.StageID,
	}})
}

// parseLimit разбирает limit: пустая строка — значение по умолчанию,
// значения больше maxListLimit обрезаются.
func parseLimit(s string) (int, bool) {
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}
