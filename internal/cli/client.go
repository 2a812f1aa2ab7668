package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/Conveyor/internal/events"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StageResponse — стадия pipeline из API.
type StageResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Executable string   `json:"executable"`
	ConfigFile string   `json:"config_file,omitempty"`
	Arguments  []string `json:"arguments,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	JobID      string   `json:"job_id,omitempty"`
	Completed  bool     `json:"completed"`
}

// StageResultResponse — результат стадии из API.
type StageResultResponse struct {
	StageID           string         `json:"stage_id"`
	Success           bool           `json:"success"`
	ExitCode          int            `json:"exit_code"`
	Stdout            string         `json:"stdout,omitempty"`
	Stderr            string         `json:"stderr,omitempty"`
	StructuredOutputs map[string]any `json:"structured_outputs"`
	Artifacts         []string       `json:"artifacts"`
	ErrorMessage      string         `json:"error_message,omitempty"`
}

// PipelineResponse — execution из API.
type PipelineResponse struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name,omitempty"`
	Status             string                `json:"status"`
	CurrentStageID     string                `json:"current_stage_id,omitempty"`
	Progress           int                   `json:"progress"`
	Priority           int                   `json:"priority"`
	Stages             []StageResponse       `json:"stages"`
	AccumulatedResults []StageResultResponse `json:"accumulated_results"`
	Error              string                `json:"error,omitempty"`
	StartTime          string                `json:"start_time"`
	EndTime            string                `json:"end_time,omitempty"`
	DurationMs         int64                 `json:"duration_ms,omitempty"`
}

// PipelineSummaryResponse — элемент списка pipelines.
type PipelineSummaryResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Status         string `json:"status"`
	CurrentStageID string `json:"current_stage_id,omitempty"`
	Progress       int    `json:"progress"`
	Stages         int    `json:"stages"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time,omitempty"`
}

// JobResponse — job из API.
type JobResponse struct {
	ID              string               `json:"id"`
	PipelineID      string               `json:"pipeline_id"`
	StageID         string               `json:"stage_id"`
	StageName       string               `json:"stage_name,omitempty"`
	ExecutablePath  string               `json:"executable_path"`
	ConfigFile      string               `json:"config_file"`
	Arguments       []string             `json:"arguments,omitempty"`
	Priority        int                  `json:"priority"`
	Status          string               `json:"status"`
	Attempt         int                  `json:"attempt"`
	MaxAttempts     int                  `json:"max_attempts"`
	Progress        int                  `json:"progress"`
	CancelRequested bool                 `json:"cancel_requested,omitempty"`
	Error           string               `json:"error,omitempty"`
	Result          *StageResultResponse `json:"result,omitempty"`
	RunAt           string               `json:"run_at"`
	CreatedAt       string               `json:"created_at"`
	StartedAt       string               `json:"started_at,omitempty"`
	FinishedAt      string               `json:"finished_at,omitempty"`
	DurationMs      int64                `json:"duration_ms,omitempty"`
}

// QueueStatsResponse — счётчики очереди из API.
type QueueStatsResponse struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// SubmitStageResponse — ответ на постановку стадии.
type SubmitStageResponse struct {
	JobID      string `json:"job_id"`
	PipelineID string `json:"pipeline_id"`
	StageID    string `json:"stage_id"`
}

// --- Request types ---

// SubmitStageRequest — постановка стадии в очередь.
type SubmitStageRequest struct {
	StageID        string   `json:"stage_id"`
	StageName      string   `json:"stage_name,omitempty"`
	ExecutablePath string   `json:"executable_path"`
	ConfigFile     string   `json:"config_file"`
	Arguments      []string `json:"arguments,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
}

// ListPipelinesOpts — параметры фильтрации pipelines.
type ListPipelinesOpts struct {
	Status string
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient — без общего таймаута: поток событий живёт до конца pipeline.
	streamClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

// --- Pipelines ---

// StartPipeline запускает pipeline. contentType — application/json
// или application/yaml.
func (c *Client) StartPipeline(spec []byte, contentType string) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.doRaw(http.MethodPost, "/api/v1/pipelines", contentType, spec, &p)
	return &p, err
}

// GetPipeline возвращает execution по ID.
func (c *Client) GetPipeline(id string, withOutput bool) (*PipelineResponse, error) {
	path := "/api/v1/pipelines/" + url.PathEscape(id)
	if withOutput {
		path += "?output=true"
	}
	var p PipelineResponse
	err := c.get(path, &p)
	return &p, err
}

// CancelPipeline отменяет execution.
func (c *Client) CancelPipeline(id string) (*PipelineResponse, error) {
	var p PipelineResponse
	err := c.post("/api/v1/pipelines/"+url.PathEscape(id)+"/cancel", nil, &p)
	return &p, err
}

// ListPipelines возвращает последние executions.
func (c *Client) ListPipelines(opts ListPipelinesOpts) ([]PipelineSummaryResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var pipelines []PipelineSummaryResponse
	err := c.list("/api/v1/pipelines", params, &pipelines)
	return pipelines, err
}

// ListJobs возвращает jobs pipeline.
func (c *Client) ListJobs(pipelineID string) ([]JobResponse, error) {
	var jobs []JobResponse
	err := c.list("/api/v1/pipelines/"+url.PathEscape(pipelineID)+"/jobs", nil, &jobs)
	return jobs, err
}

// WatchPipeline подписывается на события pipeline (SSE).
// Канал закрывается после pipeline_complete, обрыва соединения или отмены ctx.
func (c *Client) WatchPipeline(ctx context.Context, id string) (<-chan events.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/pipelines/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := c.checkError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return events.ReadEvents(ctx, resp.Body), nil
}

// --- Stages ---

// SubmitStage ставит стадию pipeline в очередь.
func (c *Client) SubmitStage(pipelineID string, req SubmitStageRequest) (*SubmitStageResponse, error) {
	var resp SubmitStageResponse
	err := c.post("/api/v1/pipelines/"+url.PathEscape(pipelineID)+"/stages", req, &resp)
	return &resp, err
}

// --- Jobs & queue ---

// GetJob возвращает job по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+url.PathEscape(id), &job)
	return &job, err
}

// QueueStats возвращает счётчики очереди.
func (c *Client) QueueStats() (*QueueStatsResponse, error) {
	var stats QueueStatsResponse
	err := c.get("/api/v1/queue/stats", &stats)
	return &stats, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	var data []byte
	contentType := ""
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		contentType = "application/json"
	}
	return c.doRaw(method, path, contentType, data, result)
}

func (c *Client) doRaw(method, path, contentType string, body []byte, result any) error {
	resp, err := c.do(method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path, contentType string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
