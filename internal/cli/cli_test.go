package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testOutput(jsonMode bool) (*Output, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return newOutput(jsonMode, &stdout, &stderr), &stdout, &stderr
}

func TestClient_StartPipeline(t *testing.T) {
	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/pipelines" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		writeJSON(w, http.StatusCreated, map[string]any{
			"data": map[string]any{"id": "p1", "status": "running", "current_stage_id": "s1"},
		})
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL).StartPipeline([]byte("stages: []"), "application/yaml")
	if err != nil {
		t.Fatalf("StartPipeline() error = %v", err)
	}
	if p.ID != "p1" || p.Status != "running" || p.CurrentStageID != "s1" {
		t.Errorf("pipeline = %+v", p)
	}
	if gotType != "application/yaml" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody != "stages: []" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestClient_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "pipeline not found"},
		})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetPipeline("missing", false)
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "NOT_FOUND: pipeline not found" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestClient_ErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).QueueStats()
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("error = %v", err)
	}
}

func TestClient_ListPipelines_Query(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  []map[string]any{{"id": "p1", "status": "error", "stages": 3}},
			"total": 1,
		})
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL).ListPipelines(ListPipelinesOpts{Status: "error", Limit: 5})
	if err != nil {
		t.Fatalf("ListPipelines() error = %v", err)
	}
	if query != "limit=5&status=error" {
		t.Errorf("query = %q", query)
	}
	if len(list) != 1 || list[0].Stages != 3 {
		t.Errorf("list = %+v", list)
	}
}

func TestClient_GetPipeline_WithOutput(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "p1"}})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).GetPipeline("p1", true); err != nil {
		t.Fatalf("GetPipeline() error = %v", err)
	}
	if query != "output=true" {
		t.Errorf("query = %q", query)
	}
}

func TestClient_SubmitStage(t *testing.T) {
	var got SubmitStageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pipelines/p1/stages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"data": map[string]any{"job_id": "j1", "pipeline_id": "p1", "stage_id": got.StageID},
		})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).SubmitStage("p1", SubmitStageRequest{
		StageID:        "s2",
		ExecutablePath: "scripts/s2.py",
		Arguments:      []string{"--fast"},
	})
	if err != nil {
		t.Fatalf("SubmitStage() error = %v", err)
	}
	if resp.JobID != "j1" || resp.StageID != "s2" {
		t.Errorf("resp = %+v", resp)
	}
	if got.ExecutablePath != "scripts/s2.py" || len(got.Arguments) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func sseServer(t *testing.T, evs ...domain.ProgressEvent) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		for _, ev := range evs {
			b, _ := json.Marshal(ev)
			_, _ = io.WriteString(w, "event: "+string(ev.Type)+"\ndata: "+string(b)+"\n\n")
		}
	}))
}

func TestWatchPipeline_Completed(t *testing.T) {
	srv := sseServer(t,
		domain.NewEvent(domain.EventStageStart, "p1", "s1", map[string]any{"attempt": 1, "max_attempts": 3}),
		domain.NewEvent(domain.EventStageProgress, "p1", "s1", map[string]any{"progress": 50}),
		domain.NewEvent(domain.EventPipelineComplete, "p1", "", map[string]any{"status": "completed"}),
	)
	defer srv.Close()

	out, stdout, _ := testOutput(false)
	if err := watchPipeline(context.Background(), NewClient(srv.URL), out, "p1"); err != nil {
		t.Fatalf("watchPipeline() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), stdout.String())
	}
	if !strings.Contains(lines[1], "PROGRESS") || !strings.Contains(lines[1], "50%") {
		t.Errorf("progress line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "completed") {
		t.Errorf("complete line = %q", lines[2])
	}
}

func TestWatchPipeline_Failed(t *testing.T) {
	srv := sseServer(t,
		domain.NewEvent(domain.EventPipelineComplete, "p1", "", map[string]any{
			"status": "error",
			"error":  "stage s1 failed: exit status 1",
		}),
	)
	defer srv.Close()

	out, stdout, _ := testOutput(false)
	err := watchPipeline(context.Background(), NewClient(srv.URL), out, "p1")
	if err == nil || !strings.Contains(err.Error(), "status error") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(stdout.String(), "stage s1 failed") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestWatchPipeline_StreamClosed(t *testing.T) {
	srv := sseServer(t,
		domain.NewEvent(domain.EventStageStart, "p1", "s1", nil),
	)
	defer srv.Close()

	out, _, _ := testOutput(true)
	err := watchPipeline(context.Background(), NewClient(srv.URL), out, "p1")
	if err == nil || !strings.Contains(err.Error(), "closed before completion") {
		t.Errorf("error = %v", err)
	}
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 11, 12, 0, time.UTC)
	tests := []struct {
		name string
		ev   domain.ProgressEvent
		want string
	}{
		{
			name: "stdout line",
			ev: domain.ProgressEvent{
				Type: domain.EventLog, StageID: "s1", Timestamp: ts,
				Payload: map[string]any{"stream": "stdout", "line": "hello"},
			},
			want: "10:11:12  LOG      s1 [stdout] hello",
		},
		{
			name: "retry message",
			ev: domain.ProgressEvent{
				Type: domain.EventLog, StageID: "s1", Timestamp: ts,
				Payload: map[string]any{"message": "retrying"},
			},
			want: "10:11:12  LOG      s1 retrying",
		},
		{
			name: "stage failed",
			ev: domain.ProgressEvent{
				Type: domain.EventStageFailed, StageID: "s2", Timestamp: ts,
				Payload: map[string]any{"error": "boom"},
			},
			want: "10:11:12  FAILED   s2 boom",
		},
		{
			name: "pipeline cancelled",
			ev: domain.ProgressEvent{
				Type: domain.EventPipelineComplete, PipelineID: "p1", Timestamp: ts,
				Payload: map[string]any{"status": "cancelled"},
			},
			want: "10:11:12  PIPELINE p1 cancelled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatEvent(tt.ev); got != tt.want {
				t.Errorf("FormatEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpecContentType(t *testing.T) {
	tests := map[string]string{
		"pipeline.yaml": "application/yaml",
		"pipeline.YML":  "application/yaml",
		"pipeline.json": "application/json",
		"pipeline":      "application/json",
	}
	for path, want := range tests {
		if got := specContentType(path); got != want {
			t.Errorf("specContentType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestPipelineStartCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"data": map[string]any{"id": "p42", "status": "running", "progress": 0},
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pipeline.json")
	if err := os.WriteFile(path, []byte(`{"stages":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, stdout, stderr := testOutput(true)
	cmd := NewPipelineCmd(
		func() *Client { return NewClient(srv.URL) },
		func() *Output { return out },
	)
	cmd.SetArgs([]string{"start", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !strings.Contains(stderr.String(), "Pipeline started: p42") {
		t.Errorf("stderr = %q", stderr.String())
	}
	var p PipelineResponse
	if err := json.Unmarshal(stdout.Bytes(), &p); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if p.ID != "p42" {
		t.Errorf("ID = %q", p.ID)
	}
}

func TestStageSubmitCmd_RequiredFlags(t *testing.T) {
	out, _, _ := testOutput(false)
	cmd := NewStageCmd(
		func() *Client { return NewClient("http://127.0.0.1:0") },
		func() *Output { return out },
	)
	cmd.SetArgs([]string{"submit", "p1", "--stage-id", "s1"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing --executable")
	}
}

func TestOutput_Jobs_EmptyCells(t *testing.T) {
	out, stdout, _ := testOutput(false)
	out.Jobs([]JobResponse{
		{ID: "j1", StageID: "s1", Status: "active", Attempt: 1, MaxAttempts: 3, Priority: 9, Progress: 30},
	})

	want := "ID  STAGE_ID  STATUS  ATTEMPT  PRIORITY  PROGRESS  ERROR\n" +
		"j1  s1        active  1/3      9         30%       -\n"
	if stdout.String() != want {
		t.Errorf("table = %q, want %q", stdout.String(), want)
	}
}

func TestOutput_Pipeline_Card(t *testing.T) {
	out, stdout, _ := testOutput(false)
	out.Pipeline(&PipelineResponse{
		ID:       "p1",
		Status:   "completed",
		Progress: 100,
		Priority: 1,
		Stages: []StageResponse{
			{ID: "a", Executable: "/bin/true", JobID: "j1", Completed: true},
			{ID: "x", Executable: "/bin/true", Priority: 9, JobID: "j2", Completed: true},
		},
		AccumulatedResults: []StageResultResponse{
			{StageID: "a", Success: true, StructuredOutputs: map[string]any{"b": 1, "a": 2}, Stdout: "hello\n"},
		},
	}, true)

	got := stdout.String()
	for _, want := range []string{
		"STATUS    completed\n",
		"NAME      -\n",
		"x         -     /bin/true   9         j2      yes\n",
		"a         yes      0          a,b",
		"--- a stdout ---\nhello\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output misses %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "stderr") {
		t.Errorf("empty stderr must be skipped:\n%s", got)
	}
}

func TestOutput_EventJSONLines(t *testing.T) {
	out, stdout, _ := testOutput(true)
	out.Event(domain.NewEvent(domain.EventStageStart, "p1", "s1", nil))
	out.Event(domain.NewEvent(domain.EventStageComplete, "p1", "s1", nil))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), stdout.String())
	}
	for _, line := range lines {
		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Errorf("line %q is not JSON: %v", line, err)
		}
	}
}

func TestOutput_Submitted(t *testing.T) {
	out, stdout, stderr := testOutput(false)
	out.Submitted(&SubmitStageResponse{JobID: "j1", PipelineID: "p1", StageID: "s2"})

	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
	if stderr.String() != "Stage s2 of p1 submitted as job j1\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}
