package domain

import "time"

// EventType — тип события прогресса.
type EventType string

const (
	EventStageStart       EventType = "stage_start"
	EventStageProgress    EventType = "stage_progress"
	EventStageComplete    EventType = "stage_complete"
	EventStageFailed      EventType = "stage_failed"
	EventPipelineComplete EventType = "pipeline_complete"
	EventLog              EventType = "log"
)

// ProgressEvent — событие для подписчиков pipeline.
// Не сохраняется, живёт только в буфере доставки.
type ProgressEvent struct {
	Type       EventType      `json:"type"`
	PipelineID string         `json:"pipeline_id"`
	StageID    string         `json:"stage_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEvent создаёт событие с текущим временем.
func NewEvent(typ EventType, pipelineID, stageID string, payload map[string]any) ProgressEvent {
	return ProgressEvent{
		Type:       typ,
		PipelineID: pipelineID,
		StageID:    stageID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// IsTerminal возвращает true для событий, завершающих job.
func (t EventType) IsTerminal() bool {
	return t == EventStageComplete || t == EventStageFailed
}
