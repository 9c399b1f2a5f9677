package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the pipeline events published by the service
type EventType string

const (
	// Sheet alignment events
	EventSheetAligned                EventType = "sheet.aligned"
	EventSheetAlignmentLowConfidence EventType = "sheet.alignment_low_confidence"
	EventSheetAlignmentFailed        EventType = "sheet.alignment_failed"

	// Evaluation run events
	EventEvaluationStarted   EventType = "evaluation.started"
	EventEvaluationCompleted EventType = "evaluation.completed"
	EventEvaluationCancelled EventType = "evaluation.cancelled"
)

const (
	eventSource  = "sheet-evaluation-service"
	eventVersion = "1.0"
)

// Event is the envelope for every published event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Subject   string                 `json:"subject"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent wraps data in an envelope. Subject is the sheet or run id the
// event is about and is used as the message key.
func NewEvent(eventType EventType, subject string, data interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Source:    eventSource,
		Version:   eventVersion,
		Data:      data,
	}
}

// Sheet event payloads

type SheetAlignedEvent struct {
	SheetID         string  `json:"sheet_id"`
	TemplateID      string  `json:"template_id"`
	StudentID       string  `json:"student_id"`
	AttemptID       string  `json:"attempt_id"`
	Confidence      float64 `json:"confidence"`
	LowConfidence   bool    `json:"low_confidence"`
	Inliers         int     `json:"inliers"`
	Correspondences int     `json:"correspondences"`
	Warning         string  `json:"warning,omitempty"`
}

type SheetAlignmentFailedEvent struct {
	SheetID         string `json:"sheet_id"`
	TemplateID      string `json:"template_id"`
	StudentID       string `json:"student_id"`
	AttemptID       string `json:"attempt_id"`
	Reason          string `json:"reason"`
	Correspondences int    `json:"correspondences"`
}

// Evaluation run event payloads

type EvaluationStartedEvent struct {
	RunID           string  `json:"run_id"`
	TemplateID      string  `json:"template_id"`
	TemplateVersion int     `json:"template_version"`
	AnswerKeySource string  `json:"answer_key_source"`
	SheetCount      int     `json:"sheet_count"`
	Threshold       float64 `json:"threshold"`
	StartedBy       string  `json:"started_by,omitempty"`
}

type EvaluationFinishedEvent struct {
	RunID           string    `json:"run_id"`
	TemplateID      string    `json:"template_id"`
	Status          string    `json:"status"`
	SheetCount      int       `json:"sheet_count"`
	CompletedSheets int       `json:"completed_sheets"`
	FailedSheets    int       `json:"failed_sheets"`
	FinishedAt      time.Time `json:"finished_at"`
}
