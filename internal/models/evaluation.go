package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// EvaluationRun is the persisted record of one grading pass over a set of
// sheets. Its answer key is frozen when the run starts.
type EvaluationRun struct {
	ID              string              `json:"id" gorm:"primaryKey;size:36"`
	TemplateID      string              `json:"template_id" gorm:"not null;size:36;index"`
	TemplateVersion int                 `json:"template_version" gorm:"not null"`
	AnswerKeySource AnswerKeySourceKind `json:"answer_key_source" gorm:"not null;size:20"`
	AnswerKey       datatypes.JSON      `json:"answer_key" gorm:"type:jsonb"`
	SheetIDs        datatypes.JSON      `json:"sheet_ids" gorm:"type:jsonb"`

	// Scoring settings
	Threshold              float64 `json:"threshold"`
	MinAlignmentConfidence float64 `json:"min_alignment_confidence"`

	// Progress
	Status          RunStatus `json:"status" gorm:"not null;default:running;index"`
	SheetCount      int       `json:"sheet_count"`
	CompletedSheets int       `json:"completed_sheets"`
	FailedSheets    int       `json:"failed_sheets"`
	Error           string    `json:"error,omitempty" gorm:"type:text"`

	StartedBy   string     `json:"started_by,omitempty" gorm:"size:255"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// NewEvaluationRun creates a running record for the given template, key and
// sheets.
func NewEvaluationRun(t *Template, source AnswerKeySource, key AnswerKey, sheetIDs []string, threshold, minAlignment float64, now time.Time) (*EvaluationRun, error) {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode answer key: %w", err)
	}
	idsJSON, err := json.Marshal(sheetIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sheet ids: %w", err)
	}

	return &EvaluationRun{
		ID:                     uuid.NewString(),
		TemplateID:             t.ID,
		TemplateVersion:        t.Version,
		AnswerKeySource:        source.Kind,
		AnswerKey:              datatypes.JSON(keyJSON),
		SheetIDs:               datatypes.JSON(idsJSON),
		Threshold:              threshold,
		MinAlignmentConfidence: minAlignment,
		Status:                 RunRunning,
		SheetCount:             len(sheetIDs),
		StartedAt:              now,
	}, nil
}

// Key decodes the frozen answer key.
func (r *EvaluationRun) Key() (AnswerKey, error) {
	var key AnswerKey
	if len(r.AnswerKey) == 0 {
		return AnswerKey{}, nil
	}
	if err := json.Unmarshal(r.AnswerKey, &key); err != nil {
		return nil, fmt.Errorf("failed to decode answer key: %w", err)
	}
	return key, nil
}

// Sheets decodes the run's sheet ids.
func (r *EvaluationRun) Sheets() ([]string, error) {
	var ids []string
	if len(r.SheetIDs) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(r.SheetIDs, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode sheet ids: %w", err)
	}
	return ids, nil
}

// IsTerminal reports whether the run has stopped.
func (r *EvaluationRun) IsTerminal() bool {
	return r.Status != RunRunning
}

// Finish moves the run to a terminal status.
func (r *EvaluationRun) Finish(status RunStatus, errMsg string, now time.Time) {
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &now
}

// SheetFailure records a sheet of a run that produced no results and why.
type SheetFailure struct {
	ID        string `json:"id" gorm:"primaryKey;size:36"`
	RunID     string `json:"run_id" gorm:"not null;size:36;uniqueIndex:idx_failure_run_sheet"`
	SheetID   string `json:"sheet_id" gorm:"not null;size:36;uniqueIndex:idx_failure_run_sheet"`
	StudentID string `json:"student_id" gorm:"not null;size:255"`
	Reason    string `json:"reason" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
}

func NewSheetFailure(runID string, sheet *StudentSheet, reason string, now time.Time) *SheetFailure {
	return &SheetFailure{
		ID:        uuid.NewString(),
		RunID:     runID,
		SheetID:   sheet.ID,
		StudentID: sheet.StudentID,
		Reason:    reason,
		CreatedAt: now,
	}
}

type ExtractionFailure string

const (
	ExtractionOK            ExtractionFailure = ""
	ExtractionUnavailable   ExtractionFailure = "unavailable"
	ExtractionTimeout       ExtractionFailure = "timeout"
	ExtractionInvalidRegion ExtractionFailure = "invalid_region"
)

// ExtractedAnswer is the raw text read from one region of one sheet.
type ExtractedAnswer struct {
	ID             string            `json:"id" gorm:"primaryKey;size:36"`
	RunID          string            `json:"run_id" gorm:"not null;size:36;index"`
	SheetID        string            `json:"sheet_id" gorm:"not null;size:36;index"`
	QuestionNumber int               `json:"question_number" gorm:"not null"`
	Text           string            `json:"text" gorm:"type:text"`
	Confidence     float64           `json:"confidence"`
	Engine         string            `json:"engine" gorm:"size:50"`
	Failure        ExtractionFailure `json:"failure,omitempty" gorm:"size:30"`

	CreatedAt time.Time `json:"created_at"`
}

type ResultReason string

const (
	ReasonMatch           ResultReason = "match"
	ReasonEmptyExtraction ResultReason = "empty_extraction"
	ReasonMismatch        ResultReason = "mismatch"
)

// EvaluationResult is the score for one question of one student in a run.
type EvaluationResult struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	RunID          string `json:"run_id" gorm:"not null;size:36;uniqueIndex:idx_result_run_student_question"`
	SheetID        string `json:"sheet_id" gorm:"not null;size:36;index"`
	StudentID      string `json:"student_id" gorm:"not null;size:255;uniqueIndex:idx_result_run_student_question"`
	QuestionNumber int    `json:"question_number" gorm:"not null;uniqueIndex:idx_result_run_student_question"`

	ExtractedAnswer string       `json:"extracted_answer" gorm:"type:text"`
	CorrectAnswer   string       `json:"correct_answer" gorm:"type:text"`
	Similarity      float64      `json:"similarity"`
	IsCorrect       bool         `json:"is_correct"`
	Score           int          `json:"score"`
	Reason          ResultReason `json:"reason" gorm:"size:30"`

	ExtractionConfidence   float64 `json:"extraction_confidence"`
	AlignmentConfidence    float64 `json:"alignment_confidence"`
	LowConfidenceAlignment bool    `json:"low_confidence_alignment"`

	CreatedAt time.Time `json:"created_at"`
}
