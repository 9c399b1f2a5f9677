package repositories

import (
	"context"
	"errors"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ===== REPOSITORY INTERFACES =====

// TemplateRepository stores templates together with their regions
type TemplateRepository interface {
	Create(ctx context.Context, template *models.Template) error // creates regions too
	GetByID(ctx context.Context, id string) (*models.Template, error)
	ListVersions(ctx context.Context, name string) ([]*models.Template, error)
	Lock(ctx context.Context, id string) error

	// Region management on unlocked templates
	AddRegion(ctx context.Context, region *models.Region) error
	DeleteRegion(ctx context.Context, templateID, regionID string) error
}

// SheetRepository stores student sheets and their alignment attempts
type SheetRepository interface {
	Create(ctx context.Context, sheet *models.StudentSheet) error
	GetByID(ctx context.Context, id string) (*models.StudentSheet, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.StudentSheet, error)
	ListByTemplate(ctx context.Context, templateID string) ([]*models.StudentSheet, error)

	// Attempts
	CreateAttempt(ctx context.Context, attempt *models.AlignmentAttempt) error
	// FinishAttempt persists a finalized attempt and the sheet state derived
	// from it in one transaction.
	FinishAttempt(ctx context.Context, sheet *models.StudentSheet, attempt *models.AlignmentAttempt) error
	ListAttempts(ctx context.Context, sheetID string) ([]*models.AlignmentAttempt, error)
}

// EvaluationRepository stores evaluation runs and everything they produce
type EvaluationRepository interface {
	CreateRun(ctx context.Context, run *models.EvaluationRun) error
	GetRun(ctx context.Context, id string) (*models.EvaluationRun, error)
	// FinishRun sets the terminal status without touching progress counters.
	FinishRun(ctx context.Context, run *models.EvaluationRun) error
	// ListRunning returns runs left in the running state.
	ListRunning(ctx context.Context) ([]*models.EvaluationRun, error)

	// SaveSheetOutcome stores one sheet's extracted answers and results and
	// counts the sheet as completed, atomically.
	SaveSheetOutcome(ctx context.Context, runID string, answers []models.ExtractedAnswer, results []models.EvaluationResult) error
	// RecordSheetFailure stores why a sheet produced no results and counts
	// it as failed, atomically.
	RecordSheetFailure(ctx context.Context, failure *models.SheetFailure) error

	// ListResults returns results ordered by student id then question number.
	ListResults(ctx context.Context, runID string) ([]models.EvaluationResult, error)
	ListExtractedAnswers(ctx context.Context, runID string) ([]models.ExtractedAnswer, error)
	// ListSheetFailures returns failures ordered by student id then sheet id.
	ListSheetFailures(ctx context.Context, runID string) ([]models.SheetFailure, error)
}

// Repository groups the repositories used by the services
type Repository interface {
	Template() TemplateRepository
	Sheet() SheetRepository
	Evaluation() EvaluationRepository
}
