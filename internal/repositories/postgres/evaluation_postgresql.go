package postgres

import (
	"context"
	"fmt"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"gorm.io/gorm"
)

type EvaluationPostgreSQL struct {
	db *gorm.DB
}

func NewEvaluationPostgreSQL(db *gorm.DB) repositories.EvaluationRepository {
	return &EvaluationPostgreSQL{db: db}
}

func (e *EvaluationPostgreSQL) CreateRun(ctx context.Context, run *models.EvaluationRun) error {
	return e.db.WithContext(ctx).Create(run).Error
}

func (e *EvaluationPostgreSQL) GetRun(ctx context.Context, id string) (*models.EvaluationRun, error) {
	var run models.EvaluationRun
	if err := e.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "evaluation run", id)
	}
	return &run, nil
}

func (e *EvaluationPostgreSQL) FinishRun(ctx context.Context, run *models.EvaluationRun) error {
	res := e.db.WithContext(ctx).
		Model(&models.EvaluationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":       run.Status,
			"error":        run.Error,
			"completed_at": run.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("evaluation run %s: %w", run.ID, repositories.ErrNotFound)
	}
	return nil
}

func (e *EvaluationPostgreSQL) ListRunning(ctx context.Context) ([]*models.EvaluationRun, error) {
	var runs []*models.EvaluationRun
	if err := e.db.WithContext(ctx).
		Where("status = ?", models.RunRunning).
		Order("started_at ASC").
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (e *EvaluationPostgreSQL) SaveSheetOutcome(ctx context.Context, runID string, answers []models.ExtractedAnswer, results []models.EvaluationResult) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(answers) > 0 {
			if err := tx.Create(&answers).Error; err != nil {
				return fmt.Errorf("failed to save extracted answers: %w", err)
			}
		}
		if len(results) > 0 {
			if err := tx.Create(&results).Error; err != nil {
				return fmt.Errorf("failed to save results: %w", err)
			}
		}
		return e.increment(tx, runID, "completed_sheets")
	})
}

func (e *EvaluationPostgreSQL) RecordSheetFailure(ctx context.Context, failure *models.SheetFailure) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(failure).Error; err != nil {
			return fmt.Errorf("failed to save sheet failure: %w", err)
		}
		return e.increment(tx, failure.RunID, "failed_sheets")
	})
}

func (e *EvaluationPostgreSQL) increment(tx *gorm.DB, runID, column string) error {
	res := tx.Model(&models.EvaluationRun{}).
		Where("id = ?", runID).
		Update(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to update run progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("evaluation run %s: %w", runID, repositories.ErrNotFound)
	}
	return nil
}

func (e *EvaluationPostgreSQL) ListResults(ctx context.Context, runID string) ([]models.EvaluationResult, error) {
	var results []models.EvaluationResult
	if err := e.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("student_id ASC, question_number ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (e *EvaluationPostgreSQL) ListExtractedAnswers(ctx context.Context, runID string) ([]models.ExtractedAnswer, error) {
	var answers []models.ExtractedAnswer
	if err := e.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sheet_id ASC, question_number ASC").
		Find(&answers).Error; err != nil {
		return nil, err
	}
	return answers, nil
}

func (e *EvaluationPostgreSQL) ListSheetFailures(ctx context.Context, runID string) ([]models.SheetFailure, error) {
	var failures []models.SheetFailure
	if err := e.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("student_id ASC, sheet_id ASC").
		Find(&failures).Error; err != nil {
		return nil, err
	}
	return failures, nil
}
