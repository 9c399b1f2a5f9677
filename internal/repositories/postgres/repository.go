package postgres

import (
	"errors"
	"fmt"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"gorm.io/gorm"
)

type repository struct {
	template   repositories.TemplateRepository
	sheet      repositories.SheetRepository
	evaluation repositories.EvaluationRepository
}

// NewRepository returns gorm-backed repositories sharing db.
func NewRepository(db *gorm.DB) repositories.Repository {
	return &repository{
		template:   NewTemplatePostgreSQL(db),
		sheet:      NewSheetPostgreSQL(db),
		evaluation: NewEvaluationPostgreSQL(db),
	}
}

func (r *repository) Template() repositories.TemplateRepository     { return r.template }
func (r *repository) Sheet() repositories.SheetRepository           { return r.sheet }
func (r *repository) Evaluation() repositories.EvaluationRepository { return r.evaluation }

// AutoMigrate creates or updates the tables for every persisted model.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Template{},
		&models.Region{},
		&models.StudentSheet{},
		&models.AlignmentAttempt{},
		&models.EvaluationRun{},
		&models.ExtractedAnswer{},
		&models.EvaluationResult{},
		&models.SheetFailure{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// notFound maps gorm's missing-record error to the repository sentinel.
func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, repositories.ErrNotFound)
	}
	return err
}
