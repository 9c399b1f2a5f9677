package postgres

import (
	"context"
	"fmt"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"gorm.io/gorm"
)

type SheetPostgreSQL struct {
	db *gorm.DB
}

func NewSheetPostgreSQL(db *gorm.DB) repositories.SheetRepository {
	return &SheetPostgreSQL{db: db}
}

func (s *SheetPostgreSQL) Create(ctx context.Context, sheet *models.StudentSheet) error {
	return s.db.WithContext(ctx).Create(sheet).Error
}

func (s *SheetPostgreSQL) GetByID(ctx context.Context, id string) (*models.StudentSheet, error) {
	var sheet models.StudentSheet
	if err := s.db.WithContext(ctx).First(&sheet, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "sheet", id)
	}
	return &sheet, nil
}

func (s *SheetPostgreSQL) GetByIDs(ctx context.Context, ids []string) ([]*models.StudentSheet, error) {
	var sheets []*models.StudentSheet
	if len(ids) == 0 {
		return sheets, nil
	}
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("student_id ASC").
		Find(&sheets).Error; err != nil {
		return nil, err
	}
	return sheets, nil
}

func (s *SheetPostgreSQL) ListByTemplate(ctx context.Context, templateID string) ([]*models.StudentSheet, error) {
	var sheets []*models.StudentSheet
	if err := s.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("student_id ASC").
		Find(&sheets).Error; err != nil {
		return nil, err
	}
	return sheets, nil
}

func (s *SheetPostgreSQL) CreateAttempt(ctx context.Context, attempt *models.AlignmentAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

// FinishAttempt saves the attempt only while it is still pending in the
// database, then updates the sheet.
func (s *SheetPostgreSQL) FinishAttempt(ctx context.Context, sheet *models.StudentSheet, attempt *models.AlignmentAttempt) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AlignmentAttempt{}).
			Where("id = ? AND status = ?", attempt.ID, models.SheetPending).
			Updates(map[string]interface{}{
				"status":            attempt.Status,
				"confidence":        attempt.Confidence,
				"low_confidence":    attempt.LowConfidence,
				"correspondences":   attempt.Correspondences,
				"inliers":           attempt.Inliers,
				"mean_residual":     attempt.MeanResidual,
				"transform":         attempt.Transform,
				"aligned_image_ref": attempt.AlignedImageRef,
				"error":             attempt.Error,
				"completed_at":      attempt.CompletedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to update attempt: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrAttemptFinalized
		}
		if err := tx.Save(sheet).Error; err != nil {
			return fmt.Errorf("failed to update sheet: %w", err)
		}
		return nil
	})
}

func (s *SheetPostgreSQL) ListAttempts(ctx context.Context, sheetID string) ([]*models.AlignmentAttempt, error) {
	var attempts []*models.AlignmentAttempt
	if err := s.db.WithContext(ctx).
		Where("sheet_id = ?", sheetID).
		Order("number ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
