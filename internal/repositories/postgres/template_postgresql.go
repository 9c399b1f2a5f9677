package postgres

import (
	"context"
	"fmt"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"gorm.io/gorm"
)

type TemplatePostgreSQL struct {
	db *gorm.DB
}

func NewTemplatePostgreSQL(db *gorm.DB) repositories.TemplateRepository {
	return &TemplatePostgreSQL{db: db}
}

func orderedRegions(db *gorm.DB) *gorm.DB {
	return db.Order("question_number ASC")
}

// Create inserts the template and its regions in one transaction
func (t *TemplatePostgreSQL) Create(ctx context.Context, template *models.Template) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(template).Error; err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}
		return nil
	})
}

func (t *TemplatePostgreSQL) GetByID(ctx context.Context, id string) (*models.Template, error) {
	var template models.Template
	if err := t.db.WithContext(ctx).
		Preload("Regions", orderedRegions).
		First(&template, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "template", id)
	}
	return &template, nil
}

func (t *TemplatePostgreSQL) ListVersions(ctx context.Context, name string) ([]*models.Template, error) {
	var templates []*models.Template
	if err := t.db.WithContext(ctx).
		Where("name = ?", name).
		Order("version ASC").
		Preload("Regions", orderedRegions).
		Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (t *TemplatePostgreSQL) Lock(ctx context.Context, id string) error {
	res := t.db.WithContext(ctx).
		Model(&models.Template{}).
		Where("id = ?", id).
		Update("locked", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("template %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

func (t *TemplatePostgreSQL) AddRegion(ctx context.Context, region *models.Region) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(region).Error; err != nil {
			return fmt.Errorf("failed to create region: %w", err)
		}
		return tx.Model(&models.Template{}).
			Where("id = ?", region.TemplateID).
			Update("updated_at", gorm.Expr("NOW()")).Error
	})
}

func (t *TemplatePostgreSQL) DeleteRegion(ctx context.Context, templateID, regionID string) error {
	return t.db.WithContext(ctx).
		Where("template_id = ? AND id = ?", templateID, regionID).
		Delete(&models.Region{}).Error
}
