package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
)

// TemplateService manages question-paper templates and their answer regions
type TemplateService interface {
	Create(ctx context.Context, req *CreateTemplateRequest, userID string) (*models.Template, error)
	Get(ctx context.Context, id string) (*models.Template, error)
	Versions(ctx context.Context, id string) ([]*models.Template, error)

	// Region management. Edits to a locked template produce a new version.
	AddRegion(ctx context.Context, templateID string, req *RegionRequest, userID string) (*TemplateChange, error)
	RemoveRegion(ctx context.Context, templateID, regionID, userID string) (*TemplateChange, error)

	AnswerKey(ctx context.Context, templateID string) (models.AnswerKey, error)
}

// ===== REQUESTS AND RESPONSES =====

type RegionRequest struct {
	QuestionNumber int           `json:"question_number" validate:"required,gt=0"`
	QuestionText   string        `json:"question_text,omitempty" validate:"max=2000"`
	Rect           geometry.Rect `json:"rect"`
	ExpectedAnswer string        `json:"expected_answer" validate:"max=2000"`
}

type CreateTemplateRequest struct {
	Name        string          `json:"name" validate:"required,min=1,max=200"`
	ImageRef    string          `json:"image_ref" validate:"required,max=500"`
	ImageWidth  int             `json:"image_width,omitempty" validate:"omitempty,gt=0"`
	ImageHeight int             `json:"image_height,omitempty" validate:"omitempty,gt=0"`
	Regions     []RegionRequest `json:"regions" validate:"omitempty,dive"`
}

func (r CreateTemplateRequest) ValidateBusiness() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[int]bool, len(r.Regions))
	for i, region := range r.Regions {
		if seen[region.QuestionNumber] {
			errs = append(errs, *NewValidationError(
				fmt.Sprintf("regions[%d].question_number", i),
				"is mapped to more than one region",
				region.QuestionNumber))
		}
		seen[region.QuestionNumber] = true
	}
	return errs
}

// TemplateChange describes the outcome of a region edit. When the edited
// template was locked, Template is the new version and NewVersion is set.
type TemplateChange struct {
	Template   *models.Template `json:"template"`
	Region     *models.Region   `json:"region,omitempty"`
	NewVersion bool             `json:"new_version"`
	Changed    bool             `json:"changed"`
}

// ===== IMPLEMENTATION =====

type templateService struct {
	repo      repositories.Repository
	images    storage.Store
	locker    cache.Locker
	log       *ServiceLogger
	validator *validator.Validator
}

func NewTemplateService(
	repo repositories.Repository,
	images storage.Store,
	locker cache.Locker,
	logger *slog.Logger,
	validator *validator.Validator,
) TemplateService {
	return &templateService{
		repo:      repo,
		images:    images,
		locker:    locker,
		log:       NewServiceLogger(logger, LogConfig{Service: "sheet-evaluation", Component: "template"}),
		validator: validator,
	}
}

func templateLockKey(id string) string {
	return "template:" + id
}

func (s *templateService) Create(ctx context.Context, req *CreateTemplateRequest, userID string) (tpl *models.Template, err error) {
	op := s.log.WithOperation(ctx, "create_template", userID)
	defer func() { op.LogResult(templateID(tpl), "template", err) }()

	if err = s.validator.Validate(req); err != nil {
		return nil, err
	}

	width, height, err := s.imageSize(ctx, req.ImageRef)
	if err != nil {
		return nil, err
	}

	tpl = models.NewTemplate(req.Name, req.ImageRef, width, height)
	tpl.CreatedBy = userID
	for _, r := range req.Regions {
		if _, err = tpl.AddRegion(r.Rect, r.QuestionNumber, r.ExpectedAnswer, r.QuestionText); err != nil {
			return nil, fmt.Errorf("region Q%d: %w", r.QuestionNumber, err)
		}
	}

	if err = s.repo.Template().Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}

	op.LogAudit(AuditEventCreate, tpl.ID, "template", map[string]interface{}{
		"name":    tpl.Name,
		"regions": len(tpl.Regions),
	})
	return tpl, nil
}

func (s *templateService) Get(ctx context.Context, id string) (*models.Template, error) {
	tpl, err := s.repo.Template().GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, ErrTemplateNotFound, id)
	}
	return tpl, nil
}

func (s *templateService) Versions(ctx context.Context, id string) ([]*models.Template, error) {
	tpl, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.Template().ListVersions(ctx, tpl.Name)
}

// ===== REGION MANAGEMENT =====

func (s *templateService) AddRegion(ctx context.Context, templateID string, req *RegionRequest, userID string) (change *TemplateChange, err error) {
	op := s.log.WithOperation(ctx, "add_region", userID)
	defer func() { op.LogResult(templateID, "template", err) }()

	if err = s.validator.Validate(req); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, templateLockKey(templateID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock template: %w", err)
	}
	defer unlock()

	tpl, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}

	if tpl.Locked {
		next := tpl.NextVersion()
		region, addErr := next.AddRegion(req.Rect, req.QuestionNumber, req.ExpectedAnswer, req.QuestionText)
		if addErr != nil {
			return nil, addErr
		}
		if err = s.repo.Template().Create(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to create template version: %w", err)
		}
		op.LogAudit(AuditEventCreate, next.ID, "template", map[string]interface{}{
			"previous_version": tpl.ID,
			"version":          next.Version,
		})
		return &TemplateChange{Template: next, Region: region, NewVersion: true, Changed: true}, nil
	}

	region, err := tpl.AddRegion(req.Rect, req.QuestionNumber, req.ExpectedAnswer, req.QuestionText)
	if err != nil {
		return nil, err
	}
	if err = s.repo.Template().AddRegion(ctx, region); err != nil {
		return nil, fmt.Errorf("failed to add region: %w", err)
	}
	added := *region
	return &TemplateChange{Template: tpl, Region: &added, Changed: true}, nil
}

func (s *templateService) RemoveRegion(ctx context.Context, templateID, regionID, userID string) (change *TemplateChange, err error) {
	op := s.log.WithOperation(ctx, "remove_region", userID)
	defer func() { op.LogResult(templateID, "template", err) }()

	unlock, err := s.locker.Lock(ctx, templateLockKey(templateID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock template: %w", err)
	}
	defer unlock()

	tpl, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}

	var removed *models.Region
	for i := range tpl.Regions {
		if tpl.Regions[i].ID == regionID {
			r := tpl.Regions[i]
			removed = &r
			break
		}
	}
	if removed == nil {
		return &TemplateChange{Template: tpl}, nil
	}

	if tpl.Locked {
		next := tpl.NextVersion()
		if r, ok := next.RegionByQuestion(removed.QuestionNumber); ok {
			next.RemoveRegion(r.ID)
		}
		if err = s.repo.Template().Create(ctx, next); err != nil {
			return nil, fmt.Errorf("failed to create template version: %w", err)
		}
		op.LogAudit(AuditEventCreate, next.ID, "template", map[string]interface{}{
			"previous_version": tpl.ID,
			"version":          next.Version,
		})
		return &TemplateChange{Template: next, Region: removed, NewVersion: true, Changed: true}, nil
	}

	if err = s.repo.Template().DeleteRegion(ctx, tpl.ID, regionID); err != nil {
		return nil, fmt.Errorf("failed to delete region: %w", err)
	}
	tpl.RemoveRegion(regionID)
	op.LogAudit(AuditEventDelete, regionID, "region", map[string]interface{}{
		"template_id":     tpl.ID,
		"question_number": removed.QuestionNumber,
	})
	return &TemplateChange{Template: tpl, Region: removed, Changed: true}, nil
}

func (s *templateService) AnswerKey(ctx context.Context, templateID string) (models.AnswerKey, error) {
	tpl, err := s.Get(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return tpl.AnswerKey(), nil
}

// ===== HELPERS =====

// imageSize reads the dimensions of a stored template image.
func (s *templateService) imageSize(ctx context.Context, ref string) (int, int, error) {
	data, err := s.images.Get(ctx, ref)
	if err != nil {
		return 0, 0, imageError(err, ref)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, NewValidationError("image_ref", "does not reference a decodable image", ref)
	}
	return cfg.Width, cfg.Height, nil
}

func templateID(t *models.Template) string {
	if t == nil {
		return ""
	}
	return t.ID
}
