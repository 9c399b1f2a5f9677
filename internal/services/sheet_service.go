package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/alignment"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
)

// SheetService registers scanned answer sheets and aligns them to their
// template
type SheetService interface {
	Register(ctx context.Context, req *RegisterSheetRequest, userID string) (*models.StudentSheet, error)
	Upload(ctx context.Context, req *UploadSheetRequest, data []byte, userID string) (*models.StudentSheet, error)
	Get(ctx context.Context, id string) (*models.StudentSheet, error)
	ListByTemplate(ctx context.Context, templateID string) ([]*models.StudentSheet, error)

	// Align runs a new alignment attempt. When the sheet cannot be aligned
	// the failed attempt is returned together with the error.
	Align(ctx context.Context, sheetID, userID string) (*AlignmentResult, error)
	Attempts(ctx context.Context, sheetID string) ([]*models.AlignmentAttempt, error)
}

// ===== REQUESTS AND RESPONSES =====

type RegisterSheetRequest struct {
	TemplateID string `json:"template_id" validate:"required,max=36"`
	StudentID  string `json:"student_id" validate:"required,min=1,max=255"`
	ImageRef   string `json:"image_ref" validate:"required,max=500"`
}

type UploadSheetRequest struct {
	TemplateID string `form:"template_id" json:"template_id" validate:"required,max=36"`
	StudentID  string `form:"student_id" json:"student_id" validate:"required,min=1,max=255"`
	Filename   string `json:"filename" validate:"required"`
}

func (r UploadSheetRequest) ValidateBusiness() ValidationErrors {
	ext := strings.ToLower(filepath.Ext(r.Filename))
	if !storage.AllowedExtension(ext) {
		return ValidationErrors{*NewValidationError("file", "must be a PNG, JPEG, GIF, TIFF, BMP or WebP image", r.Filename)}
	}
	return nil
}

type AlignmentResult struct {
	Sheet   *models.StudentSheet     `json:"sheet"`
	Attempt *models.AlignmentAttempt `json:"attempt"`
}

// ===== IMPLEMENTATION =====

type sheetService struct {
	repo      repositories.Repository
	images    storage.Store
	aligner   *sheetAligner
	log       *ServiceLogger
	validator *validator.Validator
}

func NewSheetService(
	repo repositories.Repository,
	images storage.Store,
	engine *alignment.Engine,
	locker cache.Locker,
	publisher events.EventPublisher,
	logger *slog.Logger,
	validator *validator.Validator,
) SheetService {
	return &sheetService{
		repo:      repo,
		images:    images,
		aligner:   newSheetAligner(repo, images, engine, locker, publisher, logger),
		log:       NewServiceLogger(logger, LogConfig{Service: "sheet-evaluation", Component: "sheet"}),
		validator: validator,
	}
}

func (s *sheetService) Register(ctx context.Context, req *RegisterSheetRequest, userID string) (sheet *models.StudentSheet, err error) {
	op := s.log.WithOperation(ctx, "register_sheet", userID)
	defer func() { op.LogResult(sheetID(sheet), "sheet", err) }()

	if err = s.validator.Validate(req); err != nil {
		return nil, err
	}

	if _, err = s.repo.Template().GetByID(ctx, req.TemplateID); err != nil {
		return nil, wrapNotFound(err, ErrTemplateNotFound, req.TemplateID)
	}
	if _, err = s.images.Get(ctx, req.ImageRef); err != nil {
		return nil, imageError(err, req.ImageRef)
	}

	sheet = models.NewStudentSheet(req.TemplateID, strings.TrimSpace(req.StudentID), req.ImageRef)
	if err = s.repo.Sheet().Create(ctx, sheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	return sheet, nil
}

func (s *sheetService) Upload(ctx context.Context, req *UploadSheetRequest, data []byte, userID string) (*models.StudentSheet, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	if _, _, err := storage.Decode(data); err != nil {
		return nil, NewValidationError("file", "is not a readable image", req.Filename)
	}

	ref, err := s.images.Put(ctx, data, strings.ToLower(filepath.Ext(req.Filename)))
	if err != nil {
		return nil, fmt.Errorf("failed to store sheet image: %w", err)
	}

	sheet, err := s.Register(ctx, &RegisterSheetRequest{
		TemplateID: req.TemplateID,
		StudentID:  req.StudentID,
		ImageRef:   ref,
	}, userID)
	if err != nil {
		if delErr := s.images.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			s.log.Logger().WarnContext(ctx, "Failed to remove orphaned upload", "image_ref", ref, "error", delErr)
		}
		return nil, err
	}
	return sheet, nil
}

func (s *sheetService) Get(ctx context.Context, id string) (*models.StudentSheet, error) {
	sheet, err := s.repo.Sheet().GetByID(ctx, id)
	if err != nil {
		return nil, wrapNotFound(err, ErrSheetNotFound, id)
	}
	return sheet, nil
}

func (s *sheetService) ListByTemplate(ctx context.Context, templateID string) ([]*models.StudentSheet, error) {
	if _, err := s.repo.Template().GetByID(ctx, templateID); err != nil {
		return nil, wrapNotFound(err, ErrTemplateNotFound, templateID)
	}
	return s.repo.Sheet().ListByTemplate(ctx, templateID)
}

func (s *sheetService) Align(ctx context.Context, id, userID string) (result *AlignmentResult, err error) {
	op := s.log.WithOperation(ctx, "align_sheet", userID)
	defer func() { op.LogResult(id, "sheet", err) }()

	unlock, err := s.aligner.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sheet, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tpl, err := s.repo.Template().GetByID(ctx, sheet.TemplateID)
	if err != nil {
		return nil, wrapNotFound(err, ErrTemplateNotFound, sheet.TemplateID)
	}

	attempt, _, err := s.aligner.align(ctx, sheet, tpl)
	if attempt == nil {
		return nil, err
	}
	return &AlignmentResult{Sheet: sheet, Attempt: attempt}, err
}

func (s *sheetService) Attempts(ctx context.Context, id string) ([]*models.AlignmentAttempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Sheet().ListAttempts(ctx, id)
}

func sheetID(s *models.StudentSheet) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// ===== ALIGNMENT =====

// sheetAligner runs alignment attempts. Callers hold the sheet's lock while
// calling align so attempts for one sheet never overlap.
type sheetAligner struct {
	repo      repositories.Repository
	images    storage.Store
	engine    *alignment.Engine
	locker    cache.Locker
	publisher events.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func newSheetAligner(
	repo repositories.Repository,
	images storage.Store,
	engine *alignment.Engine,
	locker cache.Locker,
	publisher events.EventPublisher,
	logger *slog.Logger,
) *sheetAligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &sheetAligner{
		repo:      repo,
		images:    images,
		engine:    engine,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With("component", "sheet_aligner"),
		now:       time.Now,
	}
}

func (a *sheetAligner) lock(ctx context.Context, sheetID string) (func(), error) {
	unlock, err := a.locker.Lock(ctx, "sheet:"+sheetID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock sheet %s: %w", sheetID, err)
	}
	return unlock, nil
}

// align records one attempt for sheet and applies it. The returned attempt is
// nil only when no attempt could be started. On success the aligned image is
// returned as well; sheet is updated in place.
func (a *sheetAligner) align(ctx context.Context, sheet *models.StudentSheet, tpl *models.Template) (*models.AlignmentAttempt, image.Image, error) {
	templateImg, err := storage.LoadImage(ctx, a.images, tpl.ImageRef)
	if err != nil {
		return nil, nil, imageError(err, tpl.ImageRef)
	}
	sheetImg, err := storage.LoadImage(ctx, a.images, sheet.ImageRef)
	if err != nil {
		return nil, nil, imageError(err, sheet.ImageRef)
	}

	attempt := sheet.BeginAttempt(a.now())
	if err := a.repo.Sheet().CreateAttempt(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("failed to create alignment attempt: %w", err)
	}

	res, alignErr := a.engine.Align(ctx, templateImg, sheetImg)
	if alignErr != nil {
		if ctx.Err() != nil || !isAlignmentFailure(alignErr) {
			return attempt, nil, a.abandon(ctx, sheet, attempt, alignErr)
		}
		return attempt, nil, a.fail(ctx, sheet, attempt, alignErr)
	}

	// The attempt is finished even when the caller's context ends mid-way.
	persistCtx := context.WithoutCancel(ctx)

	alignedRef, err := storage.SaveImage(persistCtx, a.images, res.Aligned)
	if err != nil {
		return attempt, nil, a.abandon(ctx, sheet, attempt, fmt.Errorf("failed to store aligned image: %w", err))
	}
	transform, err := json.Marshal(res.Transform.Coefficients())
	if err != nil {
		return attempt, nil, a.abandon(ctx, sheet, attempt, fmt.Errorf("failed to encode transform: %w", err))
	}

	if err := attempt.Succeed(models.AlignmentOutcome{
		Confidence:      res.Confidence,
		LowConfidence:   res.LowConfidence,
		Correspondences: res.Correspondences,
		Inliers:         res.Inliers,
		MeanResidual:    res.MeanResidual,
		Transform:       transform,
		AlignedImageRef: alignedRef,
	}, a.now()); err != nil {
		return attempt, nil, err
	}
	sheet.ApplyAttempt(attempt)
	if err := a.repo.Sheet().FinishAttempt(persistCtx, sheet, attempt); err != nil {
		return attempt, nil, fmt.Errorf("failed to save alignment attempt: %w", err)
	}

	eventType := events.EventSheetAligned
	payload := events.SheetAlignedEvent{
		SheetID:         sheet.ID,
		TemplateID:      sheet.TemplateID,
		StudentID:       sheet.StudentID,
		AttemptID:       attempt.ID,
		Confidence:      res.Confidence,
		LowConfidence:   res.LowConfidence,
		Inliers:         res.Inliers,
		Correspondences: res.Correspondences,
	}
	if warning := res.Warning(); warning != nil {
		eventType = events.EventSheetAlignmentLowConfidence
		payload.Warning = warning.Error()
		a.logger.WarnContext(ctx, "Sheet aligned with low confidence",
			"sheet_id", sheet.ID,
			"attempt", attempt.Number,
			"inliers", res.Inliers,
			"warning", warning)
	} else {
		a.logger.InfoContext(ctx, "Sheet aligned",
			"sheet_id", sheet.ID,
			"attempt", attempt.Number,
			"confidence", res.Confidence,
			"inliers", res.Inliers,
			"duration", res.Duration)
	}
	a.publish(ctx, events.NewEvent(eventType, sheet.ID, payload))

	return attempt, res.Aligned, nil
}

// fail finalizes attempt as failed and returns cause.
func (a *sheetAligner) fail(ctx context.Context, sheet *models.StudentSheet, attempt *models.AlignmentAttempt, cause error) error {
	found := 0
	var insufficient *alignment.InsufficientFeaturesError
	if errors.As(cause, &insufficient) {
		found = insufficient.Found
	}

	if err := attempt.Fail(cause.Error(), found, a.now()); err != nil {
		return err
	}
	sheet.ApplyAttempt(attempt)
	if err := a.repo.Sheet().FinishAttempt(context.WithoutCancel(ctx), sheet, attempt); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to save alignment attempt: %w", err))
	}

	a.logger.WarnContext(ctx, "Sheet alignment failed",
		"sheet_id", sheet.ID,
		"attempt", attempt.Number,
		"correspondences", found,
		"error", cause)

	a.publish(ctx, events.NewEvent(events.EventSheetAlignmentFailed, sheet.ID, events.SheetAlignmentFailedEvent{
		SheetID:         sheet.ID,
		TemplateID:      sheet.TemplateID,
		StudentID:       sheet.StudentID,
		AttemptID:       attempt.ID,
		Reason:          cause.Error(),
		Correspondences: found,
	}))
	return cause
}

// abandon closes attempt without changing the sheet's alignment state, so a
// cancelled or interrupted attempt never marks a good sheet as failed. It
// returns cause.
func (a *sheetAligner) abandon(ctx context.Context, sheet *models.StudentSheet, attempt *models.AlignmentAttempt, cause error) error {
	if err := attempt.Abandon(cause.Error(), a.now()); err != nil {
		return err
	}
	sheet.ApplyAttempt(attempt)
	if err := a.repo.Sheet().FinishAttempt(context.WithoutCancel(ctx), sheet, attempt); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to save alignment attempt: %w", err))
	}

	a.logger.WarnContext(ctx, "Sheet alignment abandoned",
		"sheet_id", sheet.ID,
		"attempt", attempt.Number,
		"status", sheet.Status,
		"error", cause)
	return cause
}

func (a *sheetAligner) publish(ctx context.Context, event *events.Event) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		a.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.Type, "subject", event.Subject, "error", err)
	}
}

var errSheetAlignmentFailed = errors.New("sheet alignment failed")

// isAlignmentFailure reports whether err means the sheet could not be
// aligned, as opposed to an infrastructure problem.
func isAlignmentFailure(err error) bool {
	return errors.Is(err, apperrors.ErrInsufficientFeatures) ||
		errors.Is(err, alignment.ErrEmptyImage) ||
		errors.Is(err, errSheetAlignmentFailed)
}

func imageError(err error, ref string) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidRef) {
		return fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}
	return err
}
