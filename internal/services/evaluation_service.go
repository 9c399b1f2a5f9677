package services

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/alignment"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/scoring"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// EvaluationService runs the grading pipeline over a set of sheets
type EvaluationService interface {
	// Start validates the request, freezes the answer key and persists a
	// running record, then grades the sheets in the background.
	Start(ctx context.Context, req *StartEvaluationRequest, userID string) (*RunHandle, error)
	Get(ctx context.Context, runID string) (*models.EvaluationRun, error)
	// Cancel stops a running evaluation and waits for it to settle. Results
	// already saved are kept.
	Cancel(ctx context.Context, runID, userID string) (*models.EvaluationRun, error)

	// RecoverInterrupted marks runs left running by a previous process as
	// failed.
	RecoverInterrupted(ctx context.Context) (int, error)
	// Shutdown cancels all in-flight runs and waits for them to finish.
	Shutdown(ctx context.Context) error
}

// ===== REQUESTS AND RESPONSES =====

type StartEvaluationRequest struct {
	TemplateID        string            `json:"template_id" validate:"required,max=36"`
	SheetIDs          []string          `json:"sheet_ids,omitempty" validate:"omitempty,dive,required"`
	AnswerKeyOverride map[string]string `json:"answer_key_override,omitempty" validate:"omitempty,dive,keys,answer_key_label,endkeys,required"`
	Threshold         *float64          `json:"threshold,omitempty" validate:"omitempty,match_threshold"`
}

func (r StartEvaluationRequest) ValidateBusiness() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(r.SheetIDs))
	for i, id := range r.SheetIDs {
		if seen[id] {
			errs = append(errs, *NewValidationError(fmt.Sprintf("sheet_ids[%d]", i), "is listed more than once", id))
		}
		seen[id] = true
	}
	return errs
}

type EvaluationConfig struct {
	Threshold float64
	Workers   int
}

// RunOutcome is the final state of a run as seen by the process that ran it.
// Failures are also persisted and appear in the run's report.
type RunOutcome struct {
	Run      *models.EvaluationRun `json:"run"`
	Failures []models.SheetFailure `json:"failures,omitempty"`
}

// RunHandle tracks a run started by this process.
type RunHandle struct {
	RunID string

	cancel  context.CancelFunc
	done    chan struct{}
	outcome *RunOutcome
	err     error
}

// Done is closed once the run reaches a terminal status.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx ends.
func (h *RunHandle) Wait(ctx context.Context) (*RunOutcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ===== IMPLEMENTATION =====

type evaluationService struct {
	repo      repositories.Repository
	images    storage.Store
	aligner   *sheetAligner
	extractor *extraction.Adapter
	locker    cache.Locker
	cache     cache.CacheService
	publisher events.EventPublisher
	cfg       EvaluationConfig
	log       *ServiceLogger
	validator *validator.Validator

	baseCtx    context.Context
	cancelBase context.CancelFunc
	mu         sync.Mutex
	active     map[string]*RunHandle
	wg         sync.WaitGroup
	now        func() time.Time
}

func NewEvaluationService(
	repo repositories.Repository,
	images storage.Store,
	aligner *alignment.Engine,
	extractor *extraction.Adapter,
	locker cache.Locker,
	reportCache cache.CacheService,
	publisher events.EventPublisher,
	cfg EvaluationConfig,
	logger *slog.Logger,
	validator *validator.Validator,
) EvaluationService {
	if !scoring.ValidThreshold(cfg.Threshold) {
		cfg.Threshold = scoring.DefaultThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &evaluationService{
		repo:       repo,
		images:     images,
		aligner:    newSheetAligner(repo, images, aligner, locker, publisher, logger),
		extractor:  extractor,
		locker:     locker,
		cache:      reportCache,
		publisher:  publisher,
		cfg:        cfg,
		log:        NewServiceLogger(logger, LogConfig{Service: "sheet-evaluation", Component: "evaluation"}),
		validator:  validator,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		active:     make(map[string]*RunHandle),
		now:        time.Now,
	}
}

// ===== RUN LIFECYCLE =====

func (s *evaluationService) Start(ctx context.Context, req *StartEvaluationRequest, userID string) (handle *RunHandle, err error) {
	op := s.log.WithOperation(ctx, "start_evaluation", userID)
	defer func() {
		id := ""
		if handle != nil {
			id = handle.RunID
		}
		op.LogResult(id, "evaluation_run", err)
	}()

	if err = s.validator.Validate(req); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, templateLockKey(req.TemplateID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock template: %w", err)
	}
	defer unlock()

	tpl, err := s.repo.Template().GetByID(ctx, req.TemplateID)
	if err != nil {
		return nil, wrapNotFound(err, ErrTemplateNotFound, req.TemplateID)
	}
	if err = tpl.ValidateForEvaluation(); err != nil {
		return nil, err
	}

	source := models.FromTemplate(tpl)
	if len(req.AnswerKeyOverride) > 0 {
		overrides, parseErr := models.ParseAnswerKeyOverride(req.AnswerKeyOverride)
		if parseErr != nil {
			return nil, parseErr
		}
		source = models.Overridden(tpl, overrides)
	}
	key, err := source.Resolve(tpl)
	if err != nil {
		return nil, err
	}

	sheets, err := s.resolveSheets(ctx, tpl, req.SheetIDs)
	if err != nil {
		return nil, err
	}

	threshold := s.cfg.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	if !tpl.Locked {
		if err = s.repo.Template().Lock(ctx, tpl.ID); err != nil {
			return nil, fmt.Errorf("failed to lock template: %w", err)
		}
		tpl.Locked = true
	}

	ids := make([]string, len(sheets))
	for i, sh := range sheets {
		ids[i] = sh.ID
	}
	run, err := models.NewEvaluationRun(tpl, source, key, ids, threshold, s.aligner.engine.Config().MinConfidence, s.now())
	if err != nil {
		return nil, err
	}
	run.StartedBy = userID
	if err = s.repo.Evaluation().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create evaluation run: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	handle = &RunHandle{RunID: run.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[run.ID] = handle
	s.mu.Unlock()

	s.publish(ctx, events.NewEvent(events.EventEvaluationStarted, run.ID, events.EvaluationStartedEvent{
		RunID:           run.ID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		AnswerKeySource: string(source.Kind),
		SheetCount:      run.SheetCount,
		Threshold:       threshold,
		StartedBy:       userID,
	}))
	op.LogAudit(AuditEventCreate, run.ID, "evaluation_run", map[string]interface{}{
		"template_id": tpl.ID,
		"sheets":      run.SheetCount,
		"questions":   len(key),
	})

	s.wg.Add(1)
	go s.execute(runCtx, handle, run, tpl, key, sheets)

	return handle, nil
}

// resolveSheets loads the requested sheets, or every sheet of the template
// when none are named. A run grades at most one sheet per student: named
// sheets must belong to distinct students, and of the template's sheets only
// the latest registered per student is taken.
func (s *evaluationService) resolveSheets(ctx context.Context, tpl *models.Template, ids []string) ([]*models.StudentSheet, error) {
	if len(ids) == 0 {
		sheets, err := s.repo.Sheet().ListByTemplate(ctx, tpl.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sheets: %w", err)
		}
		if len(sheets) == 0 {
			return nil, ErrNoSheetsToEvaluate
		}
		latest := latestPerStudent(sheets)
		if skipped := len(sheets) - len(latest); skipped > 0 {
			s.log.Logger().InfoContext(ctx, "Superseded sheets left out of evaluation", "template_id", tpl.ID, "skipped", skipped)
		}
		return latest, nil
	}

	found, err := s.repo.Sheet().GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load sheets: %w", err)
	}
	byID := make(map[string]*models.StudentSheet, len(found))
	for _, sh := range found {
		byID[sh.ID] = sh
	}

	sheets := make([]*models.StudentSheet, 0, len(ids))
	byStudent := make(map[string]string, len(ids))
	for _, id := range ids {
		sh, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, id)
		}
		if sh.TemplateID != tpl.ID {
			return nil, fmt.Errorf("%w: sheet %s is for template %s", ErrSheetTemplateMismatch, id, sh.TemplateID)
		}
		if other, dup := byStudent[sh.StudentID]; dup {
			return nil, &BusinessRuleError{
				Rule:    "one_sheet_per_student",
				Message: fmt.Sprintf("sheets %s and %s both belong to student %s", other, sh.ID, sh.StudentID),
				Context: map[string]interface{}{"student_id": sh.StudentID, "sheet_ids": []string{other, sh.ID}},
				Err:     ErrDuplicateStudent,
			}
		}
		byStudent[sh.StudentID] = sh.ID
		sheets = append(sheets, sh)
	}
	return sheets, nil
}

// latestPerStudent keeps the most recently registered sheet of each student,
// ties broken by the larger id, in student order.
func latestPerStudent(sheets []*models.StudentSheet) []*models.StudentSheet {
	latest := make(map[string]*models.StudentSheet, len(sheets))
	for _, sh := range sheets {
		cur, ok := latest[sh.StudentID]
		if !ok || sh.CreatedAt.After(cur.CreatedAt) || (sh.CreatedAt.Equal(cur.CreatedAt) && sh.ID > cur.ID) {
			latest[sh.StudentID] = sh
		}
	}
	out := make([]*models.StudentSheet, 0, len(latest))
	for _, sh := range latest {
		out = append(out, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

func (s *evaluationService) Get(ctx context.Context, runID string) (*models.EvaluationRun, error) {
	run, err := s.repo.Evaluation().GetRun(ctx, runID)
	if err != nil {
		return nil, wrapNotFound(err, ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *evaluationService) Cancel(ctx context.Context, runID, userID string) (run *models.EvaluationRun, err error) {
	op := s.log.WithOperation(ctx, "cancel_evaluation", userID)
	defer func() { op.LogResult(runID, "evaluation_run", err) }()

	s.mu.Lock()
	handle, ok := s.active[runID]
	s.mu.Unlock()

	if ok {
		handle.cancel()
		if _, err = handle.Wait(ctx); err != nil {
			return nil, err
		}
		return s.Get(ctx, runID)
	}

	run, err = s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunNotCancellable, runID, run.Status)
	}

	// Running but owned by no live process.
	run.Finish(models.RunCancelled, "cancelled after the owning process stopped", s.now())
	if err = s.repo.Evaluation().FinishRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to cancel evaluation run: %w", err)
	}
	s.afterFinish(ctx, run)
	return run, nil
}

func (s *evaluationService) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := s.repo.Evaluation().ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running evaluations: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		s.mu.Lock()
		_, live := s.active[run.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		run.Finish(models.RunFailed, "interrupted before completion", s.now())
		if err := s.repo.Evaluation().FinishRun(ctx, run); err != nil {
			return recovered, fmt.Errorf("failed to finish run %s: %w", run.ID, err)
		}
		s.afterFinish(ctx, run)
		recovered++
	}
	if recovered > 0 {
		s.log.Logger().WarnContext(ctx, "Marked interrupted evaluation runs as failed", "count", recovered)
	}
	return recovered, nil
}

func (s *evaluationService) Shutdown(ctx context.Context) error {
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ===== PIPELINE =====

// execute grades every sheet and finishes the run. It owns handle.
func (s *evaluationService) execute(ctx context.Context, handle *RunHandle, run *models.EvaluationRun, tpl *models.Template, key models.AnswerKey, sheets []*models.StudentSheet) {
	defer s.wg.Done()
	defer close(handle.done)
	defer handle.cancel()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	logger := s.log.Logger().With("run_id", run.ID)
	logger.InfoContext(ctx, "Evaluation started", "sheets", len(sheets), "questions", len(key), "threshold", run.Threshold)

	regions := scoredRegions(tpl, key)
	scorer := scoring.NewScorer(run.Threshold)

	var (
		mu       sync.Mutex
		failures []models.SheetFailure
		panicked error
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, sheet := range sheets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					panicked = fmt.Errorf("sheet %s: panic: %v", sheet.ID, r)
					mu.Unlock()
				}
			}()
			if reason := s.evaluateSheet(ctx, run, tpl, key, regions, scorer, sheet.ID, logger); reason != "" {
				failure := models.NewSheetFailure(run.ID, sheet, reason, s.now())
				s.recordFailure(ctx, failure, logger)
				mu.Lock()
				failures = append(failures, *failure)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	status := models.RunCompleted
	errMsg := ""
	switch {
	case panicked != nil:
		status = models.RunFailed
		errMsg = panicked.Error()
	case ctx.Err() != nil:
		status = models.RunCancelled
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	final, err := s.repo.Evaluation().GetRun(finishCtx, run.ID)
	if err != nil {
		final = run
	}
	final.Finish(status, errMsg, s.now())
	if err := s.repo.Evaluation().FinishRun(finishCtx, final); err != nil {
		logger.ErrorContext(finishCtx, "Failed to finish evaluation run", "status", status, "error", err)
		handle.err = fmt.Errorf("failed to finish evaluation run: %w", err)
	}
	s.afterFinish(finishCtx, final)

	sort.Slice(failures, func(i, j int) bool {
		if failures[i].StudentID != failures[j].StudentID {
			return failures[i].StudentID < failures[j].StudentID
		}
		return failures[i].SheetID < failures[j].SheetID
	})
	handle.outcome = &RunOutcome{Run: final, Failures: failures}

	logger.InfoContext(finishCtx, "Evaluation finished",
		"status", final.Status,
		"completed_sheets", final.CompletedSheets,
		"failed_sheets", final.FailedSheets,
		"duration", s.now().Sub(final.StartedAt))
}

// evaluateSheet aligns (when needed), extracts and scores one sheet and saves
// its results. It returns a non-empty reason when the sheet produced no
// results. A sheet interrupted by cancellation is not a failure.
func (s *evaluationService) evaluateSheet(
	ctx context.Context,
	run *models.EvaluationRun,
	tpl *models.Template,
	key models.AnswerKey,
	regions []models.Region,
	scorer scoring.Scorer,
	sheetID string,
	logger *slog.Logger,
) string {
	sheet, aligned, err := s.prepareSheet(ctx, tpl, sheetID)
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		if isAlignmentFailure(err) {
			logger.WarnContext(ctx, "Skipping sheet that could not be aligned", "sheet_id", sheetID, "error", err)
		} else {
			logger.ErrorContext(ctx, "Failed to prepare sheet", "sheet_id", sheetID, "error", err)
		}
		return err.Error()
	}

	extractions := s.extractor.ExtractAll(ctx, aligned, regions)
	if ctx.Err() != nil {
		return ""
	}

	now := s.now()
	answers := make([]models.ExtractedAnswer, 0, len(extractions))
	results := make([]models.EvaluationResult, 0, len(extractions))
	for _, ext := range extractions {
		expected := key[ext.QuestionNumber]
		match := scorer.Score(ext.Text, expected)

		answers = append(answers, models.ExtractedAnswer{
			ID:             uuid.NewString(),
			RunID:          run.ID,
			SheetID:        sheet.ID,
			QuestionNumber: ext.QuestionNumber,
			Text:           ext.Text,
			Confidence:     ext.Confidence,
			Engine:         ext.Engine,
			Failure:        ext.Failure,
			CreatedAt:      now,
		})
		results = append(results, models.EvaluationResult{
			ID:                     uuid.NewString(),
			RunID:                  run.ID,
			SheetID:                sheet.ID,
			StudentID:              sheet.StudentID,
			QuestionNumber:         ext.QuestionNumber,
			ExtractedAnswer:        ext.Text,
			CorrectAnswer:          expected,
			Similarity:             match.Similarity,
			IsCorrect:              match.IsCorrect,
			Score:                  match.Score,
			Reason:                 match.Reason,
			ExtractionConfidence:   ext.Confidence,
			AlignmentConfidence:    sheet.AlignmentConfidence,
			LowConfidenceAlignment: sheet.LowConfidence,
			CreatedAt:              now,
		})
	}

	if err := s.repo.Evaluation().SaveSheetOutcome(ctx, run.ID, answers, results); err != nil {
		if ctx.Err() != nil {
			return ""
		}
		logger.ErrorContext(ctx, "Failed to save sheet results", "sheet_id", sheet.ID, "error", err)
		return fmt.Sprintf("failed to save results: %v", err)
	}

	logger.DebugContext(ctx, "Sheet evaluated", "sheet_id", sheet.ID, "student_id", sheet.StudentID, "questions", len(results))
	return ""
}

// prepareSheet returns the sheet with its aligned image, aligning it first
// when it is still pending. Sheets whose alignment failed are not retried.
func (s *evaluationService) prepareSheet(ctx context.Context, tpl *models.Template, sheetID string) (*models.StudentSheet, image.Image, error) {
	unlock, err := s.aligner.lock(ctx, sheetID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	sheet, err := s.repo.Sheet().GetByID(ctx, sheetID)
	if err != nil {
		return nil, nil, wrapNotFound(err, ErrSheetNotFound, sheetID)
	}

	switch sheet.Status {
	case models.SheetPending:
		_, aligned, err := s.aligner.align(ctx, sheet, tpl)
		if err != nil {
			return nil, nil, err
		}
		return sheet, aligned, nil
	case models.SheetFailed:
		return nil, nil, fmt.Errorf("%w: %s", errSheetAlignmentFailed, sheet.FailureReason)
	}

	if !sheet.IsAligned() {
		return nil, nil, fmt.Errorf("sheet %s has no aligned image", sheet.ID)
	}
	aligned, err := storage.LoadImage(ctx, s.images, *sheet.AlignedImageRef)
	if err != nil {
		return nil, nil, imageError(err, *sheet.AlignedImageRef)
	}
	return sheet, aligned, nil
}

func (s *evaluationService) recordFailure(ctx context.Context, failure *models.SheetFailure, logger *slog.Logger) {
	if err := s.repo.Evaluation().RecordSheetFailure(context.WithoutCancel(ctx), failure); err != nil {
		logger.ErrorContext(ctx, "Failed to record sheet failure", "sheet_id", failure.SheetID, "error", err)
	}
}

// afterFinish drops cached reports and announces the terminal status.
func (s *evaluationService) afterFinish(ctx context.Context, run *models.EvaluationRun) {
	if s.cache != nil {
		if err := s.cache.Delete(ctx, reportCacheKey(run.ID)); err != nil {
			s.log.Logger().WarnContext(ctx, "Failed to invalidate cached report", "run_id", run.ID, "error", err)
		}
	}

	eventType := events.EventEvaluationCompleted
	if run.Status == models.RunCancelled {
		eventType = events.EventEvaluationCancelled
	}
	finishedAt := s.now()
	if run.CompletedAt != nil {
		finishedAt = *run.CompletedAt
	}
	s.publish(ctx, events.NewEvent(eventType, run.ID, events.EvaluationFinishedEvent{
		RunID:           run.ID,
		TemplateID:      run.TemplateID,
		Status:          string(run.Status),
		SheetCount:      run.SheetCount,
		CompletedSheets: run.CompletedSheets,
		FailedSheets:    run.FailedSheets,
		FinishedAt:      finishedAt,
	}))
}

func (s *evaluationService) publish(ctx context.Context, event *events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Logger().WarnContext(ctx, "Failed to publish event", "event_type", event.Type, "subject", event.Subject, "error", err)
	}
}

// scoredRegions returns the regions whose question is in key, ordered by
// question number.
func scoredRegions(tpl *models.Template, key models.AnswerKey) []models.Region {
	var out []models.Region
	for _, r := range tpl.SortedRegions() {
		if _, ok := key[r.QuestionNumber]; ok {
			out = append(out, r)
		}
	}
	return out
}
