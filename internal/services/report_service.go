package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/reporting"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
)

const DefaultReportCacheTTL = 10 * time.Minute

// ReportService exposes the results of evaluation runs
type ReportService interface {
	Results(ctx context.Context, runID string) ([]models.EvaluationResult, error)
	ExtractedAnswers(ctx context.Context, runID string) ([]models.ExtractedAnswer, error)
	Report(ctx context.Context, runID string) (*models.EvaluationReport, error)

	// Export
	WriteResultsCSV(ctx context.Context, runID string, w io.Writer) error
	WriteReportCSV(ctx context.Context, runID string, w io.Writer) error
	Workbook(ctx context.Context, runID string) (*bytes.Buffer, error)
}

type reportService struct {
	repo     repositories.Repository
	cache    cache.CacheService
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReportService creates the report service. reportCache may be nil, in
// which case reports are always computed.
func NewReportService(repo repositories.Repository, reportCache cache.CacheService, cacheTTL time.Duration, logger *slog.Logger) ReportService {
	if cacheTTL <= 0 {
		cacheTTL = DefaultReportCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &reportService{
		repo:     repo,
		cache:    reportCache,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "report"),
		now:      time.Now,
	}
}

func reportCacheKey(runID string) string {
	return "report:" + runID
}

func (s *reportService) run(ctx context.Context, runID string) (*models.EvaluationRun, error) {
	run, err := s.repo.Evaluation().GetRun(ctx, runID)
	if err != nil {
		return nil, wrapNotFound(err, ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *reportService) Results(ctx context.Context, runID string) ([]models.EvaluationResult, error) {
	if _, err := s.run(ctx, runID); err != nil {
		return nil, err
	}
	results, err := s.repo.Evaluation().ListResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	reporting.SortResults(results)
	if results == nil {
		results = []models.EvaluationResult{}
	}
	return results, nil
}

func (s *reportService) ExtractedAnswers(ctx context.Context, runID string) ([]models.ExtractedAnswer, error) {
	if _, err := s.run(ctx, runID); err != nil {
		return nil, err
	}
	answers, err := s.repo.Evaluation().ListExtractedAnswers(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted answers: %w", err)
	}
	if answers == nil {
		answers = []models.ExtractedAnswer{}
	}
	return answers, nil
}

// Report aggregates a run's results. Reports of finished runs are cached.
func (s *reportService) Report(ctx context.Context, runID string) (*models.EvaluationReport, error) {
	run, err := s.run(ctx, runID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && run.IsTerminal() {
		var cached models.EvaluationReport
		err := s.cache.Get(ctx, reportCacheKey(runID), &cached)
		switch {
		case err == nil:
			return &cached, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			s.logger.WarnContext(ctx, "Failed to read cached report", "run_id", runID, "error", err)
		}
	}

	results, err := s.repo.Evaluation().ListResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	failures, err := s.failures(ctx, runID)
	if err != nil {
		return nil, err
	}
	aggregates := reporting.Aggregate(results)
	report := &models.EvaluationReport{
		RunID:       run.ID,
		Status:      run.Status,
		Students:    aggregates,
		Summary:     reporting.Summarize(aggregates),
		Failures:    failures,
		GeneratedAt: s.now().UTC(),
	}

	if s.cache != nil && run.IsTerminal() {
		if err := s.cache.Set(ctx, reportCacheKey(runID), report, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "Failed to cache report", "run_id", runID, "error", err)
		}
	}
	return report, nil
}

func (s *reportService) failures(ctx context.Context, runID string) ([]models.SheetFailure, error) {
	failures, err := s.repo.Evaluation().ListSheetFailures(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheet failures: %w", err)
	}
	if failures == nil {
		failures = []models.SheetFailure{}
	}
	return failures, nil
}

// ===== EXPORT =====

func (s *reportService) WriteResultsCSV(ctx context.Context, runID string, w io.Writer) error {
	results, err := s.Results(ctx, runID)
	if err != nil {
		return err
	}
	return reporting.WriteResultsCSV(w, results)
}

func (s *reportService) WriteReportCSV(ctx context.Context, runID string, w io.Writer) error {
	report, err := s.Report(ctx, runID)
	if err != nil {
		return err
	}
	return reporting.WriteAggregateCSV(w, report.Students)
}

func (s *reportService) Workbook(ctx context.Context, runID string) (*bytes.Buffer, error) {
	results, err := s.Results(ctx, runID)
	if err != nil {
		return nil, err
	}
	failures, err := s.failures(ctx, runID)
	if err != nil {
		return nil, err
	}
	aggregates := reporting.Aggregate(results)
	return reporting.BuildWorkbook(results, aggregates, reporting.Summarize(aggregates), failures)
}
