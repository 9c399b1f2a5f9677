package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/alignment"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
)

// ServiceManager gives handlers access to every service
type ServiceManager interface {
	Template() TemplateService
	Sheet() SheetService
	Evaluation() EvaluationService
	Report() ReportService

	Shutdown(ctx context.Context) error
}

// Dependencies collects what the services are built from. Cache and
// Publisher are optional.
type Dependencies struct {
	Repo       repositories.Repository
	Images     storage.Store
	Aligner    *alignment.Engine
	Extractor  *extraction.Adapter
	Locker     cache.Locker
	Cache      cache.CacheService
	CacheTTL   time.Duration
	Publisher  events.EventPublisher
	Evaluation EvaluationConfig
	Logger     *slog.Logger
	Validator  *validator.Validator
}

type serviceManager struct {
	template   TemplateService
	sheet      SheetService
	evaluation EvaluationService
	report     ReportService
}

func NewServiceManager(deps Dependencies) ServiceManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = cache.NewLocalLocker()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Aligner == nil {
		deps.Aligner = alignment.NewEngine(alignment.DefaultConfig(), deps.Logger)
	}
	if deps.Extractor == nil {
		deps.Extractor = extraction.NewAdapter(nil, extraction.AdapterConfig{}, deps.Logger)
	}

	return &serviceManager{
		template: NewTemplateService(deps.Repo, deps.Images, deps.Locker, deps.Logger, deps.Validator),
		sheet:    NewSheetService(deps.Repo, deps.Images, deps.Aligner, deps.Locker, deps.Publisher, deps.Logger, deps.Validator),
		evaluation: NewEvaluationService(
			deps.Repo, deps.Images, deps.Aligner, deps.Extractor, deps.Locker,
			deps.Cache, deps.Publisher, deps.Evaluation, deps.Logger, deps.Validator,
		),
		report: NewReportService(deps.Repo, deps.Cache, deps.CacheTTL, deps.Logger),
	}
}

func (m *serviceManager) Template() TemplateService     { return m.template }
func (m *serviceManager) Sheet() SheetService           { return m.sheet }
func (m *serviceManager) Evaluation() EvaluationService { return m.evaluation }
func (m *serviceManager) Report() ReportService         { return m.report }

func (m *serviceManager) Shutdown(ctx context.Context) error {
	return m.evaluation.Shutdown(ctx)
}
