package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/alignment"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/cache"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/config"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/events"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction/gemini"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction/tesseract"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/handlers"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories/memory"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories/postgres"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/storage"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/utils"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/validator"
	"github.com/SAP-F-2025/sheet-evaluation-service/pkg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			NewLogger,
			NewRepository,
			NewImageStore,
			NewRedisClient,
			NewCacheAndLocker,
			NewEventPublisher,
			NewAligner,
			NewExtractor,
			validator.New,
			NewServiceManager,
			NewTokenParser,
			NewGinEngine,
		),
		fx.Invoke(RecoverInterruptedRuns),
		fx.Invoke(RegisterRoutesAndStartServer),
		fx.NopLogger,
	)

	app.Run()
}

func NewLogger(cfg *config.Config) *slog.Logger {
	logger := utils.NewBaseLogger(utils.LogOptions{
		Production: cfg.IsProduction(),
		Service:    "sheet-evaluation-service",
	})
	slog.SetDefault(logger)
	return logger
}

// NewRepository uses Postgres when DATABASE_URL is set and an in-memory
// store otherwise.
func NewRepository(cfg *config.Config, logger *slog.Logger) (repositories.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, results are kept in memory only")
		return memory.NewRepository(), nil
	}

	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Running database migrations")
	if err := pkg.Migrate(db); err != nil {
		return nil, err
	}
	return postgres.NewRepository(db), nil
}

func NewImageStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.StorageDir == "" {
		logger.Warn("STORAGE_DIR not set, images are kept in memory only")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewFileStore(cfg.StorageDir)
}

// NewRedisClient returns nil when REDIS_URL is not set.
func NewRedisClient(lc fx.Lifecycle, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	client, err := pkg.NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(client.Close))
	return client, nil
}

type CacheResult struct {
	fx.Out

	Cache  cache.CacheService
	Locker cache.Locker
}

func NewCacheAndLocker(cfg *config.Config, client *redis.Client, logger *slog.Logger) CacheResult {
	if client == nil {
		return CacheResult{Locker: cache.NewLocalLocker()}
	}
	return CacheResult{
		Cache:  cache.NewRedisCache(client, "sheet-eval", logger),
		Locker: cache.NewRedisLocker(client, "sheet-eval:lock", cfg.Alignment.LockTTL),
	}
}

func NewEventPublisher(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (events.EventPublisher, error) {
	publisher, err := cfg.Events.CreateEventPublisher(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	lc.Append(fx.StopHook(publisher.Close))
	return publisher, nil
}

func NewAligner(cfg *config.Config, logger *slog.Logger) *alignment.Engine {
	alignCfg := alignment.DefaultConfig()
	alignCfg.MinConfidence = cfg.Alignment.MinConfidence
	if cfg.Alignment.WorkingWidth > 0 {
		alignCfg.WorkingWidth = cfg.Alignment.WorkingWidth
	}
	if cfg.Alignment.MaxFeatures > 0 {
		alignCfg.MaxFeatures = cfg.Alignment.MaxFeatures
	}
	if cfg.Alignment.RansacIterations > 0 {
		alignCfg.RansacIterations = cfg.Alignment.RansacIterations
	}
	if cfg.Alignment.InlierThreshold > 0 {
		alignCfg.InlierThreshold = cfg.Alignment.InlierThreshold
	}
	return alignment.NewEngine(alignCfg, logger)
}

func NewExtractor(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*extraction.Adapter, error) {
	var engine extraction.Engine
	switch cfg.Evaluation.OCREngine {
	case "tesseract":
		engine = tesseract.New(cfg.Evaluation.OCRLanguages...)
	case "gemini":
		g, err := gemini.New(context.Background(), cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini engine: %w", err)
		}
		lc.Append(fx.StopHook(g.Close))
		engine = g
	default:
		logger.Warn("No OCR engine configured, extracted answers will be empty")
		engine = extraction.NewNoopEngine()
	}

	logger.Info("OCR engine selected", "engine", engine.Name())
	return extraction.NewAdapter(engine, extraction.AdapterConfig{
		Timeout:     cfg.Evaluation.OCRTimeout,
		Parallelism: cfg.Evaluation.RegionParallelism,
		Options:     []extraction.InputOption{extraction.WithLanguages(cfg.Evaluation.OCRLanguages...)},
	}, logger), nil
}

type ServiceParams struct {
	fx.In

	Config    *config.Config
	Repo      repositories.Repository
	Images    storage.Store
	Aligner   *alignment.Engine
	Extractor *extraction.Adapter
	Cache     cache.CacheService `optional:"true"`
	Locker    cache.Locker
	Publisher events.EventPublisher
	Logger    *slog.Logger
	Validator *validator.Validator
}

func NewServiceManager(lc fx.Lifecycle, p ServiceParams) services.ServiceManager {
	manager := services.NewServiceManager(services.Dependencies{
		Repo:      p.Repo,
		Images:    p.Images,
		Aligner:   p.Aligner,
		Extractor: p.Extractor,
		Locker:    p.Locker,
		Cache:     p.Cache,
		CacheTTL:  p.Config.Evaluation.ReportCacheTTL,
		Publisher: p.Publisher,
		Evaluation: services.EvaluationConfig{
			Threshold: p.Config.Evaluation.Threshold,
			Workers:   p.Config.Evaluation.Workers,
		},
		Logger:    p.Logger,
		Validator: p.Validator,
	})
	lc.Append(fx.StopHook(manager.Shutdown))
	return manager
}

// NewTokenParser returns nil when authentication is disabled.
func NewTokenParser(cfg *config.Config, logger *slog.Logger) handlers.TokenParser {
	if !cfg.Auth.Enabled {
		logger.Warn("Authentication disabled")
		return nil
	}
	return handlers.NewCasdoorParser(
		cfg.Auth.Endpoint,
		cfg.Auth.ClientID,
		cfg.Auth.ClientSecret,
		cfg.Auth.Certificate,
		cfg.Auth.Organization,
		cfg.Auth.Application,
	)
}

func NewGinEngine(cfg *config.Config, logger *slog.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(utils.LoggerMiddleware(utils.FromSlogLogger(logger), "/health"))
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "Location"},
		AllowCredentials: !containsWildcard(cfg.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}))

	r.MaxMultipartMemory = cfg.MaxUploadBytes
	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// RecoverInterruptedRuns closes runs a previous process left running.
func RecoverInterruptedRuns(lc fx.Lifecycle, manager services.ServiceManager, logger *slog.Logger) {
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		n, err := manager.Evaluation().RecoverInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("failed to recover interrupted runs: %w", err)
		}
		if n > 0 {
			logger.Warn("Marked interrupted evaluation runs as failed", "runs", n)
		}
		return nil
	}))
}

// RegisterRoutesAndStartServer configures API routes and manages server lifecycle.
func RegisterRoutesAndStartServer(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	router *gin.Engine,
	cfg *config.Config,
	manager services.ServiceManager,
	tokenParser handlers.TokenParser,
	logger *slog.Logger,
) {
	handlers.NewHandlerManager(manager, tokenParser, cfg.MaxUploadBytes, utils.FromSlogLogger(logger)).SetupRoutes(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Sheet evaluation service starting", "port", cfg.Port, "environment", cfg.Environment)
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server ListenAndServe failed", "error", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Server shutting down")
			return server.Shutdown(ctx)
		},
	})
}
