package handlers

import (
	"net/http"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/utils"
	"github.com/gin-gonic/gin"
)

type HandlerManager struct {
	templateHandler   *TemplateHandler
	sheetHandler      *SheetHandler
	evaluationHandler *EvaluationHandler
	auth              gin.HandlerFunc
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	tokenParser TokenParser,
	maxUploadBytes int64,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		templateHandler:   NewTemplateHandler(serviceManager.Template(), logger),
		sheetHandler:      NewSheetHandler(serviceManager.Sheet(), maxUploadBytes, logger),
		evaluationHandler: NewEvaluationHandler(serviceManager.Evaluation(), serviceManager.Report(), logger),
		auth:              AuthMiddleware(tokenParser),
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "sheet-evaluation-service",
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1", hm.auth)
	{
		// Template routes
		templates := v1.Group("/templates")
		{
			templates.POST("", hm.templateHandler.CreateTemplate)
			templates.GET("/:id", hm.templateHandler.GetTemplate)
			templates.GET("/:id/versions", hm.templateHandler.GetTemplateVersions)
			templates.GET("/:id/answer-key", hm.templateHandler.GetAnswerKey)
			templates.GET("/:id/sheets", hm.sheetHandler.ListTemplateSheets)

			// Region management
			templates.POST("/:id/regions", hm.templateHandler.AddRegion)
			templates.DELETE("/:id/regions/:region_id", hm.templateHandler.RemoveRegion)
		}

		// Sheet routes
		sheets := v1.Group("/sheets")
		{
			sheets.POST("", hm.sheetHandler.RegisterSheet)
			sheets.POST("/upload", hm.sheetHandler.UploadSheet)
			sheets.GET("/:id", hm.sheetHandler.GetSheet)
			sheets.POST("/:id/align", hm.sheetHandler.AlignSheet)
			sheets.GET("/:id/attempts", hm.sheetHandler.GetAttempts)
		}

		// Evaluation routes
		evaluations := v1.Group("/evaluations")
		{
			evaluations.POST("", hm.evaluationHandler.StartEvaluation)
			evaluations.GET("/:id", hm.evaluationHandler.GetEvaluation)
			evaluations.POST("/:id/cancel", hm.evaluationHandler.CancelEvaluation)
			evaluations.GET("/:id/results", hm.evaluationHandler.GetResults)
			evaluations.GET("/:id/report", hm.evaluationHandler.GetReport)
			evaluations.GET("/:id/answers", hm.evaluationHandler.GetExtractedAnswers)
		}
	}
}
