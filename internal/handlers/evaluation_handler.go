package handlers

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/utils"
	"github.com/gin-gonic/gin"
)

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type EvaluationHandler struct {
	BaseHandler
	evaluationService services.EvaluationService
	reportService     services.ReportService
}

func NewEvaluationHandler(
	evaluationService services.EvaluationService,
	reportService services.ReportService,
	logger utils.Logger,
) *EvaluationHandler {
	return &EvaluationHandler{
		BaseHandler:       NewBaseHandler(logger),
		evaluationService: evaluationService,
		reportService:     reportService,
	}
}

// StartEvaluation starts an asynchronous evaluation run
// @Summary Start evaluation
// @Tags evaluations
// @Accept json
// @Produce json
// @Param evaluation body services.StartEvaluationRequest true "Run parameters"
// @Success 202 {object} models.EvaluationRun
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /evaluations [post]
func (h *EvaluationHandler) StartEvaluation(c *gin.Context) {
	var req services.StartEvaluationRequest
	if !h.bindJSON(c, &req) {
		return
	}

	h.LogRequest(c, "Starting evaluation", "template_id", req.TemplateID, "sheets", len(req.SheetIDs))

	handle, err := h.evaluationService.Start(c.Request.Context(), &req, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	run, err := h.evaluationService.Get(c.Request.Context(), handle.RunID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Header("Location", "/api/v1/evaluations/"+handle.RunID)
	c.JSON(http.StatusAccepted, run)
}

// GetEvaluation returns the run record
// @Router /evaluations/{id} [get]
func (h *EvaluationHandler) GetEvaluation(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	run, err := h.evaluationService.Get(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// CancelEvaluation cancels a running evaluation. Results already persisted
// are kept.
// @Router /evaluations/{id}/cancel [post]
func (h *EvaluationHandler) CancelEvaluation(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	h.LogRequest(c, "Cancelling evaluation", "run_id", id)

	run, err := h.evaluationService.Cancel(c.Request.Context(), id, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

// GetResults returns per-question results ordered by student and question
// @Param format query string false "json (default) or csv"
// @Router /evaluations/{id}/results [get]
func (h *EvaluationHandler) GetResults(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		results, err := h.reportService.Results(c.Request.Context(), id)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	case "csv":
		var buf bytes.Buffer
		if err := h.reportService.WriteResultsCSV(c.Request.Context(), id, &buf); err != nil {
			h.handleServiceError(c, err)
			return
		}
		attachment(c, "results-"+id+".csv")
		c.Data(http.StatusOK, contentTypeCSV, buf.Bytes())
	default:
		h.unsupportedFormat(c, "json, csv")
	}
}

// GetReport returns per-student aggregates and the cohort summary
// @Param format query string false "json (default), csv or xlsx"
// @Router /evaluations/{id}/report [get]
func (h *EvaluationHandler) GetReport(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		report, err := h.reportService.Report(c.Request.Context(), id)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	case "csv":
		var buf bytes.Buffer
		if err := h.reportService.WriteReportCSV(c.Request.Context(), id, &buf); err != nil {
			h.handleServiceError(c, err)
			return
		}
		attachment(c, "report-"+id+".csv")
		c.Data(http.StatusOK, contentTypeCSV, buf.Bytes())
	case "xlsx":
		buf, err := h.reportService.Workbook(c.Request.Context(), id)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		attachment(c, "report-"+id+".xlsx")
		c.Data(http.StatusOK, contentTypeXLSX, buf.Bytes())
	default:
		h.unsupportedFormat(c, "json, csv, xlsx")
	}
}

// GetExtractedAnswers returns the raw OCR output recorded by the run
// @Router /evaluations/{id}/answers [get]
func (h *EvaluationHandler) GetExtractedAnswers(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	answers, err := h.reportService.ExtractedAnswers(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, answers)
}

func (h *EvaluationHandler) unsupportedFormat(c *gin.Context, supported string) {
	h.RespondWithError(c, http.StatusBadRequest, "Unsupported format", nil, "supported formats: "+supported)
}

func attachment(c *gin.Context, filename string) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
}
