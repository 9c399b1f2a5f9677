package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/utils"
	"github.com/gin-gonic/gin"
)

// DefaultMaxUploadBytes caps a single uploaded sheet image.
const DefaultMaxUploadBytes = 20 << 20

type SheetHandler struct {
	BaseHandler
	sheetService   services.SheetService
	maxUploadBytes int64
}

func NewSheetHandler(sheetService services.SheetService, maxUploadBytes int64, logger utils.Logger) *SheetHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &SheetHandler{
		BaseHandler:    NewBaseHandler(logger),
		sheetService:   sheetService,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterSheet registers an already stored sheet image for a student
// @Summary Register sheet
// @Tags sheets
// @Accept json
// @Produce json
// @Param sheet body services.RegisterSheetRequest true "Sheet"
// @Success 201 {object} models.StudentSheet
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sheets [post]
func (h *SheetHandler) RegisterSheet(c *gin.Context) {
	var req services.RegisterSheetRequest
	if !h.bindJSON(c, &req) {
		return
	}

	h.LogRequest(c, "Registering sheet", "template_id", req.TemplateID, "student_id", req.StudentID)

	sheet, err := h.sheetService.Register(c.Request.Context(), &req, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sheet)
}

// UploadSheet stores an uploaded scan and registers it
// @Summary Upload sheet
// @Tags sheets
// @Accept multipart/form-data
// @Produce json
// @Param template_id formData string true "Template ID"
// @Param student_id formData string true "Student ID"
// @Param file formData file true "Scanned sheet"
// @Success 201 {object} models.StudentSheet
// @Failure 400 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Router /sheets/upload [post]
func (h *SheetHandler) UploadSheet(c *gin.Context) {
	var req services.UploadSheetRequest
	if err := c.ShouldBind(&req); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request payload", err, err.Error())
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Missing file", err, "multipart field \"file\" is required")
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		h.RespondWithError(c, http.StatusRequestEntityTooLarge, "File too large", nil,
			fmt.Sprintf("maximum size is %d bytes", h.maxUploadBytes))
		return
	}
	req.Filename = fileHeader.Filename

	h.LogRequest(c, "Uploading sheet", "template_id", req.TemplateID, "student_id", req.StudentID, "size", fileHeader.Size)

	file, err := fileHeader.Open()
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Unreadable file", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes))
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Unreadable file", err)
		return
	}

	sheet, err := h.sheetService.Upload(c.Request.Context(), &req, data, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sheet)
}

// GetSheet returns a sheet with its current status
// @Router /sheets/{id} [get]
func (h *SheetHandler) GetSheet(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	sheet, err := h.sheetService.Get(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sheet)
}

// ListTemplateSheets lists the sheets registered against a template
// @Router /templates/{id}/sheets [get]
func (h *SheetHandler) ListTemplateSheets(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	sheets, err := h.sheetService.ListByTemplate(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sheets)
}

// AlignSheet runs a new alignment attempt for the sheet
// @Summary Align sheet
// @Tags sheets
// @Produce json
// @Param id path string true "Sheet ID"
// @Success 200 {object} services.AlignmentResult
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse{details=services.AlignmentResult}
// @Router /sheets/{id}/align [post]
func (h *SheetHandler) AlignSheet(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	h.LogRequest(c, "Aligning sheet", "sheet_id", id)

	result, err := h.sheetService.Align(c.Request.Context(), id, currentUser(c))
	if err != nil {
		if result != nil && result.Attempt != nil && result.Attempt.Status == models.SheetFailed {
			h.RespondWithError(c, http.StatusUnprocessableEntity, "Sheet could not be aligned", err, result)
			return
		}
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetAttempts lists the sheet's alignment attempts, oldest first
// @Router /sheets/{id}/attempts [get]
func (h *SheetHandler) GetAttempts(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	attempts, err := h.sheetService.Attempts(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempts)
}
