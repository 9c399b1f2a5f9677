package handlers

import (
	"net/http"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/utils"
	"github.com/gin-gonic/gin"
)

type TemplateHandler struct {
	BaseHandler
	templateService services.TemplateService
}

func NewTemplateHandler(templateService services.TemplateService, logger utils.Logger) *TemplateHandler {
	return &TemplateHandler{
		BaseHandler:     NewBaseHandler(logger),
		templateService: templateService,
	}
}

// CreateTemplate creates a question-paper template with its regions
// @Summary Create template
// @Tags templates
// @Accept json
// @Produce json
// @Param template body services.CreateTemplateRequest true "Template data"
// @Success 201 {object} models.Template
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /templates [post]
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	h.LogRequest(c, "Creating template")

	var req services.CreateTemplateRequest
	if !h.bindJSON(c, &req) {
		return
	}

	template, err := h.templateService.Create(c.Request.Context(), &req, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, template)
}

// GetTemplate returns a template with its regions
// @Summary Get template
// @Tags templates
// @Produce json
// @Param id path string true "Template ID"
// @Success 200 {object} models.Template
// @Failure 404 {object} ErrorResponse
// @Router /templates/{id} [get]
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	template, err := h.templateService.Get(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, template)
}

// GetTemplateVersions lists every version sharing the template's name
// @Router /templates/{id}/versions [get]
func (h *TemplateHandler) GetTemplateVersions(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	versions, err := h.templateService.Versions(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, versions)
}

// AddRegion maps a new answer region. A locked template yields a new version.
// @Summary Add region
// @Tags templates
// @Accept json
// @Produce json
// @Param id path string true "Template ID"
// @Param region body services.RegionRequest true "Region"
// @Success 200 {object} services.TemplateChange
// @Success 201 {object} services.TemplateChange
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /templates/{id}/regions [post]
func (h *TemplateHandler) AddRegion(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	h.LogRequest(c, "Adding region", "template_id", id)

	var req services.RegionRequest
	if !h.bindJSON(c, &req) {
		return
	}

	change, err := h.templateService.AddRegion(c.Request.Context(), id, &req, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	status := http.StatusOK
	if change.NewVersion {
		status = http.StatusCreated
	}
	c.JSON(status, change)
}

// RemoveRegion deletes a region. Removing an unknown region is not an error.
// @Router /templates/{id}/regions/{region_id} [delete]
func (h *TemplateHandler) RemoveRegion(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}
	regionID := ParseStringIDParam(c, "region_id")
	if regionID == "" {
		return
	}

	h.LogRequest(c, "Removing region", "template_id", id, "region_id", regionID)

	change, err := h.templateService.RemoveRegion(c.Request.Context(), id, regionID, currentUser(c))
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, change)
}

// GetAnswerKey returns the key derived from the template's expected answers
// @Router /templates/{id}/answer-key [get]
func (h *TemplateHandler) GetAnswerKey(c *gin.Context) {
	id := ParseStringIDParam(c, "id")
	if id == "" {
		return
	}

	key, err := h.templateService.AnswerKey(c.Request.Context(), id)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, key)
}
