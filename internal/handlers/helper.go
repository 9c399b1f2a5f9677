package handlers

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/services"
	"github.com/gin-gonic/gin"
)

func ParseStringIDParam(c *gin.Context, param string) string {
	idStr := c.Param(param)
	idStr = strings.TrimSpace(idStr)
	if idStr == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid " + param,
			Details: "ID cannot be empty",
		})
		return ""
	}
	return idStr
}

// currentUser returns the authenticated user name, or "" when auth is off.
func currentUser(c *gin.Context) string {
	if userID, exists := c.Get(ContextUserID); exists {
		if s, ok := userID.(string); ok {
			return s
		}
	}
	return ""
}

func (h *BaseHandler) bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "Invalid request payload", err, err.Error())
		return false
	}
	return true
}

// handleServiceError maps service errors onto HTTP responses
func (h *BaseHandler) handleServiceError(c *gin.Context, err error) {
	var validationErrors services.ValidationErrors
	if errors.As(err, &validationErrors) {
		h.RespondWithError(c, http.StatusBadRequest, "Validation failed", err, validationErrors)
		return
	}

	var validationError *services.ValidationError
	if errors.As(err, &validationError) {
		h.RespondWithError(c, http.StatusBadRequest, "Validation failed", err, services.ValidationErrors{*validationError})
		return
	}

	var businessRuleError *services.BusinessRuleError
	if errors.As(err, &businessRuleError) {
		h.RespondWithError(c, http.StatusUnprocessableEntity, businessRuleError.Message, err, map[string]interface{}{
			"rule":    businessRuleError.Rule,
			"context": businessRuleError.Context,
		})
		return
	}

	switch {
	case services.IsValidation(err):
		h.RespondWithError(c, http.StatusBadRequest, "Validation failed", err, err.Error())
	case services.IsNotFound(err):
		h.RespondWithError(c, http.StatusNotFound, notFoundMessage(err), err, err.Error())
	case services.IsConflict(err):
		h.RespondWithError(c, http.StatusConflict, "Conflict", err, err.Error())
	case errors.Is(err, apperrors.ErrNoAnswerKey):
		h.RespondWithError(c, http.StatusUnprocessableEntity, "No answer key", err, err.Error())
	case services.IsBusinessRule(err):
		h.RespondWithError(c, http.StatusUnprocessableEntity, "Request cannot be processed", err, err.Error())
	default:
		h.RespondWithError(c, http.StatusInternalServerError, "Internal server error", err)
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrTemplateNotFound):
		return "Template not found"
	case errors.Is(err, services.ErrSheetNotFound):
		return "Sheet not found"
	case errors.Is(err, services.ErrRunNotFound):
		return "Evaluation run not found"
	case errors.Is(err, services.ErrImageNotFound):
		return "Image not found"
	default:
		return "Resource not found"
	}
}
