package services

import (
	"errors"
	"fmt"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/repositories"
)

// ===== COMMON SERVICE ERRORS =====

var (
	// Generic errors
	ErrNotFound         = errors.New("resource not found")
	ErrValidationFailed = errors.New("validation failed")
	ErrConflict         = errors.New("resource conflict")

	// Template specific errors
	ErrTemplateNotFound = errors.New("template not found")

	// Sheet specific errors
	ErrSheetNotFound         = errors.New("sheet not found")
	ErrSheetTemplateMismatch = errors.New("sheet belongs to a different template")
	ErrImageNotFound         = errors.New("image not found")

	// Evaluation specific errors
	ErrRunNotFound        = errors.New("evaluation run not found")
	ErrRunNotCancellable  = errors.New("evaluation run is not running")
	ErrNoSheetsToEvaluate = errors.New("no sheets to evaluate")
	ErrDuplicateStudent   = errors.New("more than one sheet for the same student")
)

// ===== CUSTOM ERROR TYPES =====

// Use shared validation errors from errors package
type ValidationError = apperrors.ValidationError
type ValidationErrors = apperrors.ValidationErrors

type BusinessRuleError struct {
	Rule    string                 `json:"rule"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
	Err     error                  `json:"-"`
}

func (bre *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation (%s): %s", bre.Rule, bre.Message)
}

func (bre *BusinessRuleError) Unwrap() error {
	return bre.Err
}

// ===== ERROR HELPERS =====

// NewValidationError creates a new validation error using the shared type
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return apperrors.NewValidationError(field, message, value)
}

func NewBusinessRuleError(rule, message string, context map[string]interface{}) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// wrapNotFound replaces a repository miss with the service sentinel.
func wrapNotFound(err error, sentinel error, id string) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}

// IsNotFound checks if error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrSheetNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrImageNotFound) ||
		errors.Is(err, repositories.ErrNotFound)
}

// IsValidation checks if error represents a validation failure, including
// template authoring errors
func IsValidation(err error) bool {
	if errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, apperrors.ErrInvalidRegion) ||
		errors.Is(err, apperrors.ErrDuplicateQuestionNumber) ||
		errors.Is(err, apperrors.ErrInvalidQuestionNumber) {
		return true
	}
	var ve apperrors.ValidationErrors
	if errors.As(err, &ve) {
		return true
	}
	var single *apperrors.ValidationError
	return errors.As(err, &single)
}

// IsBusinessRule checks if error represents a business rule violation
func IsBusinessRule(err error) bool {
	var bre *BusinessRuleError
	return errors.As(err, &bre) ||
		errors.Is(err, apperrors.ErrNoAnswerKey) ||
		errors.Is(err, apperrors.ErrTemplateHasNoRegions) ||
		errors.Is(err, apperrors.ErrInsufficientFeatures) ||
		errors.Is(err, ErrNoSheetsToEvaluate) ||
		errors.Is(err, ErrSheetTemplateMismatch) ||
		errors.Is(err, ErrDuplicateStudent)
}

// IsConflict checks if error represents a resource conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRunNotCancellable)
}
