package validator

import (
	"math"
	"reflect"
	"strings"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/go-playground/validator/v10"
)

// OCR engines that can be selected in configuration and requests
var ocrEngines = []string{"noop", "tesseract", "gemini"}

// BusinessRules is implemented by request types whose rules go beyond
// struct tags.
type BusinessRules interface {
	ValidateBusiness() ValidationErrors
}

// Validator is the main validator instance that combines all validation types
type Validator struct {
	structValidator *validator.Validate
}

// New creates a new centralized validator instance
func New() *Validator {
	structValidator := validator.New()

	// Register all custom validators once
	registerCustomValidators(structValidator)

	return &Validator{structValidator: structValidator}
}

// ValidateStruct validates struct tags only
func (v *Validator) ValidateStruct(s interface{}) error {
	if err := v.structValidator.Struct(s); err != nil {
		if errs := ToValidationErrors(err); len(errs) > 0 {
			return errs
		}
		return err
	}
	return nil
}

// Validate performs complete validation (struct + business rules)
func (v *Validator) Validate(s interface{}) error {
	if err := v.ValidateStruct(s); err != nil {
		return err
	}

	if rules, ok := s.(BusinessRules); ok {
		if errors := rules.ValidateBusiness(); len(errors) > 0 {
			return errors
		}
	}

	return nil
}

// registerCustomValidators registers all custom validation functions
func registerCustomValidators(validate *validator.Validate) {
	// Region coordinates
	validate.RegisterValidation("normalized_coord", validateNormalizedCoord)

	// Answer key override labels
	validate.RegisterValidation("answer_key_label", validateAnswerKeyLabel)

	// OCR engine selection
	validate.RegisterValidation("ocr_engine", validateOCREngine)

	// Similarity threshold
	validate.RegisterValidation("match_threshold", validateMatchThreshold)

	// Custom tag name function for better error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validateNormalizedCoord(fl validator.FieldLevel) bool {
	v := fl.Field().Float()
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func validateAnswerKeyLabel(fl validator.FieldLevel) bool {
	_, err := models.ParseQuestionLabel(fl.Field().String())
	return err == nil
}

func validateOCREngine(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	for _, engine := range ocrEngines {
		if engine == value {
			return true
		}
	}
	return false
}

func validateMatchThreshold(fl validator.FieldLevel) bool {
	v := fl.Field().Float()
	return !math.IsNaN(v) && v > 0 && v <= 100
}
