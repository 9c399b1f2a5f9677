package errors

import "errors"

// Errors raised by the grading pipeline. Authoring errors are returned to the
// caller; per-sheet and per-region errors are recorded and never abort a run.
var (
	// Template authoring
	ErrInvalidRegion           = errors.New("invalid region: rectangle is degenerate or outside the unit square")
	ErrDuplicateQuestionNumber = errors.New("question number already mapped to a region")
	ErrInvalidQuestionNumber   = errors.New("question number must be positive")
	ErrTemplateHasNoRegions    = errors.New("template has no regions")

	// Alignment
	ErrInsufficientFeatures   = errors.New("insufficient feature correspondences for alignment")
	ErrLowConfidenceAlignment = errors.New("alignment confidence below minimum")

	// Extraction
	ErrExtractionUnavailable = errors.New("text extraction unavailable")

	// Evaluation
	ErrNoAnswerKey = errors.New("no answer key available for evaluation")
)
