package alignment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
)

var ErrEmptyImage = errors.New("image has no pixels")

// InsufficientFeaturesError reports how many correspondences survived when
// alignment gave up.
type InsufficientFeaturesError struct {
	Found    int
	Required int
	Stage    string
}

func (e *InsufficientFeaturesError) Error() string {
	return fmt.Sprintf("%s: %d %s, need %d", apperrors.ErrInsufficientFeatures, e.Found, e.Stage, e.Required)
}

func (e *InsufficientFeaturesError) Unwrap() error {
	return apperrors.ErrInsufficientFeatures
}

// Result is a successful alignment of a sheet onto a template.
type Result struct {
	// Aligned is a new image with the template's bounds.
	Aligned image.Image
	// Transform maps sheet pixel coordinates to template pixel coordinates.
	Transform       geometry.Affine
	Confidence      float64
	Correspondences int
	Inliers         int
	MeanResidual    float64
	LowConfidence   bool
	MinConfidence   float64
	Duration        time.Duration
}

// Warning returns ErrLowConfidenceAlignment, annotated with the measured and
// required confidence, when the result is flagged low confidence.
func (r *Result) Warning() error {
	if !r.LowConfidence {
		return nil
	}
	return fmt.Errorf("%w: %.1f < %.1f", apperrors.ErrLowConfidenceAlignment, r.Confidence, r.MinConfidence)
}

// Engine registers scanned sheets onto their template.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "alignment"),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Align estimates the sheet-to-template transform and resamples the sheet
// into template space. Neither input image is modified. A result below the
// configured minimum confidence is still returned, flagged LowConfidence.
func (e *Engine) Align(ctx context.Context, template, sheet image.Image) (*Result, error) {
	start := time.Now()
	if template == nil || template.Bounds().Empty() {
		return nil, fmt.Errorf("template: %w", ErrEmptyImage)
	}
	if sheet == nil || sheet.Bounds().Empty() {
		return nil, fmt.Errorf("sheet: %w", ErrEmptyImage)
	}

	tGray, tToWork := workingGray(template, e.cfg.WorkingWidth)
	sGray, sToWork := workingGray(sheet, e.cfg.WorkingWidth)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tFeatures := detectFeatures(tGray, e.cfg)
	sFeatures := detectFeatures(sGray, e.cfg)
	e.logger.DebugContext(ctx, "Detected features",
		"template_features", len(tFeatures),
		"sheet_features", len(sFeatures))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches := matchFeatures(tFeatures, sFeatures, e.cfg.RatioTest)
	if len(matches) < e.cfg.MinCorrespondences {
		return nil, &InsufficientFeaturesError{Found: len(matches), Required: e.cfg.MinCorrespondences, Stage: "correspondences"}
	}

	src := make([]geometry.Point, len(matches))
	dst := make([]geometry.Point, len(matches))
	for i, m := range matches {
		src[i] = sFeatures[m.sheet].point()
		dst[i] = tFeatures[m.template].point()
	}

	est, ok := ransac(src, dst, e.cfg)
	if !ok || len(est.inliers) < e.cfg.MinCorrespondences {
		return nil, &InsufficientFeaturesError{Found: len(est.inliers), Required: e.cfg.MinCorrespondences, Stage: "inliers"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	workToTemplate, ok := tToWork.Invert()
	if !ok {
		return nil, fmt.Errorf("template working transform is singular")
	}
	full := sToWork.Then(est.transform).Then(workToTemplate)

	conf := confidence(len(est.inliers), len(matches), est.meanResidual, e.cfg.InlierThreshold)
	res := &Result{
		Aligned:         warp(sheet, template.Bounds(), full),
		Transform:       full,
		Confidence:      conf,
		Correspondences: len(matches),
		Inliers:         len(est.inliers),
		MeanResidual:    est.meanResidual,
		LowConfidence:   conf < e.cfg.MinConfidence,
		MinConfidence:   e.cfg.MinConfidence,
		Duration:        time.Since(start),
	}

	e.logger.DebugContext(ctx, "Alignment estimated",
		"correspondences", res.Correspondences,
		"inliers", res.Inliers,
		"mean_residual", res.MeanResidual,
		"confidence", res.Confidence,
		"low_confidence", res.LowConfidence,
		"duration", res.Duration)
	return res, nil
}
