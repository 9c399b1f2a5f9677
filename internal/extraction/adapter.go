package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultParallelism = 4
)

// Extraction is the text read from one region. Failures are folded into
// Failure with empty Text and zero Confidence.
type Extraction struct {
	RegionID       string                   `json:"region_id"`
	QuestionNumber int                      `json:"question_number"`
	Text           string                   `json:"text"`
	Confidence     float64                  `json:"confidence"`
	Engine         string                   `json:"engine"`
	Failure        models.ExtractionFailure `json:"failure,omitempty"`
	Duration       time.Duration            `json:"duration"`
}

// AdapterConfig bounds how the adapter drives its engine.
type AdapterConfig struct {
	Timeout     time.Duration
	Parallelism int
	Options     []InputOption
}

// Adapter crops regions out of aligned sheets and runs them through an
// Engine with a bounded wait. It never returns an error.
type Adapter struct {
	engine Engine
	cfg    AdapterConfig
	logger *slog.Logger
}

func NewAdapter(engine Engine, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if engine == nil {
		engine = NewNoopEngine()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "extraction", "engine", engine.Name()),
	}
}

// EngineName returns the wrapped engine's name.
func (a *Adapter) EngineName() string {
	return a.engine.Name()
}

// Extract reads the text inside region on the aligned sheet image.
func (a *Adapter) Extract(ctx context.Context, aligned image.Image, region models.Region) Extraction {
	start := time.Now()
	out := Extraction{
		RegionID:       region.ID,
		QuestionNumber: region.QuestionNumber,
		Engine:         a.engine.Name(),
	}

	in, err := a.buildInput(aligned, region)
	if err != nil {
		a.logger.WarnContext(ctx, "Region could not be cropped",
			"question_number", region.QuestionNumber,
			"error", err)
		out.Failure = models.ExtractionInvalidRegion
		out.Duration = time.Since(start)
		return out
	}

	res, err := a.recognize(ctx, in)
	out.Duration = time.Since(start)
	if err != nil {
		out.Failure = models.ExtractionUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			out.Failure = models.ExtractionTimeout
		}
		a.logger.WarnContext(ctx, "Extraction failed, treating answer as empty",
			"question_number", region.QuestionNumber,
			"failure", out.Failure,
			"duration", out.Duration,
			"error", err)
		return out
	}

	out.Text = strings.TrimSpace(strings.ToValidUTF8(res.Text, ""))
	if out.Text != "" {
		out.Confidence = clampConfidence(res.Confidence)
	}
	return out
}

// ExtractAll extracts every region concurrently. Results are in the order of
// regions.
func (a *Adapter) ExtractAll(ctx context.Context, aligned image.Image, regions []models.Region) []Extraction {
	results := make([]Extraction, len(regions))

	var g errgroup.Group
	g.SetLimit(a.cfg.Parallelism)
	for i := range regions {
		g.Go(func() error {
			results[i] = a.Extract(ctx, aligned, regions[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (a *Adapter) buildInput(aligned image.Image, region models.Region) (Input, error) {
	if aligned == nil {
		return Input{}, fmt.Errorf("no aligned image")
	}
	if err := region.Rect.Validate(); err != nil {
		return Input{}, err
	}
	px := region.Rect.Denormalize(aligned.Bounds())
	if px.Empty() {
		return Input{}, fmt.Errorf("region maps to an empty pixel area")
	}

	crop := image.NewGray(image.Rect(0, 0, px.Dx(), px.Dy()))
	draw.Draw(crop, crop.Bounds(), aligned, px.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return Input{}, fmt.Errorf("encode region: %w", err)
	}

	in := Input{
		ID:     fmt.Sprintf("%s-q%d", region.TemplateID, region.QuestionNumber),
		Image:  buf.Bytes(),
		Format: FormatGrayPNG,
		Width:  px.Dx(),
		Height: px.Dy(),
	}
	for _, opt := range a.cfg.Options {
		opt(&in)
	}
	return in, nil
}

type recognition struct {
	out Output
	err error
}

// recognize calls the engine and gives up after the configured timeout even
// when the engine ignores its context.
func (a *Adapter) recognize(ctx context.Context, in Input) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	done := make(chan recognition, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- recognition{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		out, err := a.engine.Recognize(ctx, in)
		done <- recognition{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(100, c))
}
