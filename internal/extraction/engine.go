package extraction

import (
	"context"
	"fmt"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
)

// FormatGrayPNG is the only pixel format handed to engines: a single cropped
// region encoded as an 8-bit grayscale PNG.
const FormatGrayPNG = "image/png;gray8"

// Input is one cropped answer region.
type Input struct {
	ID        string
	Image     []byte
	Format    string
	Width     int
	Height    int
	Languages []string
	Metadata  map[string]string
}

// Output is what an engine read from an Input. Confidence is in [0, 100].
type Output struct {
	Text       string
	Confidence float64
}

// Engine recognizes handwritten text. Implementations must be safe for
// concurrent use and keep no state between calls.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Output, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, in Input) (Output, error)

func (f EngineFunc) Name() string { return "func" }

func (f EngineFunc) Recognize(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// InputOption mutates an Input before it is sent to the engine.
type InputOption func(*Input)

// WithLanguages sets language hints on the input.
func WithLanguages(langs ...string) InputOption {
	return func(in *Input) { in.Languages = append([]string(nil), langs...) }
}

// WithMetadata sets engine-specific variables on the input.
func WithMetadata(metadata map[string]string) InputOption {
	return func(in *Input) {
		if len(metadata) == 0 {
			return
		}
		if in.Metadata == nil {
			in.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			in.Metadata[k] = v
		}
	}
}

// WithPageSegMode sets Tesseract's page segmentation mode.
func WithPageSegMode(mode int) InputOption {
	return WithMetadata(map[string]string{"tessedit_pageseg_mode": fmt.Sprint(mode)})
}

// WithCharWhitelist restricts Tesseract to the given characters.
func WithCharWhitelist(chars string) InputOption {
	return WithMetadata(map[string]string{"tessedit_char_whitelist": chars})
}

type noopEngine struct{}

// NewNoopEngine returns an engine that is always unavailable, so every
// region extracts as empty.
func NewNoopEngine() Engine {
	return noopEngine{}
}

func (noopEngine) Name() string { return "noop" }

func (noopEngine) Recognize(context.Context, Input) (Output, error) {
	return Output{}, apperrors.ErrExtractionUnavailable
}
