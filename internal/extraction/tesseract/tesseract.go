package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/extraction"
	"github.com/otiai10/gosseract/v2"
)

// Engine recognizes text with a local Tesseract installation. A fresh
// client is created per call so concurrent use shares no state.
type Engine struct {
	clientFactory func() *gosseract.Client
	languages     []string
}

// New returns a Tesseract engine using languages when the input carries no
// language hints.
func New(languages ...string) *Engine {
	return &Engine{
		clientFactory: gosseract.NewClient,
		languages:     append([]string(nil), languages...),
	}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize reads the region image. Confidence is the mean word confidence.
func (e *Engine) Recognize(ctx context.Context, in extraction.Input) (extraction.Output, error) {
	if err := ctx.Err(); err != nil {
		return extraction.Output{}, err
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(in.Image); err != nil {
		return extraction.Output{}, fmt.Errorf("set image: %w", err)
	}
	langs := in.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			return extraction.Output{}, fmt.Errorf("set languages: %w", err)
		}
	}
	// Answer boxes hold a single block of text unless told otherwise.
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return extraction.Output{}, fmt.Errorf("set page segmentation mode: %w", err)
	}
	for k, v := range in.Metadata {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return extraction.Output{}, fmt.Errorf("set variable %s: %w", k, err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return extraction.Output{}, fmt.Errorf("recognize text: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return extraction.Output{}, err
	}

	return extraction.Output{
		Text:       strings.TrimSpace(text),
		Confidence: meanWordConfidence(c),
	}, nil
}

func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}
