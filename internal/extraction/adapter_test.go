package extraction

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"github.com/SAP-F-2025/sheet-evaluation-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whiteSheet(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func region(q int, rect geometry.Rect) models.Region {
	return models.Region{ID: "r" + models.QuestionLabel(q), TemplateID: "tpl", QuestionNumber: q, Rect: rect}
}

func TestExtractCropsRegionAsGrayPNG(t *testing.T) {
	sheet := whiteSheet(200, 100)
	sheet.Set(60, 30, color.Black)

	var got Input
	engine := EngineFunc(func(ctx context.Context, in Input) (Output, error) {
		got = in
		return Output{Text: "  Delhi \n", Confidence: 87.5}, nil
	})
	adapter := NewAdapter(engine, AdapterConfig{Options: []InputOption{WithLanguages("eng")}}, nil)

	res := adapter.Extract(context.Background(), sheet, region(1, geometry.Rect{X: 0.25, Y: 0.2, Width: 0.5, Height: 0.5}))

	assert.Equal(t, "Delhi", res.Text)
	assert.Equal(t, 87.5, res.Confidence)
	assert.Equal(t, models.ExtractionOK, res.Failure)
	assert.Equal(t, 1, res.QuestionNumber)
	assert.Equal(t, "func", res.Engine)

	assert.Equal(t, FormatGrayPNG, got.Format)
	assert.Equal(t, 100, got.Width)
	assert.Equal(t, 50, got.Height)
	assert.Equal(t, []string{"eng"}, got.Languages)

	decoded, err := png.Decode(bytes.NewReader(got.Image))
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 100, 50), gray.Bounds())
	// (60,30) on the sheet is (10,10) in the crop.
	assert.Equal(t, uint8(0), gray.GrayAt(10, 10).Y)
	assert.Equal(t, uint8(255), gray.GrayAt(0, 0).Y)
}

func TestExtractDegradesToEmpty(t *testing.T) {
	sheet := whiteSheet(100, 100)
	rect := geometry.Rect{X: 0, Y: 0, Width: 0.5, Height: 0.5}

	t.Run("engine error", func(t *testing.T) {
		adapter := NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
			return Output{Text: "partial", Confidence: 50}, errors.New("model offline")
		}), AdapterConfig{}, nil)

		res := adapter.Extract(context.Background(), sheet, region(1, rect))
		assert.Equal(t, "", res.Text)
		assert.Equal(t, 0.0, res.Confidence)
		assert.Equal(t, models.ExtractionUnavailable, res.Failure)
	})

	t.Run("noop engine", func(t *testing.T) {
		adapter := NewAdapter(nil, AdapterConfig{}, nil)
		res := adapter.Extract(context.Background(), sheet, region(1, rect))
		assert.Equal(t, "noop", res.Engine)
		assert.Equal(t, "", res.Text)
		assert.Equal(t, models.ExtractionUnavailable, res.Failure)
	})

	t.Run("engine ignores deadline", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		adapter := NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
			<-release
			return Output{Text: "late", Confidence: 99}, nil
		}), AdapterConfig{Timeout: 20 * time.Millisecond}, nil)

		start := time.Now()
		res := adapter.Extract(context.Background(), sheet, region(1, rect))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, "", res.Text)
		assert.Equal(t, 0.0, res.Confidence)
		assert.Equal(t, models.ExtractionTimeout, res.Failure)
	})

	t.Run("engine panics", func(t *testing.T) {
		adapter := NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
			panic("boom")
		}), AdapterConfig{}, nil)

		res := adapter.Extract(context.Background(), sheet, region(1, rect))
		assert.Equal(t, models.ExtractionUnavailable, res.Failure)
	})

	t.Run("invalid region", func(t *testing.T) {
		called := false
		adapter := NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
			called = true
			return Output{}, nil
		}), AdapterConfig{}, nil)

		res := adapter.Extract(context.Background(), sheet, region(1, geometry.Rect{X: 0.9, Y: 0.9, Width: 0.5, Height: 0.5}))
		assert.Equal(t, models.ExtractionInvalidRegion, res.Failure)
		assert.False(t, called)
	})
}

func TestExtractSanitizesOutput(t *testing.T) {
	sheet := whiteSheet(50, 50)
	rect := geometry.Rect{X: 0, Y: 0, Width: 1, Height: 1}

	adapter := NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
		return Output{Text: "Pho\xfftosynthesis", Confidence: 140}, nil
	}), AdapterConfig{}, nil)
	res := adapter.Extract(context.Background(), sheet, region(1, rect))
	assert.Equal(t, "Photosynthesis", res.Text)
	assert.Equal(t, 100.0, res.Confidence)

	adapter = NewAdapter(EngineFunc(func(context.Context, Input) (Output, error) {
		return Output{Text: "   ", Confidence: 70}, nil
	}), AdapterConfig{}, nil)
	res = adapter.Extract(context.Background(), sheet, region(1, rect))
	assert.Equal(t, "", res.Text)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, models.ExtractionOK, res.Failure)
}

func TestExtractAllKeepsOrderAndBoundsConcurrency(t *testing.T) {
	sheet := whiteSheet(100, 100)
	var inFlight, peak atomic.Int32

	engine := EngineFunc(func(ctx context.Context, in Input) (Output, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return Output{Text: in.ID, Confidence: 90}, nil
	})
	adapter := NewAdapter(engine, AdapterConfig{Parallelism: 2}, nil)

	regions := make([]models.Region, 6)
	for i := range regions {
		regions[i] = region(i+1, geometry.Rect{X: 0, Y: float64(i) * 0.1, Width: 0.5, Height: 0.1})
	}

	results := adapter.ExtractAll(context.Background(), sheet, regions)
	require.Len(t, results, 6)
	for i, res := range results {
		assert.Equal(t, i+1, res.QuestionNumber)
		assert.Equal(t, "tpl-q"+string(rune('1'+i)), res.Text)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
