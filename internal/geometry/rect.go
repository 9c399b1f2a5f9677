package geometry

import (
	"fmt"
	"image"
	"math"

	apperrors "github.com/SAP-F-2025/sheet-evaluation-service/internal/errors"
)

// Rect is an axis-aligned rectangle in normalized template coordinates.
// (0,0) is the top-left corner of the template and (1,1) the bottom-right.
type Rect struct {
	X      float64 `json:"x" validate:"normalized_coord"`
	Y      float64 `json:"y" validate:"normalized_coord"`
	Width  float64 `json:"width" validate:"gt=0,normalized_coord"`
	Height float64 `json:"height" validate:"gt=0,normalized_coord"`
}

// Validate reports ErrInvalidRegion when the rectangle is degenerate or
// leaves the unit square.
func (r Rect) Validate() error {
	for _, v := range []float64{r.X, r.Y, r.Width, r.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate", apperrors.ErrInvalidRegion)
		}
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: width and height must be positive", apperrors.ErrInvalidRegion)
	}
	if r.X < 0 || r.Y < 0 || r.X+r.Width > 1 || r.Y+r.Height > 1 {
		return fmt.Errorf("%w: rectangle exceeds template bounds", apperrors.ErrInvalidRegion)
	}
	return nil
}

// Denormalize maps the rectangle onto pixel bounds. The result is expanded
// outward to whole pixels and clipped to bounds.
func (r Rect) Denormalize(bounds image.Rectangle) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	out := image.Rect(
		bounds.Min.X+int(math.Floor(r.X*w)),
		bounds.Min.Y+int(math.Floor(r.Y*h)),
		bounds.Min.X+int(math.Ceil((r.X+r.Width)*w)),
		bounds.Min.Y+int(math.Ceil((r.Y+r.Height)*h)),
	)
	return out.Intersect(bounds)
}

// Center returns the rectangle's midpoint in normalized coordinates.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}
