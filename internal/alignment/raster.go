package alignment

import (
	"image"
	"image/color"
	"math"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
	"golang.org/x/image/draw"
)

// grayImage is a single-channel float raster with values in [0, 1].
type grayImage struct {
	w, h int
	pix  []float32
}

func newGrayImage(w, h int) *grayImage {
	return &grayImage{w: w, h: h, pix: make([]float32, w*h)}
}

func (g *grayImage) at(x, y int) float32 {
	return g.pix[y*g.w+x]
}

// workingGray resamples img to the given width (keeping aspect ratio) and
// converts it to grayscale. It returns the raster and the full-to-working
// transform. img is only read.
func workingGray(img image.Image, width int) (*grayImage, geometry.Affine) {
	b := img.Bounds()
	if b.Dx() < width {
		width = b.Dx()
	}
	height := int(math.Round(float64(b.Dy()) * float64(width) / float64(b.Dx())))
	if height < 1 {
		height = 1
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	if width == b.Dx() && height == b.Dy() {
		draw.Copy(dst, image.Point{}, img, b, draw.Src, nil)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	g := newGrayImage(width, height)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width]
		for x, v := range row {
			g.pix[y*width+x] = float32(v) / 255
		}
	}

	toWorking := geometry.Translation(-float64(b.Min.X), -float64(b.Min.Y)).
		Then(geometry.Scaling(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy())))
	return g, toWorking
}

// blur applies a 3x3 binomial filter. Border pixels are copied unchanged.
func blur(g *grayImage) *grayImage {
	out := newGrayImage(g.w, g.h)
	copy(out.pix, g.pix)
	if g.w < 3 || g.h < 3 {
		return out
	}
	for y := 1; y < g.h-1; y++ {
		for x := 1; x < g.w-1; x++ {
			s := g.at(x-1, y-1) + 2*g.at(x, y-1) + g.at(x+1, y-1) +
				2*g.at(x-1, y) + 4*g.at(x, y) + 2*g.at(x+1, y) +
				g.at(x-1, y+1) + 2*g.at(x, y+1) + g.at(x+1, y+1)
			out.pix[y*g.w+x] = s / 16
		}
	}
	return out
}

// warp resamples sheet into a new white canvas of the given bounds using
// sheetToTemplate, which maps sheet pixel coordinates to canvas coordinates.
func warp(sheet image.Image, bounds image.Rectangle, sheetToTemplate geometry.Affine) *image.RGBA {
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.BiLinear.Transform(dst, sheetToTemplate.ToAff3(), sheet, sheet.Bounds(), draw.Src, nil)
	return dst
}
