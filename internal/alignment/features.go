package alignment

import (
	"math"
	"sort"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
)

// feature is a Harris corner with its normalized patch descriptor.
type feature struct {
	x, y     int
	response float64
	desc     []float32
}

// point returns the feature's pixel centre in continuous coordinates.
func (f feature) point() geometry.Point {
	return geometry.Point{X: float64(f.x) + 0.5, Y: float64(f.y) + 0.5}
}

// detectFeatures finds up to cfg.MaxFeatures corners in g and describes each
// with a patch sampled from a smoothed copy of g.
func detectFeatures(g *grayImage, cfg Config) []feature {
	margin := cfg.PatchRadius + 2
	if g.w <= 2*margin || g.h <= 2*margin {
		return nil
	}

	smooth := blur(g)
	resp := harrisResponse(smooth, cfg.HarrisK)

	maxR := 0.0
	for _, r := range resp {
		if r > maxR {
			maxR = r
		}
	}
	if maxR <= 0 {
		return nil
	}
	threshold := maxR * cfg.ResponseThreshold

	var corners []feature
	for y := margin; y < g.h-margin; y++ {
		for x := margin; x < g.w-margin; x++ {
			r := resp[y*g.w+x]
			if r <= threshold || !isLocalMax(resp, g.w, g.h, x, y, cfg.NMSRadius) {
				continue
			}
			corners = append(corners, feature{x: x, y: y, response: r})
		}
	}

	sort.SliceStable(corners, func(i, j int) bool {
		if corners[i].response != corners[j].response {
			return corners[i].response > corners[j].response
		}
		if corners[i].y != corners[j].y {
			return corners[i].y < corners[j].y
		}
		return corners[i].x < corners[j].x
	})

	out := make([]feature, 0, min(len(corners), cfg.MaxFeatures))
	for _, c := range corners {
		if len(out) == cfg.MaxFeatures {
			break
		}
		desc, ok := describe(smooth, c.x, c.y, cfg.PatchRadius, cfg.PatchStride)
		if !ok {
			continue
		}
		c.desc = desc
		out = append(out, c)
	}
	return out
}

// harrisResponse computes det(M) - k*trace(M)^2 of the structure tensor
// summed over a 5x5 window, using Sobel gradients.
func harrisResponse(g *grayImage, k float64) []float64 {
	w, h := g.w, g.h
	ixx := make([]float64, w*h)
	iyy := make([]float64, w*h)
	ixy := make([]float64, w*h)

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := float64(g.at(x+1, y-1)+2*g.at(x+1, y)+g.at(x+1, y+1)-
				g.at(x-1, y-1)-2*g.at(x-1, y)-g.at(x-1, y+1)) / 8
			gy := float64(g.at(x-1, y+1)+2*g.at(x, y+1)+g.at(x+1, y+1)-
				g.at(x-1, y-1)-2*g.at(x, y-1)-g.at(x+1, y-1)) / 8
			i := y*w + x
			ixx[i] = gx * gx
			iyy[i] = gy * gy
			ixy[i] = gx * gy
		}
	}

	sxx := newIntegral(ixx, w, h)
	syy := newIntegral(iyy, w, h)
	sxy := newIntegral(ixy, w, h)

	const win = 2
	resp := make([]float64, w*h)
	for y := win; y < h-win; y++ {
		for x := win; x < w-win; x++ {
			a := sxx.sum(x-win, y-win, x+win, y+win)
			b := syy.sum(x-win, y-win, x+win, y+win)
			c := sxy.sum(x-win, y-win, x+win, y+win)
			tr := a + b
			resp[y*w+x] = a*b - c*c - k*tr*tr
		}
	}
	return resp
}

// isLocalMax reports whether resp at (x,y) beats every neighbour within
// radius. Ties go to the neighbour earlier in raster order.
func isLocalMax(resp []float64, w, h, x, y, radius int) bool {
	idx := y*w + x
	v := resp[idx]
	for ny := max(0, y-radius); ny <= min(h-1, y+radius); ny++ {
		for nx := max(0, x-radius); nx <= min(w-1, x+radius); nx++ {
			n := ny*w + nx
			if n == idx {
				continue
			}
			if resp[n] > v || (resp[n] == v && n < idx) {
				return false
			}
		}
	}
	return true
}

// describe samples a (2r/stride+1)^2 grid around (x,y) and normalizes it to
// zero mean and unit variance. Flat patches are rejected.
func describe(g *grayImage, x, y, radius, stride int) ([]float32, bool) {
	n := 2*radius/stride + 1
	desc := make([]float32, 0, n*n)
	var sum float64
	for dy := -radius; dy <= radius; dy += stride {
		for dx := -radius; dx <= radius; dx += stride {
			v := g.at(x+dx, y+dy)
			desc = append(desc, v)
			sum += float64(v)
		}
	}

	mean := sum / float64(len(desc))
	var variance float64
	for _, v := range desc {
		d := float64(v) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(desc)))
	if std < 1e-3 {
		return nil, false
	}

	for i, v := range desc {
		desc[i] = float32((float64(v) - mean) / std)
	}
	return desc, true
}

// integral is a summed-area table.
type integral struct {
	w     int
	table []float64
}

func newIntegral(v []float64, w, h int) integral {
	s := make([]float64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		row := 0.0
		for x := 0; x < w; x++ {
			row += v[y*w+x]
			s[(y+1)*(w+1)+x+1] = s[y*(w+1)+x+1] + row
		}
	}
	return integral{w: w + 1, table: s}
}

// sum returns the total over the inclusive rectangle [x0,x1]x[y0,y1].
func (in integral) sum(x0, y0, x1, y1 int) float64 {
	return in.table[(y1+1)*in.w+x1+1] - in.table[y0*in.w+x1+1] -
		in.table[(y1+1)*in.w+x0] + in.table[y0*in.w+x0]
}
