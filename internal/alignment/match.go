package alignment

import "math"

// correspondence pairs a sheet feature with a template feature.
type correspondence struct {
	sheet    int
	template int
}

// matchFeatures pairs features by mutual nearest neighbour on descriptor SSD,
// keeping only pairs that pass the ratio test in both directions.
func matchFeatures(template, sheet []feature, ratio float64) []correspondence {
	if len(template) < 2 || len(sheet) < 2 {
		return nil
	}
	ratioSq := ratio * ratio

	bestForTemplate := make([]int, len(template))
	for i := range template {
		bestForTemplate[i] = nearest(template[i].desc, sheet, ratioSq)
	}

	var out []correspondence
	for i, j := range bestForTemplate {
		if j < 0 {
			continue
		}
		if nearest(sheet[j].desc, template, ratioSq) != i {
			continue
		}
		out = append(out, correspondence{sheet: j, template: i})
	}
	return out
}

// nearest returns the index of the candidate closest to desc, or -1 when the
// best match is not clearly better than the runner-up.
func nearest(desc []float32, candidates []feature, ratioSq float64) int {
	best, second := math.Inf(1), math.Inf(1)
	bestIdx := -1
	for i := range candidates {
		d := ssd(desc, candidates[i].desc, second)
		if d < best {
			second = best
			best = d
			bestIdx = i
		} else if d < second {
			second = d
		}
	}
	if bestIdx < 0 || best >= ratioSq*second {
		return -1
	}
	return bestIdx
}

// ssd returns the sum of squared differences, stopping early once it
// exceeds limit.
func ssd(a, b []float32, limit float64) float64 {
	var s float64
	for i := range a {
		d := float64(a[i] - b[i])
		s += d * d
		if s > limit {
			return s
		}
	}
	return s
}
