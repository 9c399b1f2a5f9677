package alignment

import (
	"math"
	"math/rand/v2"

	"github.com/SAP-F-2025/sheet-evaluation-service/internal/geometry"
)

// estimate is a fitted transform with its support.
type estimate struct {
	transform    geometry.Affine
	inliers      []int
	meanResidual float64
}

// minSampleSpread is the minimum distance between the two points of a
// RANSAC sample, in working pixels.
const minSampleSpread = 8.0

// ransac fits a transform taking src to dst. Hypotheses are two-point
// similarities; the winner is refined by a least-squares affine fit over
// its inliers. The PRNG is seeded from cfg so results are repeatable.
func ransac(src, dst []geometry.Point, cfg Config) (estimate, bool) {
	n := len(src)
	if n < 2 {
		return estimate{}, false
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	var best estimate
	found := false

	for iter := 0; iter < cfg.RansacIterations; iter++ {
		i := rng.IntN(n)
		j := rng.IntN(n - 1)
		if j >= i {
			j++
		}
		if src[i].Dist(src[j]) < minSampleSpread {
			continue
		}

		t, ok := geometry.FitSimilarity(src[i], src[j], dst[i], dst[j])
		if !ok {
			continue
		}
		if s := t.ScaleFactor(); s < cfg.MinScale || s > cfg.MaxScale {
			continue
		}

		cand := score(t, src, dst, cfg.InlierThreshold)
		if !found || better(cand, best) {
			best = cand
			found = true
		}
	}
	if !found || len(best.inliers) < 2 {
		return estimate{}, false
	}

	// Refine twice: the refit can pick up inliers the similarity missed.
	for round := 0; round < 2; round++ {
		if len(best.inliers) < 3 {
			break
		}
		s := make([]geometry.Point, len(best.inliers))
		d := make([]geometry.Point, len(best.inliers))
		for k, idx := range best.inliers {
			s[k] = src[idx]
			d[k] = dst[idx]
		}
		t, ok := geometry.FitAffine(s, d)
		if !ok {
			break
		}
		if sc := t.ScaleFactor(); sc < cfg.MinScale || sc > cfg.MaxScale {
			break
		}
		cand := score(t, src, dst, cfg.InlierThreshold)
		if len(cand.inliers) < len(best.inliers) {
			break
		}
		best = cand
	}
	return best, true
}

// score collects the inliers of t and their mean residual.
func score(t geometry.Affine, src, dst []geometry.Point, threshold float64) estimate {
	e := estimate{transform: t}
	var total float64
	for k := range src {
		r := t.Apply(src[k]).Dist(dst[k])
		if r < threshold {
			e.inliers = append(e.inliers, k)
			total += r
		}
	}
	if len(e.inliers) > 0 {
		e.meanResidual = total / float64(len(e.inliers))
	}
	return e
}

func better(a, b estimate) bool {
	if len(a.inliers) != len(b.inliers) {
		return len(a.inliers) > len(b.inliers)
	}
	return a.meanResidual < b.meanResidual
}

// confidence combines the inlier fraction with how tight the inliers are,
// scaled to [0, 100].
func confidence(inliers, correspondences int, meanResidual, threshold float64) float64 {
	if correspondences == 0 || inliers == 0 {
		return 0
	}
	ratio := float64(inliers) / float64(correspondences)
	tightness := 1 - meanResidual/threshold
	c := 100 * ratio * tightness
	return math.Max(0, math.Min(100, c))
}
