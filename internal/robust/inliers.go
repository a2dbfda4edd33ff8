package robust

import (
	"math"

	"github.com/bits-and-blooms/bitset"
)

// InliersData describes the inliers of the best candidate of a run
type InliersData struct {
	Mask       *bitset.BitSet // nil unless inliers are kept
	Residuals  []float64      // nil unless residuals are kept
	NumInliers int
}

// Indices returns the inlier indices in ascending order
func (d *InliersData) Indices() []int {
	if d == nil || d.Mask == nil {
		return nil
	}
	out := make([]int, 0, d.NumInliers)
	for i, ok := d.Mask.NextSet(0); ok; i, ok = d.Mask.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// score ranks candidates: more inliers first, then a larger quality-weighted
// inlier sum, then a smaller quality-weighted residual sum
type score struct {
	inliers  int
	quality  float64
	residual float64
}

func (s score) better(o score) bool {
	if s.inliers != o.inliers {
		return s.inliers > o.inliers
	}
	if s.quality != o.quality {
		return s.quality > o.quality
	}
	return s.residual < o.residual
}

// qualityWeights maps raw quality scores onto [0.5, 1] so that the weighted
// sums stay positive whatever the scale or sign of the scores
func qualityWeights(scores []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, q := range scores {
		lo = math.Min(lo, q)
		hi = math.Max(hi, q)
	}
	w := make([]float64, len(scores))
	for i, q := range scores {
		if hi > lo {
			w[i] = 0.5 + 0.5*(q-lo)/(hi-lo)
		} else {
			w[i] = 1
		}
	}
	return w
}
