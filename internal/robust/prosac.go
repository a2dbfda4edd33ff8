package robust

import (
	"math"
	"math/rand"
	"sort"
)

// ratioEpsilon keeps the inlier ratio away from 0 and 1 in the iteration bound,
// where log(1 - ε^m) is undefined
const ratioEpsilon = 1e-9

// prosacSampler draws minimal subsets following PROSAC (Chum & Matas, 2005):
// samples are taken from the top-n observations by quality, and n grows with
// the iteration count so that high quality observations are tried first.
// Once n reaches the whole set it degenerates to uniform RANSAC sampling.
type prosacSampler struct {
	order []int // observation indices by descending quality
	pool  []int // positions into order, the identity between draws
	swaps []int
	m     int
	n     int
	t     int
	tn    float64 // T_n, expected samples drawn only from the top n
	tnp   int     // T'_n, iteration at which n grows
	rng   *rand.Rand
}

func newProsacSampler(scores []float64, m, maxIterations int, rng *rand.Rand) *prosacSampler {
	size := len(scores)
	order := make([]int, size)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	pool := make([]int, size)
	for i := range pool {
		pool[i] = i
	}

	// T_m = T_N * prod_{i<m} (m-i)/(N-i)
	tn := float64(maxIterations)
	for i := 0; i < m; i++ {
		tn *= float64(m-i) / float64(size-i)
	}

	return &prosacSampler{
		order: order,
		pool:  pool,
		swaps: make([]int, 0, m),
		m:     m,
		n:     m,
		tn:    tn,
		tnp:   1,
		rng:   rng,
	}
}

// next fills dst with m distinct observation indices
func (s *prosacSampler) next(dst []int) {
	s.t++
	for s.t > s.tnp && s.n < len(s.order) {
		// T_{n+1} = T_n * (n+1)/(n+1-m)
		next := s.tn * float64(s.n+1) / float64(s.n+1-s.m)
		s.tnp += int(math.Ceil(next - s.tn))
		s.tn = next
		s.n++
	}

	if s.tnp < s.t {
		// n == N and the schedule is exhausted: plain uniform sampling
		s.pick(dst, s.m, s.n)
		return
	}
	// m-1 from the top n-1 plus the n-th observation
	s.pick(dst, s.m-1, s.n-1)
	dst[s.m-1] = s.order[s.n-1]
}

// pick draws k distinct entries among the first p of order into dst[:k].
// The swaps are undone afterwards so pool stays the identity between calls.
func (s *prosacSampler) pick(dst []int, k, p int) {
	swaps := s.swaps[:0]
	for j := 0; j < k; j++ {
		r := j + s.rng.Intn(p-j)
		s.pool[j], s.pool[r] = s.pool[r], s.pool[j]
		dst[j] = s.order[s.pool[j]]
		swaps = append(swaps, r)
	}
	s.swaps = swaps
	for j := k - 1; j >= 0; j-- {
		r := swaps[j]
		s.pool[j], s.pool[r] = s.pool[r], s.pool[j]
	}
}

// adaptiveIterations returns log(1-confidence)/log(1-ε^m) clipped to [1, maxIterations]
func adaptiveIterations(inlierRatio float64, subsetSize int, confidence float64, maxIterations int) int {
	ratio := math.Min(math.Max(inlierRatio, ratioEpsilon), 1-ratioEpsilon)
	n := math.Log1p(-confidence) / math.Log1p(-math.Pow(ratio, float64(subsetSize)))
	if math.IsNaN(n) || math.IsInf(n, 0) || n >= float64(maxIterations) {
		return maxIterations
	}
	if n < 1 {
		return 1
	}
	return int(math.Ceil(n))
}
