package robust

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denysvitali/whereis/internal/types"
)

type line struct {
	slope, intercept float64
}

// lineProblem fits y = slope*x + intercept through pairs of points
type lineProblem struct {
	x, y     []float64
	fits     int
	refines  int
	failFits bool
}

func (p *lineProblem) Len() int        { return len(p.x) }
func (p *lineProblem) SubsetSize() int { return 2 }

func (p *lineProblem) Fit(indices []int) (line, error) {
	p.fits++
	if p.failFits {
		return line{}, errors.New("degenerate")
	}
	i, j := indices[0], indices[1]
	if p.x[i] == p.x[j] {
		return line{}, errors.New("vertical")
	}
	slope := (p.y[j] - p.y[i]) / (p.x[j] - p.x[i])
	return line{slope: slope, intercept: p.y[i] - slope*p.x[i]}, nil
}

func (p *lineProblem) Residual(l line, i int) float64 {
	return p.y[i] - (l.slope*p.x[i] + l.intercept)
}

// Refine runs ordinary least squares over the inliers
func (p *lineProblem) Refine(_ line, inliers []int, _ bool) (line, error) {
	p.refines++
	var sx, sy, sxx, sxy float64
	n := float64(len(inliers))
	for _, i := range inliers {
		sx += p.x[i]
		sy += p.y[i]
		sxx += p.x[i] * p.x[i]
		sxy += p.x[i] * p.y[i]
	}
	det := n*sxx - sx*sx
	if det == 0 {
		return line{}, errors.New("singular")
	}
	slope := (n*sxy - sx*sy) / det
	return line{slope: slope, intercept: (sy - slope*sx) / n}, nil
}

// newLineProblem samples y = 2x + 1 with a fraction of gross outliers; quality
// scores are 1 for inliers and lower for outliers
func newLineProblem(seed int64, n int, outlierRatio float64) (*lineProblem, []float64, []bool) {
	rng := rand.New(rand.NewSource(seed))
	p := &lineProblem{x: make([]float64, n), y: make([]float64, n)}
	scores := make([]float64, n)
	outliers := make([]bool, n)
	for i := 0; i < n; i++ {
		p.x[i] = rng.Float64()*100 - 50
		p.y[i] = 2*p.x[i] + 1
		scores[i] = 1
		if rng.Float64() < outlierRatio {
			e := rng.NormFloat64() * 20
			if math.Abs(e) < 1 {
				e += 5
			}
			p.y[i] += e
			scores[i] = 1 / (1 + math.Abs(e))
			outliers[i] = true
		}
	}
	return p, scores, outliers
}

func newTestEstimator(t *testing.T) *Estimator[line] {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	e, err := New[line](types.DefaultConfig().Robust, logger)
	require.NoError(t, err)
	return e
}

func TestEstimateRecoversLine(t *testing.T) {
	problem, scores, outliers := newLineProblem(1, 100, 0.3)

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))
	require.True(t, e.IsReady())

	res, err := e.Estimate()
	require.NoError(t, err)
	assert.True(t, res.Refined)
	assert.InDelta(t, 2.0, res.Solution.slope, 1e-9)
	assert.InDelta(t, 1.0, res.Solution.intercept, 1e-9)
	assert.Less(t, res.Iterations, e.MaxIterations())
	assert.Equal(t, 1, problem.refines)

	require.NotNil(t, res.Inliers)
	assert.Same(t, res.Inliers, e.Inliers())
	assert.Len(t, res.Inliers.Residuals, 100)
	for i, bad := range outliers {
		assert.Equal(t, !bad, res.Inliers.Mask.Test(uint(i)), "reading %d", i)
	}
	assert.Equal(t, int(res.Inliers.Mask.Count()), res.Inliers.NumInliers)
	assert.Len(t, res.Inliers.Indices(), res.Inliers.NumInliers)
}

func TestEstimateWithoutRefinement(t *testing.T) {
	problem, scores, _ := newLineProblem(2, 50, 0.2)

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))
	require.NoError(t, e.SetRefineResult(false))
	require.NoError(t, e.SetKeepInliers(false))
	require.NoError(t, e.SetKeepResiduals(false))

	res, err := e.Estimate()
	require.NoError(t, err)
	assert.False(t, res.Refined)
	assert.Zero(t, problem.refines)
	assert.Nil(t, res.Inliers)
	assert.InDelta(t, 2.0, res.Solution.slope, 1e-9)
}

func TestEstimateDeterministic(t *testing.T) {
	problem, scores, _ := newLineProblem(3, 80, 0.4)

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))
	require.NoError(t, e.SetSeed(99))

	first, err := e.Estimate()
	require.NoError(t, err)
	fits := problem.fits

	second, err := e.Estimate()
	require.NoError(t, err)

	assert.Equal(t, first.Solution, second.Solution)
	assert.Equal(t, first.Iterations, second.Iterations)
	assert.Equal(t, fits, problem.fits-fits)
	assert.True(t, first.Inliers.Mask.Equal(second.Inliers.Mask))
}

func TestEstimateFailure(t *testing.T) {
	problem, scores, _ := newLineProblem(4, 20, 0)
	problem.failFits = true

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))
	require.NoError(t, e.SetMaxIterations(25))

	_, err := e.Estimate()
	assert.ErrorIs(t, err, types.ErrRobustEstimationFailed)
	assert.Equal(t, 25, problem.fits)
	assert.Nil(t, e.Inliers())
	assert.False(t, e.IsLocked())
}

func TestEstimateNotReady(t *testing.T) {
	e := newTestEstimator(t)
	_, err := e.Estimate()
	assert.ErrorIs(t, err, types.ErrNotReady)

	problem, _, _ := newLineProblem(5, 10, 0)
	require.NoError(t, e.SetProblem(problem))
	assert.False(t, e.IsReady())

	// scores must match the observations
	assert.ErrorIs(t, e.SetQualityScores(make([]float64, 3)), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetQualityScores([]float64{math.NaN(), 1, 1, 1, 1, 1, 1, 1, 1, 1}), types.ErrInvalidArgument)
}

func TestSetterValidation(t *testing.T) {
	e := newTestEstimator(t)
	assert.ErrorIs(t, e.SetThreshold(0), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetConfidence(0), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetConfidence(1), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetMaxIterations(0), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetProgressDelta(1.5), types.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetProblem(nil), types.ErrInvalidArgument)

	cfg := types.DefaultConfig().Robust
	cfg.Confidence = 2
	_, err := New[line](cfg, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestListenerAndLocking(t *testing.T) {
	problem, scores, _ := newLineProblem(6, 60, 0.2)

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))

	var (
		starts, ends, iterations int
		progress                 []float64
	)
	require.NoError(t, e.SetListener(ListenerFuncs[line]{
		Start: func(e *Estimator[line]) {
			starts++
			assert.True(t, e.IsLocked())
			_, err := e.Estimate()
			assert.ErrorIs(t, err, types.ErrLocked)
			assert.ErrorIs(t, e.SetThreshold(1), types.ErrLocked)
			assert.ErrorIs(t, e.SetQualityScores(scores), types.ErrLocked)
			assert.ErrorIs(t, e.SetProblem(problem), types.ErrLocked)
			assert.ErrorIs(t, e.SetSeed(3), types.ErrLocked)
		},
		End: func(e *Estimator[line]) {
			ends++
			assert.True(t, e.IsLocked())
		},
		NextIteration: func(_ *Estimator[line], iteration int) {
			assert.Equal(t, iterations, iteration)
			iterations++
		},
		ProgressChanged: func(_ *Estimator[line], p float64) {
			progress = append(progress, p)
		},
	}))

	res, err := e.Estimate()
	require.NoError(t, err)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
	assert.Equal(t, res.Iterations, iterations)
	assert.False(t, e.IsLocked())
	assert.Equal(t, 0.1, e.Threshold())

	require.NotEmpty(t, progress)
	assert.Equal(t, 1.0, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
}

func TestEstimateContextCancelled(t *testing.T) {
	problem, scores, _ := newLineProblem(7, 30, 0.2)
	// no candidate ever shrinks the iteration bound
	problem.failFits = true

	e := newTestEstimator(t)
	require.NoError(t, e.SetProblem(problem))
	require.NoError(t, e.SetQualityScores(scores))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.SetListener(ListenerFuncs[line]{
		NextIteration: func(_ *Estimator[line], iteration int) {
			if iteration == 2 {
				cancel()
			}
		},
	}))

	_, err := e.EstimateContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, problem.fits)
	assert.False(t, e.IsLocked())
	assert.Nil(t, e.Inliers())
}
