// Package robust implements PROSAC, a RANSAC variant that orders its samples
// by per-observation quality, over any estimator able to fit a minimal subset.
package robust

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/denysvitali/whereis/internal/types"
)

// MinimalFit is the problem a robust Estimator works on
type MinimalFit[S any] interface {
	// Len returns the number of observations
	Len() int
	// SubsetSize returns the number of observations Fit needs
	SubsetSize() int
	// Fit computes a candidate from the observations at indices
	Fit(indices []int) (S, error)
	// Residual returns the residual of observation i against a candidate
	Residual(solution S, i int) float64
	// Refine re-fits a candidate over the inlier observations
	Refine(solution S, inliers []int, keepCovariance bool) (S, error)
}

// Result is the outcome of a robust run
type Result[S any] struct {
	Solution   S
	Inliers    *InliersData // nil unless inliers or residuals are kept
	NumInliers int
	Iterations int
	Refined    bool
}

// Estimator runs PROSAC over a MinimalFit. It is not safe for concurrent use;
// the locked state guards against re-entrant calls from listeners.
type Estimator[S any] struct {
	problem       MinimalFit[S]
	qualityScores []float64

	threshold      float64
	confidence     float64
	maxIterations  int
	progressDelta  float64
	refine         bool
	keepCovariance bool
	keepInliers    bool
	keepResiduals  bool
	seed           int64

	listener Listener[S]
	running  bool
	inliers  *InliersData

	log *logrus.Logger
}

// New creates an estimator configured from cfg
func New[S any](cfg types.RobustConfig, logger *logrus.Logger) (*Estimator[S], error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Estimator[S]{
		refine:         cfg.Refine,
		keepCovariance: cfg.KeepCovariance,
		keepInliers:    cfg.KeepInliers,
		keepResiduals:  cfg.KeepResiduals,
		seed:           cfg.Seed,
		log:            logger,
	}
	if err := e.SetThreshold(cfg.Threshold); err != nil {
		return nil, err
	}
	if err := e.SetConfidence(cfg.Confidence); err != nil {
		return nil, err
	}
	if err := e.SetMaxIterations(cfg.MaxIterations); err != nil {
		return nil, err
	}
	if err := e.SetProgressDelta(cfg.ProgressDelta); err != nil {
		return nil, err
	}
	return e, nil
}

// IsLocked reports whether a run is in progress
func (e *Estimator[S]) IsLocked() bool {
	return e.running
}

func (e *Estimator[S]) checkLocked() error {
	if e.running {
		return fmt.Errorf("%w: robust estimation in progress", types.ErrLocked)
	}
	return nil
}

// SetProblem sets the observations to work on
func (e *Estimator[S]) SetProblem(problem MinimalFit[S]) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if problem == nil {
		return fmt.Errorf("%w: nil problem", types.ErrInvalidArgument)
	}
	e.problem = problem
	return nil
}

// Problem returns the current problem
func (e *Estimator[S]) Problem() MinimalFit[S] {
	return e.problem
}

// SetQualityScores sets one score per observation; higher means more trustworthy.
// The slice is referenced, not copied.
func (e *Estimator[S]) SetQualityScores(scores []float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if len(scores) == 0 {
		return fmt.Errorf("%w: no quality scores", types.ErrInvalidArgument)
	}
	if e.problem != nil && len(scores) != e.problem.Len() {
		return fmt.Errorf("%w: %d quality scores for %d observations",
			types.ErrInvalidArgument, len(scores), e.problem.Len())
	}
	for i, q := range scores {
		if math.IsNaN(q) {
			return fmt.Errorf("%w: quality score %d is NaN", types.ErrInvalidArgument, i)
		}
	}
	e.qualityScores = scores
	return nil
}

// QualityScores returns the current quality scores
func (e *Estimator[S]) QualityScores() []float64 {
	return e.qualityScores
}

// SetThreshold sets the residual magnitude up to which an observation is an inlier
func (e *Estimator[S]) SetThreshold(threshold float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if !(threshold > 0) {
		return fmt.Errorf("%w: threshold must be > 0, got %v", types.ErrInvalidArgument, threshold)
	}
	e.threshold = threshold
	return nil
}

// Threshold returns the inlier threshold
func (e *Estimator[S]) Threshold() float64 {
	return e.threshold
}

// SetConfidence sets the probability in (0, 1) of drawing at least one outlier-free sample
func (e *Estimator[S]) SetConfidence(confidence float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if !(confidence > 0 && confidence < 1) {
		return fmt.Errorf("%w: confidence must be in (0, 1), got %v", types.ErrInvalidArgument, confidence)
	}
	e.confidence = confidence
	return nil
}

// Confidence returns the confidence
func (e *Estimator[S]) Confidence() float64 {
	return e.confidence
}

// SetMaxIterations sets the iteration cap
func (e *Estimator[S]) SetMaxIterations(maxIterations int) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if maxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be >= 1, got %d", types.ErrInvalidArgument, maxIterations)
	}
	e.maxIterations = maxIterations
	return nil
}

// MaxIterations returns the iteration cap
func (e *Estimator[S]) MaxIterations() int {
	return e.maxIterations
}

// SetProgressDelta sets the minimum progress change between notifications
func (e *Estimator[S]) SetProgressDelta(delta float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if !(delta >= 0 && delta <= 1) {
		return fmt.Errorf("%w: progress delta must be in [0, 1], got %v", types.ErrInvalidArgument, delta)
	}
	e.progressDelta = delta
	return nil
}

// SetRefineResult chooses whether the best candidate is re-fitted over its inliers
func (e *Estimator[S]) SetRefineResult(refine bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.refine = refine
	return nil
}

// SetKeepCovariance chooses whether refinement computes the covariance
func (e *Estimator[S]) SetKeepCovariance(keep bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.keepCovariance = keep
	return nil
}

// SetKeepInliers chooses whether the inlier mask is kept
func (e *Estimator[S]) SetKeepInliers(keep bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.keepInliers = keep
	return nil
}

// SetKeepResiduals chooses whether the residuals of the best candidate are kept
func (e *Estimator[S]) SetKeepResiduals(keep bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.keepResiduals = keep
	return nil
}

// SetSeed sets the sampling seed; each run restarts from it
func (e *Estimator[S]) SetSeed(seed int64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.seed = seed
	return nil
}

// SetListener sets the listener, nil removes it
func (e *Estimator[S]) SetListener(listener Listener[S]) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.listener = listener
	return nil
}

// Inliers returns the inliers data of the last successful run, or nil
func (e *Estimator[S]) Inliers() *InliersData {
	return e.inliers
}

// IsReady reports whether a problem with enough observations and matching quality scores is set
func (e *Estimator[S]) IsReady() bool {
	if e.problem == nil {
		return false
	}
	n := e.problem.Len()
	return n > 0 && n >= e.problem.SubsetSize() && e.problem.SubsetSize() > 0 && len(e.qualityScores) == n
}

// Estimate runs until the adaptive iteration bound is reached
func (e *Estimator[S]) Estimate() (*Result[S], error) {
	return e.EstimateContext(context.Background())
}

// candidate is the best solution found so far
type candidate[S any] struct {
	solution  S
	score     score
	mask      *bitset.BitSet
	residuals []float64
}

// EstimateContext is Estimate with cancellation checked before every iteration
func (e *Estimator[S]) EstimateContext(ctx context.Context) (*Result[S], error) {
	if err := e.checkLocked(); err != nil {
		return nil, err
	}
	if !e.IsReady() {
		return nil, fmt.Errorf("%w: problem or quality scores missing", types.ErrNotReady)
	}

	e.running = true
	defer func() { e.running = false }()

	if e.listener != nil {
		e.listener.OnStart(e)
	}

	n := e.problem.Len()
	m := e.problem.SubsetSize()
	weights := qualityWeights(e.qualityScores)
	sampler := newProsacSampler(e.qualityScores, m, e.maxIterations, rand.New(rand.NewSource(e.seed)))

	var (
		best      *candidate[S]
		subset    = make([]int, m)
		residuals = make([]float64, n)
		mask      = bitset.New(uint(n))
		bound     = e.maxIterations
		notified  = 0.0
		iteration int
	)

	for iteration = 0; iteration < bound; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("robust estimation interrupted after %d iterations: %w", iteration, err)
		}
		if e.listener != nil {
			e.listener.OnNextIteration(e, iteration)
		}

		sampler.next(subset)
		if c := e.evaluate(subset, weights, residuals, mask); c != nil && (best == nil || c.score.better(best.score)) {
			best = c
			ratio := float64(c.score.inliers) / float64(n)
			bound = adaptiveIterations(ratio, m, e.confidence, e.maxIterations)

			e.log.WithFields(logrus.Fields{
				"iteration": iteration,
				"inliers":   c.score.inliers,
				"bound":     bound,
			}).Debug("Found better candidate")
		}

		progress := math.Min(1, float64(iteration+1)/float64(bound))
		if e.listener != nil && (progress-notified >= e.progressDelta || progress == 1) && progress != notified {
			notified = progress
			e.listener.OnProgressChanged(e, progress)
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no candidate after %d iterations", types.ErrRobustEstimationFailed, iteration)
	}

	result := &Result[S]{
		Solution:   best.solution,
		NumInliers: best.score.inliers,
		Iterations: iteration,
	}

	if e.refine {
		inliers := make([]int, 0, best.score.inliers)
		for i, ok := best.mask.NextSet(0); ok; i, ok = best.mask.NextSet(i + 1) {
			inliers = append(inliers, int(i))
		}
		refined, err := e.problem.Refine(best.solution, inliers, e.keepCovariance)
		if err != nil {
			e.log.WithError(err).Warn("Refinement over inliers failed, keeping the best candidate")
		} else {
			result.Solution = refined
			result.Refined = true
		}
	}

	if e.keepInliers || e.keepResiduals {
		data := &InliersData{NumInliers: best.score.inliers}
		if e.keepInliers {
			data.Mask = best.mask
		}
		if e.keepResiduals {
			data.Residuals = best.residuals
		}
		result.Inliers = data
	}
	e.inliers = result.Inliers

	e.log.WithFields(logrus.Fields{
		"iterations": iteration,
		"inliers":    best.score.inliers,
		"total":      n,
		"refined":    result.Refined,
	}).Debug("Robust estimation finished")

	if e.listener != nil {
		e.listener.OnEnd(e)
	}
	return result, nil
}

// evaluate fits subset and scores it against every observation. It returns nil
// when the fit fails. residuals and mask are scratch buffers, copied into the
// returned candidate.
func (e *Estimator[S]) evaluate(subset []int, weights, residuals []float64, mask *bitset.BitSet) *candidate[S] {
	solution, err := e.problem.Fit(subset)
	if err != nil {
		e.log.WithError(err).Trace("Candidate fit failed")
		return nil
	}

	mask.ClearAll()
	var s score
	for i := range residuals {
		r := e.problem.Residual(solution, i)
		residuals[i] = r
		if math.Abs(r) <= e.threshold {
			mask.Set(uint(i))
			s.inliers++
			s.quality += weights[i]
			s.residual += weights[i] * math.Abs(r)
		}
	}

	return &candidate[S]{
		solution:  solution,
		score:     s,
		mask:      mask.Clone(),
		residuals: append([]float64(nil), residuals...),
	}
}
