package triangulation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/denysvitali/whereis/internal/robust"
	"github.com/denysvitali/whereis/internal/types"
)

// mixedProblem exposes a reading set to the robust framework. Candidates are
// fitted with the same pipeline as the plain Estimator, on minimal subsets.
type mixedProblem struct {
	estimator *Estimator
	readings  []types.Reading
	dim       int
	subset    []types.Reading
}

func (p *mixedProblem) Len() int {
	return len(p.readings)
}

func (p *mixedProblem) SubsetSize() int {
	return p.estimator.MinReadingsFor(p.dim)
}

func (p *mixedProblem) Fit(indices []int) (*solution, error) {
	p.subset = p.subset[:0]
	for _, i := range indices {
		p.subset = append(p.subset, p.readings[i])
	}
	if !p.estimator.sufficient(p.subset, p.dim) {
		ranging, rssi := countKinds(p.subset)
		return nil, fmt.Errorf("%w: subset has %d ranging and %d rssi readings",
			types.ErrInsufficientData, ranging, rssi)
	}
	return p.estimator.solve(p.subset, nil, false)
}

// Residual is expressed as a distance so one threshold applies to every kind
// of reading. RSSI readings are converted with the candidate's path-loss
// parameters; fused readings report the worse of their two residuals.
func (p *mixedProblem) Residual(s *solution, i int) float64 {
	reading := p.readings[i]
	actual := s.estimate.Position.Distance(reading.ObserverPosition())

	residual := 0.0
	if distance, _, ok := types.DistanceOf(reading); ok {
		residual = math.Abs(actual - distance)
	}
	if rssi, _, ok := types.RSSIOf(reading); ok {
		k := reading.RadioSource().PathLossConstant()
		distance, _ := DistanceFromRSSI(rssi, 0, s.fit.powerDBm, s.fit.exponent, k)
		if r := math.Abs(actual - distance); r > residual || math.IsNaN(r) {
			residual = r
		}
	}
	if math.IsNaN(residual) {
		return math.Inf(1)
	}
	return residual
}

func (p *mixedProblem) Refine(s *solution, inliers []int, keepCovariance bool) (*solution, error) {
	subset := make([]types.Reading, len(inliers))
	for j, i := range inliers {
		subset[j] = p.readings[i]
	}
	if !p.estimator.sufficient(subset, p.dim) {
		return nil, fmt.Errorf("%w: %d inliers cannot support the enabled unknowns",
			types.ErrInsufficientData, len(inliers))
	}
	return p.estimator.solve(subset, s, keepCovariance)
}

// RobustListener is notified while a RobustEstimator runs. Callbacks fire while
// the estimator is locked.
type RobustListener interface {
	OnStart(r *RobustEstimator)
	OnEnd(r *RobustEstimator)
	OnNextIteration(r *RobustEstimator, iteration int)
	OnProgressChanged(r *RobustEstimator, progress float64)
}

// RobustListenerFuncs adapts plain functions to RobustListener; nil fields are skipped
type RobustListenerFuncs struct {
	Start           func(r *RobustEstimator)
	End             func(r *RobustEstimator)
	NextIteration   func(r *RobustEstimator, iteration int)
	ProgressChanged func(r *RobustEstimator, progress float64)
}

func (l RobustListenerFuncs) OnStart(r *RobustEstimator) {
	if l.Start != nil {
		l.Start(r)
	}
}

func (l RobustListenerFuncs) OnEnd(r *RobustEstimator) {
	if l.End != nil {
		l.End(r)
	}
}

func (l RobustListenerFuncs) OnNextIteration(r *RobustEstimator, iteration int) {
	if l.NextIteration != nil {
		l.NextIteration(r, iteration)
	}
}

func (l RobustListenerFuncs) OnProgressChanged(r *RobustEstimator, progress float64) {
	if l.ProgressChanged != nil {
		l.ProgressChanged(r, progress)
	}
}

// RobustEstimator locates a source from readings that may contain outliers,
// sampling minimal subsets with PROSAC ordered by per-reading quality scores.
type RobustEstimator struct {
	inner     *Estimator
	framework *robust.Estimator[*solution]
	listener  RobustListener
	timeout   time.Duration // 0 disables it

	// userScores is set once the caller supplied quality scores; until then
	// uniform scores are rebuilt whenever the readings change
	userScores bool

	result  *types.Estimate
	refined bool

	log *logrus.Logger
}

// NewRobustEstimator creates a robust estimator; the model options come from
// estimatorCfg and the sampling options from robustCfg
func NewRobustEstimator(estimatorCfg types.EstimatorConfig, robustCfg types.RobustConfig, logger *logrus.Logger) (*RobustEstimator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	framework, err := robust.New[*solution](robustCfg, logger)
	if err != nil {
		return nil, err
	}
	return &RobustEstimator{
		inner:     NewEstimator(estimatorCfg, logger),
		framework: framework,
		timeout:   robustCfg.Timeout,
		log:       logger,
	}, nil
}

// IsLocked reports whether an estimation is in progress
func (r *RobustEstimator) IsLocked() bool {
	return r.framework.IsLocked()
}

func (r *RobustEstimator) checkLocked() error {
	if r.framework.IsLocked() {
		return fmt.Errorf("%w: robust estimation in progress", types.ErrLocked)
	}
	return nil
}

// Readings returns the readings currently set
func (r *RobustEstimator) Readings() []types.Reading {
	return r.inner.Readings()
}

// SetReadings sets the readings of a single source. The readings must support
// the enabled unknowns, like for Estimator.SetReadings, and match the number of
// quality scores when those were set first.
func (r *RobustEstimator) SetReadings(readings []types.Reading) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	if n := len(r.framework.QualityScores()); r.userScores && n != len(readings) {
		return fmt.Errorf("%w: %d readings for %d quality scores", types.ErrInvalidArgument, len(readings), n)
	}
	if err := r.inner.SetReadings(readings); err != nil {
		return err
	}
	return r.syncProblem()
}

// syncProblem rebuilds the sampled problem after a change of readings or unknowns
func (r *RobustEstimator) syncProblem() error {
	readings := r.inner.Readings()
	if len(readings) == 0 {
		return nil
	}
	if err := r.framework.SetProblem(&mixedProblem{
		estimator: r.inner,
		readings:  readings,
		dim:       readings[0].ObserverPosition().Dim(),
	}); err != nil {
		return err
	}
	if r.userScores {
		return nil
	}
	return r.setUniformScores(len(readings))
}

func (r *RobustEstimator) setUniformScores(n int) error {
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 1
	}
	return r.framework.SetQualityScores(scores)
}

// SetQualityScores sets one score per reading; higher means more trustworthy.
// Until called, every reading has the same score. Nil restores that default.
func (r *RobustEstimator) SetQualityScores(scores []float64) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	if scores == nil {
		r.userScores = false
		if n := len(r.inner.Readings()); n > 0 {
			return r.setUniformScores(n)
		}
		return nil
	}
	if n := len(r.inner.Readings()); n > 0 && len(scores) != n {
		return fmt.Errorf("%w: %d quality scores for %d readings", types.ErrInvalidArgument, len(scores), n)
	}
	if err := r.framework.SetQualityScores(scores); err != nil {
		return err
	}
	r.userScores = true
	return nil
}

// QualityScores returns the current quality scores
func (r *RobustEstimator) QualityScores() []float64 {
	return r.framework.QualityScores()
}

// SetInitialPosition sets the starting position used for every candidate
func (r *RobustEstimator) SetInitialPosition(position types.Point) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetInitialPosition(position)
}

// SetInitialTransmittedPowerDBm sets the starting (or fixed) transmitted power
func (r *RobustEstimator) SetInitialTransmittedPowerDBm(power *float64) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetInitialTransmittedPowerDBm(power)
}

// SetInitialPathLossExponent sets the starting (or fixed) path-loss exponent
func (r *RobustEstimator) SetInitialPathLossExponent(exponent *float64) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetInitialPathLossExponent(exponent)
}

// SetTransmittedPowerEstimationEnabled chooses whether the transmitted power is estimated
func (r *RobustEstimator) SetTransmittedPowerEstimationEnabled(enabled bool) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetTransmittedPowerEstimationEnabled(enabled)
}

// SetPathLossEstimationEnabled chooses whether the path-loss exponent is estimated
func (r *RobustEstimator) SetPathLossEstimationEnabled(enabled bool) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetPathLossEstimationEnabled(enabled)
}

// SetPositionCovarianceEnabled chooses whether observer position covariances are honored
func (r *RobustEstimator) SetPositionCovarianceEnabled(enabled bool) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetPositionCovarianceEnabled(enabled)
}

// SetHomogeneousLinearSolver selects the linear bootstrap of every candidate
func (r *RobustEstimator) SetHomogeneousLinearSolver(homogeneous bool) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	return r.inner.SetHomogeneousLinearSolver(homogeneous)
}

// SetThreshold sets the distance residual up to which a reading is an inlier
func (r *RobustEstimator) SetThreshold(threshold float64) error {
	return r.framework.SetThreshold(threshold)
}

// Threshold returns the inlier threshold
func (r *RobustEstimator) Threshold() float64 {
	return r.framework.Threshold()
}

// SetConfidence sets the confidence in (0, 1)
func (r *RobustEstimator) SetConfidence(confidence float64) error {
	return r.framework.SetConfidence(confidence)
}

// SetMaxIterations sets the iteration cap
func (r *RobustEstimator) SetMaxIterations(maxIterations int) error {
	return r.framework.SetMaxIterations(maxIterations)
}

// SetProgressDelta sets the minimum progress change between notifications
func (r *RobustEstimator) SetProgressDelta(delta float64) error {
	return r.framework.SetProgressDelta(delta)
}

// SetRefineResult chooses whether the best candidate is refined over its inliers
func (r *RobustEstimator) SetRefineResult(refine bool) error {
	return r.framework.SetRefineResult(refine)
}

// SetKeepCovariance chooses whether the refined result carries a covariance
func (r *RobustEstimator) SetKeepCovariance(keep bool) error {
	return r.framework.SetKeepCovariance(keep)
}

// SetKeepInliers chooses whether the inlier mask is kept
func (r *RobustEstimator) SetKeepInliers(keep bool) error {
	return r.framework.SetKeepInliers(keep)
}

// SetKeepResiduals chooses whether the residuals are kept
func (r *RobustEstimator) SetKeepResiduals(keep bool) error {
	return r.framework.SetKeepResiduals(keep)
}

// SetSeed sets the sampling seed
func (r *RobustEstimator) SetSeed(seed int64) error {
	return r.framework.SetSeed(seed)
}

// SetListener sets the listener, nil removes it
func (r *RobustEstimator) SetListener(listener RobustListener) error {
	if err := r.checkLocked(); err != nil {
		return err
	}
	r.listener = listener
	if listener == nil {
		return r.framework.SetListener(nil)
	}
	return r.framework.SetListener(robust.ListenerFuncs[*solution]{
		Start: func(*robust.Estimator[*solution]) { listener.OnStart(r) },
		End:   func(*robust.Estimator[*solution]) { listener.OnEnd(r) },
		NextIteration: func(_ *robust.Estimator[*solution], iteration int) {
			listener.OnNextIteration(r, iteration)
		},
		ProgressChanged: func(_ *robust.Estimator[*solution], progress float64) {
			listener.OnProgressChanged(r, progress)
		},
	})
}

// MinReadings returns the size of the sampled subsets
func (r *RobustEstimator) MinReadings() int {
	return r.inner.MinReadings()
}

// IsReady reports whether readings and matching quality scores are set
func (r *RobustEstimator) IsReady() bool {
	return r.inner.IsReady() && r.framework.IsReady()
}

// Inliers returns the inliers of the last successful run, or nil
func (r *RobustEstimator) Inliers() *robust.InliersData {
	return r.framework.Inliers()
}

// Result returns the last successful estimate, or nil
func (r *RobustEstimator) Result() *types.Estimate {
	return r.result
}

// Refined reports whether the last result was refined over its inliers
func (r *RobustEstimator) Refined() bool {
	return r.refined
}

// Estimate runs the robust estimation with the configured timeout, if any
func (r *RobustEstimator) Estimate() (*types.Estimate, error) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.EstimateContext(ctx)
}

// EstimateContext runs the robust estimation until ctx is done. On failure the
// previous result and inliers are kept.
func (r *RobustEstimator) EstimateContext(ctx context.Context) (*types.Estimate, error) {
	if err := r.checkLocked(); err != nil {
		return nil, err
	}
	if !r.IsReady() {
		return nil, fmt.Errorf("%w: readings or quality scores missing", types.ErrNotReady)
	}
	// the unknowns may have changed since the readings were set
	if err := r.syncProblem(); err != nil {
		return nil, err
	}

	res, err := r.framework.EstimateContext(ctx)
	if err != nil {
		return nil, err
	}

	r.result = res.Solution.estimate
	r.refined = res.Refined
	r.log.WithFields(logrus.Fields{
		"position":   r.result.Position,
		"inliers":    res.NumInliers,
		"readings":   len(r.inner.Readings()),
		"iterations": res.Iterations,
		"refined":    res.Refined,
	}).Debug("Robust estimation finished")

	return r.result.Clone(), nil
}
