package triangulation

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/denysvitali/whereis/internal/types"
)

// Listener is notified while an Estimator runs. Callbacks fire while the
// estimator is still locked, so they must not mutate it.
type Listener interface {
	OnStart(e *Estimator)
	OnEnd(e *Estimator)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped
type ListenerFuncs struct {
	Start func(e *Estimator)
	End   func(e *Estimator)
}

func (l ListenerFuncs) OnStart(e *Estimator) {
	if l.Start != nil {
		l.Start(e)
	}
}

func (l ListenerFuncs) OnEnd(e *Estimator) {
	if l.End != nil {
		l.End(e)
	}
}

// Estimator locates a source from mixed ranging, RSSI and fused readings.
//
// A run bootstraps the position with the LinearSolver (unless an initial
// position is set), bootstraps the path-loss parameters in closed form and then
// refines everything with the Refiner. Estimators are not safe for concurrent
// use; the locked state only guards against re-entrant calls from listeners.
type Estimator struct {
	readings []types.Reading

	initialPosition  types.Point
	initialPower     *float64
	initialExponent  *float64
	defaultExponent  float64
	estimatePower    bool
	estimateExponent bool

	linear  LinearSolver
	refiner Refiner

	listener Listener
	running  bool
	result   *types.Estimate

	log *logrus.Logger
}

// NewEstimator creates an estimator configured from cfg
func NewEstimator(cfg types.EstimatorConfig, logger *logrus.Logger) *Estimator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	exponent := cfg.PathLossExponent
	if exponent == 0 {
		exponent = types.DefaultConfig().Estimator.PathLossExponent
	}
	return &Estimator{
		defaultExponent:  exponent,
		estimatePower:    cfg.EstimateTransmittedPower,
		estimateExponent: cfg.EstimatePathLossExponent,
		linear: LinearSolver{
			Homogeneous:           cfg.HomogeneousLinearSolver,
			UsePositionCovariance: cfg.UsePositionCovariance,
			DistanceStdDev:        cfg.DistanceStdDev,
		},
		refiner: Refiner{
			DistanceStdDev:        cfg.DistanceStdDev,
			RSSIStdDev:            cfg.RSSIStdDev,
			UsePositionCovariance: cfg.UsePositionCovariance,
			MaxIterations:         cfg.MaxIterations,
			Tolerance:             cfg.Tolerance,
		},
		log: logger,
	}
}

// IsLocked reports whether an estimation is in progress
func (e *Estimator) IsLocked() bool {
	return e.running
}

func (e *Estimator) checkLocked() error {
	if e.running {
		return fmt.Errorf("%w: estimation in progress", types.ErrLocked)
	}
	return nil
}

// Readings returns the readings currently set
func (e *Estimator) Readings() []types.Reading {
	return e.readings
}

// SetReadings sets the readings of a single source. The slice is referenced, not copied.
func (e *Estimator) SetReadings(readings []types.Reading) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if err := validateReadings(readings); err != nil {
		return err
	}
	dim := readings[0].ObserverPosition().Dim()
	if !e.sufficient(readings, dim) {
		ranging, rssi := countKinds(readings)
		return fmt.Errorf("%w: %d ranging and %d rssi readings cannot estimate %d unknowns in %dD",
			types.ErrInvalidArgument, ranging, rssi, e.MinReadingsFor(dim), dim)
	}
	e.readings = readings
	return nil
}

// InitialPosition returns the initial position, or nil when the linear solver bootstraps it
func (e *Estimator) InitialPosition() types.Point {
	return e.initialPosition
}

// SetInitialPosition sets the starting position of the refinement. Nil restores
// the linear bootstrap.
func (e *Estimator) SetInitialPosition(position types.Point) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if position != nil && position.Dim() != 2 && position.Dim() != 3 {
		return fmt.Errorf("%w: initial position must be 2D or 3D", types.ErrInvalidArgument)
	}
	e.initialPosition = position
	return nil
}

// SetInitialTransmittedPowerDBm sets the starting (or, when not estimated, fixed)
// transmitted power. Nil means it is bootstrapped from the readings.
func (e *Estimator) SetInitialTransmittedPowerDBm(power *float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.initialPower = power
	return nil
}

// SetInitialPathLossExponent sets the starting (or, when not estimated, fixed)
// path-loss exponent. Nil means the configured default.
func (e *Estimator) SetInitialPathLossExponent(exponent *float64) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	if exponent != nil && *exponent <= 0 {
		return fmt.Errorf("%w: path-loss exponent must be > 0", types.ErrInvalidArgument)
	}
	e.initialExponent = exponent
	return nil
}

// SetTransmittedPowerEstimationEnabled chooses whether the transmitted power is estimated
func (e *Estimator) SetTransmittedPowerEstimationEnabled(enabled bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.estimatePower = enabled
	return nil
}

// TransmittedPowerEstimationEnabled reports whether the transmitted power is estimated
func (e *Estimator) TransmittedPowerEstimationEnabled() bool {
	return e.estimatePower
}

// SetPathLossEstimationEnabled chooses whether the path-loss exponent is estimated
func (e *Estimator) SetPathLossEstimationEnabled(enabled bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.estimateExponent = enabled
	return nil
}

// PathLossEstimationEnabled reports whether the path-loss exponent is estimated
func (e *Estimator) PathLossEstimationEnabled() bool {
	return e.estimateExponent
}

// SetPositionCovarianceEnabled chooses whether observer position covariances are honored
func (e *Estimator) SetPositionCovarianceEnabled(enabled bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.linear.UsePositionCovariance = enabled
	e.refiner.UsePositionCovariance = enabled
	return nil
}

// SetHomogeneousLinearSolver selects the homogeneous (true) or inhomogeneous linear bootstrap
func (e *Estimator) SetHomogeneousLinearSolver(homogeneous bool) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.linear.Homogeneous = homogeneous
	return nil
}

// SetListener sets the listener, nil removes it
func (e *Estimator) SetListener(listener Listener) error {
	if err := e.checkLocked(); err != nil {
		return err
	}
	e.listener = listener
	return nil
}

// MinReadingsFor returns the minimum number of readings for the enabled unknowns in dim dimensions
func (e *Estimator) MinReadingsFor(dim int) int {
	n := dim + 1
	if e.estimatePower {
		n++
	}
	if e.estimateExponent {
		n++
	}
	return n
}

// MinReadings returns the minimum number of readings for the current readings'
// dimension (3D is assumed before readings are set)
func (e *Estimator) MinReadings() int {
	return e.MinReadingsFor(e.dimensions())
}

func (e *Estimator) dimensions() int {
	switch {
	case len(e.readings) > 0:
		return e.readings[0].ObserverPosition().Dim()
	case e.initialPosition != nil:
		return e.initialPosition.Dim()
	default:
		return 3
	}
}

// IsReady reports whether the readings support the enabled unknowns
func (e *Estimator) IsReady() bool {
	if len(e.readings) == 0 {
		return false
	}
	return e.sufficient(e.readings, e.dimensions())
}

// sufficient checks the ranging and RSSI requirements independently. Fused
// readings count toward both.
func (e *Estimator) sufficient(readings []types.Reading, dim int) bool {
	ranging, rssi := countKinds(readings)
	scalars := e.MinReadingsFor(dim) - (dim + 1)
	return len(readings) >= e.MinReadingsFor(dim) && ranging >= dim+1 && rssi >= scalars
}

// Result returns the last successful estimate, or nil
func (e *Estimator) Result() *types.Estimate {
	return e.result
}

// EstimatedPosition returns the last estimated position, or nil
func (e *Estimator) EstimatedPosition() types.Point {
	if e.result == nil {
		return nil
	}
	return e.result.Position
}

// EstimatedTransmittedPowerDBm returns the last estimated transmitted power
func (e *Estimator) EstimatedTransmittedPowerDBm() (float64, bool) {
	if e.result == nil || e.result.TransmittedPowerDBm == nil {
		return 0, false
	}
	return *e.result.TransmittedPowerDBm, true
}

// EstimatedPathLossExponent returns the last estimated path-loss exponent
func (e *Estimator) EstimatedPathLossExponent() (float64, bool) {
	if e.result == nil || e.result.PathLossExponent == nil {
		return 0, false
	}
	return *e.result.PathLossExponent, true
}

// Estimate locates the source. On failure the previous result is kept.
func (e *Estimator) Estimate() (*types.Estimate, error) {
	if err := e.checkLocked(); err != nil {
		return nil, err
	}
	if !e.IsReady() {
		return nil, fmt.Errorf("%w: readings missing or insufficient", types.ErrNotReady)
	}

	e.running = true
	defer func() { e.running = false }()

	if e.listener != nil {
		e.listener.OnStart(e)
	}

	sol, err := e.solve(e.readings, nil, true)
	if err != nil {
		e.log.WithError(err).Debug("Estimation failed")
		return nil, err
	}
	e.result = sol.estimate

	e.log.WithFields(logrus.Fields{
		"position":   sol.estimate.Position,
		"power_dbm":  sol.fit.powerDBm,
		"exponent":   sol.fit.exponent,
		"readings":   len(e.readings),
		"iterations": sol.iterations,
	}).Debug("Estimation finished")

	if e.listener != nil {
		e.listener.OnEnd(e)
	}
	return e.result.Clone(), nil
}

// solution is an estimate together with the path-loss parameters used for it,
// including the ones held fixed
type solution struct {
	estimate   *types.Estimate
	fit        pathLossFit
	iterations int
}

// solve runs the bootstrap and refinement pipeline on readings. A non-nil start
// overrides the configured initial values.
func (e *Estimator) solve(readings []types.Reading, start *solution, withCovariance bool) (*solution, error) {
	position := e.initialPosition
	fit := pathLossFit{exponent: e.defaultExponent}
	if e.initialExponent != nil {
		fit.exponent = *e.initialExponent
	}
	bootstrapPower := e.initialPower == nil
	bootstrapExponent := e.estimateExponent && e.initialExponent == nil
	if e.initialPower != nil {
		fit.powerDBm = *e.initialPower
	}

	if start != nil {
		position = start.estimate.Position
		fit = start.fit
		// a fixed power that was bootstrapped is recomputed over these readings
		bootstrapPower = !e.estimatePower && e.initialPower == nil
		bootstrapExponent = false
	}

	if dim := readings[0].ObserverPosition().Dim(); position != nil && position.Dim() != dim {
		return nil, fmt.Errorf("%w: initial position is %dD, readings are %dD", types.ErrInvalidArgument, position.Dim(), dim)
	}

	if position == nil {
		p, err := e.linear.Solve(readings)
		if err != nil {
			return nil, err
		}
		position = p
	}

	hasRSSI := false
	for _, r := range readings {
		if r.Kind().HasRSSI() {
			hasRSSI = true
			break
		}
	}
	if hasRSSI && (bootstrapPower || bootstrapExponent) {
		f, err := bootstrapPathLoss(readings, position, fit, bootstrapPower, bootstrapExponent, e.refiner.RSSIStdDev)
		if err == nil && f.exponent <= 0 {
			// a non-physical exponent from noisy readings, keep the default one
			f, err = bootstrapPathLoss(readings, position, fit, bootstrapPower, false, e.refiner.RSSIStdDev)
		}
		if err != nil {
			return nil, err
		}
		fit = f
	}

	out, err := e.refiner.Refine(readings, RefineInput{
		Position:         position,
		PowerDBm:         fit.powerDBm,
		PathLossExponent: fit.exponent,
		EstimatePower:    e.estimatePower,
		EstimateExponent: e.estimateExponent,
	}, withCovariance)
	if err != nil {
		return nil, err
	}

	estimate := &types.Estimate{
		Position:   out.Position,
		Covariance: out.Covariance,
	}
	if e.estimatePower {
		v := out.PowerDBm
		estimate.TransmittedPowerDBm = &v
	}
	if e.estimateExponent {
		v := out.PathLossExponent
		estimate.PathLossExponent = &v
	}

	return &solution{
		estimate:   estimate,
		fit:        pathLossFit{powerDBm: out.PowerDBm, exponent: out.PathLossExponent},
		iterations: out.Iterations,
	}, nil
}

// countKinds counts ranging-capable and RSSI-capable readings
func countKinds(readings []types.Reading) (ranging, rssi int) {
	for _, r := range readings {
		k := r.Kind()
		if k.HasDistance() {
			ranging++
		}
		if k.HasRSSI() {
			rssi++
		}
	}
	return ranging, rssi
}

func validateReadings(readings []types.Reading) error {
	if len(readings) == 0 {
		return fmt.Errorf("%w: no readings", types.ErrInvalidArgument)
	}
	if readings[0] == nil {
		return fmt.Errorf("%w: reading 0 is nil", types.ErrInvalidArgument)
	}
	source := readings[0].RadioSource().ID
	dim := readings[0].ObserverPosition().Dim()
	for i, r := range readings {
		if r == nil {
			return fmt.Errorf("%w: reading %d is nil", types.ErrInvalidArgument, i)
		}
		if err := r.Validate(); err != nil {
			return fmt.Errorf("reading %d: %w", i, err)
		}
		if id := r.RadioSource().ID; id != source {
			return fmt.Errorf("%w: reading %d belongs to source %q, expected %q", types.ErrInvalidArgument, i, id, source)
		}
		if d := r.ObserverPosition().Dim(); d != dim {
			return fmt.Errorf("%w: reading %d is %dD, expected %dD", types.ErrInvalidArgument, i, d, dim)
		}
	}
	return nil
}
