package triangulation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/denysvitali/whereis/internal/types"
)

const (
	initialDamping = 1e-3
	minDamping     = 1e-15
	maxDamping     = 1e16
)

// paramLayout maps the active unknowns onto the refined parameter vector
// [position(dim), power?, exponent?]. Inactive scalars have index -1.
type paramLayout struct {
	dim      int
	power    int
	exponent int
	size     int
}

func newParamLayout(dim int, estimatePower, estimateExponent bool) paramLayout {
	l := paramLayout{dim: dim, power: -1, exponent: -1, size: dim}
	if estimatePower {
		l.power = l.size
		l.size++
	}
	if estimateExponent {
		l.exponent = l.size
		l.size++
	}
	return l
}

// scalars returns the number of active scalar unknowns
func (l paramLayout) scalars() int {
	return l.size - l.dim
}

// Refiner fits position, transmitted power and path-loss exponent to a mixed
// set of readings by Levenberg-Marquardt on the 1/σ weighted residuals.
type Refiner struct {
	DistanceStdDev        float64
	RSSIStdDev            float64
	UsePositionCovariance bool
	MaxIterations         int
	Tolerance             float64

	// scratch reused across runs
	cov *mat.SymDense
}

// RefineInput is the starting point of a refinement
type RefineInput struct {
	Position         types.Point
	PowerDBm         float64
	PathLossExponent float64
	EstimatePower    bool
	EstimateExponent bool
}

// RefineOutput is a converged refinement
type RefineOutput struct {
	Position         types.Point
	PowerDBm         float64
	PathLossExponent float64
	Covariance       *mat.SymDense // nil unless requested
	Iterations       int
	Cost             float64
}

// Refine runs the iteration from in. The covariance is computed when withCovariance is set.
func (r *Refiner) Refine(readings []types.Reading, in RefineInput, withCovariance bool) (*RefineOutput, error) {
	dim := in.Position.Dim()
	layout := newParamLayout(dim, in.EstimatePower, in.EstimateExponent)

	if need := dim + 1 + layout.scalars(); len(readings) < need {
		return nil, fmt.Errorf("%w: got %d readings, need at least %d", types.ErrNotReady, len(readings), need)
	}

	rows := 0
	for _, reading := range readings {
		k := reading.Kind()
		if k.HasDistance() {
			rows++
		}
		if k.HasRSSI() {
			rows++
		}
	}
	if rows < layout.size {
		return nil, fmt.Errorf("%w: %d residuals for %d unknowns", types.ErrNotReady, rows, layout.size)
	}

	fixed := pathLossFit{powerDBm: in.PowerDBm, exponent: in.PathLossExponent}
	x := make([]float64, layout.size)
	copy(x, in.Position)
	if layout.power >= 0 {
		x[layout.power] = in.PowerDBm
	}
	if layout.exponent >= 0 {
		x[layout.exponent] = in.PathLossExponent
	}

	res := make([]float64, rows)
	trialRes := make([]float64, rows)
	jac := mat.NewDense(rows, layout.size, nil)

	r.evaluate(readings, layout, fixed, x, res, jac)
	cost := floats.Dot(res, res)
	if !isFinite(cost) {
		return nil, fmt.Errorf("%w: non-finite cost at the initial guess", types.ErrNumerical)
	}

	var (
		normal  mat.SymDense
		damped  = mat.NewSymDense(layout.size, nil)
		grad    = mat.NewVecDense(layout.size, nil)
		step    = mat.NewVecDense(layout.size, nil)
		trial   = make([]float64, layout.size)
		chol    mat.Cholesky
		lambda  = initialDamping
		iter    int
		done    bool
		maxIter = r.MaxIterations
	)
	if maxIter <= 0 {
		maxIter = 100
	}

	for iter = 0; iter < maxIter; iter++ {
		normal.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(rows, res))
		if mat.Norm(grad, math.Inf(1)) <= r.Tolerance {
			done = true
			break
		}

		accepted := false
		var trialCost float64
		for lambda <= maxDamping {
			damped.CopySym(&normal)
			for i := 0; i < layout.size; i++ {
				d := normal.At(i, i)
				damped.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
			}
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(step, grad); err != nil {
				lambda *= 10
				continue
			}

			floats.AddTo(trial, x, step.RawVector().Data)
			r.evaluate(readings, layout, fixed, trial, trialRes, nil)
			trialCost = floats.Dot(trialRes, trialRes)
			if isFinite(trialCost) && trialCost <= cost {
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted {
			// no descent direction left: local optimum
			done = true
			break
		}

		copy(x, trial)
		lambda = math.Max(lambda/10, minDamping)
		improvement := cost - trialCost
		cost = trialCost
		r.evaluate(readings, layout, fixed, x, res, jac)

		if floats.Norm(step.RawVector().Data, 2) <= r.Tolerance*(floats.Norm(x, 2)+r.Tolerance) ||
			improvement <= r.Tolerance*cost {
			iter++
			done = true
			break
		}
	}
	if !done {
		return nil, fmt.Errorf("%w: no convergence after %d iterations (cost %g)", types.ErrNumerical, maxIter, cost)
	}

	for _, v := range x {
		if !isFinite(v) {
			return nil, fmt.Errorf("%w: refinement diverged", types.ErrNumerical)
		}
	}

	// the normal matrix must be invertible at the solution for the estimate to be defined
	normal.SymOuterK(1, jac.T())
	if !chol.Factorize(&normal) {
		return nil, fmt.Errorf("%w: normal equations are singular", types.ErrNumerical)
	}

	out := &RefineOutput{
		Position:         types.Point(append([]float64(nil), x[:dim]...)),
		PowerDBm:         in.PowerDBm,
		PathLossExponent: in.PathLossExponent,
		Iterations:       iter,
		Cost:             cost,
	}
	if layout.power >= 0 {
		out.PowerDBm = x[layout.power]
	}
	if layout.exponent >= 0 {
		out.PathLossExponent = x[layout.exponent]
	}

	if withCovariance {
		if r.cov == nil || r.cov.SymmetricDim() != layout.size {
			r.cov = mat.NewSymDense(layout.size, nil)
		}
		if err := chol.InverseTo(r.cov); err != nil {
			return nil, fmt.Errorf("%w: covariance inversion failed: %v", types.ErrNumerical, err)
		}
		out.Covariance = mat.NewSymDense(layout.size, nil)
		out.Covariance.CopySym(r.cov)
	}

	return out, nil
}

// evaluate fills the weighted residuals (measured − model) and, when jac is not
// nil, the weighted Jacobian of the model with respect to the active parameters
func (r *Refiner) evaluate(readings []types.Reading, layout paramLayout, fixed pathLossFit,
	x []float64, res []float64, jac *mat.Dense) {

	position := x[:layout.dim]
	power, exponent := fixed.powerDBm, fixed.exponent
	if layout.power >= 0 {
		power = x[layout.power]
	}
	if layout.exponent >= 0 {
		exponent = x[layout.exponent]
	}

	row := 0
	for _, reading := range readings {
		switch v := reading.(type) {
		case *types.RangingReading:
			r.distanceRow(row, position, v.Position, v.Distance, v.DistanceStdDev, v.PositionCovariance, layout, res, jac)
			row++
		case *types.RSSIReading:
			k := v.Source.PathLossConstant()
			r.rssiRow(row, position, v.Position, v.RSSI, v.RSSIStdDev, k, power, exponent, v.PositionCovariance, layout, res, jac)
			row++
		case *types.RangingAndRSSIReading:
			r.distanceRow(row, position, v.Position, v.Distance, v.DistanceStdDev, v.PositionCovariance, layout, res, jac)
			row++
			k := v.Source.PathLossConstant()
			r.rssiRow(row, position, v.Position, v.RSSI, v.RSSIStdDev, k, power, exponent, v.PositionCovariance, layout, res, jac)
			row++
		}
	}
}

func (r *Refiner) distanceRow(row int, position, observer []float64, measured, std float64,
	cov *mat.SymDense, layout paramLayout, res []float64, jac *mat.Dense) {

	var grad [3]float64
	d := floats.Distance(position, observer, 2)
	if d > 0 {
		for j := 0; j < layout.dim; j++ {
			grad[j] = (position[j] - observer[j]) / d
		}
	}

	if std <= 0 {
		std = r.DistanceStdDev
	}
	sw := r.weight(std, grad[:layout.dim], cov)
	res[row] = (measured - d) * sw

	if jac == nil {
		return
	}
	for j := 0; j < layout.size; j++ {
		jac.Set(row, j, 0)
	}
	for j := 0; j < layout.dim; j++ {
		jac.Set(row, j, grad[j]*sw)
	}
}

func (r *Refiner) rssiRow(row int, position, observer []float64, measured, std, k, power, exponent float64,
	cov *mat.SymDense, layout paramLayout, res []float64, jac *mat.Dense) {

	d := math.Max(floats.Distance(position, observer, 2), minModelDistance)
	predicted := ExpectedRSSI(power, exponent, k, d)

	// ∂RSSI/∂p = −10n/ln(10) · (p − x)/d²
	var grad [3]float64
	scale := -10 * exponent / (math.Ln10 * d * d)
	for j := 0; j < layout.dim; j++ {
		grad[j] = scale * (position[j] - observer[j])
	}

	if std <= 0 {
		std = r.RSSIStdDev
	}
	sw := r.weight(std, grad[:layout.dim], cov)
	res[row] = (measured - predicted) * sw

	if jac == nil {
		return
	}
	for j := 0; j < layout.size; j++ {
		jac.Set(row, j, 0)
	}
	for j := 0; j < layout.dim; j++ {
		jac.Set(row, j, grad[j]*sw)
	}
	if layout.power >= 0 {
		jac.Set(row, layout.power, sw)
	}
	if layout.exponent >= 0 {
		jac.Set(row, layout.exponent, -10*math.Log10(d/k)*sw)
	}
}

// weight returns 1/σ for a residual. When observer covariances are honored the
// variance is inflated by gᵀΣg, g being the model gradient with respect to the
// observer position (the negated gradient with respect to the source).
func (r *Refiner) weight(std float64, grad []float64, cov *mat.SymDense) float64 {
	variance := std * std
	if r.UsePositionCovariance && cov != nil {
		g := mat.NewVecDense(len(grad), append([]float64(nil), grad...))
		variance += mat.Inner(g, cov, g)
	}
	if variance <= 0 {
		return 1
	}
	return 1 / math.Sqrt(variance)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
