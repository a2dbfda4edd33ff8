package triangulation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/denysvitali/whereis/internal/types"
)

const (
	// rankTolerance is the relative singular value below which a linear
	// system is considered rank deficient
	rankTolerance = 1e-12
	// maxCondition bounds the condition number accepted by the inhomogeneous solver
	maxCondition = 1e12
)

// LinearSolver computes a closed-form source position from ranging readings.
//
// Each reading gives ‖p − xᵢ‖² = dᵢ², i.e. ‖p‖² − 2xᵢᵀp + ‖xᵢ‖² − dᵢ² = 0,
// which is linear in p once the ‖p‖² term is handled. The homogeneous mode keeps
// it as an extra unknown of a homogeneous system solved by SVD; the inhomogeneous
// mode eliminates it by differencing against a reference reading.
type LinearSolver struct {
	Homogeneous           bool
	UsePositionCovariance bool
	DistanceStdDev        float64 // fallback when a reading carries none
}

type rangingRow struct {
	position types.Point
	distance float64
	variance float64
}

// Solve estimates the source position from the ranging-capable readings.
// RSSI-only readings are ignored.
func (s *LinearSolver) Solve(readings []types.Reading) (types.Point, error) {
	rows := s.rangingRows(readings)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no ranging readings", types.ErrInsufficientData)
	}

	dim := rows[0].position.Dim()
	if len(rows) < dim+1 {
		return nil, fmt.Errorf("%w: got %d ranging readings, need at least %d for %dD",
			types.ErrInsufficientData, len(rows), dim+1, dim)
	}

	// work around the centroid of the observers to keep the squared terms small
	centroid := make([]float64, dim)
	for _, r := range rows {
		floats.Add(centroid, r.position)
	}
	floats.Scale(1/float64(len(rows)), centroid)

	centered := make([]rangingRow, len(rows))
	for i, r := range rows {
		p := make(types.Point, dim)
		floats.SubTo(p, r.position, centroid)
		centered[i] = rangingRow{position: p, distance: r.distance, variance: r.variance}
	}

	var (
		position types.Point
		err      error
	)
	if s.Homogeneous {
		position, err = solveHomogeneous(centered, dim)
	} else {
		position, err = solveInhomogeneous(centered, dim)
	}
	if err != nil {
		return nil, err
	}

	floats.Add(position, centroid)
	return position, nil
}

func (s *LinearSolver) rangingRows(readings []types.Reading) []rangingRow {
	rows := make([]rangingRow, 0, len(readings))
	for _, reading := range readings {
		distance, std, ok := types.DistanceOf(reading)
		if !ok {
			continue
		}
		if std <= 0 {
			std = s.DistanceStdDev
		}
		variance := std * std
		if s.UsePositionCovariance && reading.Covariance() != nil {
			variance += maxEigenvalue(reading.Covariance())
		}
		rows = append(rows, rangingRow{
			position: reading.ObserverPosition(),
			distance: distance,
			variance: variance,
		})
	}
	return rows
}

func rowWeight(variance float64) float64 {
	if variance <= 0 {
		return 1
	}
	return 1 / math.Sqrt(variance)
}

// solveHomogeneous solves [1, −2xᵢᵀ, ‖xᵢ‖² − dᵢ²]·[s, P, w]ᵀ = 0 and returns P/w
func solveHomogeneous(rows []rangingRow, dim int) (types.Point, error) {
	cols := dim + 2
	a := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		w := rowWeight(r.variance)
		a.Set(i, 0, w)
		for j := 0; j < dim; j++ {
			a.Set(i, 1+j, -2*r.position[j]*w)
		}
		a.Set(i, cols-1, (floats.Dot(r.position, r.position)-r.distance*r.distance)*w)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil, fmt.Errorf("%w: SVD factorization failed", types.ErrNumerical)
	}
	values := svd.Values(nil)

	// a one dimensional null space requires rank dim+1
	if values[dim] <= rankTolerance*values[0] {
		return nil, fmt.Errorf("%w: homogeneous system is rank deficient", types.ErrNumerical)
	}

	var v mat.Dense
	svd.VTo(&v)
	h := mat.Col(nil, cols-1, &v)

	w := h[cols-1]
	if math.Abs(w) <= rankTolerance*floats.Norm(h, 2) {
		return nil, fmt.Errorf("%w: homogeneous solution lies at infinity", types.ErrNumerical)
	}

	position := make(types.Point, dim)
	for j := 0; j < dim; j++ {
		position[j] = h[1+j] / w
	}
	return position, nil
}

// solveInhomogeneous subtracts the reference (last) equation from the others:
// 2(x_ref − xᵢ)ᵀp = dᵢ² − d_ref² − ‖xᵢ‖² + ‖x_ref‖²
func solveInhomogeneous(rows []rangingRow, dim int) (types.Point, error) {
	ref := rows[len(rows)-1]
	refNormSq := floats.Dot(ref.position, ref.position)
	refDistSq := ref.distance * ref.distance

	n := len(rows) - 1
	a := mat.NewDense(n, dim, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		r := rows[i]
		w := rowWeight(r.variance + ref.variance)
		for j := 0; j < dim; j++ {
			a.Set(i, j, 2*(ref.position[j]-r.position[j])*w)
		}
		rhs := r.distance*r.distance - refDistSq - floats.Dot(r.position, r.position) + refNormSq
		b.SetVec(i, rhs*w)
	}

	if cond := mat.Cond(a, 2); math.IsInf(cond, 1) || cond > maxCondition {
		return nil, fmt.Errorf("%w: inhomogeneous system is ill-conditioned (cond=%g)", types.ErrNumerical, cond)
	}

	var qr mat.QR
	qr.Factorize(a)

	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, fmt.Errorf("%w: least squares solve failed: %v", types.ErrNumerical, err)
	}

	position := make(types.Point, dim)
	for j := 0; j < dim; j++ {
		position[j] = x.AtVec(j)
	}
	return position, nil
}

// maxEigenvalue returns the largest eigenvalue of a covariance, i.e. the
// variance along its direction of maximum uncertainty
func maxEigenvalue(cov mat.Symmetric) float64 {
	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return 0
	}
	return math.Max(0, floats.Max(eig.Values(nil)))
}
