package triangulation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/denysvitali/whereis/internal/types"
)

func TestLinearSolverExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, dim := range []int{2, 3} {
		for _, homogeneous := range []bool{false, true} {
			for _, count := range []int{dim + 1, 10, 50} {
				position := uniformPoint(rng, make(types.Point, dim), 50)
				readings := rangingReadings(rng, position, count)

				solver := LinearSolver{Homogeneous: homogeneous}
				got, err := solver.Solve(readings)
				require.NoError(t, err, "dim=%d homogeneous=%t count=%d", dim, homogeneous, count)
				assert.InDeltaSlice(t, position, got, 1e-6, "dim=%d homogeneous=%t count=%d", dim, homogeneous, count)
			}
		}
	}
}

func TestLinearSolverModesAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	position := types.Point{10, -20, 5}
	readings := fusedReadings(rng, position, -50, 2, 30)

	a, err := (&LinearSolver{Homogeneous: true}).Solve(readings)
	require.NoError(t, err)
	b, err := (&LinearSolver{Homogeneous: false}).Solve(readings)
	require.NoError(t, err)
	assert.InDeltaSlice(t, a, b, 1e-6)
}

func TestLinearSolverIgnoresRSSIOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	position := types.Point{1, 2}
	readings := append(rangingReadings(rng, position, 3), rssiReadings(rng, position, -40, 2, 5)...)

	got, err := (&LinearSolver{}).Solve(readings)
	require.NoError(t, err)
	assert.InDeltaSlice(t, position, got, 1e-6)

	_, err = (&LinearSolver{}).Solve(rssiReadings(rng, position, -40, 2, 5))
	assert.ErrorIs(t, err, types.ErrInsufficientData)
}

func TestLinearSolverInsufficientData(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for _, homogeneous := range []bool{false, true} {
		_, err := (&LinearSolver{Homogeneous: homogeneous}).Solve(rangingReadings(rng, types.Point{0, 0, 0}, 3))
		assert.ErrorIs(t, err, types.ErrInsufficientData)
	}
}

func TestLinearSolverCollinear(t *testing.T) {
	readings := make([]types.Reading, 4)
	position := types.Point{2, 7}
	for i := range readings {
		observer := types.Point{float64(i) * 10, 0}
		readings[i] = &types.RangingReading{Source: testSource, Position: observer, Distance: position.Distance(observer)}
	}
	for _, homogeneous := range []bool{false, true} {
		_, err := (&LinearSolver{Homogeneous: homogeneous}).Solve(readings)
		assert.ErrorIs(t, err, types.ErrNumerical, "homogeneous=%t", homogeneous)
	}
}

func TestLinearSolverPositionCovariance(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	position := types.Point{4, 4, 4}
	readings := rangingReadings(rng, position, 10)
	for _, r := range readings {
		r.(*types.RangingReading).PositionCovariance = mat.NewSymDense(3, []float64{0.5, 0, 0, 0, 0.5, 0, 0, 0, 0.5})
	}

	// noise-free readings stay exact whatever the weights
	got, err := (&LinearSolver{UsePositionCovariance: true, DistanceStdDev: 1}).Solve(readings)
	require.NoError(t, err)
	assert.InDeltaSlice(t, position, got, 1e-6)
}
