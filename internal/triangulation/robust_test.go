package triangulation_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denysvitali/whereis/internal/simulate"
	"github.com/denysvitali/whereis/internal/triangulation"
	"github.com/denysvitali/whereis/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newRobustEstimator(t *testing.T) *triangulation.RobustEstimator {
	t.Helper()
	cfg := types.DefaultConfig()
	e, err := triangulation.NewRobustEstimator(cfg.Estimator, cfg.Robust, quietLogger())
	require.NoError(t, err)
	return e
}

func TestRobustEstimatorOutliers(t *testing.T) {
	cfg := types.DefaultConfig().Simulation
	rng := rand.New(rand.NewSource(cfg.Seed))

	valid := 0
	for trial := 0; trial < 10; trial++ {
		scenario, err := simulate.Generate(cfg, rng)
		require.NoError(t, err)

		e := newRobustEstimator(t)
		require.NoError(t, e.SetReadings(scenario.Readings))
		require.NoError(t, e.SetQualityScores(scenario.QualityScores))
		require.True(t, e.IsReady())

		estimate, err := e.Estimate()
		if err != nil {
			continue
		}
		if estimate.Position.Distance(scenario.Position) <= 0.5 {
			valid++
		}

		inliers := e.Inliers()
		require.NotNil(t, inliers)
		assert.GreaterOrEqual(t, inliers.NumInliers, len(scenario.Readings)-scenario.NumOutliers())
		for i, outlier := range scenario.Outliers {
			if !outlier {
				assert.True(t, inliers.Mask.Test(uint(i)), "trial %d reading %d", trial, i)
			}
		}
	}
	assert.Greater(t, valid, 0)
	assert.GreaterOrEqual(t, valid, 8)
}

func TestRobustEstimatorNoiseFree(t *testing.T) {
	cfg := types.DefaultConfig().Simulation
	cfg.OutlierRatio = 0
	scenario, err := simulate.Generate(cfg, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	e := newRobustEstimator(t)
	require.NoError(t, e.SetReadings(scenario.Readings))

	// uniform scores until set
	require.Len(t, e.QualityScores(), len(scenario.Readings))

	estimate, err := e.Estimate()
	require.NoError(t, err)
	assert.True(t, e.Refined())
	assert.InDeltaSlice(t, scenario.Position, estimate.Position, 1e-6)
	require.NotNil(t, estimate.TransmittedPowerDBm)
	assert.InDelta(t, scenario.PowerDBm, *estimate.TransmittedPowerDBm, 1e-6)
	assert.NotNil(t, estimate.Covariance)
	assert.Equal(t, len(scenario.Readings), e.Inliers().NumInliers)
	assert.Equal(t, estimate.Position, e.Result().Position)
}

func TestRobustEstimatorRepeatable(t *testing.T) {
	scenario, err := simulate.Generate(types.DefaultConfig().Simulation, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	e := newRobustEstimator(t)
	require.NoError(t, e.SetReadings(scenario.Readings))
	require.NoError(t, e.SetQualityScores(scenario.QualityScores))

	first, err := e.Estimate()
	require.NoError(t, err)
	second, err := e.Estimate()
	require.NoError(t, err)
	assert.Equal(t, first.Position, second.Position)
	assert.Equal(t, *first.TransmittedPowerDBm, *second.TransmittedPowerDBm)
}

func TestRobustEstimatorLocked(t *testing.T) {
	scenario, err := simulate.Generate(types.DefaultConfig().Simulation, rand.New(rand.NewSource(10)))
	require.NoError(t, err)

	e := newRobustEstimator(t)
	require.NoError(t, e.SetReadings(scenario.Readings))
	require.NoError(t, e.SetQualityScores(scenario.QualityScores))

	var started, ended, progressed bool
	require.NoError(t, e.SetListener(triangulation.RobustListenerFuncs{
		Start: func(r *triangulation.RobustEstimator) {
			started = true
			assert.True(t, r.IsLocked())
			_, err := r.Estimate()
			assert.ErrorIs(t, err, types.ErrLocked)
			assert.ErrorIs(t, r.SetReadings(scenario.Readings), types.ErrLocked)
			assert.ErrorIs(t, r.SetQualityScores(scenario.QualityScores), types.ErrLocked)
			assert.ErrorIs(t, r.SetThreshold(1), types.ErrLocked)
			assert.ErrorIs(t, r.SetPathLossEstimationEnabled(true), types.ErrLocked)
			assert.ErrorIs(t, r.SetListener(nil), types.ErrLocked)
		},
		End: func(r *triangulation.RobustEstimator) {
			ended = true
			assert.True(t, r.IsLocked())
		},
		ProgressChanged: func(_ *triangulation.RobustEstimator, progress float64) {
			progressed = true
			assert.True(t, progress > 0 && progress <= 1)
		},
	}))

	_, err = e.Estimate()
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, ended)
	assert.True(t, progressed)
	assert.False(t, e.IsLocked())
}

func TestRobustEstimatorNotReady(t *testing.T) {
	e := newRobustEstimator(t)
	_, err := e.Estimate()
	assert.ErrorIs(t, err, types.ErrNotReady)
	assert.Nil(t, e.Result())
	assert.Nil(t, e.Inliers())

	scenario, err := simulate.Generate(types.DefaultConfig().Simulation, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	require.NoError(t, e.SetReadings(scenario.Readings))
	assert.ErrorIs(t, e.SetQualityScores([]float64{1, 2}), types.ErrInvalidArgument)
}

func TestRobustEstimatorCancelled(t *testing.T) {
	scenario, err := simulate.Generate(types.DefaultConfig().Simulation, rand.New(rand.NewSource(12)))
	require.NoError(t, err)

	e := newRobustEstimator(t)
	require.NoError(t, e.SetReadings(scenario.Readings))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.EstimateContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, e.Result())
	assert.False(t, e.IsLocked())
}

func TestRobustEstimatorScoresBeforeReadings(t *testing.T) {
	scenario, err := simulate.Generate(types.DefaultConfig().Simulation, rand.New(rand.NewSource(13)))
	require.NoError(t, err)

	e := newRobustEstimator(t)
	require.NoError(t, e.SetQualityScores([]float64{9, 8, 7}))

	// the count disagrees with the scores already set
	assert.ErrorIs(t, e.SetReadings(scenario.Readings), types.ErrInvalidArgument)
	assert.Equal(t, []float64{9, 8, 7}, e.QualityScores())
	assert.Empty(t, e.Readings())
	assert.False(t, e.IsReady())

	require.NoError(t, e.SetQualityScores(scenario.QualityScores))
	require.NoError(t, e.SetReadings(scenario.Readings))
	assert.Equal(t, scenario.QualityScores, e.QualityScores())
	assert.True(t, e.IsReady())

	// resetting the scores lets the readings change size again
	require.NoError(t, e.SetQualityScores(nil))
	require.NoError(t, e.SetReadings(scenario.Readings[:20]))
	scores := e.QualityScores()
	require.Len(t, scores, 20)
	for _, q := range scores {
		assert.Equal(t, 1.0, q)
	}

	_, err = e.Estimate()
	require.NoError(t, err)
}
