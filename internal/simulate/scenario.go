// Package simulate generates synthetic localization scenarios and measures
// how well the estimators recover them.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/denysvitali/whereis/internal/triangulation"
	"github.com/denysvitali/whereis/internal/types"
)

// Scenario is a synthetic source together with the readings observed from it
type Scenario struct {
	Source           types.Source
	Position         types.Point
	PowerDBm         float64
	PathLossExponent float64
	Readings         []types.Reading
	QualityScores    []float64
	Outliers         []bool
}

// NumOutliers returns the number of perturbed readings
func (s *Scenario) NumOutliers() int {
	n := 0
	for _, o := range s.Outliers {
		if o {
			n++
		}
	}
	return n
}

// Generate draws a scenario: observers uniformly placed within Extent of the
// source on every axis, noise-free fused readings, and a fraction of them
// perturbed by Gaussian noise of OutlierStdDev. Inliers get a quality score of
// 1 and outliers 1/(1+|perturbation|).
func Generate(cfg types.SimulationConfig, rng *rand.Rand) (*Scenario, error) {
	if cfg.Dimensions != 2 && cfg.Dimensions != 3 {
		return nil, fmt.Errorf("%w: dimensions must be 2 or 3, got %d", types.ErrInvalidArgument, cfg.Dimensions)
	}
	if cfg.Readings < 1 {
		return nil, fmt.Errorf("%w: readings must be >= 1, got %d", types.ErrInvalidArgument, cfg.Readings)
	}
	if !(cfg.Extent > 0) || !(cfg.FrequencyHz > 0) || !(cfg.PathLossExponent > 0) {
		return nil, fmt.Errorf("%w: extent, frequency and path-loss exponent must be > 0", types.ErrInvalidArgument)
	}
	if cfg.MaxPowerDBm < cfg.MinPowerDBm {
		return nil, fmt.Errorf("%w: power range [%v, %v] is empty", types.ErrInvalidArgument, cfg.MinPowerDBm, cfg.MaxPowerDBm)
	}
	if cfg.OutlierRatio < 0 || cfg.OutlierRatio > 1 {
		return nil, fmt.Errorf("%w: outlier ratio must be in [0, 1], got %v", types.ErrInvalidArgument, cfg.OutlierRatio)
	}

	s := &Scenario{
		Source:           types.Source{ID: "simulated", FrequencyHz: cfg.FrequencyHz},
		Position:         make(types.Point, cfg.Dimensions),
		PowerDBm:         uniform(rng, cfg.MinPowerDBm, cfg.MaxPowerDBm),
		PathLossExponent: cfg.PathLossExponent,
		Readings:         make([]types.Reading, cfg.Readings),
		QualityScores:    make([]float64, cfg.Readings),
		Outliers:         make([]bool, cfg.Readings),
	}
	for i := range s.Position {
		s.Position[i] = uniform(rng, -cfg.Extent, cfg.Extent)
	}

	numOutliers := int(math.Round(cfg.OutlierRatio * float64(cfg.Readings)))
	for _, i := range rng.Perm(cfg.Readings)[:numOutliers] {
		s.Outliers[i] = true
	}

	k := s.Source.PathLossConstant()
	for i := range s.Readings {
		observer := make(types.Point, cfg.Dimensions)
		for j := range observer {
			observer[j] = s.Position[j] + uniform(rng, -cfg.Extent, cfg.Extent)
		}
		distance := s.Position.Distance(observer)
		rssi := triangulation.ExpectedRSSI(s.PowerDBm, s.PathLossExponent, k, distance)

		s.QualityScores[i] = 1
		if s.Outliers[i] {
			e := rng.NormFloat64() * cfg.OutlierStdDev
			distance = math.Max(0, distance+e)
			rssi += e
			s.QualityScores[i] = 1 / (1 + math.Abs(e))
		}

		s.Readings[i] = &types.RangingAndRSSIReading{
			Source:   s.Source,
			Position: observer,
			Distance: distance,
			RSSI:     rssi,
		}
	}
	return s, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
