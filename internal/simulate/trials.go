package simulate

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"github.com/denysvitali/whereis/internal/triangulation"
	"github.com/denysvitali/whereis/internal/types"
)

// Report summarizes repeated trials
type Report struct {
	Trials        int     `json:"trials"`
	Valid         int     `json:"valid"`  // position error within tolerance
	Failed        int     `json:"failed"` // estimation returned an error
	Robust        bool    `json:"robust"`
	MeanError     float64 `json:"mean_error"`
	MedianError   float64 `json:"median_error"`
	P95Error      float64 `json:"p95_error"`
	MaxError      float64 `json:"max_error"`
	MeanPowerBias float64 `json:"mean_power_bias_db"`
	MeanInliers   float64 `json:"mean_inliers,omitempty"`
}

// Runner runs trials against generated scenarios
type Runner struct {
	Config *types.Config
	log    *logrus.Logger
}

// NewRunner creates a trial runner
func NewRunner(cfg *types.Config, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{Config: cfg, log: logger}
}

// Run executes Simulation.Trials trials, using the robust estimator when
// Robust.Enabled is set. Trials stop early when ctx is done.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	sim := r.Config.Simulation
	if sim.Trials < 1 {
		return nil, fmt.Errorf("%w: trials must be >= 1, got %d", types.ErrInvalidArgument, sim.Trials)
	}
	rng := rand.New(rand.NewSource(sim.Seed))

	report := &Report{Robust: r.Config.Robust.Enabled}
	var positionErrors, powerBias, inliers []float64

	for trial := 0; trial < sim.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scenario, err := Generate(sim, rng)
		if err != nil {
			return nil, err
		}
		report.Trials++

		estimate, numInliers, err := r.estimate(ctx, scenario)
		if err != nil {
			report.Failed++
			r.log.WithError(err).WithField("trial", trial).Debug("Trial failed")
			continue
		}

		positionError := estimate.Position.Distance(scenario.Position)
		positionErrors = append(positionErrors, positionError)
		if positionError <= sim.Tolerance {
			report.Valid++
		}
		if estimate.TransmittedPowerDBm != nil {
			powerBias = append(powerBias, *estimate.TransmittedPowerDBm-scenario.PowerDBm)
		}
		if numInliers >= 0 {
			inliers = append(inliers, float64(numInliers))
		}

		r.log.WithFields(logrus.Fields{
			"trial":    trial,
			"error":    positionError,
			"outliers": scenario.NumOutliers(),
		}).Debug("Trial finished")
	}

	if len(positionErrors) > 0 {
		report.MeanError, _ = stats.Mean(positionErrors)
		report.MedianError, _ = stats.Median(positionErrors)
		report.P95Error, _ = stats.Percentile(positionErrors, 95)
		report.MaxError, _ = stats.Max(positionErrors)
	}
	if len(powerBias) > 0 {
		report.MeanPowerBias, _ = stats.Mean(powerBias)
	}
	if len(inliers) > 0 {
		report.MeanInliers, _ = stats.Mean(inliers)
	}
	return report, nil
}

// estimate runs one trial. The inlier count is -1 for non-robust runs.
func (r *Runner) estimate(ctx context.Context, scenario *Scenario) (*types.Estimate, int, error) {
	if !r.Config.Robust.Enabled {
		e := triangulation.NewEstimator(r.Config.Estimator, r.log)
		if err := e.SetReadings(scenario.Readings); err != nil {
			return nil, -1, err
		}
		estimate, err := e.Estimate()
		return estimate, -1, err
	}

	e, err := triangulation.NewRobustEstimator(r.Config.Estimator, r.Config.Robust, r.log)
	if err != nil {
		return nil, 0, err
	}
	if err := e.SetReadings(scenario.Readings); err != nil {
		return nil, 0, err
	}
	if err := e.SetQualityScores(scenario.QualityScores); err != nil {
		return nil, 0, err
	}
	estimate, err := e.EstimateContext(ctx)
	if err != nil {
		return nil, 0, err
	}
	numInliers := 0
	if inliers := e.Inliers(); inliers != nil {
		numInliers = inliers.NumInliers
	}
	return estimate, numInliers, nil
}
