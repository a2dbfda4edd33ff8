package types

import "time"

// Config represents the application configuration
type Config struct {
	Estimator  EstimatorConfig  `mapstructure:"estimator"`
	Robust     RobustConfig     `mapstructure:"robust"`
	Survey     SurveyConfig     `mapstructure:"survey"`
	Simulation SimulationConfig `mapstructure:"simulation"`
}

// EstimatorConfig configures the mixed ranging/RSSI estimator
type EstimatorConfig struct {
	EstimateTransmittedPower bool    `mapstructure:"estimate_transmitted_power"`
	EstimatePathLossExponent bool    `mapstructure:"estimate_path_loss_exponent"`
	PathLossExponent         float64 `mapstructure:"path_loss_exponent"` // starting/fixed value when not supplied
	UsePositionCovariance    bool    `mapstructure:"use_position_covariance"`
	HomogeneousLinearSolver  bool    `mapstructure:"homogeneous_linear_solver"`
	DistanceStdDev           float64 `mapstructure:"distance_std_dev"` // fallback when a reading carries none
	RSSIStdDev               float64 `mapstructure:"rssi_std_dev"`     // fallback when a reading carries none
	MaxIterations            int     `mapstructure:"max_iterations"`
	Tolerance                float64 `mapstructure:"tolerance"`
}

// RobustConfig configures the PROSAC outlier rejection
type RobustConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Threshold      float64       `mapstructure:"threshold"` // meters
	Confidence     float64       `mapstructure:"confidence"`
	MaxIterations  int           `mapstructure:"max_iterations"`
	ProgressDelta  float64       `mapstructure:"progress_delta"`
	Refine         bool          `mapstructure:"refine"`
	KeepCovariance bool          `mapstructure:"keep_covariance"`
	KeepInliers    bool          `mapstructure:"keep_inliers"`
	KeepResiduals  bool          `mapstructure:"keep_residuals"`
	Seed           int64         `mapstructure:"seed"`
	Timeout        time.Duration `mapstructure:"timeout"` // 0 disables
}

// SurveyConfig configures how survey files are interpreted
type SurveyConfig struct {
	FrequencyHz float64 `mapstructure:"frequency_hz"` // used when a feature has none
	MinRSSI     float64 `mapstructure:"min_rssi"`     // readings weaker than this are dropped
}

// SimulationConfig configures synthetic scenarios
type SimulationConfig struct {
	Dimensions       int     `mapstructure:"dimensions"`
	Readings         int     `mapstructure:"readings"`
	Extent           float64 `mapstructure:"extent"`
	FrequencyHz      float64 `mapstructure:"frequency_hz"`
	PathLossExponent float64 `mapstructure:"path_loss_exponent"`
	MinPowerDBm      float64 `mapstructure:"min_power_dbm"`
	MaxPowerDBm      float64 `mapstructure:"max_power_dbm"`
	OutlierRatio     float64 `mapstructure:"outlier_ratio"`
	OutlierStdDev    float64 `mapstructure:"outlier_std_dev"`
	Trials           int     `mapstructure:"trials"`
	Tolerance        float64 `mapstructure:"tolerance"` // position error counted as a valid trial
	Seed             int64   `mapstructure:"seed"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Estimator: EstimatorConfig{
			EstimateTransmittedPower: true,
			EstimatePathLossExponent: false,
			PathLossExponent:         2.0, // free space
			UsePositionCovariance:    false,
			HomogeneousLinearSolver:  false,
			DistanceStdDev:           1e-3,
			RSSIStdDev:               1e-3,
			MaxIterations:            100,
			Tolerance:                1e-12,
		},
		Robust: RobustConfig{
			Enabled:        true,
			Threshold:      0.1,
			Confidence:     0.99,
			MaxIterations:  5000,
			ProgressDelta:  0.05,
			Refine:         true,
			KeepCovariance: true,
			KeepInliers:    true,
			KeepResiduals:  true,
			Seed:           0,
			Timeout:        0,
		},
		Survey: SurveyConfig{
			FrequencyHz: 2.4e9,
			MinRSSI:     -100,
		},
		Simulation: SimulationConfig{
			Dimensions:       3,
			Readings:         50,
			Extent:           50,
			FrequencyHz:      2.4e9,
			PathLossExponent: 2.0,
			MinPowerDBm:      -100,
			MaxPowerDBm:      -50,
			OutlierRatio:     0.2,
			OutlierStdDev:    10,
			Trials:           20,
			Tolerance:        0.5,
			Seed:             1,
		},
	}
}
