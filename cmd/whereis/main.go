package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/denysvitali/whereis/internal/robust"
	"github.com/denysvitali/whereis/internal/simulate"
	"github.com/denysvitali/whereis/internal/survey"
	"github.com/denysvitali/whereis/internal/triangulation"
	"github.com/denysvitali/whereis/internal/types"
)

var (
	version = "dev"
	cfgFile string
	verbose bool
	debug   bool
	format  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "whereis",
	Short: "Locate a radio source from ranging and RSSI readings",
	Long: `whereis estimates the position of a radio transmitter, together with its
transmitted power and path-loss exponent, from distance and signal strength
readings taken at known positions.

Readings may mix ranging, RSSI and fused ranging+RSSI observations. Outliers
are rejected with PROSAC, a RANSAC variant that samples the readings with the
highest quality scores first.`,
	Version: version,
	Example: `  # Locate the source of a survey
  whereis locate survey.geojson

  # Output as JSON
  whereis locate --format json survey.geojson

  # Compare robust and plain estimation on synthetic data
  whereis simulate --trials 100
  whereis simulate --trials 100 --robust=false`,
}

// locateCmd represents the locate command
var locateCmd = &cobra.Command{
	Use:   "locate [survey.geojson]",
	Short: "Estimate the source location of a GeoJSON survey",
	Long: `Load a survey, a GeoJSON FeatureCollection of Point features with one
observation each, and estimate where the source is.

Each feature carries "distance" (meters), "rssi" (dBm) or both, plus optional
"distance_std", "rssi_std", "quality", "altitude" and "position_std". When
every feature has an altitude the estimation runs in 3D.

RSSI values below min_rssi are dropped before estimation.`,
	Args: cobra.ExactArgs(1),
	RunE: locateRun,
	Example: `  # Robust estimation (default)
  whereis locate survey.geojson

  # Plain estimation, also estimating the path-loss exponent
  whereis locate --robust=false --estimate-path-loss survey.geojson

  # Emit the location as a GeoJSON feature
  whereis locate --format geojson survey.geojson`,
}

// simulateCmd represents the simulate command
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the estimators against synthetic scenarios",
	Long: `Generate random scenarios with a known source, fused readings and a
fraction of Gaussian outliers, estimate each one and summarize the position
errors.`,
	Args: cobra.NoArgs,
	RunE: simulateRun,
	Example: `  # 100 trials with 30% outliers
  whereis simulate --trials 100 --outlier-ratio 0.3

  # 2D scenarios, JSON report
  whereis simulate --dimensions 2 --format json`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/whereis/config.yaml or ~/.config/whereis/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug output")
	rootCmd.PersistentFlags().Bool("robust", true, "reject outliers with PROSAC")
	rootCmd.PersistentFlags().Float64("threshold", 0.1, "inlier threshold in meters")
	rootCmd.PersistentFlags().Bool("estimate-power", true, "estimate the transmitted power")
	rootCmd.PersistentFlags().Bool("estimate-path-loss", false, "estimate the path-loss exponent")
	rootCmd.PersistentFlags().Bool("homogeneous", false, "use the homogeneous linear bootstrap")

	// Locate command flags
	locateCmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, json, geojson)")
	locateCmd.Flags().Float64("min-rssi", -100, "minimum RSSI to keep a reading (dBm)")
	locateCmd.Flags().Float64("frequency", 2.4e9, "carrier frequency when the survey has none (Hz)")
	locateCmd.Flags().Bool("show-readings", false, "show individual readings in output")

	// Simulate command flags
	simulateCmd.Flags().StringVarP(&format, "format", "f", "table", "output format (table, json)")
	simulateCmd.Flags().Int("trials", 20, "number of scenarios")
	simulateCmd.Flags().Int("readings", 50, "readings per scenario")
	simulateCmd.Flags().Int("dimensions", 3, "2 or 3")
	simulateCmd.Flags().Float64("outlier-ratio", 0.2, "fraction of perturbed readings")
	simulateCmd.Flags().Int64("seed", 1, "scenario seed")

	// Bind flags to viper
	bindFlag("robust.enabled", rootCmd.PersistentFlags().Lookup("robust"))
	bindFlag("robust.threshold", rootCmd.PersistentFlags().Lookup("threshold"))
	bindFlag("estimator.estimate_transmitted_power", rootCmd.PersistentFlags().Lookup("estimate-power"))
	bindFlag("estimator.estimate_path_loss_exponent", rootCmd.PersistentFlags().Lookup("estimate-path-loss"))
	bindFlag("estimator.homogeneous_linear_solver", rootCmd.PersistentFlags().Lookup("homogeneous"))
	bindFlag("survey.min_rssi", locateCmd.Flags().Lookup("min-rssi"))
	bindFlag("survey.frequency_hz", locateCmd.Flags().Lookup("frequency"))
	bindFlag("simulation.trials", simulateCmd.Flags().Lookup("trials"))
	bindFlag("simulation.readings", simulateCmd.Flags().Lookup("readings"))
	bindFlag("simulation.dimensions", simulateCmd.Flags().Lookup("dimensions"))
	bindFlag("simulation.outlier_ratio", simulateCmd.Flags().Lookup("outlier-ratio"))
	bindFlag("simulation.seed", simulateCmd.Flags().Lookup("seed"))

	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(simulateCmd)
}

func bindFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", key, err))
	}
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Use XDG Base Directory specification
		configDir := xdg.ConfigHome + "/whereis"

		// Search config in XDG config directory and current directory
		viper.AddConfigPath(configDir)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Environment variables
	viper.SetEnvPrefix("WHERE_IS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults from types.DefaultConfig()
	defaultConfig := types.DefaultConfig()
	viper.SetDefault("estimator.estimate_transmitted_power", defaultConfig.Estimator.EstimateTransmittedPower)
	viper.SetDefault("estimator.estimate_path_loss_exponent", defaultConfig.Estimator.EstimatePathLossExponent)
	viper.SetDefault("estimator.path_loss_exponent", defaultConfig.Estimator.PathLossExponent)
	viper.SetDefault("estimator.use_position_covariance", defaultConfig.Estimator.UsePositionCovariance)
	viper.SetDefault("estimator.homogeneous_linear_solver", defaultConfig.Estimator.HomogeneousLinearSolver)
	viper.SetDefault("estimator.distance_std_dev", defaultConfig.Estimator.DistanceStdDev)
	viper.SetDefault("estimator.rssi_std_dev", defaultConfig.Estimator.RSSIStdDev)
	viper.SetDefault("estimator.max_iterations", defaultConfig.Estimator.MaxIterations)
	viper.SetDefault("estimator.tolerance", defaultConfig.Estimator.Tolerance)
	viper.SetDefault("robust.enabled", defaultConfig.Robust.Enabled)
	viper.SetDefault("robust.threshold", defaultConfig.Robust.Threshold)
	viper.SetDefault("robust.confidence", defaultConfig.Robust.Confidence)
	viper.SetDefault("robust.max_iterations", defaultConfig.Robust.MaxIterations)
	viper.SetDefault("robust.progress_delta", defaultConfig.Robust.ProgressDelta)
	viper.SetDefault("robust.refine", defaultConfig.Robust.Refine)
	viper.SetDefault("robust.keep_covariance", defaultConfig.Robust.KeepCovariance)
	viper.SetDefault("robust.keep_inliers", defaultConfig.Robust.KeepInliers)
	viper.SetDefault("robust.keep_residuals", defaultConfig.Robust.KeepResiduals)
	viper.SetDefault("robust.seed", defaultConfig.Robust.Seed)
	viper.SetDefault("robust.timeout", defaultConfig.Robust.Timeout)
	viper.SetDefault("survey.frequency_hz", defaultConfig.Survey.FrequencyHz)
	viper.SetDefault("survey.min_rssi", defaultConfig.Survey.MinRSSI)
	viper.SetDefault("simulation.dimensions", defaultConfig.Simulation.Dimensions)
	viper.SetDefault("simulation.readings", defaultConfig.Simulation.Readings)
	viper.SetDefault("simulation.extent", defaultConfig.Simulation.Extent)
	viper.SetDefault("simulation.frequency_hz", defaultConfig.Simulation.FrequencyHz)
	viper.SetDefault("simulation.path_loss_exponent", defaultConfig.Simulation.PathLossExponent)
	viper.SetDefault("simulation.min_power_dbm", defaultConfig.Simulation.MinPowerDBm)
	viper.SetDefault("simulation.max_power_dbm", defaultConfig.Simulation.MaxPowerDBm)
	viper.SetDefault("simulation.outlier_ratio", defaultConfig.Simulation.OutlierRatio)
	viper.SetDefault("simulation.outlier_std_dev", defaultConfig.Simulation.OutlierStdDev)
	viper.SetDefault("simulation.trials", defaultConfig.Simulation.Trials)
	viper.SetDefault("simulation.tolerance", defaultConfig.Simulation.Tolerance)
	viper.SetDefault("simulation.seed", defaultConfig.Simulation.Seed)

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func setupLogger() *logrus.Logger {
	logger := logrus.New()

	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else if verbose {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	// Use structured logging for JSON output
	if format == "json" || format == "geojson" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})
	}

	return logger
}

func loadConfig(logger *logrus.Logger) (*types.Config, error) {
	var config types.Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if debug {
		logger.WithField("config", config).Debug("Loaded configuration")
	}
	return &config, nil
}

func locateRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	config, err := loadConfig(logger)
	if err != nil {
		return err
	}

	s, err := survey.Load(args[0], config.Survey, logger)
	if err != nil {
		return fmt.Errorf("failed to load survey: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"readings":   len(s.Readings),
		"dimensions": s.Dimensions,
	}).Info("Loaded survey")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var (
		estimate *types.Estimate
		inliers  *robust.InliersData
	)
	if config.Robust.Enabled {
		estimate, inliers, err = locateRobust(ctx, s, config, logger)
	} else {
		estimate, err = locatePlain(s, config, logger)
	}
	if err != nil {
		return fmt.Errorf("failed to estimate location: %w", err)
	}

	location := s.Locate(estimate)
	if inliers != nil {
		n := inliers.NumInliers
		location.Inliers = &n
	}

	showReadings, _ := cmd.Flags().GetBool("show-readings")
	return outputLocation(s, location, inliers, format, showReadings)
}

func locatePlain(s *survey.Survey, config *types.Config, logger *logrus.Logger) (*types.Estimate, error) {
	estimator := triangulation.NewEstimator(config.Estimator, logger)
	if err := estimator.SetReadings(s.Readings); err != nil {
		return nil, err
	}
	return estimator.Estimate()
}

func locateRobust(ctx context.Context, s *survey.Survey, config *types.Config, logger *logrus.Logger) (*types.Estimate, *robust.InliersData, error) {
	estimator, err := triangulation.NewRobustEstimator(config.Estimator, config.Robust, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := estimator.SetReadings(s.Readings); err != nil {
		return nil, nil, err
	}
	if err := estimator.SetQualityScores(s.QualityScores); err != nil {
		return nil, nil, err
	}
	if err := estimator.SetListener(triangulation.RobustListenerFuncs{
		ProgressChanged: func(_ *triangulation.RobustEstimator, progress float64) {
			logger.WithField("progress", fmt.Sprintf("%.0f%%", progress*100)).Debug("Robust estimation progress")
		},
	}); err != nil {
		return nil, nil, err
	}

	if config.Robust.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Robust.Timeout)
		defer cancel()
	}
	estimate, err := estimator.EstimateContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	return estimate, estimator.Inliers(), nil
}

func outputLocation(s *survey.Survey, location *survey.Location, inliers *robust.InliersData, format string, showReadings bool) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			*survey.Location
			GoogleMapsLink string `json:"google_maps_link"`
		}{location, location.GoogleMapsLink()})

	case "geojson":
		data, err := location.Feature().MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode feature: %w", err)
		}
		fmt.Println(string(data))
		return nil

	default: // table
		return outputLocationTable(s, location, inliers, showReadings)
	}
}

func outputLocationTable(s *survey.Survey, location *survey.Location, inliers *robust.InliersData, showReadings bool) error {
	fmt.Printf("Estimated Location:\n")
	fmt.Printf("  Latitude:     %.6f\n", location.Latitude)
	fmt.Printf("  Longitude:    %.6f\n", location.Longitude)
	if location.Altitude != nil {
		fmt.Printf("  Altitude:     %.1f m\n", *location.Altitude)
	}
	if location.AccuracyMeters != nil {
		fmt.Printf("  Accuracy:     %.2f meters\n", *location.AccuracyMeters)
	}
	if location.TransmittedPowerDBm != nil {
		fmt.Printf("  Tx Power:     %.2f dBm\n", *location.TransmittedPowerDBm)
	}
	if location.PathLossExponent != nil {
		fmt.Printf("  Path Loss n:  %.3f\n", *location.PathLossExponent)
	}
	if location.Inliers != nil {
		fmt.Printf("  Inliers:      %d/%d\n", *location.Inliers, location.Readings)
	} else {
		fmt.Printf("  Readings:     %d\n", location.Readings)
	}
	if location.ErrorMeters != nil {
		fmt.Printf("  Error:        %.2f meters from the known location\n", *location.ErrorMeters)
	}
	fmt.Printf("  Google Maps:  %s\n", location.GoogleMapsLink())

	if !showReadings {
		return nil
	}

	fmt.Printf("\nReadings:\n")
	fmt.Printf("%-5s %-16s %-12s %-10s %-10s %-8s %-10s\n",
		"#", "Kind", "Distance", "RSSI", "Quality", "Inlier", "Residual")
	fmt.Printf("%-5s %-16s %-12s %-10s %-10s %-8s %-10s\n",
		strings.Repeat("-", 5), strings.Repeat("-", 16), strings.Repeat("-", 12),
		strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 8), strings.Repeat("-", 10))

	for i, reading := range s.Readings {
		distStr := "N/A"
		if d, _, ok := types.DistanceOf(reading); ok {
			distStr = fmt.Sprintf("%.2f m", d)
		}
		rssiStr := "N/A"
		if r, _, ok := types.RSSIOf(reading); ok {
			rssiStr = fmt.Sprintf("%.1f dBm", r)
		}
		inlierStr := "N/A"
		residualStr := "N/A"
		if inliers != nil {
			if inliers.Mask != nil {
				inlierStr = fmt.Sprintf("%t", inliers.Mask.Test(uint(i)))
			}
			if inliers.Residuals != nil {
				residualStr = fmt.Sprintf("%.3f", inliers.Residuals[i])
			}
		}
		fmt.Printf("%-5d %-16s %-12s %-10s %-10.3f %-8s %-10s\n",
			i, reading.Kind(), distStr, rssiStr, s.QualityScores[i], inlierStr, residualStr)
	}

	return nil
}

func simulateRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	config, err := loadConfig(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger.WithFields(logrus.Fields{
		"trials":   config.Simulation.Trials,
		"readings": config.Simulation.Readings,
		"robust":   config.Robust.Enabled,
	}).Info("Running simulation")

	report, err := simulate.NewRunner(config, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)

	default: // table
		fmt.Printf("Simulation Report:\n")
		fmt.Printf("  Robust:        %t\n", report.Robust)
		fmt.Printf("  Trials:        %d\n", report.Trials)
		fmt.Printf("  Valid:         %d (error <= %.2f)\n", report.Valid, config.Simulation.Tolerance)
		fmt.Printf("  Failed:        %d\n", report.Failed)
		fmt.Printf("  Mean Error:    %.4f\n", report.MeanError)
		fmt.Printf("  Median Error:  %.4f\n", report.MedianError)
		fmt.Printf("  P95 Error:     %.4f\n", report.P95Error)
		fmt.Printf("  Max Error:     %.4f\n", report.MaxError)
		fmt.Printf("  Power Bias:    %.4f dB\n", report.MeanPowerBias)
		if report.Robust {
			fmt.Printf("  Mean Inliers:  %.1f\n", report.MeanInliers)
		}
		return nil
	}
}
