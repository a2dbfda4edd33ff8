// Package survey loads radio survey readings from GeoJSON and converts
// estimates back to geodetic locations.
//
// A survey is a FeatureCollection of Point features, one per observation.
// Recognized properties:
//
//	source        source identifier, the same for every feature
//	frequency_hz  carrier frequency, defaults to the configured one
//	distance      measured distance in meters
//	distance_std  distance standard deviation in meters
//	rssi          received power in dBm
//	rssi_std      RSSI standard deviation in dB
//	quality       sampling priority for robust estimation, higher first
//	altitude      observer altitude in meters; when every feature has one the survey is 3D
//	position_std  observer position standard deviation in meters
//	truth         marks the known source location instead of an observation
package survey

import (
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/denysvitali/whereis/internal/types"
)

// Survey holds the readings of a single source in local coordinates
type Survey struct {
	Source        types.Source
	Readings      []types.Reading
	QualityScores []float64
	Projection    Projection
	Dimensions    int
	Truth         *Location // known source location, if the survey carries one
}

// Load reads and parses a survey file
func Load(path string, cfg types.SurveyConfig, logger *logrus.Logger) (*Survey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read survey: %w", err)
	}
	return Parse(data, cfg, logger)
}

type observation struct {
	point    orb.Point
	props    geojson.Properties
	altitude float64
}

// Parse builds a survey from GeoJSON data
func Parse(data []byte, cfg types.SurveyConfig, logger *logrus.Logger) (*Survey, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid GeoJSON: %v", types.ErrInvalidArgument, err)
	}

	var (
		observations []observation
		truth        *observation
		bound        orb.MultiPoint
		all3D        = true
	)
	for i, f := range fc.Features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("%w: feature %d has no geometry", types.ErrInvalidArgument, i)
		}
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("%w: feature %d is a %s, expected a Point",
				types.ErrInvalidArgument, i, f.Geometry.GeoJSONType())
		}
		o := observation{point: pt, props: f.Properties}
		altitude, hasAltitude, err := number(f.Properties, "altitude")
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		o.altitude = altitude

		if isTruth, _ := f.Properties["truth"].(bool); isTruth {
			truth = &o
			continue
		}
		if !hasAltitude {
			all3D = false
		}
		observations = append(observations, o)
		bound = append(bound, pt)
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("%w: survey has no observations", types.ErrInvalidArgument)
	}

	s := &Survey{
		Projection: NewProjection(bound.Bound().Center()),
		Dimensions: 2,
	}
	if all3D {
		s.Dimensions = 3
	}
	if err := s.setSource(observations[0].props, cfg); err != nil {
		return nil, err
	}

	for i, o := range observations {
		reading, quality, err := s.reading(o, cfg)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		if reading == nil {
			logger.WithFields(logrus.Fields{
				"feature":  i,
				"min_rssi": cfg.MinRSSI,
			}).Debug("Dropping observation below minimum RSSI")
			continue
		}
		s.Readings = append(s.Readings, reading)
		s.QualityScores = append(s.QualityScores, quality)
	}
	if len(s.Readings) == 0 {
		return nil, fmt.Errorf("%w: every observation is below the minimum RSSI", types.ErrInsufficientData)
	}

	if truth != nil {
		s.Truth = &Location{
			Latitude:  truth.point.Lat(),
			Longitude: truth.point.Lon(),
		}
		if s.Dimensions == 3 {
			altitude := truth.altitude
			s.Truth.Altitude = &altitude
		}
	}

	logger.WithFields(logrus.Fields{
		"source":     s.Source.ID,
		"readings":   len(s.Readings),
		"dimensions": s.Dimensions,
		"origin":     s.Projection.Origin,
	}).Debug("Loaded survey")

	return s, nil
}

// reading converts one observation. It returns a nil reading when the
// observation carries nothing usable once weak RSSI values are dropped.
func (s *Survey) reading(o observation, cfg types.SurveyConfig) (types.Reading, float64, error) {
	if id, _ := o.props["source"].(string); id != s.Source.ID {
		return nil, 0, fmt.Errorf("%w: source %q, expected %q", types.ErrInvalidArgument, id, s.Source.ID)
	}

	values := map[string]float64{}
	present := map[string]bool{}
	for _, key := range []string{"distance", "distance_std", "rssi", "rssi_std", "quality", "position_std"} {
		v, ok, err := number(o.props, key)
		if err != nil {
			return nil, 0, err
		}
		values[key], present[key] = v, ok
	}

	if present["rssi"] && values["rssi"] < cfg.MinRSSI {
		present["rssi"] = false
	}

	position := s.Projection.ToLocal(o.point, o.altitude, s.Dimensions)
	var cov *mat.SymDense
	if present["position_std"] && values["position_std"] > 0 {
		v := values["position_std"] * values["position_std"]
		cov = mat.NewSymDense(s.Dimensions, nil)
		for i := 0; i < s.Dimensions; i++ {
			cov.SetSym(i, i, v)
		}
	}

	quality := 1.0
	if present["quality"] {
		quality = values["quality"]
	}

	var reading types.Reading
	switch {
	case present["distance"] && present["rssi"]:
		reading = &types.RangingAndRSSIReading{
			Source:             s.Source,
			Position:           position,
			Distance:           values["distance"],
			DistanceStdDev:     values["distance_std"],
			RSSI:               values["rssi"],
			RSSIStdDev:         values["rssi_std"],
			PositionCovariance: cov,
		}
	case present["distance"]:
		reading = &types.RangingReading{
			Source:             s.Source,
			Position:           position,
			Distance:           values["distance"],
			DistanceStdDev:     values["distance_std"],
			PositionCovariance: cov,
		}
	case present["rssi"]:
		reading = &types.RSSIReading{
			Source:             s.Source,
			Position:           position,
			RSSI:               values["rssi"],
			RSSIStdDev:         values["rssi_std"],
			PositionCovariance: cov,
		}
	default:
		if _, ok := o.props["rssi"]; ok {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: observation has neither distance nor rssi", types.ErrInvalidArgument)
	}

	if err := reading.Validate(); err != nil {
		return nil, 0, err
	}
	return reading, quality, nil
}

// setSource takes the source identity from the first observation
func (s *Survey) setSource(props geojson.Properties, cfg types.SurveyConfig) error {
	s.Source.ID, _ = props["source"].(string)
	s.Source.FrequencyHz = cfg.FrequencyHz
	f, ok, err := number(props, "frequency_hz")
	if err != nil {
		return err
	}
	if ok {
		s.Source.FrequencyHz = f
	}
	return nil
}

// number reads a numeric property. JSON numbers decode as float64.
func number(props geojson.Properties, key string) (float64, bool, error) {
	raw, ok := props[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return 0, false, fmt.Errorf("%w: property %q is %T, expected a number", types.ErrInvalidArgument, key, raw)
	}
	return v, true, nil
}

// Locate converts an estimate back to a geodetic location
func (s *Survey) Locate(estimate *types.Estimate) *Location {
	pt, altitude := s.Projection.ToGeodetic(estimate.Position)
	loc := &Location{
		Latitude:  pt.Lat(),
		Longitude: pt.Lon(),
		Readings:  len(s.Readings),
	}
	if s.Dimensions == 3 {
		loc.Altitude = &altitude
	}
	if accuracy := estimate.PositionAccuracy(); !math.IsNaN(accuracy) {
		loc.AccuracyMeters = &accuracy
	}
	loc.TransmittedPowerDBm = estimate.TransmittedPowerDBm
	loc.PathLossExponent = estimate.PathLossExponent
	if s.Truth != nil {
		errorMeters := geo.DistanceHaversine(loc.Point(), s.Truth.Point())
		loc.ErrorMeters = &errorMeters
	}
	return loc
}
