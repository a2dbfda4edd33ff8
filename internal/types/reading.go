package types

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SpeedOfLight in meters per second
const SpeedOfLight = 299792458.0

// Point is a position in a 2D or 3D local cartesian frame (meters)
type Point []float64

// Dim returns the number of coordinates
func (p Point) Dim() int {
	return len(p)
}

// Distance returns the euclidean distance to q
func (p Point) Distance(q Point) float64 {
	return floats.Distance(p, q, 2)
}

// Clone returns a copy that does not share storage with p
func (p Point) Clone() Point {
	if p == nil {
		return nil
	}
	c := make(Point, len(p))
	copy(c, p)
	return c
}

// Source identifies the emitter being located
type Source struct {
	ID          string  `json:"id"`
	FrequencyHz float64 `json:"frequency_hz"`
}

// PathLossConstant returns k = c/(4πf), the free-space reference distance of the
// log-distance model. It is 0 when the frequency is unknown.
func (s Source) PathLossConstant() float64 {
	if s.FrequencyHz <= 0 {
		return 0
	}
	return SpeedOfLight / (4 * math.Pi * s.FrequencyHz)
}

// ReadingKind tells which measurements a reading carries
type ReadingKind int

const (
	KindRanging ReadingKind = iota
	KindRSSI
	KindRangingAndRSSI
)

func (k ReadingKind) String() string {
	switch k {
	case KindRanging:
		return "ranging"
	case KindRSSI:
		return "rssi"
	case KindRangingAndRSSI:
		return "ranging+rssi"
	default:
		return fmt.Sprintf("ReadingKind(%d)", int(k))
	}
}

// HasDistance reports whether readings of this kind carry a measured distance
func (k ReadingKind) HasDistance() bool {
	return k == KindRanging || k == KindRangingAndRSSI
}

// HasRSSI reports whether readings of this kind carry a received signal strength
func (k ReadingKind) HasRSSI() bool {
	return k == KindRSSI || k == KindRangingAndRSSI
}

// Reading is one observation of a source taken at a known observer position.
// The implementations are RangingReading, RSSIReading and RangingAndRSSIReading.
// Readings are treated as immutable by every estimator.
type Reading interface {
	RadioSource() Source
	ObserverPosition() Point
	// Covariance of the observer position, or nil when unknown.
	Covariance() *mat.SymDense
	Kind() ReadingKind
	Validate() error

	reading()
}

// RangingReading carries a measured distance
type RangingReading struct {
	Source             Source
	Position           Point
	Distance           float64
	DistanceStdDev     float64 // 0 when unknown
	PositionCovariance *mat.SymDense
}

func (r *RangingReading) RadioSource() Source       { return r.Source }
func (r *RangingReading) ObserverPosition() Point   { return r.Position }
func (r *RangingReading) Covariance() *mat.SymDense { return r.PositionCovariance }
func (r *RangingReading) Kind() ReadingKind         { return KindRanging }
func (r *RangingReading) reading()                  {}

// Validate checks the reading invariants
func (r *RangingReading) Validate() error {
	if err := validateDistance(r.Distance, r.DistanceStdDev); err != nil {
		return err
	}
	return validatePosition(r.Position, r.PositionCovariance)
}

// RSSIReading carries a received signal strength in dBm
type RSSIReading struct {
	Source             Source
	Position           Point
	RSSI               float64
	RSSIStdDev         float64 // 0 when unknown
	PositionCovariance *mat.SymDense
}

func (r *RSSIReading) RadioSource() Source       { return r.Source }
func (r *RSSIReading) ObserverPosition() Point   { return r.Position }
func (r *RSSIReading) Covariance() *mat.SymDense { return r.PositionCovariance }
func (r *RSSIReading) Kind() ReadingKind         { return KindRSSI }
func (r *RSSIReading) reading()                  {}

// Validate checks the reading invariants
func (r *RSSIReading) Validate() error {
	if err := validateRSSI(r.RSSI, r.RSSIStdDev, r.Source); err != nil {
		return err
	}
	return validatePosition(r.Position, r.PositionCovariance)
}

// RangingAndRSSIReading carries both a distance and a signal strength
type RangingAndRSSIReading struct {
	Source             Source
	Position           Point
	Distance           float64
	DistanceStdDev     float64
	RSSI               float64
	RSSIStdDev         float64
	PositionCovariance *mat.SymDense
}

func (r *RangingAndRSSIReading) RadioSource() Source       { return r.Source }
func (r *RangingAndRSSIReading) ObserverPosition() Point   { return r.Position }
func (r *RangingAndRSSIReading) Covariance() *mat.SymDense { return r.PositionCovariance }
func (r *RangingAndRSSIReading) Kind() ReadingKind         { return KindRangingAndRSSI }
func (r *RangingAndRSSIReading) reading()                  {}

// Validate checks the reading invariants
func (r *RangingAndRSSIReading) Validate() error {
	if err := validateDistance(r.Distance, r.DistanceStdDev); err != nil {
		return err
	}
	if err := validateRSSI(r.RSSI, r.RSSIStdDev, r.Source); err != nil {
		return err
	}
	return validatePosition(r.Position, r.PositionCovariance)
}

// DistanceOf returns the measured distance and its standard deviation, if any
func DistanceOf(r Reading) (distance, stdDev float64, ok bool) {
	switch v := r.(type) {
	case *RangingReading:
		return v.Distance, v.DistanceStdDev, true
	case *RangingAndRSSIReading:
		return v.Distance, v.DistanceStdDev, true
	case *RSSIReading:
		return 0, 0, false
	default:
		return 0, 0, false
	}
}

// RSSIOf returns the measured signal strength and its standard deviation, if any
func RSSIOf(r Reading) (rssi, stdDev float64, ok bool) {
	switch v := r.(type) {
	case *RSSIReading:
		return v.RSSI, v.RSSIStdDev, true
	case *RangingAndRSSIReading:
		return v.RSSI, v.RSSIStdDev, true
	case *RangingReading:
		return 0, 0, false
	default:
		return 0, 0, false
	}
}

func validateDistance(distance, stdDev float64) error {
	if math.IsNaN(distance) || distance < 0 {
		return fmt.Errorf("%w: distance must be >= 0, got %v", ErrInvalidArgument, distance)
	}
	if math.IsNaN(stdDev) || stdDev < 0 {
		return fmt.Errorf("%w: distance std dev must be >= 0, got %v", ErrInvalidArgument, stdDev)
	}
	return nil
}

func validateRSSI(rssi, stdDev float64, source Source) error {
	if math.IsNaN(rssi) || math.IsInf(rssi, 0) {
		return fmt.Errorf("%w: rssi must be finite, got %v", ErrInvalidArgument, rssi)
	}
	if math.IsNaN(stdDev) || stdDev < 0 {
		return fmt.Errorf("%w: rssi std dev must be >= 0, got %v", ErrInvalidArgument, stdDev)
	}
	if source.FrequencyHz <= 0 {
		return fmt.Errorf("%w: rssi reading of source %q needs a frequency", ErrInvalidArgument, source.ID)
	}
	return nil
}

func validatePosition(p Point, cov *mat.SymDense) error {
	if p.Dim() != 2 && p.Dim() != 3 {
		return fmt.Errorf("%w: observer position must be 2D or 3D, got %d coordinates", ErrInvalidArgument, p.Dim())
	}
	if cov == nil {
		return nil
	}
	if n := cov.SymmetricDim(); n != p.Dim() {
		return fmt.Errorf("%w: position covariance is %dx%d, want %dx%d", ErrInvalidArgument, n, n, p.Dim(), p.Dim())
	}

	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return fmt.Errorf("%w: position covariance eigen decomposition failed", ErrInvalidArgument)
	}
	values := eig.Values(nil)
	tol := 1e-12 * math.Max(1, floats.Max(values))
	for _, v := range values {
		if v < -tol {
			return fmt.Errorf("%w: position covariance is not positive semi-definite", ErrInvalidArgument)
		}
	}
	return nil
}
