package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var wifi = Source{ID: "ap", FrequencyHz: 2.4e9}

func TestPathLossConstant(t *testing.T) {
	assert.InDelta(t, SpeedOfLight/(4*math.Pi*2.4e9), wifi.PathLossConstant(), 1e-15)
	assert.Zero(t, Source{ID: "unknown"}.PathLossConstant())
}

func TestReadingKinds(t *testing.T) {
	assert.True(t, KindRanging.HasDistance())
	assert.False(t, KindRanging.HasRSSI())
	assert.False(t, KindRSSI.HasDistance())
	assert.True(t, KindRSSI.HasRSSI())
	assert.True(t, KindRangingAndRSSI.HasDistance())
	assert.True(t, KindRangingAndRSSI.HasRSSI())

	var readings = []Reading{
		&RangingReading{Source: wifi, Position: Point{0, 0}, Distance: 1},
		&RSSIReading{Source: wifi, Position: Point{0, 0}, RSSI: -40},
		&RangingAndRSSIReading{Source: wifi, Position: Point{0, 0}, Distance: 1, RSSI: -40},
	}
	assert.Equal(t, []ReadingKind{KindRanging, KindRSSI, KindRangingAndRSSI},
		[]ReadingKind{readings[0].Kind(), readings[1].Kind(), readings[2].Kind()})

	d, _, ok := DistanceOf(readings[1])
	assert.False(t, ok)
	assert.Zero(t, d)
	d, _, ok = DistanceOf(readings[2])
	assert.True(t, ok)
	assert.Equal(t, 1.0, d)

	_, _, ok = RSSIOf(readings[0])
	assert.False(t, ok)
	rssi, _, ok := RSSIOf(readings[2])
	assert.True(t, ok)
	assert.Equal(t, -40.0, rssi)
}

func TestReadingValidate(t *testing.T) {
	notPSD := mat.NewSymDense(2, []float64{1, 2, 2, 1})

	tests := []struct {
		name    string
		reading Reading
		wantErr bool
	}{
		{"ranging", &RangingReading{Source: wifi, Position: Point{1, 2, 3}, Distance: 4, DistanceStdDev: 0.1}, false},
		{"zero distance", &RangingReading{Source: wifi, Position: Point{1, 2}, Distance: 0}, false},
		{"negative distance", &RangingReading{Source: wifi, Position: Point{1, 2}, Distance: -1}, true},
		{"negative std", &RangingReading{Source: wifi, Position: Point{1, 2}, Distance: 1, DistanceStdDev: -0.1}, true},
		{"1D position", &RangingReading{Source: wifi, Position: Point{1}, Distance: 1}, true},
		{"4D position", &RangingReading{Source: wifi, Position: Point{1, 2, 3, 4}, Distance: 1}, true},
		{"rssi", &RSSIReading{Source: wifi, Position: Point{0, 0}, RSSI: -60, RSSIStdDev: 2}, false},
		{"rssi without frequency", &RSSIReading{Source: Source{ID: "x"}, Position: Point{0, 0}, RSSI: -60}, true},
		{"infinite rssi", &RSSIReading{Source: wifi, Position: Point{0, 0}, RSSI: math.Inf(-1)}, true},
		{"fused negative rssi std", &RangingAndRSSIReading{Source: wifi, Position: Point{0, 0}, Distance: 1, RSSI: -60, RSSIStdDev: -1}, true},
		{"covariance", &RangingReading{Source: wifi, Position: Point{0, 0}, Distance: 1,
			PositionCovariance: mat.NewSymDense(2, []float64{1, 0, 0, 1})}, false},
		{"covariance wrong size", &RangingReading{Source: wifi, Position: Point{0, 0}, Distance: 1,
			PositionCovariance: mat.NewSymDense(3, nil)}, true},
		{"covariance not PSD", &RSSIReading{Source: wifi, Position: Point{0, 0}, RSSI: -50,
			PositionCovariance: notPSD}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reading.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPoint(t *testing.T) {
	p := Point{1, 2, 2}
	assert.Equal(t, 3, p.Dim())
	assert.InDelta(t, 3.0, p.Distance(Point{0, 0, 0}), 1e-15)

	c := p.Clone()
	c[0] = 10
	assert.Equal(t, 1.0, p[0])
	assert.Nil(t, Point(nil).Clone())
}
