package triangulation

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/denysvitali/whereis/internal/types"
)

var testSource = types.Source{ID: "ap", FrequencyHz: 2.4e9}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func uniformPoint(rng *rand.Rand, center types.Point, extent float64) types.Point {
	p := make(types.Point, len(center))
	for i := range p {
		p[i] = center[i] + (rng.Float64()*2-1)*extent
	}
	return p
}

// fusedReadings returns noise-free ranging+RSSI readings of a source at position
func fusedReadings(rng *rand.Rand, position types.Point, power, exponent float64, count int) []types.Reading {
	k := testSource.PathLossConstant()
	readings := make([]types.Reading, count)
	for i := range readings {
		observer := uniformPoint(rng, position, 50)
		d := position.Distance(observer)
		readings[i] = &types.RangingAndRSSIReading{
			Source:   testSource,
			Position: observer,
			Distance: d,
			RSSI:     ExpectedRSSI(power, exponent, k, d),
		}
	}
	return readings
}

func rangingReadings(rng *rand.Rand, position types.Point, count int) []types.Reading {
	readings := make([]types.Reading, count)
	for i := range readings {
		observer := uniformPoint(rng, position, 50)
		readings[i] = &types.RangingReading{
			Source:   testSource,
			Position: observer,
			Distance: position.Distance(observer),
		}
	}
	return readings
}

func rssiReadings(rng *rand.Rand, position types.Point, power, exponent float64, count int) []types.Reading {
	k := testSource.PathLossConstant()
	readings := make([]types.Reading, count)
	for i := range readings {
		observer := uniformPoint(rng, position, 50)
		readings[i] = &types.RSSIReading{
			Source:   testSource,
			Position: observer,
			RSSI:     ExpectedRSSI(power, exponent, k, position.Distance(observer)),
		}
	}
	return readings
}

func ptr(v float64) *float64 {
	return &v
}
