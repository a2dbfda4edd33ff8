package triangulation

import (
	"fmt"
	"math"

	"github.com/denysvitali/whereis/internal/types"
)

// minModelDistance keeps the logarithm of the path-loss model finite when a
// candidate position coincides with an observer
const minModelDistance = 1e-9

// ExpectedRSSI returns the RSSI (dBm) predicted by the log-distance path loss model
//
//	RSSI = Pt + 10*n*log10(k) - 10*n*log10(d)
//
// where k = c/(4πf) is the free-space constant of the source. With n = 2 this is
// the Friis free-space equation.
func ExpectedRSSI(powerDBm, pathLossExponent, k, distance float64) float64 {
	distance = math.Max(distance, minModelDistance)
	return powerDBm - 10*pathLossExponent*math.Log10(distance/k)
}

// DistanceFromRSSI inverts ExpectedRSSI. The returned standard deviation
// propagates rssiStdDev through the inverse model and is 0 when rssiStdDev is 0.
func DistanceFromRSSI(rssi, rssiStdDev, powerDBm, pathLossExponent, k float64) (distance, stdDev float64) {
	exponent := (powerDBm - rssi) / (10 * pathLossExponent)
	distance = k * math.Pow(10, exponent)

	// d(distance)/d(rssi) = -distance*ln(10)/(10*n)
	stdDev = distance * math.Ln10 / (10 * math.Abs(pathLossExponent)) * rssiStdDev
	return distance, stdDev
}

// pathLossFit holds the power and exponent used by the RSSI part of the model
type pathLossFit struct {
	powerDBm float64
	exponent float64
}

// bootstrapPathLoss computes a closed-form starting point for the transmitted
// power and/or the path-loss exponent once a position is known. Each RSSI
// reading gives rssi = Pt + n*a with a = -10*log10(d/k), which is linear in
// the unknowns; it is solved by weighted least squares. Values that are not
// requested keep the supplied starting value.
func bootstrapPathLoss(readings []types.Reading, position types.Point, start pathLossFit,
	fitPower, fitExponent bool, defaultRSSIStdDev float64) (pathLossFit, error) {

	if !fitPower && !fitExponent {
		return start, nil
	}

	// weighted sums for the 2x2 normal equations
	var sw, sa, saa, sy, say float64
	used := 0
	for _, reading := range readings {
		rssi, std, ok := types.RSSIOf(reading)
		if !ok {
			continue
		}
		d := position.Distance(reading.ObserverPosition())
		k := reading.RadioSource().PathLossConstant()
		if d < minModelDistance || k <= 0 {
			continue
		}
		if std <= 0 {
			std = defaultRSSIStdDev
		}
		w := 1 / (std * std)
		a := -10 * math.Log10(d/k)

		sw += w
		sa += w * a
		saa += w * a * a
		sy += w * rssi
		say += w * a * rssi
		used++
	}

	if used == 0 {
		return start, fmt.Errorf("%w: no usable rssi readings to bootstrap path loss", types.ErrNotReady)
	}

	fit := start
	switch {
	case fitPower && fitExponent:
		det := sw*saa - sa*sa
		if used < 2 || math.Abs(det) <= 1e-12*sw*saa {
			// all readings at the same distance, keep the exponent and fit the power only
			fit.powerDBm = (sy - start.exponent*sa) / sw
			return fit, nil
		}
		fit.powerDBm = (saa*sy - sa*say) / det
		fit.exponent = (sw*say - sa*sy) / det
	case fitPower:
		fit.powerDBm = (sy - start.exponent*sa) / sw
	case fitExponent:
		if saa <= 0 {
			return start, fmt.Errorf("%w: path-loss exponent is unobservable at the reference distance", types.ErrNumerical)
		}
		fit.exponent = (say - start.powerDBm*sa) / saa
	}
	return fit, nil
}
