package types

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Estimate is the outcome of locating a source.
//
// Covariance, when present, is ordered like the refined parameter vector:
// the position block first, then the transmitted power and the path-loss
// exponent when each of them was estimated.
type Estimate struct {
	Position            Point         `json:"position"`
	TransmittedPowerDBm *float64      `json:"transmitted_power_dbm,omitempty"` // nil when not estimated
	PathLossExponent    *float64      `json:"path_loss_exponent,omitempty"`    // nil when not estimated
	Covariance          *mat.SymDense `json:"-"`
}

// PositionCovariance returns the position block of the covariance, or nil
func (e *Estimate) PositionCovariance() *mat.SymDense {
	if e.Covariance == nil {
		return nil
	}
	dim := e.Position.Dim()
	block := mat.NewSymDense(dim, nil)
	block.CopySym(e.Covariance.SliceSym(0, dim))
	return block
}

// TransmittedPowerVariance returns the variance of the estimated power
func (e *Estimate) TransmittedPowerVariance() (float64, bool) {
	if e.Covariance == nil || e.TransmittedPowerDBm == nil {
		return 0, false
	}
	i := e.Position.Dim()
	return e.Covariance.At(i, i), true
}

// PathLossExponentVariance returns the variance of the estimated path-loss exponent
func (e *Estimate) PathLossExponentVariance() (float64, bool) {
	if e.Covariance == nil || e.PathLossExponent == nil {
		return 0, false
	}
	i := e.Position.Dim()
	if e.TransmittedPowerDBm != nil {
		i++
	}
	return e.Covariance.At(i, i), true
}

// PositionAccuracy returns the RMS position standard deviation (sqrt of the
// position covariance trace), or NaN without a covariance
func (e *Estimate) PositionAccuracy() float64 {
	if e.Covariance == nil {
		return math.NaN()
	}
	var trace float64
	for i := 0; i < e.Position.Dim(); i++ {
		trace += e.Covariance.At(i, i)
	}
	return math.Sqrt(trace)
}

// Clone returns a deep copy
func (e *Estimate) Clone() *Estimate {
	if e == nil {
		return nil
	}
	c := &Estimate{Position: e.Position.Clone()}
	if e.TransmittedPowerDBm != nil {
		v := *e.TransmittedPowerDBm
		c.TransmittedPowerDBm = &v
	}
	if e.PathLossExponent != nil {
		v := *e.PathLossExponent
		c.PathLossExponent = &v
	}
	if e.Covariance != nil {
		n := e.Covariance.SymmetricDim()
		c.Covariance = mat.NewSymDense(n, nil)
		c.Covariance.CopySym(e.Covariance)
	}
	return c
}
