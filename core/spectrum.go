package core

import (
	"context"
	"math"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// SpectrumValue is a power spectral density, one value per frequency bin,
// in W/Hz.
type SpectrumValue []float64

// Copy returns an independent copy.
func (s SpectrumValue) Copy() SpectrumValue {
	if s == nil {
		return nil
	}
	out := make(SpectrumValue, len(s))
	copy(out, s)
	return out
}

// Scale multiplies every bin by k in place and returns s.
func (s SpectrumValue) Scale(k float64) SpectrumValue {
	for i := range s {
		s[i] *= k
	}
	return s
}

// LossToLinear converts a loss in dB into the linear factor applied to
// power: 10^(-dB/10).
func LossToLinear(lossDB float64) float64 {
	return math.Pow(10, -lossDB/10)
}

// CalcRxPowerSpectralDensity returns a copy of txPSD attenuated by the loss
// the model reports between tx and rx. On error the unattenuated copy is
// returned with the error.
func CalcRxPowerSpectralDensity(ctx context.Context, m LossModel, txPSD SpectrumValue, tx, rx model.Vector) (SpectrumValue, error) {
	rxPSD := txPSD.Copy()
	lossDB, err := m.PathLossDB(ctx, tx, rx)
	if err != nil {
		return rxPSD, err
	}
	return rxPSD.Scale(LossToLinear(lossDB)), nil
}
