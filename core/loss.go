package core

import (
	"context"
	"errors"
	"math"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// LossModel reports the path loss between two positions in dB.
type LossModel interface {
	PathLossDB(ctx context.Context, tx, rx model.Vector) (float64, error)
}

// LossFunc adapts a function to LossModel.
type LossFunc func(ctx context.Context, tx, rx model.Vector) (float64, error)

// PathLossDB implements LossModel.
func (f LossFunc) PathLossDB(ctx context.Context, tx, rx model.Vector) (float64, error) {
	return f(ctx, tx, rx)
}

// PathLossSource is the bridge surface OracleLossModel needs.
type PathLossSource interface {
	PathLoss(ctx context.Context, tx, rx model.Vector) (float64, error)
}

// OracleLossModel takes path loss from the propagation oracle.
type OracleLossModel struct {
	Source PathLossSource
}

// PathLossDB implements LossModel.
func (m OracleLossModel) PathLossDB(ctx context.Context, tx, rx model.Vector) (float64, error) {
	return m.Source.PathLoss(ctx, tx, rx)
}

// FreeSpaceLossModel is the closed-form Friis loss at a fixed carrier.
type FreeSpaceLossModel struct {
	FrequencyHz float64
	// MinDistance clamps very short links, in metres. Defaults to 1.
	MinDistance float64
}

// DefaultFrequencyHz is used when a FreeSpaceLossModel has no frequency.
const DefaultFrequencyHz = 3.5e9

// PathLossDB implements LossModel.
func (m FreeSpaceLossModel) PathLossDB(_ context.Context, tx, rx model.Vector) (float64, error) {
	minDistance := m.MinDistance
	if minDistance <= 0 {
		minDistance = 1
	}
	d := tx.DistanceTo(rx)
	if d < minDistance {
		d = minDistance
	}
	return FreeSpacePathLossDB(d, m.FrequencyHz), nil
}

// FreeSpacePathLossDB returns FSPL for a distance in metres:
// 20 log10(d) + 20 log10(f) - 147.55.
func FreeSpacePathLossDB(distanceM, frequencyHz float64) float64 {
	if frequencyHz <= 0 {
		frequencyHz = DefaultFrequencyHz
	}
	if distanceM <= 0 {
		return 0
	}
	return 20*math.Log10(distanceM) + 20*math.Log10(frequencyHz) - 147.55
}

// FallbackLossModel uses Secondary whenever Primary fails.
type FallbackLossModel struct {
	Primary   LossModel
	Secondary LossModel
	// OnFallback, if set, is called with the primary's error.
	OnFallback func(error)
}

// PathLossDB implements LossModel.
func (m FallbackLossModel) PathLossDB(ctx context.Context, tx, rx model.Vector) (float64, error) {
	v, err := m.Primary.PathLossDB(ctx, tx, rx)
	if err == nil {
		return v, nil
	}
	if m.OnFallback != nil {
		m.OnFallback(err)
	}
	v, err2 := m.Secondary.PathLossDB(ctx, tx, rx)
	if err2 != nil {
		return 0, errors.Join(err, err2)
	}
	return v, nil
}
