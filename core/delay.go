package core

import (
	"context"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// SpeedOfLight in metres per second.
const SpeedOfLight = 299792458.0

// DelayModel reports the propagation delay between two positions in
// milliseconds.
type DelayModel interface {
	DelayMS(ctx context.Context, tx, rx model.Vector) (float64, error)
}

// DelaySource is the bridge surface OracleDelayModel needs.
type DelaySource interface {
	PropagationDelay(ctx context.Context, tx, rx model.Vector) (float64, error)
}

// OracleDelayModel takes propagation delay from the oracle.
type OracleDelayModel struct {
	Source DelaySource
}

// DelayMS implements DelayModel.
func (m OracleDelayModel) DelayMS(ctx context.Context, tx, rx model.Vector) (float64, error) {
	return m.Source.PropagationDelay(ctx, tx, rx)
}

// ConstantSpeedDelayModel is distance over a fixed propagation speed.
type ConstantSpeedDelayModel struct {
	// Speed in metres per second; defaults to SpeedOfLight.
	Speed float64
}

// DelayMS implements DelayModel.
func (m ConstantSpeedDelayModel) DelayMS(_ context.Context, tx, rx model.Vector) (float64, error) {
	return StraightLineDelayMS(tx, rx, m.Speed), nil
}

// StraightLineDelayMS is the straight-line distance between tx and rx over
// speed (SpeedOfLight when zero or negative), in milliseconds.
func StraightLineDelayMS(tx, rx model.Vector, speed float64) float64 {
	if speed <= 0 {
		speed = SpeedOfLight
	}
	return tx.DistanceTo(rx) / speed * 1e3
}
