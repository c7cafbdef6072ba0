package core

import (
	"context"

	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// Obstacle is a sphere that blocks line of sight, in host coordinates.
type Obstacle struct {
	Center model.Vector `yaml:"center"`
	Radius float64      `yaml:"radius"`
}

// blocks reports whether the straight segment between p1 and p2 passes
// through or touches the obstacle.
func (o Obstacle) blocks(p1, p2 model.Vector) bool {
	a := p1.Sub(o.Center)
	b := p2.Sub(o.Center)
	r2 := o.Radius * o.Radius

	v := b.Sub(a)
	vv := v.Dot(v)
	if vv == 0 {
		// Degenerate segment: blocked only if the point is inside.
		return a.Dot(a) <= r2
	}

	// t* minimises |a + t v|^2 over t in [0,1].
	t := -a.Dot(v) / vv
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := a.Add(v.Scale(t))
	return closest.Dot(closest) <= r2
}

// HasLineOfSight reports whether no obstacle intersects the segment between
// p1 and p2.
func HasLineOfSight(p1, p2 model.Vector, obstacles []Obstacle) bool {
	for _, o := range obstacles {
		if o.blocks(p1, p2) {
			return false
		}
	}
	return true
}

// LOSModel answers line-of-sight questions for a pair of positions.
type LOSModel interface {
	LineOfSight(ctx context.Context, tx, rx model.Vector) (model.LOSStatus, error)
}

// LOS tokens produced by GeometricLOSModel; the oracle uses the same
// spelling.
const (
	LOSTrue  model.LOSStatus = "True"
	LOSFalse model.LOSStatus = "False"
)

// GeometricLOSModel is a closed-form LOS model over spherical obstacles.
type GeometricLOSModel struct {
	Obstacles []Obstacle
}

// LineOfSight implements LOSModel.
func (m GeometricLOSModel) LineOfSight(_ context.Context, tx, rx model.Vector) (model.LOSStatus, error) {
	if HasLineOfSight(tx, rx, m.Obstacles) {
		return LOSTrue, nil
	}
	return LOSFalse, nil
}

// LOSSource is the bridge surface OracleLOSModel needs.
type LOSSource interface {
	LineOfSight(ctx context.Context, tx, rx model.Vector) (model.LOSStatus, error)
}

// OracleLOSModel asks the oracle. It is a thin adapter so a host can swap
// models behind LOSModel.
type OracleLOSModel struct {
	Source LOSSource
}

// LineOfSight implements LOSModel.
func (m OracleLOSModel) LineOfSight(ctx context.Context, tx, rx model.Vector) (model.LOSStatus, error) {
	return m.Source.LineOfSight(ctx, tx, rx)
}
