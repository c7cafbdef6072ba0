package model

import (
	"math"
	"strconv"
)

// Vector is a 3D position (metres) or velocity (metres per second) in the
// host's Cartesian frame. Values are passed through without unit conversion.
type Vector struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Origin is the reserved (0,0,0) position.
var Origin = Vector{}

// IsOrigin reports whether v is exactly (0,0,0).
func (v Vector) IsOrigin() bool {
	return v.X == 0 && v.Y == 0 && v.Z == 0
}

// DistanceTo returns the straight-line distance between two points.
func (v Vector) DistanceTo(other Vector) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vector) Sub(other Vector) Vector {
	return Vector{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Add returns v + other.
func (v Vector) Add(other Vector) Vector {
	return Vector{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Scale returns v multiplied by k.
func (v Vector) Scale(k float64) Vector {
	return Vector{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Dot returns the dot product of two vectors.
func (v Vector) Dot(other Vector) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// String renders the vector as "(x,y,z)" with the wire precision.
func (v Vector) String() string {
	return "(" + FormatFloat(v.X) + "," + FormatFloat(v.Y) + "," + FormatFloat(v.Z) + ")"
}

// FormatFloat renders a value the way the oracle wire protocol expects:
// fixed notation with six decimals.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// HeadingFromVelocity derives a heading in degrees, counter-clockwise from
// +X in the XY plane. A velocity with no horizontal component yields 0.
func HeadingFromVelocity(vel Vector) float64 {
	if vel.X == 0 && vel.Y == 0 {
		return 0
	}
	return math.Atan2(vel.Y, vel.X) * 180.0 / math.Pi
}
