package model

import (
	"fmt"
	"strings"
	"time"
)

// ReservedOriginID is the identifier the oracle reserves for the entity
// sitting at the origin.
const ReservedOriginID = "0"

// Sample is one mobility report pushed by the host whenever a tracked
// entity moves. Heading is in degrees.
type Sample struct {
	ID       string  `yaml:"id" json:"id"`
	Position Vector  `yaml:"position" json:"position"`
	Velocity Vector  `yaml:"velocity" json:"velocity"`
	Heading  float64 `yaml:"heading" json:"heading"`
}

// ObjectRecord is the directory's last-known state for one entity.
type ObjectRecord struct {
	ID      string  `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Heading float64 `json:"heading"`

	Velocity  Vector    `json:"velocity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position returns the record's coordinates as a Vector.
func (r ObjectRecord) Position() Vector {
	return Vector{X: r.X, Y: r.Y, Z: r.Z}
}

// RecordFromSample builds a directory record from a host sample.
func RecordFromSample(s Sample, at time.Time) ObjectRecord {
	return ObjectRecord{
		ID:        s.ID,
		X:         s.Position.X,
		Y:         s.Position.Y,
		Z:         s.Position.Z,
		Heading:   s.Heading,
		Velocity:  s.Velocity,
		UpdatedAt: at,
	}
}

// LOSStatus is the oracle's line-of-sight token, passed through verbatim.
type LOSStatus string

// LOSUnknown is returned whenever no usable LOS answer is available.
const LOSUnknown LOSStatus = "Unknown"

// Mode selects how the connection to the oracle is established.
type Mode int

const (
	// ModeLocal talks to an oracle on the loopback interface from an
	// ephemeral port.
	ModeLocal Mode = iota
	// ModeRemote binds a fixed local port and talks to a remote oracle.
	ModeRemote
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts "local" or "remote" (case-insensitive) into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ModeLocal, nil
	case "remote":
		return ModeRemote, nil
	default:
		return ModeLocal, fmt.Errorf("unknown oracle mode %q", s)
	}
}

// MarshalYAML and UnmarshalYAML let Mode appear as a string in config files.
func (m Mode) MarshalYAML() (interface{}, error) { return m.String(), nil }

func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
