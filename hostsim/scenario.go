package hostsim

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/rt-oracle-bridge/core"
	"github.com/signalsfoundry/rt-oracle-bridge/model"
)

// ErrInvalidScenario wraps every scenario validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a scripted host run: initial node placement, later moves and
// transmissions, all at simulated times in seconds.
type Scenario struct {
	Name     string  `yaml:"name"`
	Duration float64 `yaml:"duration"`
	// SampleInterval, when positive, moves nodes along their velocity
	// every SampleInterval seconds.
	SampleInterval float64 `yaml:"sample_interval"`
	FrequencyHz    float64 `yaml:"frequency_hz"`
	// TxPSD is the transmit power spectral density per bin, W/Hz.
	TxPSD core.SpectrumValue `yaml:"tx_psd"`

	Nodes         []NodeSpec      `yaml:"nodes"`
	Moves         []MoveSpec      `yaml:"moves"`
	Transmissions []TxSpec        `yaml:"transmissions"`
	Obstacles     []core.Obstacle `yaml:"obstacles"`
}

// NodeSpec places a node at time zero.
type NodeSpec struct {
	ID       string       `yaml:"id"`
	Position model.Vector `yaml:"position"`
	Velocity model.Vector `yaml:"velocity"`
}

// MoveSpec relocates a node.
type MoveSpec struct {
	At       float64      `yaml:"at"`
	ID       string       `yaml:"id"`
	Position model.Vector `yaml:"position"`
	Velocity model.Vector `yaml:"velocity"`
}

// TxSpec is one transmission between two nodes.
type TxSpec struct {
	At   float64 `yaml:"at"`
	From string  `yaml:"from"`
	To   string  `yaml:"to"`
}

// LoadScenario reads and validates a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks node references and times.
func (sc *Scenario) Validate() error {
	if sc.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidScenario)
	}
	if sc.SampleInterval < 0 {
		return fmt.Errorf("%w: sample_interval must not be negative", ErrInvalidScenario)
	}
	known := make(map[string]bool, len(sc.Nodes))
	for _, n := range sc.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidScenario)
		}
		if known[n.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidScenario, n.ID)
		}
		known[n.ID] = true
	}
	for _, m := range sc.Moves {
		if !known[m.ID] {
			return fmt.Errorf("%w: move of unknown node %q", ErrInvalidScenario, m.ID)
		}
		if m.At < 0 || m.At > sc.Duration {
			return fmt.Errorf("%w: move of %q at %v outside [0,%v]", ErrInvalidScenario, m.ID, m.At, sc.Duration)
		}
	}
	for _, tx := range sc.Transmissions {
		if !known[tx.From] || !known[tx.To] {
			return fmt.Errorf("%w: transmission %s->%s names an unknown node", ErrInvalidScenario, tx.From, tx.To)
		}
		if tx.At < 0 || tx.At > sc.Duration {
			return fmt.Errorf("%w: transmission at %v outside [0,%v]", ErrInvalidScenario, tx.At, sc.Duration)
		}
	}
	return nil
}
