package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReplayFixture holds the settings of a chaos-replay YAML fixture.
// Only the loader exists: nothing in the orchestrator reads a
// fixture, so Enabled does not switch the trade executor to
// DeterministicChaos and StartNumericID does not set run ids.
type ReplayFixture struct {
	Enabled        bool     `yaml:"enabled"`
	StartNumericID uint64   `yaml:"start_numeric_id"`
	Pair           string   `yaml:"pair"`
	Seeds          []uint64 `yaml:"seeds"`
}

// LoadReplayFixture reads a chaos/replay fixture from path.
func LoadReplayFixture(path string) (ReplayFixture, error) {
	var fixture ReplayFixture
	f, err := os.Open(path)
	if err != nil {
		return fixture, fmt.Errorf("open replay fixture: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&fixture); err != nil {
		return fixture, fmt.Errorf("decode replay fixture: %w", err)
	}
	return fixture, nil
}
