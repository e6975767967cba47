package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"gopkg.in/yaml.v3"
)

// #region fixture-types

// Fixture is the top-level structure of a trial fixture file (YAML or JSON).
type Fixture struct {
	Description     string                  `json:"description" yaml:"description"`
	SafetyLevel     safety.Level            `json:"safety_level" yaml:"safety_level"`
	Config          FixtureConfig           `json:"config" yaml:"config"`
	Trials          []FixtureTrial          `json:"trials" yaml:"trials"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results" yaml:"expected_results"`
}

// FixtureConfig tunes the harness for one fixture.
type FixtureConfig struct {
	Perturbation    float64 `json:"perturbation" yaml:"perturbation"`           // relative magnitude inflation, e.g. 0.1
	LoopTolerance   float64 `json:"loop_tolerance" yaml:"loop_tolerance"`       // 0 uses the level threshold
	DeviceLatencyMs float64 `json:"device_latency_ms" yaml:"device_latency_ms"` // simulated deenergize latency
}

// FixtureTrial is one repeated run: a field-sample sequence, optionally followed by an
// emergency drill.
type FixtureTrial struct {
	TrialID string      `json:"trial_id" yaml:"trial_id"`
	Samples [][]float64 `json:"samples" yaml:"samples"`
	Drill   bool        `json:"drill" yaml:"drill"` // trigger a shutdown if none happened
}

// FixtureExpectedResult captures the expected verdict outcomes per trial.
type FixtureExpectedResult struct {
	TrialID  string         `json:"trial_id" yaml:"trial_id"`
	Outcomes []gate.Outcome `json:"outcomes" yaml:"outcomes"`
	Shutdown bool           `json:"shutdown" yaml:"shutdown"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads a fixture file. .yaml and .yml are parsed as YAML, anything else
// as JSON.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Trials) == 0 {
		return nil, fmt.Errorf("fixture %s: no trials", path)
	}
	return &f, nil
}

// ToTrials converts fixture trials to domain trials.
func (f *Fixture) ToTrials() []Trial {
	out := make([]Trial, len(f.Trials))
	for i, ft := range f.Trials {
		id := ft.TrialID
		if id == "" {
			id = fmt.Sprintf("trial-%03d", i)
		}
		out[i] = Trial{ID: id, Samples: ft.Samples, Drill: ft.Drill}
	}
	return out
}

// ToReplayConfig converts the fixture settings to a ReplayConfig over registry.
func (f *Fixture) ToReplayConfig(registry *safety.Registry) ReplayConfig {
	cfg := DefaultReplayConfig(registry)
	cfg.Level = f.SafetyLevel
	cfg.Perturbation = f.Config.Perturbation
	cfg.LoopTolerance = f.Config.LoopTolerance
	cfg.DeviceLatency = time.Duration(f.Config.DeviceLatencyMs * float64(time.Millisecond))
	return cfg
}

// #endregion fixture-loader
