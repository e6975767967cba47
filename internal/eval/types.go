package eval

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// #region trial-sample
// Metric names a family of trial measurements.
type Metric string

const (
	MetricFieldExposure   Metric = "field_exposure"   // field magnitude vs the level's limit
	MetricLoopResidual    Metric = "loop_residual"    // control-loop tracking error
	MetricPerturbation    Metric = "perturbation"     // magnitude under injected perturbation
	MetricShutdownLatency Metric = "shutdown_latency" // emergency response vs deadline
)

// Metrics lists every family the engine scores.
func Metrics() []Metric {
	return []Metric{MetricFieldExposure, MetricLoopResidual, MetricPerturbation, MetricShutdownLatency}
}

// TrialSample is one named measurement from one trial.
type TrialSample struct {
	TrialID   string    `json:"trial_id" yaml:"trial_id"`
	Metric    Metric    `json:"metric" yaml:"metric"`
	Value     float64   `json:"value" yaml:"value"`
	Target    float64   `json:"target" yaml:"target"`
	Tolerance float64   `json:"tolerance" yaml:"tolerance"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp,omitempty"`
}

// Within reports |Value-Target| <= Tolerance.
func (s TrialSample) Within() bool {
	return math.Abs(s.Value-s.Target) <= s.Tolerance
}

// Margin is the signed fraction of tolerance left: 1 on target, 0 at the edge,
// negative outside. Margins too large for a float64 saturate at ±math.MaxFloat64.
func (s TrialSample) Margin() float64 {
	return saturate((s.Tolerance - math.Abs(s.Value-s.Target)) / s.Tolerance)
}

// saturate clamps ±Inf to the largest finite float64 so reports stay encodable.
func saturate(x float64) float64 {
	switch {
	case math.IsInf(x, 1):
		return math.MaxFloat64
	case math.IsInf(x, -1):
		return -math.MaxFloat64
	}
	return x
}

func (s TrialSample) validate() error {
	for _, x := range []float64{s.Value, s.Target, s.Tolerance} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: trial %q %s has non-finite field", ErrInvalidSample, s.TrialID, s.Metric)
		}
	}
	if math.IsInf(s.Value-s.Target, 0) {
		return fmt.Errorf("%w: trial %q %s deviation overflows", ErrInvalidSample, s.TrialID, s.Metric)
	}
	if s.Tolerance <= 0 {
		return fmt.Errorf("%w: trial %q %s tolerance %g not positive", ErrInvalidSample, s.TrialID, s.Metric, s.Tolerance)
	}
	return nil
}

// #endregion trial-sample

// #region eval-config
// Thresholds are the per-check pass limits.
type Thresholds struct {
	Coverage     float64 `json:"coverage" mapstructure:"coverage"`
	Stability    float64 `json:"stability" mapstructure:"stability"`
	Robustness   float64 `json:"robustness" mapstructure:"robustness"`
	Scaling      float64 `json:"scaling" mapstructure:"scaling"`
	SafetyFactor float64 `json:"safety_factor" mapstructure:"safety_factor"`
}

// EvalConfig holds the resolution parameters.
type EvalConfig struct {
	MinSamples int     // hard lower bound on batch size, at least 1
	Confidence float64 // Wilson interval confidence in (0,1)
	Thresholds Thresholds
}

// DefaultEvalConfig returns the reference certification limits.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinSamples: 30,
		Confidence: 0.95,
		Thresholds: Thresholds{
			Coverage:     0.95,
			Stability:    0,
			Robustness:   0,
			Scaling:      0.9,
			SafetyFactor: 0.5,
		},
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Pass      bool    `json:"pass"`
}

// #endregion eval-metric

// #region report
// Status is the overall verdict of a report.
type Status string

const (
	Passed                       Status = "PASSED"
	RequiresAdditionalValidation Status = "REQUIRES_ADDITIONAL_VALIDATION"
)

// UQReport is derived from one closed batch of samples. It is never mutated; a new
// report replaces the old one.
type UQReport struct {
	ID          string    `json:"report_id"`
	GeneratedAt time.Time `json:"generated_at"`
	SampleCount int       `json:"sample_count"`
	TrialCount  int       `json:"trial_count"`
	Confidence  float64   `json:"confidence"`

	StatisticalCoverage    float64 `json:"statistical_coverage"`
	CoverageStd            float64 `json:"coverage_std"`
	WilsonIntervalLower    float64 `json:"wilson_interval_lower"`
	WilsonIntervalUpper    float64 `json:"wilson_interval_upper"`
	ControlLoopStability   float64 `json:"control_loop_stability"`
	RobustnessMargin       float64 `json:"robustness_margin"`
	ScalingFeasibility     float64 `json:"scaling_feasibility"`
	BiologicalSafetyFactor float64 `json:"biological_safety_factor"`

	OverallStatus  Status       `json:"overall_status"`
	Checks         []EvalMetric `json:"checks"`
	MissingMetrics []Metric     `json:"missing_metrics,omitempty"`
	Reason         string       `json:"reason"`
}

// Passed reports whether every check passed.
func (r UQReport) Passed() bool {
	return r.OverallStatus == Passed
}

func (r UQReport) clone() UQReport {
	r.Checks = append([]EvalMetric(nil), r.Checks...)
	if r.MissingMetrics != nil {
		r.MissingMetrics = append([]Metric(nil), r.MissingMetrics...)
	}
	return r
}

// #endregion report

// #region errors
var (
	ErrInsufficientData = errors.New("insufficient trial data")
	ErrInvalidSample    = errors.New("invalid trial sample")
)

// InsufficientDataError reports how far a batch is from the minimum.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%v: have %d samples, need %d", ErrInsufficientData, e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// #endregion errors
