package replay

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/actuator"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/eval"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"go.uber.org/zap"
)

// #region types
// Trial is one repeated run of the controller under test conditions.
type Trial struct {
	ID      string
	Samples [][]float64
	Drill   bool
}

// ReplayConfig bundles the harness parameters.
type ReplayConfig struct {
	Registry      *safety.Registry
	Level         safety.Level
	Perturbation  float64         // relative inflation for the perturbation family
	LoopTolerance float64         // tolerance for loop residuals, 0 uses the level threshold
	DeviceLatency time.Duration   // simulated deenergize latency
	Monitor       shutdown.Config // trigger parameters for the per-trial controller
	Logger        *zap.Logger
}

// DefaultReplayConfig returns a 10% perturbation at TissueStandard with an instant
// simulated device.
func DefaultReplayConfig(registry *safety.Registry) ReplayConfig {
	return ReplayConfig{
		Registry:     registry,
		Level:        safety.TissueStandard,
		Perturbation: 0.1,
		Monitor:      shutdown.DefaultConfig(),
	}
}

// TrialResult captures the outcome of one trial.
type TrialResult struct {
	TrialID  string                   `json:"trial_id"`
	Outcomes []gate.Outcome           `json:"outcomes"`
	Event    *shutdown.EmergencyEvent `json:"event,omitempty"` // nil if no shutdown happened
	Final    shutdown.State           `json:"final_state"`
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTrials    int `json:"total_trials"`
	TotalSamples   int `json:"total_samples"`
	Accepted       int `json:"accepted"`
	Projected      int `json:"projected"`
	Rejected       int `json:"rejected"`
	Shutdowns      int `json:"shutdowns"`
	DeadlineMisses int `json:"deadline_misses"`
	UnsafeStates   int `json:"unsafe_states"` // shutdowns without device-off confirmation
}

// #endregion types

// #region replay
// Replay runs every trial through a fresh enforcer and emergency controller driving a
// simulated device, and returns per-trial results plus the measurement batch for the
// UQ engine. Each verdict yields field_exposure and perturbation samples; non-rejected
// verdicts add a loop_residual; each shutdown adds a shutdown_latency sample.
func Replay(ctx context.Context, trials []Trial, config ReplayConfig) ([]TrialResult, []eval.TrialSample, error) {
	if config.Registry == nil {
		return nil, nil, fmt.Errorf("replay: nil registry")
	}
	if !config.Level.Valid() {
		return nil, nil, fmt.Errorf("replay: %w: %d", safety.ErrUnknownLevel, int(config.Level))
	}
	logger := logging.OrNop(config.Logger)
	threshold := config.Registry.ThresholdFor(config.Level)
	loopTol := config.LoopTolerance
	if loopTol <= 0 {
		loopTol = threshold
	}

	results := make([]TrialResult, 0, len(trials))
	var samples []eval.TrialSample

	for _, trial := range trials {
		res, batch, err := runTrial(ctx, trial, config, threshold, loopTol, logger)
		if err != nil {
			return results, samples, fmt.Errorf("trial %s: %w", trial.ID, err)
		}
		results = append(results, res)
		samples = append(samples, batch...)
	}
	return results, samples, nil
}

func runTrial(ctx context.Context, trial Trial, config ReplayConfig, threshold, loopTol float64, logger *zap.Logger) (TrialResult, []eval.TrialSample, error) {
	enforcer := gate.NewEnforcer(config.Registry, gate.WithLogger(logger))
	dev := actuator.NewSimulated(config.DeviceLatency)
	ctrl := shutdown.NewController(config.Registry, dev,
		shutdown.WithConfig(config.Monitor),
		shutdown.WithEnforcer(enforcer),
		shutdown.WithLogger(logger),
	)
	defer ctrl.Close()

	res := TrialResult{TrialID: trial.ID}
	var out []eval.TrialSample
	sample := func(m eval.Metric, value, target, tol float64) {
		out = append(out, eval.TrialSample{
			TrialID: trial.ID, Metric: m, Value: value, Target: target, Tolerance: tol,
			Timestamp: time.Now().UTC(),
		})
	}

	for i, comps := range trial.Samples {
		raw := field.NewState(comps, time.Now())
		v := enforcer.Evaluate(raw, config.Level)
		res.Outcomes = append(res.Outcomes, v.Outcome)

		if raw.Finite() {
			mag := v.State.Magnitude()
			if v.Outcome == gate.Rejected {
				mag = v.Violation.Magnitude
			}
			sample(eval.MetricFieldExposure, mag, 0, threshold)
			sample(eval.MetricPerturbation, math.Min(mag*(1+config.Perturbation), math.MaxFloat64), 0, threshold)
			if v.Safe() {
				sample(eval.MetricLoopResidual, residual(raw, v.State), 0, loopTol)
			}
		}

		if v.Safe() && ctrl.State() == shutdown.Nominal {
			if err := dev.Apply(ctx, field.Command{SessionID: trial.ID, Waypoint: i, State: v.State}); err != nil {
				return res, out, fmt.Errorf("apply sample %d: %w", i, err)
			}
		}
		ctrl.Observe(v)
	}

	if ctrl.State() == shutdown.Nominal && trial.Drill {
		if err := ctrl.Trigger("certification drill", config.Level); err != nil {
			return res, out, err
		}
	}
	if ctrl.State() != shutdown.Nominal {
		ev, err := ctrl.WaitForShutdown(ctx)
		if err != nil {
			return res, out, fmt.Errorf("wait for shutdown: %w", err)
		}
		res.Event = &ev
		sample(eval.MetricShutdownLatency, ev.ResponseTimeMs(), 0, ev.DeadlineMs())
	}
	res.Final = ctrl.State()
	return res, out, nil
}

// residual is the L2 distance between the commanded and the certified state.
func residual(raw, safe field.State) float64 {
	var sum float64
	for i, x := range raw.Components {
		d := x - safe.Components[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []TrialResult) ReplaySummary {
	s := ReplaySummary{TotalTrials: len(results)}
	for _, r := range results {
		s.TotalSamples += len(r.Outcomes)
		for _, o := range r.Outcomes {
			switch o {
			case gate.Accepted:
				s.Accepted++
			case gate.Projected:
				s.Projected++
			case gate.Rejected:
				s.Rejected++
			}
		}
		if r.Event != nil {
			s.Shutdowns++
			if !r.Event.Success() {
				s.DeadlineMisses++
			}
			if !r.Event.SystemSafeState {
				s.UnsafeStates++
			}
		}
	}
	return s
}

// #endregion replay
