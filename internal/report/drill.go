package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/actuator"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// #region config
// Bench is the device under drill for one level. Close, when set, runs once the level
// is finished.
type Bench struct {
	Device  shutdown.Deenergizer
	Options []shutdown.Option
	Close   func() error
}

// Rig supplies the bench used to drill one level.
type Rig func(level safety.Level) (Bench, error)

// SimulatedRig drills every level against its own in-process device.
func SimulatedRig(latency time.Duration) Rig {
	return func(safety.Level) (Bench, error) {
		return Bench{Device: actuator.NewSimulated(latency)}, nil
	}
}

// ActuatorRig drills against the actuator service at addr, one connection per level.
func ActuatorRig(addr string, opts ...grpc.DialOption) Rig {
	return func(safety.Level) (Bench, error) {
		c, err := actuator.NewClient(addr, opts...)
		if err != nil {
			return Bench{}, err
		}
		return Bench{Device: c, Close: c.Close}, nil
	}
}

// RigFor drills the actuator at addr when one is configured and the simulator
// otherwise.
func RigFor(addr string, latency time.Duration, opts ...grpc.DialOption) Rig {
	if addr == "" {
		return SimulatedRig(latency)
	}
	return ActuatorRig(addr, opts...)
}

// DrillConfig parameterizes RunDrill.
type DrillConfig struct {
	Registry       *safety.Registry
	Levels         []safety.Level  // nil drills every level
	Monitor        shutdown.Config // trigger parameters per controller
	DeviceLatency  time.Duration   // latency of the default simulated device
	Timeout        time.Duration   // per-level wait for device-off, 0 means 1s
	MaxParallel    int             // levels drilled at once, 0 means all
	EnergyCoupling float64         // J/m³ per unit field, 0 means safety.ReferenceEnergyCoupling
	Rig            Rig             // nil uses SimulatedRig(DeviceLatency)
	Sink           shutdown.EventSink
	AuditSink      gate.AuditSink
	Logger         *zap.Logger
}

// DefaultDrillConfig drills every level against an instant simulated device.
func DefaultDrillConfig(registry *safety.Registry) DrillConfig {
	return DrillConfig{
		Registry:       registry,
		Monitor:        shutdown.DefaultConfig(),
		Timeout:        time.Second,
		EnergyCoupling: safety.ReferenceEnergyCoupling,
	}
}

// #endregion config

// #region drill
// RunDrill exercises every configured level concurrently: it initializes a controller,
// feeds the enforcer a negative-energy sample and checks the energy density of what it
// certifies, then triggers an emergency and waits for device-off. A level that cannot
// finish is reported as failed, never aborted.
func RunDrill(ctx context.Context, cfg DrillConfig) (ComponentResult, error) {
	if cfg.Registry == nil {
		return ComponentResult{}, errors.New("drill: nil registry")
	}
	levels := cfg.Levels
	if levels == nil {
		levels = safety.Levels()
	}
	for _, l := range levels {
		if !l.Valid() {
			return ComponentResult{}, fmt.Errorf("drill: %w: %d", safety.ErrUnknownLevel, int(l))
		}
	}
	logger := logging.OrNop(cfg.Logger)

	var mu sync.Mutex
	results := make(map[string]LevelResult, len(levels))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for _, level := range levels {
		g.Go(func() error {
			res := drillLevel(gctx, cfg, level, logger)
			mu.Lock()
			results[level.String()] = res
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return ComponentResult{}, fmt.Errorf("drill: %w", err)
	}

	status := ComponentPassed
	for _, l := range levels {
		if !results[l.String()].Passed() {
			status = ComponentFailed
		}
	}
	logger.Info("emergency drill complete", zap.String("status", string(status)), zap.Int("levels", len(levels)))
	return ComponentResult{Component: ComponentShutdownController, Status: status, DetailedResults: results}, nil
}

func drillLevel(ctx context.Context, cfg DrillConfig, level safety.Level, logger *zap.Logger) LevelResult {
	var res LevelResult
	logger = logger.With(logging.SafetyLevel(level))

	rig := cfg.Rig
	if rig == nil {
		rig = SimulatedRig(cfg.DeviceLatency)
	}
	bench, err := rig(level)
	if err != nil {
		logger.Error("drill bench unavailable", zap.Error(err))
		res.Error = fmt.Sprintf("bench: %v", err)
		return res
	}
	if bench.Close != nil {
		defer func() {
			if err := bench.Close(); err != nil {
				logger.Warn("close drill bench", zap.Error(err))
			}
		}()
	}

	enforcer := gate.NewEnforcer(cfg.Registry, gate.WithSink(cfg.AuditSink), gate.WithLogger(logger))
	opts := append([]shutdown.Option{
		shutdown.WithConfig(cfg.Monitor),
		shutdown.WithEnforcer(enforcer),
		shutdown.WithSink(cfg.Sink),
		shutdown.WithLogger(logger),
	}, bench.Options...)
	ctrl := shutdown.NewController(cfg.Registry, bench.Device, opts...)
	defer ctrl.Close()

	// --- Initialization ---
	spec := cfg.Registry.Spec(level)
	res.InitializationSuccess = ctrl.State() == shutdown.Nominal && spec.MaxFieldStrength > 0

	// --- Positive-energy check ---
	threshold := spec.MaxFieldStrength
	sample := field.NewState([]float64{threshold / 2, -threshold / 4, 0}, time.Now())
	v := enforcer.Evaluate(sample, level)
	res.PositiveEnergyGuaranteed = v.Outcome == gate.Projected && v.Violation != nil &&
		v.Violation.Rule == gate.RuleNonNegativity
	res.NoExoticMatter = v.Safe() && len(v.State.NegativeIndices()) == 0 && v.State.Magnitude() <= threshold

	// --- Energy density of the certified field ---
	coupling := cfg.EnergyCoupling
	if coupling <= 0 {
		coupling = safety.ReferenceEnergyCoupling
	}
	res.EnergyDensityJm3 = safety.EnergyDensity(v.State.Magnitude(), coupling)
	res.MaxEnergyDensityJm3 = spec.MaxEnergyDensity
	res.EnergyDensityRatio = spec.EnergyDensityRatio(res.EnergyDensityJm3)
	res.EnergyDensityWithinLimit = v.Safe() && res.EnergyDensityRatio <= 1
	if !res.EnergyDensityWithinLimit {
		logger.Warn("certified field exceeds energy density limit",
			zap.Float64("energy_density", res.EnergyDensityJm3),
			zap.Float64("ratio", res.EnergyDensityRatio),
		)
	}
	ctrl.Observe(v)

	// --- Emergency ---
	triggeredAt := time.Now()
	if err := ctrl.Trigger("certification drill", level); err != nil {
		res.Error = err.Error()
		return res
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ev, err := ctrl.WaitForShutdown(wctx)
	if err != nil {
		elapsed := time.Since(triggeredAt)
		logger.Error("drill shutdown did not confirm", zap.Error(err), logging.Millis("elapsed_ms", elapsed))
		res.Error = err.Error()
		res.EmergencyShutdownTimeMs = float64(elapsed) / float64(time.Millisecond)
		return res
	}
	res.EmergencyShutdownTimeMs = ev.ResponseTimeMs()
	res.EmergencyShutdownSuccess = ev.Success()
	res.SystemSafeState = ev.SystemSafeState
	return res
}

// #endregion drill
