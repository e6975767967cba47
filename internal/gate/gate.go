package gate

import (
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"go.uber.org/zap"
)

// #region enforcer
// Enforcer validates field states against the positive-energy constraint and the
// active safety level, and owns the audit log of every violation it records.
type Enforcer struct {
	registry *safety.Registry
	sink     AuditSink
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	audit []Violation
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithSink persists every recorded violation.
func WithSink(s AuditSink) Option {
	return func(e *Enforcer) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// WithClock overrides the violation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// NewEnforcer creates an enforcer bound to a validated registry.
func NewEnforcer(registry *safety.Registry, opts ...Option) *Enforcer {
	e := &Enforcer{registry: registry, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrNop(e.logger)
	return e
}

// Evaluate checks the non-negativity constraint first, projecting negative components to
// zero, then checks the projected magnitude against the level's threshold.
func (e *Enforcer) Evaluate(state field.State, level safety.Level) Verdict {
	threshold := e.registry.ThresholdFor(level)
	now := e.now()

	// --- Hard reject: non-finite samples cannot be projected ---
	if !state.Finite() {
		v := e.record(Violation{
			Timestamp:   now,
			Rule:        RuleStrengthThreshold,
			Magnitude:   math.MaxFloat64,
			SafetyLevel: level,
			NonFinite:   true,
		})
		return e.reject(v, level, threshold)
	}

	// --- Non-negativity pass ---
	safe := state.Clone()
	var projection *Violation
	if neg := state.NegativeIndices(); len(neg) > 0 {
		worst := 0.0
		for _, i := range neg {
			worst = math.Min(worst, safe.Components[i])
			safe.Components[i] = 0
		}
		v := e.record(Violation{
			Timestamp:   now,
			Rule:        RuleNonNegativity,
			Magnitude:   worst,
			SafetyLevel: level,
			Indices:     neg,
		})
		projection = &v
	}

	// --- Strength threshold pass ---
	mag := math.Min(safe.Magnitude(), math.MaxFloat64)
	if mag > threshold {
		v := e.record(Violation{
			Timestamp:   now,
			Rule:        RuleStrengthThreshold,
			Magnitude:   mag,
			SafetyLevel: level,
		})
		return e.reject(v, level, threshold)
	}

	if projection != nil {
		e.logger.Warn("field state projected",
			logging.SafetyLevel(level),
			zap.Float64(logging.KeyMagnitude, projection.Magnitude),
			zap.Ints("indices", projection.Indices),
		)
		return Verdict{Outcome: Projected, State: safe, Violation: projection, Level: level, Threshold: threshold}
	}
	return Verdict{Outcome: Accepted, State: safe, Level: level, Threshold: threshold}
}

// Violations returns a copy of the audit log.
func (e *Enforcer) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Violation, len(e.audit))
	for i, v := range e.audit {
		out[i] = v.clone()
	}
	return out
}

// #endregion enforcer

// #region helpers
func (e *Enforcer) reject(v Violation, level safety.Level, threshold float64) Verdict {
	e.logger.Error("field state rejected",
		logging.SafetyLevel(level),
		zap.String(logging.KeyRule, string(v.Rule)),
		zap.Float64(logging.KeyMagnitude, v.Magnitude),
		zap.Float64("threshold", threshold),
	)
	return Verdict{Outcome: Rejected, Violation: &v, Level: level, Threshold: threshold}
}

// record appends to the audit log and forwards to the sink. A sink failure is logged but
// never blocks the verdict.
func (e *Enforcer) record(v Violation) Violation {
	e.mu.Lock()
	e.audit = append(e.audit, v.clone())
	e.mu.Unlock()

	if e.sink != nil {
		if err := e.sink.RecordViolation(v); err != nil {
			e.logger.Error("persist violation", zap.Error(err), zap.String(logging.KeyRule, string(v.Rule)))
		}
	}
	return v
}

func (v Violation) clone() Violation {
	if v.Indices != nil {
		v.Indices = append([]int(nil), v.Indices...)
	}
	return v
}

// #endregion helpers
