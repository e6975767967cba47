package gate

import (
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
)

// #region rule
// Rule enumerates the constraint that a violation broke.
type Rule string

const (
	RuleNonNegativity     Rule = "non_negativity"
	RuleStrengthThreshold Rule = "strength_threshold"
)

// #endregion rule

// #region violation
// Violation is an immutable record of a broken constraint.
type Violation struct {
	Timestamp   time.Time    `json:"timestamp"`
	Rule        Rule         `json:"violated_rule"`
	Magnitude   float64      `json:"magnitude"` // most negative component, or post-projection norm
	SafetyLevel safety.Level `json:"safety_level"`
	Indices     []int        `json:"indices,omitempty"`
	NonFinite   bool         `json:"non_finite,omitempty"` // sample held NaN or ±Inf; Magnitude is math.MaxFloat64
}

// #endregion violation

// #region outcome
// Outcome is the verdict category.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Projected Outcome = "projected"
	Rejected  Outcome = "rejected"
)

// #endregion outcome

// #region verdict
// Verdict is the result of one evaluation.
//
//	Accepted:  State is the input, Violation is nil.
//	Projected: State is the clamped state, Violation records the non-negativity breach.
//	Rejected:  State is empty and must not be actuated, Violation is the threshold breach.
type Verdict struct {
	Outcome   Outcome
	State     field.State
	Violation *Violation
	Level     safety.Level
	Threshold float64
}

// Safe reports whether the verdict carries a state that may be forwarded downstream.
func (v Verdict) Safe() bool {
	return v.Outcome == Accepted || v.Outcome == Projected
}

// #endregion verdict

// #region audit-sink
// AuditSink persists violations outside the in-memory log.
type AuditSink interface {
	RecordViolation(v Violation) error
}

// #endregion audit-sink
