package safety

import (
	"fmt"
	"math"
	"time"
)

// #region defaults
// DefaultShutdownDeadline is the reference emergency response limit.
const DefaultShutdownDeadline = 50 * time.Millisecond

// ReferenceSpecs returns the reference table, most sensitive first.
func ReferenceSpecs() []LevelSpec {
	return []LevelSpec{
		{NeuralUltraSafe, "Neural tissue", 1e-18, 1e-30, DefaultShutdownDeadline},
		{VascularSafe, "Blood vessels", 1e-16, 1e-28, DefaultShutdownDeadline},
		{CellularSafe, "Individual cells", 1e-14, 1e-26, DefaultShutdownDeadline},
		{TissueStandard, "General tissue", 1e-12, 1e-24, DefaultShutdownDeadline},
		{OrganLevel, "Organ manipulation", 1e-10, 1e-22, DefaultShutdownDeadline},
		{SurgicalTools, "Instrument control", 1e-8, 1e-20, DefaultShutdownDeadline},
	}
}

// #endregion defaults

// #region registry
// Registry maps safety levels to their limits. It is validated once at construction and
// read-only afterwards, so it can be shared without locking.
type Registry struct {
	specs [numLevels]LevelSpec
}

// NewRegistry builds a registry from a table holding every level exactly once.
// Fails with a ConfigError if thresholds do not strictly increase.
func NewRegistry(specs []LevelSpec) (*Registry, error) {
	var r Registry
	var seen [numLevels]bool
	for _, s := range specs {
		if !s.Level.Valid() {
			return nil, &ConfigError{Err: ErrUnknownLevel, Level: s.Level, Detail: "not a defined level"}
		}
		if seen[s.Level] {
			return nil, &ConfigError{Err: ErrIncompleteRegistry, Level: s.Level, Detail: "duplicate entry"}
		}
		seen[s.Level] = true
		r.specs[s.Level] = s
	}
	for i, ok := range seen {
		if !ok {
			return nil, &ConfigError{Err: ErrIncompleteRegistry, Level: Level(i), Detail: "missing entry"}
		}
	}
	if err := r.ValidateMonotonic(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DefaultRegistry returns the reference registry.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(ReferenceSpecs())
	if err != nil {
		panic(fmt.Sprintf("reference safety table invalid: %v", err))
	}
	return r
}

// WithOverrides returns a new registry with field-strength and deadline overrides applied.
// Zero values leave the existing entry unchanged.
func (r *Registry) WithOverrides(strength map[Level]float64, deadline time.Duration) (*Registry, error) {
	specs := make([]LevelSpec, 0, numLevels)
	for _, s := range r.specs {
		if v, ok := strength[s.Level]; ok && v != 0 {
			s.MaxFieldStrength = v
		}
		if deadline > 0 {
			s.ShutdownDeadline = deadline
		}
		specs = append(specs, s)
	}
	return NewRegistry(specs)
}

// ValidateMonotonic checks that field strength and energy density strictly increase in
// canonical order and that every deadline is positive.
func (r *Registry) ValidateMonotonic() error {
	for i, s := range r.specs {
		if !(s.MaxFieldStrength > 0) || math.IsInf(s.MaxFieldStrength, 0) {
			return &ConfigError{Err: ErrNonMonotonicThresholds, Level: s.Level,
				Detail: fmt.Sprintf("field strength %g must be positive and finite", s.MaxFieldStrength)}
		}
		if !(s.MaxEnergyDensity > 0) || math.IsInf(s.MaxEnergyDensity, 0) {
			return &ConfigError{Err: ErrNonMonotonicThresholds, Level: s.Level,
				Detail: fmt.Sprintf("energy density %g must be positive and finite", s.MaxEnergyDensity)}
		}
		if s.ShutdownDeadline <= 0 {
			return &ConfigError{Err: ErrNonMonotonicThresholds, Level: s.Level,
				Detail: fmt.Sprintf("shutdown deadline %s must be positive", s.ShutdownDeadline)}
		}
		if i == 0 {
			continue
		}
		prev := r.specs[i-1]
		if s.MaxFieldStrength <= prev.MaxFieldStrength {
			return &ConfigError{Err: ErrNonMonotonicThresholds, Level: s.Level,
				Detail: fmt.Sprintf("field strength %g not above %s (%g)", s.MaxFieldStrength, prev.Level, prev.MaxFieldStrength)}
		}
		if s.MaxEnergyDensity <= prev.MaxEnergyDensity {
			return &ConfigError{Err: ErrNonMonotonicThresholds, Level: s.Level,
				Detail: fmt.Sprintf("energy density %g not above %s (%g)", s.MaxEnergyDensity, prev.Level, prev.MaxEnergyDensity)}
		}
	}
	return nil
}

// ThresholdFor returns the max allowed field magnitude for a level.
func (r *Registry) ThresholdFor(l Level) float64 {
	return r.Spec(l).MaxFieldStrength
}

// Spec returns the full table row for a level. Unknown levels get a zero spec, whose
// zero threshold rejects every non-zero state.
func (r *Registry) Spec(l Level) LevelSpec {
	if !l.Valid() {
		return LevelSpec{Level: l}
	}
	return r.specs[l]
}

// Label returns the human-facing label.
func (r *Registry) Label(l Level) string {
	return r.Spec(l).Label
}

// Deadline returns the emergency shutdown deadline for a level.
func (r *Registry) Deadline(l Level) time.Duration {
	return r.Spec(l).ShutdownDeadline
}

// #endregion registry
