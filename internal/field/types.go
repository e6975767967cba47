package field

import (
	"math"
	"time"
)

// #region state
// State is one field-state sample. Components are keyed by spatial index; the sign of a
// component carries the energy sign used by the positive-energy constraint.
type State struct {
	Components []float64 `json:"components" yaml:"components"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp,omitempty"`
}

// NewState copies components into a new timestamped sample.
func NewState(components []float64, ts time.Time) State {
	c := make([]float64, len(components))
	copy(c, components)
	return State{Components: c, Timestamp: ts}
}

// Clone returns a deep copy so callers never share the component slice.
func (s State) Clone() State {
	return NewState(s.Components, s.Timestamp)
}

// Magnitude computes the L2 norm over all components, scaled by the largest so
// squaring finite components cannot overflow.
func (s State) Magnitude() float64 {
	var scale float64
	for _, x := range s.Components {
		scale = math.Max(scale, math.Abs(x))
	}
	if scale == 0 || math.IsInf(scale, 0) || math.IsNaN(scale) {
		return scale
	}
	var sum float64
	for _, x := range s.Components {
		d := x / scale
		sum += d * d
	}
	return scale * math.Sqrt(sum)
}

// NegativeIndices returns the spatial indices holding negative values.
func (s State) NegativeIndices() []int {
	var idx []int
	for i, x := range s.Components {
		if x < 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// Finite reports whether every component is a finite number.
func (s State) Finite() bool {
	for _, x := range s.Components {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// #endregion state

// #region command
// Command is a certified field command forwarded to the actuation device.
type Command struct {
	SessionID string `json:"session_id"`
	Waypoint  int    `json:"waypoint"`
	State     State  `json:"state"`
}

// #endregion command
