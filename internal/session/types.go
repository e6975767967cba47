package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
)

// #region target
// Vec3 is a position or velocity in metres (per second).
type Vec3 [3]float64

func (v Vec3) finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Target is the biological object being manipulated. It lives for one session.
type Target struct {
	ID         string            `json:"id" yaml:"id"`
	PatientRef string            `json:"patient_reference" yaml:"patient_reference"`
	Position   Vec3              `json:"position" yaml:"position"`
	Velocity   Vec3              `json:"velocity" yaml:"velocity"`
	Mass       float64           `json:"mass" yaml:"mass"` // kg
	Tissue     safety.TissueType `json:"biological_type" yaml:"biological_type"`
	Level      safety.Level      `json:"safety_level" yaml:"-"` // assigned by Start
}

// Validate checks the fields a session relies on.
func (t Target) Validate() error {
	var problems []string
	if strings.TrimSpace(t.ID) == "" {
		problems = append(problems, "empty id")
	}
	if strings.TrimSpace(t.PatientRef) == "" {
		problems = append(problems, "empty patient reference")
	}
	if !(t.Mass > 0) || math.IsInf(t.Mass, 0) {
		problems = append(problems, fmt.Sprintf("mass %g not positive", t.Mass))
	}
	if !t.Position.finite() || !t.Velocity.finite() {
		problems = append(problems, "non-finite position or velocity")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, strings.Join(problems, "; "))
	}
	return nil
}

// #endregion target

// #region trajectory
// Waypoint is one step of a desired trajectory and the field it requires.
type Waypoint struct {
	Position Vec3        `json:"position" yaml:"position"`
	Field    field.State `json:"field" yaml:"field"`
}

// Trajectory is the ordered waypoint sequence of a session.
type Trajectory []Waypoint

// LinearTrajectory splits the move from target.Position to dest into steps equal
// increments. Each waypoint's field holds, per axis, gain x mass x |increment|.
func LinearTrajectory(t Target, dest Vec3, steps int, gain float64) (Trajectory, error) {
	if steps < 1 {
		return nil, fmt.Errorf("linear trajectory: steps %d < 1", steps)
	}
	if !dest.finite() || math.IsNaN(gain) || math.IsInf(gain, 0) || gain < 0 {
		return nil, fmt.Errorf("linear trajectory: invalid destination or gain")
	}

	var inc Vec3
	for k := range inc {
		inc[k] = (dest[k] - t.Position[k]) / float64(steps)
	}
	comps := make([]float64, len(inc))
	for k := range inc {
		comps[k] = gain * t.Mass * math.Abs(inc[k])
	}

	out := make(Trajectory, steps)
	for i := range out {
		var pos Vec3
		for k := range pos {
			pos[k] = t.Position[k] + inc[k]*float64(i+1)
		}
		out[i] = Waypoint{Position: pos, Field: field.State{Components: append([]float64(nil), comps...)}}
	}
	out[steps-1].Position = dest
	return out, nil
}

// #endregion trajectory

// #region status
// Status is the session lifecycle state.
type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Completed Status = "completed"
	Aborted   Status = "aborted"
)

// Closed reports whether no further steps are allowed.
func (s Status) Closed() bool {
	return s == Completed || s == Aborted
}

// #endregion status

// #region step-result
// StepOutcome summarizes one step.
type StepOutcome string

const (
	StepAccepted  StepOutcome = "accepted"
	StepProjected StepOutcome = "projected"
	StepRejected  StepOutcome = "rejected"
	StepPreempted StepOutcome = "preempted" // emergency shutdown won over the step
	StepCompleted StepOutcome = "completed" // final waypoint actuated
)

// StepResult is returned by Step.
type StepResult struct {
	SessionID string       `json:"session_id"`
	Index     int          `json:"index"`
	Outcome   StepOutcome  `json:"outcome"`
	Verdict   gate.Verdict `json:"-"`
	Status    Status       `json:"status"`
}

// Info is a read-only view of a session.
type Info struct {
	ID       string `json:"id"`
	Target   Target `json:"target"`
	Status   Status `json:"status"`
	Next     int    `json:"next_waypoint"`
	Total    int    `json:"total_waypoints"`
	EndCause string `json:"end_cause,omitempty"`
}

// #endregion step-result

// #region collaborators
// Actuator receives certified field commands.
type Actuator interface {
	Apply(ctx context.Context, cmd field.Command) error
}

// Monitor is the slice of the emergency controller a session manager needs.
type Monitor interface {
	State() shutdown.State
	Observe(v gate.Verdict) shutdown.State
	Tripped() <-chan struct{}
	OnTrip(fn func(reason string))
}

// #endregion collaborators

// #region errors
var (
	ErrInvalidTarget        = errors.New("invalid target")
	ErrEmptyTrajectory      = errors.New("empty trajectory")
	ErrUnknownSession       = errors.New("unknown session")
	ErrSessionClosed        = errors.New("session closed")
	ErrControllerNotNominal = errors.New("emergency controller not nominal")
	ErrStepInFlight         = errors.New("step already in flight")
)

// #endregion errors
