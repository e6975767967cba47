package shutdown

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
)

// #region state
// State is the emergency controller state.
type State string

const (
	Nominal      State = "nominal"
	Warning      State = "warning"
	ShuttingDown State = "shutting_down"
	Shutdown     State = "shutdown"
	Recovering   State = "recovering"
)

// #endregion state

// #region config
// Config holds monitoring-loop and trigger parameters.
type Config struct {
	RateHz          float64       // monitor loop frequency
	ProjectedLimit  int           // projections tolerated inside ProjectedWindow
	ProjectedWindow time.Duration // sliding window for the projection rate trigger
	ConfirmRetry    time.Duration // wait between failed deenergize attempts
}

// DefaultConfig returns the reference 20 kHz monitoring configuration.
func DefaultConfig() Config {
	return Config{
		RateHz:          20000,
		ProjectedLimit:  3,
		ProjectedWindow: 10 * time.Millisecond,
		ConfirmRetry:    time.Millisecond,
	}
}

// Period returns the monitor loop tick interval.
func (c Config) Period() time.Duration {
	if c.RateHz <= 0 {
		return time.Second / 20000
	}
	return time.Duration(float64(time.Second) / c.RateHz)
}

// #endregion config

// #region event
// EmergencyEvent records one emergency shutdown. Success is derived from the two
// latencies and is never stored.
type EmergencyEvent struct {
	ID               string
	TriggerTimestamp time.Time
	TriggerReason    string
	SafetyLevel      safety.Level
	Deadline         time.Duration
	ResponseTime     time.Duration
	SystemSafeState  bool // the device confirmed off
	Attempts         int  // deenergize calls until confirmation
}

// DeadlineMs returns the deadline in milliseconds.
func (e EmergencyEvent) DeadlineMs() float64 {
	return float64(e.Deadline) / float64(time.Millisecond)
}

// ResponseTimeMs returns the response time in milliseconds.
func (e EmergencyEvent) ResponseTimeMs() float64 {
	return float64(e.ResponseTime) / float64(time.Millisecond)
}

// Success reports whether the shutdown met its deadline.
func (e EmergencyEvent) Success() bool {
	return e.ResponseTimeMs() <= e.DeadlineMs()
}

type eventJSON struct {
	ID               string       `json:"id"`
	TriggerTimestamp time.Time    `json:"trigger_timestamp"`
	TriggerReason    string       `json:"trigger_reason"`
	SafetyLevel      safety.Level `json:"safety_level"`
	DeadlineMs       float64      `json:"deadline_ms"`
	ResponseTimeMs   float64      `json:"response_time_ms"`
	Success          bool         `json:"success"`
	SystemSafeState  bool         `json:"system_safe_state"`
	Attempts         int          `json:"attempts"`
}

// MarshalJSON emits the millisecond wire form with the derived success flag.
func (e EmergencyEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:               e.ID,
		TriggerTimestamp: e.TriggerTimestamp,
		TriggerReason:    e.TriggerReason,
		SafetyLevel:      e.SafetyLevel,
		DeadlineMs:       e.DeadlineMs(),
		ResponseTimeMs:   e.ResponseTimeMs(),
		Success:          e.Success(),
		SystemSafeState:  e.SystemSafeState,
		Attempts:         e.Attempts,
	})
}

// UnmarshalJSON reads the wire form; the success flag is ignored and re-derived.
func (e *EmergencyEvent) UnmarshalJSON(b []byte) error {
	var w eventJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = EmergencyEvent{
		ID:               w.ID,
		TriggerTimestamp: w.TriggerTimestamp,
		TriggerReason:    w.TriggerReason,
		SafetyLevel:      w.SafetyLevel,
		Deadline:         time.Duration(w.DeadlineMs * float64(time.Millisecond)),
		ResponseTime:     time.Duration(w.ResponseTimeMs * float64(time.Millisecond)),
		SystemSafeState:  w.SystemSafeState,
		Attempts:         w.Attempts,
	}
	return nil
}

// #endregion event

// #region transition
// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// #endregion transition

// #region snapshot
// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State           State            `json:"state"`
	Events          []EmergencyEvent `json:"events"`
	Transitions     []Transition     `json:"transitions"`
	Degraded        bool             `json:"degraded"`          // some shutdown missed its deadline
	SystemSafeState bool             `json:"system_safe_state"` // device is confirmed off or was never energized past a trip
}

// #endregion snapshot

// #region collaborators
// Clock supplies monotonic time. time.Now readings carry a monotonic component, so
// durations between them are immune to wall-clock adjustment.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Deenergizer drives the actuation device off. A nil return is the off confirmation.
type Deenergizer interface {
	Deenergize(ctx context.Context) error
}

// Rearmer is implemented by devices that latch off on Deenergize. Reset calls Rearm
// before the controller returns to Nominal.
type Rearmer interface {
	Rearm()
}

// Sampler supplies out-of-band field samples to the monitor loop. ok is false when no
// sample is available on this tick; Sample must not block.
type Sampler interface {
	Sample(ctx context.Context) (st field.State, level safety.Level, ok bool)
}

// EventSink persists emergency events and transitions.
type EventSink interface {
	RecordEvent(e EmergencyEvent) error
	RecordTransition(t Transition) error
}

// #endregion collaborators

// #region errors
var (
	ErrInvalidTransition = errors.New("invalid emergency state transition")
	ErrClosed            = errors.New("emergency controller closed")
)

// #endregion errors
