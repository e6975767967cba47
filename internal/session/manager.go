package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/shutdown"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region manager
// Manager runs manipulation sessions. Each session owns its enforcer; every step is
// certified before it reaches the actuator, and an emergency trip aborts every open
// session.
type Manager struct {
	registry *safety.Registry
	monitor  Monitor
	actuator Actuator
	sink     gate.AuditSink
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id         string
	target     Target
	trajectory Trajectory
	enforcer   *gate.Enforcer
	status     Status
	next       int
	endCause   string
	stepping   bool
	cancel     context.CancelFunc // in-flight actuation
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithViolationSink persists the violations of every session's enforcer.
func WithViolationSink(s gate.AuditSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager and subscribes it to the monitor's trips.
func NewManager(registry *safety.Registry, monitor Monitor, actuator Actuator, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		monitor:  monitor,
		actuator: actuator,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = logging.OrNop(m.logger)
	monitor.OnTrip(m.preempt)
	return m
}

// #endregion manager

// #region start
// Start registers a Pending session for target along trajectory at level. The
// emergency controller must be Nominal.
func (m *Manager) Start(target Target, trajectory Trajectory, level safety.Level) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	if len(trajectory) == 0 {
		return "", ErrEmptyTrajectory
	}
	if !level.Valid() {
		return "", fmt.Errorf("start session: %w: %d", safety.ErrUnknownLevel, int(level))
	}
	if st := m.monitor.State(); st != shutdown.Nominal {
		return "", fmt.Errorf("start session in %s: %w", st, ErrControllerNotNominal)
	}

	target.Level = level
	traj := make(Trajectory, len(trajectory))
	for i, wp := range trajectory {
		traj[i] = Waypoint{Position: wp.Position, Field: wp.Field.Clone()}
	}

	opts := []gate.Option{gate.WithLogger(m.logger), gate.WithClock(m.now)}
	if m.sink != nil {
		opts = append(opts, gate.WithSink(m.sink))
	}
	s := &session{
		id:         uuid.NewString(),
		target:     target,
		trajectory: traj,
		enforcer:   gate.NewEnforcer(m.registry, opts...),
		status:     Pending,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session started",
		logging.Session(s.id),
		logging.SafetyLevel(level),
		zap.String("target", target.ID),
		zap.Int("waypoints", len(traj)),
	)
	return s.id, nil
}

// #endregion start

// #region step
// Step certifies and actuates the next waypoint. A Rejected verdict aborts the session
// and notifies the emergency controller before Step returns. A trip during actuation
// cancels the in-flight command and reports StepPreempted. Only one Step per session
// may run at a time; a concurrent caller gets ErrStepInFlight.
func (m *Manager) Step(ctx context.Context, id string) (StepResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return StepResult{}, fmt.Errorf("step %s: %w", id, ErrUnknownSession)
	}
	if s.status.Closed() {
		st := s.status
		m.mu.Unlock()
		return StepResult{}, fmt.Errorf("step %s (%s): %w", id, st, ErrSessionClosed)
	}
	if s.stepping {
		m.mu.Unlock()
		return StepResult{}, fmt.Errorf("step %s: %w", id, ErrStepInFlight)
	}
	s.stepping = true
	idx := s.next
	wp := s.trajectory[idx]
	level := s.target.Level
	enforcer := s.enforcer
	stepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.status = Active
	m.mu.Unlock()
	defer cancel()
	defer m.release(s)

	res := StepResult{SessionID: id, Index: idx}

	if m.monitor.State() != shutdown.Nominal {
		res.Outcome = StepPreempted
		res.Status = m.end(s, Aborted, "controller not nominal")
		return res, nil
	}

	sample := wp.Field.Clone()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = m.now()
	}
	verdict := enforcer.Evaluate(sample, level)
	res.Verdict = verdict

	if verdict.Outcome == gate.Rejected {
		res.Outcome = StepRejected
		res.Status = m.end(s, Aborted, fmt.Sprintf("rejected at waypoint %d", idx))
		m.monitor.Observe(verdict)
		return res, nil
	}

	if m.monitor.Observe(verdict) != shutdown.Nominal {
		res.Outcome = StepPreempted
		res.Status = m.end(s, Aborted, "emergency shutdown")
		return res, nil
	}

	err := m.actuator.Apply(stepCtx, field.Command{SessionID: id, Waypoint: idx, State: verdict.State})

	// A trip while Apply was in flight wins even when the device accepted the field.
	tripped := m.monitor.State() != shutdown.Nominal
	if tripped && err == nil {
		m.recall(ctx, id, idx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.cancel = nil
	if tripped && !s.status.Closed() {
		m.abortLocked(s, "emergency shutdown")
	}
	if s.status == Aborted {
		res.Outcome = StepPreempted
		res.Status = Aborted
		return res, nil
	}
	if err != nil {
		s.status = Aborted
		s.endCause = "actuation failed"
		m.logger.Error("actuation failed", logging.Session(id), zap.Int("waypoint", idx), zap.Error(err))
		res.Status = Aborted
		return res, fmt.Errorf("apply waypoint %d: %w", idx, err)
	}

	s.next++
	res.Outcome = StepOutcome(verdict.Outcome)
	if s.next == len(s.trajectory) {
		s.status = Completed
		res.Outcome = StepCompleted
		m.logger.Info("session completed", logging.Session(id))
	}
	res.Status = s.status
	return res, nil
}

// recall turns the device off again after a command landed behind a trip. The
// controller's own deenergize stays authoritative; this covers actuators that do not
// latch.
func (m *Manager) recall(ctx context.Context, id string, idx int) {
	d, ok := m.actuator.(shutdown.Deenergizer)
	if !ok {
		return
	}
	if err := d.Deenergize(ctx); err != nil {
		m.logger.Error("recall after trip failed", logging.Session(id), zap.Int("waypoint", idx), zap.Error(err))
	}
}

func (m *Manager) release(s *session) {
	m.mu.Lock()
	s.stepping = false
	m.mu.Unlock()
}

// #endregion step

// #region abort
// Abort is the cooperative cancellation path for one session.
func (m *Manager) Abort(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("abort %s: %w", id, ErrUnknownSession)
	}
	if s.status.Closed() {
		return fmt.Errorf("abort %s (%s): %w", id, s.status, ErrSessionClosed)
	}
	m.abortLocked(s, "aborted: "+reason)
	return nil
}

// preempt aborts every open session. It is registered as a trip listener and must not
// call back into the controller.
func (m *Manager) preempt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.status.Closed() {
			m.abortLocked(s, "preempted: "+reason)
		}
	}
}

func (m *Manager) abortLocked(s *session, cause string) {
	s.status = Aborted
	s.endCause = cause
	if s.cancel != nil {
		s.cancel()
	}
	m.logger.Warn("session aborted", logging.Session(s.id), zap.String("cause", cause))
}

// end closes s unless a trip already did, and returns the final status.
func (m *Manager) end(s *session, st Status, cause string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.cancel = nil
	if !s.status.Closed() {
		if st == Aborted {
			m.abortLocked(s, cause)
		} else {
			s.status = st
			s.endCause = cause
		}
	}
	return s.status
}

// #endregion abort

// #region accessors
// Status returns the status of one session.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", fmt.Errorf("status %s: %w", id, ErrUnknownSession)
	}
	return s.status, nil
}

// Info returns a view of one session.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("info %s: %w", id, ErrUnknownSession)
	}
	return Info{
		ID:       s.id,
		Target:   s.target,
		Status:   s.status,
		Next:     s.next,
		Total:    len(s.trajectory),
		EndCause: s.endCause,
	}, nil
}

// Violations returns the audit log of one session's enforcer.
func (m *Manager) Violations(id string) ([]gate.Violation, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("violations %s: %w", id, ErrUnknownSession)
	}
	return s.enforcer.Violations(), nil
}

// Active lists the IDs of sessions that are Pending or Active, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, s := range m.sessions {
		if !s.status.Closed() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// #endregion accessors
