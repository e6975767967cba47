package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/gate"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/logging"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/metrics"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// #region controller
// Controller is the emergency shutdown state machine. It is the only writer of
// EmergencyEvent records.
type Controller struct {
	cfg      Config
	registry *safety.Registry
	enforcer *gate.Enforcer
	device   Deenergizer
	clock    Clock
	sink     EventSink
	logger   *zap.Logger
	inst     *metrics.Instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	closed      bool
	projections []time.Time
	events      []EmergencyEvent
	transitions []Transition
	listeners   []func(reason string)
	tripped     chan struct{} // closed when the controller leaves Nominal
	done        chan struct{} // closed when the current shutdown finishes
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig overrides the monitoring configuration.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithClock overrides the monotonic clock.
func WithClock(clk Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithSink persists events and transitions.
func WithSink(s EventSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithInstruments records otel metrics.
func WithInstruments(i *metrics.Instruments) Option {
	return func(c *Controller) { c.inst = i }
}

// WithEnforcer sets the enforcer used by the monitor loop.
func WithEnforcer(e *gate.Enforcer) Option {
	return func(c *Controller) { c.enforcer = e }
}

// NewController creates a controller in Nominal that drives device off on a trip.
func NewController(registry *safety.Registry, device Deenergizer, opts ...Option) *Controller {
	c := &Controller{
		cfg:      DefaultConfig(),
		registry: registry,
		device:   device,
		clock:    systemClock{},
		state:    Nominal,
		tripped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrNop(c.logger)
	if c.enforcer == nil {
		c.enforcer = gate.NewEnforcer(registry, gate.WithLogger(c.logger))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// #endregion controller

// #region observe
// Observe feeds one enforcer verdict into the state machine and returns the resulting
// state. A Rejected verdict, or more than ProjectedLimit projections inside
// ProjectedWindow, trips the controller; trip listeners have run by the time Observe
// returns.
func (c *Controller) Observe(v gate.Verdict) State {
	c.inst.Verdict(context.Background(), string(v.Outcome), v.Level.String())

	c.mu.Lock()
	if c.state != Nominal || c.closed {
		st := c.state
		c.mu.Unlock()
		return st
	}

	var reason string
	switch v.Outcome {
	case gate.Rejected:
		reason = "rejected verdict"
		if v.Violation != nil {
			reason = fmt.Sprintf("rejected verdict: %s", v.Violation.Rule)
		}
	case gate.Projected:
		now := c.clock.Now()
		c.projections = append(c.projections, now)
		c.pruneProjectionsLocked(now)
		if len(c.projections) > c.cfg.ProjectedLimit {
			reason = fmt.Sprintf("projection rate exceeded: %d within %s", len(c.projections), c.cfg.ProjectedWindow)
		}
	}
	if reason == "" {
		c.mu.Unlock()
		return Nominal
	}

	ts, listeners := c.beginShutdownLocked(reason, v.Level)
	st := c.state
	c.mu.Unlock()

	c.emit(ts)
	notify(listeners, reason)
	return st
}

// Trigger starts an emergency shutdown without a verdict, for drills and operator
// e-stops.
func (c *Controller) Trigger(reason string, level safety.Level) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Nominal {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("trigger from %s: %w", st, ErrInvalidTransition)
	}
	ts, listeners := c.beginShutdownLocked(reason, level)
	c.mu.Unlock()

	c.emit(ts)
	notify(listeners, reason)
	return nil
}

// #endregion observe

// #region shutdown
// beginShutdownLocked moves Nominal -> Warning -> ShuttingDown without delay and starts
// the deenergize goroutine. c.mu must be held.
func (c *Controller) beginShutdownLocked(reason string, level safety.Level) ([]Transition, []func(string)) {
	triggeredAt := c.clock.Now()
	ts := []Transition{
		c.transitionLocked(Warning, reason, triggeredAt),
	}
	start := c.clock.Now()
	ts = append(ts, c.transitionLocked(ShuttingDown, reason, start))

	close(c.tripped)
	done := make(chan struct{})
	c.done = done
	c.projections = nil

	c.logger.Error("emergency shutdown started",
		logging.SafetyLevel(level),
		zap.String("reason", reason),
		logging.Millis("deadline_ms", c.registry.Deadline(level)),
	)

	c.wg.Add(1)
	go c.deenergize(trip{
		reason:      reason,
		level:       level,
		triggeredAt: triggeredAt,
		start:       start,
		done:        done,
	})

	return ts, append([]func(string){}, c.listeners...)
}

type trip struct {
	reason      string
	level       safety.Level
	triggeredAt time.Time
	start       time.Time
	done        chan struct{}
}

// deenergize retries the device until it confirms off, then records the event.
func (c *Controller) deenergize(t trip) {
	defer c.wg.Done()
	defer close(t.done)

	attempts := 0
	for {
		attempts++
		err := c.device.Deenergize(c.ctx)
		if err == nil {
			break
		}
		c.logger.Warn("deenergize attempt failed",
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if c.ctx.Err() != nil {
			c.abandon(t, attempts)
			return
		}
		select {
		case <-c.ctx.Done():
			c.abandon(t, attempts)
			return
		case <-time.After(c.cfg.ConfirmRetry):
		}
	}
	c.confirmOff(t, attempts)
}

// confirmOff moves ShuttingDown -> Shutdown. A deadline miss is recorded on the event,
// never raised.
func (c *Controller) confirmOff(t trip, attempts int) {
	c.mu.Lock()
	now := c.clock.Now()
	ev := EmergencyEvent{
		ID:               uuid.NewString(),
		TriggerTimestamp: t.triggeredAt,
		TriggerReason:    t.reason,
		SafetyLevel:      t.level,
		Deadline:         c.registry.Deadline(t.level),
		ResponseTime:     now.Sub(t.start),
		SystemSafeState:  true,
		Attempts:         attempts,
	}
	c.events = append(c.events, ev)
	tr := c.transitionLocked(Shutdown, "device off confirmed", now)
	c.mu.Unlock()

	c.persistEvent(ev)
	c.emit([]Transition{tr})
}

// abandon records a shutdown that never received device-off confirmation. The state
// stays ShuttingDown.
func (c *Controller) abandon(t trip, attempts int) {
	c.mu.Lock()
	ev := EmergencyEvent{
		ID:               uuid.NewString(),
		TriggerTimestamp: t.triggeredAt,
		TriggerReason:    t.reason,
		SafetyLevel:      t.level,
		Deadline:         c.registry.Deadline(t.level),
		ResponseTime:     c.clock.Now().Sub(t.start),
		SystemSafeState:  false,
		Attempts:         attempts,
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	c.logger.Error("shutdown abandoned without device-off confirmation",
		logging.SafetyLevel(t.level),
		zap.Int("attempts", attempts),
	)
	c.persistEvent(ev)
}

func (c *Controller) persistEvent(ev EmergencyEvent) {
	c.inst.Shutdown(context.Background(), ev.SafetyLevel.String(), ev.ResponseTimeMs(), ev.Success())

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		logging.SafetyLevel(ev.SafetyLevel),
		zap.Float64("response_ms", ev.ResponseTimeMs()),
		zap.Float64("deadline_ms", ev.DeadlineMs()),
		zap.Bool("system_safe_state", ev.SystemSafeState),
	}
	if ev.Success() {
		c.logger.Info("emergency shutdown complete", fields...)
	} else {
		c.logger.Error("emergency shutdown deadline missed", fields...)
	}

	if c.sink != nil {
		if err := c.sink.RecordEvent(ev); err != nil {
			c.logger.Error("persist emergency event", zap.Error(err))
		}
	}
}

// #endregion shutdown

// #region reset
// Reset re-arms the controller after a confirmed shutdown: Shutdown -> Recovering ->
// Nominal. Any other starting state returns ErrInvalidTransition.
func (c *Controller) Reset(operator string) error {
	c.mu.Lock()
	if c.state != Shutdown {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("reset from %s: %w", st, ErrInvalidTransition)
	}
	if r, ok := c.device.(Rearmer); ok {
		r.Rearm()
	}
	now := c.clock.Now()
	reason := "operator reset by " + operator
	ts := []Transition{
		c.transitionLocked(Recovering, reason, now),
		c.transitionLocked(Nominal, reason, c.clock.Now()),
	}
	c.tripped = make(chan struct{})
	c.done = nil
	c.projections = nil
	c.mu.Unlock()

	c.logger.Info("controller re-armed", zap.String("operator", operator))
	c.emit(ts)
	return nil
}

// #endregion reset

// #region monitor
// Run is the fixed-rate monitoring loop. Each tick pulls one out-of-band sample,
// evaluates it, and feeds the verdict to Observe. It returns nil when ctx ends.
func (c *Controller) Run(ctx context.Context, sampler Sampler) error {
	ticker := time.NewTicker(c.cfg.Period())
	defer ticker.Stop()

	c.logger.Info("monitor loop started", zap.Float64("rate_hz", c.cfg.RateHz))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("monitor loop stopped")
			return nil
		case <-ticker.C:
			st, level, ok := sampler.Sample(ctx)
			if !ok {
				continue
			}
			c.Observe(c.enforcer.Evaluate(st, level))
		}
	}
}

// #endregion monitor

// #region accessors
// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tripped returns a channel closed when the controller leaves Nominal. Reset installs
// a fresh channel.
func (c *Controller) Tripped() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped
}

// OnTrip registers a listener called with the trip reason. Listeners run on the
// tripping goroutine after the controller lock is released.
func (c *Controller) OnTrip(fn func(reason string)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// WaitForShutdown blocks until the in-progress shutdown finishes and returns its event.
func (c *Controller) WaitForShutdown(ctx context.Context) (EmergencyEvent, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return EmergencyEvent{}, errors.New("no shutdown in progress")
	}

	select {
	case <-ctx.Done():
		return EmergencyEvent{}, ctx.Err()
	case <-done:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return EmergencyEvent{}, ErrClosed
	}
	ev := c.events[len(c.events)-1]
	if !ev.SystemSafeState {
		return ev, ErrClosed
	}
	return ev, nil
}

// Snapshot returns a copy of the controller's state, events and transitions.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:       c.state,
		Events:      append([]EmergencyEvent(nil), c.events...),
		Transitions: append([]Transition(nil), c.transitions...),
	}
	for _, ev := range c.events {
		if !ev.Success() {
			s.Degraded = true
		}
	}
	s.SystemSafeState = c.state != Warning && c.state != ShuttingDown
	if n := len(c.events); n > 0 && !c.events[n-1].SystemSafeState {
		s.SystemSafeState = false
	}
	return s
}

// Close stops any in-flight shutdown goroutine and waits for it to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// #endregion accessors

// #region helpers
func (c *Controller) transitionLocked(to State, reason string, at time.Time) Transition {
	t := Transition{From: c.state, To: to, At: at, Reason: reason}
	c.state = to
	c.transitions = append(c.transitions, t)
	return t
}

func (c *Controller) pruneProjectionsLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.ProjectedWindow)
	keep := c.projections[:0]
	for _, at := range c.projections {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	c.projections = keep
}

// emit logs, counts and persists transitions outside the lock.
func (c *Controller) emit(ts []Transition) {
	for _, t := range ts {
		c.logger.Info("state transition",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("reason", t.Reason),
		)
		c.inst.Transition(context.Background(), string(t.From), string(t.To))
		if c.sink != nil {
			if err := c.sink.RecordTransition(t); err != nil {
				c.logger.Error("persist transition", zap.Error(err))
			}
		}
	}
}

func notify(listeners []func(string), reason string) {
	for _, fn := range listeners {
		fn(reason)
	}
}

// #endregion helpers
