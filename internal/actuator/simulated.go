package actuator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
)

// #region simulated
// Simulated is an in-process device. Deenergize takes the configured latency and
// can be told to fail a number of times first.
type Simulated struct {
	latency time.Duration

	mu        sync.Mutex
	energized bool
	applied   []field.Command
	failNext  int
	offCalls  int
}

// NewSimulated creates a de-energized device with the given off latency.
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{latency: latency}
}

// FailNext makes the next n Deenergize calls fail.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Apply energizes the field with cmd.
func (s *Simulated) Apply(ctx context.Context, cmd field.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energized = true
	s.applied = append(s.applied, field.Command{SessionID: cmd.SessionID, Waypoint: cmd.Waypoint, State: cmd.State.Clone()})
	return nil
}

// Deenergize waits out the latency and turns the field off.
func (s *Simulated) Deenergize(ctx context.Context) error {
	s.mu.Lock()
	s.offCalls++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return errors.New("simulated relay fault")
	}
	s.mu.Unlock()

	if s.latency > 0 {
		t := time.NewTimer(s.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	s.energized = false
	s.mu.Unlock()
	return nil
}

// Energized reports whether a field is currently applied.
func (s *Simulated) Energized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energized
}

// Applied returns a copy of every command applied so far.
func (s *Simulated) Applied() []field.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]field.Command(nil), s.applied...)
}

// DeenergizeCalls counts Deenergize attempts.
func (s *Simulated) DeenergizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offCalls
}

// #endregion simulated

// #region tap
// Tap wraps a Device and remembers the last field it applied until a confirmed
// Deenergize, so the monitor loop can re-check what the device is producing.
//
// Deenergize latches the tap: Apply is refused with ErrLatched until Rearm.
// Applies already in flight when the latch closes are waited out and followed by
// another off command, so a confirmed Deenergize means the device is off.
type Tap struct {
	device Device
	level  safety.Level

	mu       sync.Mutex
	latched  bool
	inflight int
	drained  chan struct{} // closed when inflight drops to zero
	landed   bool          // an apply reached the device after the latch closed
	on       bool
	last     field.State
}

// ErrLatched is returned by Tap.Apply between a Deenergize and the next Rearm.
var ErrLatched = errors.New("actuator latched off")

// NewTap wraps dev; samples are tagged with level.
func NewTap(dev Device, level safety.Level) *Tap {
	return &Tap{device: dev, level: level}
}

// Apply forwards cmd and records it once the device accepted it.
func (t *Tap) Apply(ctx context.Context, cmd field.Command) error {
	t.mu.Lock()
	if t.latched {
		t.mu.Unlock()
		return ErrLatched
	}
	t.inflight++
	t.mu.Unlock()

	err := t.device.Apply(ctx, cmd)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
	if t.inflight == 0 && t.drained != nil {
		close(t.drained)
		t.drained = nil
	}
	if t.latched {
		if err == nil {
			t.landed = true
		}
		return ErrLatched
	}
	if err != nil {
		return err
	}
	t.on = true
	t.last = cmd.State.Clone()
	return nil
}

// Deenergize latches the tap, forwards the off command and forgets the field on
// confirmation. It returns only once no apply can still reach the device.
func (t *Tap) Deenergize(ctx context.Context) error {
	t.mu.Lock()
	t.latched = true
	t.mu.Unlock()

	for {
		t.mu.Lock()
		t.landed = false
		t.mu.Unlock()

		if err := t.device.Deenergize(ctx); err != nil {
			return err
		}

		t.mu.Lock()
		if t.inflight > 0 {
			if t.drained == nil {
				t.drained = make(chan struct{})
			}
			wait := t.drained
			t.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}
		if t.landed {
			t.mu.Unlock()
			continue
		}
		t.on = false
		t.last = field.State{}
		t.mu.Unlock()
		return nil
	}
}

// Rearm lifts the latch so Apply is accepted again.
func (t *Tap) Rearm() {
	t.mu.Lock()
	t.latched = false
	t.mu.Unlock()
}

// Latched reports whether the tap is refusing Apply.
func (t *Tap) Latched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latched
}

// Sample returns the applied field, or ok=false while the device is off.
func (t *Tap) Sample(_ context.Context) (field.State, safety.Level, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.on {
		return field.State{}, t.level, false
	}
	st := t.last.Clone()
	st.Timestamp = time.Now()
	return st, t.level, true
}

// #endregion tap
