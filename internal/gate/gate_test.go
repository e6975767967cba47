package gate

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnforcer(opts ...Option) *Enforcer {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEnforcer(safety.DefaultRegistry(), opts...)
}

func makeState(vals ...float64) field.State {
	return field.NewState(vals, fixedNow)
}

type memSink struct {
	got []Violation
	err error
}

func (m *memSink) RecordViolation(v Violation) error {
	m.got = append(m.got, v)
	return m.err
}

func TestEvaluateAcceptsSafeState(t *testing.T) {
	e := newTestEnforcer()
	st := makeState(1e-13, 2e-13, 0)

	v := e.Evaluate(st, safety.TissueStandard)

	assert.Equal(t, Accepted, v.Outcome)
	assert.Nil(t, v.Violation)
	assert.True(t, v.Safe())
	assert.Empty(t, cmp.Diff(st, v.State))
	assert.Empty(t, e.Violations())
}

func TestEvaluateAcceptsMagnitudeAtThreshold(t *testing.T) {
	e := newTestEnforcer()
	v := e.Evaluate(makeState(1e-12), safety.TissueStandard)
	assert.Equal(t, Accepted, v.Outcome)
}

func TestEvaluateProjectsNegativeComponents(t *testing.T) {
	e := newTestEnforcer()
	st := makeState(1e-13, -3e-13, 2e-13, -1e-13)

	v := e.Evaluate(st, safety.TissueStandard)

	require.Equal(t, Projected, v.Outcome)
	assert.Equal(t, []float64{1e-13, 0, 2e-13, 0}, v.State.Components)
	require.NotNil(t, v.Violation)
	assert.Equal(t, RuleNonNegativity, v.Violation.Rule)
	assert.Equal(t, -3e-13, v.Violation.Magnitude)
	assert.Equal(t, []int{1, 3}, v.Violation.Indices)
	assert.Equal(t, fixedNow, v.Violation.Timestamp)

	// input untouched
	assert.Equal(t, -3e-13, st.Components[1])
	assert.Len(t, e.Violations(), 1)
}

func TestEvaluateRejectsOverThreshold(t *testing.T) {
	e := newTestEnforcer()

	v := e.Evaluate(makeState(1e-17, 1e-17), safety.NeuralUltraSafe)

	require.Equal(t, Rejected, v.Outcome)
	assert.False(t, v.Safe())
	assert.Nil(t, v.State.Components)
	require.NotNil(t, v.Violation)
	assert.Equal(t, RuleStrengthThreshold, v.Violation.Rule)
	assert.InDelta(t, math.Sqrt2*1e-17, v.Violation.Magnitude, 1e-30)
}

func TestEvaluateRejectsAfterProjection(t *testing.T) {
	e := newTestEnforcer()

	v := e.Evaluate(makeState(-5, 1e-10), safety.CellularSafe)

	require.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, RuleStrengthThreshold, v.Violation.Rule)

	log := e.Violations()
	require.Len(t, log, 2)
	assert.Equal(t, RuleNonNegativity, log[0].Rule)
	assert.Equal(t, RuleStrengthThreshold, log[1].Rule)
}

func TestEvaluateNegativeExcursionProjectsWhenRemainderSmall(t *testing.T) {
	// A large negative excursion is clamped, leaving a safe remainder.
	e := newTestEnforcer()
	v := e.Evaluate(makeState(-5, 1e-13), safety.TissueStandard)
	assert.Equal(t, Projected, v.Outcome)
	assert.Equal(t, []float64{0, 1e-13}, v.State.Components)
}

func TestEvaluateRejectsNonFinite(t *testing.T) {
	e := newTestEnforcer()
	v := e.Evaluate(makeState(math.NaN(), 0), safety.SurgicalTools)
	require.Equal(t, Rejected, v.Outcome)
	assert.True(t, v.Violation.NonFinite)
	assert.Equal(t, math.MaxFloat64, v.Violation.Magnitude)

	b, err := json.Marshal(v.Violation)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"non_finite":true`)
}

func TestEvaluateOverflowingMagnitudeStaysFinite(t *testing.T) {
	e := newTestEnforcer()
	v := e.Evaluate(makeState(1e300, 1e300, 1.5e308), safety.SurgicalTools)
	require.Equal(t, Rejected, v.Outcome)
	assert.False(t, v.Violation.NonFinite)
	assert.False(t, math.IsInf(v.Violation.Magnitude, 0))

	_, err := json.Marshal(v.Violation)
	require.NoError(t, err)
}

func TestProjectionAlwaysNonNegative(t *testing.T) {
	e := newTestEnforcer()
	rng := rand.New(rand.NewSource(7))

	for n := 0; n < 500; n++ {
		comps := make([]float64, 1+rng.Intn(8))
		for i := range comps {
			comps[i] = (rng.Float64()*2 - 1) * 1e-9
		}
		comps[rng.Intn(len(comps))] = -(rng.Float64() + 0.01) * 1e-9 // at least one negative

		v := e.Evaluate(makeState(comps...), safety.SurgicalTools)

		require.Equal(t, Projected, v.Outcome, "sample %d: %v", n, comps)
		for i, x := range v.State.Components {
			require.GreaterOrEqual(t, x, 0.0, "sample %d index %d", n, i)
		}
	}
}

func TestEvaluateIdempotentOnAccepted(t *testing.T) {
	e := newTestEnforcer()
	first := e.Evaluate(makeState(1e-11, 3e-11, 0), safety.OrganLevel)
	require.Equal(t, Accepted, first.Outcome)

	second := e.Evaluate(first.State, safety.OrganLevel)
	require.Equal(t, Accepted, second.Outcome)
	assert.Empty(t, cmp.Diff(first.State, second.State))
}

func TestEvaluateIdempotentAfterProjection(t *testing.T) {
	e := newTestEnforcer()
	first := e.Evaluate(makeState(-1, 1e-11), safety.OrganLevel)
	require.Equal(t, Projected, first.Outcome)

	second := e.Evaluate(first.State, safety.OrganLevel)
	assert.Equal(t, Accepted, second.Outcome)
	assert.Empty(t, cmp.Diff(first.State, second.State))
}

func TestSinkReceivesViolations(t *testing.T) {
	sink := &memSink{}
	e := newTestEnforcer(WithSink(sink))

	e.Evaluate(makeState(-1e-13), safety.TissueStandard)
	e.Evaluate(makeState(1), safety.TissueStandard)

	require.Len(t, sink.got, 2)
	assert.Equal(t, RuleNonNegativity, sink.got[0].Rule)
	assert.Equal(t, RuleStrengthThreshold, sink.got[1].Rule)
}

func TestSinkFailureDoesNotChangeVerdict(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	e := newTestEnforcer(WithSink(sink))

	v := e.Evaluate(makeState(1), safety.TissueStandard)

	assert.Equal(t, Rejected, v.Outcome)
	assert.Len(t, e.Violations(), 1)
}

func TestViolationsReturnsCopy(t *testing.T) {
	e := newTestEnforcer()
	e.Evaluate(makeState(-1e-13, -2e-13), safety.TissueStandard)

	log := e.Violations()
	log[0].Indices[0] = 99
	log[0].Magnitude = 0

	fresh := e.Violations()
	assert.Equal(t, 0, fresh[0].Indices[0])
	assert.Equal(t, -2e-13, fresh[0].Magnitude)
}
