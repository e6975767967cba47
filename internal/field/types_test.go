package field

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMagnitude(t *testing.T) {
	s := NewState([]float64{3, 4}, time.Time{})
	assert.InDelta(t, 5.0, s.Magnitude(), 1e-12)
	assert.Zero(t, State{}.Magnitude())

	big := NewState([]float64{3e200, -4e200}, time.Time{})
	assert.InDelta(t, 5e200, big.Magnitude(), 1e188)
	assert.True(t, math.IsInf(NewState([]float64{1, math.Inf(-1)}, time.Time{}).Magnitude(), 1))
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := NewState([]float64{1, 2, 3}, time.Unix(10, 0))
	c := orig.Clone()
	c.Components[0] = 99
	assert.Equal(t, 1.0, orig.Components[0])
	assert.Equal(t, orig.Timestamp, c.Timestamp)
}

func TestNegativeIndices(t *testing.T) {
	s := NewState([]float64{1, -2, 0, -0.5}, time.Time{})
	assert.Equal(t, []int{1, 3}, s.NegativeIndices())
	assert.Nil(t, NewState([]float64{0, 1}, time.Time{}).NegativeIndices())
}

func TestFinite(t *testing.T) {
	assert.True(t, NewState([]float64{1, 2}, time.Time{}).Finite())
	assert.False(t, NewState([]float64{1, math.NaN()}, time.Time{}).Finite())
	assert.False(t, NewState([]float64{math.Inf(-1)}, time.Time{}).Finite())
}
