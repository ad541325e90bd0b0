package rudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRTOEstimator_InitialRTOMatchesSpecDefault(t *testing.T) {
	e := newRTOEstimator()
	assert.Equal(t, 500*time.Millisecond, e.rto(), "spec §6: initialRTO=500ms before any sample")
}

func TestRTOEstimator_ClampsToBounds(t *testing.T) {
	e := newRTOEstimator()
	e.sample(1 * time.Millisecond)
	assert.GreaterOrEqual(t, e.rto(), rtoMin)

	e2 := newRTOEstimator()
	e2.sample(10 * time.Second)
	assert.LessOrEqual(t, e2.rto(), rtoMax)
}

func TestRTOEstimator_ConvergesTowardSteadyRTT(t *testing.T) {
	e := newRTOEstimator()
	for i := 0; i < 50; i++ {
		e.sample(200 * time.Millisecond)
	}
	assert.InDelta(t, 200*time.Millisecond, e.srtt, float64(5*time.Millisecond))
}
