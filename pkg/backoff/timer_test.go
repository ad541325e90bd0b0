package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler lets tests fire scheduled callbacks deterministically
// without a real clock, the idiomatic substitute for the Scheduler
// collaborator contract in spec §6.
type fakeScheduler struct {
	pending []*pendingCall
}

type pendingCall struct {
	d  time.Duration
	cb func()
}

func (f *fakeScheduler) ScheduleOnce(d time.Duration, cb func()) func() {
	call := &pendingCall{d: d, cb: cb}
	f.pending = append(f.pending, call)
	return func() {
		call.cb = nil
	}
}

func (f *fakeScheduler) fireAll() {
	pending := f.pending
	f.pending = nil
	for _, p := range pending {
		if p.cb != nil {
			p.cb()
		}
	}
}

func TestTimer_ExhaustionScenario(t *testing.T) {
	// spec §8 scenario 4: pattern /100,200/1000/3/; three
	// NotifyAttempting+NotifyAttemptFailed pairs, with the retry-after timer
	// fired after each failure, drive the timer through
	// Attempting -> WaitingAfterFailure -> AttemptNow -> ... -> AllFailed.
	pattern, err := Parse("/100,200/1000/3/")
	require.NoError(t, err)

	var transitions []Transition
	sched := &fakeScheduler{}
	timer := NewTimer(pattern, sched)
	timer.Subscribe(func(tr Transition) { transitions = append(transitions, tr) })

	for i := 0; i < 3; i++ {
		timer.NotifyAttempting()
		require.Equal(t, StateAttempting, timer.State())
		timer.NotifyAttemptFailed()
		sched.fireAll() // retry-after elapses -> AttemptNow
	}

	assert.Equal(t, StateAllFailed, timer.State())
	assert.Equal(t, 3, timer.TotalFailures())

	var states []State
	for _, tr := range transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{
		StateAttempting, StateWaitingAfterFailure, StateAttemptNow,
		StateAttempting, StateWaitingAfterFailure, StateAttemptNow,
		StateAttempting, StateAllFailed,
	}, states)
}

func TestTimer_AttemptTimeoutExpiryMatchesAttemptFailed(t *testing.T) {
	pattern, err := Parse("/100//2/")
	require.NoError(t, err)
	sched := &fakeScheduler{}
	timer := NewTimer(pattern, sched)

	timer.NotifyAttempting()
	require.Len(t, sched.pending, 1)

	// Simulate attempt-timeout elapsing: like NotifyAttemptFailed, this is
	// the first of two allowed failures and the retry segment is empty, so
	// the timer moves straight on to the next attempt.
	sched.fireAll()
	assert.Equal(t, StateAttemptNow, timer.State())
}

func TestTimer_TryAgainNowOnlyValidWhileWaiting(t *testing.T) {
	pattern, err := Parse("/100/1000/5/")
	require.NoError(t, err)
	sched := &fakeScheduler{}
	timer := NewTimer(pattern, sched)

	assert.False(t, timer.NotifyTryAgainNow(), "invalid before any attempt")

	timer.NotifyAttempting()
	timer.NotifyAttemptFailed()
	require.Equal(t, StateWaitingAfterFailure, timer.State())

	assert.True(t, timer.NotifyTryAgainNow())
	assert.Equal(t, StateAttemptNow, timer.State())
}

func TestTimer_SucceededIsTerminal(t *testing.T) {
	pattern := Default()
	sched := &fakeScheduler{}
	timer := NewTimer(pattern, sched)

	timer.NotifyAttempting()
	timer.NotifySucceeded()
	assert.Equal(t, StateSucceeded, timer.State())

	// Further notifications must not move off Succeeded.
	timer.NotifyAttemptFailed()
	assert.Equal(t, StateSucceeded, timer.State())
}

func TestTimer_CancelIsIdempotent(t *testing.T) {
	sched := &fakeScheduler{}
	timer := NewTimer(Default(), sched)
	timer.NotifyAttempting()
	timer.Cancel()
	timer.Cancel() // must not panic or double-release
}

// TestTimer_TotalDurationMatchesPatternSum exercises the invariant from
// spec §8: the sum of emitted attempt-timeout and retry-after durations up
// to AllFailed equals the sum computed directly from the pattern.
func TestTimer_TotalDurationMatchesPatternSum(t *testing.T) {
	pattern, err := Parse("/100,200,300//3/")
	require.NoError(t, err)

	var expected time.Duration
	for k := 0; k < 3; k++ {
		if d, ok := pattern.Attempt.At(k); ok {
			expected += d
		}
		if d, ok := pattern.Retry.At(k); ok && k < 2 {
			expected += d
		}
	}

	sched := &fakeScheduler{}
	timer := NewTimer(pattern, sched)
	var observed time.Duration
	for i := 0; i < 3; i++ {
		timer.NotifyAttempting()
		if len(sched.pending) > 0 {
			observed += sched.pending[len(sched.pending)-1].d
		}
		timer.NotifyAttemptFailed()
		if timer.State() == StateWaitingAfterFailure && len(sched.pending) > 0 {
			observed += sched.pending[len(sched.pending)-1].d
		}
	}
	assert.Equal(t, expected, observed)
}
