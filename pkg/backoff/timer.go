package backoff

import (
	"sync"
	"time"
)

// State is one of the five back-off timer states from spec §3.
type State int

const (
	StateAttemptNow State = iota
	StateAttempting
	StateWaitingAfterFailure
	StateSucceeded
	StateAllFailed
)

func (s State) String() string {
	switch s {
	case StateAttemptNow:
		return "AttemptNow"
	case StateAttempting:
		return "Attempting"
	case StateWaitingAfterFailure:
		return "WaitingAfterFailure"
	case StateSucceeded:
		return "Succeeded"
	case StateAllFailed:
		return "AllFailed"
	default:
		return "Unknown"
	}
}

// Scheduler is the timer collaborator contract from spec §6: a one-shot,
// cancellable scheduled callback. Production code is backed by
// pkg/netio.Scheduler; tests substitute a fake clock.
type Scheduler interface {
	ScheduleOnce(d time.Duration, cb func()) (cancel func())
}

// Transition is one state-change event delivered to subscribers, in the
// order they occurred on the owning queue (spec §5).
type Transition struct {
	From, To State
	Attempt  int
	At       time.Time
}

// Timer drives one owner's retry schedule. It is not safe for concurrent
// use from multiple goroutines simultaneously — like every component in
// this module, it is meant to be bound to a single dispatch queue (spec
// §5); the mutex here only guards against the timer callback (which fires
// on the Scheduler's own goroutine) racing the owner's calls.
type Timer struct {
	mu        sync.Mutex
	pattern   Pattern
	scheduler Scheduler
	state     State
	attempt   int // number of attempts started so far
	failures  int
	cancelFn  func()
	subs      []func(Transition)
	pending   []Transition
	cancelled bool
}

// NewTimer constructs a Timer for pattern, driven by scheduler. The timer
// starts in StateAttemptNow; the owner calls NotifyAttempting once it has
// actually sent the first attempt.
func NewTimer(pattern Pattern, scheduler Scheduler) *Timer {
	return &Timer{
		pattern:   pattern,
		scheduler: scheduler,
		state:     StateAttemptNow,
	}
}

// Subscribe registers a callback for state transitions. Not safe to call
// concurrently with transitions firing; call before starting the timer.
func (t *Timer) Subscribe(fn func(Transition)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TotalFailures returns the number of attempts that have failed so far.
func (t *Timer) TotalFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// NotifyAttempting transitions to Attempting and schedules the attempt's
// timeout clock. Valid from AttemptNow.
func (t *Timer) NotifyAttempting() {
	t.mu.Lock()
	if t.cancelled || t.state != StateAttemptNow {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(StateAttempting)
	k := t.attempt
	if d, ok := t.pattern.Attempt.At(k); ok && d > 0 {
		t.armLocked(d, func() { t.onAttemptTimeoutExpired() })
	}
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
}

func (t *Timer) onAttemptTimeoutExpired() {
	t.mu.Lock()
	if t.cancelled || t.state != StateAttempting {
		t.mu.Unlock()
		return
	}
	t.failAttemptLocked()
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
}

// NotifyAttemptFailed has the same effect as attempt-timeout expiry,
// advanced immediately by the caller (e.g. on an explicit error response).
func (t *Timer) NotifyAttemptFailed() {
	t.mu.Lock()
	if t.cancelled || t.state != StateAttempting {
		t.mu.Unlock()
		return
	}
	t.failAttemptLocked()
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
}

// failAttemptLocked implements the shared AttemptTimeout/AttemptFailed path:
// advance to WaitingAfterFailure and schedule retry-after[k], unless
// k+1 >= maxAttempts in which case go straight to AllFailed.
func (t *Timer) failAttemptLocked() {
	t.cancelFnLocked()
	t.failures++
	k := t.attempt
	t.attempt++
	if t.pattern.MaxAttempts > 0 && t.attempt >= t.pattern.MaxAttempts {
		t.transitionLocked(StateAllFailed)
		return
	}
	t.transitionLocked(StateWaitingAfterFailure)
	if d, ok := t.pattern.Retry.At(k); ok && d > 0 {
		t.armLocked(d, func() { t.onRetryAfterElapsed() })
	} else {
		// No retry delay configured: proceed immediately.
		t.transitionLocked(StateAttemptNow)
	}
}

func (t *Timer) onRetryAfterElapsed() {
	t.mu.Lock()
	if t.cancelled || t.state != StateWaitingAfterFailure {
		t.mu.Unlock()
		return
	}
	t.transitionLocked(StateAttemptNow)
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
}

// NotifyTryAgainNow collapses the retry-after wait, transitioning straight
// to AttemptNow. Valid only during WaitingAfterFailure.
func (t *Timer) NotifyTryAgainNow() bool {
	t.mu.Lock()
	if t.cancelled || t.state != StateWaitingAfterFailure {
		t.mu.Unlock()
		return false
	}
	t.cancelFnLocked()
	t.transitionLocked(StateAttemptNow)
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
	return true
}

// NotifySucceeded transitions to the terminal Succeeded state and cancels
// any armed timer.
func (t *Timer) NotifySucceeded() {
	t.mu.Lock()
	if t.cancelled || t.state == StateSucceeded || t.state == StateAllFailed {
		t.mu.Unlock()
		return
	}
	t.cancelFnLocked()
	t.transitionLocked(StateSucceeded)
	pending, subs := t.drainLocked()
	t.mu.Unlock()
	dispatch(pending, subs)
}

// Cancel is idempotent: it releases the armed timer and marks the Timer
// inert. No further transitions are emitted after Cancel.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelFnLocked()
	t.cancelled = true
}

func (t *Timer) armLocked(d time.Duration, cb func()) {
	t.cancelFnLocked()
	t.cancelFn = t.scheduler.ScheduleOnce(d, cb)
}

func (t *Timer) cancelFnLocked() {
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
}

// transitionLocked updates the state and records the transition for
// dispatch once the caller has released t.mu. Subscribers must never be
// invoked while t.mu is held: a subscriber reacting to StateAttemptNow by
// immediately calling NotifyAttempting (as pkg/stun's Requester does)
// would otherwise re-enter this non-reentrant mutex from the same
// goroutine and deadlock.
func (t *Timer) transitionLocked(to State) {
	from := t.state
	t.state = to
	t.pending = append(t.pending, Transition{From: from, To: to, Attempt: t.attempt, At: time.Now()})
}

// drainLocked removes and returns the transitions accumulated since the
// last drain, along with the current subscriber list, for the caller to
// dispatch after unlocking.
func (t *Timer) drainLocked() ([]Transition, []func(Transition)) {
	pending := t.pending
	t.pending = nil
	return pending, t.subs
}

// dispatch delivers transitions to subs in order, outside the Timer's
// lock (spec §5: "state-change notifications ... delivered in the order
// they occurred").
func dispatch(transitions []Transition, subs []func(Transition)) {
	for _, tr := range transitions {
		for _, s := range subs {
			s(tr)
		}
	}
}
