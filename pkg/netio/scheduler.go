// Package netio implements the three external collaborator contracts named
// in spec.md §6 as "out of scope; only their interfaces are referenced":
// the non-blocking socket, DNS resolution, and timer service. Every other
// package in this module consumes these interfaces rather than calling
// net/time directly, so tests can substitute fakes.
package netio

import (
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/backoff"
)

// Scheduler is the timer contract from spec §6: scheduleOnce/
// schedulePeriodic/cancel. It also satisfies backoff.Scheduler.
type Scheduler interface {
	backoff.Scheduler
	SchedulePeriodic(d time.Duration, cb func()) (cancel func())
}

// realScheduler is the production Scheduler, backed by time.AfterFunc and
// time.Ticker — the idiomatic Go rendition of a timer service, since Go
// does not need a dedicated event-loop timer abstraction the way the
// original single-threaded-queue design did.
type realScheduler struct{}

// NewScheduler returns the production Scheduler.
func NewScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) ScheduleOnce(d time.Duration, cb func()) func() {
	timer := time.AfterFunc(d, cb)
	return func() { timer.Stop() }
}

func (realScheduler) SchedulePeriodic(d time.Duration, cb func()) func() {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cb()
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
