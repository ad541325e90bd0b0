package stun

import (
	"context"
	"net"
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/backoff"
	"github.com/khryptorgraphics/p2pconnect/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRequestPattern is the requester's default retransmit schedule
// (spec §4.3): "/500,1000,1500,2000,2500/ …".
func DefaultRequestPattern() backoff.Pattern {
	p, err := backoff.Parse("/500,1000,1500,2000,2500///")
	if err != nil {
		panic("stun: default request pattern failed to parse: " + err.Error())
	}
	return p
}

// ResponseHandler inspects a matched response and reports whether it was
// accepted. Returning false keeps the requester retransmitting exactly as
// if no reply had arrived.
type ResponseHandler func(resp *Message, from net.Addr) (accepted bool)

// Requester owns one outbound STUN transaction (spec §4.3). It drives a
// backoff.Timer to retransmit the same request until the handler accepts a
// response, an ALTERNATE-SERVER redirect is followed once, or the pattern
// is exhausted.
type Requester struct {
	manager   *Manager
	timer     *backoff.Timer
	req       *Message
	dest      net.Addr
	onSend    func(packet []byte, dest net.Addr)
	onHandle  ResponseHandler
	onTimeout func()
	encodeOpt EncodeOptions

	redirected bool
	attempts   int
	span       trace.Span
	started    time.Time
}

// NewRequester constructs a Requester for req, to be retransmitted to dest
// via onSend and driven by scheduler. It registers itself with mgr under
// req.TID immediately and unregisters once a response is accepted or the
// pattern is exhausted; Cancel unregisters it earlier.
func NewRequester(mgr *Manager, scheduler backoff.Scheduler, req *Message, dest net.Addr, pattern backoff.Pattern, encodeOpt EncodeOptions, onSend func([]byte, net.Addr), onHandle ResponseHandler, onTimeout func()) *Requester {
	r := &Requester{
		manager:   mgr,
		req:       req,
		dest:      dest,
		onSend:    onSend,
		onHandle:  onHandle,
		onTimeout: onTimeout,
		encodeOpt: encodeOpt,
	}
	r.timer = backoff.NewTimer(pattern, scheduler)
	r.timer.Subscribe(r.onTransition)
	mgr.register(req.TID, r)
	return r
}

// Start emits the first attempt and opens a diagnostic trace span covering
// the whole transaction lifecycle (spec §7's "each STUN transaction …
// emits a trace span").
func (r *Requester) Start() {
	_, r.span = tracing.Tracer("p2pconnect/stun").Start(context.Background(), "stun.transaction",
		trace.WithAttributes(attribute.Int("stun.method", int(r.req.Method)), attribute.String("stun.tid", r.req.TID.String())),
	)
	r.started = time.Now()
	r.send()
	r.timer.NotifyAttempting()
}

func (r *Requester) send() {
	packet, err := Encode(r.req, r.encodeOpt)
	if err != nil {
		return // malformed requests never reach the wire; nothing to retransmit
	}
	r.attempts++
	if r.attempts > 1 {
		r.manager.getMetrics().RecordSTUNRetransmit()
	}
	r.onSend(packet, r.dest)
}

func (r *Requester) endSpan(outcome string) {
	if r.span == nil {
		return
	}
	r.span.SetAttributes(attribute.Int("stun.attempts", r.attempts), attribute.String("stun.outcome", outcome))
	if outcome != "accepted" {
		r.span.SetStatus(codes.Error, outcome)
	}
	r.span.End()
	r.span = nil
}

func (r *Requester) onTransition(tr backoff.Transition) {
	switch tr.To {
	case backoff.StateAttemptNow:
		r.send()
		r.timer.NotifyAttempting()
	case backoff.StateAllFailed:
		r.manager.unregister(r.req.TID)
		r.manager.getMetrics().RecordSTUNTimeout()
		r.manager.getMetrics().RecordSTUNOutcome(r.req.Method.String(), "timed_out", 0)
		r.endSpan("timed_out")
		if r.onTimeout != nil {
			r.onTimeout()
		}
	}
}

// deliver is called by the Manager when a reply matching this requester's
// TID arrives, regardless of current state (spec §4.3: "the requester MUST
// consume late replies until cancel()").
func (r *Requester) deliver(resp *Message, from net.Addr) {
	if !r.redirected {
		if ip, port, ok := resp.Attributes.AlternateServer(); ok && resp.Class == ClassErrorResponse {
			r.redirected = true
			r.dest = &net.UDPAddr{IP: ip, Port: port}
			// Count the redirect as a failed attempt and retry at once; the
			// resulting AttemptNow transition sends to the new dest.
			r.timer.NotifyAttemptFailed()
			r.timer.NotifyTryAgainNow()
			return
		}
	}

	accepted := r.onHandle != nil && r.onHandle(resp, from)
	if accepted {
		r.manager.unregister(r.req.TID)
		r.manager.getMetrics().RecordSTUNOutcome(r.req.Method.String(), "accepted", time.Since(r.started))
		r.timer.NotifySucceeded()
		r.endSpan("accepted")
		return
	}
	r.timer.NotifyAttemptFailed()
}

// Cancel stops retransmission and unregisters from the manager. Idempotent.
func (r *Requester) Cancel() {
	r.manager.unregister(r.req.TID)
	r.timer.Cancel()
	r.endSpan("cancelled")
}

// State reports the underlying backoff.Timer's state, useful for tests and
// diagnostics.
func (r *Requester) State() backoff.State { return r.timer.State() }
