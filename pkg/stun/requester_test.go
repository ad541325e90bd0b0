package stun

import (
	"net"
	"testing"
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler mirrors pkg/backoff's test double: deterministic, no real
// clock, fires whatever has been armed when the test tells it to.
type fakeScheduler struct {
	pending []*pendingCall
}

type pendingCall struct {
	cb func()
}

func (f *fakeScheduler) ScheduleOnce(d time.Duration, cb func()) func() {
	call := &pendingCall{cb: cb}
	f.pending = append(f.pending, call)
	return func() { call.cb = nil }
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

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: port}
}

func TestRequester_AcceptsMatchingResponse(t *testing.T) {
	mgr := NewManager()
	sched := &fakeScheduler{}
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)

	var sent [][]byte
	accepted := false

	r := NewRequester(mgr, sched, req, udpAddr(3478), backoff.Default(), EncodeOptions{},
		func(p []byte, _ net.Addr) { sent = append(sent, p) },
		func(resp *Message, _ net.Addr) bool { accepted = true; return true },
		nil,
	)
	r.Start()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, mgr.Len())

	resp := NewResponse(req, ClassSuccessResponse)
	ok := mgr.Offer(resp, udpAddr(3478))
	assert.True(t, ok)
	assert.True(t, accepted)
	assert.Equal(t, backoff.StateSucceeded, r.State())
	assert.Equal(t, 0, mgr.Len())
}

func TestRequester_RejectedResponseContinuesRetransmitting(t *testing.T) {
	mgr := NewManager()
	sched := &fakeScheduler{}
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	// A retry-after delay holds the requester in WaitingAfterFailure until
	// its next retransmission.
	pattern, err := backoff.Parse("/500/1000//")
	require.NoError(t, err)

	r := NewRequester(mgr, sched, req, udpAddr(3478), pattern, EncodeOptions{},
		func([]byte, net.Addr) {},
		func(*Message, net.Addr) bool { return false },
		nil,
	)
	r.Start()

	resp := NewResponse(req, ClassErrorResponse)
	mgr.Offer(resp, udpAddr(3478))
	assert.Equal(t, backoff.StateWaitingAfterFailure, r.State())
	assert.Equal(t, 1, mgr.Len(), "requester must still be registered to accept late replies")
}

func TestRequester_LateReplyWhileWaitingIsStillAccepted(t *testing.T) {
	mgr := NewManager()
	sched := &fakeScheduler{}
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	pattern, err := backoff.Parse("/500/1000//")
	require.NoError(t, err)

	r := NewRequester(mgr, sched, req, udpAddr(3478), pattern, EncodeOptions{},
		func([]byte, net.Addr) {},
		func(resp *Message, _ net.Addr) bool { return resp.Class == ClassSuccessResponse },
		nil,
	)
	r.Start()
	mgr.Offer(NewResponse(req, ClassErrorResponse), udpAddr(3478)) // -> WaitingAfterFailure
	require.Equal(t, backoff.StateWaitingAfterFailure, r.State())

	accepted := mgr.Offer(NewResponse(req, ClassSuccessResponse), udpAddr(3478))
	assert.True(t, accepted)
	assert.Equal(t, backoff.StateSucceeded, r.State())
}

func TestRequester_TimesOutAfterPatternExhausted(t *testing.T) {
	mgr := NewManager()
	sched := &fakeScheduler{}
	pattern, err := backoff.Parse("/10,10/10/2/")
	require.NoError(t, err)
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)

	timedOut := false
	r := NewRequester(mgr, sched, req, udpAddr(3478), pattern, EncodeOptions{},
		func([]byte, net.Addr) {},
		func(*Message, net.Addr) bool { return false },
		func() { timedOut = true },
	)
	r.Start()
	sched.fireAll() // attempt timeout 1 -> waiting, retry-after armed
	sched.fireAll() // retry-after elapses -> attempt 2
	sched.fireAll() // attempt timeout 2 -> exhausted

	assert.True(t, timedOut)
	assert.Equal(t, backoff.StateAllFailed, r.State())
	assert.Equal(t, 0, mgr.Len())
}

func TestRequester_FollowsAlternateServerRedirectOnce(t *testing.T) {
	mgr := NewManager()
	sched := &fakeScheduler{}
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)

	var destinations []net.Addr
	r := NewRequester(mgr, sched, req, udpAddr(3478), backoff.Default(), EncodeOptions{},
		func(_ []byte, dest net.Addr) { destinations = append(destinations, dest) },
		func(*Message, net.Addr) bool { return true },
		nil,
	)
	r.Start()

	redirect := NewResponse(req, ClassErrorResponse)
	altIP := net.ParseIP("203.0.113.9").To4()
	require.NoError(t, redirect.Attributes.SetAlternateServer(altIP, 3479))
	mgr.Offer(redirect, udpAddr(3478))

	require.Len(t, destinations, 2)
	alt, ok := destinations[1].(*net.UDPAddr)
	require.True(t, ok)
	assert.True(t, altIP.Equal(alt.IP))
	assert.Equal(t, 3479, alt.Port)
}
