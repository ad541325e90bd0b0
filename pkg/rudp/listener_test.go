package rudp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackConn routes Send calls straight into the peer Listener's
// onPacket, modeling two hosts exchanging UDP datagrams without a socket.
type loopbackConn struct {
	mu     sync.Mutex
	onRead func([]byte, net.Addr)
	peer   *loopbackConn
	self   net.Addr
}

func (c *loopbackConn) Send(dst net.Addr, b []byte) netio.SendResult {
	if c.peer != nil && c.peer.onRead != nil {
		cp := append([]byte(nil), b...)
		go c.peer.onRead(cp, c.self)
	}
	return netio.SendResult{OK: true}
}
func (c *loopbackConn) SetReadCallback(cb func([]byte, net.Addr)) { c.onRead = cb }
func (c *loopbackConn) LocalAddr() net.Addr                        { return c.self }
func (c *loopbackConn) Close() error                                { return nil }

type immediateScheduler struct{}

func (immediateScheduler) ScheduleOnce(d time.Duration, cb func()) func() {
	t := time.AfterFunc(time.Millisecond, cb)
	return func() { t.Stop() }
}
func (immediateScheduler) SchedulePeriodic(d time.Duration, cb func()) func() {
	ticker := time.NewTicker(time.Millisecond)
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
	return func() { ticker.Stop(); close(done) }
}

func TestListener_DialAndAcceptEstablishesChannel(t *testing.T) {
	connA := &loopbackConn{self: &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}}
	connB := &loopbackConn{self: &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 2}}
	connA.peer = connB
	connB.peer = connA

	listA := NewListener(connA, immediateScheduler{}, stun.NewManager())
	listB := NewListener(connB, immediateScheduler{}, stun.NewManager())

	var acceptedChannel *Channel
	listB.OnChannelWaiting(func(remote net.Addr, accept func(bool) *Channel, reject func()) {
		acceptedChannel = accept(true)
	})

	var dialedChannel *Channel
	var wg sync.WaitGroup
	wg.Add(1)
	listA.Dial(connB.self, true, func(ch *Channel) {
		dialedChannel = ch
		wg.Done()
	}, func() { wg.Done() })

	wg.Wait()
	require.NotNil(t, dialedChannel)
	require.Eventually(t, func() bool { return acceptedChannel != nil }, time.Second, time.Millisecond)

	var got []byte
	acceptedChannel.SetOnDeliver(func(p []byte) { got = p })
	require.True(t, dialedChannel.Send([]byte("ping")))
	assert.Eventually(t, func() bool { return string(got) == "ping" }, time.Second, time.Millisecond)
}

func TestListener_AllocateLocalNumberRefusesReuseForSameRemote(t *testing.T) {
	l := NewListener(&loopbackConn{self: &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}}, immediateScheduler{}, stun.NewManager())

	remote := "203.0.113.9:5000"
	first := l.allocateLocalNumber(remote)
	second := l.allocateLocalNumber(remote)
	assert.NotEqual(t, first, second, "two allocations for the same remote must not reuse a number still marked in use")

	// Exhaust every number the allocator would otherwise hand out next, so
	// the only way to get a fresh number for this remote is to skip past
	// all of them.
	l.mu.Lock()
	for n := uint16(0x4000); n < 0x7FFF; n++ {
		l.usedByRemote[remote][n] = true
	}
	l.mu.Unlock()

	third := l.allocateLocalNumber(remote)
	assert.NotEqual(t, first, third)
	assert.NotEqual(t, second, third)
}

func TestListener_RejectsWhenNoHandlerRegistered(t *testing.T) {
	connA := &loopbackConn{self: &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}}
	connB := &loopbackConn{self: &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 2}}
	connA.peer = connB
	connB.peer = connA

	listA := NewListener(connA, immediateScheduler{}, stun.NewManager())
	_ = NewListener(connB, immediateScheduler{}, stun.NewManager()) // no OnChannelWaiting registered

	rejected := make(chan struct{}, 1)
	listA.Dial(connB.self, false, func(*Channel) {}, func() { rejected <- struct{}{} })

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("expected Dial to be rejected")
	}
}
