package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/khryptorgraphics/p2pconnect/pkg/logging"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	onRead func([]byte, net.Addr)
	server func(packet []byte) []byte
}

func (f *fakeConn) Send(dst net.Addr, b []byte) netio.SendResult {
	if reply := f.server(b); reply != nil {
		go f.onRead(reply, dst)
	}
	return netio.SendResult{OK: true}
}
func (f *fakeConn) SetReadCallback(cb func([]byte, net.Addr)) { f.onRead = cb }
func (f *fakeConn) LocalAddr() net.Addr                        { return &net.UDPAddr{} }
func (f *fakeConn) Close() error                                { return nil }

type fakeResolver struct {
	srvFails bool
	ip       net.IP
}

func (r *fakeResolver) ResolveSRV(context.Context, string, string, string) ([]netio.SRVCandidate, error) {
	if r.srvFails {
		return nil, assertErr
	}
	return []netio.SRVCandidate{{Host: "stun1.example.org", Port: 3478, Priority: 0, Weight: 0}}, nil
}
func (r *fakeResolver) ResolveHost(context.Context, string) ([]net.IP, error) {
	return []net.IP{r.ip}, nil
}

var assertErr = &resolveErr{}

type resolveErr struct{}

func (*resolveErr) Error() string { return "srv lookup failed" }

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

func TestDiscoverer_LearnsReflexiveAddress(t *testing.T) {
	conn := &fakeConn{server: func(packet []byte) []byte {
		req, err := stun.Parse(packet, stun.ParseOptions{})
		require.NoError(t, err)
		resp := stun.NewResponse(req, stun.ClassSuccessResponse)
		require.NoError(t, resp.Attributes.SetXorMappedAddress(net.ParseIP("203.0.113.9"), 55555, resp.TID))
		out, err := stun.Encode(resp, stun.EncodeOptions{})
		require.NoError(t, err)
		return out
	}}

	d := New(Config{Name: "turn.example.org"}, conn, &fakeResolver{ip: net.ParseIP("198.51.100.1")}, immediateScheduler{}, stun.NewManager(), logging.New(logging.DefaultConfig()))

	var result *Result
	d.OnResult(func(r *Result) { result = r })
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool { return result != nil }, time.Second, time.Millisecond)
	udp, ok := result.ReflexiveAddr.(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, 55555, udp.Port)
}

func TestDiscoverer_FallsBackToHostLookupWhenSRVFails(t *testing.T) {
	conn := &fakeConn{server: func(packet []byte) []byte {
		req, _ := stun.Parse(packet, stun.ParseOptions{})
		resp := stun.NewResponse(req, stun.ClassSuccessResponse)
		_ = resp.Attributes.SetXorMappedAddress(net.ParseIP("203.0.113.9"), 1234, resp.TID)
		out, _ := stun.Encode(resp, stun.EncodeOptions{})
		return out
	}}
	d := New(Config{Name: "turn.example.org"}, conn, &fakeResolver{srvFails: true, ip: net.ParseIP("198.51.100.1")}, immediateScheduler{}, stun.NewManager(), logging.New(logging.DefaultConfig()))
	require.NoError(t, d.Start(context.Background()))
	require.Eventually(t, func() bool { return d.Result() != nil }, time.Second, time.Millisecond)
}
