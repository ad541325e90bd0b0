package turn

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

// fakeConn is an in-memory netio.PacketConn whose Send is intercepted by a
// test-supplied server so no real socket is needed.
type fakeConn struct {
	mu       sync.Mutex
	onRead   func([]byte, net.Addr)
	server   func(packet []byte, from net.Addr) []byte // returns a reply, or nil
	selfAddr net.Addr
}

func (f *fakeConn) Send(dst net.Addr, b []byte) netio.SendResult {
	reply := f.server(b, f.selfAddr)
	if reply != nil {
		go f.onRead(reply, dst)
	}
	return netio.SendResult{OK: true}
}
func (f *fakeConn) SetReadCallback(cb func([]byte, net.Addr)) { f.onRead = cb }
func (f *fakeConn) LocalAddr() net.Addr                        { return f.selfAddr }
func (f *fakeConn) Close() error                                { return nil }

type fakeResolver struct{ addr *net.UDPAddr }

func (r *fakeResolver) ResolveSRV(context.Context, string, string, string) ([]netio.SRVCandidate, error) {
	return nil, nil
}
func (r *fakeResolver) ResolveHost(context.Context, string) ([]net.IP, error) {
	return []net.IP{r.addr.IP}, nil
}

type fakeScheduler struct{ mu sync.Mutex }

func (f *fakeScheduler) ScheduleOnce(d time.Duration, cb func()) func() {
	timer := time.AfterFunc(time.Millisecond, cb) // collapse real delays for deterministic-enough tests
	return func() { timer.Stop() }
}
func (f *fakeScheduler) SchedulePeriodic(d time.Duration, cb func()) func() {
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

func newTestClient(t *testing.T, server func(packet []byte, from net.Addr) []byte) (*Client, *fakeConn) {
	serverAddr := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 3478}
	conn := &fakeConn{server: server, selfAddr: &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}}
	cfg := Config{URIs: []string{"turn:relay.example.org"}, Username: "alice", Password: "s3cret"}
	c := New(cfg, conn, &fakeResolver{addr: serverAddr}, &fakeScheduler{}, stun.NewManager(), logging.New(logging.DefaultConfig()))
	return c, conn
}

func TestClient_AllocateSucceedsWithoutChallenge(t *testing.T) {
	var relayed, reflexive *net.UDPAddr
	relayed = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 50000}
	reflexive = &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}

	c, _ := newTestClient(t, func(packet []byte, from net.Addr) []byte {
		req, err := stun.Parse(packet, stun.ParseOptions{})
		require.NoError(t, err)
		resp := stun.NewResponse(req, stun.ClassSuccessResponse)
		require.NoError(t, resp.Attributes.SetXorRelayedAddress(relayed.IP, relayed.Port, resp.TID))
		require.NoError(t, resp.Attributes.SetXorMappedAddress(reflexive.IP, reflexive.Port, resp.TID))
		resp.Attributes.SetLifetimeSeconds(600)
		out, err := stun.Encode(resp, stun.EncodeOptions{})
		require.NoError(t, err)
		return out
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	alloc := c.Allocation()
	require.NotNil(t, alloc)
	assert.Equal(t, 600*time.Second, alloc.Lifetime)
}

func TestClient_AllocateRetriesAfterChallengeThenSucceeds(t *testing.T) {
	var attempts int
	c, _ := newTestClient(t, func(packet []byte, from net.Addr) []byte {
		req, err := stun.Parse(packet, stun.ParseOptions{})
		require.NoError(t, err)
		attempts++
		if attempts == 1 {
			resp := stun.NewResponse(req, stun.ClassErrorResponse)
			resp.Attributes.SetErrorCode(stun.ErrorCode{Code: 401, Reason: "Unauthorized"})
			resp.Attributes.SetRealm("example.org")
			resp.Attributes.SetNonce("n0nce")
			out, _ := stun.Encode(resp, stun.EncodeOptions{})
			return out
		}
		resp := stun.NewResponse(req, stun.ClassSuccessResponse)
		ip := net.ParseIP("192.0.2.1")
		require.NoError(t, resp.Attributes.SetXorRelayedAddress(ip, 50000, resp.TID))
		require.NoError(t, resp.Attributes.SetXorMappedAddress(ip, 40000, resp.TID))
		resp.Attributes.SetLifetimeSeconds(600)
		out, _ := stun.Encode(resp, stun.EncodeOptions{})
		return out
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)
	assert.Equal(t, 2, attempts)
}

// TestClient_AllocateSurvivesStaleNonceAfterChallenge covers spec §4.4's
// full nonce-rotation path: an initial 401 challenge is followed by a
// second rejection carrying 438 (Stale Nonce) with a fresh nonce, and the
// client must retry once more with the newest nonce rather than giving up
// or reusing the stale one.
func TestClient_AllocateSurvivesStaleNonceAfterChallenge(t *testing.T) {
	var attempts int
	var nonces []string
	c, _ := newTestClient(t, func(packet []byte, from net.Addr) []byte {
		req, err := stun.Parse(packet, stun.ParseOptions{})
		require.NoError(t, err)
		attempts++
		nonce, _ := req.Attributes.Nonce()
		nonces = append(nonces, nonce)

		switch attempts {
		case 1:
			resp := stun.NewResponse(req, stun.ClassErrorResponse)
			resp.Attributes.SetErrorCode(stun.ErrorCode{Code: 401, Reason: "Unauthorized"})
			resp.Attributes.SetRealm("example.org")
			resp.Attributes.SetNonce("n1")
			out, _ := stun.Encode(resp, stun.EncodeOptions{})
			return out
		case 2:
			resp := stun.NewResponse(req, stun.ClassErrorResponse)
			resp.Attributes.SetErrorCode(stun.ErrorCode{Code: 438, Reason: "Stale Nonce"})
			resp.Attributes.SetRealm("example.org")
			resp.Attributes.SetNonce("n2")
			out, _ := stun.Encode(resp, stun.EncodeOptions{})
			return out
		default:
			resp := stun.NewResponse(req, stun.ClassSuccessResponse)
			ip := net.ParseIP("192.0.2.1")
			require.NoError(t, resp.Attributes.SetXorRelayedAddress(ip, 50000, resp.TID))
			require.NoError(t, resp.Attributes.SetXorMappedAddress(ip, 40000, resp.TID))
			resp.Attributes.SetLifetimeSeconds(600)
			out, _ := stun.Encode(resp, stun.EncodeOptions{})
			return out
		}
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	require.Equal(t, 3, attempts)
	require.Len(t, nonces, 3)
	assert.Equal(t, "", nonces[0])
	assert.Equal(t, "n1", nonces[1])
	assert.Equal(t, "n2", nonces[2])

	alloc := c.Allocation()
	require.NotNil(t, alloc)
	assert.Equal(t, 600*time.Second, alloc.Lifetime)
}

func TestClient_ChannelBindThenSendUsesChannelData(t *testing.T) {
	var sawChannelData bool
	relayed := net.ParseIP("192.0.2.1")
	c, conn := newTestClient(t, func(packet []byte, from net.Addr) []byte {
		if len(packet) > 0 && packet[0] >= 0x40 {
			sawChannelData = true
			return nil
		}
		req, err := stun.Parse(packet, stun.ParseOptions{})
		require.NoError(t, err)
		resp := stun.NewResponse(req, stun.ClassSuccessResponse)
		switch req.Method {
		case 0x003: // Allocate
			require.NoError(t, resp.Attributes.SetXorRelayedAddress(relayed, 50000, resp.TID))
			require.NoError(t, resp.Attributes.SetXorMappedAddress(relayed, 40000, resp.TID))
			resp.Attributes.SetLifetimeSeconds(600)
		case 0x009: // ChannelBind
		}
		out, _ := stun.Encode(resp, stun.EncodeOptions{})
		return out
	})
	_ = conn

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateReady }, time.Second, time.Millisecond)

	peer := &net.UDPAddr{IP: net.ParseIP("198.51.100.50"), Port: 9000}
	c.ChannelBind(peer)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.channelsByPeer) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Send(peer, []byte("hello")))
	assert.True(t, sawChannelData)
}

func TestChannelData_RoundTrip(t *testing.T) {
	frame := encodeChannelData(0x4001, []byte("payload"))
	n, payload, ok := decodeChannelData(frame)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4001), n)
	assert.Equal(t, []byte("payload"), payload)
}

func TestChannelData_RejectsTruncatedFrame(t *testing.T) {
	_, _, ok := decodeChannelData([]byte{0x40, 0x01, 0x00, 0xFF})
	assert.False(t, ok)
}
