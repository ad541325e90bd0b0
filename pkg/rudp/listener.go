package rudp

import (
	"net"
	"sync"

	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
)

// channelKey identifies a Channel by (remote address, local channel
// number), the multiplexing key spec §4.6 routes inbound packets by.
type channelKey struct {
	remote string
	local  uint16
}

// Listener binds one socket, demultiplexes inbound datagrams across many
// Channels, and accepts new channel-open requests (spec §4.6).
type Listener struct {
	mu sync.Mutex

	conn      netio.PacketConn
	scheduler netio.Scheduler
	mgr       *stun.Manager

	channels      map[channelKey]*Channel
	usedByRemote  map[string]map[uint16]bool
	nextLocalNum  uint16

	onWaiting func(remote net.Addr, accept func(useCompact bool) *Channel, reject func())

	metrics *monitoring.PrometheusMetrics
}

// NewListener constructs a Listener bound to conn.
func NewListener(conn netio.PacketConn, scheduler netio.Scheduler, mgr *stun.Manager) *Listener {
	l := &Listener{
		conn:         conn,
		scheduler:    scheduler,
		mgr:          mgr,
		channels:     make(map[channelKey]*Channel),
		usedByRemote: make(map[string]map[uint16]bool),
		nextLocalNum: 0x4000,
	}
	conn.SetReadCallback(l.onPacket)
	return l
}

// SetMetrics wires m into this Listener and every Channel it creates from
// this point on (spec §7).
func (l *Listener) SetMetrics(m *monitoring.PrometheusMetrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = m
}

func (l *Listener) trackChannelLocked(ch *Channel) {
	ch.SetMetrics(l.metrics)
	l.metrics.AddRUDPChannelsOpen(1)
	ch.Subscribe(func(s State) {
		if s == StateShutdown {
			l.metrics.AddRUDPChannelsOpen(-1)
		}
	})
}

// OnChannelWaiting registers the callback invoked when a fresh channel-open
// request arrives (spec §4.6, case 1). The callback must call accept or
// reject synchronously or asynchronously before further packets for that
// remote can be classified.
func (l *Listener) OnChannelWaiting(fn func(remote net.Addr, accept func(useCompact bool) *Channel, reject func())) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWaiting = fn
}

// Session is a read-only view of one Listener-owned Channel, as listed by
// Snapshot for diagnostics.
type Session struct {
	ID      string `json:"id"`
	Remote  string `json:"remote"`
	Channel uint16 `json:"channel"`
	State   string `json:"state"`
}

// Snapshot lists every channel this Listener currently owns.
func (l *Listener) Snapshot() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Session, 0, len(l.channels))
	for key, ch := range l.channels {
		out = append(out, Session{ID: ch.ID().String(), Remote: key.remote, Channel: key.local, State: ch.State().String()})
	}
	return out
}

func (l *Listener) allocateLocalNumber(remote string) uint16 {
	used := l.usedByRemote[remote]
	if used == nil {
		used = make(map[uint16]bool)
		l.usedByRemote[remote] = used
	}
	for i := 0; i < 0x4000; i++ {
		n := l.nextLocalNum
		l.nextLocalNum++
		if l.nextLocalNum > 0x7FFF {
			l.nextLocalNum = 0x4000
		}
		if !used[n] {
			used[n] = true
			return n
		}
	}
	return l.nextLocalNum
}

func (l *Listener) onPacket(data []byte, from net.Addr) {
	if len(data) == 0 {
		return
	}

	if data[0] == compactFrameMagic {
		l.routeCompact(data, from)
		return
	}

	msg, err := stun.Parse(data, stun.ParseOptions{})
	if err != nil {
		return
	}
	if l.mgr.Offer(msg, from) {
		return
	}

	switch msg.Method {
	case stun.MethodRUDPChannelOpen:
		l.handleChannelOpen(msg, from)
	default:
		l.routeSTUN(msg, from)
	}
}

func (l *Listener) routeCompact(data []byte, from net.Addr) {
	f, ok := decodeCompact(data)
	if !ok {
		return
	}
	// The compact frame does not carry the local channel number out of
	// band; callers multiplex purely on remote address when only one
	// channel per remote is open, matching this module's primary use case
	// of one RUDP session per peer. Multi-channel-per-remote compact
	// traffic is routed via the STUN framing instead.
	l.mu.Lock()
	var ch *Channel
	for key, c := range l.channels {
		if key.remote == from.String() {
			ch = c
			break
		}
	}
	l.mu.Unlock()
	if ch == nil {
		return
	}
	ch.handleData(f)
	ch.handleAck(f.gsnr, f.ackVector)
}

func (l *Listener) routeSTUN(msg *stun.Message, from net.Addr) {
	channelNumber, f, ok := decodeSTUN(msg)
	if !ok {
		return
	}
	l.mu.Lock()
	ch, known := l.channels[channelKey{remote: from.String(), local: channelNumber}]
	l.mu.Unlock()
	if !known {
		return // not case 1 or 2: drop (spec §4.6 case 3 "otherwise ... drop")
	}
	ch.handleData(f)
	ch.handleAck(f.gsnr, f.ackVector)
}

func (l *Listener) handleChannelOpen(msg *stun.Message, from net.Addr) {
	remoteChannel, _ := msg.Attributes.ChannelNumber()
	remoteFlags, _ := msg.Attributes.ReliabilityFlags()
	localNumber := l.allocateLocalNumber(from.String())

	accept := func(useCompact bool) *Channel {
		flags := uint16(0)
		if useCompact {
			flags = stun.ReliabilityFlagCompactData
		}
		resp := stun.NewResponse(msg, stun.ClassSuccessResponse)
		resp.Attributes.SetChannelNumber(localNumber)
		resp.Attributes.SetReliabilityFlags(flags)
		out, _ := stun.Encode(resp, stun.EncodeOptions{})
		l.conn.Send(from, out)

		ch := NewChannel(Config{
			LocalChannel:  localNumber,
			RemoteChannel: remoteChannel,
			RemoteAddr:    from,
			UseCompact:    useCompact && remoteFlags&stun.ReliabilityFlagCompactData != 0,
		}, l.scheduler, func(frame []byte) { l.conn.Send(from, frame) })

		l.mu.Lock()
		l.channels[channelKey{remote: from.String(), local: localNumber}] = ch
		l.trackChannelLocked(ch)
		l.mu.Unlock()
		return ch
	}

	reject := func() {
		resp := stun.NewResponse(msg, stun.ClassErrorResponse)
		resp.Attributes.SetErrorCode(stun.ErrorCode{Code: 438, Reason: "Stale Nonce"})
		out, _ := stun.Encode(resp, stun.EncodeOptions{})
		l.conn.Send(from, out)
	}

	l.mu.Lock()
	cb := l.onWaiting
	l.mu.Unlock()
	if cb != nil {
		cb(from, accept, reject)
	} else {
		reject()
	}
}

// Dial opens a new channel to remote, negotiating capability via a STUN
// RUDP-channel-open request through the shared requester manager (spec
// §4.5 Connecting/Negotiating).
func (l *Listener) Dial(remote net.Addr, preferCompact bool, onAccepted func(*Channel), onRejected func()) {
	localNumber := l.allocateLocalNumber(remote.String())

	req, _ := stun.NewRequest(stun.MethodRUDPChannelOpen)
	req.Attributes.SetChannelNumber(localNumber)
	flags := uint16(0)
	if preferCompact {
		flags = stun.ReliabilityFlagCompactData
	}
	req.Attributes.SetReliabilityFlags(flags)

	stun.NewRequester(l.mgr, l.scheduler, req, remote, stun.DefaultRequestPattern(), stun.EncodeOptions{},
		func(packet []byte, dest net.Addr) { l.conn.Send(dest, packet) },
		func(resp *stun.Message, from net.Addr) bool {
			if resp.Class != stun.ClassSuccessResponse {
				if onRejected != nil {
					onRejected()
				}
				return true
			}
			remoteChannel, _ := resp.Attributes.ChannelNumber()
			remoteFlags, _ := resp.Attributes.ReliabilityFlags()
			useCompact := preferCompact && remoteFlags&stun.ReliabilityFlagCompactData != 0

			ch := NewChannel(Config{
				LocalChannel:  localNumber,
				RemoteChannel: remoteChannel,
				RemoteAddr:    from,
				UseCompact:    useCompact,
			}, l.scheduler, func(frame []byte) { l.conn.Send(from, frame) })

			l.mu.Lock()
			l.channels[channelKey{remote: from.String(), local: localNumber}] = ch
			l.trackChannelLocked(ch)
			l.mu.Unlock()
			if onAccepted != nil {
				onAccepted(ch)
			}
			return true
		},
		func() {
			if onRejected != nil {
				onRejected()
			}
		},
	).Start()
}
