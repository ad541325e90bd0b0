package rudp

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/p2pconnect/pkg/monitoring"
	"github.com/khryptorgraphics/p2pconnect/pkg/netio"
	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
)

// State is one of the five RUDP channel lifecycle states (spec §4.5).
type State int

const (
	StateConnecting State = iota
	StateNegotiating
	StateConnected
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateNegotiating:
		return "Negotiating"
	case StateConnected:
		return "Connected"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

const (
	windowMax       = 256
	cwndInitial     = 4
	ackVectorBits   = 64
	delayedACKDelay = 200 * time.Millisecond
	idleKeepAlive   = 30 * time.Second
	finWaitMin      = 500 * time.Millisecond
)

type outPacket struct {
	data          []byte
	sentAt        time.Time
	retransmitted bool
}

// Channel is one RUDP reliable datagram session (spec §4.5). Like every
// other component, it is meant to be driven from a single dispatch queue;
// the mutex here only guards against timer and socket callbacks racing the
// owner's calls (spec §5).
type Channel struct {
	mu sync.Mutex

	// id is a process-local correlation identifier for logs/metrics/the
	// debug HTTP surface; it never touches the wire. The wire-visible
	// identifiers are localCh/remoteCh (spec §3's channel numbers).
	id uuid.UUID

	scheduler  netio.Scheduler
	send       func(frame []byte)
	localCh    uint16
	remoteCh   uint16
	remoteAddr net.Addr

	useCompact bool
	method     stun.Method

	state State

	sendNextSeq uint32
	sendBase    uint32
	sendBuffer  map[uint32]*outPacket
	cwnd        int
	rto         *rtoEstimator
	rtoCancel   func()
	rttSinceIncrease time.Time

	recvNextExpected uint32
	recvBuffer       map[uint32][]byte
	ackVector        uint64 // bit i set means recvNextExpected+1+i has been received

	lastActivity  time.Time
	idleCancel    func()
	delayedCancel func()
	pendingAck    bool

	finCancel func()

	onDeliver func(payload []byte)
	subs      []func(State)

	metrics *monitoring.PrometheusMetrics
}

// Config configures a new Channel.
type Config struct {
	LocalChannel  uint16
	RemoteChannel uint16
	RemoteAddr    net.Addr
	UseCompact    bool
	Method        stun.Method // STUN method used when UseCompact is false
}

// NewChannel constructs a Connected-bound Channel. Connection negotiation
// (spec §4.5 Connecting/Negotiating) is driven by pkg/rudp's Listener on
// the accepting side and by the application on the initiating side; by the
// time a Channel exists both peers have already agreed on channel numbers
// and framing, so it starts in StateConnected.
func NewChannel(cfg Config, scheduler netio.Scheduler, send func(frame []byte)) *Channel {
	if cfg.Method == 0 {
		cfg.Method = stun.MethodRUDPChannelData
	}
	c := &Channel{
		id:               uuid.New(),
		scheduler:        scheduler,
		send:             send,
		localCh:          cfg.LocalChannel,
		remoteCh:         cfg.RemoteChannel,
		remoteAddr:       cfg.RemoteAddr,
		useCompact:       cfg.UseCompact,
		method:           cfg.Method,
		state:            StateConnected,
		sendBuffer:       make(map[uint32]*outPacket),
		recvBuffer:       make(map[uint32][]byte),
		cwnd:             cwndInitial,
		rto:              newRTOEstimator(),
		lastActivity:     time.Now(),
		rttSinceIncrease: time.Now(),
	}
	c.armIdleTimer()
	return c
}

// ID returns this channel's process-local correlation identifier.
func (c *Channel) ID() uuid.UUID {
	return c.id
}

// SetMetrics wires m into this channel so sent/retransmitted packet counts,
// delivered bytes, sampled RTT, and congestion window actually advance
// (spec §7).
func (c *Channel) SetMetrics(m *monitoring.PrometheusMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
	c.metrics.SetRUDPCwnd(c.cwnd)
}

func (c *Channel) Subscribe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Channel) SetOnDeliver(fn func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDeliver = fn
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) transitionLocked(to State) {
	c.state = to
	for _, s := range c.subs {
		s(to)
	}
}

func (c *Channel) inFlightLocked() int {
	return len(c.sendBuffer)
}

// Send queues payload for reliable delivery, respecting the flow-control
// window min(256, cwnd) (spec §4.5). Returns false if the window is full.
func (c *Channel) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	window := c.cwnd
	if window > windowMax {
		window = windowMax
	}
	if c.inFlightLocked() >= window {
		return false
	}

	seq := c.sendNextSeq
	c.sendNextSeq = seqAdd(seq, 1)
	c.sendBuffer[seq] = &outPacket{data: append([]byte(nil), payload...), sentAt: time.Now()}

	c.transmitLocked(seq, payload, 0, false)
	if c.rtoCancel == nil {
		c.armRTOLocked()
	}
	c.lastActivity = time.Now()
	c.rearmIdleLocked()
	return true
}

func (c *Channel) transmitLocked(seq uint32, payload []byte, flags uint16, isRetransmit bool) {
	f := dataFrame{
		seq:       seq,
		gsnr:      c.lastReceivedSeqLocked(),
		gsnfr:     c.recvNextExpected,
		ackVector: c.ackVector,
		flags:     flags,
		payload:   payload,
	}
	var frame []byte
	if c.useCompact {
		frame = encodeCompact(f)
	} else {
		frame, _ = encodeSTUN(c.method, c.remoteCh, f)
	}
	c.send(frame)
	if isRetransmit {
		if p, ok := c.sendBuffer[seq]; ok {
			p.retransmitted = true
			p.sentAt = time.Now()
		}
		c.metrics.RecordRUDPPacketRetransmitted()
	} else {
		c.metrics.RecordRUDPPacketSent()
	}
}

func (c *Channel) lastReceivedSeqLocked() uint32 {
	if c.recvNextExpected == 0 {
		return seqMax
	}
	return seqAdd(c.recvNextExpected, -1)
}

func (c *Channel) armRTOLocked() {
	if c.rtoCancel != nil {
		c.rtoCancel()
	}
	c.rtoCancel = c.scheduler.ScheduleOnce(c.rto.rto(), c.onRTOExpired)
}

func (c *Channel) onRTOExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtoCancel = nil
	if c.state == StateShutdown {
		return
	}
	if len(c.sendBuffer) == 0 {
		// Window-close probe: send an ACK-only frame every RTO.
		c.transmitLocked(seqAdd(c.sendNextSeq, -1), nil, 0, false)
		c.armRTOLocked()
		return
	}
	seq := c.oldestUnackedLocked()
	p := c.sendBuffer[seq]
	c.transmitLocked(seq, p.data, 0, true)
	c.halveCwndLocked()
	c.armRTOLocked()
}

func (c *Channel) oldestUnackedLocked() uint32 {
	best := c.sendBase
	found := false
	for seq := range c.sendBuffer {
		if !found || seqLess(seq, best) {
			best = seq
			found = true
		}
	}
	return best
}

func (c *Channel) halveCwndLocked() {
	c.cwnd = c.cwnd / 2
	if c.cwnd < 1 {
		c.cwnd = 1
	}
	c.metrics.SetRUDPCwnd(c.cwnd)
}

// handleAck updates sendBase/cwnd/RTT from an inbound GSNR + ack-vector
// (spec §4.5 "send side").
func (c *Channel) handleAck(gsnr uint32, vector uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	newlyAcked := false
	for seq, p := range c.sendBuffer {
		if seqLessEqual(seq, gsnr) {
			if !p.retransmitted {
				rtt := time.Since(p.sentAt)
				c.rto.sample(rtt) // Karn: never sample retransmitted packets
				c.metrics.RecordRUDPRTT(rtt)
			}
			delete(c.sendBuffer, seq)
			if seqLessEqual(c.sendBase, seq) {
				c.sendBase = seqAdd(seq, 1)
			}
			newlyAcked = true
			continue
		}
		// Bits in the vector acknowledge individual packets beyond gsnr+1:
		// bit i stands for gsnr+2+i (the receiver's recvNextExpected+1+i).
		dist := seqDistance(gsnr, seq)
		if dist > 1 && dist-2 < ackVectorBits && vector&(1<<uint(dist-2)) != 0 {
			if !p.retransmitted {
				rtt := time.Since(p.sentAt)
				c.rto.sample(rtt)
				c.metrics.RecordRUDPRTT(rtt)
			}
			delete(c.sendBuffer, seq)
			newlyAcked = true
		}
	}

	if newlyAcked {
		if time.Since(c.rttSinceIncrease) >= c.rto.srtt {
			c.cwnd++
			c.rttSinceIncrease = time.Now()
			c.metrics.SetRUDPCwnd(c.cwnd)
		}
	}

	// Fast retransmit: a gap (oldest unacked not covered by gsnr/vector)
	// with >= 3 newer packets acknowledged through the vector (spec §4.5).
	if len(c.sendBuffer) > 0 {
		oldest := c.oldestUnackedLocked()
		if seqLess(gsnr, oldest) {
			acked := 0
			// Bit seqDistance(gsnr, oldest)-2 stands for oldest itself.
			for i := seqDistance(gsnr, oldest) - 1; i < ackVectorBits; i++ {
				if vector&(1<<uint(i)) != 0 {
					acked++
				}
			}
			if acked >= 3 {
				if p, ok := c.sendBuffer[oldest]; ok {
					c.transmitLocked(oldest, p.data, 0, true)
					c.halveCwndLocked()
				}
			}
		}
	}

	if len(c.sendBuffer) == 0 && c.rtoCancel != nil {
		c.rtoCancel()
		c.rtoCancel = nil
	}

	if c.state == StateShuttingDown && len(c.sendBuffer) == 0 && c.finCancel != nil {
		c.finCancel()
		c.finCancel = nil
		c.transitionLocked(StateShutdown)
	}
}

// handleData processes an inbound data frame (spec §4.5 "recv side").
func (c *Channel) handleData(f dataFrame) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.rearmIdleLocked()

	if f.flags&uint16(stun.ReliabilityFlagFIN) != 0 {
		c.mu.Unlock()
		c.handleRemoteFIN()
		return
	}

	defer c.mu.Unlock()
	if len(f.payload) == 0 && f.flags&uint16(stun.ReliabilityFlagKeepAlive) != 0 {
		c.scheduleAckLocked()
		return
	}

	switch {
	case f.seq == c.recvNextExpected:
		c.deliverLocked(f.payload)
		c.recvNextExpected = seqAdd(c.recvNextExpected, 1)
		c.ackVector >>= 1
		c.flushBufferedLocked()
	case c.inRecvWindowLocked(f.seq):
		c.recvBuffer[f.seq] = append([]byte(nil), f.payload...)
		dist := seqDistance(c.recvNextExpected, f.seq)
		if dist > 0 && dist <= ackVectorBits {
			c.ackVector |= 1 << uint(dist-1)
		}
	default:
		// Out of window or duplicate: drop the payload but still ACK.
	}
	c.scheduleAckLocked()
}

func (c *Channel) inRecvWindowLocked(seq uint32) bool {
	dist := seqDistance(c.recvNextExpected, seq)
	return dist > 0 && dist <= windowMax
}

func (c *Channel) deliverLocked(payload []byte) {
	if len(payload) == 0 {
		return
	}
	c.metrics.RecordRUDPBytesDelivered(len(payload))
	if c.onDeliver != nil {
		c.onDeliver(payload)
	}
}

func (c *Channel) flushBufferedLocked() {
	for {
		p, ok := c.recvBuffer[c.recvNextExpected]
		if !ok {
			break
		}
		delete(c.recvBuffer, c.recvNextExpected)
		c.deliverLocked(p)
		c.recvNextExpected = seqAdd(c.recvNextExpected, 1)
		c.ackVector >>= 1
	}
}

func (c *Channel) scheduleAckLocked() {
	if c.pendingAck {
		return
	}
	c.pendingAck = true
	c.delayedCancel = c.scheduler.ScheduleOnce(delayedACKDelay, c.sendStandaloneAck)
}

func (c *Channel) sendStandaloneAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAck = false
	c.delayedCancel = nil
	if c.state == StateShutdown {
		return
	}
	c.transmitLocked(seqAdd(c.sendNextSeq, -1), nil, 0, false)
}

func (c *Channel) armIdleTimer() {
	c.idleCancel = c.scheduler.ScheduleOnce(idleKeepAlive, c.onIdleTimeout)
}

func (c *Channel) rearmIdleLocked() {
	if c.idleCancel != nil {
		c.idleCancel()
	}
	c.idleCancel = c.scheduler.ScheduleOnce(idleKeepAlive, c.onIdleTimeout)
}

func (c *Channel) onIdleTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return
	}
	seq := c.sendNextSeq
	c.sendNextSeq = seqAdd(seq, 1)
	c.transmitLocked(seq, nil, uint16(stun.ReliabilityFlagKeepAlive), false)
	c.rearmIdleLocked()
}

// Shutdown sends a FIN-bearing packet and waits one RTO (or 500ms,
// whichever is larger) for the peer's ACK before transitioning to
// Shutdown (spec §4.5).
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateShuttingDown)
	seq := c.sendNextSeq
	c.sendNextSeq = seqAdd(seq, 1)
	c.sendBuffer[seq] = &outPacket{sentAt: time.Now()}
	c.transmitLocked(seq, nil, uint16(stun.ReliabilityFlagFIN), false)

	wait := c.rto.rto()
	if wait < finWaitMin {
		wait = finWaitMin
	}
	c.finCancel = c.scheduler.ScheduleOnce(wait, c.onFinWaitExpired)
	c.mu.Unlock()
}

func (c *Channel) onFinWaitExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateShuttingDown {
		return
	}
	c.finCancel = nil
	c.transitionLocked(StateShutdown)
	if c.idleCancel != nil {
		c.idleCancel()
	}
	if c.rtoCancel != nil {
		c.rtoCancel()
	}
}

func (c *Channel) handleRemoteFIN() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduleAckLocked()
	if c.state == StateConnected {
		c.transitionLocked(StateShutdown)
		if c.idleCancel != nil {
			c.idleCancel()
		}
		if c.rtoCancel != nil {
			c.rtoCancel()
		}
	}
}
