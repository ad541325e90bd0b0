package netio

import (
	"errors"
	"net"
)

// SendResult is the result of a best-effort send, spec §6's
// "send(dst, bytes) -> {ok, wouldBlock, errno}".
type SendResult struct {
	OK         bool
	WouldBlock bool
	Err        error
}

// PacketConn is the non-blocking datagram socket contract from spec §6.
// Production code wraps a *net.UDPConn; tests substitute an in-memory pipe.
type PacketConn interface {
	Send(dst net.Addr, b []byte) SendResult
	// SetReadCallback installs the handler invoked with every datagram
	// received, along with its source address. Mirrors onReadReady without
	// requiring the caller to poll.
	SetReadCallback(func(data []byte, from net.Addr))
	LocalAddr() net.Addr
	Close() error
}

type udpPacketConn struct {
	conn   *net.UDPConn
	onRead func(data []byte, from net.Addr)
	done   chan struct{}
}

// NewUDPPacketConn wraps conn and starts its read loop in a background
// goroutine; received datagrams are dispatched to the callback installed
// via SetReadCallback. Matches the teacher's worker-goroutine pattern in
// turn_server.go's handleUDPPackets, generalized to any caller rather than
// being hardcoded to one server's dispatch table.
func NewUDPPacketConn(conn *net.UDPConn, bufferSize int) PacketConn {
	pc := &udpPacketConn{conn: conn, done: make(chan struct{})}
	go pc.readLoop(bufferSize)
	return pc
}

func (p *udpPacketConn) readLoop(bufferSize int) {
	buf := make([]byte, bufferSize)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if p.onRead != nil {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			p.onRead(cp, addr)
		}
	}
}

func (p *udpPacketConn) SetReadCallback(cb func(data []byte, from net.Addr)) {
	p.onRead = cb
}

func (p *udpPacketConn) Send(dst net.Addr, b []byte) SendResult {
	udpAddr, ok := dst.(*net.UDPAddr)
	if !ok {
		return SendResult{Err: errors.New("netio: dst is not a *net.UDPAddr")}
	}
	_, err := p.conn.WriteToUDP(b, udpAddr)
	if err == nil {
		return SendResult{OK: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return SendResult{WouldBlock: true}
	}
	return SendResult{Err: err}
}

func (p *udpPacketConn) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *udpPacketConn) Close() error {
	close(p.done)
	return p.conn.Close()
}
