// Package stun implements the RFC 5389 message codec plus the
// STUN-usage extensions TURN (RFC 5766) and RUDP layer on top of it: a
// binary message format, attribute registry, and a retry-driven
// requester/manager pair that match responses to requests by transaction
// ID. See spec.md §3, §4.2, §4.3.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MagicCookie is the fixed RFC 5389 cookie that appears in every message
// header and is mixed into XOR-MAPPED-ADDRESS encoding.
const MagicCookie uint32 = 0x2112A442

// HeaderSize is the fixed 20-byte STUN header length.
const HeaderSize = 20

// MaxMessageSize is the invariant from spec §3: total length <= 65535.
const MaxMessageSize = 65535

// TransactionID is the 96-bit value that matches requests to responses
// (spec §3). It MUST be generated with a cryptographic PRNG and never
// reused by an active requester.
type TransactionID [12]byte

// NewTransactionID generates a fresh, cryptographically random TID.
func NewTransactionID() (TransactionID, error) {
	var tid TransactionID
	if _, err := rand.Read(tid[:]); err != nil {
		return tid, fmt.Errorf("stun: failed to generate transaction id: %w", err)
	}
	return tid, nil
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%x", [12]byte(t))
}

// Class is one of the four STUN message classes (spec §3).
type Class uint8

const (
	ClassRequest Class = iota
	ClassIndication
	ClassSuccessResponse
	ClassErrorResponse
)

// Method identifies the STUN/TURN/RUDP operation a message carries. The
// numeric values below are the low 12 (non-class) bits of the wire type
// field, per RFC 5389 §6's bit layout (class bits are M11, M7..M4, M3..M0
// interleaved with the method bits — encoded/decoded in encodeType/
// decodeType below rather than baked into these constants).
type Method uint16

const (
	MethodBinding            Method = 0x001
	MethodAllocate           Method = 0x003
	MethodRefresh            Method = 0x004
	MethodSend               Method = 0x006
	MethodData               Method = 0x007
	MethodCreatePermission   Method = 0x008
	MethodChannelBind        Method = 0x009
	MethodRUDPChannelOpen    Method = 0x00A
	MethodRUDPChannelData    Method = 0x00B
	MethodRUDPChannelClose   Method = 0x00C
)

// String names a method for logging and metric labels.
func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "binding"
	case MethodAllocate:
		return "allocate"
	case MethodRefresh:
		return "refresh"
	case MethodSend:
		return "send"
	case MethodData:
		return "data"
	case MethodCreatePermission:
		return "create-permission"
	case MethodChannelBind:
		return "channel-bind"
	case MethodRUDPChannelOpen:
		return "rudp-channel-open"
	case MethodRUDPChannelData:
		return "rudp-channel-data"
	case MethodRUDPChannelClose:
		return "rudp-channel-close"
	default:
		return "unknown"
	}
}

// encodeType packs (method, class) into the 14-bit STUN type field per
// RFC 5389 §6: class bits C1 C0 are interleaved at positions 8 and 4.
func encodeType(method Method, class Class) uint16 {
	m := uint16(method)
	c := uint16(class)
	c0 := c & 0x1
	c1 := (c >> 1) & 0x1
	mLow := m & 0x000F
	mMid := (m & 0x0070) >> 4
	mHigh := (m & 0x0F80) >> 7
	return (mHigh << 9) | (c1 << 8) | (mMid << 5) | (c0 << 4) | mLow
}

// decodeType is the inverse of encodeType.
func decodeType(t uint16) (Method, Class) {
	mLow := t & 0x000F
	c0 := (t >> 4) & 0x1
	mMid := (t >> 5) & 0x7
	c1 := (t >> 8) & 0x1
	mHigh := (t >> 9) & 0x1F

	method := Method((mHigh << 7) | (mMid << 4) | mLow)
	class := Class((c1 << 1) | c0)
	return method, class
}

// Message is a parsed or to-be-encoded STUN message (spec §3).
type Message struct {
	Method        Method
	Class         Class
	TID           TransactionID
	Attributes    *AttributeSet
}

// NewRequest builds a new request message with a fresh TID.
func NewRequest(method Method) (*Message, error) {
	tid, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Class: ClassRequest, TID: tid, Attributes: NewAttributeSet()}, nil
}

// NewIndication builds a new indication message with a fresh TID.
func NewIndication(method Method) (*Message, error) {
	tid, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Class: ClassIndication, TID: tid, Attributes: NewAttributeSet()}, nil
}

// NewResponse builds a response to req, reusing its TID.
func NewResponse(req *Message, class Class) *Message {
	return &Message{Method: req.Method, Class: class, TID: req.TID, Attributes: NewAttributeSet()}
}

func writeUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func readUint16(b []byte) uint16     { return binary.BigEndian.Uint16(b) }
func writeUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func readUint32(b []byte) uint32     { return binary.BigEndian.Uint32(b) }
