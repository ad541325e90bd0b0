package stun

import (
	"fmt"
	"net"
)

// AttrType is the registry of STUN/TURN/ICE/RUDP attribute type numbers
// from spec §3.
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXorPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment      AttrType = 0x001A
	AttrReservationToken  AttrType = 0x0022
	AttrEvenPort          AttrType = 0x0018
	AttrXorMappedAddress  AttrType = 0x0020
	AttrSoftware          AttrType = 0x8022
	AttrAlternateServer   AttrType = 0x8023
	AttrFingerprint       AttrType = 0x8028

	// ICE
	AttrPriority       AttrType = 0x0024
	AttrUseCandidate   AttrType = 0x0025
	AttrICEControlled  AttrType = 0x8029
	AttrICEControlling AttrType = 0x802A

	// RUDP-specific (private-use range 0xC000-0xFFFF per RFC 5389 §18.2)
	AttrNextSequenceNumber AttrType = 0xC000
	AttrGSNR               AttrType = 0xC001
	AttrGSNFR              AttrType = 0xC002
	AttrAckVector          AttrType = 0xC003
	AttrCongestionControl  AttrType = 0xC004
	AttrReliabilityFlags   AttrType = 0xC005
)

// IsComprehensionRequired reports whether an unrecognized attribute of
// this type must cause a 420 Unknown Attributes error (spec §3): per
// RFC 5389 §15, types below 0x8000 are comprehension-required.
func (t AttrType) IsComprehensionRequired() bool {
	return t < 0x8000
}

// rawAttribute is one TLV entry prior to padding removal/addition.
type rawAttribute struct {
	Type  AttrType
	Value []byte
}

// AttributeSet holds a message's attributes in registration order, which
// matters for MESSAGE-INTEGRITY/FINGERPRINT placement and is preserved on
// round-trip parses modulo the order-normalization called out in spec §8.
type AttributeSet struct {
	order []AttrType
	byType map[AttrType][]byte
}

func NewAttributeSet() *AttributeSet {
	return &AttributeSet{byType: make(map[AttrType][]byte)}
}

func (a *AttributeSet) set(t AttrType, v []byte) {
	if _, exists := a.byType[t]; !exists {
		a.order = append(a.order, t)
	}
	a.byType[t] = v
}

func (a *AttributeSet) Get(t AttrType) ([]byte, bool) {
	v, ok := a.byType[t]
	return v, ok
}

func (a *AttributeSet) Has(t AttrType) bool {
	_, ok := a.byType[t]
	return ok
}

// Types returns attribute types in registration order.
func (a *AttributeSet) Types() []AttrType {
	return append([]AttrType(nil), a.order...)
}

// Equal compares two attribute sets by (type -> value) content, ignoring
// order — the "modulo attribute-order normalization" clause of spec §8's
// round-trip invariant.
func (a *AttributeSet) Equal(other *AttributeSet) bool {
	if len(a.byType) != len(other.byType) {
		return false
	}
	for t, v := range a.byType {
		ov, ok := other.byType[t]
		if !ok || len(v) != len(ov) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

// --- Typed accessors -------------------------------------------------

// SetUsername, SetRealm, SetNonce, SetSoftware set UTF-8 string attributes.
func (a *AttributeSet) SetUsername(v string) { a.set(AttrUsername, []byte(v)) }
func (a *AttributeSet) SetRealm(v string)    { a.set(AttrRealm, []byte(v)) }
func (a *AttributeSet) SetNonce(v string)    { a.set(AttrNonce, []byte(v)) }
func (a *AttributeSet) SetSoftware(v string) { a.set(AttrSoftware, []byte(v)) }

func (a *AttributeSet) Username() (string, bool) { return a.getString(AttrUsername) }
func (a *AttributeSet) Realm() (string, bool)    { return a.getString(AttrRealm) }
func (a *AttributeSet) Nonce() (string, bool)    { return a.getString(AttrNonce) }
func (a *AttributeSet) Software() (string, bool) { return a.getString(AttrSoftware) }

func (a *AttributeSet) getString(t AttrType) (string, bool) {
	v, ok := a.Get(t)
	if !ok {
		return "", false
	}
	return string(v), true
}

// SetLifetime / Lifetime encode the LIFETIME attribute as seconds.
func (a *AttributeSet) SetLifetimeSeconds(sec uint32) {
	b := make([]byte, 4)
	writeUint32(b, sec)
	a.set(AttrLifetime, b)
}

func (a *AttributeSet) LifetimeSeconds() (uint32, bool) {
	v, ok := a.Get(AttrLifetime)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return readUint32(v), true
}

// SetChannelNumber / ChannelNumber: CHANNEL-NUMBER is a uint16 followed by
// 2 reserved bytes.
func (a *AttributeSet) SetChannelNumber(n uint16) {
	b := make([]byte, 4)
	writeUint16(b, n)
	a.set(AttrChannelNumber, b)
}

func (a *AttributeSet) ChannelNumber() (uint16, bool) {
	v, ok := a.Get(AttrChannelNumber)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return readUint16(v), true
}

// SetRequestedTransport / RequestedTransport: protocol number in the high
// byte (17 = UDP, 6 = TCP), 3 reserved bytes.
func (a *AttributeSet) SetRequestedTransport(protocol byte) {
	a.set(AttrRequestedTransport, []byte{protocol, 0, 0, 0})
}

func (a *AttributeSet) RequestedTransport() (byte, bool) {
	v, ok := a.Get(AttrRequestedTransport)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

func (a *AttributeSet) SetDontFragment() { a.set(AttrDontFragment, nil) }

func (a *AttributeSet) SetData(payload []byte) { a.set(AttrData, payload) }
func (a *AttributeSet) Data() ([]byte, bool)   { return a.Get(AttrData) }

func (a *AttributeSet) SetReservationToken(tok [8]byte) { a.set(AttrReservationToken, tok[:]) }

// SetEvenPort requests an even relay port; reserve indicates the
// reservation-requested bit (R).
func (a *AttributeSet) SetEvenPort(reserve bool) {
	var b byte
	if reserve {
		b = 0x80
	}
	a.set(AttrEvenPort, []byte{b})
}

// ErrorCode represents the ERROR-CODE attribute's (class, number, reason).
type ErrorCode struct {
	Code   int // e.g. 401, 420, 437, 438
	Reason string
}

func (a *AttributeSet) SetErrorCode(ec ErrorCode) {
	class := byte(ec.Code / 100)
	number := byte(ec.Code % 100)
	b := make([]byte, 4+len(ec.Reason))
	b[2] = class & 0x07
	b[3] = number
	copy(b[4:], ec.Reason)
	a.set(AttrErrorCode, b)
}

func (a *AttributeSet) ErrorCode() (ErrorCode, bool) {
	v, ok := a.Get(AttrErrorCode)
	if !ok || len(v) < 4 {
		return ErrorCode{}, false
	}
	class := int(v[2] & 0x07)
	number := int(v[3])
	return ErrorCode{Code: class*100 + number, Reason: string(v[4:])}, true
}

// SetUnknownAttributes encodes the UNKNOWN-ATTRIBUTES attribute as a list
// of uint16 type codes.
func (a *AttributeSet) SetUnknownAttributes(types []AttrType) {
	b := make([]byte, 2*len(types))
	for i, t := range types {
		writeUint16(b[i*2:], uint16(t))
	}
	a.set(AttrUnknownAttributes, b)
}

func (a *AttributeSet) UnknownAttributes() ([]AttrType, bool) {
	v, ok := a.Get(AttrUnknownAttributes)
	if !ok {
		return nil, false
	}
	out := make([]AttrType, 0, len(v)/2)
	for i := 0; i+1 < len(v); i += 2 {
		out = append(out, AttrType(readUint16(v[i:])))
	}
	return out, true
}

// --- Address attributes -----------------------------------------------

// AddressFamily mirrors the STUN wire encoding: 0x01 = IPv4, 0x02 = IPv6.
const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

func encodeAddress(ip net.IP, port int) ([]byte, error) {
	v4 := ip.To4()
	if v4 != nil {
		b := make([]byte, 8)
		b[1] = familyIPv4
		writeUint16(b[2:], uint16(port))
		copy(b[4:], v4)
		return b, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("stun: invalid IP address %v", ip)
	}
	b := make([]byte, 20)
	b[1] = familyIPv6
	writeUint16(b[2:], uint16(port))
	copy(b[4:], v6)
	return b, nil
}

func decodeAddress(v []byte) (net.IP, int, error) {
	if len(v) < 4 {
		return nil, 0, fmt.Errorf("stun: truncated address attribute")
	}
	family := v[1]
	port := int(readUint16(v[2:]))
	switch family {
	case familyIPv4:
		if len(v) < 8 {
			return nil, 0, fmt.Errorf("stun: truncated IPv4 address attribute")
		}
		return net.IP(append([]byte(nil), v[4:8]...)), port, nil
	case familyIPv6:
		if len(v) < 20 {
			return nil, 0, fmt.Errorf("stun: truncated IPv6 address attribute")
		}
		return net.IP(append([]byte(nil), v[4:20]...)), port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

func xorBytes(dst, src, mask []byte) {
	for i := range src {
		dst[i] = src[i] ^ mask[i%len(mask)]
	}
}

// xorMask returns the cookie||TID bytes used to XOR an address attribute,
// per spec §4.2: the port is XORed with the cookie's upper 16 bits; the
// IPv4 address is XORed with the cookie; IPv6 is XORed with cookie||TID.
func xorMask(tid TransactionID) []byte {
	b := make([]byte, 16)
	writeUint32(b, MagicCookie)
	copy(b[4:], tid[:])
	return b
}

func encodeXorAddress(ip net.IP, port int, tid TransactionID) ([]byte, error) {
	mask := xorMask(tid)
	cookieHigh := uint16(MagicCookie >> 16)

	v4 := ip.To4()
	if v4 != nil {
		b := make([]byte, 8)
		b[1] = familyIPv4
		writeUint16(b[2:], uint16(port)^cookieHigh)
		xorBytes(b[4:8], v4, mask[:4])
		return b, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("stun: invalid IP address %v", ip)
	}
	b := make([]byte, 20)
	b[1] = familyIPv6
	writeUint16(b[2:], uint16(port)^cookieHigh)
	xorBytes(b[4:20], v6, mask)
	return b, nil
}

func decodeXorAddress(v []byte, tid TransactionID) (net.IP, int, error) {
	if len(v) < 4 {
		return nil, 0, fmt.Errorf("stun: truncated xor-address attribute")
	}
	mask := xorMask(tid)
	cookieHigh := uint16(MagicCookie >> 16)
	family := v[1]
	port := int(readUint16(v[2:]) ^ cookieHigh)

	switch family {
	case familyIPv4:
		if len(v) < 8 {
			return nil, 0, fmt.Errorf("stun: truncated IPv4 xor-address attribute")
		}
		ip := make([]byte, 4)
		xorBytes(ip, v[4:8], mask[:4])
		return net.IP(ip), port, nil
	case familyIPv6:
		if len(v) < 20 {
			return nil, 0, fmt.Errorf("stun: truncated IPv6 xor-address attribute")
		}
		ip := make([]byte, 16)
		xorBytes(ip, v[4:20], mask)
		return net.IP(ip), port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// SetXorMappedAddress / XorMappedAddress, and the TURN XOR-PEER-ADDRESS /
// XOR-RELAYED-ADDRESS variants, all share the same cookie/TID XOR scheme.

func (a *AttributeSet) SetXorMappedAddress(ip net.IP, port int, tid TransactionID) error {
	v, err := encodeXorAddress(ip, port, tid)
	if err != nil {
		return err
	}
	a.set(AttrXorMappedAddress, v)
	return nil
}

func (a *AttributeSet) XorMappedAddress(tid TransactionID) (net.IP, int, bool) {
	v, ok := a.Get(AttrXorMappedAddress)
	if !ok {
		return nil, 0, false
	}
	ip, port, err := decodeXorAddress(v, tid)
	if err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

func (a *AttributeSet) SetMappedAddress(ip net.IP, port int) error {
	v, err := encodeAddress(ip, port)
	if err != nil {
		return err
	}
	a.set(AttrMappedAddress, v)
	return nil
}

func (a *AttributeSet) MappedAddress() (net.IP, int, bool) {
	v, ok := a.Get(AttrMappedAddress)
	if !ok {
		return nil, 0, false
	}
	ip, port, err := decodeAddress(v)
	if err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

func (a *AttributeSet) SetXorPeerAddress(ip net.IP, port int, tid TransactionID) error {
	v, err := encodeXorAddress(ip, port, tid)
	if err != nil {
		return err
	}
	a.set(AttrXorPeerAddress, v)
	return nil
}

func (a *AttributeSet) XorPeerAddress(tid TransactionID) (net.IP, int, bool) {
	v, ok := a.Get(AttrXorPeerAddress)
	if !ok {
		return nil, 0, false
	}
	ip, port, err := decodeXorAddress(v, tid)
	if err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

func (a *AttributeSet) SetXorRelayedAddress(ip net.IP, port int, tid TransactionID) error {
	v, err := encodeXorAddress(ip, port, tid)
	if err != nil {
		return err
	}
	a.set(AttrXorRelayedAddress, v)
	return nil
}

func (a *AttributeSet) XorRelayedAddress(tid TransactionID) (net.IP, int, bool) {
	v, ok := a.Get(AttrXorRelayedAddress)
	if !ok {
		return nil, 0, false
	}
	ip, port, err := decodeXorAddress(v, tid)
	if err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

func (a *AttributeSet) SetAlternateServer(ip net.IP, port int) error {
	v, err := encodeAddress(ip, port)
	if err != nil {
		return err
	}
	a.set(AttrAlternateServer, v)
	return nil
}

func (a *AttributeSet) AlternateServer() (net.IP, int, bool) {
	v, ok := a.Get(AttrAlternateServer)
	if !ok {
		return nil, 0, false
	}
	ip, port, err := decodeAddress(v)
	if err != nil {
		return nil, 0, false
	}
	return ip, port, true
}

// --- RUDP-specific attributes -------------------------------------------

func (a *AttributeSet) SetNextSequenceNumber(seq uint32) {
	b := make([]byte, 4)
	writeUint32(b, seq&0xFFFFFF)
	a.set(AttrNextSequenceNumber, b[1:])
}

func (a *AttributeSet) NextSequenceNumber() (uint32, bool) {
	v, ok := a.Get(AttrNextSequenceNumber)
	if !ok || len(v) < 3 {
		return 0, false
	}
	return uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2]), true
}

func (a *AttributeSet) SetGSNR(seq uint32) { a.set(AttrGSNR, seq24Bytes(seq)) }
func (a *AttributeSet) GSNR() (uint32, bool) { return seq24FromBytes(a.Get(AttrGSNR)) }

func (a *AttributeSet) SetGSNFR(seq uint32) { a.set(AttrGSNFR, seq24Bytes(seq)) }
func (a *AttributeSet) GSNFR() (uint32, bool) { return seq24FromBytes(a.Get(AttrGSNFR)) }

func seq24Bytes(seq uint32) []byte {
	return []byte{byte(seq >> 16), byte(seq >> 8), byte(seq)}
}

func seq24FromBytes(v []byte, ok bool) (uint32, bool) {
	if !ok || len(v) < 3 {
		return 0, false
	}
	return uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2]), true
}

// SetAckVector encodes the 64-bit sliding ack bitmap, most significant
// byte first; pkg/rudp defines which sequence number each bit stands for.
func (a *AttributeSet) SetAckVector(vec uint64) {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(vec >> (56 - 8*i))
	}
	a.set(AttrAckVector, b)
}

func (a *AttributeSet) AckVector() (uint64, bool) {
	v, ok := a.Get(AttrAckVector)
	if !ok || len(v) < 8 {
		return 0, false
	}
	var vec uint64
	for i := 0; i < 8; i++ {
		vec = vec<<8 | uint64(v[i])
	}
	return vec, true
}

// Reliability flag bits carried in RELIABILITY-FLAGS.
const (
	ReliabilityFlagFIN         = 1 << 0
	ReliabilityFlagKeepAlive   = 1 << 1
	ReliabilityFlagCompactData = 1 << 2 // capability bit: sender supports compact data framing (§4 supplement)
)

func (a *AttributeSet) SetReliabilityFlags(flags uint16) {
	b := make([]byte, 2)
	writeUint16(b, flags)
	a.set(AttrReliabilityFlags, b)
}

func (a *AttributeSet) ReliabilityFlags() (uint16, bool) {
	v, ok := a.Get(AttrReliabilityFlags)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return readUint16(v), true
}
