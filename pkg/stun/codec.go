package stun

import (
	"encoding/binary"
	"fmt"

	"github.com/khryptorgraphics/p2pconnect/pkg/errors"
)

// RFCVariant names the RFC a message follows. EncodeOptions and
// ParseOptions carry it, but Encode and Parse do not read it: which address
// attribute (MAPPED-ADDRESS or XOR-MAPPED-ADDRESS) a message holds is up to
// whoever sets its attributes, and Parse accepts either.
type RFCVariant int

const (
	RFC3489 RFCVariant = iota // classic STUN: MAPPED-ADDRESS
	RFC5389                   // STUN-bis: XOR-MAPPED-ADDRESS
	RFC5766                   // TURN
	RFC5245                   // ICE
)

// EncodeOptions configures Encode.
type EncodeOptions struct {
	Variant          RFCVariant
	Credential       *Credential // if set, MESSAGE-INTEGRITY is appended
	AddFingerprint   bool
	Software         string
}

// ParseOptions configures Parse.
type ParseOptions struct {
	RequiredSoftware string     // if non-empty, SOFTWARE must be present and match
	PermittedMethods []Method   // if non-empty, a whitelist of acceptable methods
	Credential       *Credential // required to verify MESSAGE-INTEGRITY, if present
	Variant          RFCVariant
}

func appendAttrTLV(buf []byte, t AttrType, value []byte) []byte {
	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header, uint16(t))
	binary.BigEndian.PutUint16(header[2:], uint16(len(value)))
	buf = append(buf, header...)
	buf = append(buf, value...)
	pad := (4 - len(value)%4) % 4
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// Encode serializes msg to wire bytes. Attribute order follows
// msg.Attributes.Types() registration order (spec §4.2); MESSAGE-INTEGRITY
// and FINGERPRINT, if requested, are always appended last in that order
// regardless of what the caller already added, since spec §3 requires
// FINGERPRINT to be the absolute last attribute and MESSAGE-INTEGRITY to
// cover everything before it.
func Encode(msg *Message, opts EncodeOptions) ([]byte, error) {
	if opts.Software != "" {
		msg.Attributes.SetSoftware(opts.Software)
	}

	body := make([]byte, 0, 256)
	for _, t := range msg.Attributes.Types() {
		if t == AttrMessageIntegrity || t == AttrFingerprint {
			continue // these are computed and appended below, never caller-supplied
		}
		v, _ := msg.Attributes.Get(t)
		body = appendAttrTLV(body, t, v)
	}

	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(header, encodeType(msg.Method, msg.Class))
	binary.BigEndian.PutUint32(header[4:], MagicCookie)
	copy(header[8:], msg.TID[:])

	if opts.Credential != nil {
		// Header length must cover the message up to and including MI
		// (20-byte value + 4-byte TLV header = 24 bytes) but nothing after.
		binary.BigEndian.PutUint16(header[2:], uint16(len(body)+24))
		toSign := append(append([]byte(nil), header...), body...)
		mi := computeMessageIntegrity(toSign, *opts.Credential)
		body = appendAttrTLV(body, AttrMessageIntegrity, mi)
	}

	if opts.AddFingerprint {
		binary.BigEndian.PutUint16(header[2:], uint16(len(body)+8))
		toSign := append(append([]byte(nil), header...), body...)
		fp := computeFingerprint(toSign)
		fpBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(fpBytes, fp)
		body = appendAttrTLV(body, AttrFingerprint, fpBytes)
	}

	binary.BigEndian.PutUint16(header[2:], uint16(len(body)))

	out := append(header, body...)
	if len(out) > MaxMessageSize {
		return nil, errors.New(errors.KindParse, "stun", "encode", "message_too_large",
			fmt.Sprintf("encoded message is %d bytes, exceeds %d", len(out), MaxMessageSize))
	}
	return out, nil
}

// Parse decodes data into a Message. It is infallible for malformed
// input: it always returns (nil, *errors.Error) rather than panicking,
// per spec §4.2.
func Parse(data []byte, opts ParseOptions) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, errors.New(errors.KindParse, "stun", "parse", "short_header", "message shorter than STUN header")
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	// Reject before any attribute is examined if the declared length would
	// overflow the MTU-sized budget (spec §8 boundary behavior).
	if HeaderSize+length > MaxMessageSize {
		return nil, errors.New(errors.KindParse, "stun", "parse", "length_exceeds_mtu", "declared length exceeds maximum message size")
	}
	if HeaderSize+length > len(data) {
		return nil, errors.New(errors.KindParse, "stun", "parse", "truncated", "declared length exceeds available data")
	}

	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie {
		return nil, errors.New(errors.KindParse, "stun", "parse", "bad_cookie", "magic cookie mismatch")
	}

	method, class := decodeType(binary.BigEndian.Uint16(data[0:2]))
	if len(opts.PermittedMethods) > 0 && !methodPermitted(method, opts.PermittedMethods) {
		return nil, errors.New(errors.KindProtocol, "stun", "parse", "method_not_permitted",
			fmt.Sprintf("method 0x%x not in permitted set", method))
	}

	var tid TransactionID
	copy(tid[:], data[8:20])

	msg := &Message{Method: method, Class: class, TID: tid, Attributes: NewAttributeSet()}

	offset := HeaderSize
	end := HeaderSize + length
	var unknownRequired []AttrType
	fingerprintSeen := false

	for offset+4 <= end {
		if fingerprintSeen {
			// FINGERPRINT must be last (spec §3); anything after it is malformed.
			return nil, errors.New(errors.KindParse, "stun", "parse", "attr_after_fingerprint", "attribute found after FINGERPRINT")
		}
		attrType := AttrType(binary.BigEndian.Uint16(data[offset:]))
		attrLen := int(binary.BigEndian.Uint16(data[offset+2:]))
		valStart := offset + 4
		valEnd := valStart + attrLen
		if valEnd > end {
			return nil, errors.New(errors.KindParse, "stun", "parse", "truncated_attr", "attribute value runs past message end")
		}
		value := data[valStart:valEnd]

		switch attrType {
		case AttrMessageIntegrity:
			if opts.Credential != nil {
				// Reconstruct the bytes as encoded at MI-compute time: the
				// prefix up to (not including) this TLV, with the header
				// length field set to cover exactly through this TLV.
				miCoverEnd := offset
				prefix := append([]byte(nil), data[:miCoverEnd]...)
				binary.BigEndian.PutUint16(prefix[2:4], uint16(miCoverEnd-HeaderSize+24))
				if !verifyMessageIntegrity(prefix, value, *opts.Credential) {
					return nil, errors.New(errors.KindAuthFailure, "stun", "parse", "mi_mismatch", "MESSAGE-INTEGRITY verification failed")
				}
			}
			msg.Attributes.set(attrType, append([]byte(nil), value...))
		case AttrFingerprint:
			if attrLen != 4 {
				return nil, errors.New(errors.KindParse, "stun", "parse", "bad_fingerprint_len", "FINGERPRINT value must be 4 bytes")
			}
			prefix := append([]byte(nil), data[:offset]...)
			binary.BigEndian.PutUint16(prefix[2:4], uint16(offset-HeaderSize+8))
			got := binary.BigEndian.Uint32(value)
			want := computeFingerprint(prefix)
			if got != want {
				return nil, errors.New(errors.KindParse, "stun", "parse", "fingerprint_mismatch", "FINGERPRINT verification failed")
			}
			fingerprintSeen = true
			msg.Attributes.set(attrType, append([]byte(nil), value...))
		default:
			if !knownAttribute(attrType) && attrType.IsComprehensionRequired() {
				unknownRequired = append(unknownRequired, attrType)
			}
			msg.Attributes.set(attrType, append([]byte(nil), value...))
		}

		pad := (4 - attrLen%4) % 4
		offset = valEnd + pad
	}

	if len(unknownRequired) > 0 {
		err := errors.New(errors.KindProtocol, "stun", "parse", "unknown_comprehension_required",
			"one or more comprehension-required attributes were not recognized")
		return msg, err // caller decides whether to answer 420; message is still returned per spec's "ignored" handling for optional attrs
	}

	if opts.RequiredSoftware != "" {
		got, ok := msg.Attributes.Software()
		if !ok || got != opts.RequiredSoftware {
			return nil, errors.New(errors.KindProtocol, "stun", "parse", "software_mismatch", "required SOFTWARE attribute missing or mismatched")
		}
	}

	return msg, nil
}

func methodPermitted(m Method, permitted []Method) bool {
	for _, p := range permitted {
		if p == m {
			return true
		}
	}
	return false
}

// knownAttribute reports whether t is in this module's registry — used to
// decide whether an unrecognized comprehension-required attribute should
// trigger 420 Unknown Attributes.
func knownAttribute(t AttrType) bool {
	switch t {
	case AttrMappedAddress, AttrUsername, AttrMessageIntegrity, AttrErrorCode,
		AttrUnknownAttributes, AttrChannelNumber, AttrLifetime, AttrXorPeerAddress,
		AttrData, AttrRealm, AttrNonce, AttrXorRelayedAddress, AttrRequestedTransport,
		AttrDontFragment, AttrReservationToken, AttrEvenPort, AttrXorMappedAddress,
		AttrSoftware, AttrAlternateServer, AttrFingerprint, AttrPriority, AttrUseCandidate,
		AttrICEControlled, AttrICEControlling, AttrNextSequenceNumber, AttrGSNR, AttrGSNFR,
		AttrAckVector, AttrCongestionControl, AttrReliabilityFlags:
		return true
	default:
		return false
	}
}
