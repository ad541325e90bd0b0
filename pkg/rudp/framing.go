package rudp

import (
	"encoding/binary"

	"github.com/khryptorgraphics/p2pconnect/pkg/stun"
)

// compactFrameMagic is the first byte of a compact data frame, chosen
// outside the STUN header's 0x00-0x03 class range so a receiver can
// classify inbound bytes without decoding further (compact framing is
// negotiated at channel-open, spec §4.5/§9 Open Question resolution in
// SPEC_FULL.md §4).
const compactFrameMagic = 0xD0

// compactHeaderSize: magic(1) + seq(3) + gsnr(3) + gsnfr(3) + ackVector(8) + flags(2).
const compactHeaderSize = 1 + 3 + 3 + 3 + 8 + 2

func seq24Put(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func seq24Get(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// dataFrame is the decoded content common to both wire framings.
type dataFrame struct {
	seq        uint32
	gsnr       uint32
	gsnfr      uint32
	ackVector  uint64
	flags      uint16
	payload    []byte
}

// encodeCompact renders f as a compact binary frame.
func encodeCompact(f dataFrame) []byte {
	out := make([]byte, compactHeaderSize+len(f.payload))
	out[0] = compactFrameMagic
	seq24Put(out[1:4], f.seq)
	seq24Put(out[4:7], f.gsnr)
	seq24Put(out[7:10], f.gsnfr)
	binary.BigEndian.PutUint64(out[10:18], f.ackVector)
	binary.BigEndian.PutUint16(out[18:20], f.flags)
	copy(out[compactHeaderSize:], f.payload)
	return out
}

// decodeCompact parses a compact binary frame. Never panics.
func decodeCompact(data []byte) (dataFrame, bool) {
	if len(data) < compactHeaderSize || data[0] != compactFrameMagic {
		return dataFrame{}, false
	}
	return dataFrame{
		seq:       seq24Get(data[1:4]),
		gsnr:      seq24Get(data[4:7]),
		gsnfr:     seq24Get(data[7:10]),
		ackVector: binary.BigEndian.Uint64(data[10:18]),
		flags:     binary.BigEndian.Uint16(data[18:20]),
		payload:   append([]byte(nil), data[compactHeaderSize:]...),
	}, true
}

// encodeSTUN renders f as a STUN-encoded message of the given method
// (spec §4.5: "STUN-encoded messages ... carrying CHANNEL-NUMBER,
// NEXT-SEQUENCE-NUMBER, GSNR, GSNFR, ACK-VECTOR").
func encodeSTUN(method stun.Method, channelNumber uint16, f dataFrame) ([]byte, error) {
	msg, err := stun.NewIndication(method)
	if err != nil {
		return nil, err
	}
	msg.Attributes.SetChannelNumber(channelNumber)
	msg.Attributes.SetNextSequenceNumber(f.seq)
	msg.Attributes.SetGSNR(f.gsnr)
	msg.Attributes.SetGSNFR(f.gsnfr)
	msg.Attributes.SetAckVector(f.ackVector)
	msg.Attributes.SetReliabilityFlags(f.flags)
	if len(f.payload) > 0 {
		msg.Attributes.SetData(f.payload)
	}
	return stun.Encode(msg, stun.EncodeOptions{})
}

// decodeSTUN extracts a dataFrame from a parsed STUN message.
func decodeSTUN(msg *stun.Message) (channelNumber uint16, f dataFrame, ok bool) {
	channelNumber, ok = msg.Attributes.ChannelNumber()
	if !ok {
		return 0, dataFrame{}, false
	}
	f.seq, _ = msg.Attributes.NextSequenceNumber()
	f.gsnr, _ = msg.Attributes.GSNR()
	f.gsnfr, _ = msg.Attributes.GSNFR()
	f.ackVector, _ = msg.Attributes.AckVector()
	f.flags, _ = msg.Attributes.ReliabilityFlags()
	f.payload, _ = msg.Attributes.Data()
	return channelNumber, f, true
}
