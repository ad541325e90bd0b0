package turn

import "encoding/binary"

// encodeChannelData frames payload using the 4-byte ChannelData header
// (channel number, length) from spec §4.4, padded to a 4-byte boundary as
// RFC 5766 §11.5 requires for non-final framing (UDP transport carries the
// padding implicitly via datagram boundaries, but it is written out here so
// the frame is byte-identical regardless of transport).
func encodeChannelData(channelNumber uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload)+(4-len(payload)%4)%4)
	binary.BigEndian.PutUint16(out, channelNumber)
	binary.BigEndian.PutUint16(out[2:], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// decodeChannelData parses a ChannelData frame, reporting whether data was
// well-formed. Never panics on malformed input.
func decodeChannelData(data []byte) (channelNumber uint16, payload []byte, ok bool) {
	if len(data) < 4 {
		return 0, nil, false
	}
	channelNumber = binary.BigEndian.Uint16(data)
	length := binary.BigEndian.Uint16(data[2:])
	if int(length) > len(data)-4 {
		return 0, nil, false
	}
	return channelNumber, data[4 : 4+length], true
}
