// Package rudp implements the reliable datagram channel protocol from
// spec §4.5–4.6: 24-bit sequence numbers, ACK-vector sliding window,
// Jacobson/Karn RTO estimation, fast retransmit, and cwnd flow control,
// framed as STUN messages (pkg/stun) carrying RUDP-specific attributes.
package rudp

const seqModulus = 1 << 24
const seqMax = seqModulus - 1

// seqAdd returns (a + delta) mod 2^24.
func seqAdd(a uint32, delta int) uint32 {
	return uint32((int64(a) + int64(delta) + seqModulus) % seqModulus)
}

// seqLess implements the modular compare from spec §4.5:
// a <_24 b ≡ (b − a) mod 2^24 ∈ (0, 2^23).
func seqLess(a, b uint32) bool {
	diff := (int64(b) - int64(a) + seqModulus) % seqModulus
	return diff > 0 && diff < seqModulus/2
}

// seqLessEqual is seqLess or equal.
func seqLessEqual(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

// seqDistance returns (b - a) mod 2^24 as a signed distance in (-2^23, 2^23].
func seqDistance(a, b uint32) int {
	diff := (int64(b) - int64(a) + seqModulus) % seqModulus
	if diff > seqModulus/2 {
		diff -= seqModulus
	}
	return int(diff)
}
