package rudp

import "time"

const (
	rtoAlpha   = 0.125
	rtoBeta    = 0.25
	rtoMin     = 100 * time.Millisecond
	rtoMax     = 5 * time.Second
	rtoInitial = 500 * time.Millisecond // spec §6 default: initialRTO=500ms
)

// rtoEstimator implements Jacobson/Karn RTO estimation (spec §4.5):
// srtt = (1−α)·srtt + α·rtt; rttvar = (1−β)·rttvar + β·|srtt−rtt|;
// rto = srtt + 4·rttvar, clamped to [100ms, 5s]. Samples from retransmitted
// packets are never fed in (Karn's algorithm), enforced by the caller only
// calling sample() for packets sent exactly once.
type rtoEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	hasSample bool
}

func newRTOEstimator() *rtoEstimator {
	// Before any sample, rto() must return the spec-mandated initial RTO
	// of 500ms: srtt=500ms, rttvar=0 gives srtt+4*rttvar == 500ms exactly.
	return &rtoEstimator{srtt: rtoInitial, rttvar: 0}
}

func (e *rtoEstimator) sample(rtt time.Duration) {
	if !e.hasSample {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = time.Duration((1-rtoBeta)*float64(e.rttvar) + rtoBeta*float64(diff))
	e.srtt = time.Duration((1-rtoAlpha)*float64(e.srtt) + rtoAlpha*float64(rtt))
}

func (e *rtoEstimator) rto() time.Duration {
	rto := e.srtt + 4*e.rttvar
	if rto < rtoMin {
		return rtoMin
	}
	if rto > rtoMax {
		return rtoMax
	}
	return rto
}
