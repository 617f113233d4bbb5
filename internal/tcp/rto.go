package tcp

import "time"

// Retransmission timeout bounds and RTT estimator constants (RFC 6298,
// alpha = 1/8, beta = 1/4).
const (
	minRTO     = 200 * time.Millisecond
	maxRTO     = 60 * time.Second
	initialRTO = time.Second
)

type rtoEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	sampled bool
}

func newRTOEstimator() rtoEstimator {
	return rtoEstimator{rto: initialRTO}
}

// sample folds one round-trip measurement into the estimate. Samples
// must come only from segments that were never retransmitted (Karn).
func (e *rtoEstimator) sample(rtt time.Duration) {
	if rtt <= 0 {
		rtt = time.Millisecond
	}
	if !e.sampled {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.sampled = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.rto = clampRTO(e.srtt + 4*e.rttvar)
}

// current returns the base timeout, before backoff.
func (e *rtoEstimator) current() time.Duration { return e.rto }

func clampRTO(d time.Duration) time.Duration {
	if d < minRTO {
		return minRTO
	}
	if d > maxRTO {
		return maxRTO
	}
	return d
}
