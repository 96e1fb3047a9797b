package tcp

// congestionControl is a minimal interface for pluggable congestion
// algorithms governing how much unacknowledged data a connection may keep
// in flight.
type congestionControl interface {
	// Cwnd returns the current congestion window in bytes.
	Cwnd() int
	// OnSent informs the algorithm that n bytes were sent.
	OnSent(n int)
	// OnAck informs the algorithm that n bytes were cumulatively ACKed.
	OnAck(n int)
	// OnLoss informs the algorithm of a loss event. If timeout is true, it
	// was a retransmission timeout rather than a fast retransmit.
	OnLoss(timeout bool)
}

// newCongestionControl constructs an algorithm by name. Currently supports
// "newreno" (default).
func newCongestionControl(name string, mss, initSegments int) congestionControl {
	switch name {
	case "", "newreno", "reno":
		return newNewReno(mss, initSegments)
	default:
		return newNewReno(mss, initSegments)
	}
}

// newReno implements classic slow start and congestion avoidance with
// multiplicative decrease on loss and fast recovery on triple duplicate
// ACKs.
type newReno struct {
	mss      int
	cwnd     int // bytes
	ssthresh int // bytes
	caAcc    int // additive increase accumulator (bytes)
}

func newNewReno(mss, initSegments int) *newReno {
	if mss <= 0 {
		mss = 1460
	}
	if initSegments <= 0 {
		initSegments = 10
	}
	// RFC 6928 initial window: min(initSegments*MSS, max(2*MSS, 14600))
	init := initSegments * mss
	if init > 14600 {
		init = 14600
	}
	if init < 2*mss {
		init = 2 * mss
	}
	return &newReno{
		mss:      mss,
		cwnd:     init,
		ssthresh: 64 * 1024,
	}
}

func (n *newReno) Cwnd() int { return n.cwnd }

func (n *newReno) OnSent(int) {}

func (n *newReno) OnAck(acked int) {
	if acked <= 0 {
		return
	}
	if n.cwnd < n.ssthresh {
		// Slow start: grow by at most one MSS per ACK (byte counting).
		inc := acked
		if inc > n.mss {
			inc = n.mss
		}
		n.cwnd += inc
		return
	}
	// Congestion avoidance: roughly one MSS per RTT. Accumulate
	// acked*MSS/cwnd and grow once a full MSS has been earned.
	cw := n.cwnd
	if cw <= 0 {
		cw = n.mss
	}
	add := acked * n.mss / cw
	if add <= 0 {
		add = 1
	}
	n.caAcc += add
	if n.caAcc >= n.mss {
		grew := (n.caAcc / n.mss) * n.mss
		n.cwnd += grew
		n.caAcc -= grew
	}
}

func (n *newReno) OnLoss(timeout bool) {
	ssth := n.cwnd / 2
	if ssth < 2*n.mss {
		ssth = 2 * n.mss
	}
	n.ssthresh = ssth
	if timeout {
		// RTO: collapse to one MSS and re-enter slow start.
		n.cwnd = n.mss
	} else {
		// Fast retransmit: enter fast recovery at ssthresh + 3 MSS.
		n.cwnd = n.ssthresh + 3*n.mss
	}
	n.caAcc = 0
}
