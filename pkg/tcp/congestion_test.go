package tcp

import "testing"

func TestNewRenoInitialWindow(t *testing.T) {
	cc := newNewReno(1460, 10)
	if cc.Cwnd() != 14600 {
		t.Fatalf("cwnd %d, want 14600", cc.Cwnd())
	}
	// Large MSS: the 2*MSS floor dominates.
	cc = newNewReno(9000, 10)
	if cc.Cwnd() != 18000 {
		t.Fatalf("cwnd %d, want 18000", cc.Cwnd())
	}
}

func TestNewRenoSlowStart(t *testing.T) {
	cc := newNewReno(1000, 2)
	start := cc.Cwnd()
	// Each full-MSS ACK grows the window by one MSS while below ssthresh.
	cc.OnAck(1000)
	cc.OnAck(1000)
	if cc.Cwnd() != start+2000 {
		t.Fatalf("cwnd %d, want %d", cc.Cwnd(), start+2000)
	}
	// An ACK covering many segments still grows by at most one MSS.
	cc.OnAck(5000)
	if cc.Cwnd() != start+3000 {
		t.Fatalf("cwnd %d, want %d", cc.Cwnd(), start+3000)
	}
}

func TestNewRenoCongestionAvoidance(t *testing.T) {
	cc := newNewReno(1000, 2)
	cc.ssthresh = cc.cwnd // force CA immediately
	start := cc.Cwnd()
	// A window's worth of ACKs should grow cwnd by about one MSS.
	acked := 0
	for acked < start {
		cc.OnAck(1000)
		acked += 1000
	}
	grown := cc.Cwnd() - start
	if grown < 500 || grown > 2000 {
		t.Fatalf("CA growth %d after one window, want about one MSS", grown)
	}
}

func TestNewRenoLoss(t *testing.T) {
	cc := newNewReno(1000, 10)
	cc.cwnd = 20000

	cc.OnLoss(false)
	if cc.ssthresh != 10000 {
		t.Fatalf("ssthresh %d, want 10000", cc.ssthresh)
	}
	if cc.Cwnd() != 13000 {
		t.Fatalf("fast recovery cwnd %d, want ssthresh+3*MSS", cc.Cwnd())
	}

	cc.OnLoss(true)
	if cc.Cwnd() != 1000 {
		t.Fatalf("timeout cwnd %d, want one MSS", cc.Cwnd())
	}

	// Repeated losses bottom out at the 2*MSS floor.
	cc.cwnd = 1000
	cc.OnLoss(true)
	if cc.ssthresh != 2000 {
		t.Fatalf("ssthresh floor %d, want 2000", cc.ssthresh)
	}
}
