package tcp

import (
	"fmt"
	"io"
	"time"

	"github.com/donkomura/tcprs/pkg/ipv4"
	"github.com/donkomura/tcprs/pkg/logging"
)

// State is a TCP connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = map[State]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// rtxSegment is one retransmittable unit on the send queue. SYN and FIN
// occupy sequence space, so handshake and teardown retransmits ride the
// same queue as data.
type rtxSegment struct {
	seq     uint32
	flags   uint8
	payload []byte
	sentAt  time.Time
	retries int
}

func (r *rtxSegment) seqLen() uint32 {
	n := uint32(len(r.payload))
	if r.flags&FlagSYN != 0 {
		n++
	}
	if r.flags&FlagFIN != 0 {
		n++
	}
	return n
}

// oooSegment is one span held in the out-of-order reassembly buffer.
type oooSegment struct {
	seq  uint32
	data []byte
}

// Conn is one TCP connection. All mutable state is guarded by the owning
// engine's mutex; the public methods acquire it.
type Conn struct {
	eng   *Engine
	quad  Quad
	state State

	// Send sequence space.
	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint32

	// Receive sequence space.
	irs    uint32
	rcvNxt uint32

	mss int
	cc  congestionControl

	rtx          []*rtxSegment
	rtxTimer     *timerEntry
	persistTimer *timerEntry
	retries      int
	dupAcks      uint

	srtt       time.Duration
	rttvar     time.Duration
	rto        time.Duration
	rttSampled bool

	sendBuf []byte
	recvBuf []byte
	ooo     []oooSegment
	oooSize int

	closeRequested bool
	finSent        bool
	finSeq         uint32
	peerFinSeen    bool

	ackPending  bool
	ackTimer    *timerEntry
	waitTimer   *timerEntry
	parent      *Listener
	delivered   bool
	removed     bool
	terminalErr error

	estCh chan struct{}
	rcvCh chan struct{}
	sndCh chan struct{}
}

func newConn(eng *Engine, quad Quad) *Conn {
	cfg := eng.cfg
	return &Conn{
		eng:   eng,
		quad:  quad,
		state: StateClosed,
		mss:   cfg.MSS,
		cc:    newCongestionControl(cfg.CongestionControl, cfg.MSS, cfg.InitCwndSegments),
		rto:   cfg.RTOInitial,
		estCh: make(chan struct{}, 1),
		rcvCh: make(chan struct{}, 1),
		sndCh: make(chan struct{}, 1),
	}
}

// LocalAddr returns the local end of the connection.
func (c *Conn) LocalAddr() (ipv4.Address, uint16) {
	return c.quad.LocalAddr, c.quad.LocalPort
}

// RemoteAddr returns the remote end of the connection.
func (c *Conn) RemoteAddr() (ipv4.Address, uint16) {
	return c.quad.RemoteAddr, c.quad.RemotePort
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	return c.state
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ---- segment transmission (engine lock held) ----

// sendSegment builds, checksums, and emits one segment. ACK-bearing
// segments carry rcvNxt and the current receive window.
func (c *Conn) sendSegment(flags uint8, seq uint32, payload, options []byte) {
	s := &Segment{
		SrcPort: c.quad.LocalPort,
		DstPort: c.quad.RemotePort,
		Seq:     seq,
		Flags:   flags,
		Window:  c.advertisedWindow(),
		Options: options,
		Payload: payload,
	}
	if flags&FlagACK != 0 {
		s.Ack = c.rcvNxt
		// Any ACK-bearing segment satisfies a pending delayed ACK.
		c.clearDelayedAck()
	}
	c.eng.emit(c.quad.LocalAddr, c.quad.RemoteAddr, s)
}

// queueSegment sends a sequence-consuming segment and places it on the
// retransmission queue.
func (c *Conn) queueSegment(flags uint8, payload, options []byte) {
	e := &rtxSegment{
		seq:     c.sndNxt,
		flags:   flags,
		payload: payload,
		sentAt:  time.Now(),
	}
	c.sendSegment(flags, e.seq, payload, options)
	c.rtx = append(c.rtx, e)
	c.sndNxt += e.seqLen()
	c.armRtxTimer()
}

// advertisedWindow is the free space in the receive buffer, clamped to the
// 16-bit field.
func (c *Conn) advertisedWindow() uint16 {
	free := c.eng.cfg.RecvBufferSize - len(c.recvBuf)
	if free < 0 {
		free = 0
	}
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

func (c *Conn) inflight() int {
	return int(c.sndNxt - c.sndUna)
}

// maybeSend pushes queued data within min(cwnd, peer window) in MSS-sized
// segments, then emits FIN once a requested close has drained the buffer.
// When a zero peer window blocks everything, the persist timer takes over.
func (c *Conn) maybeSend() {
	if c.state == StateEstablished || c.state == StateCloseWait {
		wnd := c.cc.Cwnd()
		if int(c.sndWnd) < wnd {
			wnd = int(c.sndWnd)
		}
		for len(c.sendBuf) > 0 {
			avail := wnd - c.inflight()
			if avail <= 0 {
				break
			}
			n := len(c.sendBuf)
			if n > c.mss {
				n = c.mss
			}
			if n > avail {
				n = avail
			}
			payload := append([]byte(nil), c.sendBuf[:n]...)
			c.sendBuf = c.sendBuf[n:]
			c.queueSegment(FlagPSH|FlagACK, payload, nil)
			c.cc.OnSent(n)
			c.eng.metrics.BytesSent.Add(uint64(n))
			signal(c.sndCh)
		}
		if len(c.sendBuf) > 0 && c.sndWnd == 0 && c.inflight() == 0 {
			c.armPersistTimer()
		} else {
			c.disarmPersistTimer()
		}
	}
	if c.closeRequested && !c.finSent && len(c.sendBuf) == 0 {
		switch c.state {
		case StateEstablished:
			c.state = StateFinWait1
		case StateCloseWait:
			c.state = StateLastAck
		default:
			return
		}
		c.finSeq = c.sndNxt
		c.finSent = true
		c.queueSegment(FlagFIN|FlagACK, nil, nil)
	}
}

// ---- persist timer (engine lock held) ----

func (c *Conn) armPersistTimer() {
	if c.persistTimer != nil {
		return
	}
	c.persistTimer = c.eng.timers.schedule(c.rto, func() {
		c.eng.mu.Lock()
		defer c.eng.mu.Unlock()
		if c.removed {
			return
		}
		c.persistTimer = nil
		c.sendWindowProbe()
	})
}

func (c *Conn) disarmPersistTimer() {
	if c.persistTimer != nil {
		c.eng.timers.cancel(c.persistTimer)
		c.persistTimer = nil
	}
}

// sendWindowProbe forces one byte past a closed peer window. The probe
// occupies sequence space, so the retransmission machinery keeps resending
// it with backoff until the peer's ACK reports a reopened window. Without
// it a lost window update would stall the sender for good.
func (c *Conn) sendWindowProbe() {
	if c.state != StateEstablished && c.state != StateCloseWait {
		return
	}
	if len(c.sendBuf) == 0 || c.sndWnd > 0 || c.inflight() > 0 {
		c.maybeSend()
		return
	}
	payload := []byte{c.sendBuf[0]}
	c.sendBuf = c.sendBuf[1:]
	c.queueSegment(FlagPSH|FlagACK, payload, nil)
	c.eng.metrics.BytesSent.Add(1)
	signal(c.sndCh)
}

// ---- retransmission (engine lock held) ----

func (c *Conn) armRtxTimer() {
	if c.rtxTimer != nil || len(c.rtx) == 0 {
		return
	}
	c.rtxTimer = c.eng.timers.schedule(c.rto, func() {
		c.eng.mu.Lock()
		defer c.eng.mu.Unlock()
		if c.removed {
			return
		}
		c.rtxTimer = nil
		c.onRetransmitTimeout()
	})
}

func (c *Conn) disarmRtxTimer() {
	if c.rtxTimer != nil {
		c.eng.timers.cancel(c.rtxTimer)
		c.rtxTimer = nil
	}
}

func (c *Conn) retryLimit() int {
	if c.state == StateSynSent || c.state == StateSynReceived {
		return c.eng.cfg.SynRetries
	}
	return c.eng.cfg.MaxRetries
}

func (c *Conn) onRetransmitTimeout() {
	if len(c.rtx) == 0 {
		return
	}
	c.retries++
	if c.retries > c.retryLimit() {
		logging.Warnf("tcp: %s retransmission limit reached in %s", c.quad, c.state)
		c.fail(ErrTimeout)
		return
	}
	e := c.rtx[0]
	e.retries++
	c.sendSegment(e.flags, e.seq, e.payload, c.rtxOptions(e))
	c.eng.metrics.Retransmits.Add(1)
	c.cc.OnLoss(true)
	c.rto *= 2
	if c.rto > c.eng.cfg.RTOMax {
		c.rto = c.eng.cfg.RTOMax
	}
	c.armRtxTimer()
}

// rtxOptions reproduces the options a queued segment originally carried.
// Only SYN segments carry options here.
func (c *Conn) rtxOptions(e *rtxSegment) []byte {
	if e.flags&FlagSYN != 0 {
		return MSSOption(uint16(c.eng.cfg.MSS))
	}
	return nil
}

// ---- RTT estimation (RFC 6298) ----

func (c *Conn) updateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !c.rttSampled {
		c.srtt = sample
		c.rttvar = sample / 2
		c.rttSampled = true
	} else {
		diff := c.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		c.rttvar = (3*c.rttvar + diff) / 4
		c.srtt = (7*c.srtt + sample) / 8
	}
	rto := c.srtt + 4*c.rttvar
	if rto < c.eng.cfg.RTOMin {
		rto = c.eng.cfg.RTOMin
	}
	if rto > c.eng.cfg.RTOMax {
		rto = c.eng.cfg.RTOMax
	}
	c.rto = rto
}

// ---- ACK processing (engine lock held) ----

// processAck advances sndUna, retires acked retransmission entries, feeds
// congestion control, and samples RTT per Karn's rule.
func (c *Conn) processAck(ack uint32) {
	if seqLEQ(ack, c.sndUna) || seqGT(ack, c.sndNxt) {
		return
	}
	acked := int(ack - c.sndUna)
	c.sndUna = ack
	c.retries = 0
	c.dupAcks = 0

	now := time.Now()
	kept := c.rtx[:0]
	for _, e := range c.rtx {
		if seqGEQ(ack, e.seq+e.seqLen()) {
			if e.retries == 0 {
				c.updateRTT(now.Sub(e.sentAt))
			}
			continue
		}
		kept = append(kept, e)
	}
	c.rtx = kept
	c.cc.OnAck(acked)

	c.disarmRtxTimer()
	c.armRtxTimer()
	signal(c.sndCh)
}

// onDupAck counts pure duplicate ACKs and fast-retransmits the oldest
// outstanding segment on the third.
func (c *Conn) onDupAck() {
	if len(c.rtx) == 0 {
		return
	}
	c.dupAcks++
	if c.dupAcks != 3 {
		return
	}
	e := c.rtx[0]
	e.retries++
	c.sendSegment(e.flags, e.seq, e.payload, c.rtxOptions(e))
	c.eng.metrics.Retransmits.Add(1)
	c.cc.OnLoss(false)
}

// ---- receive path (engine lock held) ----

// seqAcceptable implements the RFC 793 window check for an incoming
// segment of the given length.
func (c *Conn) seqAcceptable(seq, segLen uint32) bool {
	wnd := uint32(c.advertisedWindow())
	if segLen == 0 {
		if wnd == 0 {
			return seq == c.rcvNxt
		}
		return seqLEQ(c.rcvNxt, seq) && seqLT(seq, c.rcvNxt+wnd)
	}
	if wnd == 0 {
		return false
	}
	last := seq + segLen - 1
	return (seqLEQ(c.rcvNxt, seq) && seqLT(seq, c.rcvNxt+wnd)) ||
		(seqLEQ(c.rcvNxt, last) && seqLT(last, c.rcvNxt+wnd))
}

// handleSegment runs the per-state segment arrival processing: sequence
// check, RST, SYN, ACK, payload, FIN, in that order.
func (c *Conn) handleSegment(s *Segment) {
	c.eng.metrics.SegmentsReceived.Add(1)

	if c.state == StateSynSent {
		c.handleSynSent(s)
		return
	}

	if !c.seqAcceptable(s.Seq, s.SegLen()) {
		if s.Flags&FlagRST == 0 {
			// Duplicate or out-of-window: re-ACK so the peer resynchronizes.
			c.sendSegment(FlagACK, c.sndNxt, nil, nil)
			// A retransmitted FIN restarts the quiet period.
			if c.state == StateTimeWait && s.Flags&FlagFIN != 0 {
				c.enterTimeWait()
			}
		}
		return
	}

	if s.Flags&FlagRST != 0 {
		if c.state == StateSynReceived && c.parent != nil {
			// Passive open refused; quietly return the quad to the listener.
			c.eng.removeConn(c, nil)
			return
		}
		c.fail(ErrReset)
		return
	}

	if s.Flags&FlagSYN != 0 {
		// SYN in the window after synchronization is a protocol violation.
		logging.Warnf("tcp: %s unexpected SYN in %s: %v", c.quad, c.state, ErrProtocolViolation)
		c.eng.metrics.ProtocolDrops.Add(1)
		c.sendReset()
		c.fail(ErrReset)
		return
	}

	if s.Flags&FlagACK == 0 {
		return
	}

	if c.state == StateSynReceived {
		if seqLEQ(s.Ack, c.iss) || seqGT(s.Ack, c.sndNxt) {
			c.eng.emitReset(c.quad, s)
			return
		}
		c.state = StateEstablished
		c.sndWnd = uint32(s.Window)
		c.processAck(s.Ack)
		c.eng.metrics.ConnectionsCreated.Add(1)
		c.deliverToListener()
		signal(c.estCh)
	}

	prevWnd := c.sndWnd
	c.sndWnd = uint32(s.Window)
	if seqGT(s.Ack, c.sndUna) {
		c.processAck(s.Ack)
	} else if s.Ack == c.sndUna && len(s.Payload) == 0 && s.Flags&FlagFIN == 0 && c.sndWnd == prevWnd {
		// A pure window update is not a duplicate ACK.
		c.onDupAck()
	}

	switch c.state {
	case StateFinWait1:
		if c.finSent && seqGEQ(c.sndUna, c.finSeq+1) {
			c.state = StateFinWait2
		}
	case StateClosing:
		if c.finSent && seqGEQ(c.sndUna, c.finSeq+1) {
			c.enterTimeWait()
		}
	case StateLastAck:
		if c.finSent && seqGEQ(c.sndUna, c.finSeq+1) {
			c.eng.removeConn(c, ErrClosed)
			return
		}
	case StateTimeWait:
		return
	}

	if len(s.Payload) > 0 {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			c.deliverData(s)
		}
	}

	if s.Flags&FlagFIN != 0 {
		c.handleFin(s)
	}

	c.maybeSend()
}

// handleSynSent processes the reply to our SYN.
func (c *Conn) handleSynSent(s *Segment) {
	ackOK := s.Flags&FlagACK != 0 && s.Ack == c.iss+1
	if s.Flags&FlagACK != 0 && !ackOK {
		if s.Flags&FlagRST == 0 {
			c.eng.emitReset(c.quad, s)
		}
		return
	}
	if s.Flags&FlagRST != 0 {
		if ackOK {
			c.fail(ErrReset)
		}
		return
	}
	if s.Flags&FlagSYN == 0 {
		return
	}

	c.irs = s.Seq
	c.rcvNxt = s.Seq + 1
	c.sndWnd = uint32(s.Window)
	if mss, ok := s.MSS(); ok && int(mss) < c.mss {
		c.mss = int(mss)
	}

	if ackOK {
		c.processAck(s.Ack)
		c.state = StateEstablished
		c.sendSegment(FlagACK, c.sndNxt, nil, nil)
		c.eng.metrics.ConnectionsCreated.Add(1)
		signal(c.estCh)
		c.maybeSend()
		return
	}
	// Simultaneous open: acknowledge the peer's SYN and wait for the ACK
	// of ours.
	c.state = StateSynReceived
	c.sendSegment(FlagSYN|FlagACK, c.iss, nil, MSSOption(uint16(c.eng.cfg.MSS)))
}

// deliverData appends in-order payload to the receive buffer and parks
// out-of-order payload in the reassembly buffer.
func (c *Conn) deliverData(s *Segment) {
	seq, data := s.Seq, s.Payload
	if seqLT(seq, c.rcvNxt) {
		// Partial duplicate: keep only the new tail.
		skip := c.rcvNxt - seq
		if uint32(len(data)) <= skip {
			c.scheduleAck(true)
			return
		}
		seq = c.rcvNxt
		data = data[skip:]
	}

	if seq != c.rcvNxt {
		c.bufferOutOfOrder(seq, data)
		// Out-of-order arrival: duplicate ACK right away.
		c.scheduleAck(true)
		return
	}

	c.acceptData(data)
	c.drainOutOfOrder()
	c.scheduleAck(false)
	signal(c.rcvCh)
}

func (c *Conn) acceptData(data []byte) {
	free := c.eng.cfg.RecvBufferSize - len(c.recvBuf)
	if free <= 0 {
		return
	}
	if len(data) > free {
		data = data[:free]
	}
	c.recvBuf = append(c.recvBuf, data...)
	c.rcvNxt += uint32(len(data))
	c.eng.metrics.BytesReceived.Add(uint64(len(data)))
}

// bufferOutOfOrder inserts a span into the reassembly buffer, keeping it
// sorted and dropping exact overlaps. Spans beyond the cap are discarded;
// the peer will retransmit.
func (c *Conn) bufferOutOfOrder(seq uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	if c.oooSize+len(data) > c.eng.cfg.ReassemblyCap {
		return
	}
	for _, o := range c.ooo {
		if o.seq == seq && len(o.data) >= len(data) {
			return
		}
	}
	span := oooSegment{seq: seq, data: append([]byte(nil), data...)}
	pos := len(c.ooo)
	for i, o := range c.ooo {
		if seqLT(seq, o.seq) {
			pos = i
			break
		}
	}
	c.ooo = append(c.ooo, oooSegment{})
	copy(c.ooo[pos+1:], c.ooo[pos:])
	c.ooo[pos] = span
	c.oooSize += len(data)
}

// drainOutOfOrder moves newly contiguous spans from the reassembly buffer
// into the receive buffer.
func (c *Conn) drainOutOfOrder() {
	for len(c.ooo) > 0 {
		o := c.ooo[0]
		if seqGT(o.seq, c.rcvNxt) {
			break
		}
		c.ooo = c.ooo[1:]
		c.oooSize -= len(o.data)
		end := o.seq + uint32(len(o.data))
		if seqLEQ(end, c.rcvNxt) {
			continue
		}
		data := o.data
		if seqLT(o.seq, c.rcvNxt) {
			data = data[c.rcvNxt-o.seq:]
		}
		c.acceptData(data)
	}
}

func (c *Conn) handleFin(s *Segment) {
	finSeq := s.Seq + uint32(len(s.Payload))
	if finSeq != c.rcvNxt {
		// FIN beyond a gap; wait for the retransmission once the gap fills.
		return
	}
	c.rcvNxt++
	c.peerFinSeen = true
	signal(c.rcvCh)

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
	case StateFinWait1:
		if c.finSent && seqGEQ(c.sndUna, c.finSeq+1) {
			c.enterTimeWait()
		} else {
			c.state = StateClosing
		}
	case StateFinWait2:
		c.enterTimeWait()
	}
	c.sendSegment(FlagACK, c.sndNxt, nil, nil)
}

// ---- delayed ACK (engine lock held) ----

// scheduleAck arms the delayed ACK timer, or sends immediately when asked
// or when an ACK is already owed.
func (c *Conn) scheduleAck(immediate bool) {
	if immediate || c.ackPending {
		c.sendSegment(FlagACK, c.sndNxt, nil, nil)
		return
	}
	c.ackPending = true
	c.ackTimer = c.eng.timers.schedule(c.eng.cfg.AckDelay, func() {
		c.eng.mu.Lock()
		defer c.eng.mu.Unlock()
		if c.removed || !c.ackPending {
			return
		}
		c.sendSegment(FlagACK, c.sndNxt, nil, nil)
	})
}

func (c *Conn) clearDelayedAck() {
	c.ackPending = false
	if c.ackTimer != nil {
		c.eng.timers.cancel(c.ackTimer)
		c.ackTimer = nil
	}
}

// ---- teardown (engine lock held) ----

func (c *Conn) enterTimeWait() {
	c.state = StateTimeWait
	c.disarmRtxTimer()
	c.rtx = nil
	if c.waitTimer != nil {
		c.eng.timers.cancel(c.waitTimer)
	}
	c.waitTimer = c.eng.timers.schedule(2*c.eng.cfg.MSL, func() {
		c.eng.mu.Lock()
		defer c.eng.mu.Unlock()
		if c.removed {
			return
		}
		c.eng.removeConn(c, ErrClosed)
	})
}

func (c *Conn) sendReset() {
	c.sendSegment(FlagRST|FlagACK, c.sndNxt, nil, nil)
	c.eng.metrics.ResetsSent.Add(1)
}

// fail terminates the connection with err and wakes all waiters.
func (c *Conn) fail(err error) {
	c.eng.removeConn(c, err)
}

// deliverToListener hands a passively opened connection to its listener's
// accept queue. A full backlog resets the connection.
func (c *Conn) deliverToListener() {
	if c.parent == nil || c.delivered {
		return
	}
	c.delivered = true
	if c.parent.closed {
		c.sendReset()
		c.eng.removeConn(c, ErrClosed)
		return
	}
	select {
	case c.parent.acceptCh <- c:
	default:
		logging.Warnf("tcp: %s backlog full on port %d, resetting", c.quad, c.quad.LocalPort)
		c.sendReset()
		c.eng.removeConn(c, ErrCapacity)
	}
}

// ---- public API ----

// Read copies received data into p, blocking until data arrives, the peer
// finishes sending (io.EOF), or the connection fails. Close only shuts
// down the sending direction, so reads keep delivering peer data until
// its FIN.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		c.eng.mu.Lock()
		if len(c.recvBuf) > 0 {
			n := copy(p, c.recvBuf)
			c.recvBuf = c.recvBuf[n:]
			c.eng.mu.Unlock()
			return n, nil
		}
		if c.peerFinSeen {
			c.eng.mu.Unlock()
			return 0, io.EOF
		}
		if c.terminalErr != nil {
			err := c.terminalErr
			c.eng.mu.Unlock()
			return 0, err
		}
		c.eng.mu.Unlock()
		<-c.rcvCh
	}
}

// Write queues p for transmission, blocking while the send buffer is full
// unless the engine is configured for non-blocking writes.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		c.eng.mu.Lock()
		if c.terminalErr != nil {
			err := c.terminalErr
			c.eng.mu.Unlock()
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if c.closeRequested {
			c.eng.mu.Unlock()
			return total, ErrClosed
		}
		switch c.state {
		case StateEstablished, StateCloseWait, StateSynSent, StateSynReceived:
		default:
			c.eng.mu.Unlock()
			return total, ErrClosed
		}
		free := c.eng.cfg.SendBufferSize - len(c.sendBuf)
		if free > 0 {
			n := len(p)
			if n > free {
				n = free
			}
			c.sendBuf = append(c.sendBuf, p[:n]...)
			p = p[n:]
			total += n
			c.maybeSend()
			c.eng.mu.Unlock()
			continue
		}
		if c.eng.cfg.NonBlockingWrites {
			c.eng.mu.Unlock()
			if total > 0 {
				return total, nil
			}
			return 0, fmt.Errorf("%w: send buffer full", ErrCapacity)
		}
		c.eng.mu.Unlock()
		<-c.sndCh
	}
	return total, nil
}

// Close starts an orderly shutdown of the sending direction: queued data
// is flushed, then a FIN is sent. The receiving direction stays open until
// the peer's FIN. Close returns without waiting for the teardown to
// finish.
func (c *Conn) Close() error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.removed {
		return nil
	}
	if c.closeRequested {
		return nil
	}
	switch c.state {
	case StateEstablished, StateCloseWait, StateSynReceived:
		c.closeRequested = true
		c.maybeSend()
	case StateSynSent:
		c.eng.removeConn(c, ErrClosed)
	default:
		c.closeRequested = true
	}
	return nil
}

// Abort tears the connection down immediately with a RST. Unsent and
// unread data is discarded.
func (c *Conn) Abort() {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if c.removed {
		return
	}
	switch c.state {
	case StateSynSent, StateClosed, StateTimeWait:
	default:
		c.sendReset()
	}
	c.eng.removeConn(c, ErrReset)
}
