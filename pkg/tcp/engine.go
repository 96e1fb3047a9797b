package tcp

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/donkomura/tcprs/pkg/core"
	"github.com/donkomura/tcprs/pkg/ipv4"
	"github.com/donkomura/tcprs/pkg/logging"
)

// Engine is a user-space TCP endpoint bound to one packet device. It
// implements core.PacketProcessor for inbound packets and multiplexes any
// number of connections and listeners over the device.
//
// One mutex guards the connection table and all per-connection state.
// Inbound processing, API calls, and timer callbacks all serialize on it.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	device  core.PacketDevice
	table   *connTable
	timers  *timerQueue
	metrics core.EngineMetrics
	rng     *rand.Rand
	started bool
	closed  bool
}

// NewEngine creates an engine for the given device. The device is not
// started; call Start.
func NewEngine(cfg Config, device core.PacketDevice) (*Engine, error) {
	var zero ipv4.Address
	if cfg.LocalAddress == zero {
		return nil, fmt.Errorf("tcp: local address is required")
	}
	e := &Engine{
		cfg:    cfg.withDefaults(),
		device: device,
		timers: newTimerQueue(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.table = newConnTable(e.cfg.MaxConnections)
	device.SetPacketProcessor(e)
	return e, nil
}

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *core.EngineMetrics {
	return &e.metrics
}

// Start begins timer processing and packet delivery.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()
	e.timers.start()
	if err := e.device.Start(); err != nil {
		return fmt.Errorf("tcp: device start: %w", err)
	}
	logging.Infof("tcp: engine started on %s addr=%s mtu=%d", e.device.Name(), e.cfg.LocalAddress, e.cfg.MTU)
	return nil
}

// Stop aborts every connection, closes every listener, and stops the
// device and timers.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, c := range e.table.conns {
		switch c.state {
		case StateSynSent, StateTimeWait:
		default:
			c.sendReset()
		}
		e.removeConn(c, ErrClosed)
	}
	for port, l := range e.table.listeners {
		e.table.removeListener(port)
		l.closeLocked()
	}
	e.mu.Unlock()

	err := e.device.Stop()
	e.timers.stop()
	logging.Infof("tcp: engine stopped")
	return err
}

// ProcessPacket handles one inbound IP packet from the device. Malformed
// or corrupted input is counted and dropped; processing errors never
// propagate back to the device loop.
func (e *Engine) ProcessPacket(p core.Packet) error {
	hdr, payload, err := ipv4.Parse(p.Data())
	if err != nil {
		e.metrics.MalformedDrops.Add(1)
		logging.Debugf("tcp: dropping packet: %v", err)
		return nil
	}
	if hdr.Protocol != ipv4.ProtocolTCP || hdr.Dst != e.cfg.LocalAddress {
		return nil
	}
	seg, err := ParseSegment(payload, hdr.Src, hdr.Dst)
	if err != nil {
		if err == ErrChecksumMismatch {
			e.metrics.ChecksumDrops.Add(1)
		} else {
			e.metrics.MalformedDrops.Add(1)
		}
		logging.Debugf("tcp: dropping segment from %s: %v", hdr.Src, err)
		return nil
	}

	quad := Quad{
		LocalAddr:  hdr.Dst,
		LocalPort:  seg.DstPort,
		RemoteAddr: hdr.Src,
		RemotePort: seg.SrcPort,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if c, ok := e.table.lookup(quad); ok {
		c.handleSegment(seg)
		return nil
	}
	if l, ok := e.table.listener(seg.DstPort); ok {
		if seg.Flags&(FlagSYN|FlagACK|FlagRST|FlagFIN) == FlagSYN {
			e.acceptSyn(l, quad, seg)
			return nil
		}
	}
	if seg.Flags&FlagRST == 0 {
		e.emitReset(quad, seg)
	}
	return nil
}

// acceptSyn starts a passive open for a SYN that matched a listener.
func (e *Engine) acceptSyn(l *Listener, quad Quad, s *Segment) {
	c := newConn(e, quad)
	c.parent = l
	c.state = StateSynReceived
	c.iss = e.rng.Uint32()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.irs = s.Seq
	c.rcvNxt = s.Seq + 1
	c.sndWnd = uint32(s.Window)
	if mss, ok := s.MSS(); ok && int(mss) < c.mss {
		c.mss = int(mss)
	}
	if ws, ok := s.WindowScale(); ok {
		logging.Debugf("tcp: %s peer offered window scale %d (not negotiated)", quad, ws)
	}
	if err := e.table.insert(c); err != nil {
		logging.Warnf("tcp: refusing %s: %v", quad, err)
		e.emitReset(quad, s)
		return
	}
	c.queueSegment(FlagSYN|FlagACK, nil, MSSOption(uint16(e.cfg.MSS)))
	logging.Debugf("tcp: %s SYN_RECEIVED iss=%d", quad, c.iss)
}

// emit serializes a segment into an IP packet and writes it to the device.
func (e *Engine) emit(src, dst ipv4.Address, s *Segment) {
	tcpBytes := s.Marshal(src, dst)
	hdr := ipv4.NewHeader(src, dst)
	pkt, err := hdr.Marshal(tcpBytes, e.cfg.MTU)
	if err != nil {
		logging.Errorf("tcp: cannot emit segment to %s: %v", dst, err)
		return
	}
	if err := e.device.WritePacket(core.NewPacket(pkt)); err != nil {
		logging.Errorf("tcp: device write: %v", err)
		return
	}
	e.metrics.SegmentsSent.Add(1)
}

// emitReset answers a segment that has no connection. With ACK set the
// reset takes its sequence from the acknowledgment; otherwise it
// acknowledges everything the segment occupied.
func (e *Engine) emitReset(quad Quad, in *Segment) {
	out := &Segment{
		SrcPort: quad.LocalPort,
		DstPort: quad.RemotePort,
	}
	if in.Flags&FlagACK != 0 {
		out.Flags = FlagRST
		out.Seq = in.Ack
	} else {
		out.Flags = FlagRST | FlagACK
		out.Ack = in.Seq + in.SegLen()
	}
	e.metrics.ResetsSent.Add(1)
	e.emit(quad.LocalAddr, quad.RemoteAddr, out)
}

// removeConn takes a connection out of the table, cancels its timers, and
// wakes every blocked caller. err becomes the terminal error returned by
// subsequent Read and Write calls.
func (e *Engine) removeConn(c *Conn, err error) {
	if c.removed {
		return
	}
	c.removed = true
	c.disarmRtxTimer()
	c.disarmPersistTimer()
	c.clearDelayedAck()
	if c.waitTimer != nil {
		e.timers.cancel(c.waitTimer)
		c.waitTimer = nil
	}
	c.state = StateClosed
	if err != nil && err != ErrClosed {
		c.terminalErr = err
		// An abort discards everything in flight and everything buffered;
		// readers see the error, never stale payload.
		c.recvBuf = nil
		c.sendBuf = nil
		c.ooo = nil
		c.oooSize = 0
	} else if c.terminalErr == nil {
		c.terminalErr = ErrClosed
	}
	e.table.remove(c.quad)
	e.metrics.ConnectionsClosed.Add(1)
	signal(c.estCh)
	signal(c.rcvCh)
	signal(c.sndCh)
}
