package tcp

import (
	"context"
	"fmt"

	"github.com/donkomura/tcprs/pkg/ipv4"
	"github.com/donkomura/tcprs/pkg/logging"
)

const ephemeralBase = 49152

// Dial performs an active open to addr:port and blocks until the
// handshake completes, ctx is done, or the SYN retry budget is exhausted.
func (e *Engine) Dial(ctx context.Context, addr ipv4.Address, port uint16) (*Conn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	local, err := e.allocPort()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	quad := Quad{
		LocalAddr:  e.cfg.LocalAddress,
		LocalPort:  local,
		RemoteAddr: addr,
		RemotePort: port,
	}
	c := newConn(e, quad)
	c.state = StateSynSent
	c.iss = e.rng.Uint32()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	if err := e.table.insert(c); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	c.queueSegment(FlagSYN, nil, MSSOption(uint16(e.cfg.MSS)))
	logging.Debugf("tcp: %s SYN_SENT iss=%d", quad, c.iss)
	e.mu.Unlock()

	select {
	case <-c.estCh:
	case <-ctx.Done():
		e.mu.Lock()
		if !c.removed {
			e.removeConn(c, ctx.Err())
		}
		e.mu.Unlock()
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c.state != StateEstablished {
		err := c.terminalErr
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	return c, nil
}

// allocPort picks an unused ephemeral port. Caller holds the engine lock.
func (e *Engine) allocPort() (uint16, error) {
	for i := 0; i < 0x10000-ephemeralBase; i++ {
		p := uint16(ephemeralBase + (int(e.rng.Uint32())+i)%(0x10000-ephemeralBase))
		if p == 0 {
			continue
		}
		if !e.table.portInUse(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no ephemeral ports", ErrCapacity)
}
