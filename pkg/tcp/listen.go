package tcp

import "fmt"

// Listener accepts inbound connections on a local port.
type Listener struct {
	eng      *Engine
	port     uint16
	acceptCh chan *Conn
	closed   bool
}

// Listen registers a listener on port. Inbound SYNs to the port complete
// the three-way handshake and surface through Accept once established.
func (e *Engine) Listen(port uint16) (*Listener, error) {
	if port == 0 {
		return nil, fmt.Errorf("tcp: listen: port is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	l := &Listener{
		eng:      e,
		port:     port,
		acceptCh: make(chan *Conn, e.cfg.Backlog),
	}
	if err := e.table.addListener(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Accept blocks until a connection reaches ESTABLISHED or the listener is
// closed.
func (l *Listener) Accept() (*Conn, error) {
	c, ok := <-l.acceptCh
	if !ok {
		return nil, ErrClosed
	}
	return c, nil
}

// Port returns the listening port.
func (l *Listener) Port() uint16 {
	return l.port
}

// Close deregisters the listener. Connections already accepted are
// unaffected; queued not-yet-accepted connections are aborted.
func (l *Listener) Close() error {
	l.eng.mu.Lock()
	defer l.eng.mu.Unlock()
	if l.closed {
		return nil
	}
	l.eng.table.removeListener(l.port)
	l.closeLocked()
	return nil
}

// closeLocked drains and aborts queued connections and closes the accept
// channel. Caller holds the engine lock.
func (l *Listener) closeLocked() {
	l.closed = true
	close(l.acceptCh)
	for c := range l.acceptCh {
		c.sendReset()
		l.eng.removeConn(c, ErrClosed)
	}
}
