package tcp

import (
	"fmt"

	"github.com/donkomura/tcprs/pkg/ipv4"
)

// Quad identifies a connection by its 4-tuple, local side first.
type Quad struct {
	LocalAddr  ipv4.Address
	LocalPort  uint16
	RemoteAddr ipv4.Address
	RemotePort uint16
}

func (q Quad) String() string {
	return fmt.Sprintf("%s:%d <-> %s:%d", q.LocalAddr, q.LocalPort, q.RemoteAddr, q.RemotePort)
}

// connTable holds established and in-progress connections plus listening
// ports. It is guarded by the engine mutex, not its own.
type connTable struct {
	conns     map[Quad]*Conn
	listeners map[uint16]*Listener
	maxConns  int
}

func newConnTable(maxConns int) *connTable {
	return &connTable{
		conns:     make(map[Quad]*Conn),
		listeners: make(map[uint16]*Listener),
		maxConns:  maxConns,
	}
}

func (t *connTable) lookup(q Quad) (*Conn, bool) {
	c, ok := t.conns[q]
	return c, ok
}

func (t *connTable) insert(c *Conn) error {
	if _, ok := t.conns[c.quad]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.quad)
	}
	if t.maxConns > 0 && len(t.conns) >= t.maxConns {
		return fmt.Errorf("%w: %d connections", ErrCapacity, len(t.conns))
	}
	t.conns[c.quad] = c
	return nil
}

func (t *connTable) remove(q Quad) {
	delete(t.conns, q)
}

func (t *connTable) listener(port uint16) (*Listener, bool) {
	l, ok := t.listeners[port]
	return l, ok
}

func (t *connTable) addListener(l *Listener) error {
	if _, ok := t.listeners[l.port]; ok {
		return fmt.Errorf("%w: port %d", ErrAddrInUse, l.port)
	}
	t.listeners[l.port] = l
	return nil
}

func (t *connTable) removeListener(port uint16) {
	delete(t.listeners, port)
}

// portInUse reports whether port is taken by a listener or any local side
// of an existing connection. Used for ephemeral port selection.
func (t *connTable) portInUse(port uint16) bool {
	if _, ok := t.listeners[port]; ok {
		return true
	}
	for q := range t.conns {
		if q.LocalPort == port {
			return true
		}
	}
	return false
}
