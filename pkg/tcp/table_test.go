package tcp

import (
	"errors"
	"testing"

	"github.com/donkomura/tcprs/pkg/ipv4"
)

func testQuad(localPort, remotePort uint16) Quad {
	return Quad{
		LocalAddr:  ipv4.Address{192, 168, 71, 1},
		LocalPort:  localPort,
		RemoteAddr: ipv4.Address{192, 168, 71, 2},
		RemotePort: remotePort,
	}
}

func TestConnTableInsertLookupRemove(t *testing.T) {
	tbl := newConnTable(0)
	c := &Conn{quad: testQuad(80, 5000)}
	if err := tbl.insert(c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if got, ok := tbl.lookup(c.quad); !ok || got != c {
		t.Fatal("lookup after insert failed")
	}
	if err := tbl.insert(&Conn{quad: c.quad}); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("duplicate insert err = %v", err)
	}
	tbl.remove(c.quad)
	if _, ok := tbl.lookup(c.quad); ok {
		t.Fatal("lookup after remove succeeded")
	}
}

func TestConnTableCapacity(t *testing.T) {
	tbl := newConnTable(2)
	for i := uint16(0); i < 2; i++ {
		if err := tbl.insert(&Conn{quad: testQuad(80, 5000+i)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := tbl.insert(&Conn{quad: testQuad(80, 6000)}); !errors.Is(err, ErrCapacity) {
		t.Fatalf("overflow insert err = %v", err)
	}
	tbl.remove(testQuad(80, 5000))
	if err := tbl.insert(&Conn{quad: testQuad(80, 6000)}); err != nil {
		t.Fatalf("insert after remove: %v", err)
	}
}

func TestConnTablePortInUse(t *testing.T) {
	tbl := newConnTable(0)
	if tbl.portInUse(49152) {
		t.Fatal("empty table reports port in use")
	}
	tbl.insert(&Conn{quad: testQuad(49152, 5000)})
	if !tbl.portInUse(49152) {
		t.Fatal("connection's local port not reported in use")
	}
	l := &Listener{port: 8080}
	if err := tbl.addListener(l); err != nil {
		t.Fatalf("addListener: %v", err)
	}
	if !tbl.portInUse(8080) {
		t.Fatal("listener port not reported in use")
	}
	if err := tbl.addListener(&Listener{port: 8080}); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("duplicate listener err = %v", err)
	}
	tbl.removeListener(8080)
	if tbl.portInUse(8080) {
		t.Fatal("removed listener port still in use")
	}
}
