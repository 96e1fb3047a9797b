package tun

import (
	"bytes"
	"testing"
	"time"

	"github.com/donkomura/tcprs/pkg/core"
)

type captureProcessor struct {
	ch chan []byte
}

func (c *captureProcessor) ProcessPacket(p core.Packet) error {
	c.ch <- append([]byte(nil), p.Data()...)
	return nil
}

func TestMockDeviceDelivery(t *testing.T) {
	dev := NewMockDevice("mock0", 1500)
	proc := &captureProcessor{ch: make(chan []byte, 1)}
	dev.SetPacketProcessor(proc)

	if err := dev.SimulatePacketReceived([]byte{1, 2, 3}); err == nil {
		t.Fatal("inject before Start should fail")
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop()
	if err := dev.Start(); err == nil {
		t.Fatal("double Start should fail")
	}

	want := []byte{0x45, 0x00, 0x00, 0x14}
	if err := dev.SimulatePacketReceived(want); err != nil {
		t.Fatalf("SimulatePacketReceived: %v", err)
	}
	select {
	case got := <-proc.ch:
		if !bytes.Equal(got, want) {
			t.Fatalf("delivered %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never delivered")
	}

	m := dev.Metrics()
	if m.PacketsReceived != 1 || m.BytesReceived != uint64(len(want)) {
		t.Fatalf("metrics rx=%d bytes=%d", m.PacketsReceived, m.BytesReceived)
	}
}

func TestMockDeviceWriteCapture(t *testing.T) {
	dev := NewMockDevice("mock0", 1500)
	pkt := []byte{9, 8, 7}
	if err := dev.WritePacket(core.NewPacket(pkt)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	written := dev.GetWrittenPackets()
	if len(written) != 1 || !bytes.Equal(written[0], pkt) {
		t.Fatalf("captured %v", written)
	}
	// The capture is a copy, immune to later mutation of the source.
	pkt[0] = 0xff
	if dev.GetWrittenPackets()[0][0] == 0xff {
		t.Fatal("capture aliases the caller's buffer")
	}

	dev.ClearWrittenPackets()
	if len(dev.GetWrittenPackets()) != 0 {
		t.Fatal("clear left packets behind")
	}
	if m := dev.Metrics(); m.PacketsSent != 1 {
		t.Fatalf("PacketsSent %d", m.PacketsSent)
	}
}

func TestMockDeviceSyncInject(t *testing.T) {
	dev := NewMockDevice("mock0", 1500)
	if err := dev.InjectPacketSync([]byte{1}); err == nil {
		t.Fatal("inject without processor should fail")
	}
	proc := &captureProcessor{ch: make(chan []byte, 1)}
	dev.SetPacketProcessor(proc)
	if err := dev.InjectPacketSync([]byte{1, 2}); err != nil {
		t.Fatalf("InjectPacketSync: %v", err)
	}
	got := <-proc.ch
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Fatalf("delivered %x", got)
	}
}
