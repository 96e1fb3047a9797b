package tun

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/donkomura/tcprs/pkg/core"
	"github.com/donkomura/tcprs/pkg/logging"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// readOffset leaves headroom in each buffer for the platform's packet
// metadata (virtio-net header on Linux).
const readOffset = 16

// ErrDevice reports a failed TUN read or write. Read failures stop the
// read loop; the interface has to be reopened.
var ErrDevice = errors.New("tun: device failure")

// TUNDevice adapts a kernel TUN interface to core.PacketDevice. Reads are
// batched through the wireguard-go TUN abstraction; each IP packet read is
// handed to the registered processor on a dedicated goroutine.
type TUNDevice struct {
	name      string
	mtu       int
	dev       wgtun.Device
	processor core.PacketProcessor
	metrics   core.DeviceMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// CreateTUN opens (or creates) a kernel TUN interface with the given name
// and MTU. Requires CAP_NET_ADMIN.
func CreateTUN(name string, mtu int) (core.PacketDevice, error) {
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tun: create %s: %w", name, err)
	}
	realName, err := dev.Name()
	if err != nil {
		realName = name
	}
	realMTU, err := dev.MTU()
	if err != nil {
		realMTU = mtu
	}
	return &TUNDevice{
		name:   realName,
		mtu:    realMTU,
		dev:    dev,
		stopCh: make(chan struct{}),
	}, nil
}

// Name returns the interface name.
func (t *TUNDevice) Name() string {
	return t.name
}

// MTU returns the interface MTU.
func (t *TUNDevice) MTU() (int, error) {
	return t.mtu, nil
}

// SetPacketProcessor sets the callback for packets read from the device.
func (t *TUNDevice) SetPacketProcessor(processor core.PacketProcessor) {
	t.processor = processor
}

// WritePacket writes one IP packet to the interface.
func (t *TUNDevice) WritePacket(packet core.Packet) error {
	data := packet.Data()
	buf := make([]byte, readOffset+len(data))
	copy(buf[readOffset:], data)
	if _, err := t.dev.Write([][]byte{buf}, readOffset); err != nil {
		atomic.AddUint64(&t.metrics.Errors, 1)
		return fmt.Errorf("%w: write: %v", ErrDevice, err)
	}
	atomic.AddUint64(&t.metrics.PacketsSent, 1)
	atomic.AddUint64(&t.metrics.BytesSent, uint64(len(data)))
	return nil
}

// Start begins the read loop.
func (t *TUNDevice) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("tun: device already running")
	}
	t.running = true
	t.wg.Add(2)
	go t.readLoop()
	go t.eventLoop()
	logging.Infof("TUN device started: %s (mtu %d)", t.name, t.mtu)
	return nil
}

// Stop closes the interface and waits for the read loop to exit.
func (t *TUNDevice) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	err := t.dev.Close()
	t.wg.Wait()
	logging.Infof("TUN device stopped: %s", t.name)
	return err
}

// Metrics returns a snapshot of the device counters.
func (t *TUNDevice) Metrics() core.DeviceMetrics {
	return core.DeviceMetrics{
		PacketsReceived: atomic.LoadUint64(&t.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&t.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&t.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&t.metrics.BytesSent),
		Errors:          atomic.LoadUint64(&t.metrics.Errors),
	}
}

func (t *TUNDevice) readLoop() {
	defer t.wg.Done()

	batch := t.dev.BatchSize()
	bufs := make([][]byte, batch)
	sizes := make([]int, batch)
	for i := range bufs {
		bufs[i] = make([]byte, readOffset+t.mtu)
	}

	for {
		n, err := t.dev.Read(bufs, sizes, readOffset)
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			// A read error on the device is fatal for the loop.
			atomic.AddUint64(&t.metrics.Errors, 1)
			logging.Errorf("TUN device %s read failed: %v", t.name, err)
			return
		}
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			data := bufs[i][readOffset : readOffset+sizes[i]]
			atomic.AddUint64(&t.metrics.PacketsReceived, 1)
			atomic.AddUint64(&t.metrics.BytesReceived, uint64(sizes[i]))
			if t.processor == nil {
				continue
			}
			if err := t.processor.ProcessPacket(core.NewPacket(data)); err != nil {
				atomic.AddUint64(&t.metrics.Errors, 1)
				logging.Errorf("Failed to process packet: %v", err)
			}
		}
	}
}

// eventLoop drains interface events so the TUN implementation never
// blocks publishing them.
func (t *TUNDevice) eventLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case ev, ok := <-t.dev.Events():
			if !ok {
				return
			}
			switch ev {
			case wgtun.EventMTUUpdate:
				if mtu, err := t.dev.MTU(); err == nil {
					logging.Infof("TUN device %s MTU changed to %d", t.name, mtu)
				}
			case wgtun.EventDown:
				logging.Warnf("TUN device %s is down", t.name)
			case wgtun.EventUp:
				logging.Infof("TUN device %s is up", t.name)
			}
		}
	}
}
