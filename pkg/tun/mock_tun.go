package tun

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/donkomura/tcprs/pkg/core"
	"github.com/donkomura/tcprs/pkg/logging"
)

// MockDevice is an in-memory core.PacketDevice for tests. It needs no
// kernel access: inbound packets are injected with SimulatePacketReceived
// and outbound packets are captured for inspection.
type MockDevice struct {
	name      string
	mtu       int
	processor core.PacketProcessor
	metrics   core.DeviceMetrics

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	packetCh       chan []byte
	packetsWritten [][]byte
}

// NewMockDevice creates a mock packet device.
func NewMockDevice(name string, mtu int) *MockDevice {
	return &MockDevice{
		name:     name,
		mtu:      mtu,
		stopCh:   make(chan struct{}),
		packetCh: make(chan []byte, 100),
	}
}

// Name returns the device name.
func (m *MockDevice) Name() string {
	return m.name
}

// MTU returns the configured MTU.
func (m *MockDevice) MTU() (int, error) {
	return m.mtu, nil
}

// SetPacketProcessor sets the callback for injected packets.
func (m *MockDevice) SetPacketProcessor(processor core.PacketProcessor) {
	m.processor = processor
}

// WritePacket captures an outbound packet for later inspection.
func (m *MockDevice) WritePacket(packet core.Packet) error {
	data := packet.Data()
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	m.mu.Lock()
	m.packetsWritten = append(m.packetsWritten, dataCopy)
	m.mu.Unlock()

	atomic.AddUint64(&m.metrics.PacketsSent, 1)
	atomic.AddUint64(&m.metrics.BytesSent, uint64(len(data)))
	return nil
}

// Start starts the delivery loop.
func (m *MockDevice) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("mock device already running")
	}
	m.running = true
	m.wg.Add(1)
	go m.readLoop()
	return nil
}

// Stop stops the delivery loop.
func (m *MockDevice) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()
	m.running = false
	return nil
}

// Metrics returns a snapshot of the device counters.
func (m *MockDevice) Metrics() core.DeviceMetrics {
	return core.DeviceMetrics{
		PacketsReceived: atomic.LoadUint64(&m.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&m.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&m.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&m.metrics.BytesSent),
		Errors:          atomic.LoadUint64(&m.metrics.Errors),
	}
}

func (m *MockDevice) readLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case data := <-m.packetCh:
			atomic.AddUint64(&m.metrics.PacketsReceived, 1)
			atomic.AddUint64(&m.metrics.BytesReceived, uint64(len(data)))
			if m.processor == nil {
				continue
			}
			if err := m.processor.ProcessPacket(core.NewPacket(data)); err != nil {
				atomic.AddUint64(&m.metrics.Errors, 1)
				logging.Errorf("Failed to process packet: %v", err)
			}
		}
	}
}

// SimulatePacketReceived injects an inbound packet, as if it had been read
// from a kernel interface.
func (m *MockDevice) SimulatePacketReceived(data []byte) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return fmt.Errorf("mock device not running")
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	select {
	case m.packetCh <- dataCopy:
		return nil
	default:
		atomic.AddUint64(&m.metrics.Errors, 1)
		return fmt.Errorf("packet channel full, packet dropped")
	}
}

// InjectPacketSync delivers an inbound packet directly on the calling
// goroutine, bypassing the delivery loop. Tests use it for deterministic
// ordering.
func (m *MockDevice) InjectPacketSync(data []byte) error {
	if m.processor == nil {
		return fmt.Errorf("no packet processor registered")
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	atomic.AddUint64(&m.metrics.PacketsReceived, 1)
	atomic.AddUint64(&m.metrics.BytesReceived, uint64(len(data)))
	return m.processor.ProcessPacket(core.NewPacket(dataCopy))
}

// GetWrittenPackets returns copies of the packets written so far.
func (m *MockDevice) GetWrittenPackets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.packetsWritten))
	for i, packet := range m.packetsWritten {
		result[i] = make([]byte, len(packet))
		copy(result[i], packet)
	}
	return result
}

// ClearWrittenPackets resets the captured packet list between test steps.
func (m *MockDevice) ClearWrittenPackets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packetsWritten = nil
}
