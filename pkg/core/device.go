package core

// PacketDevice represents a virtual network interface exchanging raw IP
// packets with the engine. It has no protocol knowledge; frames pass through
// as opaque byte sequences.
type PacketDevice interface {
	// Name returns the name of the device
	Name() string

	// MTU returns the Maximum Transmission Unit of the device
	MTU() (int, error)

	// SetPacketProcessor sets the callback for processing packets read from
	// the device
	SetPacketProcessor(processor PacketProcessor)

	// WritePacket writes a packet to the device
	WritePacket(packet Packet) error

	// Start starts the device read loop
	Start() error

	// Stop stops the device
	Stop() error

	// Metrics returns metrics for the device
	Metrics() DeviceMetrics
}

// PacketProcessor processes packets read from a PacketDevice
type PacketProcessor interface {
	// ProcessPacket processes a single raw IP packet
	ProcessPacket(packet Packet) error
}

// DeviceMetrics contains metrics for a packet device
type DeviceMetrics struct {
	// PacketsReceived is the number of packets read from the device
	PacketsReceived uint64

	// PacketsSent is the number of packets written to the device
	PacketsSent uint64

	// BytesReceived is the number of bytes read from the device
	BytesReceived uint64

	// BytesSent is the number of bytes written to the device
	BytesSent uint64

	// Errors is the number of errors encountered
	Errors uint64
}
