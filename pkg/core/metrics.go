package core

import "sync/atomic"

// EngineMetrics contains counters for the TCP engine. Fields are atomic
// and safe to read while the engine runs.
type EngineMetrics struct {
	// ConnectionsCreated is the number of connections that reached
	// ESTABLISHED.
	ConnectionsCreated atomic.Uint64

	// ConnectionsClosed is the number of connections removed.
	ConnectionsClosed atomic.Uint64

	// SegmentsSent is the number of TCP segments emitted.
	SegmentsSent atomic.Uint64

	// SegmentsReceived is the number of TCP segments delivered to a
	// connection.
	SegmentsReceived atomic.Uint64

	// BytesSent is the number of payload bytes sent.
	BytesSent atomic.Uint64

	// BytesReceived is the number of payload bytes received in order.
	BytesReceived atomic.Uint64

	// Retransmits is the number of retransmitted segments.
	Retransmits atomic.Uint64

	// ChecksumDrops is the number of segments dropped for a bad checksum.
	ChecksumDrops atomic.Uint64

	// MalformedDrops is the number of structurally invalid packets dropped.
	MalformedDrops atomic.Uint64

	// ProtocolDrops is the number of segments dropped for flags illegal in
	// the connection's state.
	ProtocolDrops atomic.Uint64

	// ResetsSent is the number of RST segments emitted.
	ResetsSent atomic.Uint64
}
