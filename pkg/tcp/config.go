package tcp

import (
	"time"

	"github.com/donkomura/tcprs/pkg/ipv4"
)

// Config carries the tunables for an Engine. Zero values are replaced by
// the defaults below when the engine starts.
type Config struct {
	// LocalAddress is the IPv4 address the engine answers for. Segments
	// addressed elsewhere are ignored.
	LocalAddress ipv4.Address

	// MTU bounds outgoing IP packets. Defaults to 1500.
	MTU int

	// MSS is the maximum segment payload advertised on SYN. Zero derives
	// it from MTU minus the fixed IP and TCP header lengths.
	MSS int

	// SendBufferSize and RecvBufferSize bound the per-connection byte
	// buffers.
	SendBufferSize int
	RecvBufferSize int

	// ReassemblyCap bounds bytes held in the out-of-order reassembly
	// buffer per connection.
	ReassemblyCap int

	// MaxConnections bounds the connection table. Zero means unlimited.
	MaxConnections int

	// Backlog bounds per-listener pending accepted connections.
	Backlog int

	// CongestionControl names the algorithm ("newreno"). InitCwndSegments
	// sets the initial window in segments.
	CongestionControl string
	InitCwndSegments  int

	// AckDelay is how long a received data segment may wait for a
	// piggyback opportunity before a standalone ACK goes out.
	AckDelay time.Duration

	// RTO bounds and retry limits.
	RTOInitial time.Duration
	RTOMin     time.Duration
	RTOMax     time.Duration
	MaxRetries int
	SynRetries int

	// MSL sets the TIME_WAIT duration at twice its value.
	MSL time.Duration

	// NonBlockingWrites makes Write return ErrCapacity instead of
	// blocking when the send buffer is full.
	NonBlockingWrites bool
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		MTU:               1500,
		SendBufferSize:    64 * 1024,
		RecvBufferSize:    64 * 1024,
		ReassemblyCap:     128 * 1024,
		Backlog:           16,
		CongestionControl: "newreno",
		InitCwndSegments:  10,
		AckDelay:          10 * time.Millisecond,
		RTOInitial:        1 * time.Second,
		RTOMin:            200 * time.Millisecond,
		RTOMax:            60 * time.Second,
		MaxRetries:        8,
		SynRetries:        5,
		MSL:               30 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU <= 0 {
		c.MTU = d.MTU
	}
	if c.MSS <= 0 {
		c.MSS = c.MTU - ipv4.HeaderLen - headerMinLen
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.ReassemblyCap <= 0 {
		c.ReassemblyCap = d.ReassemblyCap
	}
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.CongestionControl == "" {
		c.CongestionControl = d.CongestionControl
	}
	if c.InitCwndSegments <= 0 {
		c.InitCwndSegments = d.InitCwndSegments
	}
	if c.AckDelay <= 0 {
		c.AckDelay = d.AckDelay
	}
	if c.RTOInitial <= 0 {
		c.RTOInitial = d.RTOInitial
	}
	if c.RTOMin <= 0 {
		c.RTOMin = d.RTOMin
	}
	if c.RTOMax <= 0 {
		c.RTOMax = d.RTOMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.SynRetries <= 0 {
		c.SynRetries = d.SynRetries
	}
	if c.MSL <= 0 {
		c.MSL = d.MSL
	}
	return c
}
