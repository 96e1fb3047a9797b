// Package ipv4 parses and serializes IPv4 headers for the userspace TCP
// engine. Only IPv4 framing is supported; the engine drops anything else.
package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
)

const (
	// HeaderLen is the length of an IPv4 header without options.
	HeaderLen = 20

	// ProtocolTCP is the IP protocol number for TCP.
	ProtocolTCP = 6

	defaultTTL = 64
)

var (
	// ErrMalformedPacket reports a structurally invalid IPv4 packet:
	// truncated header, bad version, or inconsistent length fields.
	ErrMalformedPacket = errors.New("ipv4: malformed packet")

	// ErrChecksum reports a header checksum mismatch.
	ErrChecksum = errors.New("ipv4: header checksum mismatch")

	// ErrPacketTooLarge reports that header+payload exceeds the device MTU.
	ErrPacketTooLarge = errors.New("ipv4: packet exceeds MTU")
)

// Address is an IPv4 address in wire order.
type Address [4]byte

// ParseAddress converts a dotted-quad string into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return a, fmt.Errorf("invalid IPv4 address: %q", s)
	}
	copy(a[:], ip.To4())
	return a, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Header holds the IPv4 header fields the engine cares about. Options are
// carried opaquely so that a parsed header re-serializes bit-exact.
type Header struct {
	TOS      uint8
	TotalLen uint16
	ID       uint16
	FlagsOff uint16
	TTL      uint8
	Protocol uint8
	Checksum uint16
	Src      Address
	Dst      Address
	Options  []byte
}

// HeaderLen returns the header length in bytes including options.
func (h *Header) HeaderLen() int {
	return HeaderLen + len(h.Options)
}

// Parse validates an IPv4 packet and splits it into header and payload.
// The checksum over the header must verify and the length fields must be
// consistent with the buffer, otherwise ErrMalformedPacket or ErrChecksum
// is returned and the packet must be dropped.
func Parse(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(data))
	}
	if data[0]>>4 != 4 {
		return nil, nil, fmt.Errorf("%w: version %d", ErrMalformedPacket, data[0]>>4)
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < HeaderLen || ihl > len(data) {
		return nil, nil, fmt.Errorf("%w: IHL %d", ErrMalformedPacket, ihl)
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < ihl || totalLen > len(data) {
		return nil, nil, fmt.Errorf("%w: total length %d of %d", ErrMalformedPacket, totalLen, len(data))
	}
	// Sum over the header including the checksum field folds to zero when
	// the checksum is correct.
	if Checksum(data[:ihl]) != 0 {
		return nil, nil, ErrChecksum
	}

	h := &Header{
		TOS:      data[1],
		TotalLen: uint16(totalLen),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		FlagsOff: binary.BigEndian.Uint16(data[6:8]),
		TTL:      data[8],
		Protocol: data[9],
		Checksum: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	if ihl > HeaderLen {
		h.Options = append([]byte(nil), data[HeaderLen:ihl]...)
	}
	return h, data[ihl:totalLen], nil
}

// Marshal serializes the header followed by payload, recomputing the total
// length and checksum. When mtu > 0 the result must fit within it.
func (h *Header) Marshal(payload []byte, mtu int) ([]byte, error) {
	hl := h.HeaderLen()
	if hl%4 != 0 {
		return nil, fmt.Errorf("%w: options not padded", ErrMalformedPacket)
	}
	total := hl + len(payload)
	if total > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, total)
	}
	if mtu > 0 && total > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, total, mtu)
	}

	pkt := make([]byte, total)
	pkt[0] = 0x40 | byte(hl/4)
	pkt[1] = h.TOS
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	binary.BigEndian.PutUint16(pkt[4:6], h.ID)
	binary.BigEndian.PutUint16(pkt[6:8], h.FlagsOff)
	pkt[8] = h.TTL
	pkt[9] = h.Protocol
	copy(pkt[12:16], h.Src[:])
	copy(pkt[16:20], h.Dst[:])
	copy(pkt[HeaderLen:hl], h.Options)
	cs := Checksum(pkt[:hl])
	binary.BigEndian.PutUint16(pkt[10:12], cs)
	copy(pkt[hl:], payload)

	h.TotalLen = uint16(total)
	h.Checksum = cs
	return pkt, nil
}

// NewHeader returns a TCP-carrying header from src to dst with engine
// defaults and a fresh identification value.
func NewHeader(src, dst Address) *Header {
	return &Header{
		ID:       NextID(),
		TTL:      defaultTTL,
		Protocol: ProtocolTCP,
		Src:      src,
		Dst:      dst,
	}
}

// Checksum computes the Internet checksum over data.
func Checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(^sum)
}

// idCounter provides a best-effort, process-wide IPv4 Identification field
// generator to avoid emitting a constant zero IP ID, which can confuse some
// middleboxes even for unfragmented traffic.
var idCounter uint32

// NextID returns the next IPv4 identification value.
func NextID() uint16 { return uint16(atomic.AddUint32(&idCounter, 1)) }
