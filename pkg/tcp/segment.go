package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/donkomura/tcprs/pkg/ipv4"
)

// TCP header flags.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
)

// TCP option kinds the engine understands. Unknown kinds are skipped by
// length and preserved verbatim for re-serialization.
const (
	optEOL           = 0
	optNOP           = 1
	optMSS           = 2
	optWindowScale   = 3
	optSACKPermitted = 4
)

const headerMinLen = 20

// Segment is a decoded TCP segment. Options are kept as raw padded bytes so
// a parsed segment re-serializes bit-exact.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []byte
	Payload  []byte
}

// ParseSegment decodes and validates a TCP segment carried between src and
// dst. A header length inconsistent with the buffer yields
// ErrMalformedSegment; a failed pseudo-header checksum yields
// ErrChecksumMismatch. Either way the caller must drop the segment.
func ParseSegment(b []byte, src, dst ipv4.Address) (*Segment, error) {
	if len(b) < headerMinLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedSegment, len(b))
	}
	dataOff := int(b[12]>>4) * 4
	if dataOff < headerMinLen || dataOff > len(b) {
		return nil, fmt.Errorf("%w: data offset %d of %d", ErrMalformedSegment, dataOff, len(b))
	}
	// The checksum field participates in the sum; a correct segment folds
	// to zero.
	if pseudoChecksum(b, src, dst) != 0 {
		return nil, ErrChecksumMismatch
	}

	s := &Segment{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Ack:      binary.BigEndian.Uint32(b[8:12]),
		Flags:    b[13],
		Window:   binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		Urgent:   binary.BigEndian.Uint16(b[18:20]),
	}
	if dataOff > headerMinLen {
		s.Options = append([]byte(nil), b[headerMinLen:dataOff]...)
	}
	s.Payload = b[dataOff:]
	return s, nil
}

// Marshal serializes the segment and computes the checksum over the
// assembled bytes plus the pseudo-header for src/dst. Options are padded to
// a 4-byte multiple.
func (s *Segment) Marshal(src, dst ipv4.Address) []byte {
	opts := s.Options
	if pad := len(opts) % 4; pad != 0 {
		opts = append(append([]byte(nil), opts...), make([]byte, 4-pad)...)
	}
	hl := headerMinLen + len(opts)
	b := make([]byte, hl+len(s.Payload))

	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Ack)
	b[12] = byte(hl/4) << 4
	b[13] = s.Flags
	binary.BigEndian.PutUint16(b[14:16], s.Window)
	binary.BigEndian.PutUint16(b[18:20], s.Urgent)
	copy(b[headerMinLen:hl], opts)
	copy(b[hl:], s.Payload)

	cs := pseudoChecksum(b, src, dst)
	binary.BigEndian.PutUint16(b[16:18], cs)
	s.Checksum = cs
	return b
}

// SegLen returns the sequence space the segment occupies: payload bytes
// plus one for SYN and one for FIN.
func (s *Segment) SegLen() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// MSS returns the Maximum Segment Size option value if present.
func (s *Segment) MSS() (uint16, bool) {
	v, ok := s.findOption(optMSS, 4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// WindowScale returns the window scale option value if present.
func (s *Segment) WindowScale() (uint8, bool) {
	v, ok := s.findOption(optWindowScale, 3)
	if !ok {
		return 0, false
	}
	return v[0], true
}

// SACKPermitted reports whether the peer offered selective acknowledgment
// on its SYN.
func (s *Segment) SACKPermitted() bool {
	_, ok := s.findOption(optSACKPermitted, 2)
	return ok
}

// findOption walks the option list for kind, expecting the given total
// option length. Malformed option lists terminate the walk; the segment
// itself was already accepted, a broken trailer just means no option.
func (s *Segment) findOption(kind byte, length int) ([]byte, bool) {
	opts := s.Options
	for i := 0; i < len(opts); {
		switch opts[i] {
		case optEOL:
			return nil, false
		case optNOP:
			i++
		default:
			if i+1 >= len(opts) {
				return nil, false
			}
			l := int(opts[i+1])
			if l < 2 || i+l > len(opts) {
				return nil, false
			}
			if opts[i] == kind && l == length {
				return opts[i+2 : i+l], true
			}
			i += l
		}
	}
	return nil, false
}

// MSSOption encodes a Maximum Segment Size option for a SYN segment.
func MSSOption(mss uint16) []byte {
	return []byte{optMSS, 4, byte(mss >> 8), byte(mss)}
}

// pseudoChecksum computes the TCP checksum over the IPv4 pseudo-header
// followed by the segment bytes.
func pseudoChecksum(tcp []byte, src, dst ipv4.Address) uint16 {
	sum := uint32(0)
	var pseudo [12]byte
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = ipv4.ProtocolTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(tcp)))
	for i := 0; i < len(pseudo); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(pseudo[i : i+2]))
	}
	for i := 0; i+1 < len(tcp); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(tcp[i : i+2]))
	}
	if len(tcp)%2 == 1 {
		sum += uint32(uint16(tcp[len(tcp)-1]) << 8)
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
