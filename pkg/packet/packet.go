package packet

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Sentinel errors for the data-plane fast path.
var (
	ErrAllocation       = errors.New("fastpath: segmentation allocation failure")
	ErrInvalidHeader    = errors.New("fastpath: insufficient header room")
	ErrUnresolvedTarget = errors.New("fastpath: unresolved steering target")
	ErrChecksum         = errors.New("fastpath: checksum computation failure")
	ErrQueueFull        = errors.New("fastpath: ingress queue full")
)

// Type tags the encapsulation of a packet's payload.
type Type uint8

const (
	TypeUnknown Type = iota
	// TypeIP is a plain IPv4 packet.
	TypeIP
	// TypeTunnelIP is an IPv4 packet carrying another IP packet as its payload.
	TypeTunnelIP
)

// Flag is a set of per-packet processing flags.
type Flag uint16

const (
	// FlagFromDatapath marks a packet injected by the forwarding core rather
	// than received from a device.
	FlagFromDatapath Flag = 1 << iota
	// FlagChecksumPartial means the transport checksum field holds only the
	// pseudo-header sum and the full checksum is deferred.
	FlagChecksumPartial
	// FlagGSO means a software segmentation size has been recorded.
	FlagGSO
	// FlagGRO marks a packet destined for receive-offload aggregation.
	FlagGRO
	// FlagFlowResolved marks a packet whose flow lookup already happened.
	FlagFlowResolved
)

// NoCore is the sentinel for "no previous core recorded".
const NoCore = -1

// RelayTag is the context stashed on a packet when it is handed to another
// core, and consumed exactly once on the destination core.
type RelayTag struct {
	Router uuid.UUID
	Port   uint32
	Core   int // destination core
	Origin int // core that performed the steering decision
	Hop    int // ordinal of this hand-off; a packet crosses cores at most twice
}

// Packet is a mutable view onto a contiguous buffer.  All offsets are
// relative to the head of the buffer, and 0 <= data <= tail <= end holds at
// all times.  A packet has exactly one terminal action: it is transmitted,
// delivered upstream, or freed with a drop reason.
type Packet struct {
	buf  []byte
	data int
	tail int

	networkOff   int
	transportOff int

	Type     Type
	Flags    Flag
	FlowHash uint32

	gsoSize    int
	csumStart  int
	csumOffset int

	tag      *RelayTag
	prevCore int

	freed bool
}

// New allocates a packet with the given headroom and zero-length payload.
func New(headroom, capacity int) *Packet {
	return &Packet{
		buf:          make([]byte, headroom+capacity),
		data:         headroom,
		tail:         headroom,
		networkOff:   -1,
		transportOff: -1,
		prevCore:     NoCore,
	}
}

// FromFrame copies a received frame into a freshly allocated packet,
// reserving the requested headroom in front of it.
func FromFrame(headroom int, frame []byte) *Packet {
	p := New(headroom, len(frame))
	copy(p.buf[p.data:], frame)
	p.tail = p.data + len(frame)
	return p
}

// Bytes returns the live region of the packet.
func (p *Packet) Bytes() []byte { return p.buf[p.data:p.tail] }

// Len returns the length of the live region.
func (p *Packet) Len() int { return p.tail - p.data }

// Headroom returns the number of free bytes in front of the data.
func (p *Packet) Headroom() int { return p.data }

// Tailroom returns the number of free bytes behind the tail.
func (p *Packet) Tailroom() int { return len(p.buf) - p.tail }

// DataOffset returns the offset of the first live byte, relative to head.
func (p *Packet) DataOffset() int { return p.data }

// Push extends the live region n bytes toward the head and returns the new
// front of the packet.
func (p *Packet) Push(n int) ([]byte, error) {
	if n > p.data {
		return nil, fmt.Errorf("push of %d bytes with %d headroom: %w", n, p.data, ErrInvalidHeader)
	}
	p.data -= n
	return p.buf[p.data:p.tail], nil
}

// Pull shrinks the live region n bytes from the front.
func (p *Packet) Pull(n int) ([]byte, error) {
	if n > p.Len() {
		return nil, fmt.Errorf("pull of %d bytes from %d byte packet: %w", n, p.Len(), ErrInvalidHeader)
	}
	p.data += n
	return p.buf[p.data:p.tail], nil
}

// Append copies b onto the tail of the packet, growing the buffer if the
// tailroom is insufficient.
func (p *Packet) Append(b []byte) {
	if len(b) > p.Tailroom() {
		grown := make([]byte, len(p.buf)+len(b))
		copy(grown, p.buf)
		p.buf = grown
	}
	copy(p.buf[p.tail:], b)
	p.tail += len(b)
}

// FromOffset returns the live bytes from a head-relative offset to the tail.
func (p *Packet) FromOffset(off int) ([]byte, error) {
	if off < p.data || off > p.tail {
		return nil, fmt.Errorf("offset %d outside live region [%d,%d): %w", off, p.data, p.tail, ErrInvalidHeader)
	}
	return p.buf[off:p.tail], nil
}

// SetNetworkOffset records the network header position, relative to head.
func (p *Packet) SetNetworkOffset(off int) { p.networkOff = off }

// NetworkOffset returns the network header position, or -1 if unset.
func (p *Packet) NetworkOffset() int { return p.networkOff }

// ResetNetworkHeader points the network header at the current data start.
func (p *Packet) ResetNetworkHeader() { p.networkOff = p.data }

// NetworkHeader returns the buffer from the network header to the tail.
func (p *Packet) NetworkHeader() []byte { return p.buf[p.networkOff:p.tail] }

// SetTransportOffset records the transport header position, relative to head.
func (p *Packet) SetTransportOffset(off int) { p.transportOff = off }

// TransportOffset returns the transport header position, or -1 if unset.
func (p *Packet) TransportOffset() int { return p.transportOff }

// TransportHeader returns the buffer from the transport header to the tail.
func (p *Packet) TransportHeader() []byte { return p.buf[p.transportOff:p.tail] }

// MACLen returns the number of encapsulation bytes in front of the network
// header.  For a tunnel packet whose network header points at the inner IP
// header this spans the whole outer encapsulation.
func (p *Packet) MACLen() int {
	if p.networkOff < 0 {
		return 0
	}
	return p.networkOff - p.data
}

// IPv4 returns an IPv4 header view at the network offset.
func (p *Packet) IPv4() (header.IPv4, error) {
	if p.networkOff < 0 || p.tail-p.networkOff < header.IPv4MinimumSize {
		return nil, fmt.Errorf("no room for IPv4 header at offset %d: %w", p.networkOff, ErrInvalidHeader)
	}
	return header.IPv4(p.buf[p.networkOff:p.tail]), nil
}

// SetPartialChecksum records the deferred-checksum start and the offset of
// the checksum field within the transport header, and sets
// FlagChecksumPartial.  Start is relative to head.
func (p *Packet) SetPartialChecksum(start, offset int) error {
	if start+offset+2 > p.tail {
		return fmt.Errorf("checksum field beyond tail: %w", ErrInvalidHeader)
	}
	p.csumStart = start
	p.csumOffset = offset
	p.Flags |= FlagChecksumPartial
	return nil
}

// PartialChecksum returns the recorded checksum start and field offset.
func (p *Packet) PartialChecksum() (start, offset int) {
	return p.csumStart, p.csumOffset
}

// SetGSOSize records the software segmentation size and sets FlagGSO.
func (p *Packet) SetGSOSize(n int) {
	p.gsoSize = n
	if n > 0 {
		p.Flags |= FlagGSO
	}
}

// GSOSize returns the recorded software segmentation size.
func (p *Packet) GSOSize() int { return p.gsoSize }

// StashRelayTag stores cross-core hand-off context on the packet.
func (p *Packet) StashRelayTag(t RelayTag) { p.tag = &t }

// TakeRelayTag consumes the relay tag, if present.  A tag can be taken only
// once.
func (p *Packet) TakeRelayTag() (RelayTag, bool) {
	if p.tag == nil {
		return RelayTag{}, false
	}
	t := *p.tag
	p.tag = nil
	return t, true
}

// ClearRelayTag discards any stashed relay tag.  The enqueue path calls this
// so a tag left over from an earlier steering configuration cannot be
// misread after a policy change.
func (p *Packet) ClearRelayTag() { p.tag = nil }

// SetPreviousCore records the core that already processed this packet.
func (p *Packet) SetPreviousCore(c int) { p.prevCore = c }

// PreviousCore returns the recorded previous core, or NoCore.
func (p *Packet) PreviousCore() int { return p.prevCore }

// Freed reports whether a terminal action has already been taken.
func (p *Packet) Freed() bool { return p.freed }
