package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	etherHLen = header.EthernetMinimumSize

	tcpChecksumOffset = 16
	udpChecksumOffset = 6

	greProtocolNumber = 47
)

// splitAt splits pkt into segments of up to chunk payload bytes, each led by
// a copy of the first hdrLen live bytes of pkt.  Header offsets, flags, and
// flow identity carry over, so each segment presents the same relative
// header layout as the original.
func splitAt(pkt *packet.Packet, hdrLen, chunk int) ([]*packet.Packet, error) {
	if chunk <= 0 {
		return nil, fmt.Errorf("segment size %d: %w", chunk, packet.ErrAllocation)
	}
	src := pkt.Bytes()
	if hdrLen <= 0 || hdrLen >= len(src) {
		return nil, fmt.Errorf("header template of %d bytes in %d byte packet: %w", hdrLen, len(src), packet.ErrInvalidHeader)
	}
	hdr := src[:hdrLen]
	payload := src[hdrLen:]
	headroom := pkt.Headroom()
	segs := make([]*packet.Packet, 0, (len(payload)+chunk-1)/chunk)
	for off := 0; off < len(payload); off += chunk {
		end := off + chunk
		if end > len(payload) {
			end = len(payload)
		}
		seg := packet.New(headroom, hdrLen+(end-off))
		seg.Append(hdr)
		seg.Append(payload[off:end])
		seg.Type = pkt.Type
		seg.Flags = pkt.Flags
		seg.FlowHash = pkt.FlowHash
		if no := pkt.NetworkOffset(); no >= 0 {
			seg.SetNetworkOffset(no)
		}
		if to := pkt.TransportOffset(); to >= 0 && to < pkt.DataOffset()+hdrLen {
			seg.SetTransportOffset(to)
		}
		if pkt.Flags&packet.FlagChecksumPartial != 0 {
			start, fieldOff := pkt.PartialChecksum()
			if err := seg.SetPartialChecksum(start, fieldOff); err != nil {
				return nil, err
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// checksumHelp resolves a deferred transport checksum in place.  Once a
// packet is fragmented the per-fragment checksum offsets would be wrong, so
// the full checksum has to be computed before splitting.
func checksumHelp(pkt *packet.Packet) error {
	if pkt.Flags&packet.FlagChecksumPartial == 0 {
		return nil
	}
	start, fieldOff := pkt.PartialChecksum()
	seg, err := pkt.FromOffset(start)
	if err != nil {
		return fmt.Errorf("checksum start: %w", packet.ErrChecksum)
	}
	if fieldOff+2 > len(seg) {
		return fmt.Errorf("checksum field beyond tail: %w", packet.ErrChecksum)
	}
	// the field holds the pseudo-header sum, so summing the whole region
	// and complementing yields the final checksum
	sum := checksum.Checksum(seg, 0)
	binary.BigEndian.PutUint16(seg[fieldOff:], ^sum)
	pkt.Flags &^= packet.FlagChecksumPartial
	return nil
}

// pseudoHeaderChecksum computes the IPv4 pseudo-header sum used to seed an
// offloaded transport checksum.
func pseudoHeaderChecksum(ih header.IPv4, proto uint8, length uint16) uint16 {
	sum := checksum.Checksum(ih[12:20], 0)
	return checksum.Checksum([]byte{0, proto, byte(length >> 8), byte(length)}, sum)
}

// stampFragments writes IPv4 fragmentation fields onto a segment list.  All
// fragments share one identifier; every fragment except the last carries the
// more-fragments flag, or all of them when the original packet was itself a
// fragment.  ipOff is the IPv4 header position relative to each segment's
// data start, firstOffset the byte offset of the first fragment.
func stampFragments(segs []*packet.Packet, ipOff int, id uint16, firstOffset int, moreAtEnd bool) {
	offset := firstOffset
	for i, seg := range segs {
		b := seg.Bytes()
		ih := header.IPv4(b[ipOff:])
		hlen := int(ih.HeaderLength())
		ih.SetID(id)
		var flags uint8
		if i < len(segs)-1 || moreAtEnd {
			flags = header.IPv4FlagMoreFragments
		}
		ih.SetFlagsFragmentOffset(flags, uint16(offset))
		ih.SetTotalLength(uint16(seg.Len() - ipOff))
		ih.SetChecksum(0)
		ih.SetChecksum(^ih.CalculateChecksum())
		offset += seg.Len() - ipOff - hlen
	}
}
