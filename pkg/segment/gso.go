package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// TransmitGSO re-segments a packet whose recorded segmentation size predates
// the tunnel encapsulation.  The size on the packet counts inner payload
// bytes only, so the encapsulation added since has to be accounted for
// before comparing against the link MTU, and the size shrunk when the full
// frame would overshoot it.  The resulting segments run through the normal
// egress pipeline in order.
func (e *Egress) TransmitGSO(pkt *packet.Packet) error {
	ih, err := pkt.IPv4()
	if err != nil {
		pkt.Free(packet.DropInvalidHeader)
		return err
	}
	hlen := int(ih.HeaderLength())
	ipOff := pkt.NetworkOffset() - pkt.DataOffset()
	b := pkt.Bytes()
	if hlen < header.IPv4MinimumSize || ipOff+hlen > len(b) {
		pkt.Free(packet.DropInvalidHeader)
		return fmt.Errorf("inner header of %d bytes: %w", hlen, packet.ErrInvalidHeader)
	}

	proto := ih.Protocol()
	segSize := pkt.GSOSize() + pkt.MACLen() + hlen
	switch proto {
	case uint8(header.TCPProtocolNumber):
		// a TCP segment carries its transport header, so the header counts
		// against the frame size; UDP produces fragments and the UDP header
		// rides in the first fragment's payload
		if ipOff+hlen+header.TCPMinimumSize > len(b) {
			pkt.Free(packet.DropInvalidHeader)
			return fmt.Errorf("truncated inner TCP header: %w", packet.ErrInvalidHeader)
		}
		segSize += int(header.TCP(b[ipOff+hlen:]).DataOffset())
	case uint8(header.UDPProtocolNumber):
	default:
		pkt.Free(packet.DropInvalidPacket)
		return fmt.Errorf("segmentation of protocol %d: %w", proto, packet.ErrAllocation)
	}

	// shrink rather than fragment after segmentation
	if limit := e.dev.MTU() + e.dev.HeaderLen(); segSize > limit {
		gso := pkt.GSOSize() - (segSize - limit)
		if proto == uint8(header.UDPProtocolNumber) {
			gso &^= 7
		}
		if gso <= 0 {
			pkt.Free(packet.DropInvalidPacket)
			return fmt.Errorf("encapsulation leaves no room for payload: %w", packet.ErrAllocation)
		}
		pkt.SetGSOSize(gso)
	}

	var segs []*packet.Packet
	if proto == uint8(header.TCPProtocolNumber) {
		segs, err = gsoTCPSplit(pkt, ih, ipOff, hlen)
	} else {
		segs, err = gsoUDPSplit(pkt, ih, ipOff, hlen)
	}
	if err != nil || len(segs) == 0 {
		pkt.Free(packet.DropAllocation)
		if err == nil {
			err = fmt.Errorf("empty segment list: %w", packet.ErrAllocation)
		}
		return err
	}
	pkt.Consume()
	return e.transmitBatch(segs)
}

// gsoTCPSplit splits an inner TCP stream into segments of the packet's
// segmentation size, replicating the full header stack and fixing each
// segment's inner sequence number, lengths, flags, and checksums.
func gsoTCPSplit(pkt *packet.Packet, ih header.IPv4, ipOff, hlen int) ([]*packet.Packet, error) {
	b := pkt.Bytes()
	th := header.TCP(b[ipOff+hlen:])
	thl := int(th.DataOffset())
	if thl < header.TCPMinimumSize || ipOff+hlen+thl > len(b) {
		return nil, fmt.Errorf("inner TCP header of %d bytes: %w", thl, packet.ErrInvalidHeader)
	}
	segs, err := splitAt(pkt, ipOff+hlen+thl, pkt.GSOSize())
	if err != nil {
		return nil, err
	}
	startSeq := th.SequenceNumber()
	innerID := ih.ID()
	transportStart := pkt.NetworkOffset() + hlen
	var done uint32
	for i, seg := range segs {
		sb := seg.Bytes()
		sih := header.IPv4(sb[ipOff:])
		sth := header.TCP(sb[ipOff+hlen:])
		sth.SetSequenceNumber(startSeq + done)
		if i < len(segs)-1 {
			// FIN and PSH belong on the final segment only
			sb[ipOff+hlen+13] &^= uint8(header.TCPFlagFin | header.TCPFlagPsh)
		}
		sih.SetID(innerID + uint16(i))
		sih.SetTotalLength(uint16(seg.Len() - ipOff))
		sih.SetChecksum(0)
		sih.SetChecksum(^sih.CalculateChecksum())
		// reseed the deferred transport checksum for the new length
		tcpLen := uint16(seg.Len() - ipOff - hlen)
		binary.BigEndian.PutUint16(sb[ipOff+hlen+tcpChecksumOffset:], 0)
		sth.SetChecksum(pseudoHeaderChecksum(sih, uint8(header.TCPProtocolNumber), tcpLen))
		if err := seg.SetPartialChecksum(transportStart, tcpChecksumOffset); err != nil {
			return nil, err
		}
		seg.SetGSOSize(0)
		seg.Flags &^= packet.FlagGSO
		done += uint32(seg.Len() - ipOff - hlen - thl)
	}
	return segs, nil
}

// gsoUDPSplit splits an inner UDP datagram the way IPv4 fragmentation would:
// the segments are fragments sharing the inner identifier, and only the
// first carries the UDP header.  A deferred checksum is resolved first since
// it cannot survive fragmentation.
func gsoUDPSplit(pkt *packet.Packet, ih header.IPv4, ipOff, hlen int) ([]*packet.Packet, error) {
	if err := checksumHelp(pkt); err != nil {
		return nil, err
	}
	wasFragment := ih.Flags()&header.IPv4FlagMoreFragments != 0
	firstOffset := int(ih.FragmentOffset())
	id := ih.ID()
	segs, err := splitAt(pkt, ipOff+hlen, pkt.GSOSize())
	if err != nil {
		return nil, err
	}
	stampFragments(segs, ipOff, id, firstOffset, wasFragment)
	for _, seg := range segs {
		seg.SetGSOSize(0)
		seg.Flags &^= packet.FlagGSO
	}
	return segs, nil
}
