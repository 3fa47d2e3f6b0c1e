package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Egress drives the transmit side of one link: tunnel header finalization,
// IPv4 fragmentation of oversized frames, and ordered batch transmission.
type Egress struct {
	dev Device
	// fragments is set for links that fragment oversized IPv4 frames
	// (physical uplinks); other links transmit as-is.
	fragments bool
}

// NewEgress returns an egress pipeline for the given link device.
func NewEgress(dev Device, fragments bool) *Egress {
	return &Egress{dev: dev, fragments: fragments}
}

// Transmit finalizes the tunnel header of a link-sized tunnel packet and
// sends it.  Oversized frames bypass finalization here: they are fragmented
// first, and each fragment comes back through Transmit at link size.
func (e *Egress) Transmit(pkt *packet.Packet) error {
	if pkt.Len() <= e.dev.MTU()+e.dev.HeaderLen() && pkt.Type == packet.TypeTunnelIP {
		if err := e.finalizeTunnel(pkt); err != nil {
			return err
		}
	}
	return e.send(pkt)
}

// send transmits a frame, fragmenting it when the link requires it.
func (e *Egress) send(pkt *packet.Packet) error {
	if !e.fragments || pkt.Len() <= e.dev.MTU()+e.dev.HeaderLen() {
		return e.dev.Send(pkt)
	}
	b := pkt.Bytes()
	if len(b) >= etherHLen && binary.BigEndian.Uint16(b[12:14]) == uint16(header.IPv4ProtocolNumber) {
		return e.fragment(pkt)
	}
	pkt.Free(packet.DropInvalidPacket)
	return fmt.Errorf("oversized non-IPv4 frame on fragmenting link: %w", packet.ErrAllocation)
}

// fragment splits an oversized IPv4 packet at its network header so every
// fragment fits the link MTU.  For a tunnel packet the network header is the
// inner one and the whole outer encapsulation rides in front of it as link
// header; the finalizer fixes the outer header of each fragment afterwards.
func (e *Egress) fragment(pkt *packet.Packet) error {
	ih, err := pkt.IPv4()
	if err != nil {
		pkt.Free(packet.DropInvalidHeader)
		return err
	}
	hlen := int(ih.HeaderLength())
	macLen := pkt.MACLen()
	if hlen < header.IPv4MinimumSize || macLen+hlen >= pkt.Len() {
		pkt.Free(packet.DropInvalidHeader)
		return fmt.Errorf("fragmenting %d byte packet with %d header bytes: %w", pkt.Len(), macLen+hlen, packet.ErrInvalidHeader)
	}
	wasFragment := ih.Flags()&header.IPv4FlagMoreFragments != 0
	firstOffset := int(ih.FragmentOffset())
	id := ih.ID()

	payload := pkt.Len() - macLen - hlen
	// fragment size must be a multiple of 8
	fragSize := (e.dev.MTU() - macLen - hlen) &^ 7
	if fragSize <= 0 {
		pkt.Free(packet.DropInvalidHeader)
		return fmt.Errorf("link mtu %d leaves no room for payload: %w", e.dev.MTU(), packet.ErrInvalidHeader)
	}
	if payload > fragSize {
		numFrags := payload / fragSize
		lastLen := payload % fragSize
		if lastLen > 0 && lastLen < 64 {
			// spread the shortfall so the tail fragment is not undersized;
			// the division can round to zero, so always step down before
			// re-rounding (worst case 8 bytes per fragment)
			fragSize -= (64 - lastLen) / numFrags
			fragSize--
			fragSize &^= 7
		}
	}

	// a deferred checksum cannot survive fragmentation
	if err := checksumHelp(pkt); err != nil {
		pkt.Free(packet.DropChecksum)
		return err
	}

	segs, err := splitAt(pkt, macLen+hlen, fragSize)
	if err != nil {
		pkt.Free(packet.DropAllocation)
		return fmt.Errorf("fragmentation: %w", packet.ErrAllocation)
	}
	pkt.Consume()
	stampFragments(segs, macLen, id, firstOffset, wasFragment)
	return e.transmitBatch(segs)
}

// finalizeTunnel rewrites the outer header of one tunnel segment: new total
// length, a fresh unique IP identifier, and checksum handling by inner
// protocol.  UDP tunnels keep the transport checksum deferred for offload;
// GRE tunnels only need the IP header checksum.  On failure the segment is
// freed and an error returned.
func (e *Egress) finalizeTunnel(pkt *packet.Packet) error {
	b := pkt.Bytes()
	if len(b) < etherHLen+header.IPv4MinimumSize {
		pkt.Free(packet.DropInvalidHeader)
		return fmt.Errorf("tunnel segment of %d bytes: %w", len(b), packet.ErrInvalidHeader)
	}
	ih := header.IPv4(b[etherHLen:])
	hlen := int(ih.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(b) < etherHLen+hlen {
		pkt.Free(packet.DropInvalidHeader)
		return fmt.Errorf("outer header of %d bytes: %w", hlen, packet.ErrInvalidHeader)
	}
	ih.SetTotalLength(uint16(pkt.Len() - etherHLen))
	ih.SetID(packet.NextIPID())

	switch ih.Protocol() {
	case uint8(header.UDPProtocolNumber):
		pkt.SetNetworkOffset(pkt.DataOffset() + etherHLen)
		ih.SetChecksum(0)
		if len(b) < etherHLen+hlen+header.UDPMinimumSize {
			pkt.Free(packet.DropInvalidHeader)
			return fmt.Errorf("truncated outer UDP header: %w", packet.ErrInvalidHeader)
		}
		transportOff := pkt.DataOffset() + etherHLen + hlen
		pkt.SetTransportOffset(transportOff)
		if err := pkt.SetPartialChecksum(transportOff, udpChecksumOffset); err != nil {
			pkt.Free(packet.DropInvalidHeader)
			return err
		}
		udp := header.UDP(b[etherHLen+hlen:])
		udpLen := uint16(pkt.Len() - etherHLen - hlen)
		udp.SetLength(udpLen)
		ih.SetChecksum(^ih.CalculateChecksum())
		// seed with the pseudo-header sum; hardware or a later checksum
		// help completes it
		udp.SetChecksum(pseudoHeaderChecksum(ih, uint8(header.UDPProtocolNumber), udpLen))
	case greProtocolNumber:
		ih.SetChecksum(0)
		ih.SetChecksum(^ih.CalculateChecksum())
	}
	return nil
}

// transmitBatch sends a segment list in order.  The first failure aborts the
// batch: segments not yet sent are freed, segments already transmitted stay
// out.
func (e *Egress) transmitBatch(segs []*packet.Packet) error {
	for i, seg := range segs {
		if err := e.Transmit(seg); err != nil {
			for _, rest := range segs[i+1:] {
				rest.Free(packet.DropBatchAbort)
			}
			return err
		}
	}
	return nil
}
