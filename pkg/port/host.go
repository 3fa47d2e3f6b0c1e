package port

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// Host is a port into the host network stack.  Host traffic is slow path:
// no aggregation queue, packets go straight through.
type Host struct {
	base
}

// NewHost returns an unattached host port.
func NewHost(cfg Config) *Host {
	return &Host{base: newBase(KindHost, cfg, false)}
}

// Transmit delivers a packet to the host stack.  A mirrored packet from the
// datapath can carry a deferred transport checksum whose field holds only
// the pseudo-header sum; the host stack would misread it, so the field is
// zeroed first.
func (h *Host) Transmit(pkt *packet.Packet) error {
	if pkt.Flags&packet.FlagFromDatapath != 0 && pkt.Flags&packet.FlagChecksumPartial != 0 {
		h.resetTransportChecksum(pkt)
	}
	return h.send(pkt)
}

// Receive hands a frame from the host stack straight upstream.
func (h *Host) Receive(pkt *packet.Packet) DeliveryOutcome {
	h.stats.RxPackets.Add(1)
	h.stats.RxBytes.Add(uint64(pkt.Len()))
	if h.upstream == nil {
		pkt.Free(packet.DropMisc)
		return Dropped
	}
	h.upstream(pkt)
	return Delivered
}

func (h *Host) resetTransportChecksum(pkt *packet.Packet) {
	ih, err := pkt.IPv4()
	if err != nil {
		return
	}
	hlen := int(ih.HeaderLength())
	nb := pkt.NetworkHeader()
	var fieldOff int
	switch ih.Protocol() {
	case uint8(header.TCPProtocolNumber):
		fieldOff = hlen + 16
	case uint8(header.UDPProtocolNumber):
		fieldOff = hlen + 6
	default:
		return
	}
	if fieldOff+2 > len(nb) {
		return
	}
	nb[fieldOff] = 0
	nb[fieldOff+1] = 0
	pkt.Flags &^= packet.FlagChecksumPartial
}
