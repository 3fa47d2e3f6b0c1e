package packet

import (
	"gvisor.dev/gvisor/pkg/tcpip/hash/jenkins"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// HashFlow computes the steering hash of an IPv4 packet over its addresses
// and, for TCP and UDP, its ports.  Packets that do not parse hash to 0 and
// always stay on the current core.
func HashFlow(p *Packet) uint32 {
	ih, err := p.IPv4()
	if err != nil {
		return 0
	}
	nb := p.NetworkHeader()
	hlen := int(ih.HeaderLength())
	var h jenkins.Sum32
	_, _ = h.Write(nb[12:20])
	switch ih.Protocol() {
	case uint8(header.TCPProtocolNumber), uint8(header.UDPProtocolNumber):
		if hlen+4 <= len(nb) {
			_, _ = h.Write(nb[hlen : hlen+4])
		}
	}
	return h.Sum32()
}
