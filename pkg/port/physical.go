package port

import "github.com/fastpath-net/fastpath/pkg/packet"

// Physical is a port on a real uplink.  Its transmit side runs the
// GSO/fragmentation pipeline; its receive side feeds the aggregation queue.
type Physical struct {
	base
}

// NewPhysical returns an unattached physical port.
func NewPhysical(cfg Config) *Physical {
	return &Physical{base: newBase(KindPhysical, cfg, true)}
}

// Transmit sends a packet out the uplink, segmenting it in software when a
// segmentation size was recorded and fragmenting whatever still exceeds the
// link MTU.
func (p *Physical) Transmit(pkt *packet.Packet) error {
	n := uint64(pkt.Len())
	var err error
	if pkt.Flags&packet.FlagGSO != 0 && pkt.GSOSize() > 0 {
		err = p.egress.TransmitGSO(pkt)
	} else {
		err = p.egress.Transmit(pkt)
	}
	if err != nil {
		return err
	}
	p.stats.TxPackets.Add(1)
	p.stats.TxBytes.Add(n)
	return nil
}

// Receive queues a frame from the wire for aggregation.  Cross-core
// steering, when enabled, happens before this point.
func (p *Physical) Receive(pkt *packet.Packet) DeliveryOutcome {
	return p.enqueue(pkt)
}
