package port

import "github.com/fastpath-net/fastpath/pkg/packet"

// Virtual is a port backing a guest workload.  Guest-bound packets marked
// for receive offload take the aggregation queue instead of going straight
// to the device, so consecutive same-flow packets merge before delivery.
type Virtual struct {
	base
}

// NewVirtual returns an unattached virtual port.
func NewVirtual(cfg Config) *Virtual {
	return &Virtual{base: newBase(KindVirtual, cfg, false)}
}

// Transmit delivers a packet toward the guest.  Aggregation candidates are
// queued for the poll task; everything else goes straight to the device.
func (v *Virtual) Transmit(pkt *packet.Packet) error {
	if pkt.Flags&packet.FlagGRO != 0 {
		pkt.ResetNetworkHeader()
		if v.enqueue(pkt) == Dropped {
			return packet.ErrQueueFull
		}
		return nil
	}
	return v.send(pkt)
}

// Receive queues a frame arriving from the guest for aggregation.
func (v *Virtual) Receive(pkt *packet.Packet) DeliveryOutcome {
	return v.enqueue(pkt)
}
