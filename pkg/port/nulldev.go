package port

import (
	"sync/atomic"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// rxHeadroom is reserved in front of frames read from a device, so a
// tunnel header can be pushed later without reallocating.
const rxHeadroom = 128

// NullDevice is a link that discards every frame.  Soak runs and wiring
// tests use it where no real device is wanted.
type NullDevice struct {
	mtu    int
	hdrLen int
	sent   atomic.Uint64
}

// NewNullDevice returns a discarding link with the given MTU and link-layer
// header length.
func NewNullDevice(mtu, hdrLen int) *NullDevice {
	return &NullDevice{mtu: mtu, hdrLen: hdrLen}
}

func (d *NullDevice) MTU() int       { return d.mtu }
func (d *NullDevice) HeaderLen() int { return d.hdrLen }

// Send counts and discards the frame.
func (d *NullDevice) Send(pkt *packet.Packet) error {
	d.sent.Add(1)
	pkt.Consume()
	return nil
}

// Sent returns the number of frames discarded so far.
func (d *NullDevice) Sent() uint64 { return d.sent.Load() }
