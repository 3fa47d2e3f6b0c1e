package segment

import "github.com/fastpath-net/fastpath/pkg/packet"

// Device is the link transmit contract the egress pipeline depends on.  Send
// takes ownership of the packet regardless of outcome: a packet handed to
// Send is never freed by the caller.
type Device interface {
	// MTU returns the maximum transmissible frame size of the link.
	MTU() int
	// HeaderLen returns the link-layer header length.
	HeaderLen() int
	// Send transmits one frame.
	Send(*packet.Packet) error
}
