package packet

import "sync/atomic"

var ipIDCounter atomic.Uint32

// NextIPID returns a process-wide unique IPv4 identifier.  Tunnel segments
// produced after software segmentation each get a fresh one.
func NextIPID() uint16 {
	return uint16(ipIDCounter.Add(1))
}
