package packet

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// DropReason says why a packet was freed without being delivered.
type DropReason uint8

const (
	DropInvalidPacket DropReason = iota
	DropInvalidHeader
	DropAllocation
	DropChecksum
	DropQueueFull
	DropUnresolvedTarget
	DropPortDetached
	DropStaleRelayTag
	DropBatchAbort
	DropMisc
	numDropReasons
)

var dropNames = [numDropReasons]string{
	"invalid-packet",
	"invalid-header",
	"allocation-failure",
	"checksum-failure",
	"queue-full",
	"unresolved-steering-target",
	"port-detached",
	"stale-relay-tag",
	"batch-abort",
	"misc",
}

func (r DropReason) String() string {
	if int(r) >= len(dropNames) {
		return "unknown"
	}
	return dropNames[r]
}

var dropCounts [numDropReasons]atomic.Uint64

// Free is the single terminal drop operation.  Every discarded packet goes
// through here so the reason is counted and visible.
func (p *Packet) Free(reason DropReason) {
	if p.freed {
		log.Warnf("double free of packet, reason %s", reason)
		return
	}
	p.freed = true
	if int(reason) >= len(dropNames) {
		reason = DropMisc
	}
	dropCounts[reason].Add(1)
	log.Debugf("packet dropped: %s", reason)
}

// Consume marks a packet as terminally handled without counting a drop.
// Segmentation calls this on the original once its segments own the payload.
func (p *Packet) Consume() { p.freed = true }

// DropCount returns the number of packets freed with the given reason.
func DropCount(reason DropReason) uint64 {
	if int(reason) >= len(dropNames) {
		return 0
	}
	return dropCounts[reason].Load()
}

// ResetDropCounts zeroes all drop counters.
func ResetDropCounts() {
	for i := range dropCounts {
		dropCounts[i].Store(0)
	}
}
