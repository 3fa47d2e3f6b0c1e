package port

import "sync/atomic"

// Stats are the per-port counters shared across cores.  They are the only
// shared mutable state on the fast path and are updated atomically.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	RxQueueDrops    atomic.Uint64
	RxDetachedDrops atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RxPackets, RxBytes uint64
	TxPackets, TxBytes uint64
	RxQueueDrops       uint64
	RxDetachedDrops    uint64
}

// Read returns a consistent-enough snapshot for reporting.
func (s *Stats) Read() Snapshot {
	return Snapshot{
		RxPackets:       s.RxPackets.Load(),
		RxBytes:         s.RxBytes.Load(),
		TxPackets:       s.TxPackets.Load(),
		TxBytes:         s.TxBytes.Load(),
		RxQueueDrops:    s.RxQueueDrops.Load(),
		RxDetachedDrops: s.RxDetachedDrops.Load(),
	}
}
