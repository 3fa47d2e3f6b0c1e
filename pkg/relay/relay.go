// Package relay moves packets between cores.  The cross-core hand-off is
// explicit message passing: each core owns a bounded channel of
// (packet, tag) tuples, the sender never blocks and never observes
// completion on the remote core.
package relay

import (
	"context"
	"sync"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"github.com/fastpath-net/fastpath/pkg/steering"
	log "github.com/sirupsen/logrus"
)

// Crossing is one packet in flight between cores.
type Crossing struct {
	Packet *packet.Packet
	Tag    packet.RelayTag
}

// DeliverFunc is invoked on the destination core's goroutine for each
// crossing.  The function owns the packet.
type DeliverFunc func(core steering.CoreID, c Crossing)

// Relay runs one receive goroutine per core, draining that core's channel.
type Relay struct {
	ctx    context.Context
	queues map[steering.CoreID]chan Crossing
	wg     sync.WaitGroup
}

// New starts a relay over the cores of the topology.  Each core's channel
// holds at most depth crossings; a full channel drops the packet, since the
// hand-off is best effort and the sender must not block.
func New(ctx context.Context, topo *steering.Topology, depth int, deliver DeliverFunc) *Relay {
	if depth <= 0 {
		depth = 4096
	}
	r := &Relay{ctx: ctx, queues: make(map[steering.CoreID]chan Crossing)}
	for _, core := range topo.CoreIDs() {
		q := make(chan Crossing, depth)
		r.queues[core] = q
		r.wg.Add(1)
		go func(core steering.CoreID, q chan Crossing) {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					// free anything still queued so no packet leaks
					r.sweep(q)
					return
				case c := <-q:
					deliver(core, c)
				}
			}
		}(core, q)
	}
	return r
}

// sweep frees everything still queued on one core's channel.
func (r *Relay) sweep(q chan Crossing) {
	for {
		select {
		case c := <-q:
			c.Packet.ClearRelayTag()
			c.Packet.Free(packet.DropPortDetached)
		default:
			return
		}
	}
}

// Steer stashes the relay tag on the packet and enqueues it for the target
// core.  Unknown targets and full channels drop the packet.
func (r *Relay) Steer(target steering.CoreID, pkt *packet.Packet, tag packet.RelayTag) {
	q, ok := r.queues[target]
	if !ok {
		log.Warnf("steering to unknown core %d", target)
		pkt.Free(packet.DropUnresolvedTarget)
		return
	}
	pkt.StashRelayTag(tag)
	select {
	case q <- Crossing{Packet: pkt, Tag: tag}:
		if r.ctx.Err() != nil {
			// the receive goroutine's final sweep may already have run;
			// sweep once more so a crossing enqueued during shutdown
			// still reaches a terminal action
			r.sweep(q)
		}
	default:
		pkt.ClearRelayTag()
		pkt.Free(packet.DropQueueFull)
	}
}

// Wait blocks until all per-core goroutines have exited.  Call after
// cancelling the context the relay was started with.
func (r *Relay) Wait() {
	r.wg.Wait()
}
