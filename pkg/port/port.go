// Package port implements the per-interface data plane: the capability set
// the router core drives an interface through, the bounded ingress queue,
// and the budget-bounded poll task that feeds receive aggregation.
package port

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fastpath-net/fastpath/pkg/gro"
	"github.com/fastpath-net/fastpath/pkg/packet"
	"github.com/fastpath-net/fastpath/pkg/segment"
)

// Kind is the static type of a port.
type Kind uint8

const (
	KindPhysical Kind = iota
	KindVirtual
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindVirtual:
		return "virtual"
	case KindHost:
		return "host"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// DeliveryOutcome reports what happened to a received packet.
type DeliveryOutcome uint8

const (
	// Delivered means the packet was handed upstream synchronously.
	Delivered DeliveryOutcome = iota
	// Queued means the packet waits in the aggregation queue.
	Queued
	// Steered means the packet was relayed to another core.
	Steered
	// Dropped means the packet was freed; the drop reason was counted.
	Dropped
)

// Port is the capability set of one interface.  Implementations are selected
// by static kind, not by runtime hook registration.
type Port interface {
	// Transmit sends one packet out the port's link.
	Transmit(*packet.Packet) error
	// Receive accepts one packet arriving on the port.
	Receive(*packet.Packet) DeliveryOutcome
	// Poll processes up to budget queued packets through aggregation and
	// reports how many were handled and whether work remains.
	Poll(budget int) (int, bool)
	// Attach arms the port: the queue accepts packets and the poll task is
	// registered with the scheduler.
	Attach() error
	// Detach stops new enqueues, deregisters the poll task, frees all
	// queued packets, and releases the port, in that order.
	Detach()
	Kind() Kind
	Index() uint32
	Stats() *Stats
}

// Config carries the pieces shared by all port kinds.
type Config struct {
	Index  uint32
	Device segment.Device
	// Upstream is the router dispatch for packets leaving the receive path.
	Upstream func(*packet.Packet)
	// QueueDepth bounds the ingress queue; 0 selects DefaultQueueDepth.
	QueueDepth int
	// PollBudget bounds one poll invocation; 0 selects DefaultPollBudget.
	PollBudget int
}

const (
	// DefaultQueueDepth bounds the ingress queue.  The upstream design left
	// this queue unbounded; a bound with an explicit drop-newest policy is
	// required here so a stalled poll task cannot hold unlimited memory.
	DefaultQueueDepth = 1024

	// DefaultPollBudget is the per-invocation work budget of the poll task.
	DefaultPollBudget = 64
)

type base struct {
	index    uint32
	kind     Kind
	dev      segment.Device
	egress   *segment.Egress
	upstream func(*packet.Packet)

	budget int
	queue  chan *packet.Packet
	agg    *gro.Aggregator

	accepting atomic.Bool
	pollMu    sync.Mutex

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stats Stats
}

func newBase(kind Kind, cfg Config, fragments bool) base {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	budget := cfg.PollBudget
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	b := base{
		index:    cfg.Index,
		kind:     kind,
		dev:      cfg.Device,
		egress:   segment.NewEgress(cfg.Device, fragments),
		upstream: cfg.Upstream,
		budget:   budget,
		queue:    make(chan *packet.Packet, depth),
		notify:   make(chan struct{}, 1),
	}
	b.agg = gro.New(b.deliverUpstream)
	return b
}

func (b *base) Kind() Kind    { return b.kind }
func (b *base) Index() uint32 { return b.index }
func (b *base) Stats() *Stats { return &b.stats }
func (b *base) MTU() int      { return b.dev.MTU() }

// Attach arms the queue and registers the poll task.
func (b *base) Attach() error {
	if b.accepting.Load() {
		return fmt.Errorf("port %d already attached", b.index)
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.pollLoop()
	b.accepting.Store(true)
	return nil
}

// Detach tears the port down.  The order matters: first refuse new
// enqueues, then stop the poll task, then drain, so the task can never run
// against a queue being freed.
func (b *base) Detach() {
	if !b.accepting.Swap(false) {
		return
	}
	close(b.stop)
	<-b.done
	for {
		select {
		case pkt := <-b.queue:
			pkt.Free(packet.DropPortDetached)
			b.stats.RxDetachedDrops.Add(1)
		default:
			b.agg.Discard()
			return
		}
	}
}

// enqueue puts a packet on the bounded ingress queue.  Any stale cross-core
// tag is cleared first so a hand-off from an earlier steering configuration
// cannot be misread after it sat in the queue.
func (b *base) enqueue(pkt *packet.Packet) DeliveryOutcome {
	pkt.ClearRelayTag()
	if !b.accepting.Load() {
		pkt.Free(packet.DropPortDetached)
		b.stats.RxDetachedDrops.Add(1)
		return Dropped
	}
	select {
	case b.queue <- pkt:
		if !b.accepting.Load() {
			// Detach finished its drain between the check above and the
			// send; back the packet out so the queue is empty once
			// Detach has returned
			b.sweepDetached()
			return Dropped
		}
		b.kick()
		return Queued
	default:
		// drop-newest: the queued FIFO contents stay intact
		pkt.Free(packet.DropQueueFull)
		b.stats.RxQueueDrops.Add(1)
		return Dropped
	}
}

// sweepDetached frees one queued packet on behalf of an enqueue that lost
// the race with Detach's drain.  The losing enqueuer's packet may already
// have been drained by Detach itself, in which case there is nothing to do.
func (b *base) sweepDetached() {
	select {
	case pkt := <-b.queue:
		pkt.Free(packet.DropPortDetached)
		b.stats.RxDetachedDrops.Add(1)
	default:
	}
}

// kick schedules a poll task run.
func (b *base) kick() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Poll dequeues up to budget packets, submits each to aggregation, and
// reports whether work remains.  When the queue drains within the budget the
// aggregator is flushed, mirroring poll completion.
func (b *base) Poll(budget int) (int, bool) {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()
	n := 0
	for n < budget {
		select {
		case pkt := <-b.queue:
			b.agg.Receive(pkt)
			n++
		default:
			b.agg.Flush()
			return n, false
		}
	}
	return n, true
}

// pollLoop is the scheduler side of the poll contract: it re-invokes Poll
// while work remains and sleeps until the next enqueue otherwise.
func (b *base) pollLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case <-b.notify:
			for {
				if _, more := b.Poll(b.budget); !more {
					break
				}
				select {
				case <-b.stop:
					return
				default:
				}
			}
		}
	}
}

// deliverUpstream hands an aggregated packet to the router dispatch.
func (b *base) deliverUpstream(pkt *packet.Packet) {
	if b.upstream == nil {
		pkt.Free(packet.DropMisc)
		return
	}
	b.stats.RxPackets.Add(1)
	b.stats.RxBytes.Add(uint64(pkt.Len()))
	b.upstream(pkt)
}

// sendStats wraps a device send with transmit accounting.
func (b *base) send(pkt *packet.Packet) error {
	n := uint64(pkt.Len())
	if err := b.dev.Send(pkt); err != nil {
		return err
	}
	b.stats.TxPackets.Add(1)
	b.stats.TxBytes.Add(n)
	return nil
}
