// Package fastpath assembles the data plane: the port registry, the
// cross-core relay, and the steering policy that decides which core's poll
// task processes each received packet.
package fastpath

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"github.com/fastpath-net/fastpath/pkg/port"
	"github.com/fastpath-net/fastpath/pkg/relay"
	"github.com/fastpath-net/fastpath/pkg/segment"
	"github.com/fastpath-net/fastpath/pkg/steering"
	"github.com/fastpath-net/fastpath/pkg/x/syncro"
)

// Config carries the construction parameters of a dataplane.
type Config struct {
	// Topology describes the cores available for steering.  Nil selects a
	// single-node topology over all CPUs with no hyperthread pairing.
	Topology *steering.Topology
	// Policy is the initial steering policy.
	Policy steering.Policy
	// RelayQueueDepth bounds each core's relay channel; 0 selects the
	// relay default.
	RelayQueueDepth int
	// PortQueueDepth and PollBudget are passed through to every port; 0
	// selects the port defaults.
	PortQueueDepth int
	PollBudget     int
}

// Dataplane owns the ports of one router instance.  Port indices are
// assigned from 1; index 0 is reserved so a zero-valued relay tag can never
// name a real port.
type Dataplane struct {
	id     uuid.UUID
	topo   *steering.Topology
	policy syncro.Var[steering.Policy]
	ports  syncro.Map[uint32, port.Port]
	relay  *relay.Relay

	nextIndex atomic.Uint32

	queueDepth int
	pollBudget int

	cancel context.CancelFunc
}

// New constructs a dataplane and starts its cross-core relay.
func New(ctx context.Context, cfg Config) *Dataplane {
	topo := cfg.Topology
	if topo == nil {
		topo = steering.Uniform(1, runtime.NumCPU(), 1)
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Dataplane{
		id:         uuid.New(),
		topo:       topo,
		queueDepth: cfg.PortQueueDepth,
		pollBudget: cfg.PollBudget,
		cancel:     cancel,
	}
	d.policy.Set(cfg.Policy)
	d.relay = relay.New(ctx, topo, cfg.RelayQueueDepth, d.relayDeliver)
	return d
}

// ID returns the router instance identity carried in relay tags.
func (d *Dataplane) ID() uuid.UUID { return d.id }

// Topology returns the core topology the dataplane steers over.
func (d *Dataplane) Topology() *steering.Topology { return d.topo }

// Policy returns the current steering policy.
func (d *Dataplane) Policy() steering.Policy { return d.policy.Get() }

// SetPolicy replaces the steering policy.  Packets already relayed under
// the old policy are still delivered.
func (d *Dataplane) SetPolicy(p steering.Policy) { d.policy.Set(p) }

// AddPort creates a port of the given kind over dev, attaches it, and
// registers it.  Received packets that survive aggregation are handed to
// upstream.
func (d *Dataplane) AddPort(kind port.Kind, dev segment.Device, upstream func(*packet.Packet)) (port.Port, error) {
	idx := d.nextIndex.Add(1)
	cfg := port.Config{
		Index:      idx,
		Device:     dev,
		Upstream:   upstream,
		QueueDepth: d.queueDepth,
		PollBudget: d.pollBudget,
	}
	var p port.Port
	switch kind {
	case port.KindPhysical:
		p = port.NewPhysical(cfg)
	case port.KindVirtual:
		p = port.NewVirtual(cfg)
	case port.KindHost:
		p = port.NewHost(cfg)
	default:
		return nil, fmt.Errorf("unknown port kind %d", kind)
	}
	if err := p.Attach(); err != nil {
		return nil, err
	}
	if err := d.ports.Create(idx, p); err != nil {
		p.Detach()
		return nil, err
	}
	return p, nil
}

// RemovePort detaches and drops a port.  Packets still referencing the port
// through relay tags are dropped on delivery.
func (d *Dataplane) RemovePort(index uint32) error {
	p, ok := d.ports.GetAndDelete(index)
	if !ok {
		return fmt.Errorf("no port with index %d", index)
	}
	p.Detach()
	return nil
}

// Port looks up a registered port by index.
func (d *Dataplane) Port(index uint32) (port.Port, bool) {
	return d.ports.Get(index)
}

// Transmit sends a packet out the indexed port.
func (d *Dataplane) Transmit(index uint32, pkt *packet.Packet) error {
	p, ok := d.ports.Get(index)
	if !ok {
		pkt.Free(packet.DropUnresolvedTarget)
		return packet.ErrUnresolvedTarget
	}
	return p.Transmit(pkt)
}

// Receive accepts a packet arriving on the indexed port, applying the
// steering policy.  current is the core the caller runs on, or
// packet.NoCore when the caller is not core-pinned, which disables
// steering for that packet.
func (d *Dataplane) Receive(index uint32, current steering.CoreID, pkt *packet.Packet) port.DeliveryOutcome {
	p, ok := d.ports.Get(index)
	if !ok {
		pkt.Free(packet.DropUnresolvedTarget)
		return port.Dropped
	}
	if current == steering.NoCore {
		return p.Receive(pkt)
	}
	pol := d.policy.Get()
	switch pol.Mode {
	case steering.ModePhysicalIngressSteer:
		// steer only on first arrival from the wire
		if p.Kind() == port.KindPhysical && pkt.PreviousCore() == packet.NoCore {
			return d.steer(pol, p, current, steering.NoCore, 1, pkt)
		}
	case steering.ModePreDispatchSteer:
		if pkt.PreviousCore() == packet.NoCore {
			return d.steer(pol, p, current, steering.NoCore, 1, pkt)
		}
	case steering.ModePostDispatchSteer:
		if pkt.PreviousCore() == packet.NoCore {
			return d.steer(pol, p, current, steering.NoCore, 1, pkt)
		}
	}
	return p.Receive(pkt)
}

// Poll runs the indexed port's poll task once with the given budget.
func (d *Dataplane) Poll(index uint32, budget int) (int, bool) {
	p, ok := d.ports.Get(index)
	if !ok {
		return 0, false
	}
	return p.Poll(budget)
}

// Close detaches every port and stops the relay.
func (d *Dataplane) Close() {
	d.ports.WorkWith(func(m *map[uint32]port.Port) {
		for idx, p := range *m {
			p.Detach()
			delete(*m, idx)
		}
	})
	d.cancel()
	d.relay.Wait()
}

// steer relays a packet to the core the policy selects.  When the policy
// lands on the current core the hand-off is skipped and the packet goes
// straight to the port.
func (d *Dataplane) steer(pol steering.Policy, p port.Port, current, previous steering.CoreID, hop int, pkt *packet.Packet) port.DeliveryOutcome {
	target := pol.Target(d.topo, pkt.FlowHash, current, previous)
	if target == steering.NoCore || target == current {
		return p.Receive(pkt)
	}
	d.relay.Steer(target, pkt, packet.RelayTag{
		Router: d.id,
		Port:   p.Index(),
		Core:   int(target),
		Origin: int(current),
		Hop:    hop,
	})
	return port.Steered
}

// relayDeliver runs on the destination core's relay goroutine.  The tag is
// consumed exactly once; a missing or foreign tag means the packet cannot
// be safely attributed to a port and is dropped.
func (d *Dataplane) relayDeliver(core steering.CoreID, c relay.Crossing) {
	pkt := c.Packet
	tag, ok := pkt.TakeRelayTag()
	if !ok || tag.Port == 0 {
		pkt.Free(packet.DropStaleRelayTag)
		return
	}
	if tag.Router != d.id {
		log.Warnf("relay tag for foreign router %s", tag.Router)
		pkt.Free(packet.DropUnresolvedTarget)
		return
	}
	p, ok := d.ports.Get(tag.Port)
	if !ok {
		pkt.Free(packet.DropUnresolvedTarget)
		return
	}
	pkt.SetPreviousCore(tag.Origin)
	// post-dispatch steering takes a second hop that excludes the core
	// which did the dispatch work; the hop count bounds the relaying so a
	// packet crosses cores at most twice
	if pol := d.policy.Get(); pol.Mode == steering.ModePostDispatchSteer && tag.Hop == 1 {
		d.steer(pol, p, core, steering.CoreID(tag.Origin), tag.Hop+1, pkt)
		return
	}
	p.Receive(pkt)
}
