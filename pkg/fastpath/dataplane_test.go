package fastpath

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"github.com/fastpath-net/fastpath/pkg/port"
	"github.com/fastpath-net/fastpath/pkg/relay"
	"github.com/fastpath-net/fastpath/pkg/steering"
)

type sink struct {
	mu   sync.Mutex
	pkts []*packet.Packet
}

func (s *sink) deliver(pkt *packet.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pkts = append(s.pkts, pkt)
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pkts)
}

func (s *sink) first() *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkts[0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testPacket(mark byte) *packet.Packet {
	return packet.FromFrame(16, []byte{mark, 0, 0, 0})
}

func TestPortIndicesStartAtOne(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{Topology: steering.Uniform(1, 2, 1)})
	defer d.Close()

	p1, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), nil)
	if err != nil {
		t.Fatal(err)
	}
	if p1.Index() != 1 || p2.Index() != 2 {
		t.Fatalf("indices %d,%d; index 0 is reserved", p1.Index(), p2.Index())
	}
	if err := d.RemovePort(p1.Index()); err != nil {
		t.Fatal(err)
	}
	if err := d.RemovePort(p1.Index()); err == nil {
		t.Fatal("second remove must fail")
	}
	if _, ok := d.Port(p1.Index()); ok {
		t.Fatal("removed port still resolvable")
	}
}

func TestTransmitUnknownPort(t *testing.T) {
	defer goleak.VerifyNone(t)
	packet.ResetDropCounts()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{Topology: steering.Uniform(1, 2, 1)})
	defer d.Close()

	pkt := testPacket(1)
	if err := d.Transmit(42, pkt); err == nil {
		t.Fatal("expected error for unknown port")
	}
	if !pkt.Freed() {
		t.Fatal("packet not freed")
	}
	if packet.DropCount(packet.DropUnresolvedTarget) != 1 {
		t.Fatal("drop not counted")
	}
}

func TestReceiveWithoutSteeringQueues(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{Topology: steering.Uniform(1, 2, 1)})
	defer d.Close()

	s := &sink{}
	p, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), s.deliver)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Receive(p.Index(), 0, testPacket(1)); got != port.Queued {
		t.Fatalf("outcome %v", got)
	}
	waitFor(t, func() bool { return s.count() == 1 })
}

func TestPhysicalIngressSteering(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topo := steering.Uniform(1, 4, 1)
	d := New(ctx, Config{
		Topology: topo,
		Policy:   steering.Policy{Mode: steering.ModePhysicalIngressSteer, PinnedCore: 2},
	})
	defer d.Close()

	s := &sink{}
	p, err := d.AddPort(port.KindPhysical, port.NewNullDevice(1500, 14), s.deliver)
	if err != nil {
		t.Fatal(err)
	}
	pkt := testPacket(1)
	pkt.FlowHash = 0xdeadbeef
	if got := d.Receive(p.Index(), 0, pkt); got != port.Steered {
		t.Fatalf("outcome %v, want steered", got)
	}
	waitFor(t, func() bool { return s.count() == 1 })
	if s.first().PreviousCore() != 0 {
		t.Fatalf("previous core %d, want the steering origin 0", s.first().PreviousCore())
	}

	// a packet that already crossed cores is not steered again
	again := testPacket(2)
	again.SetPreviousCore(0)
	if got := d.Receive(p.Index(), 2, again); got != port.Queued {
		t.Fatalf("re-steered an already relayed packet: %v", got)
	}
}

func TestPostDispatchSecondHop(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{
		Topology: steering.Uniform(1, 3, 1),
		Policy:   steering.Policy{Mode: steering.ModePostDispatchSteer, PinnedCore: steering.NoCore},
	})
	defer d.Close()

	s := &sink{}
	p, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), s.deliver)
	if err != nil {
		t.Fatal(err)
	}
	pkt := testPacket(1)
	pkt.FlowHash = 0x80000000
	if got := d.Receive(p.Index(), 0, pkt); got != port.Steered {
		t.Fatalf("outcome %v, want steered", got)
	}
	waitFor(t, func() bool { return s.count() == 1 })
	// ingress on core 0 relays to core 2 by hash; the second hop excludes
	// both the dispatch core and the ingress core, landing on core 1 with
	// the dispatch core recorded as previous
	if prev := s.first().PreviousCore(); prev != 2 {
		t.Fatalf("previous core %d, want the first-hop core 2", prev)
	}
}

func TestSteeringSkipsWhenTargetIsCurrent(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{
		Topology: steering.Uniform(1, 4, 1),
		Policy:   steering.Policy{Mode: steering.ModePreDispatchSteer, PinnedCore: 2},
	})
	defer d.Close()

	s := &sink{}
	p, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), s.deliver)
	if err != nil {
		t.Fatal(err)
	}
	// already on the pinned core: no relay hop
	if got := d.Receive(p.Index(), 2, testPacket(1)); got != port.Queued {
		t.Fatalf("outcome %v, want direct queue", got)
	}
}

func TestUnpinnedCallerDisablesSteering(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{
		Topology: steering.Uniform(1, 4, 1),
		Policy:   steering.Policy{Mode: steering.ModePreDispatchSteer, PinnedCore: 2},
	})
	defer d.Close()

	s := &sink{}
	p, err := d.AddPort(port.KindVirtual, port.NewNullDevice(1500, 14), s.deliver)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Receive(p.Index(), steering.NoCore, testPacket(1)); got != port.Queued {
		t.Fatalf("outcome %v, want direct queue", got)
	}
}

func TestRelayTagValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	packet.ResetDropCounts()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{Topology: steering.Uniform(1, 2, 1)})
	defer d.Close()

	// no tag at all
	d.relayDeliver(0, relay.Crossing{Packet: testPacket(1)})
	if packet.DropCount(packet.DropStaleRelayTag) != 1 {
		t.Fatal("missing tag not counted as stale")
	}

	// the reserved zero port index marks a cleared tag
	pkt := testPacket(2)
	pkt.StashRelayTag(packet.RelayTag{Router: d.ID(), Port: 0})
	d.relayDeliver(0, relay.Crossing{Packet: pkt})
	if packet.DropCount(packet.DropStaleRelayTag) != 2 {
		t.Fatal("zero-port tag not counted as stale")
	}

	// a tag from another router instance
	pkt = testPacket(3)
	pkt.StashRelayTag(packet.RelayTag{Router: uuid.New(), Port: 1})
	d.relayDeliver(0, relay.Crossing{Packet: pkt})
	if packet.DropCount(packet.DropUnresolvedTarget) != 1 {
		t.Fatal("foreign tag not counted")
	}

	// a tag naming a port that no longer exists
	pkt = testPacket(4)
	pkt.StashRelayTag(packet.RelayTag{Router: d.ID(), Port: 9})
	d.relayDeliver(0, relay.Crossing{Packet: pkt})
	if packet.DropCount(packet.DropUnresolvedTarget) != 2 {
		t.Fatal("unknown-port tag not counted")
	}
}

func TestPolicySwap(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := New(ctx, Config{Topology: steering.Uniform(1, 2, 1)})
	defer d.Close()

	if d.Policy().Mode != steering.ModeNone {
		t.Fatal("default policy should disable steering")
	}
	d.SetPolicy(steering.Policy{Mode: steering.ModePostDispatchSteer, PinnedCore: steering.NoCore})
	if d.Policy().Mode != steering.ModePostDispatchSteer {
		t.Fatal("policy swap not visible")
	}
}
