// Package gro merges packets of the same TCP flow into fewer, larger ones
// before upstream delivery.  The aggregator is single-threaded by design: it
// is owned by one port's poll task and never shared across cores.
package gro

import (
	"encoding/binary"

	"github.com/fastpath-net/fastpath/pkg/packet"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	// maxHeldFlows bounds the number of flows with a packet in flight
	// inside the aggregator.
	maxHeldFlows = 64

	// maxMergedSize caps an aggregated packet at the IPv4 length limit.
	maxMergedSize = 0xffff

	tcpFlagFin = 0x01
	tcpFlagSyn = 0x02
	tcpFlagRst = 0x04
	tcpFlagPsh = 0x08
	tcpFlagUrg = 0x20
)

type flowKey struct {
	src, dst     [4]byte
	sport, dport uint16
}

// Aggregator holds at most one in-progress packet per flow and appends
// contiguous same-flow TCP payloads to it.  Anything unmergeable is passed
// through, and Flush delivers whatever is still held.
type Aggregator struct {
	deliver func(*packet.Packet)
	held    map[flowKey]*heldPacket
}

type heldPacket struct {
	pkt    *packet.Packet
	merged bool
}

// New returns an aggregator delivering upstream through the given function.
func New(deliver func(*packet.Packet)) *Aggregator {
	return &Aggregator{
		deliver: deliver,
		held:    make(map[flowKey]*heldPacket),
	}
}

// Receive submits one packet for aggregation.  The packet is either merged
// into a held packet of its flow, held itself, or delivered upstream.
func (a *Aggregator) Receive(pkt *packet.Packet) {
	key, ih, th, ok := a.classify(pkt)
	if !ok {
		a.deliver(pkt)
		return
	}

	// the total length field is wire input; a claim beyond the bytes
	// actually present, or too short to hold the TCP header, is a
	// malformed frame and must never reach the merge arithmetic
	if n := int(ih.TotalLength()); n > len(pkt.NetworkHeader()) || n < int(ih.HeaderLength())+header.TCPMinimumSize {
		pkt.Free(packet.DropInvalidHeader)
		return
	}

	flags := th[13]
	if flags&(tcpFlagSyn|tcpFlagRst|tcpFlagUrg) != 0 {
		a.passThrough(key, pkt)
		return
	}

	h, exists := a.held[key]
	if !exists {
		if len(a.held) >= maxHeldFlows {
			a.Flush()
		}
		a.held[key] = &heldPacket{pkt: pkt}
		return
	}

	if !a.merge(h, pkt, ih, th) {
		// out of order or too large: release the held packet, hold the new
		delete(a.held, key)
		a.send(h)
		a.held[key] = &heldPacket{pkt: pkt}
		return
	}
	if flags&(tcpFlagFin|tcpFlagPsh) != 0 {
		// stream boundary, stop aggregating this flow
		delete(a.held, key)
		a.send(h)
	}
}

// Flush delivers every held packet upstream.  The poll task calls this when
// its queue drains.
func (a *Aggregator) Flush() {
	for key, h := range a.held {
		delete(a.held, key)
		a.send(h)
	}
}

// Discard frees every held packet without delivering it.  Teardown uses
// this so nothing reaches upstream after a detach.
func (a *Aggregator) Discard() {
	for key, h := range a.held {
		delete(a.held, key)
		h.pkt.Free(packet.DropPortDetached)
	}
}

// classify parses the headers needed for aggregation.  ok is false for
// anything that cannot be merged: non-IPv4, fragments, non-TCP.
func (a *Aggregator) classify(pkt *packet.Packet) (flowKey, header.IPv4, []byte, bool) {
	var key flowKey
	ih, err := pkt.IPv4()
	if err != nil {
		return key, nil, nil, false
	}
	hlen := int(ih.HeaderLength())
	nb := pkt.NetworkHeader()
	if hlen < header.IPv4MinimumSize || len(nb) < hlen+header.TCPMinimumSize {
		return key, nil, nil, false
	}
	if ih.Protocol() != uint8(header.TCPProtocolNumber) {
		return key, nil, nil, false
	}
	if ih.Flags()&header.IPv4FlagMoreFragments != 0 || ih.FragmentOffset() != 0 {
		return key, nil, nil, false
	}
	th := nb[hlen:]
	copy(key.src[:], nb[12:16])
	copy(key.dst[:], nb[16:20])
	key.sport = binary.BigEndian.Uint16(th[0:2])
	key.dport = binary.BigEndian.Uint16(th[2:4])
	return key, ih, th, true
}

// passThrough delivers a packet immediately, first releasing any held packet
// of the same flow so per-flow order is preserved.
func (a *Aggregator) passThrough(key flowKey, pkt *packet.Packet) {
	if h, ok := a.held[key]; ok {
		delete(a.held, key)
		a.send(h)
	}
	pkt.Flags |= packet.FlagFlowResolved
	a.deliver(pkt)
}

// merge appends pkt's payload to the held packet if it is the next
// contiguous piece of the stream.  Returns false when the packets cannot be
// combined.
func (a *Aggregator) merge(h *heldPacket, pkt *packet.Packet, ih header.IPv4, th []byte) bool {
	heldIH, err := h.pkt.IPv4()
	if err != nil {
		return false
	}
	heldHlen := int(heldIH.HeaderLength())
	heldNb := h.pkt.NetworkHeader()
	heldTh := heldNb[heldHlen:]
	heldThl := int(heldTh[12]>>4) * 4
	heldPayload := int(heldIH.TotalLength()) - heldHlen - heldThl

	thl := int(th[12]>>4) * 4
	payloadLen := int(ih.TotalLength()) - int(ih.HeaderLength()) - thl
	if thl < header.TCPMinimumSize || payloadLen <= 0 {
		return false
	}
	if thl != heldThl {
		return false
	}

	heldSeq := binary.BigEndian.Uint32(heldTh[4:8])
	seq := binary.BigEndian.Uint32(th[4:8])
	if seq != heldSeq+uint32(heldPayload) {
		return false
	}
	if int(heldIH.TotalLength())+payloadLen > maxMergedSize {
		return false
	}

	payloadOff := int(ih.HeaderLength()) + thl
	nb := pkt.NetworkHeader()
	h.pkt.Append(nb[payloadOff : payloadOff+payloadLen])
	heldIH = mustIPv4(h.pkt)
	heldIH.SetTotalLength(uint16(int(heldIH.TotalLength()) + payloadLen))
	heldIH.SetChecksum(0)
	heldIH.SetChecksum(^heldIH.CalculateChecksum())

	// the merged packet represents the stream up to the newest piece
	heldNb = h.pkt.NetworkHeader()
	heldTh = heldNb[heldHlen:]
	copy(heldTh[8:12], th[8:12])   // ack
	copy(heldTh[14:16], th[14:16]) // window
	heldTh[13] |= th[13] & (tcpFlagFin | tcpFlagPsh)

	h.merged = true
	pkt.Consume()
	return true
}

// send releases one held packet upstream, reseeding the transport checksum
// when payloads were merged.
func (a *Aggregator) send(h *heldPacket) {
	pkt := h.pkt
	pkt.Flags |= packet.FlagFlowResolved
	if h.merged {
		pkt.Flags |= packet.FlagGRO
		ih := mustIPv4(pkt)
		hlen := int(ih.HeaderLength())
		nb := pkt.NetworkHeader()
		tcpLen := uint16(int(ih.TotalLength()) - hlen)
		binary.BigEndian.PutUint16(nb[hlen+16:], 0)
		seed := pseudoHeaderSum(ih, uint8(header.TCPProtocolNumber), tcpLen)
		binary.BigEndian.PutUint16(nb[hlen+16:], seed)
		_ = pkt.SetPartialChecksum(pkt.NetworkOffset()+hlen, 16)
	}
	a.deliver(pkt)
}

func mustIPv4(pkt *packet.Packet) header.IPv4 {
	ih, err := pkt.IPv4()
	if err != nil {
		panic(err) // caller already validated the header
	}
	return ih
}

func pseudoHeaderSum(ih header.IPv4, proto uint8, length uint16) uint16 {
	sum := checksum.Checksum(ih[12:20], 0)
	return checksum.Checksum([]byte{0, proto, byte(length >> 8), byte(length)}, sum)
}
