package segment

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// memDevice collects transmitted packets for inspection.
type memDevice struct {
	mtu    int
	hdr    int
	sent   []*packet.Packet
	failAt int // send index that fails, -1 for none
}

func newMemDevice(mtu, hdr int) *memDevice {
	return &memDevice{mtu: mtu, hdr: hdr, failAt: -1}
}

func (d *memDevice) MTU() int       { return d.mtu }
func (d *memDevice) HeaderLen() int { return d.hdr }

func (d *memDevice) Send(pkt *packet.Packet) error {
	if d.failAt == len(d.sent) {
		pkt.Free(packet.DropMisc)
		return errors.New("device send failed")
	}
	d.sent = append(d.sent, pkt)
	return nil
}

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

// buildUDPFrame serializes an Ethernet+IPv4+UDP frame with a patterned
// payload of the given length.
func buildUDPFrame(t *testing.T, id uint16, payloadLen int) []byte {
	t.Helper()
	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       id,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := layers.UDP{SrcPort: 4789, DstPort: 4789}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func framePacket(frame []byte) *packet.Packet {
	pkt := packet.FromFrame(64, frame)
	pkt.SetNetworkOffset(pkt.DataOffset() + etherHLen)
	pkt.Type = packet.TypeIP
	return pkt
}

// parseIPv4 decodes one transmitted frame's IPv4 layer.
func parseIPv4(t *testing.T, frame []byte) *layers.IPv4 {
	t.Helper()
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	ipLayer := p.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		t.Fatalf("frame has no IPv4 layer: %v", p.ErrorLayer())
	}
	return ipLayer.(*layers.IPv4)
}

func checkIPChecksum(t *testing.T, frame []byte) {
	t.Helper()
	ih := header.IPv4(frame[etherHLen:])
	if ih.CalculateChecksum() != 0xffff {
		t.Fatalf("IP header checksum does not verify: %#x", ih.Checksum())
	}
}

func TestFragmentWorkedExample(t *testing.T) {
	// MTU 1500 and a 20-byte header leave 1480 bytes, rounded down to 1464;
	// a 3200-byte payload yields fragments of 1464, 1464, and 272
	dev := newMemDevice(1500, 14)
	e := NewEgress(dev, true)
	frame := buildUDPFrame(t, 0x42, 3192) // +8 UDP header = 3200 IP payload
	orig := parseIPv4(t, frame)
	origPayload := append([]byte(nil), orig.Payload...)

	pkt := framePacket(frame)
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	if !pkt.Freed() {
		t.Fatal("original packet not consumed")
	}
	if len(dev.sent) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(dev.sent))
	}

	wantLens := []int{1464, 1464, 272}
	wantOffsets := []int{0, 1464, 2928}
	var reassembled []byte
	for i, seg := range dev.sent {
		b := seg.Bytes()
		if len(b) > dev.mtu+dev.hdr {
			t.Fatalf("fragment %d is %d bytes, over the link limit", i, len(b))
		}
		ip := parseIPv4(t, b)
		if got := len(ip.Payload); got != wantLens[i] {
			t.Fatalf("fragment %d payload %d, want %d", i, got, wantLens[i])
		}
		offset := int(ip.FragOffset) * 8
		if offset != wantOffsets[i] {
			t.Fatalf("fragment %d offset %d, want %d", i, offset, wantOffsets[i])
		}
		if offset%8 != 0 {
			t.Fatalf("fragment %d offset %d not a multiple of 8", i, offset)
		}
		more := ip.Flags&layers.IPv4MoreFragments != 0
		if want := i < 2; more != want {
			t.Fatalf("fragment %d more-fragments = %v", i, more)
		}
		if ip.Id != 0x42 {
			t.Fatalf("fragment %d has id %#x, want shared id 0x42", i, ip.Id)
		}
		checkIPChecksum(t, b)
		reassembled = append(reassembled, ip.Payload...)
	}
	if string(reassembled) != string(origPayload) {
		t.Fatal("reassembled payload differs from original")
	}
}

func TestFragmentTailRedistribution(t *testing.T) {
	// 1496 payload bytes would leave a 32-byte tail at full fragment size;
	// the fragment size steps down so the tail is at least 64 bytes
	dev := newMemDevice(1500, 14)
	e := NewEgress(dev, true)
	pkt := framePacket(buildUDPFrame(t, 7, 1488))
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	if len(dev.sent) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(dev.sent))
	}
	for i, seg := range dev.sent {
		ip := parseIPv4(t, seg.Bytes())
		if len(ip.Payload) < 64 {
			t.Fatalf("fragment %d payload %d bytes, undersized", i, len(ip.Payload))
		}
	}
	first := parseIPv4(t, dev.sent[0].Bytes())
	if len(first.Payload)%8 != 0 {
		t.Fatalf("non-final fragment payload %d not a multiple of 8", len(first.Payload))
	}
}

func TestFragmentPreservesExistingOffset(t *testing.T) {
	// fragmenting a middle fragment keeps more-fragments on the last piece
	// and accumulates offsets from the original's
	dev := newMemDevice(1500, 14)
	e := NewEgress(dev, true)
	frame := buildUDPFrame(t, 9, 2992) // 3000-byte IP payload
	ih := header.IPv4(frame[etherHLen:])
	ih.SetFlagsFragmentOffset(header.IPv4FlagMoreFragments, 1600)
	ih.SetChecksum(0)
	ih.SetChecksum(^ih.CalculateChecksum())

	pkt := framePacket(frame)
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	if len(dev.sent) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(dev.sent))
	}
	last := parseIPv4(t, dev.sent[len(dev.sent)-1].Bytes())
	if last.Flags&layers.IPv4MoreFragments == 0 {
		t.Fatal("last fragment of a middle fragment must keep more-fragments")
	}
	firstFrag := parseIPv4(t, dev.sent[0].Bytes())
	if int(firstFrag.FragOffset)*8 != 1600 {
		t.Fatalf("first fragment offset %d, want 1600", int(firstFrag.FragOffset)*8)
	}
}

func TestOversizedNonIPv4Dropped(t *testing.T) {
	packet.ResetDropCounts()
	dev := newMemDevice(100, 14)
	e := NewEgress(dev, true)
	frame := make([]byte, 200)
	frame[12] = 0x86 // IPv6 ethertype
	frame[13] = 0xdd
	pkt := packet.FromFrame(0, frame)
	if err := e.Transmit(pkt); err == nil {
		t.Fatal("expected error for oversized non-IPv4 frame")
	}
	if !pkt.Freed() {
		t.Fatal("packet not freed")
	}
	if packet.DropCount(packet.DropInvalidPacket) != 1 {
		t.Fatal("invalid-packet drop not counted")
	}
	if len(dev.sent) != 0 {
		t.Fatal("nothing should have been sent")
	}
}

func TestNonFragmentingLinkSendsAsIs(t *testing.T) {
	dev := newMemDevice(100, 14)
	e := NewEgress(dev, false)
	frame := buildUDPFrame(t, 1, 500)
	pkt := framePacket(frame)
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	if len(dev.sent) != 1 || dev.sent[0].Len() != len(frame) {
		t.Fatal("frame should have been sent unmodified")
	}
}

func TestTransmitBatchAbort(t *testing.T) {
	packet.ResetDropCounts()
	dev := newMemDevice(1500, 14)
	dev.failAt = 1
	e := NewEgress(dev, true)
	pkt := framePacket(buildUDPFrame(t, 5, 3192))
	if err := e.Transmit(pkt); err == nil {
		t.Fatal("expected batch error")
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected 1 fragment out before the failure, got %d", len(dev.sent))
	}
	if packet.DropCount(packet.DropBatchAbort) != 1 {
		t.Fatalf("expected 1 batch-abort drop, got %d", packet.DropCount(packet.DropBatchAbort))
	}
}

// buildTunnelFrame serializes an Ethernet frame carrying an outer
// IPv4+UDP tunnel header and an opaque inner payload.
func buildTunnelFrame(t *testing.T, innerLen int) []byte {
	t.Helper()
	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 1, 1},
		DstIP:    net.IP{192, 168, 1, 2},
	}
	udp := layers.UDP{SrcPort: 49152, DstPort: 4789}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatal(err)
	}
	inner := make([]byte, innerLen)
	for i := range inner {
		inner[i] = byte(0x80 + i)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(inner)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFinalizeUDPTunnel(t *testing.T) {
	dev := newMemDevice(1500, 14)
	e := NewEgress(dev, true)
	frame := buildTunnelFrame(t, 200)
	pkt := packet.FromFrame(64, frame)
	// for tunnel packets the network offset names the inner header; the
	// finalizer locates the outer header itself
	pkt.SetNetworkOffset(pkt.DataOffset() + etherHLen + 28)
	pkt.Type = packet.TypeTunnelIP
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(dev.sent))
	}
	out := dev.sent[0]
	b := out.Bytes()
	ih := header.IPv4(b[etherHLen:])
	if int(ih.TotalLength()) != len(b)-etherHLen {
		t.Fatalf("outer total length %d, want %d", ih.TotalLength(), len(b)-etherHLen)
	}
	checkIPChecksum(t, b)
	udp := header.UDP(b[etherHLen+20:])
	if int(udp.Length()) != len(b)-etherHLen-20 {
		t.Fatalf("outer UDP length %d, want %d", udp.Length(), len(b)-etherHLen-20)
	}
	if out.Flags&packet.FlagChecksumPartial == 0 {
		t.Fatal("UDP tunnel should leave the transport checksum deferred")
	}
	start, fieldOff := out.PartialChecksum()
	if start != out.DataOffset()+etherHLen+20 || fieldOff != udpChecksumOffset {
		t.Fatalf("partial checksum records (%d,%d)", start, fieldOff)
	}
	// the field must hold exactly the pseudo-header sum
	want := pseudoHeaderChecksum(ih, uint8(header.UDPProtocolNumber), udp.Length())
	if udp.Checksum() != want {
		t.Fatalf("checksum seed %#x, want pseudo-header sum %#x", udp.Checksum(), want)
	}

	// resolving the deferred checksum must produce a verifiable datagram
	if err := checksumHelp(out); err != nil {
		t.Fatal(err)
	}
	if out.Flags&packet.FlagChecksumPartial != 0 {
		t.Fatal("flag not cleared by checksum help")
	}
	pseudo := checksum.Checksum(ih[12:20], 0)
	pseudo = checksum.Checksum([]byte{0, uint8(header.UDPProtocolNumber), byte(udp.Length() >> 8), byte(udp.Length())}, pseudo)
	if checksum.Checksum(b[etherHLen+20:], pseudo) != 0xffff {
		t.Fatal("resolved UDP checksum does not verify")
	}
}

func TestFinalizeGRETunnel(t *testing.T) {
	dev := newMemDevice(1500, 14)
	e := NewEgress(dev, true)
	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolGRE,
		SrcIP:    net.IP{192, 168, 1, 1},
		DstIP:    net.IP{192, 168, 1, 2},
	}
	gre := layers.GRE{Protocol: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &gre, gopacket.Payload(make([]byte, 128))); err != nil {
		t.Fatal(err)
	}
	pkt := packet.FromFrame(64, buf.Bytes())
	pkt.SetNetworkOffset(pkt.DataOffset() + etherHLen + 24)
	pkt.Type = packet.TypeTunnelIP
	if err := e.Transmit(pkt); err != nil {
		t.Fatal(err)
	}
	out := dev.sent[0]
	checkIPChecksum(t, out.Bytes())
	if out.Flags&packet.FlagChecksumPartial != 0 {
		t.Fatal("GRE tunnel must not defer a transport checksum")
	}
}
