//go:build linux

package port

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// PhysicalDevice backs a physical port with a raw AF_PACKET socket bound to
// a host network interface.  The MTU comes from netlink at open time.
type PhysicalDevice struct {
	name    string
	mtu     int
	ifindex int
	fd      int
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// NewPhysicalDevice opens a raw socket on the named interface.
func NewPhysicalDevice(name string) (*PhysicalDevice, error) {
	nl, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("error accessing netlink for device %s: %s", name, err)
	}
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("error opening raw socket: %s", err)
	}
	err = unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  nl.Attrs().Index,
	})
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("error binding raw socket to %s: %s", name, err)
	}
	return &PhysicalDevice{
		name:    name,
		mtu:     nl.Attrs().MTU,
		ifindex: nl.Attrs().Index,
		fd:      fd,
	}, nil
}

func (d *PhysicalDevice) Name() string { return d.name }
func (d *PhysicalDevice) MTU() int     { return d.mtu }

// HeaderLen is the Ethernet header length; frames on the socket carry it.
func (d *PhysicalDevice) HeaderLen() int { return 14 }

// Send writes one frame to the wire.
func (d *PhysicalDevice) Send(pkt *packet.Packet) error {
	b := pkt.Bytes()
	n, err := unix.Write(d.fd, b)
	if err != nil {
		pkt.Free(packet.DropMisc)
		return fmt.Errorf("error writing to device %s: %s", d.name, err)
	}
	if n != len(b) {
		pkt.Free(packet.DropMisc)
		return fmt.Errorf("device %s only wrote %d bytes of %d", d.name, n, len(b))
	}
	pkt.Consume()
	return nil
}

// ReadPackets reads frames from the wire and hands them to deliver until
// ctx is canceled.
func (d *PhysicalDevice) ReadPackets(ctx context.Context, deliver func(*packet.Packet)) {
	go func() {
		<-ctx.Done()
		_ = unix.Close(d.fd)
	}()
	go func() {
		buf := make([]byte, d.mtu+d.HeaderLen())
		for {
			n, err := unix.Read(d.fd, buf)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Errorf("error reading from device %s: %s", d.name, err)
				return
			}
			deliver(packet.FromFrame(rxHeadroom, buf[:n]))
		}
	}()
}
