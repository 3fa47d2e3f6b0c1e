//go:build linux

package port

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// TunDevice backs a host port with a Linux tun device.  Frames are raw IP
// with no link-layer header.
type TunDevice struct {
	name  string
	mtu   int
	tunIf *water.Interface
}

// NewTunDevice creates (or reuses) a tun device and brings it up.
func NewTunDevice(name string, mtu int) (*TunDevice, error) {
	persistTun := true
	_, err := netlink.LinkByName(name)
	if _, ok := err.(netlink.LinkNotFoundError); ok {
		persistTun = false
	} else if err != nil {
		return nil, fmt.Errorf("error accessing netlink for tun device: %s", err)
	}
	tunIf, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    name,
			Persist: persistTun,
		},
	})
	if err != nil {
		return nil, err
	}
	nl, err := netlink.LinkByName(tunIf.Name())
	if err != nil {
		return nil, fmt.Errorf("error accessing tun device: %s", err)
	}
	if mtu <= 0 {
		mtu = nl.Attrs().MTU
	} else if mtu != nl.Attrs().MTU {
		err = netlink.LinkSetMTU(nl, mtu)
		if err != nil {
			return nil, fmt.Errorf("error setting tun device MTU: %s", err)
		}
	}
	err = netlink.LinkSetUp(nl)
	if err != nil {
		return nil, fmt.Errorf("error activating tun device: %s", err)
	}
	return &TunDevice{
		name:  tunIf.Name(),
		mtu:   mtu,
		tunIf: tunIf,
	}, nil
}

func (d *TunDevice) Name() string   { return d.name }
func (d *TunDevice) MTU() int       { return d.mtu }
func (d *TunDevice) HeaderLen() int { return 0 }

// Send writes one frame to the tun device.
func (d *TunDevice) Send(pkt *packet.Packet) error {
	b := pkt.Bytes()
	n, err := d.tunIf.Write(b)
	if err != nil {
		pkt.Free(packet.DropMisc)
		return err
	}
	if n != len(b) {
		pkt.Free(packet.DropMisc)
		return fmt.Errorf("tun device only wrote %d bytes of %d", n, len(b))
	}
	pkt.Consume()
	return nil
}

// ReadPackets reads frames from the tun device and hands them to deliver
// until ctx is canceled.  The device is closed on cancellation to unblock
// the read.
func (d *TunDevice) ReadPackets(ctx context.Context, deliver func(*packet.Packet)) {
	go func() {
		<-ctx.Done()
		_ = d.tunIf.Close()
	}()
	go func() {
		buf := make([]byte, d.mtu)
		for {
			n, err := d.tunIf.Read(buf)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Errorf("error reading from tun device %s: %s", d.name, err)
				return
			}
			deliver(packet.FromFrame(rxHeadroom, buf[:n]))
		}
	}()
}
