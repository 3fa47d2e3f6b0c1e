//go:build !linux

package port

import (
	"context"
	"fmt"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// TunDevice is unavailable on non-Linux platforms.
type TunDevice struct{}

func NewTunDevice(name string, mtu int) (*TunDevice, error) {
	return nil, fmt.Errorf("tun devices are only implemented on Linux")
}

func (d *TunDevice) Name() string   { return "" }
func (d *TunDevice) MTU() int       { return 0 }
func (d *TunDevice) HeaderLen() int { return 0 }

func (d *TunDevice) Send(pkt *packet.Packet) error {
	pkt.Free(packet.DropMisc)
	return fmt.Errorf("tun devices are only implemented on Linux")
}

func (d *TunDevice) ReadPackets(_ context.Context, _ func(*packet.Packet)) {}
