//go:build !linux

package port

import (
	"context"
	"fmt"

	"github.com/fastpath-net/fastpath/pkg/packet"
)

// PhysicalDevice is unavailable on non-Linux platforms.
type PhysicalDevice struct{}

func NewPhysicalDevice(name string) (*PhysicalDevice, error) {
	return nil, fmt.Errorf("raw sockets are only implemented on Linux")
}

func (d *PhysicalDevice) Name() string   { return "" }
func (d *PhysicalDevice) MTU() int       { return 0 }
func (d *PhysicalDevice) HeaderLen() int { return 0 }

func (d *PhysicalDevice) Send(pkt *packet.Packet) error {
	pkt.Free(packet.DropMisc)
	return fmt.Errorf("raw sockets are only implemented on Linux")
}

func (d *PhysicalDevice) ReadPackets(_ context.Context, _ func(*packet.Packet)) {}
