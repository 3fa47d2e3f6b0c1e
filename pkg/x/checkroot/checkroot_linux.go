//go:build linux

package checkroot

import (
	"os"

	"github.com/syndtr/gocapability/capability"
)

// CheckNetAdmin reports whether the process holds CAP_NET_ADMIN, which raw
// sockets and tun devices require.
func CheckNetAdmin() bool {
	c, err := capability.NewPid2(0)
	if err != nil {
		return false
	}
	return c.Get(capability.EFFECTIVE, capability.CAP_NET_ADMIN)
}

// CheckRoot reports whether the process runs with an effective uid of root.
func CheckRoot() bool {
	return os.Geteuid() == 0
}
