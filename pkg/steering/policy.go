package steering

import "fmt"

// Mode selects where in the receive path core steering happens.  This
// replaces the process-wide toggles of older designs: the policy value is
// passed explicitly into the ingress entry points.
type Mode uint8

const (
	// ModeNone disables receive steering.
	ModeNone Mode = iota
	// ModePreDispatchSteer relays the packet to another core before the
	// aggregation queue, with no previous-core exclusion.
	ModePreDispatchSteer
	// ModePostDispatchSteer relays the packet on arrival and then a
	// second time on the receiving core, excluding the core that did the
	// dispatch work from the second selection.
	ModePostDispatchSteer
	// ModePhysicalIngressSteer relays immediately on arrival from a
	// physical port, before any dispatch work.
	ModePhysicalIngressSteer
)

var modeNames = map[Mode]string{
	ModeNone:                 "none",
	ModePreDispatchSteer:     "pre-dispatch",
	ModePostDispatchSteer:    "post-dispatch",
	ModePhysicalIngressSteer: "physical-ingress",
}

func (m Mode) String() string {
	s, ok := modeNames[m]
	if !ok {
		return fmt.Sprintf("mode(%d)", m)
	}
	return s
}

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("unknown steering mode %q", s)
}

// Policy is the explicit steering configuration for one dataplane.
type Policy struct {
	Mode Mode
	// PinnedCore, when not NoCore, overrides hash-based selection and sends
	// every steered packet to one fixed core.
	PinnedCore CoreID
}

// DefaultPolicy returns a policy with steering disabled.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeNone, PinnedCore: NoCore}
}

// Target picks the destination core for one packet under this policy.
func (p Policy) Target(t *Topology, flowHash uint32, current, previous CoreID) CoreID {
	if p.PinnedCore != NoCore && t.Contains(p.PinnedCore) {
		return p.PinnedCore
	}
	return t.SelectCore(flowHash, current, previous)
}
