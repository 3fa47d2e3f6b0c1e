package steering

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// CoreID identifies one CPU core.
type CoreID int

// NoCore is the sentinel for "no core", used where a previous core is
// optional.
const NoCore CoreID = -1

// Core describes one CPU core's placement.
type Core struct {
	ID   CoreID
	Node int
	// Siblings lists the hyperthread siblings sharing this core's physical
	// execution resources, including the core itself.
	Siblings []CoreID
}

// Topology is an immutable view of the machine's core/NUMA layout.
type Topology struct {
	cores map[CoreID]Core
	ids   []CoreID
}

// NewTopology builds a topology from a list of cores.
func NewTopology(cores []Core) (*Topology, error) {
	t := &Topology{cores: make(map[CoreID]Core, len(cores))}
	for _, c := range cores {
		if _, ok := t.cores[c.ID]; ok {
			return nil, fmt.Errorf("duplicate core id %d", c.ID)
		}
		t.cores[c.ID] = c
		t.ids = append(t.ids, c.ID)
	}
	for _, c := range cores {
		for _, s := range c.Siblings {
			if _, ok := t.cores[s]; !ok {
				return nil, fmt.Errorf("core %d lists unknown sibling %d", c.ID, s)
			}
		}
	}
	// candidate enumeration order must be stable
	slices.Sort(t.ids)
	return t, nil
}

// Uniform builds a synthetic topology with the given number of NUMA nodes,
// physical cores per node, and hardware threads per physical core.  Core IDs
// are assigned sequentially, threads of one physical core adjacent.
func Uniform(nodes, physPerNode, threads int) *Topology {
	var cores []Core
	id := CoreID(0)
	for n := 0; n < nodes; n++ {
		for p := 0; p < physPerNode; p++ {
			sibs := make([]CoreID, threads)
			for i := range sibs {
				sibs[i] = id + CoreID(i)
			}
			for i := 0; i < threads; i++ {
				cores = append(cores, Core{ID: id, Node: n, Siblings: sibs})
				id++
			}
		}
	}
	t, err := NewTopology(cores)
	if err != nil {
		panic(err) // sequential IDs cannot collide
	}
	return t
}

// CoreIDs returns all core IDs in stable ascending order.
func (t *Topology) CoreIDs() []CoreID {
	return slices.Clone(t.ids)
}

// Contains reports whether the topology knows the given core.
func (t *Topology) Contains(c CoreID) bool {
	_, ok := t.cores[c]
	return ok
}

// NodeOf returns the NUMA node of a core.
func (t *Topology) NodeOf(c CoreID) (int, bool) {
	core, ok := t.cores[c]
	return core.Node, ok
}

// SelectCore maps a flow hash to a core for receive steering.  Candidates
// are the cores on the same NUMA node as current, excluding the hyperthread
// siblings of current and, when given, of previous.  The hash indexes the
// candidate set in stable ascending order, so a flow always lands on the
// same core.  With no candidates the packet stays on the current core.
func (t *Topology) SelectCore(flowHash uint32, current, previous CoreID) CoreID {
	cur, ok := t.cores[current]
	if !ok {
		return current
	}
	excluded := make(map[CoreID]struct{})
	excluded[current] = struct{}{}
	for _, s := range cur.Siblings {
		excluded[s] = struct{}{}
	}
	if previous != NoCore {
		if prev, ok := t.cores[previous]; ok {
			excluded[previous] = struct{}{}
			for _, s := range prev.Siblings {
				excluded[s] = struct{}{}
			}
		}
	}
	var candidates []CoreID
	for _, id := range t.ids {
		if t.cores[id].Node != cur.Node {
			continue
		}
		if _, ok := excluded[id]; ok {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return current
	}
	idx := int((uint64(flowHash) * uint64(len(candidates))) >> 32)
	return candidates[idx]
}
