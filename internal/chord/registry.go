package chord

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/avltree"
	"github.com/emirpasic/gods/utils"
)

// Registry owns every node of a simulation.
//
// The arena keeps every node ever added, including failed and departed
// ones, so references held by peers never dangle: they resolve to a record
// whose state says it is gone. The live tree holds current members ordered
// by id for ring-order queries.
type Registry struct {
	mu    sync.RWMutex
	arena map[NodeID]*Node
	live  *avltree.Tree
}

var nodeIDComparator utils.Comparator = func(a, b any) int {
	x, y := a.(NodeID), b.(NodeID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		arena: make(map[NodeID]*Node),
		live:  avltree.NewWith(nodeIDComparator),
	}
}

// Lookup resolves any node ever added, live or not. It implements Peers.
func (r *Registry) Lookup(id NodeID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.arena[id]
	return n, ok
}

// Add registers a live node. Ids are never reused.
func (r *Registry) Add(n *Node) error {
	if n == nil {
		return fmt.Errorf("node cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.arena[n.ID()]; exists {
		return fmt.Errorf("node id %d already registered", n.ID())
	}
	r.arena[n.ID()] = n
	r.live.Put(n.ID(), n)
	return nil
}

// Remove drops id from the live membership. The arena keeps its record.
func (r *Registry) Remove(id NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live.Get(id); !ok {
		return false
	}
	r.live.Remove(id)
	return true
}

// IsLive reports whether id is a current member.
func (r *Registry) IsLive(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.live.Get(id)
	return ok
}

// Known reports whether id was ever registered.
func (r *Registry) Known(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.arena[id]
	return ok
}

// Len returns the number of live nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live.Size()
}

// KnownCount returns the number of nodes ever registered.
func (r *Registry) KnownCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arena)
}

// LiveNodes returns the live nodes in ascending id order.
func (r *Registry) LiveNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := r.live.Values()
	nodes := make([]*Node, len(values))
	for i, v := range values {
		nodes[i] = v.(*Node)
	}
	return nodes
}

// LiveIDs returns the live ids in ascending order.
func (r *Registry) LiveIDs() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := r.live.Keys()
	ids := make([]NodeID, len(keys))
	for i, k := range keys {
		ids[i] = k.(NodeID)
	}
	return ids
}

// AllNodes returns every node ever registered, in no particular order.
func (r *Registry) AllNodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*Node, 0, len(r.arena))
	for _, n := range r.arena {
		nodes = append(nodes, n)
	}
	return nodes
}

// Owner returns the live node owning key: the first live id at or after key,
// wrapping to the smallest id.
func (r *Registry) Owner(key NodeID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.live.Empty() {
		return nil, false
	}
	if node, found := r.live.Ceiling(key); found {
		return node.Value.(*Node), true
	}
	return r.live.Left().Value.(*Node), true
}

// Neighbors returns the live nodes immediately before and after id in ring
// order. id itself need not be live.
func (r *Registry) Neighbors(id NodeID) (pred, succ *Node, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.live.Empty() {
		return nil, nil, false
	}

	if node, found := r.live.Floor(id - 1); found && id > 0 {
		pred = node.Value.(*Node)
	} else {
		pred = r.live.Right().Value.(*Node)
	}
	if node, found := r.live.Ceiling(id + 1); found && id < ^NodeID(0) {
		succ = node.Value.(*Node)
	} else {
		succ = r.live.Left().Value.(*Node)
	}
	return pred, succ, true
}
