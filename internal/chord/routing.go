package chord

import (
	"fmt"

	"github.com/zde37/chordsim/pkg"
)

// FindSuccessor finds the node that owns key, starting the hop count at hops.
// This is the core Chord lookup; it recurses into peers the way a remote
// lookup would forward the query.
//
// Each forward goes to a finger strictly between this node and the key, so
// the remaining clockwise distance shrinks on every hop and the recursion is
// bounded by the ring size even when routing state is inconsistent.
func (n *Node) FindSuccessor(key NodeID, hops int) (Lookup, error) {
	if n.IsFailed() {
		return Lookup{}, fmt.Errorf("%w: node %d: %w", pkg.ErrRoutingFailure, n.id, pkg.ErrNodeFailed)
	}
	if !n.ks.IsValidID(uint64(key)) {
		return Lookup{}, fmt.Errorf("%w: key %d outside [0, %d)", pkg.ErrInvariantViolation, key, n.ks.Size())
	}

	if err := n.CheckSuccessor(); err != nil {
		return Lookup{}, fmt.Errorf("%w: node %d: %w", pkg.ErrRoutingFailure, n.id, err)
	}

	if key == n.id {
		return Lookup{Node: n.id, Hops: hops}, nil
	}

	// If key is in (n, successor], the successor owns it
	succ := n.Successor()
	if n.ks.InRange(uint64(key), uint64(n.id), uint64(succ)) {
		return Lookup{Node: succ, Hops: hops + 1}, nil
	}

	next := n.closestPrecedingNode(key)
	if next == n.id {
		return Lookup{}, fmt.Errorf("%w: node %d has no finger preceding key %d", pkg.ErrRoutingFailure, n.id, key)
	}

	peer, err := n.peer(next)
	if err != nil {
		return Lookup{}, fmt.Errorf("%w: next hop from node %d: %w", pkg.ErrRoutingFailure, n.id, err)
	}

	n.logger.Trace().
		Uint64("key", uint64(key)).
		Uint64("next_hop", uint64(next)).
		Int("hops", hops+1).
		Msg("Forwarding lookup")

	return peer.FindSuccessor(key, hops+1)
}

// ClosestPrecedingNode returns the highest finger strictly between this node
// and key, or this node's own id when no finger qualifies.
func (n *Node) ClosestPrecedingNode(key NodeID) NodeID {
	return n.closestPrecedingNode(key)
}

func (n *Node) closestPrecedingNode(key NodeID) NodeID {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()

	for i := len(n.fingerTable) - 1; i >= 0; i-- {
		finger := n.fingerTable[i]
		if finger == nil {
			continue
		}
		if n.ks.Between(uint64(finger.Node), uint64(n.id), uint64(key)) {
			return finger.Node
		}
	}
	return n.id
}

// CheckSuccessor replaces a dead successor with the first live entry of the
// successor list, counting one timeout per dead entry skipped. When no entry
// is alive the node becomes isolated and stays so; every later call reports
// ErrSuccessorsExhausted without probing again.
func (n *Node) CheckSuccessor() error {
	if n.isolated.Load() {
		return pkg.ErrSuccessorsExhausted
	}
	if n.isLive(n.Successor()) {
		return nil
	}

	n.successorMu.Lock()
	// A concurrent lookup through this node may have repaired it already.
	if n.isLive(n.successorList[0]) {
		n.successorMu.Unlock()
		return nil
	}

	skipped := 0
	live := -1
	for i, id := range n.successorList {
		if n.isLive(id) {
			live = i
			break
		}
		skipped++
	}
	n.timeouts.Add(int64(skipped))

	if live < 0 {
		n.isolated.Store(true)
		n.successorMu.Unlock()

		n.publish(EventNodeIsolated, 0, false)
		n.logger.Warn().
			Int("timeouts", skipped).
			Msg("All successors have failed, node is isolated")
		return pkg.ErrSuccessorsExhausted
	}

	n.successorList = append([]NodeID(nil), n.successorList[live:]...)
	succ := n.successorList[0]
	n.successorMu.Unlock()

	n.setFirstFinger(succ)
	n.publish(EventSuccessorChanged, succ, true)
	n.logger.Debug().
		Uint64("successor_id", uint64(succ)).
		Int("timeouts", skipped).
		Msg("Failed over to backup successor")
	return nil
}
