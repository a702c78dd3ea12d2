package chord

import (
	"fmt"

	"github.com/zde37/chordsim/pkg"
)

// Stabilize verifies the node's immediate successor and tells the successor about this node.
func (n *Node) Stabilize() error {
	if n.IsFailed() {
		return fmt.Errorf("%w: node %d", pkg.ErrNodeFailed, n.id)
	}
	if err := n.CheckSuccessor(); err != nil {
		return err
	}

	succ, err := n.peer(n.Successor())
	if err != nil {
		return err
	}

	// If x is between (n, successor), then x should be our successor
	if x, ok := succ.Predecessor(); ok && n.ks.Between(uint64(x), uint64(n.id), uint64(succ.ID())) {
		if closer, err := n.peer(x); err == nil {
			n.logger.Debug().
				Uint64("old_successor", uint64(succ.ID())).
				Uint64("new_successor", uint64(x)).
				Msg("Adopting closer successor")
			succ = closer
		}
	}

	// Refresh the backups from the (possibly new) successor so they refill after failover.
	if succ.ID() != n.id {
		n.setSuccessorList(n.buildSuccessorList(succ.ID(), succ.SuccessorList()))
	}

	succ.Notify(n.id)
	return nil
}

// Notify handles notification from another node that it might be our predecessor.
func (n *Node) Notify(candidate NodeID) {
	if n.IsFailed() {
		return
	}

	n.predecessorMu.Lock()
	accept := !n.hasPredecessor ||
		n.ks.Between(uint64(candidate), uint64(n.predecessor), uint64(n.id))
	if accept {
		n.predecessor = candidate
		n.hasPredecessor = true
	}
	n.predecessorMu.Unlock()

	if !accept {
		return
	}

	n.recordKeyRange(candidate)
	n.publish(EventPredecessorChanged, candidate, true)
	n.logger.Debug().
		Uint64("new_predecessor", uint64(candidate)).
		Msg("Predecessor updated via notify")
}

// CheckPredecessor forgets a predecessor that has failed; the next notify repopulates it.
func (n *Node) CheckPredecessor() {
	if n.IsFailed() {
		return
	}

	pred, ok := n.Predecessor()
	if ok && !n.isLive(pred) {
		n.clearPredecessor()
		n.logger.Debug().
			Uint64("predecessor_id", uint64(pred)).
			Msg("Predecessor failed, cleared")
	}
}

// FixFingers recomputes every finger table entry. Entries whose lookup fails
// are dropped once the pass is complete. Returns the number of dropped entries.
func (n *Node) FixFingers() int {
	if n.IsFailed() {
		return 0
	}

	var stale []int
	for i := 0; i < n.ks.Bits(); i++ {
		start := NodeID(n.ks.AddPowerOfTwo(uint64(n.id), i))
		found, err := n.FindSuccessor(start, 0)
		if err != nil {
			n.logger.Trace().
				Err(err).
				Int("finger_index", i).
				Msg("Failed to fix finger")
			stale = append(stale, i)
			continue
		}
		n.setFinger(i, NewFingerEntry(start, found.Node))
	}

	if len(stale) > 0 {
		n.fingerMu.Lock()
		for _, i := range stale {
			n.fingerTable[i] = nil
		}
		n.fingerMu.Unlock()
	}
	return len(stale)
}

// SearchKey looks up one uniformly random key, recording the path length on
// success and counting a failure otherwise.
func (n *Node) SearchKey() (Lookup, error) {
	if n.IsFailed() {
		return Lookup{}, fmt.Errorf("%w: node %d", pkg.ErrNodeFailed, n.id)
	}

	key := NodeID(n.rng.Uint64N(n.ks.Size()))
	found, err := n.FindSuccessor(key, 0)
	if err != nil {
		n.failures.Add(1)
		n.logger.Debug().
			Err(err).
			Uint64("key", uint64(key)).
			Msg("Lookup failed")
		return Lookup{}, err
	}

	n.recordPathLength(found.Hops)
	return found, nil
}
