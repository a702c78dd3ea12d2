package chord

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/zde37/chordsim/internal/keyspace"
	"github.com/zde37/chordsim/pkg"
)

// Options carries what every node of a ring shares.
type Options struct {
	KeySpace          keyspace.KeySpace
	SuccessorListSize int
	Peers             Peers
	Broadcaster       RingUpdateBroadcaster // optional
}

func (o Options) validate() error {
	if o.KeySpace.Bits() == 0 {
		return fmt.Errorf("key space cannot be empty")
	}
	if o.SuccessorListSize <= 0 {
		return fmt.Errorf("successor list size must be positive, got %d", o.SuccessorListSize)
	}
	if o.Peers == nil {
		return fmt.Errorf("peers cannot be nil")
	}
	return nil
}

// Node is a Chord protocol agent.
//
// The finger table and the successor list are read by other nodes' lookups
// while the owner rewrites them, so each sits behind its own RWMutex. No lock
// is held while calling into a peer.
type Node struct {
	// Node identity
	id NodeID
	ks keyspace.KeySpace

	succListSize int
	peers        Peers
	broadcaster  RingUpdateBroadcaster
	logger       *pkg.Logger

	// rng is only touched by the node's own SearchKey.
	rng *rand.Rand

	// Finger table (index 0 to M-1); a nil entry was dropped by the last refresh
	fingerTable []*FingerEntry
	fingerMu    sync.RWMutex

	// Successor list, closest first; successorList[0] is the successor
	successorList []NodeID
	successorMu   sync.RWMutex

	predecessor    NodeID
	hasPredecessor bool
	predecessorMu  sync.RWMutex

	state    atomic.Int32
	isolated atomic.Bool

	timeouts atomic.Int64
	failures atomic.Int64

	statsMu     sync.Mutex
	keyRanges   []uint64
	pathLengths []uint64
}

// NewNode creates a node that is not yet part of any ring; call Create or Join next.
// rng may be nil, in which case one is seeded from the id.
func NewNode(id NodeID, opts Options, rng *rand.Rand, logger *pkg.Logger) (*Node, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid node options: %w", err)
	}
	if !opts.KeySpace.IsValidID(uint64(id)) {
		return nil, fmt.Errorf("%w: id %d outside [0, %d)", pkg.ErrInvariantViolation, id, opts.KeySpace.Size())
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(id), 0x9e3779b97f4a7c15))
	}

	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}

	node := &Node{
		id:            id,
		ks:            opts.KeySpace,
		succListSize:  opts.SuccessorListSize,
		peers:         opts.Peers,
		broadcaster:   broadcaster,
		logger:        logger.WithFields(pkg.Fields{"node_id": uint64(id)}),
		rng:           rng,
		fingerTable:   make([]*FingerEntry, opts.KeySpace.Bits()),
		successorList: []NodeID{id},
	}

	node.logger.Trace().Msg("Node created")
	return node, nil
}

// ID returns the node's identifier.
func (n *Node) ID() NodeID {
	return n.id
}

// State returns the lifecycle state.
func (n *Node) State() NodeState {
	return NodeState(n.state.Load())
}

// IsFailed reports whether the node crashed or left. Peers must treat both alike.
func (n *Node) IsFailed() bool {
	return n.State() != StateAlive
}

// IsIsolated reports whether every entry of the successor list was found dead.
func (n *Node) IsIsolated() bool {
	return n.isolated.Load()
}

// Successor returns the immediate successor.
func (n *Node) Successor() NodeID {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()

	if len(n.successorList) > 0 {
		return n.successorList[0]
	}
	return n.id
}

// SuccessorList returns a copy of the successor list.
func (n *Node) SuccessorList() []NodeID {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()

	list := make([]NodeID, len(n.successorList))
	copy(list, n.successorList)
	return list
}

// setSuccessorList replaces the successor list and reports a successor change.
func (n *Node) setSuccessorList(list []NodeID) {
	if len(list) == 0 {
		return
	}

	n.successorMu.Lock()
	old := n.successorList[0]
	n.successorList = list
	n.successorMu.Unlock()

	if old != list[0] {
		n.setFirstFinger(list[0])
		n.publish(EventSuccessorChanged, list[0], true)
	}
}

// buildSuccessorList prepends head to tail, stopping at this node's own id,
// skipping duplicates and capping the result at the configured length.
func (n *Node) buildSuccessorList(head NodeID, tail []NodeID) []NodeID {
	list := make([]NodeID, 0, n.succListSize)
	list = append(list, head)
	if head == n.id {
		return list
	}

	seen := map[NodeID]struct{}{head: {}}
	for _, id := range tail {
		if len(list) == n.succListSize || id == n.id {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		list = append(list, id)
	}
	return list
}

// Predecessor returns the predecessor and whether one is set.
func (n *Node) Predecessor() (NodeID, bool) {
	n.predecessorMu.RLock()
	defer n.predecessorMu.RUnlock()
	return n.predecessor, n.hasPredecessor
}

// setPredecessor sets the predecessor and records the resulting key range.
func (n *Node) setPredecessor(pred NodeID) {
	n.predecessorMu.Lock()
	n.predecessor = pred
	n.hasPredecessor = true
	n.predecessorMu.Unlock()

	n.recordKeyRange(pred)
	n.publish(EventPredecessorChanged, pred, true)

	n.logger.Debug().
		Uint64("predecessor_id", uint64(pred)).
		Msg("Predecessor updated")
}

// clearPredecessor forgets the predecessor.
func (n *Node) clearPredecessor() {
	n.predecessorMu.Lock()
	had := n.hasPredecessor
	n.hasPredecessor = false
	n.predecessorMu.Unlock()

	if had {
		n.publish(EventPredecessorChanged, 0, false)
	}
}

// Finger returns a copy of finger table entry i, or nil if absent.
func (n *Node) Finger(i int) *FingerEntry {
	if i < 0 || i >= len(n.fingerTable) {
		return nil
	}

	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()
	return n.fingerTable[i].Copy()
}

// Fingers returns a copy of the finger table, including nil holes.
func (n *Node) Fingers() []*FingerEntry {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()

	table := make([]*FingerEntry, len(n.fingerTable))
	for i, f := range n.fingerTable {
		table[i] = f.Copy()
	}
	return table
}

// setFinger sets the finger table entry at the given index.
func (n *Node) setFinger(i int, entry *FingerEntry) {
	if i < 0 || i >= len(n.fingerTable) {
		return
	}

	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()
	n.fingerTable[i] = entry
}

// setFingerTable installs a full table of owners, one per finger index.
func (n *Node) setFingerTable(owners []NodeID) {
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()

	for i := range n.fingerTable {
		if i >= len(owners) {
			n.fingerTable[i] = nil
			continue
		}
		start := NodeID(n.ks.AddPowerOfTwo(uint64(n.id), i))
		n.fingerTable[i] = NewFingerEntry(start, owners[i])
	}
}

// setFirstFinger keeps finger 0, which starts at id+1, on the successor.
func (n *Node) setFirstFinger(succ NodeID) {
	start := NodeID(n.ks.AddPowerOfTwo(uint64(n.id), 0))
	n.setFinger(0, NewFingerEntry(start, succ))
}

// initFingerTable points every finger at a single node.
func (n *Node) initFingerTable(node NodeID) {
	owners := make([]NodeID, len(n.fingerTable))
	for i := range owners {
		owners[i] = node
	}
	n.setFingerTable(owners)
}

// isLive reports whether id resolves to a node that has neither failed nor left.
func (n *Node) isLive(id NodeID) bool {
	if id == n.id {
		return !n.IsFailed()
	}
	peer, ok := n.peers.Lookup(id)
	return ok && !peer.IsFailed()
}

// peer resolves a live peer, or returns ErrNodeFailed.
func (n *Node) peer(id NodeID) (*Node, error) {
	if id == n.id {
		return n, nil
	}
	p, ok := n.peers.Lookup(id)
	if !ok || p.IsFailed() {
		return nil, fmt.Errorf("%w: peer %d", pkg.ErrNodeFailed, id)
	}
	return p, nil
}

func (n *Node) publish(kind string, peer NodeID, hasPeer bool) {
	if err := n.broadcaster.BroadcastRingUpdate(newEvent(kind, n.id, peer, hasPeer)); err != nil {
		n.logger.Debug().Err(err).Str("event", kind).Msg("Failed to broadcast ring update")
	}
}

// Create creates a new Chord ring with this node as the only member.
func (n *Node) Create() {
	n.clearPredecessor()
	n.setSuccessorList([]NodeID{n.id})
	n.initFingerTable(n.id)

	n.logger.Debug().Msg("Created new Chord ring")
}

// Join joins an existing ring through bootstrap. The joining node only learns
// its successor; stabilization fills in the predecessor side.
func (n *Node) Join(bootstrap *Node) error {
	if bootstrap == nil {
		return fmt.Errorf("%w: bootstrap node cannot be nil", pkg.ErrBootstrapJoin)
	}

	found, err := bootstrap.FindSuccessor(n.id, 0)
	if err != nil {
		return fmt.Errorf("%w: lookup via %d: %w", pkg.ErrBootstrapJoin, bootstrap.ID(), err)
	}
	if found.Node == n.id {
		return fmt.Errorf("%w: lookup via %d resolved to the joining id", pkg.ErrBootstrapJoin, bootstrap.ID())
	}

	succ, err := n.peer(found.Node)
	if err != nil {
		return fmt.Errorf("%w: successor %d: %w", pkg.ErrBootstrapJoin, found.Node, err)
	}

	n.clearPredecessor()
	n.setSuccessorList(n.buildSuccessorList(succ.ID(), succ.SuccessorList()))
	n.initFingerTable(succ.ID())

	// Let the successor know right away; stabilization would get there a round later.
	succ.Notify(n.id)

	n.publish(EventNodeJoin, bootstrap.ID(), true)
	n.logger.Debug().
		Uint64("bootstrap_id", uint64(bootstrap.ID())).
		Uint64("successor_id", uint64(succ.ID())).
		Int("hops", found.Hops).
		Msg("Joined Chord ring")
	return nil
}

// Leave departs gracefully: the successor adopts this node's predecessor, and
// the predecessor adopts this node's successor list, so the ring stays
// connected without waiting for stabilization.
func (n *Node) Leave() error {
	if n.IsFailed() {
		return fmt.Errorf("%w: node %d cannot leave", pkg.ErrNodeFailed, n.id)
	}

	pred, hasPred := n.Predecessor()
	list := n.SuccessorList()
	succID := list[0]

	if succID != n.id {
		if succ, err := n.peer(succID); err == nil {
			if hasPred && pred != n.id {
				succ.setPredecessor(pred)
			} else {
				succ.clearPredecessor()
			}
		}
	}

	if hasPred && pred != n.id {
		if p, err := n.peer(pred); err == nil {
			p.setSuccessorList(p.buildSuccessorList(succID, list[1:]))
		}
	}

	if !n.state.CompareAndSwap(int32(StateAlive), int32(StateDeparted)) {
		return fmt.Errorf("%w: node %d failed while leaving", pkg.ErrNodeFailed, n.id)
	}
	n.publish(EventNodeLeave, succID, true)
	n.logger.Debug().Msg("Left Chord ring")
	return nil
}

// Fail crashes the node. A failed node never recovers.
func (n *Node) Fail() {
	if n.state.CompareAndSwap(int32(StateAlive), int32(StateFailed)) {
		n.publish(EventNodeFail, 0, false)
		n.logger.Debug().Msg("Node failed")
	}
}
