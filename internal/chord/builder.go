package chord

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"slices"

	"github.com/zde37/chordsim/internal/keyspace"
	"github.com/zde37/chordsim/pkg"
)

// PartitionedIDs draws n distinct ids, one uniformly inside each of n
// equally sized slices of the ring, which keeps the initial ring balanced.
func PartitionedIDs(ks keyspace.KeySpace, n int, rng *rand.Rand) ([]NodeID, error) {
	if n <= 0 || uint64(n) > ks.Size() {
		return nil, fmt.Errorf("cannot place %d nodes on a ring of %d ids", n, ks.Size())
	}

	ids := make([]NodeID, n)
	for i := 0; i < n; i++ {
		lo := partitionStart(uint64(i), uint64(n), ks.Size())
		hi := partitionStart(uint64(i+1), uint64(n), ks.Size())
		ids[i] = NodeID(lo + rng.Uint64N(hi-lo))
	}
	return ids, nil
}

// partitionStart returns floor(i * size / n) without overflowing.
func partitionStart(i, n, size uint64) uint64 {
	hi, lo := bits.Mul64(i, size)
	q, _ := bits.Div64(hi, lo, n)
	return q
}

// RingBuilder wires a set of ids into a fully consistent ring in one shot.
type RingBuilder struct {
	opts       Options
	rng        *rand.Rand
	logger     *pkg.Logger
	nodeLogger *pkg.Logger
}

// NewRingBuilder creates a builder. opts.Peers is ignored: the built registry
// becomes every node's peer resolver.
func NewRingBuilder(opts Options, rng *rand.Rand, logger *pkg.Logger) (*RingBuilder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if rng == nil {
		return nil, fmt.Errorf("rng cannot be nil")
	}
	return &RingBuilder{
		opts:       opts,
		rng:        rng,
		logger:     logger.WithFields(pkg.Fields{"component": "ring_builder"}),
		nodeLogger: logger,
	}, nil
}

// Build creates one node per id and wires fingers, successor lists and
// predecessors so that no stabilization round is needed before the ring is
// consistent.
func (b *RingBuilder) Build(ids []NodeID) (*Registry, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("cannot build a ring without nodes")
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	if i := firstDuplicate(sorted); i >= 0 {
		return nil, fmt.Errorf("%w: duplicate node id %d", pkg.ErrInvariantViolation, sorted[i])
	}

	registry := NewRegistry()
	opts := b.opts
	opts.Peers = registry

	for _, id := range sorted {
		node, err := NewNode(id, opts, b.childRand(), b.nodeLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create node %d: %w", id, err)
		}
		if err := registry.Add(node); err != nil {
			return nil, err
		}
	}

	ks := opts.KeySpace
	count := len(sorted)
	listLen := min(opts.SuccessorListSize, count-1)

	for idx, id := range sorted {
		node, _ := registry.Lookup(id)

		owners := make([]NodeID, ks.Bits())
		for i := range owners {
			owner, _ := registry.Owner(NodeID(ks.AddPowerOfTwo(uint64(id), i)))
			owners[i] = owner.ID()
		}
		node.setFingerTable(owners)

		list := []NodeID{id}
		if listLen > 0 {
			list = make([]NodeID, listLen)
			for z := range list {
				list[z] = sorted[(idx+1+z)%count]
			}
		}
		node.setSuccessorList(list)
	}

	for _, node := range registry.LiveNodes() {
		pred, _, _ := registry.Neighbors(node.ID())
		node.setPredecessor(pred.ID())
	}

	b.logger.Info().
		Int("nodes", count).
		Int("bits", ks.Bits()).
		Int("successor_list", opts.SuccessorListSize).
		Msg("Ring built")
	return registry, nil
}

// childRand derives an independent generator for one node, so runs stay
// reproducible from the builder's seed.
func (b *RingBuilder) childRand() *rand.Rand {
	return rand.New(rand.NewPCG(b.rng.Uint64(), b.rng.Uint64()))
}

func firstDuplicate(sorted []NodeID) int {
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return i
		}
	}
	return -1
}
