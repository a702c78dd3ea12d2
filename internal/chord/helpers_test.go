package chord

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zde37/chordsim/internal/keyspace"
	"github.com/zde37/chordsim/pkg"
)

func testOptions(m, successors int) Options {
	return Options{
		KeySpace:          keyspace.MustNew(m),
		SuccessorListSize: successors,
	}
}

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func buildTestRing(t *testing.T, m, successors int, ids ...NodeID) *Registry {
	t.Helper()

	builder, err := NewRingBuilder(testOptions(m, successors), testRand(7), pkg.Nop())
	require.NoError(t, err)

	registry, err := builder.Build(ids)
	require.NoError(t, err)
	return registry
}

func buildRandomRing(t *testing.T, m, n, successors int, seed uint64) *Registry {
	t.Helper()

	ids, err := PartitionedIDs(keyspace.MustNew(m), n, testRand(seed))
	require.NoError(t, err)
	return buildTestRing(t, m, successors, ids...)
}

func mustNode(t *testing.T, registry *Registry, id NodeID) *Node {
	t.Helper()

	n, ok := registry.Lookup(id)
	require.True(t, ok, "node %d not registered", id)
	return n
}

// ringConsistent reports whether every live node points at its true ring
// neighbours in both directions.
func ringConsistent(registry *Registry) bool {
	ids := registry.LiveIDs()
	for i, id := range ids {
		n, _ := registry.Lookup(id)
		next := ids[(i+1)%len(ids)]
		prev := ids[(i+len(ids)-1)%len(ids)]

		if n.Successor() != next {
			return false
		}
		if pred, ok := n.Predecessor(); !ok || pred != prev {
			return false
		}
	}
	return true
}

// successorCycle follows successor pointers from start and returns the ids
// visited before the walk returns to start, or gives up after limit steps.
func successorCycle(registry *Registry, start NodeID, limit int) []NodeID {
	var visited []NodeID
	cur := start
	for i := 0; i < limit; i++ {
		visited = append(visited, cur)
		n, ok := registry.Lookup(cur)
		if !ok {
			return visited
		}
		cur = n.Successor()
		if cur == start {
			return visited
		}
	}
	return visited
}

type recordingBroadcaster struct {
	events []RingUpdateEvent
}

func (r *recordingBroadcaster) BroadcastRingUpdate(update any) error {
	if ev, ok := update.(RingUpdateEvent); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recordingBroadcaster) count(kind string) int {
	c := 0
	for _, ev := range r.events {
		if ev.Type == kind {
			c++
		}
	}
	return c
}
