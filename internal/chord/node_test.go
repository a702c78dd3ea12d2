package chord

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/chordsim/pkg"
)

var eightNodes = []NodeID{2, 6, 10, 14, 18, 22, 26, 30}

func TestNewNode(t *testing.T) {
	registry := NewRegistry()
	opts := testOptions(5, 3)
	opts.Peers = registry

	tests := []struct {
		name    string
		id      NodeID
		opts    Options
		logger  *pkg.Logger
		wantErr bool
	}{
		{name: "valid", id: 4, opts: opts, logger: pkg.Nop()},
		{name: "nil logger", id: 4, opts: opts, wantErr: true},
		{name: "id outside ring", id: 32, opts: opts, logger: pkg.Nop(), wantErr: true},
		{name: "missing peers", id: 4, opts: testOptions(5, 3), logger: pkg.Nop(), wantErr: true},
		{name: "empty successor list", id: 4, opts: Options{KeySpace: opts.KeySpace, Peers: registry}, logger: pkg.Nop(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewNode(tt.id, tt.opts, nil, tt.logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, n.ID())
			assert.Equal(t, StateAlive, n.State())
			assert.False(t, n.IsFailed())
			assert.False(t, n.IsIsolated())
			assert.Equal(t, tt.id, n.Successor())
			_, ok := n.Predecessor()
			assert.False(t, ok)
			assert.Len(t, n.Fingers(), 5)
		})
	}
}

func TestCreate(t *testing.T) {
	registry := NewRegistry()
	opts := testOptions(4, 2)
	opts.Peers = registry

	n, err := NewNode(9, opts, testRand(1), pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, registry.Add(n))
	n.Create()

	assert.Equal(t, []NodeID{9}, n.SuccessorList())
	for i := 0; i < 4; i++ {
		require.NotNil(t, n.Finger(i))
		assert.Equal(t, NodeID(9), n.Finger(i).Node)
	}
	assert.Nil(t, n.Finger(4))
	assert.Nil(t, n.Finger(-1))

	found, err := n.FindSuccessor(3, 0)
	require.NoError(t, err)
	assert.Equal(t, NodeID(9), found.Node)
}

func TestFindSuccessorErrors(t *testing.T) {
	t.Run("failed node", func(t *testing.T) {
		registry := buildTestRing(t, 5, 3, eightNodes...)
		n := mustNode(t, registry, 2)
		n.Fail()

		_, err := n.FindSuccessor(12, 0)
		assert.True(t, errors.Is(err, pkg.ErrRoutingFailure))
		assert.True(t, errors.Is(err, pkg.ErrNodeFailed))
	})

	t.Run("key outside ring", func(t *testing.T) {
		registry := buildTestRing(t, 5, 3, eightNodes...)
		_, err := mustNode(t, registry, 2).FindSuccessor(32, 0)
		assert.True(t, errors.Is(err, pkg.ErrInvariantViolation))
	})

	t.Run("next hop known to be failed", func(t *testing.T) {
		registry := buildTestRing(t, 5, 3, eightNodes...)
		mustNode(t, registry, 18).Fail()

		// Node 2's highest finger preceding 21 is 18.
		_, err := mustNode(t, registry, 2).FindSuccessor(21, 0)
		assert.True(t, errors.Is(err, pkg.ErrRoutingFailure))
		assert.True(t, errors.Is(err, pkg.ErrNodeFailed))
	})
}

func TestClosestPrecedingNode(t *testing.T) {
	registry := buildTestRing(t, 5, 3, eightNodes...)
	n := mustNode(t, registry, 2)

	tests := []struct {
		key  NodeID
		want NodeID
	}{
		{key: 21, want: 18},
		{key: 18, want: 10},
		{key: 7, want: 6},
		{key: 5, want: 2},
		{key: 1, want: 18},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, n.ClosestPrecedingNode(tt.key), "key %d", tt.key)
	}
}

func TestSuccessorFailover(t *testing.T) {
	registry := buildTestRing(t, 5, 3, eightNodes...)
	n := mustNode(t, registry, 2)
	mustNode(t, registry, 6).Fail()
	mustNode(t, registry, 10).Fail()

	found, err := n.FindSuccessor(12, 0)
	require.NoError(t, err)
	assert.Equal(t, Lookup{Node: 14, Hops: 1}, found)
	assert.Equal(t, int64(2), n.Timeouts())
	assert.Equal(t, NodeID(14), n.Successor())
	assert.Equal(t, []NodeID{14}, n.SuccessorList())
	assert.Equal(t, FingerEntry{Start: 3, Node: 14}, *n.Finger(0))
	assert.False(t, n.IsIsolated())

	// The repaired list costs nothing on the next lookup.
	_, err = n.FindSuccessor(12, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.Timeouts())
}

func TestIsolation(t *testing.T) {
	events := &recordingBroadcaster{}
	opts := testOptions(5, 2)
	opts.Broadcaster = events
	builder, err := NewRingBuilder(opts, testRand(1), pkg.Nop())
	require.NoError(t, err)
	registry, err := builder.Build(eightNodes)
	require.NoError(t, err)

	n := mustNode(t, registry, 2)
	mustNode(t, registry, 6).Fail()
	mustNode(t, registry, 10).Fail()

	_, err = n.FindSuccessor(12, 0)
	assert.True(t, errors.Is(err, pkg.ErrRoutingFailure))
	assert.True(t, errors.Is(err, pkg.ErrSuccessorsExhausted))
	assert.True(t, n.IsIsolated())
	assert.Equal(t, int64(2), n.Timeouts())
	assert.Equal(t, 1, events.count(EventNodeIsolated))

	// Isolation is sticky and does not probe again.
	_, err = n.FindSuccessor(20, 0)
	assert.True(t, errors.Is(err, pkg.ErrSuccessorsExhausted))
	assert.Equal(t, int64(2), n.Timeouts())
	assert.Equal(t, 1, events.count(EventNodeIsolated))

	// The rest of the ring keeps routing.
	found, err := mustNode(t, registry, 14).FindSuccessor(20, 0)
	require.NoError(t, err)
	assert.Equal(t, Lookup{Node: 22, Hops: 2}, found)
}

func TestJoin(t *testing.T) {
	registry := buildTestRing(t, 5, 2, 0, 8, 16, 24)
	opts := testOptions(5, 2)
	opts.Peers = registry

	t.Run("learns successor and notifies it", func(t *testing.T) {
		n, err := NewNode(12, opts, testRand(2), pkg.Nop())
		require.NoError(t, err)
		require.NoError(t, n.Join(mustNode(t, registry, 0)))
		require.NoError(t, registry.Add(n))

		assert.Equal(t, []NodeID{16, 24}, n.SuccessorList())
		_, ok := n.Predecessor()
		assert.False(t, ok)
		for _, f := range n.Fingers() {
			require.NotNil(t, f)
			assert.Equal(t, NodeID(16), f.Node)
		}

		pred, ok := mustNode(t, registry, 16).Predecessor()
		require.True(t, ok)
		assert.Equal(t, NodeID(12), pred)
	})

	t.Run("nil bootstrap", func(t *testing.T) {
		n, err := NewNode(20, opts, nil, pkg.Nop())
		require.NoError(t, err)
		assert.True(t, errors.Is(n.Join(nil), pkg.ErrBootstrapJoin))
	})

	t.Run("id already on the ring", func(t *testing.T) {
		n, err := NewNode(8, opts, nil, pkg.Nop())
		require.NoError(t, err)
		assert.True(t, errors.Is(n.Join(mustNode(t, registry, 0)), pkg.ErrBootstrapJoin))
	})

	t.Run("failed bootstrap", func(t *testing.T) {
		bootstrap := mustNode(t, registry, 24)
		bootstrap.Fail()

		n, err := NewNode(28, opts, nil, pkg.Nop())
		require.NoError(t, err)
		err = n.Join(bootstrap)
		assert.True(t, errors.Is(err, pkg.ErrBootstrapJoin))
		assert.True(t, errors.Is(err, pkg.ErrRoutingFailure))
	})
}

func TestLeavePreservesConnectivity(t *testing.T) {
	const n = 16
	registry := buildRandomRing(t, 8, n, 3, 33)

	order := registry.LiveIDs()
	rng := testRand(9)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, id := range order[:n-1] {
		node := mustNode(t, registry, id)
		require.NoError(t, node.Leave())
		require.True(t, registry.Remove(id))
		assert.Equal(t, StateDeparted, node.State())
		assert.True(t, node.IsFailed())

		live := registry.LiveIDs()
		assert.Equal(t, live, successorCycle(registry, live[0], 2*n), "after %d left", id)
		assert.True(t, ringConsistent(registry), "after %d left", id)
	}

	last := mustNode(t, registry, order[n-1])
	assert.Equal(t, []NodeID{last.ID()}, last.SuccessorList())
	pred, ok := last.Predecessor()
	require.True(t, ok)
	assert.Equal(t, last.ID(), pred)
}

func TestLeaveAfterFailure(t *testing.T) {
	registry := buildTestRing(t, 5, 2, 0, 8, 16, 24)
	n := mustNode(t, registry, 8)
	n.Fail()

	assert.True(t, errors.Is(n.Leave(), pkg.ErrNodeFailed))
	assert.Equal(t, StateFailed, n.State())

	// A crashed node never transitions again.
	n.Fail()
	assert.Equal(t, StateFailed, n.State())
}

func TestLeaveEvents(t *testing.T) {
	events := &recordingBroadcaster{}
	opts := testOptions(5, 2)
	opts.Broadcaster = events
	builder, err := NewRingBuilder(opts, testRand(1), pkg.Nop())
	require.NoError(t, err)
	registry, err := builder.Build([]NodeID{0, 8, 16, 24})
	require.NoError(t, err)

	events.events = nil
	require.NoError(t, mustNode(t, registry, 8).Leave())

	assert.Equal(t, 1, events.count(EventNodeLeave))
	assert.Equal(t, 1, events.count(EventSuccessorChanged))
	assert.Equal(t, 1, events.count(EventPredecessorChanged))
	for _, ev := range events.events {
		if ev.Type == EventSuccessorChanged {
			assert.Equal(t, uint64(0), ev.NodeID)
			assert.Equal(t, uint64(16), ev.PeerID)
		}
	}
}
