package chord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/chordsim/pkg"
)

func newTestController(t *testing.T, registry *Registry, m, successors int, cfg ChurnConfig) *ChurnController {
	t.Helper()

	c, err := NewChurnController(registry, cfg, testOptions(m, successors), testRand(13), pkg.Nop())
	require.NoError(t, err)
	return c
}

func TestNewChurnController(t *testing.T) {
	registry := NewRegistry()
	opts := testOptions(5, 2)

	tests := []struct {
		name     string
		registry *Registry
		cfg      ChurnConfig
		wantErr  bool
	}{
		{name: "disaster", registry: registry, cfg: ChurnConfig{Mode: ModeDisaster, FailProb: 0.5}},
		{name: "churn", registry: registry, cfg: ChurnConfig{Mode: ModeChurn, ChurnCount: 2}},
		{name: "nil registry", cfg: ChurnConfig{Mode: ModeChurn}, wantErr: true},
		{name: "unknown mode", registry: registry, cfg: ChurnConfig{Mode: "meteor"}, wantErr: true},
		{name: "probability above one", registry: registry, cfg: ChurnConfig{Mode: ModeDisaster, FailProb: 1.5}, wantErr: true},
		{name: "negative probability", registry: registry, cfg: ChurnConfig{Mode: ModeDisaster, FailProb: -0.1}, wantErr: true},
		{name: "negative churn count", registry: registry, cfg: ChurnConfig{Mode: ModeChurn, ChurnCount: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChurnController(tt.registry, tt.cfg, opts, testRand(1), pkg.Nop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChurnModeIsNormalized(t *testing.T) {
	registry := buildRandomRing(t, 8, 10, 2, 3)
	c := newTestController(t, registry, 8, 2, ChurnConfig{Mode: "Churn", ChurnCount: 1})

	res, err := c.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, res.Left)
}

func TestFailureCount(t *testing.T) {
	tests := []struct {
		p    float64
		n    int
		want int
	}{
		{p: 0, n: 10, want: 0},
		{p: 0.25, n: 40, want: 10},
		{p: 0.29, n: 100, want: 29},
		{p: 0.5, n: 3, want: 1},
		{p: 0.99, n: 10, want: 9},
		{p: 1, n: 7, want: 7},
		{p: 0.5, n: 0, want: 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FailureCount(tt.p, tt.n), "p=%v n=%d", tt.p, tt.n)
	}
}

func TestDisaster(t *testing.T) {
	registry := buildRandomRing(t, 10, 40, 3, 2)
	c := newTestController(t, registry, 10, 3, ChurnConfig{Mode: ModeDisaster, FailProb: 0.25})

	res, err := c.Step()
	require.NoError(t, err)
	assert.Equal(t, ChurnResult{Failed: 10}, res)
	assert.Equal(t, 30, registry.Len())
	assert.Equal(t, 40, registry.KnownCount())

	failed := 0
	for _, n := range registry.AllNodes() {
		if n.State() == StateFailed {
			failed++
			assert.False(t, registry.IsLive(n.ID()))
		}
	}
	assert.Equal(t, 10, failed)

	// Later rounds inject nothing.
	for i := 0; i < 3; i++ {
		res, err = c.Step()
		require.NoError(t, err)
		assert.Equal(t, ChurnResult{}, res)
	}
	assert.Equal(t, 30, registry.Len())
}

func TestChurn(t *testing.T) {
	registry := buildRandomRing(t, 12, 32, 3, 6)
	c := newTestController(t, registry, 12, 3, ChurnConfig{Mode: ModeChurn, ChurnCount: 3})

	res, err := c.Step()
	require.NoError(t, err)
	assert.Equal(t, 3, res.Left)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, res.Joined+res.Rejected)
	assert.Equal(t, 29+res.Joined, registry.Len())
	assert.Equal(t, 32+res.Joined, registry.KnownCount())

	departed := 0
	for _, n := range registry.AllNodes() {
		if n.State() == StateDeparted {
			departed++
		}
	}
	assert.Equal(t, 3, departed)

	// Joined nodes are reachable once their predecessors stabilize.
	converged := false
	for round := 0; round < 2*registry.Len() && !converged; round++ {
		for _, n := range registry.LiveNodes() {
			require.NoError(t, n.Stabilize())
		}
		converged = ringConsistent(registry)
	}
	require.True(t, converged)

	live := registry.LiveIDs()
	assert.Equal(t, live, successorCycle(registry, live[0], 2*len(live)))
}

func TestChurnAdmitsAfterMaintenance(t *testing.T) {
	registry := buildRandomRing(t, 10, 32, 3, 4)
	c := newTestController(t, registry, 10, 3, ChurnConfig{Mode: ModeChurn, ChurnCount: 4})

	_, err := c.Step()
	require.NoError(t, err)

	converged := false
	for round := 0; round < 2*registry.Len() && !converged; round++ {
		for _, n := range registry.LiveNodes() {
			require.NoError(t, n.Stabilize())
		}
		converged = ringConsistent(registry)
	}
	require.True(t, converged)
	for _, n := range registry.LiveNodes() {
		n.FixFingers()
	}

	// With no finger left on a departed node every bootstrap lookup succeeds.
	before := registry.Len()
	for i := 0; i < 8; i++ {
		joined, err := c.admit()
		require.NoError(t, err)
		assert.True(t, joined)
	}
	assert.Equal(t, before+8, registry.Len())
}

func TestChurnKeepsLastNode(t *testing.T) {
	registry := buildTestRing(t, 6, 2, 10, 40)
	c := newTestController(t, registry, 6, 2, ChurnConfig{Mode: ModeChurn, ChurnCount: 5})

	res, err := c.Step()
	require.NoError(t, err)
	assert.Equal(t, ChurnResult{Left: 1, Joined: 1}, res)
	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, 3, registry.KnownCount())

	for _, id := range registry.LiveIDs() {
		assert.NotEqual(t, StateDeparted, mustNode(t, registry, id).State())
	}

	// One stabilization pass on each node closes the two-node ring.
	for _, n := range registry.LiveNodes() {
		require.NoError(t, n.Stabilize())
	}
	for _, n := range registry.LiveNodes() {
		require.NoError(t, n.Stabilize())
	}
	assert.True(t, ringConsistent(registry))
}

func TestChurnNeverReusesIDs(t *testing.T) {
	t.Run("fresh ids are unknown", func(t *testing.T) {
		registry := buildTestRing(t, 4, 2, 0, 3, 5, 9, 12)
		c := newTestController(t, registry, 4, 2, ChurnConfig{Mode: ModeChurn, ChurnCount: 1})

		for i := 0; i < 20; i++ {
			id, ok := c.freshID()
			require.True(t, ok)
			assert.False(t, registry.Known(id))
		}
	})

	t.Run("full ring admits nobody", func(t *testing.T) {
		registry := buildTestRing(t, 3, 2, 0, 1, 2, 3, 4, 5, 6, 7)
		c := newTestController(t, registry, 3, 2, ChurnConfig{Mode: ModeChurn, ChurnCount: 2})

		res, err := c.Step()
		require.NoError(t, err)
		assert.Equal(t, ChurnResult{Left: 2}, res)
		assert.Equal(t, 6, registry.Len())
		assert.Equal(t, 8, registry.KnownCount())

		_, ok := c.freshID()
		assert.False(t, ok)
	})
}

func TestChurnAggregates(t *testing.T) {
	registry := buildTestRing(t, 5, 2, eightNodes...)
	c := newTestController(t, registry, 5, 2, ChurnConfig{Mode: ModeDisaster})

	for _, id := range []NodeID{6, 10} {
		mustNode(t, registry, id).Fail()
		registry.Remove(id)
	}

	n := mustNode(t, registry, 2)
	for i := 0; i < 2; i++ {
		_, err := n.SearchKey()
		require.Error(t, err)
	}

	timeouts := c.TimeoutSummary()
	assert.Equal(t, 6, timeouts.Count)
	assert.Equal(t, uint64(0), timeouts.Min)
	assert.Equal(t, uint64(2), timeouts.Max)
	assert.InDelta(t, 2.0/6.0, timeouts.Avg, 1e-9)
	assert.Equal(t, int64(2), c.TotalFailures())

	// Failures stay counted after the node is gone.
	n.Fail()
	registry.Remove(n.ID())
	assert.Equal(t, int64(2), c.TotalFailures())
	assert.Equal(t, uint64(0), c.TimeoutSummary().Max)
}
