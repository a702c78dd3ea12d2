package chord

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/zde37/chordsim/pkg"
)

// freshIDAttempts bounds the search for an unused id on a crowded ring.
const freshIDAttempts = 128

// Mode selects the failure-injection policy of a run.
type Mode string

const (
	// ModeDisaster fails a fraction of the population once.
	ModeDisaster Mode = "disaster"
	// ModeChurn replaces a fixed number of nodes every round.
	ModeChurn Mode = "churn"
)

// ParseMode accepts the mode names case-insensitively ("Disaster", "churn", ...).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDisaster:
		return ModeDisaster, nil
	case ModeChurn:
		return ModeChurn, nil
	}
	return "", fmt.Errorf("unknown mode %q (want disaster or churn)", s)
}

// ChurnConfig selects the failure-injection policy.
type ChurnConfig struct {
	Mode       Mode
	FailProb   float64 // Fraction of the population failed in disaster mode
	ChurnCount int     // Nodes replaced per round in churn mode
}

// ChurnResult counts what a single churn step did.
type ChurnResult struct {
	Failed   int `json:"failed"`
	Left     int `json:"left"`
	Joined   int `json:"joined"`
	Rejected int `json:"rejected"` // Joins discarded after a failed bootstrap lookup
}

// ChurnController applies the per-round failure policy to a registry and
// aggregates statistics over the population.
type ChurnController struct {
	registry *Registry
	cfg      ChurnConfig
	opts     Options
	rng      *rand.Rand
	logger   *pkg.Logger
	base     *pkg.Logger

	mu           sync.Mutex
	disasterDone bool
}

// NewChurnController creates a controller over registry. New nodes admitted in
// churn mode are created with opts, resolving peers through registry.
func NewChurnController(registry *Registry, cfg ChurnConfig, opts Options, rng *rand.Rand, logger *pkg.Logger) (*ChurnController, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if rng == nil {
		return nil, fmt.Errorf("rng cannot be nil")
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.FailProb < 0 || cfg.FailProb > 1 {
		return nil, fmt.Errorf("fail probability must be within [0, 1], got %v", cfg.FailProb)
	}
	if cfg.ChurnCount < 0 {
		return nil, fmt.Errorf("churn count cannot be negative, got %d", cfg.ChurnCount)
	}

	opts.Peers = registry
	return &ChurnController{
		registry: registry,
		cfg:      cfg,
		opts:     opts,
		rng:      rng,
		logger:   logger.WithFields(pkg.Fields{"component": "churn", "mode": string(cfg.Mode)}),
		base:     logger,
	}, nil
}

// Step runs one round of the configured policy.
func (c *ChurnController) Step() (ChurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.cfg.Mode {
	case ModeDisaster:
		return c.disaster(), nil
	case ModeChurn:
		return c.churn()
	}
	return ChurnResult{}, fmt.Errorf("unknown mode %q", c.cfg.Mode)
}

// disaster fails floor(p*N) random nodes the first time it runs and does nothing afterwards.
func (c *ChurnController) disaster() ChurnResult {
	if c.disasterDone {
		return ChurnResult{}
	}
	c.disasterDone = true

	nodes := c.shuffledLive()
	upTo := FailureCount(c.cfg.FailProb, len(nodes))
	for _, n := range nodes[:upTo] {
		n.Fail()
		c.registry.Remove(n.ID())
	}

	c.logger.Info().
		Int("failed", upTo).
		Int("remaining", c.registry.Len()).
		Msg("Disaster injected")
	return ChurnResult{Failed: upTo}
}

// FailureCount returns floor(p*n) clamped to [0, n]. The epsilon absorbs
// binary rounding so that, say, 0.29 * 100 counts 29 nodes.
func FailureCount(p float64, n int) int {
	count := int(math.Floor(p*float64(n) + 1e-9))
	return max(0, min(count, n))
}

// churn gracefully removes k nodes and then tries to admit k new ones.
func (c *ChurnController) churn() (ChurnResult, error) {
	var res ChurnResult

	nodes := c.shuffledLive()
	k := max(min(c.cfg.ChurnCount, len(nodes)-1), 0)
	for _, n := range nodes[:k] {
		if err := n.Leave(); err != nil {
			c.logger.Warn().Err(err).Uint64("node_id", uint64(n.ID())).Msg("Leave failed")
		}
		c.registry.Remove(n.ID())
		res.Left++
	}

	for i := 0; i < k; i++ {
		joined, err := c.admit()
		if err != nil {
			if !errors.Is(err, pkg.ErrBootstrapJoin) {
				return res, err
			}
			res.Rejected++
			c.logger.Debug().Err(err).Msg("Join discarded")
			continue
		}
		if joined {
			res.Joined++
		}
	}

	c.logger.Debug().
		Int("left", res.Left).
		Int("joined", res.Joined).
		Int("rejected", res.Rejected).
		Int("live", c.registry.Len()).
		Msg("Churn step complete")
	return res, nil
}

// admit creates a node at a fresh id and joins it through a random live node.
// It returns false without error when no fresh id could be found.
func (c *ChurnController) admit() (bool, error) {
	id, ok := c.freshID()
	if !ok {
		c.logger.Warn().Msg("No unused id left for a joining node")
		return false, nil
	}

	live := c.registry.LiveNodes()
	if len(live) == 0 {
		return false, fmt.Errorf("%w: no live node to bootstrap from", pkg.ErrBootstrapJoin)
	}
	bootstrap := live[c.rng.IntN(len(live))]

	node, err := NewNode(id, c.opts, rand.New(rand.NewPCG(c.rng.Uint64(), c.rng.Uint64())), c.base)
	if err != nil {
		return false, err
	}
	if err := node.Join(bootstrap); err != nil {
		return false, err
	}
	if err := c.registry.Add(node); err != nil {
		return false, err
	}
	return true, nil
}

// freshID draws an id that no node, live or gone, has used before.
func (c *ChurnController) freshID() (NodeID, bool) {
	size := c.opts.KeySpace.Size()
	if uint64(c.registry.KnownCount()) >= size {
		return 0, false
	}
	for i := 0; i < freshIDAttempts; i++ {
		id := NodeID(c.rng.Uint64N(size))
		if !c.registry.Known(id) {
			return id, true
		}
	}
	return 0, false
}

func (c *ChurnController) shuffledLive() []*Node {
	nodes := c.registry.LiveNodes()
	c.rng.Shuffle(len(nodes), func(i, j int) {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	})
	return nodes
}

// TimeoutSummary aggregates the timeout counters of the live nodes.
func (c *ChurnController) TimeoutSummary() Summary {
	nodes := c.registry.LiveNodes()
	samples := make([]uint64, len(nodes))
	for i, n := range nodes {
		samples[i] = uint64(n.Timeouts())
	}
	return Summarize(samples)
}

// TotalFailures sums the lookup failures of every node ever registered.
func (c *ChurnController) TotalFailures() int64 {
	var total int64
	for _, n := range c.registry.AllNodes() {
		total += n.Failures()
	}
	return total
}
