package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/internal/keyspace"
	"github.com/zde37/chordsim/pkg"
)

// RoundStats summarizes what happened during one round.
type RoundStats struct {
	Round           int               `json:"round"`
	Live            int               `json:"live"`
	Lookups         int64             `json:"lookups"`
	LookupFailures  int64             `json:"lookup_failures"`
	StabilizeErrors int64             `json:"stabilize_errors"`
	FingersDropped  int64             `json:"fingers_dropped"`
	Churn           chord.ChurnResult `json:"churn"`
	Duration        time.Duration     `json:"duration_ns"`
}

// Simulation drives a ring through rounds of periodic protocol work followed
// by a churn step.
//
// Within a round each phase runs over every live node before the next phase
// starts. The order across nodes inside a phase carries no meaning: it is
// shuffled in sequential mode and arbitrary with parallel workers.
type Simulation struct {
	cfg    config.Config
	runID  xid.ID
	logger *pkg.Logger

	// rng orders sequential phases; nodes and the churn controller own theirs.
	rng      *rand.Rand
	registry *chord.Registry
	churn    *chord.ChurnController

	mu      sync.Mutex
	round   int
	history []RoundStats
}

// New builds the initial ring described by cfg. Batch scaling is applied to
// a copy of cfg. broadcaster may be nil.
func New(cfg config.Config, logger *pkg.Logger, broadcaster chord.RingUpdateBroadcaster) (*Simulation, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.ApplyBatch(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ks, err := keyspace.New(cfg.M)
	if err != nil {
		return nil, err
	}

	runID := xid.New()
	logger = logger.WithFields(pkg.Fields{"run_id": runID.String()})
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	ids, err := chord.PartitionedIDs(ks, cfg.Nodes, rng)
	if err != nil {
		return nil, err
	}

	opts := chord.Options{
		KeySpace:          ks,
		SuccessorListSize: cfg.SuccessorListSize,
		Broadcaster:       broadcaster,
	}

	builder, err := chord.NewRingBuilder(opts, childRand(rng), logger)
	if err != nil {
		return nil, err
	}
	registry, err := builder.Build(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build ring: %w", err)
	}

	churn, err := chord.NewChurnController(registry, chord.ChurnConfig{
		Mode:       cfg.Mode.ChordMode(),
		FailProb:   cfg.FailProb,
		ChurnCount: cfg.ChurnCount,
	}, opts, childRand(rng), logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("keys_exponent", cfg.M).
		Int("nodes", cfg.Nodes).
		Int("successor_length", cfg.SuccessorListSize).
		Int("rounds", cfg.Rounds).
		Str("mode", string(cfg.Mode)).
		Int("workers", cfg.Workers).
		Msg("Simulation ready")

	return &Simulation{
		cfg:      cfg,
		runID:    runID,
		logger:   logger,
		rng:      rng,
		registry: registry,
		churn:    churn,
	}, nil
}

func childRand(rng *rand.Rand) *rand.Rand {
	return rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
}

// RunID returns the unique id of this run.
func (s *Simulation) RunID() string {
	return s.runID.String()
}

// Config returns the effective configuration, after batch scaling.
func (s *Simulation) Config() config.Config {
	return s.cfg
}

// Registry exposes the node registry for read-only inspection.
func (s *Simulation) Registry() *chord.Registry {
	return s.registry
}

// Round returns the number of completed rounds.
func (s *Simulation) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// History returns the statistics of every completed round.
func (s *Simulation) History() []RoundStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RoundStats(nil), s.history...)
}

// Run advances the configured number of rounds, stopping early if ctx is done.
func (s *Simulation) Run(ctx context.Context) error {
	for s.Round() < s.cfg.Rounds {
		if _, err := s.AdvanceRound(ctx); err != nil {
			return err
		}
	}

	s.logger.Info().
		Int("rounds", s.Round()).
		Int("live", s.registry.Len()).
		Int64("total_failures", s.churn.TotalFailures()).
		Msg("Simulation finished")
	return nil
}

// AdvanceRound runs fixFingers, stabilize, checkPredecessor and searchKey on
// every live node, then the churn step.
func (s *Simulation) AdvanceRound(ctx context.Context) (RoundStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return RoundStats{}, err
	}

	start := time.Now()
	stats := RoundStats{Round: s.round + 1}
	nodes := s.registry.LiveNodes()
	stats.Live = len(nodes)

	var dropped, stabilizeErrs, lookups, lookupFails atomic.Int64
	phases := []struct {
		name string
		fn   func(n *chord.Node)
	}{
		{"fix_fingers", func(n *chord.Node) {
			dropped.Add(int64(n.FixFingers()))
		}},
		{"stabilize", func(n *chord.Node) {
			if err := n.Stabilize(); err != nil {
				stabilizeErrs.Add(1)
			}
		}},
		{"check_predecessor", func(n *chord.Node) {
			n.CheckPredecessor()
		}},
		{"search_key", func(n *chord.Node) {
			lookups.Add(1)
			if _, err := n.SearchKey(); err != nil {
				lookupFails.Add(1)
			}
		}},
	}

	for _, phase := range phases {
		if err := s.runPhase(ctx, nodes, phase.fn); err != nil {
			return RoundStats{}, fmt.Errorf("round %d, phase %s: %w", stats.Round, phase.name, err)
		}
	}

	churn, err := s.churn.Step()
	if err != nil {
		return RoundStats{}, fmt.Errorf("round %d, churn step: %w", stats.Round, err)
	}

	stats.FingersDropped = dropped.Load()
	stats.StabilizeErrors = stabilizeErrs.Load()
	stats.Lookups = lookups.Load()
	stats.LookupFailures = lookupFails.Load()
	stats.Churn = churn
	stats.Duration = time.Since(start)

	s.round = stats.Round
	s.history = append(s.history, stats)

	s.logger.Info().
		Int("round", stats.Round).
		Int("live", s.registry.Len()).
		Int64("lookups", stats.Lookups).
		Int64("lookup_failures", stats.LookupFailures).
		Int64("fingers_dropped", stats.FingersDropped).
		Int("failed", churn.Failed).
		Int("left", churn.Left).
		Int("joined", churn.Joined).
		Dur("duration", stats.Duration).
		Msg("Round complete")
	return stats, nil
}

// runPhase applies fn to every node, sequentially in shuffled order or on a
// bounded pool of goroutines.
func (s *Simulation) runPhase(ctx context.Context, nodes []*chord.Node, fn func(n *chord.Node)) error {
	if s.cfg.Workers == 0 {
		order := make([]*chord.Node, len(nodes))
		copy(order, nodes)
		s.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})

		for _, n := range order {
			if err := ctx.Err(); err != nil {
				return err
			}
			fn(n)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, n := range nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(n)
			return nil
		})
	}
	return g.Wait()
}
