package sim

import (
	"cmp"
	"slices"

	"github.com/zde37/chordsim/internal/chord"
)

// NodeReport holds the statistics of a single node.
type NodeReport struct {
	ID         uint64        `json:"id"`
	State      string        `json:"state"`
	Isolated   bool          `json:"isolated"`
	Timeouts   int64         `json:"timeouts"`
	Failures   int64         `json:"failures"`
	KeyRange   chord.Summary `json:"key_range"`
	PathLength chord.Summary `json:"path_length"`
}

// Report is a snapshot of a run: every node ever created plus the
// population-wide aggregates.
type Report struct {
	RunID         string        `json:"run_id"`
	Round         int           `json:"round"`
	Mode          string        `json:"mode"`
	KeysExponent  int           `json:"keys_exponent"`
	Live          int           `json:"live"`
	Known         int           `json:"known"`
	Timeouts      chord.Summary `json:"timeouts"` // Live nodes only
	TotalFailures int64         `json:"total_failures"`
	PathLength    chord.Summary `json:"path_length"` // Every successful lookup of every node
	Nodes         []NodeReport  `json:"nodes"`
	LastRound     *RoundStats   `json:"last_round,omitempty"`
}

// Report snapshots the current statistics. Node counters are read without
// locking the round; the round number waits for a running round to finish.
func (s *Simulation) Report() Report {
	all := s.registry.AllNodes()
	slices.SortFunc(all, func(a, b *chord.Node) int {
		return cmp.Compare(a.ID(), b.ID())
	})

	var paths []uint64
	nodes := make([]NodeReport, len(all))
	for i, n := range all {
		nodes[i] = NodeReport{
			ID:         uint64(n.ID()),
			State:      n.State().String(),
			Isolated:   n.IsIsolated(),
			Timeouts:   n.Timeouts(),
			Failures:   n.Failures(),
			KeyRange:   n.KeyRangeSummary(),
			PathLength: n.PathLengthSummary(),
		}
		paths = append(paths, n.PathLengths()...)
	}

	r := Report{
		RunID:         s.RunID(),
		Mode:          string(s.cfg.Mode),
		KeysExponent:  s.cfg.M,
		Live:          s.registry.Len(),
		Known:         len(all),
		Timeouts:      s.churn.TimeoutSummary(),
		TotalFailures: s.churn.TotalFailures(),
		PathLength:    chord.Summarize(paths),
		Nodes:         nodes,
	}

	s.mu.Lock()
	r.Round = s.round
	if len(s.history) > 0 {
		last := s.history[len(s.history)-1]
		r.LastRound = &last
	}
	s.mu.Unlock()
	return r
}
