package chord

import (
	"fmt"
	"math"
)

// NodeID is a position on the identifier ring, in [0, 2^M).
type NodeID uint64

// String returns the decimal form of the id.
func (id NodeID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// NodeState is the lifecycle state of a node. Transitions only leave StateAlive.
type NodeState int32

const (
	StateAlive NodeState = iota
	// StateFailed marks a crashed node; it answers nothing.
	StateFailed
	// StateDeparted marks a node that left gracefully after handing off its links.
	StateDeparted
)

func (s NodeState) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateFailed:
		return "failed"
	case StateDeparted:
		return "departed"
	}
	return fmt.Sprintf("NodeState(%d)", int32(s))
}

// FingerEntry represents an entry in the Chord finger table.
// Entry i tracks the successor of (n + 2^i) mod 2^M.
type FingerEntry struct {
	Start NodeID // (n + 2^i) mod 2^M
	Node  NodeID // First known live node that succeeds or equals Start
}

// NewFingerEntry creates a new FingerEntry.
func NewFingerEntry(start, node NodeID) *FingerEntry {
	return &FingerEntry{Start: start, Node: node}
}

// String returns a human-readable representation of the finger entry.
func (f *FingerEntry) String() string {
	if f == nil {
		return "FingerEntry{nil}"
	}
	return fmt.Sprintf("FingerEntry{Start: %d, Node: %d}", f.Start, f.Node)
}

// Copy creates a copy of the FingerEntry.
func (f *FingerEntry) Copy() *FingerEntry {
	if f == nil {
		return nil
	}
	return NewFingerEntry(f.Start, f.Node)
}

// Lookup is the answer to a FindSuccessor query.
type Lookup struct {
	Node NodeID // Owner of the key
	Hops int    // Number of routing hops taken
}

// Summary aggregates a series of non-negative samples.
// All fields are zero when Count is zero.
type Summary struct {
	Count int     `json:"count"`
	Min   uint64  `json:"min"`
	Max   uint64  `json:"max"`
	Avg   float64 `json:"avg"`
}

// Summarize computes the Summary of samples.
func Summarize(samples []uint64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}

	s := Summary{Count: len(samples), Min: math.MaxUint64}
	var sum float64
	for _, v := range samples {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += float64(v)
	}
	s.Avg = sum / float64(len(samples))
	return s
}
