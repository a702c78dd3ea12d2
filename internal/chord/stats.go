package chord

// recordKeyRange appends the size of (pred, n], the keys this node owns.
func (n *Node) recordKeyRange(pred NodeID) {
	r := n.ks.KeyRange(uint64(pred), uint64(n.id))

	n.statsMu.Lock()
	n.keyRanges = append(n.keyRanges, r)
	n.statsMu.Unlock()
}

func (n *Node) recordPathLength(hops int) {
	n.statsMu.Lock()
	n.pathLengths = append(n.pathLengths, uint64(hops))
	n.statsMu.Unlock()
}

// Timeouts returns how many dead successors this node has skipped.
func (n *Node) Timeouts() int64 {
	return n.timeouts.Load()
}

// Failures returns how many of this node's sampled lookups failed.
func (n *Node) Failures() int64 {
	return n.failures.Load()
}

// KeyRanges returns a copy of every key-range sample, oldest first.
func (n *Node) KeyRanges() []uint64 {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return append([]uint64(nil), n.keyRanges...)
}

// LastKeyRange returns the most recent key-range sample.
func (n *Node) LastKeyRange() (uint64, bool) {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()

	if len(n.keyRanges) == 0 {
		return 0, false
	}
	return n.keyRanges[len(n.keyRanges)-1], true
}

// PathLengths returns a copy of every successful lookup's hop count.
func (n *Node) PathLengths() []uint64 {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return append([]uint64(nil), n.pathLengths...)
}

// KeyRangeSummary summarizes the key-range samples.
func (n *Node) KeyRangeSummary() Summary {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return Summarize(n.keyRanges)
}

// PathLengthSummary summarizes the path-length samples.
func (n *Node) PathLengthSummary() Summary {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return Summarize(n.pathLengths)
}
