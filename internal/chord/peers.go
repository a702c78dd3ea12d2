package chord

// Peers resolves node identifiers to the node records that stand in for
// remote endpoints. Calling a method on a resolved node is the in-process
// equivalent of an RPC with zero latency.
//
// Lookup must keep resolving ids of failed and departed nodes so callers can
// observe that a peer is gone instead of holding a dangling reference.
type Peers interface {
	Lookup(id NodeID) (*Node, bool)
}
