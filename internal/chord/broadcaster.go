package chord

import "time"

// Ring update event types
const (
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventNodeJoin           = "node_join"
	EventNodeLeave          = "node_leave"
	EventNodeFail           = "node_fail"
	EventNodeIsolated       = "node_isolated"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This lets nodes keep external observers (display, live dashboards) in sync
// with the successor and predecessor edges of the ring without depending on them.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    uint64 `json:"node_id"`
	PeerID    uint64 `json:"peer_id"`   // New successor/predecessor, or the bootstrap peer of a join
	HasPeer   bool   `json:"has_peer"`  // False when the edge was cleared
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// nopBroadcaster drops every update.
type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastRingUpdate(any) error { return nil }

func newEvent(kind string, node NodeID, peer NodeID, hasPeer bool) RingUpdateEvent {
	return RingUpdateEvent{
		Type:      kind,
		NodeID:    uint64(node),
		PeerID:    uint64(peer),
		HasPeer:   hasPeer,
		Timestamp: time.Now().UnixMilli(),
	}
}
