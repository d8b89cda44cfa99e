package types

import "time"

// NodeChange describes one node touched by a committed operation.
//
// Before is nil for a created node and After is nil for a deleted one. Nodes
// whose ancestry changed only because an ancestor moved carry identical Before
// and After snapshots with different paths. Paths list ancestor ids from the
// parent up to the forest root.
type NodeChange struct {
	NodeID      NodeID
	Before      *TreeNode
	After       *TreeNode
	BeforePath  []NodeID
	AfterPath   []NodeID
	BeforeIndex int
	AfterIndex  int
}

// ChangeSet is everything one committed operation changed, in application
// order. Revision increases by one per committed operation.
type ChangeSet struct {
	Revision    int64
	CommandID   CommandID
	CommandType CommandType
	Changes     []NodeChange
	CommittedAt time.Time
}

// UpdatedNode lists the changed fields of a node, keyed by JSON field name.
type UpdatedNode struct {
	NodeID  NodeID         `json:"node_id"`
	Changes map[string]any `json:"changes"`
}

// MovedNode records a parent or sibling-position change.
type MovedNode struct {
	NodeID      NodeID `json:"node_id"`
	OldParentID NodeID `json:"old_parent_id"`
	NewParentID NodeID `json:"new_parent_id"`
	OldIndex    int    `json:"old_index"`
	NewIndex    int    `json:"new_index"`
}

// SubTreeChanges is one delivered, merged diff scoped to a subscriber's
// watched root and depth. Revision is the last ChangeSet revision folded in.
type SubTreeChanges struct {
	SubscriptionID SubscriptionID `json:"subscription_id"`
	RootNodeID     NodeID         `json:"root_node_id"`
	Revision       int64          `json:"revision"`
	Added          []*TreeNode    `json:"added,omitempty"`
	Updated        []UpdatedNode  `json:"updated,omitempty"`
	Removed        []NodeID       `json:"removed,omitempty"`
	Moved          []MovedNode    `json:"moved,omitempty"`
}

// Empty reports whether the diff carries nothing.
func (c *SubTreeChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0 && len(c.Moved) == 0
}

// WorkingCopyEvent is emitted by the working copy manager on every change.
// Copy is nil when the working copy was removed (committed, discarded or
// expired).
type WorkingCopyEvent struct {
	WorkingCopyID WorkingCopyID
	Copy          *WorkingCopy
}

// WorkingCopyChanges is one delivered, merged working copy diff.
type WorkingCopyChanges struct {
	SubscriptionID SubscriptionID  `json:"subscription_id"`
	Upserted       []*WorkingCopy  `json:"upserted,omitempty"`
	Removed        []WorkingCopyID `json:"removed,omitempty"`
}

// Subscription describes an observer registration.
type Subscription struct {
	SubscriptionID       SubscriptionID `json:"subscription_id"`
	WatchedRootNodeID    NodeID         `json:"watched_root_node_id"`
	Depth                int            `json:"depth"`
	LastDeliveredVersion int64          `json:"last_delivered_version"`
}

// DefaultSubscriptionDepth is the traversal depth used when none is given.
const DefaultSubscriptionDepth = 2

// UnboundedDepth watches every descendant.
const UnboundedDepth = -1
