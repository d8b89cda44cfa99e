package subscription

import (
	"sync"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// pendingNode is the net change to one node within a batch window: the
// state it had in scope when first seen and the latest state. A nil state
// means the node was absent from the subscriber's scope.
type pendingNode struct {
	base        *types.TreeNode
	baseIndex   int
	latest      *types.TreeNode
	latestIndex int
}

type subscriber struct {
	handler   Handler
	deliverMu sync.Mutex

	// Guarded by Broker.mu.
	info     types.Subscription
	pending  map[types.NodeID]*pendingNode
	order    []types.NodeID
	revision int64
	timer    clock.Timer
}

// covers reports whether a node with the given ancestor path lies within
// the watched root and depth. path runs from the parent up to the forest
// root.
func (s *subscriber) covers(id types.NodeID, path []types.NodeID) bool {
	root := s.info.WatchedRootNodeID
	if id == root {
		return true
	}
	for i, a := range path {
		if a != root {
			continue
		}
		return s.info.Depth == types.UnboundedDepth || i+1 <= s.info.Depth
	}
	return false
}

// fold merges one change into the pending batch. It reports whether the
// change touched the subscriber's scope.
func (s *subscriber) fold(ch *types.NodeChange) bool {
	inBefore := ch.Before != nil && s.covers(ch.NodeID, ch.BeforePath)
	inAfter := ch.After != nil && s.covers(ch.NodeID, ch.AfterPath)
	if !inBefore && !inAfter {
		return false
	}
	p, ok := s.pending[ch.NodeID]
	if !ok {
		p = &pendingNode{}
		if inBefore {
			p.base = ch.Before
			p.baseIndex = ch.BeforeIndex
		}
		s.pending[ch.NodeID] = p
		s.order = append(s.order, ch.NodeID)
	}
	p.latest, p.latestIndex = nil, 0
	if inAfter {
		p.latest = ch.After
		p.latestIndex = ch.AfterIndex
	}
	return true
}

// takeLocked turns the pending batch into its net diff and resets it.
// The caller must hold Broker.mu.
func (s *subscriber) takeLocked() types.SubTreeChanges {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	out := types.SubTreeChanges{
		SubscriptionID: s.info.SubscriptionID,
		RootNodeID:     s.info.WatchedRootNodeID,
		Revision:       s.revision,
	}
	for _, id := range s.order {
		p := s.pending[id]
		switch {
		case p.base == nil && p.latest == nil:
			// Appeared and vanished within one window.
		case p.base == nil:
			out.Added = append(out.Added, p.latest.Clone())
		case p.latest == nil:
			out.Removed = append(out.Removed, id)
		default:
			if p.base.ParentNodeID != p.latest.ParentNodeID || p.baseIndex != p.latestIndex {
				out.Moved = append(out.Moved, types.MovedNode{
					NodeID:      id,
					OldParentID: p.base.ParentNodeID,
					NewParentID: p.latest.ParentNodeID,
					OldIndex:    p.baseIndex,
					NewIndex:    p.latestIndex,
				})
			}
			if changes := types.FieldChanges(p.base, p.latest); visible(changes) {
				out.Updated = append(out.Updated, types.UpdatedNode{NodeID: id, Changes: changes})
			}
		}
	}
	clear(s.pending)
	s.order = s.order[:0]
	if !out.Empty() {
		s.info.LastDeliveredVersion = out.Revision
	}
	return out
}

// visible reports whether a field diff holds more than a version and
// timestamp bump.
func visible(changes map[string]any) bool {
	for k := range changes {
		if k != "version" && k != "updated_at" {
			return true
		}
	}
	return false
}

func eventCount(c types.SubTreeChanges) int {
	return len(c.Added) + len(c.Updated) + len(c.Removed) + len(c.Moved)
}

type copySubscriber struct {
	id        types.SubscriptionID
	handler   WorkingCopyHandler
	deliverMu sync.Mutex

	// Guarded by Broker.mu.
	pending map[types.WorkingCopyID]*types.WorkingCopy
	order   []types.WorkingCopyID
	timer   clock.Timer
}

// fold keeps the latest state of each working copy. A nil copy records a
// removal.
func (c *copySubscriber) fold(ev types.WorkingCopyEvent) {
	if _, ok := c.pending[ev.WorkingCopyID]; !ok {
		c.order = append(c.order, ev.WorkingCopyID)
	}
	c.pending[ev.WorkingCopyID] = ev.Copy
}

func (c *copySubscriber) takeLocked() types.WorkingCopyChanges {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	out := types.WorkingCopyChanges{SubscriptionID: c.id}
	for _, id := range c.order {
		if wc := c.pending[id]; wc != nil {
			out.Upserted = append(out.Upserted, wc)
		} else {
			out.Removed = append(out.Removed, id)
		}
	}
	clear(c.pending)
	c.order = c.order[:0]
	return out
}
