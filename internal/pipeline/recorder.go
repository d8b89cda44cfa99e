package pipeline

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// recordingTx wraps a store transaction and remembers the pre-image of every
// node and trash record the first time it is written. After the operation
// the pre-images, together with the current transaction state, yield both
// the ChangeSet for subscribers and the undo entry.
type recordingTx struct {
	types.Tx

	nodes      map[types.NodeID]*types.TreeNode
	nodeOrder  []types.NodeID
	trash      map[types.NodeID]*types.TrashRecord
	trashOrder []types.NodeID
}

func newRecordingTx(tx types.Tx) *recordingTx {
	return &recordingTx{
		Tx:    tx,
		nodes: make(map[types.NodeID]*types.TreeNode),
		trash: make(map[types.NodeID]*types.TrashRecord),
	}
}

func (r *recordingTx) touchNode(id types.NodeID) error {
	if _, ok := r.nodes[id]; ok {
		return nil
	}
	n, err := r.Tx.GetNode(id)
	if errors.Is(err, types.ErrNotFound) {
		n = nil
	} else if err != nil {
		return err
	}
	r.nodes[id] = n
	r.nodeOrder = append(r.nodeOrder, id)
	return nil
}

func (r *recordingTx) touchTrash(id types.NodeID) error {
	if _, ok := r.trash[id]; ok {
		return nil
	}
	rec, err := r.Tx.GetTrashRecord(id)
	if errors.Is(err, types.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return err
	}
	r.trash[id] = rec
	r.trashOrder = append(r.trashOrder, id)
	return nil
}

func (r *recordingTx) PutNode(n *types.TreeNode) error {
	if err := r.touchNode(n.ID); err != nil {
		return err
	}
	return r.Tx.PutNode(n)
}

func (r *recordingTx) DeleteNode(id types.NodeID) error {
	if err := r.touchNode(id); err != nil {
		return err
	}
	return r.Tx.DeleteNode(id)
}

func (r *recordingTx) PutTrashRecord(rec *types.TrashRecord) error {
	if err := r.touchTrash(rec.NodeID); err != nil {
		return err
	}
	return r.Tx.PutTrashRecord(rec)
}

func (r *recordingTx) DeleteTrashRecord(id types.NodeID) error {
	if err := r.touchTrash(id); err != nil {
		return err
	}
	return r.Tx.DeleteTrashRecord(id)
}

// entry returns the undo entry for everything written so far. Records
// whose pre- and post-image are equal are left out.
func (r *recordingTx) entry() (*entry, error) {
	e := &entry{}
	for _, id := range r.nodeOrder {
		after, err := forest.Lookup(r.Tx, id)
		if err != nil {
			return nil, err
		}
		before := r.nodes[id]
		if sameNode(before, after) {
			continue
		}
		e.nodes = append(e.nodes, nodeImage{ID: id, Before: before.Clone(), After: after.Clone()})
	}
	for _, id := range r.trashOrder {
		after, err := r.Tx.GetTrashRecord(id)
		if errors.Is(err, types.ErrNotFound) {
			after = nil
		} else if err != nil {
			return nil, err
		}
		before := r.trash[id]
		if sameTrash(before, after) {
			continue
		}
		e.trash = append(e.trash, trashImage{ID: id, Before: before.Clone(), After: after.Clone()})
	}
	return e, nil
}

// changes derives the node changes of e. Nodes that were not written but
// whose ancestry changed because an ancestor moved are reported with equal
// Before and After snapshots.
func (r *recordingTx) changes(e *entry) ([]types.NodeChange, error) {
	v := &beforeView{r: r, after: make(map[types.NodeID][]*types.TreeNode)}
	var out []types.NodeChange
	reported := make(map[types.NodeID]struct{})

	add := func(id types.NodeID, before, after *types.TreeNode) error {
		c := types.NodeChange{NodeID: id, Before: before, After: after}
		if before != nil {
			path, err := v.path(before.ParentNodeID)
			if err != nil {
				return err
			}
			c.BeforePath = path
			if c.BeforeIndex, err = v.index(before); err != nil {
				return err
			}
		}
		if after != nil {
			path, err := forest.AncestorIDs(r.Tx, id)
			if err != nil {
				return err
			}
			c.AfterPath = path
			if c.AfterIndex, err = v.afterIndex(after); err != nil {
				return err
			}
		}
		reported[id] = struct{}{}
		out = append(out, c)
		return nil
	}

	for _, img := range e.nodes {
		if err := add(img.ID, img.Before, img.After); err != nil {
			return nil, err
		}
	}
	for _, img := range e.nodes {
		if img.After == nil || (img.Before != nil && img.Before.ParentNodeID == img.After.ParentNodeID) {
			continue
		}
		desc, err := forest.Descendants(r.Tx, img.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range desc {
			if _, ok := reported[d.ID]; ok {
				continue
			}
			if _, touched := r.nodes[d.ID]; touched {
				continue
			}
			if err := add(d.ID, d, d.Clone()); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// beforeView answers ancestry questions about the state at the start of the
// transaction: written nodes are read from their pre-images, everything else
// is unchanged and read from the transaction.
type beforeView struct {
	r        *recordingTx
	byParent map[types.NodeID][]*types.TreeNode
	after    map[types.NodeID][]*types.TreeNode
}

func (v *beforeView) parentOf(id types.NodeID) (types.NodeID, bool, error) {
	if img, ok := v.r.nodes[id]; ok {
		if img == nil {
			return types.NoParent, false, nil
		}
		return img.ParentNodeID, true, nil
	}
	n, err := forest.Lookup(v.r.Tx, id)
	if err != nil || n == nil {
		return types.NoParent, false, err
	}
	return n.ParentNodeID, true, nil
}

// path lists parent and its ancestors, parent first.
func (v *beforeView) path(parent types.NodeID) ([]types.NodeID, error) {
	var out []types.NodeID
	cur := parent
	for cur != types.NoParent {
		if len(out) >= forest.MaxWalk {
			return nil, fmt.Errorf("walking up from %s: %w", parent, types.ErrCycleDetected)
		}
		out = append(out, cur)
		next, ok, err := v.parentOf(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur = next
	}
	return out, nil
}

func (v *beforeView) index(n *types.TreeNode) (int, error) {
	if n.ParentNodeID == types.NoParent {
		return 0, nil
	}
	if v.byParent == nil {
		v.byParent = make(map[types.NodeID][]*types.TreeNode)
		for _, id := range v.r.nodeOrder {
			if img := v.r.nodes[id]; img != nil {
				v.byParent[img.ParentNodeID] = append(v.byParent[img.ParentNodeID], img)
			}
		}
	}
	current, err := v.r.Tx.Children(n.ParentNodeID)
	if err != nil {
		return 0, err
	}
	siblings := slices.DeleteFunc(current, func(c *types.TreeNode) bool {
		_, touched := v.r.nodes[c.ID]
		return touched
	})
	siblings = append(siblings, v.byParent[n.ParentNodeID]...)
	types.SortSiblings(siblings)
	return forest.IndexOf(siblings, n.ID), nil
}

func (v *beforeView) afterIndex(n *types.TreeNode) (int, error) {
	if n.ParentNodeID == types.NoParent {
		return 0, nil
	}
	siblings, ok := v.after[n.ParentNodeID]
	if !ok {
		var err error
		if siblings, err = v.r.Tx.Children(n.ParentNodeID); err != nil {
			return 0, err
		}
		v.after[n.ParentNodeID] = siblings
	}
	return forest.IndexOf(siblings, n.ID), nil
}

func sameNode(a, b *types.TreeNode) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ParentNodeID == b.ParentNodeID &&
		a.Position == b.Position &&
		a.IsDraft == b.IsDraft &&
		a.WorkingCopyOf == b.WorkingCopyOf &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		len(types.FieldChanges(a, b)) == 0
}

func sameTrash(a, b *types.TrashRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TreeID == b.TreeID &&
		a.OriginalParentID == b.OriginalParentID &&
		a.OriginalPosition == b.OriginalPosition &&
		a.TrashedAt.Equal(b.TrashedAt)
}
