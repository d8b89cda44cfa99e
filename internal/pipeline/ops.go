package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func requireNode(tx types.Tx, id types.NodeID) (*types.TreeNode, error) {
	n, err := forest.Lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
	}
	return n, nil
}

func requireMovable(tx types.Tx, id types.NodeID) (*types.TreeNode, error) {
	n, err := requireNode(tx, id)
	if err != nil {
		return nil, err
	}
	if n.IsSentinel() {
		return nil, fmt.Errorf("node %s: %w", id, types.ErrProtectedNode)
	}
	return n, nil
}

func treeOf(tx types.Tx, n *types.TreeNode) (*types.Tree, error) {
	t, err := tx.GetTree(n.TreeID)
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", n.ID, err)
	}
	return t, nil
}

// trashed reports whether n is a trash root or lies beneath one.
func trashed(tx types.Tx, n *types.TreeNode) (bool, error) {
	return forest.UnderTrash(tx, n)
}

// liveParent returns the node with id if it can receive children: it must
// exist and must not be in the trash.
func liveParent(tx types.Tx, id types.NodeID) (*types.TreeNode, error) {
	parent, err := forest.Lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent %s: %w", id, types.ErrInvalidParent)
	}
	inTrash, err := trashed(tx, parent)
	if err != nil {
		return nil, err
	}
	if inTrash {
		return nil, fmt.Errorf("parent %s is in the trash: %w", id, types.ErrInvalidParent)
	}
	return parent, nil
}

func takenNames(siblings []*types.TreeNode) map[string]bool {
	taken := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		taken[s.Name] = true
	}
	return taken
}

// resolveName returns name, or under auto-rename the first free
// "name (n)" starting at 2.
func resolveName(taken map[string]bool, name string, policy types.NameConflictPolicy) (string, error) {
	if !taken[name] {
		return name, nil
	}
	if policy == types.OnConflictError {
		return "", fmt.Errorf("%q: %w", name, types.ErrNameConflict)
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

func policyOr(p, def types.NameConflictPolicy) types.NameConflictPolicy {
	if p == "" {
		return def
	}
	return p
}

// place returns k positions for a run inserted at index among siblings,
// renumbering the siblings first when there is no room between them.
func place(tx types.Tx, o *outcome, siblings []*types.TreeNode, index, k int) ([]float64, error) {
	if ps, ok := forest.PositionsAt(siblings, index, k); ok {
		return ps, nil
	}
	for _, s := range forest.Renumber(siblings) {
		s.Version++
		s.UpdatedAt = o.now
		if err := tx.PutNode(s); err != nil {
			return nil, err
		}
	}
	ps, ok := forest.PositionsAt(siblings, index, k)
	if !ok {
		return nil, fmt.Errorf("no room among %d siblings: %w", len(siblings), types.ErrInternal)
	}
	return ps, nil
}

// retree moves every descendant of n into tree.
func retree(tx types.Tx, o *outcome, n *types.TreeNode, tree types.TreeID) error {
	desc, err := forest.Descendants(tx, n.ID)
	if err != nil {
		return err
	}
	for _, d := range desc {
		d.TreeID = tree
		d.Version++
		d.UpdatedAt = o.now
		if err := tx.PutNode(d); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) createNode(tx *recordingTx, o *outcome, pl *types.CreateNodePayload) error {
	parent, err := liveParent(tx, pl.ParentID)
	if err != nil {
		return err
	}
	siblings, err := tx.Children(parent.ID)
	if err != nil {
		return err
	}
	name, err := resolveName(takenNames(siblings), pl.Name, policyOr(pl.OnNameConflict, types.OnConflictAutoRename))
	if err != nil {
		return err
	}
	index := len(siblings)
	if pl.Index != nil {
		index = *pl.Index
	}
	pos, err := place(tx, o, siblings, index, 1)
	if err != nil {
		return err
	}

	n := &types.TreeNode{
		ID:           types.NewNodeID(),
		TreeID:       parent.TreeID,
		ParentNodeID: parent.ID,
		Name:         name,
		NodeType:     pl.NodeType,
		Position:     pos[0],
		Properties:   maps.Clone(pl.Properties),
		CreatedAt:    o.now,
		UpdatedAt:    o.now,
		Version:      1,
	}
	if fields := p.plugins.Validate(n); len(fields) > 0 {
		return &types.ValidationError{Fields: fields}
	}
	if err := tx.PutNode(n); err != nil {
		return err
	}
	o.result.Node = n.Clone()
	o.created(n.ID)
	o.affected(n.ID)
	o.then(func(ctx context.Context) { p.hook("create", n, p.plugins.Created(ctx, n)) })
	return nil
}

func (p *Pipeline) moveNodes(tx *recordingTx, o *outcome, pl *types.MoveNodesPayload) error {
	target, err := forest.Lookup(tx, pl.ToParentID)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("move target %s: %w", pl.ToParentID, types.ErrInvalidParent)
	}
	if inTrash, err := trashed(tx, target); err != nil {
		return err
	} else if inTrash {
		return fmt.Errorf("move target %s is in the trash: %w", target.ID, types.ErrInvalidParent)
	}

	ids, err := forest.TopLevel(tx, pl.NodeIDs)
	if err != nil {
		return err
	}
	var moving []*types.TreeNode
	for _, id := range ids {
		n, err := requireMovable(tx, id)
		if err != nil {
			return err
		}
		err = forest.CheckReparent(tx, id, target.ID)
		if errors.Is(err, types.ErrNoOpMove) {
			// With an index the move reorders among the current siblings.
			if pl.Index == nil {
				continue
			}
		} else if err != nil {
			return err
		}
		moving = append(moving, n)
	}
	if len(moving) == 0 {
		return fmt.Errorf("every node is already under %s: %w", target.ID, types.ErrNoOpMove)
	}

	isMoving := make(map[types.NodeID]bool, len(moving))
	for _, n := range moving {
		isMoving[n.ID] = true
	}
	all, err := tx.Children(target.ID)
	if err != nil {
		return err
	}
	var siblings []*types.TreeNode
	for _, s := range all {
		if !isMoving[s.ID] {
			siblings = append(siblings, s)
		}
	}

	policy := policyOr(pl.OnNameConflict, types.OnConflictError)
	taken := takenNames(siblings)
	names := make([]string, len(moving))
	for i, n := range moving {
		if names[i], err = resolveName(taken, n.Name, policy); err != nil {
			return fmt.Errorf("moving %s under %s: %w", n.ID, target.ID, err)
		}
		taken[names[i]] = true
	}

	index := len(siblings)
	if pl.Index != nil {
		index = *pl.Index
	}
	positions, err := place(tx, o, siblings, index, len(moving))
	if err != nil {
		return err
	}

	for i, n := range moving {
		if _, err := tx.GetTrashRecord(n.ID); err == nil {
			if err := tx.DeleteTrashRecord(n.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		if n.TreeID != target.TreeID {
			if err := retree(tx, o, n, target.TreeID); err != nil {
				return err
			}
		}
		n.ParentNodeID = target.ID
		n.TreeID = target.TreeID
		n.Position = positions[i]
		n.Name = names[i]
		n.Version++
		n.UpdatedAt = o.now
		if err := tx.PutNode(n); err != nil {
			return err
		}
		o.affected(n.ID)
	}
	return nil
}

func (p *Pipeline) duplicateNodes(tx *recordingTx, o *outcome, pl *types.DuplicateNodesPayload) error {
	ids, err := forest.TopLevel(tx, pl.NodeIDs)
	if err != nil {
		return err
	}
	type plan struct {
		src    *types.TreeNode
		target *types.TreeNode
		desc   []*types.TreeNode
	}
	plans := make([]plan, 0, len(ids))
	for _, id := range ids {
		src, err := requireMovable(tx, id)
		if err != nil {
			return err
		}
		targetID := pl.ToParentID
		if targetID == types.NoParent {
			targetID = src.ParentNodeID
		}
		target, err := liveParent(tx, targetID)
		if err != nil {
			return err
		}
		desc, err := forest.Descendants(tx, src.ID)
		if err != nil {
			return err
		}
		plans = append(plans, plan{src: src, target: target, desc: desc})
	}

	type copied struct{ src, dst *types.TreeNode }
	var pairs []copied
	for _, pn := range plans {
		siblings, err := tx.Children(pn.target.ID)
		if err != nil {
			return err
		}
		index := len(siblings)
		if pn.target.ID == pn.src.ParentNodeID {
			index = forest.IndexOf(siblings, pn.src.ID) + 1
		}
		name, err := resolveName(takenNames(siblings), pn.src.Name, types.OnConflictAutoRename)
		if err != nil {
			return err
		}
		pos, err := place(tx, o, siblings, index, 1)
		if err != nil {
			return err
		}

		top := p.copyNode(o, pn.src, pn.target.ID, pn.target.TreeID)
		top.Name = name
		top.Position = pos[0]
		if err := tx.PutNode(top); err != nil {
			return err
		}
		pairs = append(pairs, copied{pn.src, top})
		o.affected(top.ID)
		o.created(top.ID)

		mapped := map[types.NodeID]types.NodeID{pn.src.ID: top.ID}
		for _, d := range pn.desc {
			c := p.copyNode(o, d, mapped[d.ParentNodeID], pn.target.TreeID)
			mapped[d.ID] = c.ID
			if err := tx.PutNode(c); err != nil {
				return err
			}
			pairs = append(pairs, copied{d, c})
			o.created(c.ID)
		}
	}

	o.then(func(ctx context.Context) {
		for _, c := range pairs {
			p.hook("copy", c.dst, p.plugins.Copy(ctx, c.src, c.dst))
		}
	})
	return nil
}

func (p *Pipeline) copyNode(o *outcome, src *types.TreeNode, parent types.NodeID, tree types.TreeID) *types.TreeNode {
	c := src.Clone()
	c.ID = types.NewNodeID()
	c.ParentNodeID = parent
	c.TreeID = tree
	c.CreatedAt = o.now
	c.UpdatedAt = o.now
	c.Version = 1
	c.IsDraft = false
	c.WorkingCopyOf = ""
	return c
}

func (p *Pipeline) pasteNodes(tx *recordingTx, o *outcome, pl *types.PasteNodesPayload) error {
	if len(pl.Clipboard.Nodes) == 0 {
		return types.ErrClipboardEmpty
	}
	switch pl.Clipboard.Operation {
	case types.ClipboardCut:
		err := p.moveNodes(tx, o, &types.MoveNodesPayload{
			NodeIDs:        pl.Clipboard.Nodes,
			ToParentID:     pl.TargetParentID,
			OnNameConflict: types.OnConflictAutoRename,
		})
		if err != nil {
			return err
		}
		o.result.ClipboardCleared = true
		return nil
	case types.ClipboardCopy:
		return p.duplicateNodes(tx, o, &types.DuplicateNodesPayload{
			NodeIDs:    pl.Clipboard.Nodes,
			ToParentID: pl.TargetParentID,
		})
	default:
		return fmt.Errorf("clipboard operation %q: %w", pl.Clipboard.Operation, types.ErrInvalidCommand)
	}
}

func (p *Pipeline) commitWorkingCopy(tx *recordingTx, o *outcome, pl *types.CommitWorkingCopyPayload) error {
	wc, err := tx.GetWorkingCopy(pl.WorkingCopyID)
	if err != nil {
		return fmt.Errorf("working copy %s: %w", pl.WorkingCopyID, err)
	}
	draft := wc.IsDraft()
	n, err := p.copies.Commit(tx, wc)
	if err != nil {
		return err
	}
	o.result.Node = n.Clone()
	o.affected(n.ID)
	if draft {
		o.created(n.ID)
	}
	o.wcEvents = append(o.wcEvents, types.WorkingCopyEvent{WorkingCopyID: wc.WorkingCopyID})
	o.then(func(ctx context.Context) {
		if draft {
			p.hook("create", n, p.plugins.Created(ctx, n))
			return
		}
		p.hook("update", n, p.plugins.Updated(ctx, n))
	})
	return nil
}

func (p *Pipeline) discardWorkingCopy(tx *recordingTx, o *outcome, pl *types.DiscardWorkingCopyPayload) error {
	o.effect = keepHistory
	_, err := tx.GetWorkingCopy(pl.WorkingCopyID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.DeleteWorkingCopy(pl.WorkingCopyID); err != nil {
		return err
	}
	o.wcEvents = append(o.wcEvents, types.WorkingCopyEvent{WorkingCopyID: pl.WorkingCopyID})
	return nil
}

func (p *Pipeline) undo(tx *recordingTx, o *outcome) error {
	e := p.history.peekUndo()
	if e == nil {
		return types.ErrNothingToUndo
	}
	return p.replay(tx, o, e, true, popUndo)
}

func (p *Pipeline) redo(tx *recordingTx, o *outcome) error {
	e := p.history.peekRedo()
	if e == nil {
		return types.ErrNothingToRedo
	}
	return p.replay(tx, o, e, false, popRedo)
}

func (p *Pipeline) replay(tx *recordingTx, o *outcome, e *entry, useBefore bool, eff effect) error {
	dropped, err := restore(tx, e, useBefore)
	if err != nil {
		return err
	}
	o.effect = eff
	for _, img := range e.nodes {
		o.affected(img.ID)
	}
	for _, id := range dropped {
		o.wcEvents = append(o.wcEvents, types.WorkingCopyEvent{WorkingCopyID: id})
	}
	return nil
}

// hook logs a failed post-commit plugin call. The command has already
// committed, so the failure does not change its result.
func (p *Pipeline) hook(op string, n *types.TreeNode, err error) {
	if err != nil {
		p.logger.Warn("plugin hook failed", "op", op, "node_id", n.ID, "node_type", n.NodeType, "error", err)
	}
}
