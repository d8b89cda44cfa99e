package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func (p *Pipeline) moveToTrash(ctx context.Context, tx *recordingTx, o *outcome, pl *types.MoveToTrashPayload) error {
	ids, err := forest.TopLevel(tx, pl.NodeIDs)
	if err != nil {
		return err
	}
	var moved []*types.TreeNode
	for _, id := range ids {
		n, err := requireMovable(tx, id)
		if err != nil {
			return err
		}
		tree, err := treeOf(tx, n)
		if err != nil {
			return err
		}
		inTrash, err := forest.InTrash(tx, tree, n.ID)
		if err != nil {
			return err
		}
		if inTrash {
			continue
		}
		if err := p.plugins.BeforeTrash(ctx, n); err != nil {
			return err
		}

		if err := tx.PutTrashRecord(&types.TrashRecord{
			NodeID:           n.ID,
			TreeID:           n.TreeID,
			OriginalParentID: n.ParentNodeID,
			OriginalPosition: n.Position,
			TrashedAt:        o.now,
		}); err != nil {
			return err
		}
		siblings, err := tx.Children(tree.TrashNodeID)
		if err != nil {
			return err
		}
		pos, err := place(tx, o, siblings, len(siblings), 1)
		if err != nil {
			return err
		}
		n.ParentNodeID = tree.TrashNodeID
		n.Position = pos[0]
		n.Version++
		n.UpdatedAt = o.now
		if err := tx.PutNode(n); err != nil {
			return err
		}
		o.affected(n.ID)
		moved = append(moved, n)
	}
	o.then(func(ctx context.Context) {
		for _, n := range moved {
			p.plugins.AfterTrash(ctx, n)
		}
	})
	return nil
}

func (p *Pipeline) recoverFromTrash(tx *recordingTx, o *outcome, pl *types.RecoverFromTrashPayload) error {
	mode := pl.Mode
	if mode == "" {
		mode = types.RestoreToOriginalNode
	}
	ids, err := forest.TopLevel(tx, pl.NodeIDs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := requireMovable(tx, id)
		if err != nil {
			return err
		}
		rec, err := tx.GetTrashRecord(id)
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("recovering %s: %w", id, types.ErrNotInTrash)
		}
		if err != nil {
			return err
		}

		var parent *types.TreeNode
		switch mode {
		case types.RestoreToOriginalNode:
			parent, err = forest.Lookup(tx, rec.OriginalParentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return fmt.Errorf("recovering %s to %s: %w", id, rec.OriginalParentID, types.ErrOriginalParentMissing)
			}
			inTrash, err := trashed(tx, parent)
			if err != nil {
				return err
			}
			if inTrash {
				return fmt.Errorf("recovering %s: %s is in the trash: %w", id, parent.ID, types.ErrOriginalParentMissing)
			}
		case types.RestoreToCurrentNode:
			target := pl.Target()
			if target == types.NoParent {
				return fmt.Errorf("recovering %s: %s needs a target: %w", id, mode, types.ErrInvalidCommand)
			}
			if parent, err = liveParent(tx, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("recovery mode %q: %w", mode, types.ErrInvalidCommand)
		}

		siblings, err := tx.Children(parent.ID)
		if err != nil {
			return err
		}
		name, err := resolveName(takenNames(siblings), n.Name, types.OnConflictAutoRename)
		if err != nil {
			return err
		}
		pos := rec.OriginalPosition
		if mode == types.RestoreToCurrentNode {
			ps, err := place(tx, o, siblings, len(siblings), 1)
			if err != nil {
				return err
			}
			pos = ps[0]
		}
		if n.TreeID != parent.TreeID {
			if err := retree(tx, o, n, parent.TreeID); err != nil {
				return err
			}
		}
		if err := tx.DeleteTrashRecord(id); err != nil {
			return err
		}
		n.ParentNodeID = parent.ID
		n.TreeID = parent.TreeID
		n.Position = pos
		n.Name = name
		n.Version++
		n.UpdatedAt = o.now
		if err := tx.PutNode(n); err != nil {
			return err
		}
		o.affected(n.ID)
	}
	return nil
}

func (p *Pipeline) permanentDelete(ctx context.Context, tx *recordingTx, o *outcome, pl *types.PermanentDeletePayload) error {
	o.effect = clearHistory
	doomed, err := collectDeletion(tx, pl, o.now)
	if err != nil {
		return err
	}
	for _, n := range doomed {
		if err := p.plugins.BeforeDelete(ctx, n); err != nil {
			return err
		}
	}
	for i := len(doomed) - 1; i >= 0; i-- {
		n := doomed[i]
		if err := tx.DeleteNode(n.ID); err != nil {
			return err
		}
		if err := tx.DeleteTrashRecord(n.ID); err != nil {
			return err
		}
		wc, err := tx.WorkingCopyFor(n.ID)
		if err == nil {
			if err := tx.DeleteWorkingCopy(wc.WorkingCopyID); err != nil {
				return err
			}
			o.wcEvents = append(o.wcEvents, types.WorkingCopyEvent{WorkingCopyID: wc.WorkingCopyID})
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		o.affected(n.ID)
	}
	o.then(func(ctx context.Context) {
		for _, n := range doomed {
			p.hook("delete", n, p.plugins.Deleted(ctx, n))
			p.plugins.AfterDelete(ctx, n)
		}
	})
	return nil
}

// collectDeletion returns every node a permanentDelete would remove, in
// pre-order: each selected trashed node followed by its descendants. Nodes
// are selected by id, or by trash age when no ids are given.
func collectDeletion(tx types.Tx, pl *types.PermanentDeletePayload, now time.Time) ([]*types.TreeNode, error) {
	roots := pl.NodeIDs
	byAge := len(roots) == 0
	if byAge {
		cutoff := now.Add(-pl.OlderThan)
		recs, err := tx.ListTrashRecords(pl.TreeID)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.TrashedAt.Before(cutoff) {
				roots = append(roots, rec.NodeID)
			}
		}
	}
	roots, err := forest.TopLevel(tx, roots)
	if err != nil {
		return nil, err
	}

	var out []*types.TreeNode
	for _, id := range roots {
		n, err := forest.Lookup(tx, id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			if byAge {
				continue
			}
			return nil, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
		}
		if n.IsSentinel() {
			return nil, fmt.Errorf("deleting %s: %w", id, types.ErrProtectedNode)
		}
		tree, err := treeOf(tx, n)
		if err != nil {
			return nil, err
		}
		inTrash, err := forest.InTrash(tx, tree, id)
		if err != nil {
			return nil, err
		}
		if !inTrash {
			return nil, fmt.Errorf("deleting %s: %w", id, types.ErrNotInTrash)
		}
		desc, err := forest.Descendants(tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		out = append(out, desc...)
	}
	return out, nil
}

// ToBeDeleted is the dry run of permanentDelete: it returns the ids the
// command would remove, descendants included, from committed state.
func (p *Pipeline) ToBeDeleted(ctx context.Context, pl types.PermanentDeletePayload) ([]types.NodeID, error) {
	var ids []types.NodeID
	err := p.store.View(ctx, func(tx types.Tx) error {
		doomed, err := collectDeletion(tx, &pl, p.clock.Now())
		if err != nil {
			return err
		}
		ids = make([]types.NodeID, len(doomed))
		for i, n := range doomed {
			ids[i] = n.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
