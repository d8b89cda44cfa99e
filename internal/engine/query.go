package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// SearchFilter narrows SearchNodes. Zero fields match everything.
type SearchFilter struct {
	TreeID   types.TreeID
	NodeType string

	// IncludeTrash also matches nodes inside trash roots.
	IncludeTrash bool

	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// GetTree returns a tree by id.
func (e *Engine) GetTree(ctx context.Context, id types.TreeID) (*types.Tree, error) {
	var t *types.Tree
	err := e.view(ctx, func(tx types.Tx) error {
		var err error
		t, err = tx.GetTree(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting tree %s: %w", id, err)
	}
	return t, nil
}

// ListTrees returns every tree.
func (e *Engine) ListTrees(ctx context.Context) ([]*types.Tree, error) {
	var trees []*types.Tree
	err := e.view(ctx, func(tx types.Tx) error {
		var err error
		trees, err = tx.ListTrees()
		return err
	})
	return trees, err
}

// GetNode returns a committed node. Working copies are never returned.
func (e *Engine) GetNode(ctx context.Context, id types.NodeID) (*types.TreeNode, error) {
	var n *types.TreeNode
	err := e.view(ctx, func(tx types.Tx) error {
		var err error
		n, err = tx.GetNode(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	return n, nil
}

// GetChildren returns the ordered children of id.
func (e *Engine) GetChildren(ctx context.Context, id types.NodeID) ([]*types.TreeNode, error) {
	var out []*types.TreeNode
	err := e.view(ctx, func(tx types.Tx) error {
		if _, err := tx.GetNode(id); err != nil {
			return err
		}
		var err error
		out, err = forest.ChildNodes(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting children of %s: %w", id, err)
	}
	return out, nil
}

// GetDescendants returns the descendants of id down to depth levels, in
// pre-order. A negative depth returns the whole subtree.
func (e *Engine) GetDescendants(ctx context.Context, id types.NodeID, depth int) ([]*types.TreeNode, error) {
	var out []*types.TreeNode
	err := e.view(ctx, func(tx types.Tx) error {
		if _, err := tx.GetNode(id); err != nil {
			return err
		}
		var err error
		out, err = forest.DescendantsToDepth(tx, id, depth)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting descendants of %s: %w", id, err)
	}
	return out, nil
}

// GetAncestors returns the ancestors of id from its parent up to the root.
func (e *Engine) GetAncestors(ctx context.Context, id types.NodeID) ([]*types.TreeNode, error) {
	var out []*types.TreeNode
	err := e.view(ctx, func(tx types.Tx) error {
		path, err := forest.PathToRoot(tx, id)
		if err != nil {
			return err
		}
		if path == nil {
			return types.ErrNotFound
		}
		out = path[1:]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting ancestors of %s: %w", id, err)
	}
	return out, nil
}

// SearchNodes returns non-sentinel nodes whose name contains query, case
// insensitively, ordered by name then id. An empty query matches every
// node the filter admits.
func (e *Engine) SearchNodes(ctx context.Context, query string, f SearchFilter) ([]*types.TreeNode, error) {
	needle := strings.ToLower(query)
	var out []*types.TreeNode
	err := e.view(ctx, func(tx types.Tx) error {
		trees := make(map[types.TreeID]*types.Tree)
		list, err := tx.ListTrees()
		if err != nil {
			return err
		}
		for _, t := range list {
			trees[t.TreeID] = t
		}

		var matched []*types.TreeNode
		err = tx.ScanNodes(func(n *types.TreeNode) bool {
			if n.IsSentinel() {
				return true
			}
			if f.TreeID != "" && n.TreeID != f.TreeID {
				return true
			}
			if f.NodeType != "" && n.NodeType != f.NodeType {
				return true
			}
			if !strings.Contains(strings.ToLower(n.Name), needle) {
				return true
			}
			matched = append(matched, n)
			return true
		})
		if err != nil {
			return err
		}
		for _, n := range matched {
			if !f.IncludeTrash {
				tree := trees[n.TreeID]
				if tree == nil {
					continue
				}
				inTrash, err := forest.InTrash(tx, tree, n.ID)
				if err != nil {
					return err
				}
				if inTrash {
					continue
				}
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching nodes: %w", err)
	}
	slices.SortFunc(out, func(a, b *types.TreeNode) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetNodeIdsToBeDeleted is the dry run of permanentDelete: the ids it would
// remove, descendants included, with no side effects.
func (e *Engine) GetNodeIdsToBeDeleted(ctx context.Context, pl types.PermanentDeletePayload) ([]types.NodeID, error) {
	return e.pipeline.ToBeDeleted(ctx, pl)
}

// CanDrop reports whether every id may be moved under target, evaluated
// against the latest committed state. Drag feedback calls it on every
// hover change.
func (e *Engine) CanDrop(ctx context.Context, ids []types.NodeID, target types.NodeID) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	ok := true
	err := e.view(ctx, func(tx types.Tx) error {
		for _, id := range ids {
			can, err := forest.CanReparent(tx, id, target)
			if err != nil {
				return err
			}
			if !can {
				ok = false
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// GetWorkingCopy returns a working copy by id.
func (e *Engine) GetWorkingCopy(ctx context.Context, id types.WorkingCopyID) (*types.WorkingCopy, error) {
	return e.copies.Get(ctx, id)
}

// ListWorkingCopies returns every live working copy.
func (e *Engine) ListWorkingCopies(ctx context.Context) ([]*types.WorkingCopy, error) {
	return e.copies.List(ctx)
}

// UndoDepth returns the number of undoable command groups.
func (e *Engine) UndoDepth() int { return e.pipeline.UndoDepth() }

// RedoDepth returns the number of redoable command groups.
func (e *Engine) RedoDepth() int { return e.pipeline.RedoDepth() }
