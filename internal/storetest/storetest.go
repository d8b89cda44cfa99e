// Package storetest is the contract suite every types.Store implementation
// must pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Factory returns an attached store. The factory registers its own cleanup.
type Factory func(t *testing.T) types.Store

var errRollback = errors.New("rollback")

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("NodeCRUD", func(t *testing.T) { testNodeCRUD(t, newStore(t)) })
	t.Run("ChildrenOrdering", func(t *testing.T) { testChildrenOrdering(t, newStore(t)) })
	t.Run("Reparent", func(t *testing.T) { testReparent(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Trees", func(t *testing.T) { testTrees(t, newStore(t)) })
	t.Run("WorkingCopyExclusivity", func(t *testing.T) { testWorkingCopyExclusivity(t, newStore(t)) })
	t.Run("TrashRecords", func(t *testing.T) { testTrashRecords(t, newStore(t)) })
	t.Run("ScanNodes", func(t *testing.T) { testScanNodes(t, newStore(t)) })
	t.Run("Detach", func(t *testing.T) { testDetach(t, newStore(t)) })
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func node(id, parent types.NodeID, pos float64) *types.TreeNode {
	return &types.TreeNode{
		ID:           id,
		TreeID:       "tree",
		ParentNodeID: parent,
		Name:         string(id),
		NodeType:     "folder",
		Position:     pos,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
		Version:      1,
	}
}

func update(t *testing.T, s types.Store, fn func(tx types.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s types.Store, fn func(tx types.Tx) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func ids(nodes []*types.TreeNode) []types.NodeID {
	out := make([]types.NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func testNodeCRUD(t *testing.T, s types.Store) {
	n := node("a", "root", 1)
	n.Properties = map[string]any{"color": "red", "size": float64(3)}
	update(t, s, func(tx types.Tx) error {
		if err := tx.PutNode(node("root", types.NoParent, 0)); err != nil {
			return err
		}
		return tx.PutNode(n)
	})

	view(t, s, func(tx types.Tx) error {
		got, err := tx.GetNode("a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.Name)
		assert.Equal(t, types.NodeID("root"), got.ParentNodeID)
		assert.Equal(t, "red", got.Properties["color"])
		assert.Equal(t, float64(3), got.Properties["size"])
		assert.True(t, epoch.Equal(got.CreatedAt))

		_, err = tx.GetNode("missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	})

	update(t, s, func(tx types.Tx) error {
		got, err := tx.GetNode("a")
		if err != nil {
			return err
		}
		got.Name = "renamed"
		got.Version = 2
		return tx.PutNode(got)
	})
	update(t, s, func(tx types.Tx) error {
		got, err := tx.GetNode("a")
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, int64(2), got.Version)
		return tx.DeleteNode("a")
	})
	view(t, s, func(tx types.Tx) error {
		_, err := tx.GetNode("a")
		assert.ErrorIs(t, err, types.ErrNotFound)
		children, err := tx.Children("root")
		require.NoError(t, err)
		assert.Empty(t, children)
		return nil
	})
	update(t, s, func(tx types.Tx) error {
		return tx.DeleteNode("never-existed")
	})
}

func testChildrenOrdering(t *testing.T, s types.Store) {
	update(t, s, func(tx types.Tx) error {
		for _, n := range []*types.TreeNode{
			node("root", types.NoParent, 0),
			node("c", "root", 3),
			node("a", "root", 1),
			node("b2", "root", 2),
			node("b1", "root", 2),
		} {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(tx types.Tx) error {
		children, err := tx.Children("root")
		require.NoError(t, err)
		assert.Equal(t, []types.NodeID{"a", "b1", "b2", "c"}, ids(children))

		none, err := tx.Children("a")
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	})
}

func testReparent(t *testing.T, s types.Store) {
	update(t, s, func(tx types.Tx) error {
		for _, n := range []*types.TreeNode{
			node("root", types.NoParent, 0),
			node("x", "root", 1),
			node("y", "root", 2),
			node("leaf", "x", 1),
		} {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		return nil
	})
	update(t, s, func(tx types.Tx) error {
		leaf, err := tx.GetNode("leaf")
		if err != nil {
			return err
		}
		leaf.ParentNodeID = "y"
		return tx.PutNode(leaf)
	})
	view(t, s, func(tx types.Tx) error {
		x, err := tx.Children("x")
		require.NoError(t, err)
		assert.Empty(t, x)
		y, err := tx.Children("y")
		require.NoError(t, err)
		assert.Equal(t, []types.NodeID{"leaf"}, ids(y))
		return nil
	})
}

func testRollback(t *testing.T, s types.Store) {
	err := s.Update(context.Background(), func(tx types.Tx) error {
		if err := tx.PutNode(node("ghost", types.NoParent, 0)); err != nil {
			return err
		}
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)

	view(t, s, func(tx types.Tx) error {
		_, err := tx.GetNode("ghost")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	})
}

func testTrees(t *testing.T, s types.Store) {
	update(t, s, func(tx types.Tx) error {
		if err := tx.PutTree(&types.Tree{TreeID: "t2", Name: "second", RootNodeID: "r2", TrashNodeID: "x2", CreatedAt: epoch.Add(time.Hour)}); err != nil {
			return err
		}
		return tx.PutTree(&types.Tree{TreeID: "t1", Name: "first", RootNodeID: "r1", TrashNodeID: "x1", CreatedAt: epoch})
	})
	view(t, s, func(tx types.Tx) error {
		tr, err := tx.GetTree("t1")
		require.NoError(t, err)
		assert.Equal(t, "first", tr.Name)
		assert.Equal(t, types.NodeID("x1"), tr.TrashNodeID)

		all, err := tx.ListTrees()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, types.TreeID("t1"), all[0].TreeID)

		_, err = tx.GetTree("nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	})
}

func testWorkingCopyExclusivity(t *testing.T, s types.Store) {
	wc := &types.WorkingCopy{
		WorkingCopyID: "wc1",
		WorkingCopyOf: "a",
		Node:          *node("a", "root", 1),
		BaseVersion:   1,
		CopiedAt:      epoch,
		UpdatedAt:     epoch,
	}
	update(t, s, func(tx types.Tx) error { return tx.PutWorkingCopy(wc) })

	err := s.Update(context.Background(), func(tx types.Tx) error {
		other := *wc
		other.WorkingCopyID = "wc2"
		return tx.PutWorkingCopy(&other)
	})
	assert.ErrorIs(t, err, types.ErrAlreadyCheckedOut)

	// Re-putting the owner is an update, not a conflict.
	update(t, s, func(tx types.Tx) error {
		wc.IsDirty = true
		return tx.PutWorkingCopy(wc)
	})

	draft := &types.WorkingCopy{WorkingCopyID: "d1", Node: types.TreeNode{ID: "d1", IsDraft: true}, CopiedAt: epoch.Add(time.Minute)}
	draft2 := &types.WorkingCopy{WorkingCopyID: "d2", Node: types.TreeNode{ID: "d2", IsDraft: true}, CopiedAt: epoch.Add(2 * time.Minute)}
	update(t, s, func(tx types.Tx) error {
		if err := tx.PutWorkingCopy(draft); err != nil {
			return err
		}
		return tx.PutWorkingCopy(draft2)
	})

	view(t, s, func(tx types.Tx) error {
		got, err := tx.WorkingCopyFor("a")
		require.NoError(t, err)
		assert.Equal(t, types.WorkingCopyID("wc1"), got.WorkingCopyID)
		assert.True(t, got.IsDirty)

		all, err := tx.ListWorkingCopies()
		require.NoError(t, err)
		assert.Len(t, all, 3)

		_, err = tx.WorkingCopyFor("b")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	})

	update(t, s, func(tx types.Tx) error { return tx.DeleteWorkingCopy("wc1") })
	update(t, s, func(tx types.Tx) error {
		_, err := tx.WorkingCopyFor("a")
		assert.ErrorIs(t, err, types.ErrNotFound)
		other := *wc
		other.WorkingCopyID = "wc3"
		return tx.PutWorkingCopy(&other)
	})
	update(t, s, func(tx types.Tx) error { return tx.DeleteWorkingCopy("missing") })
}

func testTrashRecords(t *testing.T, s types.Store) {
	update(t, s, func(tx types.Tx) error {
		for _, r := range []*types.TrashRecord{
			{NodeID: "late", TreeID: "t1", OriginalParentID: "p", OriginalPosition: 2, TrashedAt: epoch.Add(time.Hour)},
			{NodeID: "early", TreeID: "t1", OriginalParentID: "p", OriginalPosition: 1, TrashedAt: epoch},
			{NodeID: "other", TreeID: "t2", OriginalParentID: "q", TrashedAt: epoch},
		} {
			if err := tx.PutTrashRecord(r); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(tx types.Tx) error {
		r, err := tx.GetTrashRecord("late")
		require.NoError(t, err)
		assert.Equal(t, types.NodeID("p"), r.OriginalParentID)
		assert.Equal(t, 2.0, r.OriginalPosition)

		t1, err := tx.ListTrashRecords("t1")
		require.NoError(t, err)
		require.Len(t, t1, 2)
		assert.Equal(t, types.NodeID("early"), t1[0].NodeID)

		all, err := tx.ListTrashRecords("")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	})
	update(t, s, func(tx types.Tx) error { return tx.DeleteTrashRecord("late") })
	view(t, s, func(tx types.Tx) error {
		_, err := tx.GetTrashRecord("late")
		assert.ErrorIs(t, err, types.ErrNotFound)
		return nil
	})
}

func testScanNodes(t *testing.T, s types.Store) {
	update(t, s, func(tx types.Tx) error {
		for _, id := range []types.NodeID{"a", "b", "c"} {
			if err := tx.PutNode(node(id, types.NoParent, 0)); err != nil {
				return err
			}
		}
		return nil
	})
	view(t, s, func(tx types.Tx) error {
		seen := 0
		require.NoError(t, tx.ScanNodes(func(*types.TreeNode) bool {
			seen++
			return true
		}))
		assert.Equal(t, 3, seen)

		stopped := 0
		require.NoError(t, tx.ScanNodes(func(*types.TreeNode) bool {
			stopped++
			return false
		}))
		assert.Equal(t, 1, stopped)
		return nil
	})
}

func testDetach(t *testing.T, s types.Store) {
	require.NoError(t, s.Detach())
	require.NoError(t, s.Detach(), "detach is idempotent")

	err := s.View(context.Background(), func(types.Tx) error { return nil })
	assert.ErrorIs(t, err, types.ErrStoreDetached)
	err = s.Update(context.Background(), func(types.Tx) error { return nil })
	assert.ErrorIs(t, err, types.ErrStoreDetached)
}
