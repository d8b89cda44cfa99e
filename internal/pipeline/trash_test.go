package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/plugin"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func (h *harness) trashRecord(t *testing.T, id types.NodeID) *types.TrashRecord {
	t.Helper()
	var rec *types.TrashRecord
	require.NoError(t, h.store.View(context.Background(), func(tx types.Tx) error {
		var err error
		rec, err = tx.GetTrashRecord(id)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}))
	return rec
}

func TestTrashThenRecoverRestoresParent(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, h.root(), "parent")
	h.create(t, p, "first")
	n1 := h.create(t, p, "n1")
	h.create(t, p, "last")
	child := h.create(t, n1, "child")
	before := h.node(t, n1)

	h.clock.Advance(time.Minute)
	res := h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{n1}})
	assert.Equal(t, []types.NodeID{n1}, res.AffectedNodeIDs)

	trashed := h.node(t, n1)
	assert.Equal(t, h.trash(), trashed.ParentNodeID)
	assert.Equal(t, n1, h.node(t, child).ParentNodeID, "descendants travel with the node")
	rec := h.trashRecord(t, n1)
	require.NotNil(t, rec)
	assert.Equal(t, p, rec.OriginalParentID)
	assert.Equal(t, before.Position, rec.OriginalPosition)
	assert.Equal(t, epoch.Add(time.Minute), rec.TrashedAt.UTC())
	assert.Nil(t, h.trashRecord(t, child), "only top-level nodes get a record")

	h.ok(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{n1}})
	recovered := h.node(t, n1)
	assert.Equal(t, p, recovered.ParentNodeID)
	assert.Equal(t, before.Position, recovered.Position)
	assert.Equal(t, []string{"first", "n1", "last"}, h.children(t, p))
	assert.Nil(t, h.trashRecord(t, n1))
	assert.Greater(t, recovered.Version, trashed.Version)
}

func TestMoveToTrashSkipsTrashedNodes(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, h.root(), "a")
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{a}})

	res := h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{a}})
	assert.Empty(t, res.AffectedNodeIDs)

	res = h.exec(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{h.root()}})
	assert.Equal(t, types.CodeProtectedNode, res.Error.Code)
	res = h.exec(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{h.trash()}})
	assert.Equal(t, types.CodeProtectedNode, res.Error.Code)
}

func TestRecoverFromTrashErrors(t *testing.T) {
	h := newHarness(t)
	p := h.create(t, h.root(), "p")
	n1 := h.create(t, p, "n1")
	inner := h.create(t, n1, "inner")
	live := h.create(t, h.root(), "live")

	res := h.exec(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{live}})
	assert.Equal(t, types.CodeNotInTrash, res.Error.Code)

	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{n1}})
	res = h.exec(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{inner}})
	assert.Equal(t, types.CodeNotInTrash, res.Error.Code, "descendants have no record of their own")

	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{p}})
	res = h.exec(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{n1}})
	assert.Equal(t, types.CodeOriginalParentMissing, res.Error.Code, "original parent is itself trashed")

	h.ok(t, &types.PermanentDeletePayload{NodeIDs: []types.NodeID{p}})
	res = h.exec(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{n1}})
	assert.Equal(t, types.CodeOriginalParentMissing, res.Error.Code, "original parent is gone")

	res = h.exec(t, &types.RecoverFromTrashPayload{NodeIDs: []types.NodeID{n1}, Mode: types.RestoreToCurrentNode})
	assert.Equal(t, types.CodeInvalidCommand, res.Error.Code, "current-node mode needs a target")
}

func TestRecoverToCurrentNode(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, h.root(), "a")
	dst := h.create(t, h.root(), "dst")
	h.create(t, dst, "a")
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{a}})

	h.ok(t, &types.RecoverFromTrashPayload{
		NodeIDs:      []types.NodeID{a},
		Mode:         types.RestoreToCurrentNode,
		TargetNodeID: dst,
	})
	assert.Equal(t, dst, h.node(t, a).ParentNodeID)
	assert.Equal(t, []string{"a", "a (2)"}, h.children(t, dst))
}

func TestMoveOutOfTrashDropsRecord(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, h.root(), "a")
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{a}})
	require.NotNil(t, h.trashRecord(t, a))

	h.ok(t, &types.MoveNodesPayload{NodeIDs: []types.NodeID{a}, ToParentID: h.root()})
	assert.Nil(t, h.trashRecord(t, a))
}

func TestPermanentDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, h.root(), "a")
	b := h.create(t, a, "b")
	c := h.create(t, b, "c")
	live := h.create(t, h.root(), "live")

	res := h.exec(t, &types.PermanentDeletePayload{NodeIDs: []types.NodeID{live}})
	assert.Equal(t, types.CodeNotInTrash, res.Error.Code)

	wc, err := h.copies.CreateFromNode(ctx, c)
	require.NoError(t, err)
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{a}})
	require.Equal(t, 5, h.p.UndoDepth())

	pl := types.PermanentDeletePayload{NodeIDs: []types.NodeID{a}}
	dry, err := h.p.ToBeDeleted(ctx, pl)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{a, b, c}, dry)
	assert.NotNil(t, h.node(t, a), "dry run has no side effects")

	res = h.ok(t, &pl)
	assert.ElementsMatch(t, dry, res.AffectedNodeIDs)
	for _, id := range dry {
		assert.Nil(t, h.node(t, id))
	}
	assert.Nil(t, h.trashRecord(t, a))
	_, err = h.copies.Get(ctx, wc.WorkingCopyID)
	assert.ErrorIs(t, err, types.ErrNotFound, "working copies of deleted nodes go too")

	assert.Zero(t, h.p.UndoDepth(), "delete is irreversible")
	assert.Zero(t, h.p.RedoDepth())
	res = h.exec(t, &types.UndoPayload{})
	assert.Equal(t, types.CodeNothingToUndo, res.Error.Code)
}

func TestPermanentDeleteByAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.create(t, h.root(), "old")
	fresh := h.create(t, h.root(), "fresh")

	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{old}})
	h.clock.Advance(2 * time.Hour)
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{fresh}})
	h.clock.Advance(time.Minute)

	pl := types.PermanentDeletePayload{TreeID: h.tree.TreeID, OlderThan: time.Hour}
	dry, err := h.p.ToBeDeleted(ctx, pl)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{old}, dry)

	h.ok(t, &pl)
	assert.Nil(t, h.node(t, old))
	assert.NotNil(t, h.node(t, fresh))
}

type hookedHandler struct {
	*plugin.MemoryHandler

	mu      sync.Mutex
	veto    bool
	trashed []types.NodeID
	deleted []types.NodeID
}

func (h *hookedHandler) BeforeTrash(_ context.Context, n *types.TreeNode) error {
	if h.veto {
		return errors.New("locked")
	}
	return nil
}

func (h *hookedHandler) AfterTrash(_ context.Context, n *types.TreeNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trashed = append(h.trashed, n.ID)
}

func (h *hookedHandler) BeforeDelete(context.Context, *types.TreeNode) error { return nil }

func (h *hookedHandler) AfterDelete(_ context.Context, n *types.TreeNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, n.ID)
}

func TestLifecycleHooks(t *testing.T) {
	hooks := &hookedHandler{MemoryHandler: plugin.NewMemoryHandler()}
	reg := plugin.NewRegistry()
	reg.Register("doc", hooks)
	h := newHarness(t, WithPlugins(reg))

	doc := h.ok(t, &types.CreateNodePayload{ParentID: h.root(), Name: "doc", NodeType: "doc"}).Node.ID
	assert.Equal(t, 1, hooks.Len())

	hooks.veto = true
	res := h.exec(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{doc}})
	require.False(t, res.Success)
	assert.Equal(t, types.CodeProtectedNode, res.Error.Code)
	assert.Equal(t, h.root(), h.node(t, doc).ParentNodeID)

	hooks.veto = false
	h.ok(t, &types.MoveToTrashPayload{NodeIDs: []types.NodeID{doc}})
	h.ok(t, &types.PermanentDeletePayload{NodeIDs: []types.NodeID{doc}})

	assert.Equal(t, []types.NodeID{doc}, hooks.trashed)
	assert.Equal(t, []types.NodeID{doc}, hooks.deleted)
	assert.Zero(t, hooks.Len(), "entity removed with its node")
}
