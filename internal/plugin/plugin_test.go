package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

type guardedHandler struct {
	*MemoryHandler
	vetoTrash   bool
	afterTrash  []types.NodeID
	afterDelete []types.NodeID
}

func (g *guardedHandler) Validate(node *types.TreeNode) []types.FieldError {
	if _, ok := node.Properties["title"]; !ok {
		return []types.FieldError{{Field: "properties.title", Rule: "required", Message: "is required"}}
	}
	return nil
}

func (g *guardedHandler) BeforeTrash(context.Context, *types.TreeNode) error {
	if g.vetoTrash {
		return errors.New("pinned")
	}
	return nil
}

func (g *guardedHandler) AfterTrash(_ context.Context, n *types.TreeNode) {
	g.afterTrash = append(g.afterTrash, n.ID)
}

func (g *guardedHandler) BeforeDelete(context.Context, *types.TreeNode) error { return nil }

func (g *guardedHandler) AfterDelete(_ context.Context, n *types.TreeNode) {
	g.afterDelete = append(g.afterDelete, n.ID)
}

func TestRegistryCapabilities(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	g := &guardedHandler{MemoryHandler: NewMemoryHandler(), vetoTrash: true}
	r.Register("note", g)
	r.Register("folder", NewMemoryHandler())

	assert.Equal(t, []string{"folder", "note"}, r.NodeTypes())

	note := &types.TreeNode{ID: "n1", NodeType: "note"}
	folder := &types.TreeNode{ID: "f1", NodeType: "folder"}

	assert.Len(t, r.Validate(note), 1)
	assert.Empty(t, r.Validate(folder), "handlers without Validator contribute nothing")

	err := r.BeforeTrash(ctx, note)
	assert.ErrorIs(t, err, types.ErrVetoed)
	assert.NoError(t, r.BeforeTrash(ctx, folder))

	r.AfterTrash(ctx, note)
	r.AfterDelete(ctx, note)
	assert.Equal(t, []types.NodeID{"n1"}, g.afterTrash)
	assert.Equal(t, []types.NodeID{"n1"}, g.afterDelete)

	assert.Nil(t, r.Handler("unknown"))
}

func TestRegistryCopyUsesBackupRestore(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	h := NewMemoryHandler()
	r.Register("note", h)

	src := &types.TreeNode{ID: "src", NodeType: "note", Properties: map[string]any{"title": "hello"}}
	dst := &types.TreeNode{ID: "dst", NodeType: "note"}

	require.NoError(t, r.Created(ctx, src))
	require.NoError(t, r.Copy(ctx, src, dst))

	got, err := h.Get(ctx, "dst")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"hello"}`, string(got))

	require.NoError(t, r.Deleted(ctx, src))
	_, err = h.Get(ctx, "src")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, 1, h.Len())
}

func TestRegistryCopyWithoutEntityIsNoop(t *testing.T) {
	r := NewRegistry()
	h := NewMemoryHandler()
	r.Register("note", h)

	err := r.Copy(context.Background(), &types.TreeNode{ID: "a", NodeType: "note"}, &types.TreeNode{ID: "b", NodeType: "note"})
	require.NoError(t, err)
	assert.Zero(t, h.Len())
}
