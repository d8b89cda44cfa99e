package workingcopy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/badger"
	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/internal/plugin"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []types.WorkingCopyEvent
}

func (r *recorder) emit(ev types.WorkingCopyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) removedIDs() []types.WorkingCopyID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.WorkingCopyID
	for _, ev := range r.events {
		if ev.Copy == nil {
			out = append(out, ev.WorkingCopyID)
		}
	}
	return out
}

type fixture struct {
	m      *Manager
	store  types.Store
	clock  *clock.Fake
	events *recorder
}

// setupManager seeds:
//
//	r (root)
//	├── a
//	└── b
//	x (trash)
//	└── gone
func setupManager(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := badger.NewBackend()
	require.NoError(t, s.Attach(types.Config{Backend: types.BackendBadger, InMemory: true}))
	t.Cleanup(func() { s.Detach() })

	require.NoError(t, s.Update(context.Background(), func(tx types.Tx) error {
		if err := tx.PutTree(&types.Tree{TreeID: "t", Name: "T", RootNodeID: "r", TrashNodeID: "x", CreatedAt: epoch}); err != nil {
			return err
		}
		for _, n := range []*types.TreeNode{
			{ID: "r", TreeID: "t", Name: "T", NodeType: types.NodeTypeRoot, Version: 1},
			{ID: "x", TreeID: "t", Name: "Trash", NodeType: types.NodeTypeTrash, Version: 1},
			{ID: "a", TreeID: "t", ParentNodeID: "r", Name: "a", NodeType: "folder", Position: 1, Version: 1, Properties: map[string]any{"color": "red"}},
			{ID: "b", TreeID: "t", ParentNodeID: "r", Name: "b", NodeType: "folder", Position: 2, Version: 1},
			{ID: "gone", TreeID: "t", ParentNodeID: "x", Name: "gone", NodeType: "folder", Position: 1, Version: 1},
		} {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		return nil
	}))

	fc := clock.NewFake(epoch)
	rec := &recorder{}
	opts = append([]Option{WithClock(fc), WithEmitter(rec.emit)}, opts...)
	return &fixture{m: New(s, opts...), store: s, clock: fc, events: rec}
}

func (f *fixture) commit(t *testing.T, wc *types.WorkingCopy) (*types.TreeNode, error) {
	t.Helper()
	var node *types.TreeNode
	err := f.store.Update(context.Background(), func(tx types.Tx) error {
		var err error
		node, err = f.m.Commit(tx, wc)
		return err
	})
	return node, err
}

func (f *fixture) node(t *testing.T, id types.NodeID) *types.TreeNode {
	t.Helper()
	var n *types.TreeNode
	require.NoError(t, f.store.View(context.Background(), func(tx types.Tx) error {
		var err error
		n, err = tx.GetNode(id)
		return err
	}))
	return n
}

func TestCreateDraft(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		parent  types.NodeID
		wantErr error
	}{
		{name: "under root", parent: "r"},
		{name: "under folder", parent: "a"},
		{name: "missing parent", parent: "nope", wantErr: types.ErrInvalidParent},
		{name: "trash root", parent: "x", wantErr: types.ErrInvalidParent},
		{name: "trashed parent", parent: "gone", wantErr: types.ErrInvalidParent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupManager(t)
			wc, err := f.m.CreateDraft(ctx, "note", tt.parent, types.NameField("new"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.events.events)
				return
			}
			require.NoError(t, err)
			assert.True(t, wc.IsDraft())
			assert.True(t, wc.Node.IsDraft)
			assert.Equal(t, tt.parent, wc.Node.ParentNodeID)
			assert.Equal(t, types.TreeID("t"), wc.Node.TreeID)
			assert.NotEqual(t, string(wc.WorkingCopyID), string(wc.Node.ID))
			require.Len(t, f.events.events, 1)
			assert.NotNil(t, f.events.events[0].Copy)
		})
	}
}

func TestCreateFromNode(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateFromNode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("a"), wc.WorkingCopyOf)
	assert.Equal(t, types.NodeID("a"), wc.Node.WorkingCopyOf)
	assert.Equal(t, int64(1), wc.BaseVersion)
	assert.False(t, wc.IsDirty)

	_, err = f.m.CreateFromNode(ctx, "a")
	assert.ErrorIs(t, err, types.ErrAlreadyCheckedOut)

	_, err = f.m.CreateFromNode(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.m.CreateFromNode(ctx, "r")
	assert.ErrorIs(t, err, types.ErrProtectedNode)

	require.NoError(t, f.m.Discard(ctx, wc.WorkingCopyID))
	_, err = f.m.CreateFromNode(ctx, "a")
	assert.NoError(t, err, "node can be checked out again after discard")
}

func TestCreateFromNodeConcurrent(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		busy    int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.CreateFromNode(ctx, "b")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case types.CodeOf(err) == types.CodeAlreadyCheckedOut:
				busy++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success, "exactly one checkout wins")
	list, err := f.m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateLeavesNodeUntouched(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateFromNode(ctx, "a")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	updated, err := f.m.Update(ctx, wc.WorkingCopyID, types.Fields{
		Name:       ptr("renamed"),
		Properties: map[string]any{"color": nil, "size": 2},
	})
	require.NoError(t, err)
	assert.True(t, updated.IsDirty)
	assert.Equal(t, epoch.Add(time.Minute), updated.UpdatedAt)
	assert.Equal(t, "renamed", updated.Node.Name)
	assert.Equal(t, map[string]any{"size": 2}, updated.Node.Properties)

	live := f.node(t, "a")
	assert.Equal(t, "a", live.Name)
	assert.Equal(t, "red", live.Properties["color"])
	assert.Equal(t, int64(1), live.Version)

	_, err = f.m.Update(ctx, "missing", types.NameField("x"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		wcName    string
		wantRules []string
	}{
		{name: "valid", wcName: "ok name"},
		{name: "empty", wcName: "", wantRules: []string{"required"}},
		{name: "slash", wcName: "a/b", wantRules: []string{"nodename"}},
		{name: "control", wcName: "a\x01", wantRules: []string{"nodename"}},
		{name: "too long", wcName: strings.Repeat("x", 256), wantRules: []string{"max"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupManager(t)
			wc, err := f.m.CreateDraft(ctx, "note", "r", types.NameField(tt.wcName))
			require.NoError(t, err)

			fields, err := f.m.Validate(ctx, wc.WorkingCopyID)
			require.NoError(t, err)
			var rules []string
			for _, fe := range fields {
				rules = append(rules, fe.Rule)
			}
			if len(tt.wantRules) == 0 {
				assert.Empty(t, rules)
				return
			}
			assert.Subset(t, rules, tt.wantRules)
		})
	}
}

type titleRequired struct{ *plugin.MemoryHandler }

func (titleRequired) Validate(n *types.TreeNode) []types.FieldError {
	if n.Properties["title"] == nil {
		return []types.FieldError{{Field: "properties.title", Rule: "required", Message: "is required"}}
	}
	return nil
}

func TestValidateRunsPluginValidators(t *testing.T) {
	ctx := context.Background()
	reg := plugin.NewRegistry()
	reg.Register("note", titleRequired{plugin.NewMemoryHandler()})
	f := setupManager(t, WithPlugins(reg))

	wc, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("n"))
	require.NoError(t, err)
	fields, err := f.m.Validate(ctx, wc.WorkingCopyID)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "properties.title", fields[0].Field)

	_, err = f.commit(t, wc)
	assert.ErrorIs(t, err, types.ErrValidationFailed)
}

func TestCommitDraft(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateDraft(ctx, "note", "r", types.Fields{Name: ptr("fresh"), Properties: map[string]any{"k": "v"}})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	node, err := f.commit(t, wc)
	require.NoError(t, err)

	assert.Equal(t, wc.Node.ID, node.ID)
	assert.False(t, node.IsDraft)
	assert.Equal(t, int64(1), node.Version)
	assert.Equal(t, 3.0, node.Position, "appended after a and b")
	assert.Equal(t, epoch.Add(time.Hour), node.CreatedAt)

	stored := f.node(t, node.ID)
	assert.Equal(t, "fresh", stored.Name)
	assert.Equal(t, "v", stored.Properties["k"])

	_, err = f.m.Get(ctx, wc.WorkingCopyID)
	assert.ErrorIs(t, err, types.ErrNotFound, "working copy deleted on commit")
}

func TestCommitEdit(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateFromNode(ctx, "a")
	require.NoError(t, err)
	wc, err = f.m.Update(ctx, wc.WorkingCopyID, types.NameField("a2"))
	require.NoError(t, err)

	node, err := f.commit(t, wc)
	require.NoError(t, err)
	assert.Equal(t, "a2", node.Name)
	assert.Equal(t, int64(2), node.Version)
	assert.Equal(t, types.NodeID("r"), node.ParentNodeID)
	assert.Equal(t, "red", node.Properties["color"])
}

func TestCommitNameConflictIsValidationFailure(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateFromNode(ctx, "a")
	require.NoError(t, err)
	wc, err = f.m.Update(ctx, wc.WorkingCopyID, types.NameField("b"))
	require.NoError(t, err)

	_, err = f.commit(t, wc)
	require.ErrorIs(t, err, types.ErrValidationFailed)
	fields := types.FieldErrorsOf(err)
	require.Len(t, fields, 1)
	assert.Equal(t, "unique", fields[0].Rule)

	assert.Equal(t, "a", f.node(t, "a").Name, "node unchanged")
	_, err = f.m.Get(ctx, wc.WorkingCopyID)
	assert.NoError(t, err, "copy kept for correction")
}

func TestDiscardIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	wc, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("n"))
	require.NoError(t, err)

	require.NoError(t, f.m.Discard(ctx, wc.WorkingCopyID))
	require.NoError(t, f.m.Discard(ctx, wc.WorkingCopyID))
	require.NoError(t, f.m.Discard(ctx, "never"))
	assert.Equal(t, []types.WorkingCopyID{wc.WorkingCopyID}, f.events.removedIDs())
}

func TestDiscardAll(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	_, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("n1"))
	require.NoError(t, err)
	_, err = f.m.CreateFromNode(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, f.m.DiscardAll(ctx))
	list, err := f.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, f.events.removedIDs(), 2)
}

func TestCleanupOld(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t)

	old, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("old"))
	require.NoError(t, err)
	f.clock.Advance(23 * time.Hour)
	fresh, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("fresh"))
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	n, err := f.m.CleanupOld(ctx, types.DefaultWorkingCopyTTL)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.m.Get(ctx, old.WorkingCopyID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = f.m.Get(ctx, fresh.WorkingCopyID)
	assert.NoError(t, err)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	f := setupManager(t, WithTTL(time.Hour))

	_, err := f.m.CreateDraft(ctx, "note", "r", types.NameField("stale"))
	require.NoError(t, err)

	s := NewSweeper(f.m, 30*time.Minute)
	removed := 0
	s.OnSweep(func(n int) { removed += n })
	s.Start()
	t.Cleanup(s.Stop)

	f.clock.Advance(30 * time.Minute)
	list, err := f.m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "not yet expired")

	f.clock.Advance(time.Hour)
	list, err = f.m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, removed)
}

func ptr[T any](v T) *T { return &v }
