package jsonl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/sqlite"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func setupStore(t *testing.T) types.Store {
	t.Helper()
	s := sqlite.NewBackend()
	require.NoError(t, s.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { s.Detach() })
	return s
}

func TestWriteJSONLAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.jsonl")

	require.NoError(t, writeJSONL(path, []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"b":2}`)}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadJSONLSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	content := strings.Join([]string{`{"ok":1}`, `{broken`, ``, `{"ok":2}`}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := readJSONL(path)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = readJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupStore(t)
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, src.Update(ctx, func(tx types.Tx) error {
		if err := tx.PutTree(&types.Tree{TreeID: "t", Name: "Docs", RootNodeID: "r", TrashNodeID: "x", CreatedAt: now}); err != nil {
			return err
		}
		for _, n := range []*types.TreeNode{
			{ID: "r", TreeID: "t", Name: "Docs", NodeType: types.NodeTypeRoot, CreatedAt: now, UpdatedAt: now, Version: 1},
			{ID: "x", TreeID: "t", Name: "Trash", NodeType: types.NodeTypeTrash, CreatedAt: now, UpdatedAt: now, Version: 1},
			{ID: "a", TreeID: "t", ParentNodeID: "r", Name: "a", NodeType: "folder", Position: 1, Properties: map[string]any{"k": "v"}, CreatedAt: now, UpdatedAt: now, Version: 3},
			{ID: "gone", TreeID: "t", ParentNodeID: "x", Name: "gone", NodeType: "folder", Position: 1, CreatedAt: now, UpdatedAt: now, Version: 2},
		} {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		if err := tx.PutTrashRecord(&types.TrashRecord{NodeID: "gone", TreeID: "t", OriginalParentID: "r", OriginalPosition: 2, TrashedAt: now}); err != nil {
			return err
		}
		return tx.PutWorkingCopy(&types.WorkingCopy{WorkingCopyID: "wc", WorkingCopyOf: "a", Node: types.TreeNode{ID: "a", Name: "edited"}, BaseVersion: 3, CopiedAt: now, UpdatedAt: now})
	}))

	dir := t.TempDir()
	sum, err := Export(ctx, src, dir)
	require.NoError(t, err)
	assert.Equal(t, Summary{Trees: 1, Nodes: 4, TrashRecords: 1, WorkingCopies: 1}, sum)

	dst := setupStore(t)
	got, err := Import(ctx, dst, dir)
	require.NoError(t, err)
	assert.Equal(t, sum, got)

	require.NoError(t, dst.View(ctx, func(tx types.Tx) error {
		a, err := tx.GetNode("a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), a.Version)
		assert.Equal(t, "v", a.Properties["k"])

		children, err := tx.Children("r")
		require.NoError(t, err)
		assert.Len(t, children, 1)

		rec, err := tx.GetTrashRecord("gone")
		require.NoError(t, err)
		assert.Equal(t, types.NodeID("r"), rec.OriginalParentID)

		wc, err := tx.WorkingCopyFor("a")
		require.NoError(t, err)
		assert.Equal(t, "edited", wc.Node.Name)
		return nil
	}))
}

func TestImportToleratesUnknownFields(t *testing.T) {
	dir := t.TempDir()
	line := `{"id":"n","tree_id":"t","name":"n","node_type":"folder","version":1,"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","future_field":42}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, NodesFile), []byte(line), 0o644))

	s := setupStore(t)
	sum, err := Import(context.Background(), s, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Nodes)
}
