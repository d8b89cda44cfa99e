package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// File names inside an export directory.
const (
	TreesFile         = "trees.jsonl"
	NodesFile         = "nodes.jsonl"
	TrashRecordsFile  = "trash_records.jsonl"
	WorkingCopiesFile = "working_copies.jsonl"
)

// Summary counts the records written or read.
type Summary struct {
	Trees         int `json:"trees" yaml:"trees"`
	Nodes         int `json:"nodes" yaml:"nodes"`
	TrashRecords  int `json:"trash_records" yaml:"trash_records"`
	WorkingCopies int `json:"working_copies" yaml:"working_copies"`
}

func marshalAll[T any](items []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// Export writes every record in s to dir, creating it if needed. The export
// reads from a single transaction so it is a consistent snapshot.
func Export(ctx context.Context, s types.Store, dir string) (Summary, error) {
	var (
		sum   Summary
		trees []*types.Tree
		nodes []*types.TreeNode
		trash []*types.TrashRecord
		wcs   []*types.WorkingCopy
	)
	err := s.View(ctx, func(tx types.Tx) error {
		var err error
		if trees, err = tx.ListTrees(); err != nil {
			return fmt.Errorf("listing trees: %w", err)
		}
		if err = tx.ScanNodes(func(n *types.TreeNode) bool {
			nodes = append(nodes, n)
			return true
		}); err != nil {
			return fmt.Errorf("scanning nodes: %w", err)
		}
		if trash, err = tx.ListTrashRecords(""); err != nil {
			return fmt.Errorf("listing trash records: %w", err)
		}
		if wcs, err = tx.ListWorkingCopies(); err != nil {
			return fmt.Errorf("listing working copies: %w", err)
		}
		return nil
	})
	if err != nil {
		return sum, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sum, fmt.Errorf("creating export directory: %w", err)
	}

	files := []struct {
		name  string
		count *int
		recs  func() ([]json.RawMessage, error)
	}{
		{TreesFile, &sum.Trees, func() ([]json.RawMessage, error) { return marshalAll(trees) }},
		{NodesFile, &sum.Nodes, func() ([]json.RawMessage, error) { return marshalAll(nodes) }},
		{TrashRecordsFile, &sum.TrashRecords, func() ([]json.RawMessage, error) { return marshalAll(trash) }},
		{WorkingCopiesFile, &sum.WorkingCopies, func() ([]json.RawMessage, error) { return marshalAll(wcs) }},
	}
	for _, f := range files {
		recs, err := f.recs()
		if err != nil {
			return sum, fmt.Errorf("encoding %s: %w", f.name, err)
		}
		if err := writeJSONL(filepath.Join(dir, f.name), recs); err != nil {
			return sum, fmt.Errorf("writing %s: %w", f.name, err)
		}
		*f.count = len(recs)
	}
	return sum, nil
}

// Import reads an export directory into s in one transaction. Existing
// records with the same ids are overwritten. Malformed lines and unknown
// fields are ignored; a missing file imports nothing.
func Import(ctx context.Context, s types.Store, dir string) (Summary, error) {
	var sum Summary

	trees, err := readAll[types.Tree](filepath.Join(dir, TreesFile))
	if err != nil {
		return sum, err
	}
	nodes, err := readAll[types.TreeNode](filepath.Join(dir, NodesFile))
	if err != nil {
		return sum, err
	}
	trash, err := readAll[types.TrashRecord](filepath.Join(dir, TrashRecordsFile))
	if err != nil {
		return sum, err
	}
	wcs, err := readAll[types.WorkingCopy](filepath.Join(dir, WorkingCopiesFile))
	if err != nil {
		return sum, err
	}

	err = s.Update(ctx, func(tx types.Tx) error {
		for _, tr := range trees {
			if err := tx.PutTree(tr); err != nil {
				return err
			}
		}
		for _, n := range nodes {
			if err := tx.PutNode(n); err != nil {
				return err
			}
		}
		for _, r := range trash {
			if err := tx.PutTrashRecord(r); err != nil {
				return err
			}
		}
		for _, wc := range wcs {
			if err := tx.PutWorkingCopy(wc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("importing %s: %w", dir, err)
	}
	return Summary{Trees: len(trees), Nodes: len(nodes), TrashRecords: len(trash), WorkingCopies: len(wcs)}, nil
}

func readAll[T any](path string) ([]*T, error) {
	recs, err := readJSONL(path)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}
