package badger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

const sep = 0x00

// Key prefixes.
var (
	prefixNode     = []byte{'n', sep}
	prefixChild    = []byte{'c', sep}
	prefixTree     = []byte{'t', sep}
	prefixWC       = []byte{'w', sep}
	prefixWCTarget = []byte{'w', 't', sep}
	prefixTrash    = []byte{'r', sep}
)

func key(prefix []byte, parts ...string) []byte {
	k := append([]byte(nil), prefix...)
	for i, p := range parts {
		if i > 0 {
			k = append(k, sep)
		}
		k = append(k, p...)
	}
	return k
}

func childPrefix(parent types.NodeID) []byte {
	return append(key(prefixChild, string(parent)), sep)
}

// tx adapts a badger.Txn to types.Tx. Iterators are always closed before
// another read starts because a read-write transaction allows only one
// open iterator.
type tx struct {
	txn *badger.Txn
}

var _ types.Tx = (*tx)(nil)

func (t *tx) get(k []byte, v any) error {
	item, err := t.txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (t *tx) put(k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", k, err)
	}
	return t.txn.Set(k, data)
}

// keys returns every key under prefix with the prefix stripped.
func (t *tx) keys(prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		k := it.Item().Key()
		out = append(out, string(k[len(prefix):]))
	}
	return out
}

// values decodes every value under prefix with decode.
func (t *tx) values(prefix []byte, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

// Nodes

func (t *tx) GetNode(id types.NodeID) (*types.TreeNode, error) {
	var n types.TreeNode
	if err := t.get(key(prefixNode, string(id)), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *tx) PutNode(n *types.TreeNode) error {
	old, err := t.GetNode(n.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
	case err != nil:
		return err
	case old.ParentNodeID != n.ParentNodeID && old.ParentNodeID != types.NoParent:
		if err := t.txn.Delete(key(childPrefix(old.ParentNodeID), string(n.ID))); err != nil {
			return err
		}
	}
	if n.ParentNodeID != types.NoParent {
		if err := t.txn.Set(key(childPrefix(n.ParentNodeID), string(n.ID)), []byte{}); err != nil {
			return err
		}
	}
	return t.put(key(prefixNode, string(n.ID)), n)
}

func (t *tx) DeleteNode(id types.NodeID) error {
	old, err := t.GetNode(id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if old.ParentNodeID != types.NoParent {
		if err := t.txn.Delete(key(childPrefix(old.ParentNodeID), string(id))); err != nil {
			return err
		}
	}
	return t.txn.Delete(key(prefixNode, string(id)))
}

func (t *tx) Children(parent types.NodeID) ([]*types.TreeNode, error) {
	if parent == types.NoParent {
		return nil, nil
	}
	ids := t.keys(childPrefix(parent))
	out := make([]*types.TreeNode, 0, len(ids))
	for _, id := range ids {
		n, err := t.GetNode(types.NodeID(id))
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	types.SortSiblings(out)
	return out, nil
}

func (t *tx) ScanNodes(fn func(n *types.TreeNode) bool) error {
	var nodes []*types.TreeNode
	err := t.values(prefixNode, func(val []byte) error {
		var n types.TreeNode
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		nodes = append(nodes, &n)
		return nil
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if !fn(n) {
			return nil
		}
	}
	return nil
}

// Trees

func (t *tx) GetTree(id types.TreeID) (*types.Tree, error) {
	var tr types.Tree
	if err := t.get(key(prefixTree, string(id)), &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *tx) PutTree(tr *types.Tree) error {
	return t.put(key(prefixTree, string(tr.TreeID)), tr)
}

func (t *tx) ListTrees() ([]*types.Tree, error) {
	var out []*types.Tree
	err := t.values(prefixTree, func(val []byte) error {
		var tr types.Tree
		if err := json.Unmarshal(val, &tr); err != nil {
			return err
		}
		out = append(out, &tr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TreeID < out[j].TreeID
	})
	return out, nil
}

// Working copies

func (t *tx) GetWorkingCopy(id types.WorkingCopyID) (*types.WorkingCopy, error) {
	var wc types.WorkingCopy
	if err := t.get(key(prefixWC, string(id)), &wc); err != nil {
		return nil, err
	}
	return &wc, nil
}

func (t *tx) WorkingCopyFor(node types.NodeID) (*types.WorkingCopy, error) {
	item, err := t.txn.Get(key(prefixWCTarget, string(node)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return t.GetWorkingCopy(types.WorkingCopyID(id))
}

func (t *tx) PutWorkingCopy(wc *types.WorkingCopy) error {
	if wc.WorkingCopyOf != "" {
		tk := key(prefixWCTarget, string(wc.WorkingCopyOf))
		item, err := t.txn.Get(tk)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := t.txn.Set(tk, []byte(wc.WorkingCopyID)); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(owner, []byte(wc.WorkingCopyID)) {
				return fmt.Errorf("node %s: %w", wc.WorkingCopyOf, types.ErrAlreadyCheckedOut)
			}
		}
	}
	return t.put(key(prefixWC, string(wc.WorkingCopyID)), wc)
}

func (t *tx) DeleteWorkingCopy(id types.WorkingCopyID) error {
	wc, err := t.GetWorkingCopy(id)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wc.WorkingCopyOf != "" {
		if err := t.txn.Delete(key(prefixWCTarget, string(wc.WorkingCopyOf))); err != nil {
			return err
		}
	}
	return t.txn.Delete(key(prefixWC, string(id)))
}

func (t *tx) ListWorkingCopies() ([]*types.WorkingCopy, error) {
	var out []*types.WorkingCopy
	err := t.values(prefixWC, func(val []byte) error {
		var wc types.WorkingCopy
		if err := json.Unmarshal(val, &wc); err != nil {
			return err
		}
		out = append(out, &wc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CopiedAt.Equal(out[j].CopiedAt) {
			return out[i].CopiedAt.Before(out[j].CopiedAt)
		}
		return out[i].WorkingCopyID < out[j].WorkingCopyID
	})
	return out, nil
}

// Trash records

func (t *tx) GetTrashRecord(node types.NodeID) (*types.TrashRecord, error) {
	var r types.TrashRecord
	if err := t.get(key(prefixTrash, string(node)), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) PutTrashRecord(r *types.TrashRecord) error {
	return t.put(key(prefixTrash, string(r.NodeID)), r)
}

func (t *tx) DeleteTrashRecord(node types.NodeID) error {
	return t.txn.Delete(key(prefixTrash, string(node)))
}

func (t *tx) ListTrashRecords(tree types.TreeID) ([]*types.TrashRecord, error) {
	var out []*types.TrashRecord
	err := t.values(prefixTrash, func(val []byte) error {
		var r types.TrashRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if tree == "" || r.TreeID == tree {
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TrashedAt.Equal(out[j].TrashedAt) {
			return out[i].TrashedAt.Before(out[j].TrashedAt)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}
