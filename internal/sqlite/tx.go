package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// tx adapts a *sql.Tx to types.Tx.
type tx struct {
	tx *sql.Tx
}

var _ types.Tx = (*tx)(nil)

const nodeColumns = `node_id, tree_id, parent_node_id, name, node_type, position, properties, created_at, updated_at, version`

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*types.TreeNode, error) {
	var (
		n                    types.TreeNode
		props                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&n.ID, &n.TreeID, &n.ParentNodeID, &n.Name, &n.NodeType, &n.Position, &props, &createdAt, &updatedAt, &n.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &n.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties of %s: %w", n.ID, err)
		}
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *tx) queryNodes(query string, args ...any) ([]*types.TreeNode, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TreeNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Nodes

func (t *tx) GetNode(id types.NodeID) (*types.TreeNode, error) {
	row := t.tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, id)
	return scanNode(row)
}

func (t *tx) PutNode(n *types.TreeNode) error {
	var props any
	if len(n.Properties) > 0 {
		data, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("encoding properties of %s: %w", n.ID, err)
		}
		props = string(data)
	}
	_, err := t.tx.Exec(`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			tree_id = excluded.tree_id,
			parent_node_id = excluded.parent_node_id,
			name = excluded.name,
			node_type = excluded.node_type,
			position = excluded.position,
			properties = excluded.properties,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			version = excluded.version`,
		n.ID, n.TreeID, n.ParentNodeID, n.Name, n.NodeType, n.Position, props,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt), n.Version)
	if err != nil {
		return fmt.Errorf("writing node %s: %w", n.ID, err)
	}
	return nil
}

func (t *tx) DeleteNode(id types.NodeID) error {
	if _, err := t.tx.Exec(`DELETE FROM nodes WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

func (t *tx) Children(parent types.NodeID) ([]*types.TreeNode, error) {
	if parent == types.NoParent {
		return nil, nil
	}
	return t.queryNodes(`SELECT `+nodeColumns+` FROM nodes WHERE parent_node_id = ?
		ORDER BY position, created_at, node_id`, parent)
}

func (t *tx) ScanNodes(fn func(n *types.TreeNode) bool) error {
	nodes, err := t.queryNodes(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY node_id`)
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

func scanTree(row scanner) (*types.Tree, error) {
	var (
		tr        types.Tree
		createdAt string
	)
	err := row.Scan(&tr.TreeID, &tr.Name, &tr.RootNodeID, &tr.TrashNodeID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *tx) GetTree(id types.TreeID) (*types.Tree, error) {
	return scanTree(t.tx.QueryRow(`SELECT tree_id, name, root_node_id, trash_node_id, created_at FROM trees WHERE tree_id = ?`, id))
}

func (t *tx) PutTree(tr *types.Tree) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO trees (tree_id, name, root_node_id, trash_node_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		tr.TreeID, tr.Name, tr.RootNodeID, tr.TrashNodeID, formatTime(tr.CreatedAt))
	if err != nil {
		return fmt.Errorf("writing tree %s: %w", tr.TreeID, err)
	}
	return nil
}

func (t *tx) ListTrees() ([]*types.Tree, error) {
	rows, err := t.tx.Query(`SELECT tree_id, name, root_node_id, trash_node_id, created_at FROM trees ORDER BY created_at, tree_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Tree
	for rows.Next() {
		tr, err := scanTree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Working copies

const wcColumns = `working_copy_id, working_copy_of, node, base_version, copied_at, updated_at, is_dirty`

func scanWorkingCopy(row scanner) (*types.WorkingCopy, error) {
	var (
		wc                  types.WorkingCopy
		target              sql.NullString
		node                string
		copiedAt, updatedAt string
	)
	err := row.Scan(&wc.WorkingCopyID, &target, &node, &wc.BaseVersion, &copiedAt, &updatedAt, &wc.IsDirty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	wc.WorkingCopyOf = types.NodeID(target.String)
	if err := json.Unmarshal([]byte(node), &wc.Node); err != nil {
		return nil, fmt.Errorf("decoding working copy %s: %w", wc.WorkingCopyID, err)
	}
	if wc.CopiedAt, err = parseTime(copiedAt); err != nil {
		return nil, err
	}
	if wc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &wc, nil
}

func (t *tx) GetWorkingCopy(id types.WorkingCopyID) (*types.WorkingCopy, error) {
	return scanWorkingCopy(t.tx.QueryRow(`SELECT `+wcColumns+` FROM working_copies WHERE working_copy_id = ?`, id))
}

func (t *tx) WorkingCopyFor(node types.NodeID) (*types.WorkingCopy, error) {
	return scanWorkingCopy(t.tx.QueryRow(`SELECT `+wcColumns+` FROM working_copies WHERE working_copy_of = ?`, node))
}

func (t *tx) PutWorkingCopy(wc *types.WorkingCopy) error {
	node, err := json.Marshal(wc.Node)
	if err != nil {
		return fmt.Errorf("encoding working copy %s: %w", wc.WorkingCopyID, err)
	}
	var target any
	if wc.WorkingCopyOf != "" {
		target = string(wc.WorkingCopyOf)
	}
	_, err = t.tx.Exec(`INSERT INTO working_copies (`+wcColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(working_copy_id) DO UPDATE SET
			working_copy_of = excluded.working_copy_of,
			node = excluded.node,
			base_version = excluded.base_version,
			copied_at = excluded.copied_at,
			updated_at = excluded.updated_at,
			is_dirty = excluded.is_dirty`,
		wc.WorkingCopyID, target, string(node), wc.BaseVersion,
		formatTime(wc.CopiedAt), formatTime(wc.UpdatedAt), wc.IsDirty)
	if isUniqueViolation(err) {
		return fmt.Errorf("node %s: %w", wc.WorkingCopyOf, types.ErrAlreadyCheckedOut)
	}
	if err != nil {
		return fmt.Errorf("writing working copy %s: %w", wc.WorkingCopyID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (t *tx) DeleteWorkingCopy(id types.WorkingCopyID) error {
	if _, err := t.tx.Exec(`DELETE FROM working_copies WHERE working_copy_id = ?`, id); err != nil {
		return fmt.Errorf("deleting working copy %s: %w", id, err)
	}
	return nil
}

func (t *tx) ListWorkingCopies() ([]*types.WorkingCopy, error) {
	rows, err := t.tx.Query(`SELECT ` + wcColumns + ` FROM working_copies ORDER BY copied_at, working_copy_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkingCopy
	for rows.Next() {
		wc, err := scanWorkingCopy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wc)
	}
	return out, rows.Err()
}

// Trash records

func scanTrashRecord(row scanner) (*types.TrashRecord, error) {
	var (
		r         types.TrashRecord
		trashedAt string
	)
	err := row.Scan(&r.NodeID, &r.TreeID, &r.OriginalParentID, &r.OriginalPosition, &trashedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.TrashedAt, err = parseTime(trashedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *tx) GetTrashRecord(node types.NodeID) (*types.TrashRecord, error) {
	return scanTrashRecord(t.tx.QueryRow(`SELECT node_id, tree_id, original_parent_id, original_position, trashed_at FROM trash_records WHERE node_id = ?`, node))
}

func (t *tx) PutTrashRecord(r *types.TrashRecord) error {
	_, err := t.tx.Exec(`INSERT OR REPLACE INTO trash_records (node_id, tree_id, original_parent_id, original_position, trashed_at) VALUES (?, ?, ?, ?, ?)`,
		r.NodeID, r.TreeID, r.OriginalParentID, r.OriginalPosition, formatTime(r.TrashedAt))
	if err != nil {
		return fmt.Errorf("writing trash record %s: %w", r.NodeID, err)
	}
	return nil
}

func (t *tx) DeleteTrashRecord(node types.NodeID) error {
	if _, err := t.tx.Exec(`DELETE FROM trash_records WHERE node_id = ?`, node); err != nil {
		return fmt.Errorf("deleting trash record %s: %w", node, err)
	}
	return nil
}

func (t *tx) ListTrashRecords(tree types.TreeID) ([]*types.TrashRecord, error) {
	rows, err := t.tx.Query(`SELECT node_id, tree_id, original_parent_id, original_position, trashed_at FROM trash_records
		WHERE ? = '' OR tree_id = ? ORDER BY trashed_at, node_id`, tree, tree)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TrashRecord
	for rows.Next() {
		r, err := scanTrashRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
