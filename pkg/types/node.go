package types

import (
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// Sentinel node types. Every tree owns exactly one node of each.
const (
	NodeTypeRoot  = "root"
	NodeTypeTrash = "trash"
)

// TreeNode is a single node in the hierarchy.
//
// Across the whole store the parent relation forms a forest: ParentNodeID is
// NoParent only for a tree's root and trash sentinels, every other node has
// exactly one existing parent, and no node is its own ancestor.
type TreeNode struct {
	ID            NodeID         `json:"id"`
	TreeID        TreeID         `json:"tree_id"`
	ParentNodeID  NodeID         `json:"parent_node_id,omitempty"`
	Name          string         `json:"name"`
	NodeType      string         `json:"node_type"`
	Position      float64        `json:"position"`
	Properties    map[string]any `json:"properties,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Version       int64          `json:"version"`
	IsDraft       bool           `json:"is_draft,omitempty"`
	WorkingCopyOf NodeID         `json:"working_copy_of,omitempty"`
}

// IsSentinel reports whether the node is a tree's root or trash root.
func (n *TreeNode) IsSentinel() bool {
	return n.NodeType == NodeTypeRoot || n.NodeType == NodeTypeTrash
}

// Clone returns a deep copy of the node. Property values are copied one level
// deep; nested maps and slices are shared.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = maps.Clone(n.Properties)
	}
	return &c
}

// Fields returns the user-editable fields of the node.
func (n *TreeNode) Fields() Fields {
	name := n.Name
	nodeType := n.NodeType
	return Fields{
		Name:       &name,
		NodeType:   &nodeType,
		Properties: maps.Clone(n.Properties),
	}
}

// Apply merges f into the node. Nil pointers leave the field untouched;
// property keys present in f overwrite, a nil value deletes the key.
// It reports whether anything changed.
func (n *TreeNode) Apply(f Fields) bool {
	changed := false
	if f.Name != nil && *f.Name != n.Name {
		n.Name = *f.Name
		changed = true
	}
	if f.NodeType != nil && *f.NodeType != n.NodeType {
		n.NodeType = *f.NodeType
		changed = true
	}
	for k, v := range f.Properties {
		old, ok := n.Properties[k]
		if v == nil {
			if ok {
				delete(n.Properties, k)
				changed = true
			}
			continue
		}
		if ok && reflect.DeepEqual(old, v) {
			continue
		}
		if n.Properties == nil {
			n.Properties = make(map[string]any)
		}
		n.Properties[k] = v
		changed = true
	}
	return changed
}

// Fields is a partial update of the user-editable node fields.
type Fields struct {
	Name       *string        `json:"name,omitempty"`
	NodeType   *string        `json:"node_type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NameField is a convenience for building a Fields value with a name only.
func NameField(name string) Fields {
	return Fields{Name: &name}
}

// FieldChanges returns the fields that differ between before and after, keyed
// by their JSON names and carrying the after value. Identity and ancestry
// fields (id, tree_id, parent_node_id, position) are reported by move events
// and are not included.
func FieldChanges(before, after *TreeNode) map[string]any {
	changes := make(map[string]any)
	if before == nil || after == nil {
		return changes
	}
	if before.Name != after.Name {
		changes["name"] = after.Name
	}
	if before.NodeType != after.NodeType {
		changes["node_type"] = after.NodeType
	}
	if !reflect.DeepEqual(normalizeProps(before.Properties), normalizeProps(after.Properties)) {
		changes["properties"] = maps.Clone(after.Properties)
	}
	if before.TreeID != after.TreeID {
		changes["tree_id"] = after.TreeID
	}
	if before.Version != after.Version {
		changes["version"] = after.Version
	}
	if !before.UpdatedAt.Equal(after.UpdatedAt) {
		changes["updated_at"] = after.UpdatedAt
	}
	return changes
}

func normalizeProps(p map[string]any) map[string]any {
	if len(p) == 0 {
		return nil
	}
	return p
}

// Tree is a forest container: a named root node plus its trash root.
type Tree struct {
	TreeID      TreeID    `json:"tree_id"`
	Name        string    `json:"name"`
	RootNodeID  NodeID    `json:"root_node_id"`
	TrashNodeID NodeID    `json:"trash_node_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsSentinel reports whether id is this tree's root or trash root.
func (t *Tree) IsSentinel(id NodeID) bool {
	return id == t.RootNodeID || id == t.TrashNodeID
}

// TrashRecord remembers where a top-level trashed node came from.
type TrashRecord struct {
	NodeID           NodeID    `json:"node_id"`
	TreeID           TreeID    `json:"tree_id"`
	OriginalParentID NodeID    `json:"original_parent_id"`
	OriginalPosition float64   `json:"original_position"`
	TrashedAt        time.Time `json:"trashed_at"`
}

// Clone returns a copy of the record.
func (r *TrashRecord) Clone() *TrashRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// CompareSiblings orders siblings by Position, then CreatedAt, then ID.
func CompareSiblings(a, b *TreeNode) int {
	switch {
	case a.Position < b.Position:
		return -1
	case a.Position > b.Position:
		return 1
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	}
	return strings.Compare(string(a.ID), string(b.ID))
}

// SortSiblings sorts nodes in place in sibling order.
func SortSiblings(nodes []*TreeNode) {
	slices.SortStableFunc(nodes, CompareSiblings)
}
