// Package forest implements ancestry walks and the cycle guard over the node
// forest held in a store transaction. Every walk is iterative and bounded by
// MaxWalk so that a corrupted parent chain fails with ErrCycleDetected instead
// of looping.
package forest

import (
	"errors"
	"fmt"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// MaxWalk bounds the number of nodes visited by any single walk.
const MaxWalk = 10000

// Reader is the read side of a store transaction needed by the walks.
// types.Tx satisfies it.
type Reader interface {
	GetNode(id types.NodeID) (*types.TreeNode, error)
	Children(parent types.NodeID) ([]*types.TreeNode, error)
}

// Lookup returns the node with id, or nil when it does not exist.
func Lookup(r Reader, id types.NodeID) (*types.TreeNode, error) {
	if id == types.NoParent {
		return nil, nil
	}
	n, err := r.GetNode(id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up node %s: %w", id, err)
	}
	return n, nil
}

// PathToRoot returns the node followed by each of its ancestors, root last.
// It returns nil for a missing node.
func PathToRoot(r Reader, id types.NodeID) ([]*types.TreeNode, error) {
	var path []*types.TreeNode
	seen := make(map[types.NodeID]struct{})
	cur := id
	for cur != types.NoParent {
		if len(path) >= MaxWalk {
			return nil, fmt.Errorf("walking up from %s: %w", id, types.ErrCycleDetected)
		}
		if _, ok := seen[cur]; ok {
			return nil, fmt.Errorf("walking up from %s: revisited %s: %w", id, cur, types.ErrCycleDetected)
		}
		seen[cur] = struct{}{}

		n, err := Lookup(r, cur)
		if err != nil {
			return nil, err
		}
		if n == nil {
			if len(path) == 0 {
				return nil, nil
			}
			// Dangling parent link; the path ends at the last node found.
			break
		}
		path = append(path, n)
		cur = n.ParentNodeID
	}
	return path, nil
}

// AncestorIDs returns the ids of id's ancestors from its parent up to the
// root. It returns nil for a missing node or a sentinel.
func AncestorIDs(r Reader, id types.NodeID) ([]types.NodeID, error) {
	path, err := PathToRoot(r, id)
	if err != nil || len(path) < 2 {
		return nil, err
	}
	ids := make([]types.NodeID, len(path)-1)
	for i, n := range path[1:] {
		ids[i] = n.ID
	}
	return ids, nil
}

// IsAncestorOf reports whether ancestor is a strict ancestor of descendant.
func IsAncestorOf(r Reader, ancestor, descendant types.NodeID) (bool, error) {
	if ancestor == descendant {
		return false, nil
	}
	cur := descendant
	for steps := 0; ; steps++ {
		if steps >= MaxWalk {
			return false, fmt.Errorf("walking up from %s: %w", descendant, types.ErrCycleDetected)
		}
		n, err := Lookup(r, cur)
		if err != nil {
			return false, err
		}
		if n == nil || n.ParentNodeID == types.NoParent {
			return false, nil
		}
		if n.ParentNodeID == ancestor {
			return true, nil
		}
		cur = n.ParentNodeID
	}
}

// ChildNodes returns parent's children in sibling order. A missing parent
// yields an empty slice.
func ChildNodes(r Reader, parent types.NodeID) ([]*types.TreeNode, error) {
	children, err := r.Children(parent)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parent, err)
	}
	if children == nil {
		children = []*types.TreeNode{}
	}
	return children, nil
}

// InTrash reports whether id lies beneath tree's trash root.
func InTrash(r Reader, tree *types.Tree, id types.NodeID) (bool, error) {
	if tree == nil {
		return false, nil
	}
	return IsAncestorOf(r, tree.TrashNodeID, id)
}

// UnderTrash reports whether n is a trash root or lies beneath one.
func UnderTrash(r Reader, n *types.TreeNode) (bool, error) {
	if n.NodeType == types.NodeTypeTrash {
		return true, nil
	}
	path, err := PathToRoot(r, n.ID)
	if err != nil || len(path) == 0 {
		return false, err
	}
	return path[len(path)-1].NodeType == types.NodeTypeTrash, nil
}

// IndexOf returns the position of id within siblings, or -1.
func IndexOf(siblings []*types.TreeNode, id types.NodeID) int {
	for i, s := range siblings {
		if s.ID == id {
			return i
		}
	}
	return -1
}
