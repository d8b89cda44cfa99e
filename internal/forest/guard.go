package forest

import (
	"errors"
	"fmt"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// DescendantSet returns the ids of every descendant of id, excluding id
// itself. The walk is a bounded breadth-first search; a revisit or more than
// MaxWalk nodes fails with ErrCycleDetected.
func DescendantSet(r Reader, id types.NodeID) (map[types.NodeID]struct{}, error) {
	set := make(map[types.NodeID]struct{})
	queue := []types.NodeID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := ChildNodes(r, cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if _, ok := set[c.ID]; ok || c.ID == id {
				return nil, fmt.Errorf("descendants of %s: revisited %s: %w", id, c.ID, types.ErrCycleDetected)
			}
			set[c.ID] = struct{}{}
			if len(set) > MaxWalk {
				return nil, fmt.Errorf("descendants of %s: %w", id, types.ErrCycleDetected)
			}
			queue = append(queue, c.ID)
		}
	}
	return set, nil
}

// Descendants returns every descendant of id in pre-order, siblings in
// sibling order, excluding id itself.
func Descendants(r Reader, id types.NodeID) ([]*types.TreeNode, error) {
	var out []*types.TreeNode
	seen := make(map[types.NodeID]struct{})

	root, err := ChildNodes(r, id)
	if err != nil {
		return nil, err
	}
	stack := reversed(root)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n.ID]; ok || n.ID == id {
			return nil, fmt.Errorf("descendants of %s: revisited %s: %w", id, n.ID, types.ErrCycleDetected)
		}
		seen[n.ID] = struct{}{}
		if len(out) >= MaxWalk {
			return nil, fmt.Errorf("descendants of %s: %w", id, types.ErrCycleDetected)
		}
		out = append(out, n)

		children, err := ChildNodes(r, n.ID)
		if err != nil {
			return nil, err
		}
		stack = append(stack, reversed(children)...)
	}
	return out, nil
}

// DescendantsToDepth returns descendants of id no deeper than depth levels
// below it, in pre-order. A negative depth is unbounded.
func DescendantsToDepth(r Reader, id types.NodeID, depth int) ([]*types.TreeNode, error) {
	if depth < 0 {
		return Descendants(r, id)
	}
	type entry struct {
		node  *types.TreeNode
		level int
	}
	var out []*types.TreeNode
	root, err := ChildNodes(r, id)
	if err != nil {
		return nil, err
	}
	var stack []entry
	for i := len(root) - 1; i >= 0; i-- {
		stack = append(stack, entry{root[i], 1})
	}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.level > depth {
			continue
		}
		if len(out) >= MaxWalk {
			return nil, fmt.Errorf("descendants of %s: %w", id, types.ErrCycleDetected)
		}
		out = append(out, e.node)
		if e.level == depth {
			continue
		}
		children, err := ChildNodes(r, e.node.ID)
		if err != nil {
			return nil, err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, entry{children[i], e.level + 1})
		}
	}
	return out, nil
}

// CheckReparent is the cycle guard. It returns nil when id may be moved
// under newParent and otherwise an error wrapping the sentinel that names the
// reason: ErrNotFound or ErrProtectedNode for the node, ErrInvalidParent for
// a missing or trashed target, ErrCyclicMove when newParent is id or one of
// its descendants, ErrNoOpMove when newParent already is id's parent. The
// descendant set is computed from r on every call.
func CheckReparent(r Reader, id, newParent types.NodeID) error {
	n, err := Lookup(r, id)
	if err != nil {
		return err
	}
	if n == nil {
		return fmt.Errorf("node %s: %w", id, types.ErrNotFound)
	}
	if n.IsSentinel() {
		return fmt.Errorf("node %s: %w", id, types.ErrProtectedNode)
	}
	target, err := Lookup(r, newParent)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("move target %s: %w", newParent, types.ErrInvalidParent)
	}
	if id == newParent {
		return fmt.Errorf("moving %s into itself: %w", id, types.ErrCyclicMove)
	}
	trashed, err := UnderTrash(r, target)
	if err != nil {
		return err
	}
	if trashed {
		return fmt.Errorf("move target %s is in the trash: %w", newParent, types.ErrInvalidParent)
	}
	desc, err := DescendantSet(r, id)
	if err != nil {
		return err
	}
	if _, inside := desc[newParent]; inside {
		return fmt.Errorf("moving %s under its descendant %s: %w", id, newParent, types.ErrCyclicMove)
	}
	if n.ParentNodeID == newParent {
		return fmt.Errorf("%s is already under %s: %w", id, newParent, types.ErrNoOpMove)
	}
	return nil
}

// CanReparent reports whether id may be moved under newParent. It is the
// hover check for drag and drop and agrees with CheckReparent; only store
// failures and corrupted parent links come back as errors.
func CanReparent(r Reader, id, newParent types.NodeID) (bool, error) {
	err := CheckReparent(r, id, newParent)
	if err == nil {
		return true, nil
	}
	if types.IsDomainError(err) && !errors.Is(err, types.ErrCycleDetected) {
		return false, nil
	}
	return false, err
}

// TopLevel drops every id that has another id of the set as an ancestor,
// keeping the input order. Missing ids are kept.
func TopLevel(r Reader, ids []types.NodeID) ([]types.NodeID, error) {
	set := make(map[types.NodeID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]types.NodeID, 0, len(ids))
	seen := make(map[types.NodeID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		anc, err := AncestorIDs(r, id)
		if err != nil {
			return nil, err
		}
		covered := false
		for _, a := range anc {
			if _, ok := set[a]; ok {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, id)
		}
	}
	return out, nil
}

func reversed(nodes []*types.TreeNode) []*types.TreeNode {
	out := make([]*types.TreeNode, len(nodes))
	for i, n := range nodes {
		out[len(nodes)-1-i] = n
	}
	return out
}
