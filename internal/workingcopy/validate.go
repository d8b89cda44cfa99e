package workingcopy

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/canopy/internal/command"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// fieldRules are the built-in constraints on user-editable fields.
type fieldRules struct {
	Name     string `json:"name" validate:"required,max=255,nodename"`
	NodeType string `json:"node_type" validate:"required,nodetype"`
}

// Check runs the built-in validators and any plugin validator for the copy's
// node type. It has no side effects.
func (m *Manager) Check(wc *types.WorkingCopy) []types.FieldError {
	fields := command.Struct(fieldRules{Name: wc.Node.Name, NodeType: wc.Node.NodeType})
	return append(fields, m.plugins.Validate(&wc.Node)...)
}

// Validate loads the working copy and checks it.
func (m *Manager) Validate(ctx context.Context, id types.WorkingCopyID) ([]types.FieldError, error) {
	wc, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Check(wc), nil
}

// Commit applies wc inside the caller's transaction: a draft becomes a new
// node appended under its parent, an edit merges into the live node and bumps
// its version. The working copy is deleted. A validation failure returns a
// *types.ValidationError and writes nothing.
func (m *Manager) Commit(tx types.Tx, wc *types.WorkingCopy) (*types.TreeNode, error) {
	if fields := m.Check(wc); len(fields) > 0 {
		return nil, &types.ValidationError{Fields: fields}
	}
	now := m.clock.Now()

	var node *types.TreeNode
	if wc.IsDraft() {
		parent, err := tx.GetNode(wc.Node.ParentNodeID)
		if err != nil {
			return nil, fmt.Errorf("draft parent %s: %w", wc.Node.ParentNodeID, types.ErrInvalidParent)
		}
		if err := checkNotTrashed(tx, parent); err != nil {
			return nil, err
		}
		siblings, err := tx.Children(parent.ID)
		if err != nil {
			return nil, err
		}
		if conflict(siblings, wc.Node.Name, "") {
			return nil, nameTaken(wc.Node.Name)
		}
		node = wc.Node.Clone()
		node.TreeID = parent.TreeID
		node.IsDraft = false
		node.WorkingCopyOf = ""
		node.Position = 1
		if n := len(siblings); n > 0 {
			node.Position = siblings[n-1].Position + 1
		}
		node.CreatedAt = now
		node.UpdatedAt = now
		node.Version = 1
	} else {
		live, err := tx.GetNode(wc.WorkingCopyOf)
		if err != nil {
			return nil, fmt.Errorf("committing %s onto %s: %w", wc.WorkingCopyID, wc.WorkingCopyOf, err)
		}
		if live.Version != wc.BaseVersion {
			m.logger.Warn("committing over a newer node version",
				"node_id", live.ID, "base_version", wc.BaseVersion, "live_version", live.Version)
		}
		if wc.Node.Name != live.Name && live.ParentNodeID != types.NoParent {
			siblings, err := tx.Children(live.ParentNodeID)
			if err != nil {
				return nil, err
			}
			if conflict(siblings, wc.Node.Name, live.ID) {
				return nil, nameTaken(wc.Node.Name)
			}
		}
		node = live.Clone()
		node.Name = wc.Node.Name
		node.NodeType = wc.Node.NodeType
		node.Properties = wc.Node.Clone().Properties
		node.Version = live.Version + 1
		node.UpdatedAt = now
	}

	if err := tx.PutNode(node); err != nil {
		return nil, err
	}
	if err := tx.DeleteWorkingCopy(wc.WorkingCopyID); err != nil {
		return nil, err
	}
	return node, nil
}

func conflict(siblings []*types.TreeNode, name string, self types.NodeID) bool {
	for _, s := range siblings {
		if s.ID != self && s.Name == name {
			return true
		}
	}
	return false
}

func nameTaken(name string) error {
	return &types.ValidationError{Fields: []types.FieldError{{
		Field:   "name",
		Rule:    "unique",
		Message: fmt.Sprintf("%q already exists under the parent", name),
	}}}
}
