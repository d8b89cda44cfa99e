// Package plugin defines the entity contract that node-type plugins
// implement, plus the optional capabilities the engine discovers by type
// assertion.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// EntityHandler owns the plugin payload attached to nodes of one node type.
// Entities are keyed by the owning node's id.
type EntityHandler interface {
	Create(ctx context.Context, node *types.TreeNode) error
	Get(ctx context.Context, id types.NodeID) (json.RawMessage, error)
	Update(ctx context.Context, node *types.TreeNode) error
	Delete(ctx context.Context, id types.NodeID) error

	// Backup returns an opaque snapshot of the entity attached to id.
	Backup(ctx context.Context, id types.NodeID) (json.RawMessage, error)

	// Restore attaches a snapshot taken by Backup to id, which may be a
	// different node than the one backed up (duplicate and paste).
	Restore(ctx context.Context, id types.NodeID, data json.RawMessage) error
}

// Validator is implemented by handlers that contribute field validation for
// working copies of their node type.
type Validator interface {
	Validate(node *types.TreeNode) []types.FieldError
}

// LifecycleHooks is implemented by handlers that observe or veto destructive
// operations. Before hooks veto by returning an error; After hooks are
// informational and their errors are ignored.
type LifecycleHooks interface {
	BeforeTrash(ctx context.Context, node *types.TreeNode) error
	AfterTrash(ctx context.Context, node *types.TreeNode)
	BeforeDelete(ctx context.Context, node *types.TreeNode) error
	AfterDelete(ctx context.Context, node *types.TreeNode)
}

// Registry maps node types to handlers. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]EntityHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]EntityHandler)}
}

// Register installs h for nodeType, replacing any previous handler.
func (r *Registry) Register(nodeType string, h EntityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

// Handler returns the handler for nodeType, or nil.
func (r *Registry) Handler(nodeType string) EntityHandler {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[nodeType]
}

// NodeTypes lists the registered node types in sorted order.
func (r *Registry) NodeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate runs the Validator capability for node's type, if any.
func (r *Registry) Validate(node *types.TreeNode) []types.FieldError {
	if v, ok := r.Handler(node.NodeType).(Validator); ok {
		return v.Validate(node)
	}
	return nil
}

// BeforeTrash asks node's handler whether node may be trashed.
func (r *Registry) BeforeTrash(ctx context.Context, node *types.TreeNode) error {
	if h, ok := r.Handler(node.NodeType).(LifecycleHooks); ok {
		if err := h.BeforeTrash(ctx, node); err != nil {
			return fmt.Errorf("trashing %s: %v: %w", node.ID, err, types.ErrVetoed)
		}
	}
	return nil
}

// AfterTrash notifies node's handler that node was trashed.
func (r *Registry) AfterTrash(ctx context.Context, node *types.TreeNode) {
	if h, ok := r.Handler(node.NodeType).(LifecycleHooks); ok {
		h.AfterTrash(ctx, node)
	}
}

// BeforeDelete asks node's handler whether node may be deleted.
func (r *Registry) BeforeDelete(ctx context.Context, node *types.TreeNode) error {
	if h, ok := r.Handler(node.NodeType).(LifecycleHooks); ok {
		if err := h.BeforeDelete(ctx, node); err != nil {
			return fmt.Errorf("deleting %s: %v: %w", node.ID, err, types.ErrVetoed)
		}
	}
	return nil
}

// AfterDelete notifies node's handler that node was deleted.
func (r *Registry) AfterDelete(ctx context.Context, node *types.TreeNode) {
	if h, ok := r.Handler(node.NodeType).(LifecycleHooks); ok {
		h.AfterDelete(ctx, node)
	}
}

// Created forwards a committed node creation to its handler.
func (r *Registry) Created(ctx context.Context, node *types.TreeNode) error {
	if h := r.Handler(node.NodeType); h != nil {
		return h.Create(ctx, node)
	}
	return nil
}

// Updated forwards a committed node edit to its handler.
func (r *Registry) Updated(ctx context.Context, node *types.TreeNode) error {
	if h := r.Handler(node.NodeType); h != nil {
		return h.Update(ctx, node)
	}
	return nil
}

// Deleted removes node's entity through its handler.
func (r *Registry) Deleted(ctx context.Context, node *types.TreeNode) error {
	if h := r.Handler(node.NodeType); h != nil {
		return h.Delete(ctx, node.ID)
	}
	return nil
}

// Copy backs up the entity of src and restores it onto dst. Both nodes must
// share a node type.
func (r *Registry) Copy(ctx context.Context, src, dst *types.TreeNode) error {
	h := r.Handler(src.NodeType)
	if h == nil {
		return nil
	}
	data, err := h.Backup(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("backing up %s: %w", src.ID, err)
	}
	if data == nil {
		return nil
	}
	if err := h.Restore(ctx, dst.ID, data); err != nil {
		return fmt.Errorf("restoring onto %s: %w", dst.ID, err)
	}
	return nil
}
