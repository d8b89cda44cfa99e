package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// MemoryHandler is an EntityHandler that keeps the node's properties as its
// entity payload. It backs the built-in node types and serves as a reference
// implementation for plugins.
type MemoryHandler struct {
	mu       sync.RWMutex
	entities map[types.NodeID]json.RawMessage
}

var _ EntityHandler = (*MemoryHandler)(nil)

// NewMemoryHandler returns an empty handler.
func NewMemoryHandler() *MemoryHandler {
	return &MemoryHandler{entities: make(map[types.NodeID]json.RawMessage)}
}

func (h *MemoryHandler) put(node *types.TreeNode) error {
	data, err := json.Marshal(node.Properties)
	if err != nil {
		return fmt.Errorf("encoding entity %s: %w", node.ID, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entities[node.ID] = data
	return nil
}

// Create stores the node's properties.
func (h *MemoryHandler) Create(_ context.Context, node *types.TreeNode) error {
	return h.put(node)
}

// Get returns the stored payload for id.
func (h *MemoryHandler) Get(_ context.Context, id types.NodeID) (json.RawMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, types.ErrNotFound)
	}
	return data, nil
}

// Update replaces the stored payload.
func (h *MemoryHandler) Update(_ context.Context, node *types.TreeNode) error {
	return h.put(node)
}

// Delete removes the payload. Missing entities are ignored.
func (h *MemoryHandler) Delete(_ context.Context, id types.NodeID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entities, id)
	return nil
}

// Backup returns the payload for id, or nil when there is none.
func (h *MemoryHandler) Backup(_ context.Context, id types.NodeID) (json.RawMessage, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.entities[id]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), data...), nil
}

// Restore stores data under id.
func (h *MemoryHandler) Restore(_ context.Context, id types.NodeID, data json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entities[id] = append(json.RawMessage(nil), data...)
	return nil
}

// Len returns the number of stored entities.
func (h *MemoryHandler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entities)
}
