package engine

import (
	"context"
	"time"

	"github.com/mesh-intelligence/canopy/internal/command"
	"github.com/mesh-intelligence/canopy/internal/jsonl"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Execute runs a command on the serialized executor and returns its
// result. Failures are reported in the result, never as a panic.
func (e *Engine) Execute(ctx context.Context, cmd types.Command) types.CommandResult {
	return e.pipeline.Execute(ctx, cmd)
}

// do builds a command for payload and executes it.
func (e *Engine) do(ctx context.Context, payload types.Payload, opts ...command.Option) types.CommandResult {
	opts = append([]command.Option{command.WithClock(e.clock)}, opts...)
	cmd, err := command.New(payload.CommandType(), payload, opts...)
	if err != nil {
		return types.Failed("", err)
	}
	return e.Execute(ctx, cmd)
}

// CreateNode inserts a node.
func (e *Engine) CreateNode(ctx context.Context, pl types.CreateNodePayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// MoveNodes reparents a batch of nodes.
func (e *Engine) MoveNodes(ctx context.Context, pl types.MoveNodesPayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// DuplicateNodes deep-copies a batch of nodes.
func (e *Engine) DuplicateNodes(ctx context.Context, pl types.DuplicateNodesPayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// PasteNodes applies a clipboard record.
func (e *Engine) PasteNodes(ctx context.Context, pl types.PasteNodesPayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// MoveToTrash moves nodes under their trash root.
func (e *Engine) MoveToTrash(ctx context.Context, ids []types.NodeID, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &types.MoveToTrashPayload{NodeIDs: ids}, opts...)
}

// RecoverFromTrash restores trashed nodes.
func (e *Engine) RecoverFromTrash(ctx context.Context, pl types.RecoverFromTrashPayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// PermanentDelete removes trashed nodes for good.
func (e *Engine) PermanentDelete(ctx context.Context, pl types.PermanentDeletePayload, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &pl, opts...)
}

// CommitWorkingCopy merges a working copy into the store.
func (e *Engine) CommitWorkingCopy(ctx context.Context, id types.WorkingCopyID, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &types.CommitWorkingCopyPayload{WorkingCopyID: id}, opts...)
}

// DiscardWorkingCopy drops a working copy through the executor.
func (e *Engine) DiscardWorkingCopy(ctx context.Context, id types.WorkingCopyID, opts ...command.Option) types.CommandResult {
	return e.do(ctx, &types.DiscardWorkingCopyPayload{WorkingCopyID: id}, opts...)
}

// Undo reverts the most recent command group.
func (e *Engine) Undo(ctx context.Context) types.CommandResult {
	return e.do(ctx, &types.UndoPayload{})
}

// Redo re-applies the most recently undone command group.
func (e *Engine) Redo(ctx context.Context) types.CommandResult {
	return e.do(ctx, &types.RedoPayload{})
}

// CreateTree creates a tree with its root and trash sentinels.
func (e *Engine) CreateTree(ctx context.Context, name string) (*types.Tree, error) {
	return e.pipeline.CreateTree(ctx, name)
}

// CreateDraftWorkingCopy opens a draft for a new node under parent.
func (e *Engine) CreateDraftWorkingCopy(ctx context.Context, nodeType string, parent types.NodeID, initial types.Fields) (*types.WorkingCopy, error) {
	return e.copies.CreateDraft(ctx, nodeType, parent, initial)
}

// CreateWorkingCopyFromNode checks out an existing node for editing.
func (e *Engine) CreateWorkingCopyFromNode(ctx context.Context, id types.NodeID) (*types.WorkingCopy, error) {
	return e.copies.CreateFromNode(ctx, id)
}

// UpdateWorkingCopy merges fields into a working copy.
func (e *Engine) UpdateWorkingCopy(ctx context.Context, id types.WorkingCopyID, f types.Fields) (*types.WorkingCopy, error) {
	return e.copies.Update(ctx, id, f)
}

// ValidateWorkingCopy runs the built-in and plugin validators without side
// effects.
func (e *Engine) ValidateWorkingCopy(ctx context.Context, id types.WorkingCopyID) ([]types.FieldError, error) {
	return e.copies.Validate(ctx, id)
}

// DiscardAllWorkingCopies drops every working copy.
func (e *Engine) DiscardAllWorkingCopies(ctx context.Context) error {
	return e.copies.DiscardAll(ctx)
}

// CleanupOldWorkingCopies drops working copies untouched for olderThan and
// returns how many it removed.
func (e *Engine) CleanupOldWorkingCopies(ctx context.Context, olderThan time.Duration) (int, error) {
	return e.copies.CleanupOld(ctx, olderThan)
}

// Export writes the whole store to dir as JSONL files.
func (e *Engine) Export(ctx context.Context, dir string) (jsonl.Summary, error) {
	var sum jsonl.Summary
	err := e.pipeline.Run(ctx, func(ctx context.Context) error {
		var err error
		sum, err = jsonl.Export(ctx, e.store, dir)
		return err
	})
	return sum, err
}

// Import loads an export directory into the store. It runs between
// commands and clears the undo history, whose images may no longer match
// the store.
func (e *Engine) Import(ctx context.Context, dir string) (jsonl.Summary, error) {
	var sum jsonl.Summary
	err := e.pipeline.Run(ctx, func(ctx context.Context) error {
		var err error
		if sum, err = jsonl.Import(ctx, e.store, dir); err != nil {
			return err
		}
		e.pipeline.ClearHistory()
		return nil
	})
	return sum, err
}
