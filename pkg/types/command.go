package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType is the closed set of mutation kinds.
type CommandType string

// Command types.
const (
	CommandCreateNode         CommandType = "createNode"
	CommandMoveNodes          CommandType = "moveNodes"
	CommandDuplicateNodes     CommandType = "duplicateNodes"
	CommandPasteNodes         CommandType = "pasteNodes"
	CommandMoveToTrash        CommandType = "moveToTrash"
	CommandPermanentDelete    CommandType = "permanentDelete"
	CommandRecoverFromTrash   CommandType = "recoverFromTrash"
	CommandCommitWorkingCopy  CommandType = "commitWorkingCopy"
	CommandDiscardWorkingCopy CommandType = "discardWorkingCopy"
	CommandUndo               CommandType = "undo"
	CommandRedo               CommandType = "redo"
)

// CommandTypes lists every command type in declaration order.
var CommandTypes = []CommandType{
	CommandCreateNode,
	CommandMoveNodes,
	CommandDuplicateNodes,
	CommandPasteNodes,
	CommandMoveToTrash,
	CommandPermanentDelete,
	CommandRecoverFromTrash,
	CommandCommitWorkingCopy,
	CommandDiscardWorkingCopy,
	CommandUndo,
	CommandRedo,
}

// Valid reports whether t is one of the known command types.
func (t CommandType) Valid() bool {
	for _, c := range CommandTypes {
		if c == t {
			return true
		}
	}
	return false
}

// NameConflictPolicy decides what happens when a name already exists under
// the destination parent.
type NameConflictPolicy string

// Name conflict policies.
const (
	OnConflictError      NameConflictPolicy = "error"
	OnConflictAutoRename NameConflictPolicy = "auto-rename"
)

// RecoveryMode selects where recoverFromTrash re-attaches nodes.
type RecoveryMode string

// Recovery modes.
const (
	RestoreToOriginalNode RecoveryMode = "restore-to-original-node"
	RestoreToCurrentNode  RecoveryMode = "restore-to-current-node"
)

// ClipboardOperation is the tag of a clipboard record.
type ClipboardOperation string

// Clipboard operations.
const (
	ClipboardCopy ClipboardOperation = "copy"
	ClipboardCut  ClipboardOperation = "cut"
)

// Clipboard is the UI-owned copy/cut record passed through pasteNodes.
type Clipboard struct {
	Operation ClipboardOperation `json:"operation" validate:"required,oneof=copy cut"`
	Nodes     []NodeID           `json:"nodes" validate:"required,min=1,dive,id"`
	Timestamp time.Time          `json:"timestamp"`
}

// Payload is the type-specific body of a Command.
type Payload interface {
	CommandType() CommandType
}

// CreateNodePayload inserts a new node under ParentID. Index positions the
// node among its new siblings; nil appends.
type CreateNodePayload struct {
	ParentID       NodeID             `json:"parent_id" validate:"required,id"`
	Name           string             `json:"name" validate:"required,max=255,nodename"`
	NodeType       string             `json:"node_type" validate:"required,nodetype"`
	Properties     map[string]any     `json:"properties,omitempty"`
	Index          *int               `json:"index,omitempty" validate:"omitempty,gte=0"`
	OnNameConflict NameConflictPolicy `json:"on_name_conflict,omitempty" validate:"omitempty,oneof=error auto-rename"`
}

// MoveNodesPayload reparents NodeIDs under ToParentID as one batch.
type MoveNodesPayload struct {
	NodeIDs        []NodeID           `json:"node_ids" validate:"required,min=1,dive,id"`
	ToParentID     NodeID             `json:"to_parent_id" validate:"required,id"`
	Index          *int               `json:"index,omitempty" validate:"omitempty,gte=0"`
	OnNameConflict NameConflictPolicy `json:"on_name_conflict,omitempty" validate:"omitempty,oneof=error auto-rename"`
}

// DuplicateNodesPayload deep-copies NodeIDs. An empty ToParentID places each
// copy next to its original.
type DuplicateNodesPayload struct {
	NodeIDs    []NodeID `json:"node_ids" validate:"required,min=1,dive,id"`
	ToParentID NodeID   `json:"to_parent_id,omitempty" validate:"omitempty,id"`
}

// PasteNodesPayload applies a clipboard record under TargetParentID.
type PasteNodesPayload struct {
	TargetParentID NodeID    `json:"target_parent_id" validate:"required,id"`
	Clipboard      Clipboard `json:"clipboard"`
}

// MoveToTrashPayload moves NodeIDs under their tree's trash root.
type MoveToTrashPayload struct {
	NodeIDs []NodeID `json:"node_ids" validate:"required,min=1,dive,id"`
}

// RecoverFromTrashPayload restores trashed nodes. TargetNodeID is accepted as
// an alias of ToParentID for restore-to-current-node.
type RecoverFromTrashPayload struct {
	NodeIDs      []NodeID     `json:"node_ids" validate:"required,min=1,dive,id"`
	Mode         RecoveryMode `json:"mode,omitempty" validate:"omitempty,oneof=restore-to-original-node restore-to-current-node"`
	ToParentID   NodeID       `json:"to_parent_id,omitempty" validate:"omitempty,id"`
	TargetNodeID NodeID       `json:"target_node_id,omitempty" validate:"omitempty,id"`
}

// Target returns the explicit restore target, preferring ToParentID.
func (p RecoverFromTrashPayload) Target() NodeID {
	if p.ToParentID != "" {
		return p.ToParentID
	}
	return p.TargetNodeID
}

// PermanentDeletePayload selects trashed nodes either by id or by age. When
// OlderThan is set, TreeID optionally narrows the sweep to one tree.
type PermanentDeletePayload struct {
	NodeIDs   []NodeID      `json:"node_ids,omitempty" validate:"omitempty,dive,id"`
	TreeID    TreeID        `json:"tree_id,omitempty" validate:"omitempty,id"`
	OlderThan time.Duration `json:"older_than,omitempty" validate:"gte=0"`
}

// CommitWorkingCopyPayload commits a working copy.
type CommitWorkingCopyPayload struct {
	WorkingCopyID WorkingCopyID `json:"working_copy_id" validate:"required,id"`
}

// DiscardWorkingCopyPayload discards a working copy.
type DiscardWorkingCopyPayload struct {
	WorkingCopyID WorkingCopyID `json:"working_copy_id" validate:"required,id"`
}

// UndoPayload reverts the most recent command group.
type UndoPayload struct{}

// RedoPayload re-applies the most recently undone command group.
type RedoPayload struct{}

func (CreateNodePayload) CommandType() CommandType         { return CommandCreateNode }
func (MoveNodesPayload) CommandType() CommandType          { return CommandMoveNodes }
func (DuplicateNodesPayload) CommandType() CommandType     { return CommandDuplicateNodes }
func (PasteNodesPayload) CommandType() CommandType         { return CommandPasteNodes }
func (MoveToTrashPayload) CommandType() CommandType        { return CommandMoveToTrash }
func (RecoverFromTrashPayload) CommandType() CommandType   { return CommandRecoverFromTrash }
func (PermanentDeletePayload) CommandType() CommandType    { return CommandPermanentDelete }
func (CommitWorkingCopyPayload) CommandType() CommandType  { return CommandCommitWorkingCopy }
func (DiscardWorkingCopyPayload) CommandType() CommandType { return CommandDiscardWorkingCopy }
func (UndoPayload) CommandType() CommandType               { return CommandUndo }
func (RedoPayload) CommandType() CommandType               { return CommandRedo }

// NewPayload returns a pointer to the zero payload for t.
func NewPayload(t CommandType) (Payload, error) {
	switch t {
	case CommandCreateNode:
		return &CreateNodePayload{}, nil
	case CommandMoveNodes:
		return &MoveNodesPayload{}, nil
	case CommandDuplicateNodes:
		return &DuplicateNodesPayload{}, nil
	case CommandPasteNodes:
		return &PasteNodesPayload{}, nil
	case CommandMoveToTrash:
		return &MoveToTrashPayload{}, nil
	case CommandRecoverFromTrash:
		return &RecoverFromTrashPayload{}, nil
	case CommandPermanentDelete:
		return &PermanentDeletePayload{}, nil
	case CommandCommitWorkingCopy:
		return &CommitWorkingCopyPayload{}, nil
	case CommandDiscardWorkingCopy:
		return &DiscardWorkingCopyPayload{}, nil
	case CommandUndo:
		return &UndoPayload{}, nil
	case CommandRedo:
		return &RedoPayload{}, nil
	default:
		return nil, fmt.Errorf("command type %q: %w", t, ErrInvalidCommand)
	}
}

// DecodePayload unmarshals raw into the payload type for t. A missing body
// yields the zero payload.
func DecodePayload(t CommandType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %v: %w", t, err, ErrInvalidCommand)
		}
	}
	return p, nil
}

// Command is an immutable mutation envelope. Commands are the only path by
// which callers mutate committed nodes.
type Command struct {
	CommandID    CommandID   `json:"command_id" validate:"required,id"`
	Type         CommandType `json:"type" validate:"required"`
	Payload      Payload     `json:"payload"`
	GroupID      string      `json:"group_id,omitempty"`
	SourceViewID string      `json:"source_view_id,omitempty"`
	IssuedAt     time.Time   `json:"issued_at"`
}

// UnmarshalJSON decodes the payload according to the envelope's type.
func (c *Command) UnmarshalJSON(data []byte) error {
	type envelope struct {
		CommandID    CommandID       `json:"command_id"`
		Type         CommandType     `json:"type"`
		Payload      json.RawMessage `json:"payload"`
		GroupID      string          `json:"group_id"`
		SourceViewID string          `json:"source_view_id"`
		IssuedAt     time.Time       `json:"issued_at"`
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decoding command: %v: %w", err, ErrInvalidCommand)
	}
	p, err := DecodePayload(e.Type, e.Payload)
	if err != nil {
		return err
	}
	*c = Command{
		CommandID:    e.CommandID,
		Type:         e.Type,
		Payload:      p,
		GroupID:      e.GroupID,
		SourceViewID: e.SourceViewID,
		IssuedAt:     e.IssuedAt,
	}
	return nil
}

// CommandResult is the uniform outcome of every pipeline operation.
type CommandResult struct {
	Success          bool         `json:"success"`
	CommandID        CommandID    `json:"command_id,omitempty"`
	Error            *ResultError `json:"error,omitempty"`
	AffectedNodeIDs  []NodeID     `json:"affected_node_ids,omitempty"`
	CreatedNodeIDs   []NodeID     `json:"created_node_ids,omitempty"`
	Node             *TreeNode    `json:"node,omitempty"`
	ClipboardCleared bool         `json:"clipboard_cleared,omitempty"`
	Revision         int64        `json:"revision,omitempty"`
}

// Failed builds a failed result for err.
func Failed(id CommandID, err error) CommandResult {
	return CommandResult{CommandID: id, Error: NewResultError(err)}
}

// Err returns the failure as an error, or nil on success.
func (r CommandResult) Err() error {
	if r.Success || r.Error == nil {
		return nil
	}
	return r.Error
}
