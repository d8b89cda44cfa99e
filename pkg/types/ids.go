package types

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// Identifier kinds. Each is a distinct named type so that a NodeID cannot be
// passed where a TreeID is expected without an explicit conversion.
type (
	// NodeID identifies a TreeNode.
	NodeID string

	// TreeID identifies a forest container (one root plus one trash root).
	TreeID string

	// EntityID identifies a plugin-owned entity attached to a node.
	EntityID string

	// WorkingCopyID identifies a draft or edit buffer.
	WorkingCopyID string

	// CommandID identifies a single Command envelope.
	CommandID string

	// SubscriptionID identifies an observer registration.
	SubscriptionID string
)

// NoParent is the ParentNodeID of root and trash sentinel nodes.
const NoParent NodeID = ""

// MaxIDLength bounds the byte length of every identifier.
const MaxIDLength = 128

func (id NodeID) String() string         { return string(id) }
func (id TreeID) String() string         { return string(id) }
func (id EntityID) String() string       { return string(id) }
func (id WorkingCopyID) String() string  { return string(id) }
func (id CommandID) String() string      { return string(id) }
func (id SubscriptionID) String() string { return string(id) }

// ValidID reports whether s is a well-formed identifier: non-empty, at most
// MaxIDLength bytes, and free of whitespace and control characters.
func ValidID(s string) bool {
	if s == "" || len(s) > MaxIDLength {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// ParseNodeID converts s into a NodeID, returning ErrInvalidID when it is
// malformed.
func ParseNodeID(s string) (NodeID, error) {
	if !ValidID(s) {
		return "", fmt.Errorf("node id %q: %w", s, ErrInvalidID)
	}
	return NodeID(s), nil
}

// ParseTreeID converts s into a TreeID.
func ParseTreeID(s string) (TreeID, error) {
	if !ValidID(s) {
		return "", fmt.Errorf("tree id %q: %w", s, ErrInvalidID)
	}
	return TreeID(s), nil
}

// ParseWorkingCopyID converts s into a WorkingCopyID.
func ParseWorkingCopyID(s string) (WorkingCopyID, error) {
	if !ValidID(s) {
		return "", fmt.Errorf("working copy id %q: %w", s, ErrInvalidID)
	}
	return WorkingCopyID(s), nil
}

// ParseNodeIDs converts every element of ss, failing on the first malformed
// identifier.
func ParseNodeIDs(ss []string) ([]NodeID, error) {
	out := make([]NodeID, 0, len(ss))
	for _, s := range ss {
		id, err := ParseNodeID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// newUUID returns a UUID v7 string, falling back to v4 if v7 generation
// fails.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewNodeID returns a fresh time-ordered node id.
func NewNodeID() NodeID { return NodeID(newUUID()) }

// NewTreeID returns a fresh tree id.
func NewTreeID() TreeID { return TreeID(newUUID()) }

// NewWorkingCopyID returns a fresh working copy id.
func NewWorkingCopyID() WorkingCopyID { return WorkingCopyID(newUUID()) }

// NewCommandID returns a fresh command id.
func NewCommandID() CommandID { return CommandID(newUUID()) }

// NewSubscriptionID returns a fresh subscription id.
func NewSubscriptionID() SubscriptionID { return SubscriptionID(newUUID()) }
