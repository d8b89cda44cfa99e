package types

import "time"

// Default working copy expiry horizon.
const DefaultWorkingCopyTTL = 24 * time.Hour

// WorkingCopy is a detached, mutable shadow of a new (draft) or existing
// (edit) node. It is never visible through node queries until committed.
// WorkingCopyOf is empty for drafts.
type WorkingCopy struct {
	WorkingCopyID WorkingCopyID `json:"working_copy_id"`
	WorkingCopyOf NodeID        `json:"working_copy_of,omitempty"`
	Node          TreeNode      `json:"node"`
	BaseVersion   int64         `json:"base_version"`
	CopiedAt      time.Time     `json:"copied_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	IsDirty       bool          `json:"is_dirty"`
}

// IsDraft reports whether the copy will create a new node on commit.
func (wc *WorkingCopy) IsDraft() bool {
	return wc.WorkingCopyOf == ""
}

// Update merges f into the snapshot. IsDirty and UpdatedAt change on the copy
// only; the underlying node is untouched until commit.
func (wc *WorkingCopy) Update(f Fields, now time.Time) {
	wc.Node.Apply(f)
	wc.IsDirty = true
	wc.UpdatedAt = now
	wc.Node.UpdatedAt = now
}

// Expired reports whether the copy has not been touched since cutoff.
func (wc *WorkingCopy) Expired(cutoff time.Time) bool {
	return wc.UpdatedAt.Before(cutoff)
}

// Clone returns a deep copy of the working copy.
func (wc *WorkingCopy) Clone() *WorkingCopy {
	if wc == nil {
		return nil
	}
	c := *wc
	c.Node = *wc.Node.Clone()
	return &c
}
