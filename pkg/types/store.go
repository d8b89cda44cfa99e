package types

import "context"

// Store is the persistent store contract the engine requires: a transactional
// key-indexed store with get/put/delete by id, lookups by parent id, and
// atomic multi-write transactions. Callers attach to a backend, run
// transactions, and detach when done.
type Store interface {
	// Attach connects the store to the backend described by config.
	// Returns ErrAlreadyAttached if called while attached.
	Attach(config Config) error

	// Detach releases backend resources. Idempotent. After Detach,
	// transactions return ErrStoreDetached.
	Detach() error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote is visible; otherwise all writes commit atomically.
	Update(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is a store transaction. Get methods return ErrNotFound on a miss.
// Returned records are owned by the caller.
type Tx interface {
	GetNode(id NodeID) (*TreeNode, error)
	PutNode(n *TreeNode) error
	DeleteNode(id NodeID) error

	// Children returns the children of parent ordered by Position, then
	// CreatedAt, then ID.
	Children(parent NodeID) ([]*TreeNode, error)

	// ScanNodes calls fn for every node until fn returns false.
	ScanNodes(fn func(n *TreeNode) bool) error

	GetTree(id TreeID) (*Tree, error)
	PutTree(t *Tree) error
	ListTrees() ([]*Tree, error)

	GetWorkingCopy(id WorkingCopyID) (*WorkingCopy, error)
	// WorkingCopyFor returns the live working copy editing node.
	WorkingCopyFor(node NodeID) (*WorkingCopy, error)
	// PutWorkingCopy stores wc. It returns ErrAlreadyCheckedOut when another
	// working copy already targets wc.WorkingCopyOf.
	PutWorkingCopy(wc *WorkingCopy) error
	DeleteWorkingCopy(id WorkingCopyID) error
	ListWorkingCopies() ([]*WorkingCopy, error)

	GetTrashRecord(node NodeID) (*TrashRecord, error)
	PutTrashRecord(r *TrashRecord) error
	DeleteTrashRecord(node NodeID) error
	// ListTrashRecords returns the records of tree, or of every tree when
	// tree is empty, oldest first.
	ListTrashRecords(tree TreeID) ([]*TrashRecord, error)
}
