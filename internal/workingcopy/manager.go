// Package workingcopy manages drafts and edit buffers: detached, mutable
// shadows of nodes that become visible only when the pipeline commits them.
//
// Create, update and discard run in their own store transactions and may
// proceed concurrently with the pipeline. Commit is always called by the
// pipeline inside its transaction.
package workingcopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/internal/plugin"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Manager owns working copy lifecycle.
type Manager struct {
	store   types.Store
	clock   clock.Clock
	plugins *plugin.Registry
	logger  *slog.Logger
	ttl     time.Duration
	emit    func(types.WorkingCopyEvent)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithPlugins sets the registry consulted for plugin validators.
func WithPlugins(r *plugin.Registry) Option { return func(m *Manager) { m.plugins = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithTTL sets the default expiry horizon used by the sweeper.
func WithTTL(d time.Duration) Option { return func(m *Manager) { m.ttl = d } }

// WithEmitter sets the sink that receives a WorkingCopyEvent for every change.
func WithEmitter(fn func(types.WorkingCopyEvent)) Option { return func(m *Manager) { m.emit = fn } }

// New returns a manager over s.
func New(s types.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   s,
		clock:   clock.Real(),
		plugins: plugin.NewRegistry(),
		logger:  slog.New(slog.DiscardHandler),
		ttl:     types.DefaultWorkingCopyTTL,
		emit:    func(types.WorkingCopyEvent) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured expiry horizon.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Notify forwards an event to the emitter. The pipeline calls it after
// committing or discarding a working copy.
func (m *Manager) Notify(ev types.WorkingCopyEvent) {
	m.emit(ev)
}

func (m *Manager) upserted(wc *types.WorkingCopy) {
	m.emit(types.WorkingCopyEvent{WorkingCopyID: wc.WorkingCopyID, Copy: wc.Clone()})
}

func (m *Manager) removed(id types.WorkingCopyID) {
	m.emit(types.WorkingCopyEvent{WorkingCopyID: id})
}

// update runs fn in a write transaction, retrying once on a store failure
// such as a lost conflict. Domain errors are returned immediately.
func (m *Manager) update(ctx context.Context, fn func(tx types.Tx) error) error {
	err := m.store.Update(ctx, fn)
	if err == nil || types.IsDomainError(err) || ctx.Err() != nil {
		return err
	}
	m.logger.Debug("retrying working copy transaction", "error", err)
	return m.store.Update(ctx, fn)
}

// CreateDraft starts a draft for a new node of nodeType under parentID. The
// parent must exist and must not be in the trash. The draft node gets the id
// it will keep once committed.
func (m *Manager) CreateDraft(ctx context.Context, nodeType string, parentID types.NodeID, initial types.Fields) (*types.WorkingCopy, error) {
	now := m.clock.Now()
	var wc *types.WorkingCopy
	err := m.update(ctx, func(tx types.Tx) error {
		parent, err := forest.Lookup(tx, parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("draft parent %s: %w", parentID, types.ErrInvalidParent)
		}
		if err := checkNotTrashed(tx, parent); err != nil {
			return err
		}

		node := types.TreeNode{
			ID:           types.NewNodeID(),
			TreeID:       parent.TreeID,
			ParentNodeID: parentID,
			NodeType:     nodeType,
			CreatedAt:    now,
			UpdatedAt:    now,
			IsDraft:      true,
		}
		node.Apply(initial)
		wc = &types.WorkingCopy{
			WorkingCopyID: types.NewWorkingCopyID(),
			Node:          node,
			CopiedAt:      now,
			UpdatedAt:     now,
			IsDirty:       true,
		}
		return tx.PutWorkingCopy(wc)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("draft created", "working_copy_id", wc.WorkingCopyID, "parent_id", parentID)
	m.upserted(wc)
	return wc, nil
}

func checkNotTrashed(tx types.Tx, parent *types.TreeNode) error {
	if parent.NodeType == types.NodeTypeTrash {
		return fmt.Errorf("parent %s is a trash root: %w", parent.ID, types.ErrInvalidParent)
	}
	tree, err := tx.GetTree(parent.TreeID)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	trashed, err := forest.InTrash(tx, tree, parent.ID)
	if err != nil {
		return err
	}
	if trashed {
		return fmt.Errorf("parent %s is in the trash: %w", parent.ID, types.ErrInvalidParent)
	}
	return nil
}

// CreateFromNode checks out nodeID into an edit buffer. At most one live
// working copy may target a node.
func (m *Manager) CreateFromNode(ctx context.Context, nodeID types.NodeID) (*types.WorkingCopy, error) {
	now := m.clock.Now()
	var wc *types.WorkingCopy
	err := m.update(ctx, func(tx types.Tx) error {
		n, err := forest.Lookup(tx, nodeID)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("node %s: %w", nodeID, types.ErrNotFound)
		}
		if n.IsSentinel() {
			return fmt.Errorf("checking out %s: %w", nodeID, types.ErrProtectedNode)
		}
		if _, err := tx.WorkingCopyFor(nodeID); err == nil {
			return fmt.Errorf("node %s: %w", nodeID, types.ErrAlreadyCheckedOut)
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		snapshot := *n.Clone()
		snapshot.WorkingCopyOf = nodeID
		wc = &types.WorkingCopy{
			WorkingCopyID: types.NewWorkingCopyID(),
			WorkingCopyOf: nodeID,
			Node:          snapshot,
			BaseVersion:   n.Version,
			CopiedAt:      now,
			UpdatedAt:     now,
		}
		return tx.PutWorkingCopy(wc)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("node checked out", "working_copy_id", wc.WorkingCopyID, "node_id", nodeID)
	m.upserted(wc)
	return wc, nil
}

// Update merges f into the working copy. The committed node is untouched.
func (m *Manager) Update(ctx context.Context, id types.WorkingCopyID, f types.Fields) (*types.WorkingCopy, error) {
	now := m.clock.Now()
	var wc *types.WorkingCopy
	err := m.update(ctx, func(tx types.Tx) error {
		var err error
		wc, err = tx.GetWorkingCopy(id)
		if err != nil {
			return fmt.Errorf("working copy %s: %w", id, err)
		}
		wc.Update(f, now)
		return tx.PutWorkingCopy(wc)
	})
	if err != nil {
		return nil, err
	}
	m.upserted(wc)
	return wc, nil
}

// Get returns the working copy with id.
func (m *Manager) Get(ctx context.Context, id types.WorkingCopyID) (*types.WorkingCopy, error) {
	var wc *types.WorkingCopy
	err := m.store.View(ctx, func(tx types.Tx) error {
		var err error
		wc, err = tx.GetWorkingCopy(id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("working copy %s: %w", id, err)
	}
	return wc, nil
}

// List returns every live working copy, oldest first.
func (m *Manager) List(ctx context.Context) ([]*types.WorkingCopy, error) {
	var out []*types.WorkingCopy
	err := m.store.View(ctx, func(tx types.Tx) error {
		var err error
		out, err = tx.ListWorkingCopies()
		return err
	})
	return out, err
}

// Discard deletes the working copy. A missing id is not an error.
func (m *Manager) Discard(ctx context.Context, id types.WorkingCopyID) error {
	existed := false
	err := m.update(ctx, func(tx types.Tx) error {
		_, err := tx.GetWorkingCopy(id)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		return tx.DeleteWorkingCopy(id)
	})
	if err != nil {
		return err
	}
	if existed {
		m.removed(id)
	}
	return nil
}

// DiscardAll deletes every working copy.
func (m *Manager) DiscardAll(ctx context.Context) error {
	var ids []types.WorkingCopyID
	err := m.update(ctx, func(tx types.Tx) error {
		ids = ids[:0]
		all, err := tx.ListWorkingCopies()
		if err != nil {
			return err
		}
		for _, wc := range all {
			if err := tx.DeleteWorkingCopy(wc.WorkingCopyID); err != nil {
				return err
			}
			ids = append(ids, wc.WorkingCopyID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		m.removed(id)
	}
	return nil
}

// CleanupOld deletes working copies not updated within olderThan and
// returns how many were removed.
func (m *Manager) CleanupOld(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.clock.Now().Add(-olderThan)
	var ids []types.WorkingCopyID
	err := m.update(ctx, func(tx types.Tx) error {
		ids = ids[:0]
		all, err := tx.ListWorkingCopies()
		if err != nil {
			return err
		}
		for _, wc := range all {
			if !wc.Expired(cutoff) {
				continue
			}
			if err := tx.DeleteWorkingCopy(wc.WorkingCopyID); err != nil {
				return err
			}
			ids = append(ids, wc.WorkingCopyID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		m.removed(id)
	}
	if len(ids) > 0 {
		m.logger.Info("expired working copies removed", "count", len(ids), "older_than", olderThan)
	}
	return len(ids), nil
}
