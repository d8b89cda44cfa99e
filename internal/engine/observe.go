package engine

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/canopy/internal/forest"
	"github.com/mesh-intelligence/canopy/internal/subscription"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Snapshot is the initial state handed to a new subtree subscriber: the
// watched root followed by its descendants to the subscription depth, in
// pre-order. Later diffs apply on top of it.
type Snapshot struct {
	Subscription types.Subscription `json:"subscription"`
	Nodes        []*types.TreeNode  `json:"nodes"`
}

// SubscribeSubtree registers h for changes under root down to depth levels
// and returns the current subtree. The snapshot is read and the
// subscription registered between two commands, so every later change is
// delivered exactly once and none is missed.
func (e *Engine) SubscribeSubtree(ctx context.Context, root types.NodeID, depth int, h subscription.Handler) (*Snapshot, error) {
	var snap *Snapshot
	err := e.pipeline.Run(ctx, func(ctx context.Context) error {
		var nodes []*types.TreeNode
		err := e.view(ctx, func(tx types.Tx) error {
			n, err := tx.GetNode(root)
			if err != nil {
				return err
			}
			desc, err := forest.DescendantsToDepth(tx, root, depth)
			if err != nil {
				return err
			}
			nodes = append([]*types.TreeNode{n}, desc...)
			return nil
		})
		if err != nil {
			return err
		}
		sub, err := e.broker.Subscribe(root, depth, h)
		if err != nil {
			return err
		}
		snap = &Snapshot{Subscription: sub, Nodes: nodes}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", root, err)
	}
	return snap, nil
}

// SubscribeNode watches a single node.
func (e *Engine) SubscribeNode(ctx context.Context, id types.NodeID, h subscription.Handler) (*Snapshot, error) {
	return e.SubscribeSubtree(ctx, id, 0, h)
}

// SubscribeChildren watches a node and its direct children.
func (e *Engine) SubscribeChildren(ctx context.Context, id types.NodeID, h subscription.Handler) (*Snapshot, error) {
	return e.SubscribeSubtree(ctx, id, 1, h)
}

// SubscribeWorkingCopies registers h for working copy changes and returns
// the copies that exist now.
func (e *Engine) SubscribeWorkingCopies(ctx context.Context, h subscription.WorkingCopyHandler) (types.SubscriptionID, []*types.WorkingCopy, error) {
	var (
		id     types.SubscriptionID
		copies []*types.WorkingCopy
	)
	err := e.pipeline.Run(ctx, func(ctx context.Context) error {
		var err error
		if id, err = e.broker.SubscribeWorkingCopies(h); err != nil {
			return err
		}
		copies, err = e.copies.List(ctx)
		return err
	})
	if err != nil {
		if id != "" {
			_ = e.broker.Unsubscribe(id)
		}
		return "", nil, fmt.Errorf("subscribing to working copies: %w", err)
	}
	return id, copies, nil
}

// Unsubscribe removes a subscription after delivering whatever it had
// pending.
func (e *Engine) Unsubscribe(id types.SubscriptionID) error {
	return e.broker.Unsubscribe(id)
}

// Subscriptions lists the live subtree subscriptions.
func (e *Engine) Subscriptions() []types.Subscription {
	return e.broker.List()
}
