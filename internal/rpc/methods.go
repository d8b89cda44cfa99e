package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/canopy/internal/command"
	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

type method func(ctx context.Context, c *session, params json.RawMessage) (any, error)

// decode unmarshals params into a fresh T. Absent params decode as the zero
// value.
func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("decoding params: %v: %w", err, types.ErrInvalidCommand)
	}
	return v, nil
}

// call adapts a typed handler to a method.
func call[P any](fn func(ctx context.Context, e *engine.Engine, p P) (any, error)) method {
	return func(ctx context.Context, c *session, params json.RawMessage) (any, error) {
		p, err := decode[P](params)
		if err != nil {
			return nil, err
		}
		return fn(ctx, c.server.engine, p)
	}
}

type nodeParams struct {
	NodeID types.NodeID `json:"node_id"`
}

type treeParams struct {
	TreeID types.TreeID `json:"tree_id"`
}

type workingCopyParams struct {
	WorkingCopyID types.WorkingCopyID `json:"working_copy_id"`
}

type descendantsParams struct {
	NodeID types.NodeID `json:"node_id"`
	Depth  *int         `json:"depth,omitempty"`
}

type searchParams struct {
	Query        string       `json:"query"`
	TreeID       types.TreeID `json:"tree_id,omitempty"`
	NodeType     string       `json:"node_type,omitempty"`
	IncludeTrash bool         `json:"include_trash,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

type canDropParams struct {
	NodeIDs  []types.NodeID `json:"node_ids"`
	TargetID types.NodeID   `json:"target_id"`
}

type historyDepths struct {
	Undo int `json:"undo"`
	Redo int `json:"redo"`
}

func queryMethods() map[string]method {
	return map[string]method{
		"getTree": call(func(ctx context.Context, e *engine.Engine, p treeParams) (any, error) {
			return e.GetTree(ctx, p.TreeID)
		}),
		"listTrees": call(func(ctx context.Context, e *engine.Engine, _ struct{}) (any, error) {
			return e.ListTrees(ctx)
		}),
		"getNode": call(func(ctx context.Context, e *engine.Engine, p nodeParams) (any, error) {
			return e.GetNode(ctx, p.NodeID)
		}),
		"getChildren": call(func(ctx context.Context, e *engine.Engine, p nodeParams) (any, error) {
			return e.GetChildren(ctx, p.NodeID)
		}),
		"getDescendants": call(func(ctx context.Context, e *engine.Engine, p descendantsParams) (any, error) {
			depth := types.UnboundedDepth
			if p.Depth != nil {
				depth = *p.Depth
			}
			return e.GetDescendants(ctx, p.NodeID, depth)
		}),
		"getAncestors": call(func(ctx context.Context, e *engine.Engine, p nodeParams) (any, error) {
			return e.GetAncestors(ctx, p.NodeID)
		}),
		"searchNodes": call(func(ctx context.Context, e *engine.Engine, p searchParams) (any, error) {
			return e.SearchNodes(ctx, p.Query, engine.SearchFilter{
				TreeID:       p.TreeID,
				NodeType:     p.NodeType,
				IncludeTrash: p.IncludeTrash,
				Limit:        p.Limit,
			})
		}),
		"getNodeIdsToBeDeleted": call(func(ctx context.Context, e *engine.Engine, p types.PermanentDeletePayload) (any, error) {
			return e.GetNodeIdsToBeDeleted(ctx, p)
		}),
		"canDrop": call(func(ctx context.Context, e *engine.Engine, p canDropParams) (any, error) {
			return e.CanDrop(ctx, p.NodeIDs, p.TargetID)
		}),
		"getWorkingCopy": call(func(ctx context.Context, e *engine.Engine, p workingCopyParams) (any, error) {
			return e.GetWorkingCopy(ctx, p.WorkingCopyID)
		}),
		"listWorkingCopies": call(func(ctx context.Context, e *engine.Engine, _ struct{}) (any, error) {
			return e.ListWorkingCopies(ctx)
		}),
		"historyDepth": call(func(_ context.Context, e *engine.Engine, _ struct{}) (any, error) {
			return historyDepths{Undo: e.UndoDepth(), Redo: e.RedoDepth()}, nil
		}),
	}
}

type createTreeParams struct {
	Name string `json:"name"`
}

type draftParams struct {
	NodeType string       `json:"node_type"`
	ParentID types.NodeID `json:"parent_id"`
	Fields   types.Fields `json:"fields"`
}

type updateParams struct {
	WorkingCopyID types.WorkingCopyID `json:"working_copy_id"`
	Fields        types.Fields        `json:"fields"`
}

type cleanupParams struct {
	// OlderThan is a Go duration string such as "24h".
	OlderThan string `json:"older_than"`
}

type validation struct {
	Valid  bool               `json:"valid"`
	Errors []types.FieldError `json:"errors,omitempty"`
}

type cleanup struct {
	Removed int `json:"removed"`
}

// envelope carries the optional command metadata that typed mutation calls
// accept next to their payload fields.
type envelope struct {
	CommandID    types.CommandID `json:"command_id,omitempty"`
	GroupID      string          `json:"group_id,omitempty"`
	SourceViewID string          `json:"source_view_id,omitempty"`
}

func mutationMethods() map[string]method {
	m := map[string]method{
		"execute": func(ctx context.Context, c *session, params json.RawMessage) (any, error) {
			var cmd types.Command
			if err := json.Unmarshal(params, &cmd); err != nil {
				if !errors.Is(err, types.ErrInvalidCommand) {
					err = fmt.Errorf("decoding command: %v: %w", err, types.ErrInvalidCommand)
				}
				return types.Failed("", err), nil
			}
			if cmd.CommandID == "" {
				cmd.CommandID = types.NewCommandID()
			}
			if cmd.IssuedAt.IsZero() {
				cmd.IssuedAt = time.Now()
			}
			valid, err := command.Validate(cmd)
			if err != nil {
				return types.Failed(cmd.CommandID, err), nil
			}
			return c.server.engine.Execute(ctx, valid), nil
		},
		"createTree": call(func(ctx context.Context, e *engine.Engine, p createTreeParams) (any, error) {
			return e.CreateTree(ctx, p.Name)
		}),
		"createDraftWorkingCopy": call(func(ctx context.Context, e *engine.Engine, p draftParams) (any, error) {
			return e.CreateDraftWorkingCopy(ctx, p.NodeType, p.ParentID, p.Fields)
		}),
		"createWorkingCopyFromNode": call(func(ctx context.Context, e *engine.Engine, p nodeParams) (any, error) {
			return e.CreateWorkingCopyFromNode(ctx, p.NodeID)
		}),
		"updateWorkingCopy": call(func(ctx context.Context, e *engine.Engine, p updateParams) (any, error) {
			return e.UpdateWorkingCopy(ctx, p.WorkingCopyID, p.Fields)
		}),
		"validateWorkingCopy": call(func(ctx context.Context, e *engine.Engine, p workingCopyParams) (any, error) {
			problems, err := e.ValidateWorkingCopy(ctx, p.WorkingCopyID)
			if err != nil {
				return nil, err
			}
			return validation{Valid: len(problems) == 0, Errors: problems}, nil
		}),
		"discardAllWorkingCopies": call(func(ctx context.Context, e *engine.Engine, _ struct{}) (any, error) {
			return struct{}{}, e.DiscardAllWorkingCopies(ctx)
		}),
		"cleanupOldWorkingCopies": call(func(ctx context.Context, e *engine.Engine, p cleanupParams) (any, error) {
			age, err := time.ParseDuration(p.OlderThan)
			if err != nil || age < 0 {
				return nil, fmt.Errorf("older_than %q: %w", p.OlderThan, types.ErrInvalidCommand)
			}
			n, err := e.CleanupOldWorkingCopies(ctx, age)
			if err != nil {
				return nil, err
			}
			return cleanup{Removed: n}, nil
		}),
	}
	for _, t := range types.CommandTypes {
		m[string(t)] = typedCommand(t)
	}
	return m
}

// typedCommand accepts the payload of t as params, plus the optional
// envelope fields, and executes it. Failures, including malformed
// payloads, come back as a failed CommandResult.
func typedCommand(t types.CommandType) method {
	return func(ctx context.Context, c *session, params json.RawMessage) (any, error) {
		env, err := decode[envelope](params)
		if err != nil {
			return types.Failed("", err), nil
		}
		payload, err := command.Decode(t, params)
		if err != nil {
			return types.Failed(env.CommandID, err), nil
		}
		opts := []command.Option{command.WithGroupID(env.GroupID), command.WithSourceViewID(env.SourceViewID)}
		if env.CommandID != "" {
			opts = append(opts, command.WithID(env.CommandID))
		}
		cmd, err := command.New(t, payload, opts...)
		if err != nil {
			return types.Failed(env.CommandID, err), nil
		}
		return c.server.engine.Execute(ctx, cmd), nil
	}
}

type subscribeParams struct {
	RootID types.NodeID `json:"root_id"`
	Depth  *int         `json:"depth,omitempty"`
}

type subscriptionParams struct {
	SubscriptionID types.SubscriptionID `json:"subscription_id"`
}

type workingCopySubscription struct {
	SubscriptionID types.SubscriptionID `json:"subscription_id"`
	WorkingCopies  []*types.WorkingCopy `json:"working_copies"`
}

func observableMethods() map[string]method {
	subtree := func(fixed *int) method {
		return func(ctx context.Context, c *session, params json.RawMessage) (any, error) {
			p, err := decode[subscribeParams](params)
			if err != nil {
				return nil, err
			}
			depth := types.DefaultSubscriptionDepth
			switch {
			case fixed != nil:
				depth = *fixed
			case p.Depth != nil:
				depth = *p.Depth
			}
			snap, err := c.server.engine.SubscribeSubtree(ctx, p.RootID, depth, func(ch types.SubTreeChanges) {
				c.push(ch.SubscriptionID, ch)
			})
			if err != nil {
				return nil, err
			}
			c.own(snap.Subscription.SubscriptionID)
			return snap, nil
		}
	}
	nodeDepth, childDepth := 0, 1

	return map[string]method{
		"subscribeSubtree":  subtree(nil),
		"subscribeNode":     subtree(&nodeDepth),
		"subscribeChildren": subtree(&childDepth),
		"subscribeWorkingCopies": func(ctx context.Context, c *session, _ json.RawMessage) (any, error) {
			id, copies, err := c.server.engine.SubscribeWorkingCopies(ctx, func(ch types.WorkingCopyChanges) {
				c.push(ch.SubscriptionID, ch)
			})
			if err != nil {
				return nil, err
			}
			c.own(id)
			return workingCopySubscription{SubscriptionID: id, WorkingCopies: copies}, nil
		},
		"unsubscribe": func(_ context.Context, c *session, params json.RawMessage) (any, error) {
			p, err := decode[subscriptionParams](params)
			if err != nil {
				return nil, err
			}
			if !c.release(p.SubscriptionID) {
				return nil, fmt.Errorf("subscription %s: %w", p.SubscriptionID, types.ErrNotFound)
			}
			return struct{}{}, c.server.engine.Unsubscribe(p.SubscriptionID)
		},
	}
}
