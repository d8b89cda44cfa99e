package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// parseProps decodes a --props JSON object.
func parseProps(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var props map[string]any
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, usagef("--props: %v", err)
	}
	return props, nil
}

// indexFlag returns the --index value, or nil when the flag was not set.
func indexFlag(cmd *cobra.Command, v int) *int {
	if !cmd.Flags().Changed("index") {
		return nil
	}
	return &v
}

func (a *app) newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Query and change nodes",
	}
	cmd.AddCommand(
		a.newNodeCreateCmd(),
		a.newNodeGetCmd(),
		a.newNodeChildrenCmd(),
		a.newNodeDescendantsCmd(),
		a.newNodeAncestorsCmd(),
		a.newNodeSearchCmd(),
		a.newNodeMoveCmd(),
		a.newNodeDuplicateCmd(),
		a.newNodePasteCmd(),
		a.newNodeCanDropCmd(),
	)
	return cmd
}

func (a *app) newNodeCreateCmd() *cobra.Command {
	var (
		nodeType   string
		props      string
		index      int
		onConflict string
	)
	cmd := &cobra.Command{
		Use:   "create <parent-id> <name>",
		Short: "Create a node under a parent",
		Args:  checked(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			p, err := parseProps(props)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.CreateNode(cmd.Context(), types.CreateNodePayload{
					ParentID:       parent,
					Name:           args[1],
					NodeType:       nodeType,
					Properties:     p,
					Index:          indexFlag(cmd, index),
					OnNameConflict: types.NameConflictPolicy(onConflict),
				}))
			})
		},
	}
	cmd.Flags().StringVar(&nodeType, "type", "folder", "node type")
	cmd.Flags().StringVar(&props, "props", "", "properties as a JSON object")
	cmd.Flags().IntVar(&index, "index", 0, "position among the new siblings (default: append)")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "", "name conflict policy: error or auto-rename")
	return cmd
}

func (a *app) newNodeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <node-id>",
		Short: "Show a committed node",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				n, err := e.GetNode(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd, n)
			})
		},
	}
}

func (a *app) newNodeChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <node-id>",
		Short: "List the ordered children of a node",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				kids, err := e.GetChildren(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd, kids)
			})
		},
	}
}

func (a *app) newNodeDescendantsCmd() *cobra.Command {
	var depth int
	cmd := &cobra.Command{
		Use:   "descendants <node-id>",
		Short: "List the descendants of a node in pre-order",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				nodes, err := e.GetDescendants(cmd.Context(), id, depth)
				if err != nil {
					return err
				}
				return a.print(cmd, nodes)
			})
		},
	}
	cmd.Flags().IntVar(&depth, "depth", types.UnboundedDepth, "levels to descend; -1 for all")
	return cmd
}

func (a *app) newNodeAncestorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ancestors <node-id>",
		Short: "List the ancestors of a node from its parent to the root",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				nodes, err := e.GetAncestors(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd, nodes)
			})
		},
	}
}

func (a *app) newNodeSearchCmd() *cobra.Command {
	var f engine.SearchFilter
	var treeID string
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find nodes by name",
		Args:  checked(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var query string
			if len(args) == 1 {
				query = args[0]
			}
			f.TreeID = types.TreeID(treeID)
			return a.withEngine(cmd, func(e *engine.Engine) error {
				nodes, err := e.SearchNodes(cmd.Context(), query, f)
				if err != nil {
					return err
				}
				return a.print(cmd, nodes)
			})
		},
	}
	cmd.Flags().StringVar(&treeID, "tree", "", "only search this tree")
	cmd.Flags().StringVar(&f.NodeType, "type", "", "only match this node type")
	cmd.Flags().BoolVar(&f.IncludeTrash, "include-trash", false, "also match trashed nodes")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of results")
	return cmd
}

func (a *app) newNodeMoveCmd() *cobra.Command {
	var (
		to         string
		index      int
		onConflict string
	)
	cmd := &cobra.Command{
		Use:   "move <node-id>... --to <parent-id>",
		Short: "Move nodes under a new parent",
		Args:  checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.MoveNodes(cmd.Context(), types.MoveNodesPayload{
					NodeIDs:        ids,
					ToParentID:     types.NodeID(to),
					Index:          indexFlag(cmd, index),
					OnNameConflict: types.NameConflictPolicy(onConflict),
				}))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new parent")
	cmd.Flags().IntVar(&index, "index", 0, "position among the new siblings (default: append)")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "", "name conflict policy: error or auto-rename")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) newNodeDuplicateCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "duplicate <node-id>...",
		Short: "Deep-copy nodes next to the originals or under --to",
		Args:  checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.DuplicateNodes(cmd.Context(), types.DuplicateNodesPayload{
					NodeIDs:    ids,
					ToParentID: types.NodeID(to),
				}))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "parent for the copies")
	return cmd
}

func (a *app) newNodePasteCmd() *cobra.Command {
	var (
		to string
		op string
	)
	cmd := &cobra.Command{
		Use:   "paste <node-id>... --to <parent-id>",
		Short: "Paste copied or cut nodes under a parent",
		Args:  checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.PasteNodes(cmd.Context(), types.PasteNodesPayload{
					TargetParentID: types.NodeID(to),
					Clipboard: types.Clipboard{
						Operation: types.ClipboardOperation(op),
						Nodes:     ids,
						Timestamp: e.Now(),
					},
				}))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target parent")
	cmd.Flags().StringVar(&op, "op", string(types.ClipboardCopy), "clipboard operation: copy or cut")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) newNodeCanDropCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "can-drop <node-id>... --to <parent-id>",
		Short: "Report whether nodes may be moved under a parent",
		Args:  checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				ok, err := e.CanDrop(cmd.Context(), ids, types.NodeID(to))
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]bool{"can_drop": ok})
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target parent")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
