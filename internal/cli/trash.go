package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func (a *app) newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Trash, recover and permanently delete nodes",
	}
	cmd.AddCommand(a.newTrashMoveCmd(), a.newTrashRecoverCmd(), a.newTrashDeleteCmd())
	return cmd
}

func (a *app) newTrashMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <node-id>...",
		Short: "Move nodes into their tree's trash",
		Args:  checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.MoveToTrash(cmd.Context(), ids))
			})
		},
	}
}

func (a *app) newTrashRecoverCmd() *cobra.Command {
	var (
		mode string
		to   string
	)
	cmd := &cobra.Command{
		Use:   "recover <node-id>...",
		Short: "Restore trashed nodes",
		Long: `Restore trashed nodes to the parent they were trashed from, or with
--mode restore-to-current-node under the node given by --to.`,
		Args: checked(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.RecoverFromTrash(cmd.Context(), types.RecoverFromTrashPayload{
					NodeIDs:    ids,
					Mode:       types.RecoveryMode(mode),
					ToParentID: types.NodeID(to),
				}))
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(types.RestoreToOriginalNode), "restore-to-original-node or restore-to-current-node")
	cmd.Flags().StringVar(&to, "to", "", "target parent for restore-to-current-node")
	return cmd
}

func (a *app) newTrashDeleteCmd() *cobra.Command {
	var (
		olderThan string
		treeID    string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "delete [node-id]...",
		Short: "Permanently delete trashed nodes and their descendants",
		Long: `Permanently delete the given trashed nodes, or with --older-than every
node trashed before that age. --dry-run lists what would be removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := types.ParseNodeIDs(args)
			if err != nil {
				return err
			}
			pl := types.PermanentDeletePayload{NodeIDs: ids, TreeID: types.TreeID(treeID)}
			if olderThan != "" {
				if pl.OlderThan, err = parseAge(olderThan); err != nil {
					return err
				}
			}
			if len(ids) == 0 && pl.OlderThan == 0 {
				return usagef("delete needs node ids or --older-than")
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				if dryRun {
					doomed, err := e.GetNodeIdsToBeDeleted(cmd.Context(), pl)
					if err != nil {
						return err
					}
					return a.print(cmd, doomed)
				}
				return a.report(cmd, e.PermanentDelete(cmd.Context(), pl))
			})
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "delete nodes trashed longer ago than this (e.g. 720h or 30d)")
	cmd.Flags().StringVar(&treeID, "tree", "", "limit --older-than to one tree")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the ids that would be deleted")
	return cmd
}
