package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func (a *app) newTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Create and list trees",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a tree with its root and trash nodes",
			Args:  checked(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withEngine(cmd, func(e *engine.Engine) error {
					t, err := e.CreateTree(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return a.print(cmd, t)
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List trees",
			Args:  checked(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withEngine(cmd, func(e *engine.Engine) error {
					trees, err := e.ListTrees(cmd.Context())
					if err != nil {
						return err
					}
					return a.print(cmd, trees)
				})
			},
		},
		&cobra.Command{
			Use:   "get <tree-id>",
			Short: "Show a tree",
			Args:  checked(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := types.ParseTreeID(args[0])
				if err != nil {
					return err
				}
				return a.withEngine(cmd, func(e *engine.Engine) error {
					t, err := e.GetTree(cmd.Context(), id)
					if err != nil {
						return err
					}
					return a.print(cmd, t)
				})
			},
		},
	)
	return cmd
}
