package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// fieldFlags collects the editable node fields from flags. Only flags the
// user set end up in the update.
type fieldFlags struct {
	name     string
	nodeType string
	props    string
}

func (f *fieldFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "node name")
	cmd.Flags().StringVar(&f.nodeType, "type", "", "node type")
	cmd.Flags().StringVar(&f.props, "props", "", "properties as a JSON object")
}

func (f *fieldFlags) fields(cmd *cobra.Command) (types.Fields, error) {
	var out types.Fields
	if cmd.Flags().Changed("name") {
		out.Name = &f.name
	}
	if cmd.Flags().Changed("type") {
		out.NodeType = &f.nodeType
	}
	props, err := parseProps(f.props)
	if err != nil {
		return out, err
	}
	out.Properties = props
	return out, nil
}

func (a *app) newWorkingCopyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "wc",
		Aliases: []string{"working-copy"},
		Short:   "Edit nodes through working copies",
		Long: `A working copy is a detached draft of a new node or an edit of an
existing one. Nothing is visible in the tree until the copy is committed.`,
	}
	cmd.AddCommand(
		a.newDraftCmd(),
		a.newEditCmd(),
		a.newUpdateCmd(),
		a.newValidateCmd(),
		a.newCommitCmd(),
		a.newDiscardCmd(),
		a.newWorkingCopyGetCmd(),
		a.newWorkingCopyListCmd(),
		a.newCleanupCmd(),
		a.newDiscardAllCmd(),
	)
	return cmd
}

func (a *app) newDraftCmd() *cobra.Command {
	var ff fieldFlags
	cmd := &cobra.Command{
		Use:   "draft <parent-id>",
		Short: "Start a draft for a new node",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			f, err := ff.fields(cmd)
			if err != nil {
				return err
			}
			nodeType := ff.nodeType
			if nodeType == "" {
				nodeType = "folder"
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				wc, err := e.CreateDraftWorkingCopy(cmd.Context(), nodeType, parent, f)
				if err != nil {
					return err
				}
				return a.print(cmd, wc)
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func (a *app) newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <node-id>",
		Short: "Check out an existing node for editing",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseNodeID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				wc, err := e.CreateWorkingCopyFromNode(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd, wc)
			})
		},
	}
}

func (a *app) newUpdateCmd() *cobra.Command {
	var ff fieldFlags
	cmd := &cobra.Command{
		Use:   "update <working-copy-id>",
		Short: "Change fields of a working copy",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseWorkingCopyID(args[0])
			if err != nil {
				return err
			}
			f, err := ff.fields(cmd)
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				wc, err := e.UpdateWorkingCopy(cmd.Context(), id, f)
				if err != nil {
					return err
				}
				return a.print(cmd, wc)
			})
		},
	}
	ff.register(cmd)
	return cmd
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <working-copy-id>",
		Short: "Check a working copy without committing it",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseWorkingCopyID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				problems, err := e.ValidateWorkingCopy(cmd.Context(), id)
				if err != nil {
					return err
				}
				if a.flags.jsonMode || a.flags.yamlMode {
					return a.print(cmd, map[string]any{"valid": len(problems) == 0, "errors": problems})
				}
				if len(problems) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "valid")
					return nil
				}
				for _, p := range problems {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return &types.ValidationError{Fields: problems}
			})
		},
	}
}

func (a *app) newCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <working-copy-id>",
		Short: "Commit a working copy into the tree",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseWorkingCopyID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.CommitWorkingCopy(cmd.Context(), id))
			})
		},
	}
}

func (a *app) newDiscardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <working-copy-id>",
		Short: "Drop a working copy",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseWorkingCopyID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.report(cmd, e.DiscardWorkingCopy(cmd.Context(), id))
			})
		},
	}
}

func (a *app) newWorkingCopyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <working-copy-id>",
		Short: "Show a working copy",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseWorkingCopyID(args[0])
			if err != nil {
				return err
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				wc, err := e.GetWorkingCopy(cmd.Context(), id)
				if err != nil {
					return err
				}
				return a.print(cmd, wc)
			})
		},
	}
}

func (a *app) newWorkingCopyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live working copies",
		Args:  checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				copies, err := e.ListWorkingCopies(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(cmd, copies)
			})
		},
	}
}

func (a *app) newCleanupCmd() *cobra.Command {
	var olderThan string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop working copies untouched for a while",
		Args:  checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			age := a.settings.Engine.WorkingCopyTTL
			if olderThan != "" {
				var err error
				if age, err = parseAge(olderThan); err != nil {
					return err
				}
			}
			return a.withEngine(cmd, func(e *engine.Engine) error {
				n, err := e.CleanupOldWorkingCopies(cmd.Context(), age)
				if err != nil {
					return err
				}
				return a.print(cmd, map[string]int{"removed": n})
			})
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "age threshold (default: working_copy_ttl)")
	return cmd
}

func (a *app) newDiscardAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard-all",
		Short: "Drop every working copy",
		Args:  checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return e.DiscardAllWorkingCopies(cmd.Context())
			})
		},
	}
}
