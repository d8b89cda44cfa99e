package cli

import (
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
)

func (a *app) newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write the whole store to a directory of JSONL files",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				sum, err := e.Export(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, sum)
			})
		},
	}
}

func (a *app) newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load an export directory into the store",
		Args:  checked(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(e *engine.Engine) error {
				sum, err := e.Import(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.print(cmd, sum)
			})
		},
	}
}
