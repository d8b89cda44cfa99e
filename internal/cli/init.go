package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/internal/paths"
)

func (a *app) newInitCmd() *cobra.Command {
	var treeName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file and the store",
		Long: `Create the configuration directory with a default config.yaml, open the
store once so that its data directory exists, and optionally create a
first tree.`,
		Args: checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir := a.settings.ConfigDir
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			written, err := writeConfigIfMissing(paths.ConfigFile(configDir), a.flags.dataDir)
			if err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			return a.withEngine(cmd, func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "canopy initialized")
				fmt.Fprintln(out, "  config:", configDir)
				if written {
					fmt.Fprintln(out, "  wrote: ", paths.ConfigFile(configDir))
				}
				fmt.Fprintln(out, "  data:  ", a.settings.Engine.DataDir)
				if treeName == "" {
					return nil
				}
				t, err := e.CreateTree(cmd.Context(), treeName)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "  tree:  ", t.TreeID, "root", t.RootNodeID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&treeName, "tree", "", "also create a tree with this name")
	return cmd
}
