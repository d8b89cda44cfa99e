package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/pkg/canopy"
)

const modulePath = "github.com/mesh-intelligence/canopy"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the canopy version",
		Args:  checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "canopy v%s\nmodule: %s\n", canopy.Version, modulePath)
			return nil
		},
	}
}
