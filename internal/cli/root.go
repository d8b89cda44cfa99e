// Package cli implements the canopy command-line interface. Every engine
// operation has a subcommand; each invocation opens the store, runs one
// operation and closes it again. serve keeps the engine open and exposes it
// over the websocket RPC endpoint, and watch follows a served engine.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/paths"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	yamlMode  bool
}

// app is the state shared by the commands of one root command.
type app struct {
	flags    rootFlags
	settings settings
	logger   *slog.Logger
}

// NewRootCmd creates the top-level "canopy" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{logger: slog.New(slog.DiscardHandler)}
	root := &cobra.Command{
		Use:   "canopy",
		Short: "Tree mutation and subscription engine",
		Long: `canopy stores a forest of ordered trees and changes it only through
validated commands: create, move, duplicate, paste, trash, recover,
permanent delete and working copy commits.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
	}

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: $CANOPY_CONFIG_DIR or the user config dir)")
	root.PersistentFlags().StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/"+paths.DefaultDataDirName+")")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output as JSON")
	root.PersistentFlags().BoolVar(&a.flags.yamlMode, "yaml", false, "output as YAML")
	root.MarkFlagsMutuallyExclusive("json", "yaml")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usagef("%v", err)
	})

	root.AddCommand(
		newVersionCmd(),
		a.newInitCmd(),
		a.newTreeCmd(),
		a.newNodeCmd(),
		a.newTrashCmd(),
		a.newWorkingCopyCmd(),
		a.newExportCmd(),
		a.newImportCmd(),
		a.newServeCmd(),
		a.newWatchCmd(),
	)
	return root
}

// load resolves directories, reads config.yaml and builds the logger.
func (a *app) load(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	configDir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	s, err := loadSettings(configDir)
	if err != nil {
		return err
	}
	s.ConfigDir = configDir
	if s.Engine.DataDir, err = paths.ResolveDataDir(a.flags.dataDir, s.Engine.DataDir); err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}
	a.settings = s
	a.logger, err = newLogger(cmd.ErrOrStderr(), s.LogLevel, s.LogFormat)
	return err
}

// Execute runs the root command and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "canopy:", err)
		return exitCode(err)
	}
	return exitSuccess
}

// exitCode maps domain failures, which the caller can fix, to 1 and
// everything else to 2.
func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) || types.IsDomainError(err) {
		return exitUserError
	}
	return exitSysError
}

// usageError marks bad flags or arguments.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// checked wraps a cobra argument validator so that its failures exit 1.
func checked(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &usageError{msg: err.Error()}
		}
		return nil
	}
}
