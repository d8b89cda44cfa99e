package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// withEngine opens the configured store, runs fn and closes the store.
func (a *app) withEngine(cmd *cobra.Command, fn func(e *engine.Engine) error) error {
	e, err := engine.Open(a.settings.Engine, engine.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			a.logger.Error("closing engine", "error", cerr)
		}
	}()
	return fn(e)
}

// print writes v as JSON or YAML when asked to, and otherwise in the
// human-readable form for its type.
func (a *app) print(cmd *cobra.Command, v any) error {
	w := cmd.OutOrStdout()
	switch {
	case a.flags.jsonMode:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case a.flags.yamlMode:
		return printYAML(w, v)
	}

	switch x := v.(type) {
	case *types.TreeNode:
		return printNodes(w, []*types.TreeNode{x})
	case []*types.TreeNode:
		return printNodes(w, x)
	case *types.Tree:
		return printTrees(w, []*types.Tree{x})
	case []*types.Tree:
		return printTrees(w, x)
	case *types.WorkingCopy:
		return printWorkingCopies(w, []*types.WorkingCopy{x})
	case []*types.WorkingCopy:
		return printWorkingCopies(w, x)
	case types.CommandResult:
		return printResult(w, x)
	case []types.NodeID:
		for _, id := range x {
			fmt.Fprintln(w, id)
		}
		return nil
	default:
		return printYAML(w, v)
	}
}

// printYAML goes through JSON first so that the json tags name the keys.
func printYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return enc.Close()
}

func printNodes(w io.Writer, nodes []*types.TreeNode) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tPARENT\tVERSION")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", n.ID, n.Name, n.NodeType, n.ParentNodeID, n.Version)
	}
	return tw.Flush()
}

func printTrees(w io.Writer, trees []*types.Tree) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROOT\tTRASH")
	for _, t := range trees {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TreeID, t.Name, t.RootNodeID, t.TrashNodeID)
	}
	return tw.Flush()
}

func printWorkingCopies(w io.Writer, copies []*types.WorkingCopy) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOF\tNAME\tDIRTY\tUPDATED")
	for _, wc := range copies {
		of := string(wc.WorkingCopyOf)
		if wc.IsDraft() {
			of = "(draft)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", wc.WorkingCopyID, of, wc.Node.Name, wc.IsDirty, wc.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printResult(w io.Writer, r types.CommandResult) error {
	if !r.Success {
		fmt.Fprintf(w, "failed: %s\n", r.Error)
		for _, fe := range r.Error.Fields {
			fmt.Fprintf(w, "  %s\n", fe)
		}
		return nil
	}
	fmt.Fprintf(w, "ok (revision %d)\n", r.Revision)
	if len(r.CreatedNodeIDs) > 0 {
		fmt.Fprintf(w, "created: %s\n", joinIDs(r.CreatedNodeIDs))
	}
	if len(r.AffectedNodeIDs) > 0 {
		fmt.Fprintf(w, "affected: %s\n", joinIDs(r.AffectedNodeIDs))
	}
	return nil
}

func joinIDs(ids []types.NodeID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, " ")
}

// report prints a command result and turns a failed one into an error so
// that the process exits non-zero.
func (a *app) report(cmd *cobra.Command, r types.CommandResult) error {
	if err := a.print(cmd, r); err != nil {
		return err
	}
	return r.Err()
}
