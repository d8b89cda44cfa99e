package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/internal/rpc"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func (a *app) newWatchCmd() *cobra.Command {
	var (
		addr     string
		depth    int
		duration time.Duration
		copies   bool
	)
	cmd := &cobra.Command{
		Use:   "watch [node-id]",
		Short: "Print change batches from a running canopy serve",
		Long: `Connect to canopy serve and print every delivered batch as one JSON line.
With a node id the subtree under it is watched to --depth levels; with
--working-copies the working copy stream is watched instead.`,
		Args: checked(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if copies == (len(args) == 1) {
				return usagef("watch needs exactly one of a node id or --working-copies")
			}
			if addr == "" {
				addr = a.settings.RPCAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			c, err := rpc.Dial(ctx, "ws://"+addr+rpc.Path)
			if err != nil {
				return err
			}
			defer c.Close()

			if copies {
				var sub struct {
					SubscriptionID types.SubscriptionID `json:"subscription_id"`
					WorkingCopies  []*types.WorkingCopy `json:"working_copies"`
				}
				if err := c.Call(ctx, rpc.ServiceObservable, "subscribeWorkingCopies", nil, &sub); err != nil {
					return err
				}
				if err := a.print(cmd, sub.WorkingCopies); err != nil {
					return err
				}
			} else {
				id, err := types.ParseNodeID(args[0])
				if err != nil {
					return err
				}
				var snap engine.Snapshot
				params := map[string]any{"root_id": id, "depth": depth}
				if err := c.Call(ctx, rpc.ServiceObservable, "subscribeSubtree", params, &snap); err != nil {
					return err
				}
				if err := a.print(cmd, snap.Nodes); err != nil {
					return err
				}
			}
			return a.follow(ctx, cmd, c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default: rpc_addr)")
	cmd.Flags().IntVar(&depth, "depth", types.DefaultSubscriptionDepth, "levels below the node to watch; -1 for all")
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (default: until interrupted)")
	cmd.Flags().BoolVar(&copies, "working-copies", false, "watch working copies instead of a subtree")
	return cmd
}

// follow prints notifications until ctx ends or the server goes away.
func (a *app) follow(ctx context.Context, cmd *cobra.Command, c *rpc.Client) error {
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-c.Notifications():
			if !ok {
				return fmt.Errorf("server closed the connection")
			}
			line, err := json.Marshal(json.RawMessage(n.Event))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(line))
		}
	}
}
