package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

func (a *app) newServeCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
		anyOrigin   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over websocket RPC",
		Long: `Keep the engine open and serve it at ws://<addr>/rpc. Prometheus metrics
are served at /metrics on the same address, or on --metrics-addr when set.
Undo history and subscriptions live as long as the server does.`,
		Args: checked(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.settings.RPCAddr
			}
			if metricsAddr == "" {
				metricsAddr = a.settings.MetricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.withEngine(cmd, func(e *engine.Engine) error {
				return a.serve(ctx, cmd, e, addr, metricsAddr, anyOrigin)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: rpc_addr)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "separate listen address for /metrics (default: metrics_addr)")
	cmd.Flags().BoolVar(&anyOrigin, "any-origin", false, "accept websocket upgrades from any Origin")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command, e *engine.Engine, addr, metricsAddr string, anyOrigin bool) error {
	opts := []rpc.Option{
		rpc.WithLogger(a.logger.With("component", "rpc")),
		rpc.WithObserver(e.Metrics()),
	}
	if anyOrigin {
		opts = append(opts, rpc.WithAnyOrigin())
	}

	mux := http.NewServeMux()
	mux.Handle(rpc.Path, rpc.NewServer(e, opts...))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	servers := []*http.Server{{Handler: mux}}
	addrs := []string{addr}
	if metricsAddr == "" || metricsAddr == addr {
		mux.Handle("/metrics", e.Metrics().Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", e.Metrics().Handler())
		servers = append(servers, &http.Server{Handler: metricsMux})
		addrs = append(addrs, metricsAddr)
	}

	listeners := make([]net.Listener, 0, len(addrs))
	for _, ad := range addrs {
		ln, err := net.Listen("tcp", ad)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", ad, err)
		}
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		srv.ReadHeaderTimeout = 10 * time.Second
		a.logger.Info("listening", "addr", ln.Addr().String())
		fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("shutdown", "error", err)
			}
		}
		return nil
	})
	return g.Wait()
}
