// Package engine assembles the tree mutation and subscription engine from
// its parts and exposes the Query, Mutation and Observable surfaces.
//
// An Engine is an explicit handle: callers open one per store and pass it
// to whatever needs it. There is no package-level instance.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/canopy/internal/badger"
	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/internal/metrics"
	"github.com/mesh-intelligence/canopy/internal/pipeline"
	"github.com/mesh-intelligence/canopy/internal/plugin"
	"github.com/mesh-intelligence/canopy/internal/sqlite"
	"github.com/mesh-intelligence/canopy/internal/subscription"
	"github.com/mesh-intelligence/canopy/internal/workingcopy"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Engine is the handle to one open store and the components built on it.
type Engine struct {
	cfg     types.Config
	store   types.Store
	clock   clock.Clock
	logger  *slog.Logger
	plugins *plugin.Registry
	metrics *metrics.Metrics

	copies   *workingcopy.Manager
	pipeline *pipeline.Pipeline
	broker   *subscription.Broker
	sweeper  *workingcopy.Sweeper

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses s instead of building a backend from the config. Open
// attaches it and Close detaches it.
func WithStore(s types.Store) Option { return func(e *Engine) { e.store = s } }

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the structured logger shared by every component.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithPlugins sets the plugin registry.
func WithPlugins(r *plugin.Registry) Option { return func(e *Engine) { e.plugins = r } }

// WithMetrics sets the metrics sink. By default each engine gets its own
// registry.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// Open attaches the configured store and starts the engine.
func Open(cfg types.Config, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		clock:   clock.Real(),
		logger:  slog.New(slog.DiscardHandler),
		plugins: plugin.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.store == nil {
		e.store = newBackend(cfg.Backend, e.logger)
	}
	if err := e.store.Attach(cfg); err != nil {
		return nil, fmt.Errorf("attaching %s store: %w", cfg.Backend, err)
	}

	e.broker = subscription.New(
		subscription.WithClock(e.clock),
		subscription.WithWindow(cfg.BatchWindow),
		subscription.WithLogger(e.logger.With("component", "subscription")),
		subscription.WithObserver(e.metrics),
	)
	e.copies = workingcopy.New(e.store,
		workingcopy.WithClock(e.clock),
		workingcopy.WithPlugins(e.plugins),
		workingcopy.WithLogger(e.logger.With("component", "workingcopy")),
		workingcopy.WithTTL(cfg.WorkingCopyTTL),
		workingcopy.WithEmitter(e.broker.Notify),
	)
	e.pipeline = pipeline.New(e.store, e.copies,
		pipeline.WithClock(e.clock),
		pipeline.WithLogger(e.logger.With("component", "pipeline")),
		pipeline.WithPlugins(e.plugins),
		pipeline.WithObserver(e.metrics),
		pipeline.WithPublisher(e.broker.Publish),
		pipeline.WithUndoLimit(cfg.UndoLimit),
	)
	e.sweeper = workingcopy.NewSweeper(e.copies, cfg.SweepInterval)
	e.sweeper.OnSweep(e.metrics.CopiesExpired)
	e.sweeper.Start()

	e.logger.Info("engine opened", "backend", cfg.Backend, "data_dir", cfg.DataDir, "in_memory", cfg.InMemory)
	return e, nil
}

func newBackend(name string, logger *slog.Logger) types.Store {
	if name == types.BackendBadger {
		return badger.NewBackend(badger.WithLogger(logger))
	}
	return sqlite.NewBackend(sqlite.WithLogger(logger))
}

// Close stops the executor and the sweeper, delivers pending subscription
// batches and detaches the store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var g errgroup.Group
		g.Go(func() error {
			e.sweeper.Stop()
			return nil
		})
		g.Go(func() error {
			e.pipeline.Close()
			e.broker.Close()
			return nil
		})
		_ = g.Wait()
		if err := e.store.Detach(); err != nil {
			e.closeErr = fmt.Errorf("detaching store: %w", err)
		}
		e.logger.Info("engine closed")
	})
	return e.closeErr
}

// Config returns the effective configuration.
func (e *Engine) Config() types.Config { return e.cfg }

// Plugins returns the plugin registry so hosts can register handlers.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Revision returns the revision of the last committed change set.
func (e *Engine) Revision() int64 { return e.pipeline.Revision() }

// view runs fn against committed state.
func (e *Engine) view(ctx context.Context, fn func(tx types.Tx) error) error {
	return e.store.View(ctx, fn)
}
