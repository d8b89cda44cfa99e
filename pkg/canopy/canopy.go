// Package canopy is the public entry point to the tree mutation and
// subscription engine. It re-exports the engine handle and its options
// while keeping the implementation internal.
//
// Example:
//
//	e, err := canopy.Open(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".canopy-db",
//	})
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//	tree, err := e.CreateTree(ctx, "Workspace")
package canopy

import (
	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Version is the release version reported by the CLI.
const Version = "0.1.0"

type (
	// Engine is an open store with its executor, broker and sweeper.
	Engine = engine.Engine

	// Option configures Open.
	Option = engine.Option

	// Snapshot is the initial state returned with a subtree subscription.
	Snapshot = engine.Snapshot

	// SearchFilter narrows Engine.SearchNodes.
	SearchFilter = engine.SearchFilter
)

// Engine options.
var (
	WithStore   = engine.WithStore
	WithClock   = engine.WithClock
	WithLogger  = engine.WithLogger
	WithPlugins = engine.WithPlugins
	WithMetrics = engine.WithMetrics
)

// Open attaches the store described by cfg and starts the engine. The
// caller owns the returned handle and must Close it.
func Open(cfg types.Config, opts ...Option) (*Engine, error) {
	return engine.Open(cfg, opts...)
}
