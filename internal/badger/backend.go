// Package badger implements the Store contract on BadgerDB.
//
// Key layout (components separated by a NUL byte, which identifiers never
// contain):
//
//	n <node>           node record
//	c <parent> <node>  child index, empty value
//	t <tree>           tree record
//	w <wc>             working copy record
//	wt <node>          working copy id editing node
//	r <node>           trash record
//
// Working copy exclusivity rests on the wt key: two transactions that both
// read it as absent and write it conflict at commit, and the loser sees
// ErrConflict.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// GC defaults for persistent databases.
const (
	DefaultGCInterval     = 5 * time.Minute
	DefaultGCDiscardRatio = 0.5
)

// Backend implements types.Store on BadgerDB.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	db       *badger.DB
	gc       *GCRunner
	logger   *slog.Logger
}

var _ types.Store = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger routes Badger's internal logging and GC events to l.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a detached backend. Call Attach to open the database.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Attach opens the database under config.DataDir, or in memory when
// config.InMemory is set. A value log GC runner starts for persistent
// databases.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := config.DataDir
		if dir == "" {
			dir = "."
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithSyncWrites(config.SyncWrites).WithNumVersionsToKeep(1)
	if b.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: b.logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger database: %w", err)
	}
	b.db = db

	if !config.InMemory {
		runner, err := NewGCRunner(db, DefaultGCInterval, DefaultGCDiscardRatio, b.logger)
		if err != nil {
			db.Close()
			return fmt.Errorf("creating GC runner: %w", err)
		}
		b.gc = runner
		runner.Start()
	}

	b.attached = true
	return nil
}

// Detach stops GC and closes the database. Idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	if b.gc != nil {
		b.gc.Stop()
		b.gc = nil
	}
	err := b.db.Close()
	b.db = nil
	b.attached = false
	if err != nil {
		return fmt.Errorf("closing badger database: %w", err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (b *Backend) View(ctx context.Context, fn func(tx types.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreDetached
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// Update runs fn in a read-write transaction. A commit that loses a conflict
// returns an error wrapping both badger.ErrConflict and
// types.ErrStoreTransactionFailed so that callers retry.
func (b *Backend) Update(ctx context.Context, fn func(tx types.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreDetached
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", types.ErrStoreTransactionFailed, err)
	}
	return err
}
