package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

// DatabaseFile is the name of the database inside DataDir.
const DatabaseFile = "canopy.db"

// Backend implements types.Store on SQLite. A single connection serializes
// transactions, which is what the engine's single-writer model expects.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	logger   *slog.Logger
}

var _ types.Store = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger for backend lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach opens (creating if needed) the database in config.DataDir and
// applies the schema. With config.InMemory the database lives in memory
// and disappears on Detach.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dsn := ":memory:"
	if !config.InMemory {
		dataDir := config.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dataDir, err)
		}
		dsn = filepath.Join(dataDir, DatabaseFile)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(stmt); err != nil && !config.InMemory {
			db.Close()
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	for _, stmt := range schemaDDL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf("applying schema: %w", err)
		}
	}

	b.db = db
	b.config = config
	b.attached = true
	b.logger.Debug("sqlite backend attached", "path", dsn)
	return nil
}

// Detach closes the database. After Detach, transactions return
// ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	b.attached = false
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (b *Backend) View(ctx context.Context, fn func(tx types.Tx) error) error {
	return b.run(ctx, false, fn)
}

// Update runs fn in a transaction committed when fn returns nil.
func (b *Backend) Update(ctx context.Context, fn func(tx types.Tx) error) error {
	return b.run(ctx, true, fn)
}

func (b *Backend) run(ctx context.Context, write bool, fn func(tx types.Tx) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if !write {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
