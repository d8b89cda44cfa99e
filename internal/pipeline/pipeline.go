// Package pipeline is the serialized mutation executor. Every command runs
// on a single goroutine, one at a time, inside one store transaction; on
// commit the pipeline records an undo entry and publishes a ChangeSet.
//
// Callers never see a panic or a raw store error: every outcome is a
// CommandResult carrying a machine-readable error code.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/internal/command"
	"github.com/mesh-intelligence/canopy/internal/plugin"
	"github.com/mesh-intelligence/canopy/internal/workingcopy"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Observer receives per-command outcomes.
type Observer interface {
	CommandExecuted(t types.CommandType, code types.ErrorCode, d time.Duration)
	TransactionRetried(t types.CommandType)
}

type nopObserver struct{}

func (nopObserver) CommandExecuted(types.CommandType, types.ErrorCode, time.Duration) {}
func (nopObserver) TransactionRetried(types.CommandType)                              {}

// Pipeline owns the executor goroutine and the undo history.
type Pipeline struct {
	store     types.Store
	copies    *workingcopy.Manager
	plugins   *plugin.Registry
	clock     clock.Clock
	logger    *slog.Logger
	observer  Observer
	publish   func(types.ChangeSet)
	undoLimit int

	history  *history
	revision atomic.Int64

	jobs      chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithPlugins sets the entity handler registry.
func WithPlugins(r *plugin.Registry) Option { return func(p *Pipeline) { p.plugins = r } }

// WithObserver sets the sink for per-command metrics.
func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

// WithPublisher sets the function that receives every committed ChangeSet.
// It is called on the executor goroutine and must not block.
func WithPublisher(fn func(types.ChangeSet)) Option { return func(p *Pipeline) { p.publish = fn } }

// WithUndoLimit bounds the undo stack depth. Zero means unbounded.
func WithUndoLimit(n int) Option { return func(p *Pipeline) { p.undoLimit = n } }

// New starts a pipeline over s. Working copy commits and discards go
// through copies. Call Close to stop the executor.
func New(s types.Store, copies *workingcopy.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     s,
		copies:    copies,
		plugins:   plugin.NewRegistry(),
		clock:     clock.Real(),
		logger:    slog.New(slog.DiscardHandler),
		observer:  nopObserver{},
		publish:   func(types.ChangeSet) {},
		undoLimit: types.DefaultUndoLimit,
		jobs:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.history = newHistory(p.undoLimit)
	go p.loop()
	return p
}

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.quit:
			return
		}
	}
}

// Close stops accepting work and waits for the running job to finish.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
}

// submit hands fn to the executor and waits for it. Cancelling ctx abandons
// the wait; an accepted job still runs to completion.
func (p *Pipeline) submit(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case p.jobs <- job:
	case <-p.quit:
		return types.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn on the executor goroutine, between commands. Nothing
// commits while fn runs. A panic in fn is returned as ErrInternal.
func (p *Pipeline) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	if serr := p.submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("serialized function panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%v: %w", r, types.ErrInternal)
			}
		}()
		err = fn(context.WithoutCancel(ctx))
	}); serr != nil {
		return serr
	}
	return err
}

// Execute validates cmd and runs it on the executor.
func (p *Pipeline) Execute(ctx context.Context, cmd types.Command) types.CommandResult {
	valid, err := command.Validate(cmd)
	if err != nil {
		return types.Failed(cmd.CommandID, err)
	}
	var res types.CommandResult
	if err := p.submit(ctx, func() { res = p.execute(context.WithoutCancel(ctx), valid) }); err != nil {
		return types.Failed(cmd.CommandID, err)
	}
	return res
}

// Revision returns the revision of the last committed ChangeSet.
func (p *Pipeline) Revision() int64 { return p.revision.Load() }

// UndoDepth returns the number of undoable command groups.
func (p *Pipeline) UndoDepth() int {
	n, _ := p.history.depths()
	return n
}

// RedoDepth returns the number of redoable command groups.
func (p *Pipeline) RedoDepth() int {
	_, n := p.history.depths()
	return n
}

// ClearHistory drops both undo stacks. Callers that rewrite the store
// outside of commands, such as an import, run it through Run first.
func (p *Pipeline) ClearHistory() { p.history.clear() }

type effect int

const (
	recordUndo effect = iota
	keepHistory
	popUndo
	popRedo
	clearHistory
)

// outcome accumulates what a command did inside its transaction and what
// must happen after it commits.
type outcome struct {
	cmd      types.Command
	now      time.Time
	result   types.CommandResult
	effect   effect
	entry    *entry
	changes  []types.NodeChange
	wcEvents []types.WorkingCopyEvent
	after    []func(ctx context.Context)
}

func (o *outcome) affected(ids ...types.NodeID) {
	o.result.AffectedNodeIDs = append(o.result.AffectedNodeIDs, ids...)
}

func (o *outcome) created(ids ...types.NodeID) {
	o.result.CreatedNodeIDs = append(o.result.CreatedNodeIDs, ids...)
}

func (o *outcome) then(fn func(ctx context.Context)) {
	o.after = append(o.after, fn)
}

func (p *Pipeline) execute(ctx context.Context, cmd types.Command) (res types.CommandResult) {
	start := p.clock.Now()
	log := p.logger.With("command_id", cmd.CommandID, "type", cmd.Type)
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			res = types.Failed(cmd.CommandID, fmt.Errorf("%s: %v: %w", cmd.Type, r, types.ErrInternal))
		}
		var code types.ErrorCode
		if res.Error != nil {
			code = res.Error.Code
		}
		p.observer.CommandExecuted(cmd.Type, code, p.clock.Now().Sub(start))
	}()

	var out *outcome
	err := p.update(ctx, cmd.Type, func(tx types.Tx) error {
		rtx := newRecordingTx(tx)
		o := &outcome{
			cmd:    cmd,
			now:    p.clock.Now(),
			result: types.CommandResult{Success: true, CommandID: cmd.CommandID},
		}
		if err := p.apply(ctx, rtx, o); err != nil {
			return err
		}
		e, err := rtx.entry()
		if err != nil {
			return err
		}
		e.groupID = cmd.GroupID
		o.entry = e
		if !e.empty() {
			if o.changes, err = rtx.changes(e); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		if types.IsDomainError(err) {
			log.Debug("command rejected", "error", err)
		} else {
			log.Warn("command failed", "error", err)
		}
		return types.Failed(cmd.CommandID, err)
	}
	p.finish(ctx, out)
	log.Debug("command committed", "changes", len(out.changes), "revision", out.result.Revision)
	return out.result
}

// update runs fn in a write transaction. A store failure is retried once;
// a second failure is reported as ErrStoreTransactionFailed. Domain errors
// are never retried.
func (p *Pipeline) update(ctx context.Context, t types.CommandType, fn func(tx types.Tx) error) error {
	err := p.store.Update(ctx, fn)
	if err == nil || types.IsDomainError(err) {
		return err
	}
	p.observer.TransactionRetried(t)
	p.logger.Warn("retrying transaction", "type", t, "error", err)
	err = p.store.Update(ctx, fn)
	if err == nil || types.IsDomainError(err) || errors.Is(err, types.ErrStoreTransactionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrStoreTransactionFailed, err)
}

func (p *Pipeline) finish(ctx context.Context, o *outcome) {
	switch o.effect {
	case recordUndo:
		if !o.entry.empty() {
			p.history.record(o.entry)
		}
	case popUndo:
		p.history.undone()
	case popRedo:
		p.history.redone()
	case clearHistory:
		p.history.clear()
	}
	if len(o.changes) > 0 {
		rev := p.revision.Add(1)
		o.result.Revision = rev
		p.publish(types.ChangeSet{
			Revision:    rev,
			CommandID:   o.cmd.CommandID,
			CommandType: o.cmd.Type,
			Changes:     o.changes,
			CommittedAt: o.now,
		})
	}
	if p.copies != nil {
		for _, ev := range o.wcEvents {
			p.copies.Notify(ev)
		}
	}
	for _, fn := range o.after {
		fn(ctx)
	}
}

func (p *Pipeline) apply(ctx context.Context, tx *recordingTx, o *outcome) error {
	switch pl := o.cmd.Payload.(type) {
	case *types.CreateNodePayload:
		return p.createNode(tx, o, pl)
	case *types.MoveNodesPayload:
		return p.moveNodes(tx, o, pl)
	case *types.DuplicateNodesPayload:
		return p.duplicateNodes(tx, o, pl)
	case *types.PasteNodesPayload:
		return p.pasteNodes(tx, o, pl)
	case *types.MoveToTrashPayload:
		return p.moveToTrash(ctx, tx, o, pl)
	case *types.RecoverFromTrashPayload:
		return p.recoverFromTrash(tx, o, pl)
	case *types.PermanentDeletePayload:
		return p.permanentDelete(ctx, tx, o, pl)
	case *types.CommitWorkingCopyPayload:
		return p.commitWorkingCopy(tx, o, pl)
	case *types.DiscardWorkingCopyPayload:
		return p.discardWorkingCopy(tx, o, pl)
	case *types.UndoPayload:
		return p.undo(tx, o)
	case *types.RedoPayload:
		return p.redo(tx, o)
	default:
		return fmt.Errorf("%s: unexpected payload %T: %w", o.cmd.Type, o.cmd.Payload, types.ErrInvalidCommand)
	}
}

// CreateTree creates a tree with its root and trash sentinels.
func (p *Pipeline) CreateTree(ctx context.Context, name string) (*types.Tree, error) {
	if name == "" || !command.ValidNodeName(name) {
		return nil, fmt.Errorf("tree name %q: %w", name, types.ErrInvalidCommand)
	}
	var tree *types.Tree
	err := p.Run(ctx, func(ctx context.Context) error {
		now := p.clock.Now()
		t := &types.Tree{
			TreeID:      types.NewTreeID(),
			Name:        name,
			RootNodeID:  types.NewNodeID(),
			TrashNodeID: types.NewNodeID(),
			CreatedAt:   now,
		}
		err := p.update(ctx, "createTree", func(tx types.Tx) error {
			if err := tx.PutTree(t); err != nil {
				return err
			}
			if err := tx.PutNode(&types.TreeNode{
				ID: t.RootNodeID, TreeID: t.TreeID, Name: name, NodeType: types.NodeTypeRoot,
				CreatedAt: now, UpdatedAt: now, Version: 1,
			}); err != nil {
				return err
			}
			return tx.PutNode(&types.TreeNode{
				ID: t.TrashNodeID, TreeID: t.TreeID, Name: "Trash", NodeType: types.NodeTypeTrash,
				CreatedAt: now, UpdatedAt: now, Version: 1,
			})
		})
		if err != nil {
			return err
		}
		tree = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating tree %q: %w", name, err)
	}
	p.logger.Info("tree created", "tree_id", tree.TreeID, "name", name)
	return tree, nil
}
