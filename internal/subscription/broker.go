// Package subscription fans committed change sets out to observers of
// subtrees and working copies. Diffs are scoped to each observer's watched
// root and depth, coalesced per observer, and delivered once per batch
// window on a timer from the injected clock.
package subscription

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// Handler receives one merged diff per batch window.
type Handler func(types.SubTreeChanges)

// WorkingCopyHandler receives one merged working copy diff per batch window.
type WorkingCopyHandler func(types.WorkingCopyChanges)

// Observer is told about deliveries. internal/metrics implements it.
type Observer interface {
	BatchDelivered(kind string, events int)
	SubscribersChanged(n int)
}

type nopObserver struct{}

func (nopObserver) BatchDelivered(string, int) {}
func (nopObserver) SubscribersChanged(int)     {}

// Delivery kinds reported to the Observer.
const (
	KindSubtree       = "subtree"
	KindWorkingCopies = "working_copies"
)

// Broker holds every live subscription.
type Broker struct {
	clock    clock.Clock
	window   time.Duration
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	revision int64
	closed   bool
	subtrees map[types.SubscriptionID]*subscriber
	copies   map[types.SubscriptionID]*copySubscriber
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock sets the clock that drives batch windows.
func WithClock(c clock.Clock) Option { return func(b *Broker) { b.clock = c } }

// WithWindow sets the coalescing window. Zero delivers on the next timer
// tick of the clock, which for the real clock is immediately.
func WithWindow(d time.Duration) Option { return func(b *Broker) { b.window = d } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithObserver sets the delivery observer.
func WithObserver(o Observer) Option { return func(b *Broker) { b.observer = o } }

// New returns an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		clock:    clock.Real(),
		window:   types.DefaultBatchWindow,
		logger:   slog.New(slog.DiscardHandler),
		observer: nopObserver{},
		subtrees: make(map[types.SubscriptionID]*subscriber),
		copies:   make(map[types.SubscriptionID]*copySubscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for changes to root and its descendants down to
// depth levels below it. Depth 0 watches root alone; UnboundedDepth
// watches the whole subtree.
//
// Subscribe must be called from the same serialization point that calls
// Publish so that the caller's snapshot and the first delivered diff line
// up. LastDeliveredVersion starts at the last published revision.
func (b *Broker) Subscribe(root types.NodeID, depth int, h Handler) (types.Subscription, error) {
	if depth < types.UnboundedDepth {
		return types.Subscription{}, fmt.Errorf("subscription depth %d: %w", depth, types.ErrInvalidCommand)
	}
	if h == nil {
		return types.Subscription{}, fmt.Errorf("subscription handler is nil: %w", types.ErrInvalidCommand)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.Subscription{}, types.ErrEngineClosed
	}
	s := &subscriber{
		info: types.Subscription{
			SubscriptionID:       types.NewSubscriptionID(),
			WatchedRootNodeID:    root,
			Depth:                depth,
			LastDeliveredVersion: b.revision,
		},
		handler: h,
		pending: make(map[types.NodeID]*pendingNode),
	}
	b.subtrees[s.info.SubscriptionID] = s
	b.observer.SubscribersChanged(len(b.subtrees) + len(b.copies))
	b.logger.Debug("subscribed", "subscription_id", s.info.SubscriptionID, "root", root, "depth", depth)
	return s.info, nil
}

// SubscribeNode watches a single node.
func (b *Broker) SubscribeNode(id types.NodeID, h Handler) (types.Subscription, error) {
	return b.Subscribe(id, 0, h)
}

// SubscribeChildren watches a node and its direct children.
func (b *Broker) SubscribeChildren(id types.NodeID, h Handler) (types.Subscription, error) {
	return b.Subscribe(id, 1, h)
}

// SubscribeWorkingCopies registers h for every working copy change.
func (b *Broker) SubscribeWorkingCopies(h WorkingCopyHandler) (types.SubscriptionID, error) {
	if h == nil {
		return "", fmt.Errorf("subscription handler is nil: %w", types.ErrInvalidCommand)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", types.ErrEngineClosed
	}
	s := &copySubscriber{
		id:      types.NewSubscriptionID(),
		handler: h,
		pending: make(map[types.WorkingCopyID]*types.WorkingCopy),
	}
	b.copies[s.id] = s
	b.observer.SubscribersChanged(len(b.subtrees) + len(b.copies))
	return s.id, nil
}

// Unsubscribe removes a subscription of either kind and delivers whatever
// it still had pending before returning.
func (b *Broker) Unsubscribe(id types.SubscriptionID) error {
	b.mu.Lock()
	s, isTree := b.subtrees[id]
	c, isCopy := b.copies[id]
	delete(b.subtrees, id)
	delete(b.copies, id)
	n := len(b.subtrees) + len(b.copies)
	b.mu.Unlock()

	switch {
	case isTree:
		b.flush(s)
	case isCopy:
		b.flushCopies(c)
	default:
		return fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
	}
	b.observer.SubscribersChanged(n)
	b.logger.Debug("unsubscribed", "subscription_id", id)
	return nil
}

// Get returns the current state of a subtree subscription.
func (b *Broker) Get(id types.SubscriptionID) (types.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subtrees[id]
	if !ok {
		return types.Subscription{}, fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
	}
	return s.info, nil
}

// List returns every subtree subscription ordered by id.
func (b *Broker) List() []types.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Subscription, 0, len(b.subtrees))
	for _, s := range b.subtrees {
		out = append(out, s.info)
	}
	slices.SortFunc(out, func(a, b types.Subscription) int {
		switch {
		case a.SubscriptionID < b.SubscriptionID:
			return -1
		case a.SubscriptionID > b.SubscriptionID:
			return 1
		}
		return 0
	})
	return out
}

// Publish folds a committed change set into the pending batch of every
// subscriber it touches. It never calls a handler and never blocks on one.
func (b *Broker) Publish(cs types.ChangeSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.revision = cs.Revision
	for _, s := range b.subtrees {
		touched := false
		for i := range cs.Changes {
			if s.fold(&cs.Changes[i]) {
				touched = true
			}
		}
		if touched {
			s.revision = cs.Revision
			b.armLocked(&s.timer, func() { b.flush(s) })
		}
	}
}

// Notify folds a working copy event into every working copy subscriber.
func (b *Broker) Notify(ev types.WorkingCopyEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, c := range b.copies {
		c.fold(ev)
		b.armLocked(&c.timer, func() { b.flushCopies(c) })
	}
}

// Close delivers every pending batch and drops all subscriptions. Later
// Subscribe calls fail with ErrEngineClosed; Publish and Notify become
// no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subtrees))
	for _, s := range b.subtrees {
		subs = append(subs, s)
	}
	copies := make([]*copySubscriber, 0, len(b.copies))
	for _, c := range b.copies {
		copies = append(copies, c)
	}
	clear(b.subtrees)
	clear(b.copies)
	b.mu.Unlock()

	for _, s := range subs {
		b.flush(s)
	}
	for _, c := range copies {
		b.flushCopies(c)
	}
	b.observer.SubscribersChanged(0)
}

// armLocked starts the batch timer unless one is already running.
// The caller must hold b.mu.
func (b *Broker) armLocked(t *clock.Timer, fire func()) {
	if *t != nil {
		return
	}
	*t = b.clock.AfterFunc(b.window, fire)
}

// flush takes s's pending batch and hands it to the handler. Deliveries to
// one subscriber never overlap and arrive in batch order.
func (b *Broker) flush(s *subscriber) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	b.mu.Lock()
	out := s.takeLocked()
	b.mu.Unlock()
	if out.Empty() {
		return
	}
	b.deliver(KindSubtree, s.info.SubscriptionID, eventCount(out), func() { s.handler(out) })
}

func (b *Broker) flushCopies(c *copySubscriber) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	b.mu.Lock()
	out := c.takeLocked()
	b.mu.Unlock()
	if len(out.Upserted) == 0 && len(out.Removed) == 0 {
		return
	}
	b.deliver(KindWorkingCopies, c.id, len(out.Upserted)+len(out.Removed), func() { c.handler(out) })
}

// deliver runs a handler. A panicking handler is logged and otherwise
// ignored so that other subscribers keep receiving updates.
func (b *Broker) deliver(kind string, id types.SubscriptionID, events int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscription handler panicked", "subscription_id", id, "kind", kind, "panic", r)
		}
	}()
	b.observer.BatchDelivered(kind, events)
	fn()
}
