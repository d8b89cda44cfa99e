package subscription

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

// The fixture forest: r -> a -> a1 -> a1x, plus r -> b and a second tree
// rooted at other.
var paths = map[types.NodeID][]types.NodeID{
	"r":     nil,
	"a":     {"r"},
	"b":     {"r"},
	"a1":    {"a", "r"},
	"a1x":   {"a1", "a", "r"},
	"other": nil,
	"o1":    {"other"},
}

func node(id, parent types.NodeID, name string) *types.TreeNode {
	return &types.TreeNode{ID: id, ParentNodeID: parent, Name: name, NodeType: "folder", Version: 1}
}

func change(before, after *types.TreeNode, beforeIndex, afterIndex int) types.NodeChange {
	ch := types.NodeChange{NodeID: pick(before, after).ID, Before: before, After: after, BeforeIndex: beforeIndex, AfterIndex: afterIndex}
	if before != nil {
		ch.BeforePath = pathUnder(before.ParentNodeID)
	}
	if after != nil {
		ch.AfterPath = pathUnder(after.ParentNodeID)
	}
	return ch
}

func pick(a, b *types.TreeNode) *types.TreeNode {
	if a != nil {
		return a
	}
	return b
}

// pathUnder returns the ancestor path of a child of parent.
func pathUnder(parent types.NodeID) []types.NodeID {
	if parent == types.NoParent {
		return nil
	}
	return append([]types.NodeID{parent}, paths[parent]...)
}

type collector struct {
	mu  sync.Mutex
	got []types.SubTreeChanges
}

func (c *collector) handle(ch types.SubTreeChanges) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ch)
}

func (c *collector) batches() []types.SubTreeChanges {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.SubTreeChanges(nil), c.got...)
}

func setupBroker(t *testing.T) (*Broker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	b := New(WithClock(fc))
	t.Cleanup(b.Close)
	return b, fc
}

func subscribe(t *testing.T, b *Broker, root types.NodeID, depth int) (*collector, types.Subscription) {
	t.Helper()
	c := &collector{}
	sub, err := b.Subscribe(root, depth, c.handle)
	require.NoError(t, err)
	return c, sub
}

func publish(b *Broker, rev int64, changes ...types.NodeChange) {
	b.Publish(types.ChangeSet{Revision: rev, Changes: changes})
}

func addedIDs(c types.SubTreeChanges) []types.NodeID {
	var ids []types.NodeID
	for _, n := range c.Added {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestScopeByDepth(t *testing.T) {
	tests := []struct {
		name  string
		root  types.NodeID
		depth int
		want  []types.NodeID
	}{
		{"node only", "a", 0, nil},
		{"children", "r", 1, []types.NodeID{"b"}},
		{"default depth", "r", types.DefaultSubscriptionDepth, []types.NodeID{"b", "a1"}},
		{"unbounded", "r", types.UnboundedDepth, []types.NodeID{"b", "a1", "a1x"}},
		{"inner root", "a", 1, []types.NodeID{"a1"}},
		{"other tree", "other", types.UnboundedDepth, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, fc := setupBroker(t)
			c, _ := subscribe(t, b, tt.root, tt.depth)
			publish(b, 1,
				change(nil, node("b", "r", "b"), 0, 1),
				change(nil, node("a1", "a", "a1"), 0, 0),
				change(nil, node("a1x", "a1", "a1x"), 0, 0),
			)
			fc.Advance(types.DefaultBatchWindow)

			got := c.batches()
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, addedIDs(got[0]))
		})
	}
}

func TestWatchedNodeItself(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "a", 0)

	renamed := node("a", "r", "renamed")
	renamed.Version = 2
	publish(b, 1, change(node("a", "r", "a"), renamed, 0, 0))
	fc.Advance(types.DefaultBatchWindow)

	got := c.batches()
	require.Len(t, got, 1)
	require.Len(t, got[0].Updated, 1)
	assert.Equal(t, "renamed", got[0].Updated[0].Changes["name"])
	assert.Equal(t, int64(2), got[0].Updated[0].Changes["version"])
}

func TestCoalescesWithinWindow(t *testing.T) {
	b, fc := setupBroker(t)
	c, sub := subscribe(t, b, "r", 2)

	v1 := node("n", "r", "one")
	v2 := node("n", "r", "two")
	v2.Version = 2
	v3 := node("n", "r", "three")
	v3.Version = 3
	publish(b, 1, change(nil, v1, 0, 0))
	fc.Advance(40 * time.Millisecond)
	publish(b, 2, change(v1, v2, 0, 0))
	fc.Advance(40 * time.Millisecond)
	publish(b, 3, change(v2, v3, 0, 0))

	fc.Advance(19 * time.Millisecond)
	assert.Empty(t, c.batches(), "window still open")

	fc.Advance(time.Millisecond)
	got := c.batches()
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].Revision)
	assert.Equal(t, sub.SubscriptionID, got[0].SubscriptionID)
	require.Len(t, got[0].Added, 1)
	assert.Equal(t, "three", got[0].Added[0].Name, "latest state wins")
	assert.Empty(t, got[0].Updated)

	info, err := b.Get(sub.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.LastDeliveredVersion)

	fc.Advance(time.Second)
	assert.Len(t, c.batches(), 1, "no empty deliveries")
}

func TestLaterUpdateWinsPerField(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "r", 2)

	base := node("a", "r", "a")
	base.Properties = map[string]any{"color": "red"}
	mid := base.Clone()
	mid.Name = "first"
	mid.Version = 2
	last := mid.Clone()
	last.Name = "second"
	last.Properties = map[string]any{"color": "blue"}
	last.Version = 3
	publish(b, 1, change(base, mid, 0, 0))
	publish(b, 2, change(mid, last, 0, 0))
	fc.Advance(types.DefaultBatchWindow)

	got := c.batches()
	require.Len(t, got, 1)
	require.Len(t, got[0].Updated, 1)
	changes := got[0].Updated[0].Changes
	assert.Equal(t, "second", changes["name"])
	assert.Equal(t, map[string]any{"color": "blue"}, changes["properties"])
}

func TestAddedThenRemovedCancels(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "r", 2)

	n := node("tmp", "r", "tmp")
	publish(b, 1, change(nil, n, 0, 0))
	publish(b, 2, change(n, nil, 0, 0))
	fc.Advance(types.DefaultBatchWindow)

	assert.Empty(t, c.batches())
}

func TestRemovedThenRestoredIsSilent(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "r", 2)

	n := node("b", "r", "b")
	back := node("b", "r", "b")
	back.Version = 3
	publish(b, 1, change(n, nil, 0, 0))
	publish(b, 2, change(nil, back, 0, 0))
	fc.Advance(types.DefaultBatchWindow)

	assert.Empty(t, c.batches(), "only bookkeeping changed")
}

func TestMovesAcrossScope(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "a", 1)

	publish(b, 1,
		change(node("b", "r", "b"), node("b", "a", "b"), 1, 1),
		change(node("a1", "a", "a1"), node("a1", "r", "a1"), 0, 2),
		change(node("o1", "other", "o1"), node("o1", "other", "o1"), 0, 3),
	)
	fc.Advance(types.DefaultBatchWindow)

	got := c.batches()
	require.Len(t, got, 1)
	assert.Equal(t, []types.NodeID{"b"}, addedIDs(got[0]), "moved into scope")
	assert.Equal(t, []types.NodeID{"a1"}, got[0].Removed, "moved out of scope")
	assert.Empty(t, got[0].Moved)
}

func TestMoveWithinScope(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "r", types.UnboundedDepth)

	publish(b, 1, change(node("b", "r", "b"), node("b", "a", "b"), 1, 1))
	publish(b, 2, change(node("a1", "a", "a1"), node("a1", "a", "a1"), 0, 2))
	fc.Advance(types.DefaultBatchWindow)

	got := c.batches()
	require.Len(t, got, 1)
	assert.Equal(t, []types.MovedNode{
		{NodeID: "b", OldParentID: "r", NewParentID: "a", OldIndex: 1, NewIndex: 1},
		{NodeID: "a1", OldParentID: "a", NewParentID: "a", OldIndex: 0, NewIndex: 2},
	}, got[0].Moved)
	assert.Empty(t, got[0].Added)
	assert.Empty(t, got[0].Updated)
}

func TestMoveAndBackIsSilent(t *testing.T) {
	b, fc := setupBroker(t)
	c, _ := subscribe(t, b, "r", types.UnboundedDepth)

	publish(b, 1, change(node("b", "r", "b"), node("b", "a", "b"), 1, 0))
	publish(b, 2, change(node("b", "a", "b"), node("b", "r", "b"), 0, 1))
	fc.Advance(types.DefaultBatchWindow)

	assert.Empty(t, c.batches())
}

func TestUnsubscribeFlushes(t *testing.T) {
	b, fc := setupBroker(t)
	c, sub := subscribe(t, b, "r", 2)

	publish(b, 1, change(nil, node("n", "r", "n"), 0, 0))
	require.Equal(t, 1, fc.Pending())

	require.NoError(t, b.Unsubscribe(sub.SubscriptionID))
	got := c.batches()
	require.Len(t, got, 1, "delivered without waiting for the window")
	assert.Len(t, got[0].Added, 1)
	assert.Zero(t, fc.Pending())

	publish(b, 2, change(nil, node("m", "r", "m"), 0, 1))
	fc.Advance(time.Second)
	assert.Len(t, c.batches(), 1)

	assert.ErrorIs(t, b.Unsubscribe(sub.SubscriptionID), types.ErrNotFound)
	_, err := b.Get(sub.SubscriptionID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSubscribersAreIndependent(t *testing.T) {
	b, fc := setupBroker(t)
	_, err := b.Subscribe("r", 2, func(types.SubTreeChanges) { panic("bad observer") })
	require.NoError(t, err)
	c, _ := subscribe(t, b, "r", 2)
	quiet, _ := subscribe(t, b, "other", 2)

	publish(b, 1, change(nil, node("n", "r", "n"), 0, 0))
	fc.Advance(types.DefaultBatchWindow)

	assert.Len(t, c.batches(), 1)
	assert.Empty(t, quiet.batches())
	assert.Len(t, b.List(), 3)
}

func TestSubscribeValidation(t *testing.T) {
	b, _ := setupBroker(t)
	_, err := b.Subscribe("r", -2, func(types.SubTreeChanges) {})
	assert.ErrorIs(t, err, types.ErrInvalidCommand)
	_, err = b.Subscribe("r", 1, nil)
	assert.ErrorIs(t, err, types.ErrInvalidCommand)

	single, err := b.SubscribeNode("r", func(types.SubTreeChanges) {})
	require.NoError(t, err)
	assert.Zero(t, single.Depth)
	kids, err := b.SubscribeChildren("r", func(types.SubTreeChanges) {})
	require.NoError(t, err)
	assert.Equal(t, 1, kids.Depth)
}

func TestSubscriptionStartsAtCurrentRevision(t *testing.T) {
	b, _ := setupBroker(t)
	publish(b, 7)
	_, sub := subscribe(t, b, "r", 2)
	assert.Equal(t, int64(7), sub.LastDeliveredVersion)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(WithClock(fc))
	c, _ := subscribe(t, b, "r", 2)
	publish(b, 1, change(nil, node("n", "r", "n"), 0, 0))

	b.Close()
	assert.Len(t, c.batches(), 1)
	_, err := b.Subscribe("r", 2, c.handle)
	assert.ErrorIs(t, err, types.ErrEngineClosed)
	_, err = b.SubscribeWorkingCopies(func(types.WorkingCopyChanges) {})
	assert.ErrorIs(t, err, types.ErrEngineClosed)
	b.Close()
}

func TestWorkingCopyStream(t *testing.T) {
	b, fc := setupBroker(t)
	var mu sync.Mutex
	var got []types.WorkingCopyChanges
	id, err := b.SubscribeWorkingCopies(func(ch types.WorkingCopyChanges) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ch)
	})
	require.NoError(t, err)

	draft := &types.WorkingCopy{WorkingCopyID: "wc-1"}
	edited := &types.WorkingCopy{WorkingCopyID: "wc-1", IsDirty: true}
	b.Notify(types.WorkingCopyEvent{WorkingCopyID: "wc-1", Copy: draft})
	b.Notify(types.WorkingCopyEvent{WorkingCopyID: "wc-1", Copy: edited})
	b.Notify(types.WorkingCopyEvent{WorkingCopyID: "wc-2", Copy: &types.WorkingCopy{WorkingCopyID: "wc-2"}})
	b.Notify(types.WorkingCopyEvent{WorkingCopyID: "wc-2"})
	fc.Advance(types.DefaultBatchWindow)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].SubscriptionID)
	assert.Equal(t, []*types.WorkingCopy{edited}, got[0].Upserted)
	assert.Equal(t, []types.WorkingCopyID{"wc-2"}, got[0].Removed)
	mu.Unlock()

	b.Notify(types.WorkingCopyEvent{WorkingCopyID: "wc-1"})
	require.NoError(t, b.Unsubscribe(id))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, []types.WorkingCopyID{"wc-1"}, got[1].Removed)
}
