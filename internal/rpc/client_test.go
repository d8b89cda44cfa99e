package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

func dialClient(t *testing.T, h *harness) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(h.server.URL, "http")+Path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCallsAndNotifications(t *testing.T) {
	h := setupServer(t)
	c := dialClient(t, h)
	ctx := context.Background()

	var trees []types.Tree
	require.NoError(t, c.Call(ctx, ServiceQuery, "listTrees", nil, &trees))
	require.Len(t, trees, 1)

	var snap engine.Snapshot
	require.NoError(t, c.Call(ctx, ServiceObservable, "subscribeSubtree", subscribeParams{RootID: trees[0].RootNodeID}, &snap))

	var res types.CommandResult
	require.NoError(t, c.Call(ctx, ServiceMutation, "createNode", types.CreateNodePayload{
		ParentID: trees[0].RootNodeID, Name: "pushed", NodeType: "folder",
	}, &res))
	require.True(t, res.Success)
	h.clock.Advance(types.DefaultBatchWindow)

	select {
	case n := <-c.Notifications():
		assert.Equal(t, snap.Subscription.SubscriptionID, n.Subscription)
		var ev types.SubTreeChanges
		require.NoError(t, json.Unmarshal(n.Event, &ev))
		require.Len(t, ev.Added, 1)
		assert.Equal(t, "pushed", ev.Added[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}
}

func TestClientReturnsResultErrors(t *testing.T) {
	h := setupServer(t)
	c := dialClient(t, h)

	err := c.Call(context.Background(), ServiceQuery, "getNode", nodeParams{NodeID: "nope"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClientAfterClose(t *testing.T) {
	h := setupServer(t)
	c := dialClient(t, h)
	require.NoError(t, c.Close())

	err := c.Call(context.Background(), ServiceQuery, "listTrees", nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, open := <-c.Notifications()
	assert.False(t, open)
}
