package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/internal/engine"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	conns int
}

func (o *recordingObserver) RequestServed(service, method string, code types.ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, service+"."+method+":"+string(code))
}

func (o *recordingObserver) ConnectionsChanged(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns += delta
}

func (o *recordingObserver) open() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns
}

type harness struct {
	engine   *engine.Engine
	clock    *clock.Fake
	server   *httptest.Server
	observer *recordingObserver
	tree     types.Tree
}

func setupServer(t *testing.T) *harness {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	e, err := engine.Open(types.Config{Backend: types.BackendBadger, InMemory: true}, engine.WithClock(fc))
	require.NoError(t, err)
	obs := &recordingObserver{}
	srv := httptest.NewServer(NewServer(e, WithObserver(obs)))
	t.Cleanup(func() {
		srv.Close()
		e.Close()
	})
	h := &harness{engine: e, clock: fc, server: srv, observer: obs}

	c := h.dial(t)
	require.NoError(t, c.result(ServiceMutation, "createTree", map[string]string{"name": "Workspace"}, &h.tree))
	c.ws.Close()
	return h
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	seq    int
	pushes []frame
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + Path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(service, method string, params any) string {
	c.t.Helper()
	c.seq++
	id := strconv.Itoa(c.seq)
	raw, err := json.Marshal(params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Request{ID: id, Service: service, Method: method, Params: raw}))
	return id
}

func (c *client) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(c.t, c.ws.ReadJSON(&f))
	return f
}

// call sends a request and returns its response, collecting any pushes
// that arrive first.
func (c *client) call(service, method string, params any) frame {
	c.t.Helper()
	id := c.send(service, method, params)
	for {
		f := c.next()
		if f.Subscription != "" {
			c.pushes = append(c.pushes, f)
			continue
		}
		require.Equal(c.t, id, f.ID)
		return f
	}
}

// result calls and decodes a successful result into out.
func (c *client) result(service, method string, params, out any) error {
	c.t.Helper()
	f := c.call(service, method, params)
	if f.Error != nil {
		return f.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(f.Result, out)
}

func (c *client) create(parent types.NodeID, name string) types.NodeID {
	c.t.Helper()
	var res types.CommandResult
	require.NoError(c.t, c.result(ServiceMutation, "createNode", types.CreateNodePayload{
		ParentID: parent, Name: name, NodeType: "folder",
	}, &res))
	require.True(c.t, res.Success, "%v", res.Err())
	return res.CreatedNodeIDs[0]
}

func TestQueryAndMutation(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)
	a := c.create(h.tree.RootNodeID, "a")
	c.create(a, "b")

	var kids []types.TreeNode
	require.NoError(t, c.result(ServiceQuery, "getChildren", nodeParams{NodeID: a}, &kids))
	require.Len(t, kids, 1)
	assert.Equal(t, "b", kids[0].Name)

	var anc []types.TreeNode
	require.NoError(t, c.result(ServiceQuery, "getAncestors", nodeParams{NodeID: kids[0].ID}, &anc))
	assert.Len(t, anc, 2)

	var found []types.TreeNode
	require.NoError(t, c.result(ServiceQuery, "searchNodes", searchParams{Query: "B"}, &found))
	require.Len(t, found, 1)

	var ok bool
	require.NoError(t, c.result(ServiceQuery, "canDrop", canDropParams{NodeIDs: []types.NodeID{a}, TargetID: kids[0].ID}, &ok))
	assert.False(t, ok)

	var depths historyDepths
	require.NoError(t, c.result(ServiceQuery, "historyDepth", nil, &depths))
	assert.Equal(t, historyDepths{Undo: 2}, depths)

	var res types.CommandResult
	require.NoError(t, c.result(ServiceMutation, "undo", nil, &res))
	assert.True(t, res.Success)
}

func TestErrorsComeBackAsResponses(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	f := c.call(ServiceQuery, "getNode", nodeParams{NodeID: "missing"})
	require.NotNil(t, f.Error)
	assert.Equal(t, types.CodeNotFound, f.Error.Code)
	assert.ErrorIs(t, f.Error, types.ErrNotFound)

	f = c.call(ServiceQuery, "dropTables", nil)
	require.NotNil(t, f.Error)
	assert.Equal(t, types.CodeInvalidCommand, f.Error.Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = c.next()
	require.NotNil(t, f.Error)
	assert.Equal(t, types.CodeInvalidCommand, f.Error.Code)

	var trees []types.Tree
	require.NoError(t, c.result(ServiceQuery, "listTrees", nil, &trees), "connection survives a bad frame")
	assert.Len(t, trees, 1)
}

func TestCommandFailuresAreResults(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)
	a := c.create(h.tree.RootNodeID, "a")
	b := c.create(a, "b")

	var res types.CommandResult
	require.NoError(t, c.result(ServiceMutation, "moveNodes", types.MoveNodesPayload{NodeIDs: []types.NodeID{a}, ToParentID: b}, &res))
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.CodeCyclicMove, res.Error.Code)

	require.NoError(t, c.result(ServiceMutation, "createNode", map[string]any{"parent_id": a}, &res))
	assert.False(t, res.Success)
	assert.Equal(t, types.CodeInvalidCommand, res.Error.Code)

	h.observer.mu.Lock()
	assert.Contains(t, h.observer.calls, "mutation.moveNodes:CyclicMove")
	h.observer.mu.Unlock()
}

func TestExecuteEnvelope(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	var res types.CommandResult
	require.NoError(t, c.result(ServiceMutation, "execute", map[string]any{
		"type":     "createNode",
		"group_id": "drag",
		"payload":  map[string]any{"parent_id": h.tree.RootNodeID, "name": "x", "node_type": "doc"},
	}, &res))
	require.True(t, res.Success, "%v", res.Err())
	assert.NotEmpty(t, res.CommandID)

	require.NoError(t, c.result(ServiceMutation, "execute", map[string]any{"type": "fly"}, &res))
	assert.False(t, res.Success)
	assert.Equal(t, types.CodeInvalidCommand, res.Error.Code)
}

func TestWorkingCopyMethods(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	var wc types.WorkingCopy
	require.NoError(t, c.result(ServiceMutation, "createDraftWorkingCopy", draftParams{
		NodeType: "doc", ParentID: h.tree.RootNodeID, Fields: types.NameField("draft"),
	}, &wc))

	var v validation
	require.NoError(t, c.result(ServiceMutation, "validateWorkingCopy", workingCopyParams{WorkingCopyID: wc.WorkingCopyID}, &v))
	assert.True(t, v.Valid)

	require.NoError(t, c.result(ServiceMutation, "updateWorkingCopy", updateParams{
		WorkingCopyID: wc.WorkingCopyID, Fields: types.NameField(""),
	}, &wc))
	require.NoError(t, c.result(ServiceMutation, "validateWorkingCopy", workingCopyParams{WorkingCopyID: wc.WorkingCopyID}, &v))
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Errors)

	var removed cleanup
	require.NoError(t, c.result(ServiceMutation, "cleanupOldWorkingCopies", cleanupParams{OlderThan: "0s"}, &removed))
	assert.Equal(t, 0, removed.Removed)
	f := c.call(ServiceMutation, "cleanupOldWorkingCopies", cleanupParams{OlderThan: "soon"})
	require.NotNil(t, f.Error)

	require.NoError(t, c.result(ServiceMutation, "discardAllWorkingCopies", nil, nil))
	var list []types.WorkingCopy
	require.NoError(t, c.result(ServiceQuery, "listWorkingCopies", nil, &list))
	assert.Empty(t, list)
}

func TestSubscriptionPushes(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	var snap engine.Snapshot
	require.NoError(t, c.result(ServiceObservable, "subscribeChildren", subscribeParams{RootID: h.tree.RootNodeID}, &snap))
	assert.Equal(t, 1, snap.Subscription.Depth)
	require.Len(t, snap.Nodes, 1)

	child := c.create(h.tree.RootNodeID, "child")
	h.clock.Advance(types.DefaultBatchWindow)

	f := c.next()
	assert.Equal(t, snap.Subscription.SubscriptionID, f.Subscription)
	var ev types.SubTreeChanges
	require.NoError(t, json.Unmarshal(f.Event, &ev))
	require.Len(t, ev.Added, 1)
	assert.Equal(t, child, ev.Added[0].ID)

	require.NoError(t, c.result(ServiceObservable, "unsubscribe", subscriptionParams{SubscriptionID: snap.Subscription.SubscriptionID}, nil))
	f = c.call(ServiceObservable, "unsubscribe", subscriptionParams{SubscriptionID: snap.Subscription.SubscriptionID})
	require.NotNil(t, f.Error)
	assert.Equal(t, types.CodeNotFound, f.Error.Code)
}

func TestWorkingCopyPushes(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	var sub workingCopySubscription
	require.NoError(t, c.result(ServiceObservable, "subscribeWorkingCopies", nil, &sub))
	assert.Empty(t, sub.WorkingCopies)

	var wc types.WorkingCopy
	require.NoError(t, c.result(ServiceMutation, "createDraftWorkingCopy", draftParams{
		NodeType: "doc", ParentID: h.tree.RootNodeID, Fields: types.NameField("draft"),
	}, &wc))
	h.clock.Advance(types.DefaultBatchWindow)

	f := c.next()
	assert.Equal(t, sub.SubscriptionID, f.Subscription)
	var ev types.WorkingCopyChanges
	require.NoError(t, json.Unmarshal(f.Event, &ev))
	require.Len(t, ev.Upserted, 1)
	assert.Equal(t, wc.WorkingCopyID, ev.Upserted[0].WorkingCopyID)
}

func TestSubscriptionsBelongToTheirConnection(t *testing.T) {
	h := setupServer(t)
	owner := h.dial(t)
	other := h.dial(t)

	var snap engine.Snapshot
	require.NoError(t, owner.result(ServiceObservable, "subscribeSubtree", subscribeParams{RootID: h.tree.RootNodeID}, &snap))
	assert.Equal(t, types.DefaultSubscriptionDepth, snap.Subscription.Depth)

	f := other.call(ServiceObservable, "unsubscribe", subscriptionParams{SubscriptionID: snap.Subscription.SubscriptionID})
	require.NotNil(t, f.Error)
	assert.Equal(t, types.CodeNotFound, f.Error.Code)
	require.Len(t, h.engine.Subscriptions(), 1)

	require.NoError(t, owner.ws.Close())
	assert.Eventually(t, func() bool { return len(h.engine.Subscriptions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRequestsAnsweredInOrder(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)

	var ids []string
	for i := range 5 {
		ids = append(ids, c.send(ServiceMutation, "createNode", types.CreateNodePayload{
			ParentID: h.tree.RootNodeID, Name: "n" + strconv.Itoa(i), NodeType: "folder",
		}))
	}
	for _, id := range ids {
		assert.Equal(t, id, c.next().ID)
	}

	var kids []types.TreeNode
	require.NoError(t, c.result(ServiceQuery, "getChildren", nodeParams{NodeID: h.tree.RootNodeID}, &kids))
	require.Len(t, kids, 5)
	for i, k := range kids {
		assert.Equal(t, "n"+strconv.Itoa(i), k.Name)
	}
}

func TestConnectionGauge(t *testing.T) {
	h := setupServer(t)
	c := h.dial(t)
	require.NoError(t, c.result(ServiceQuery, "listTrees", nil, nil))
	assert.Eventually(t, func() bool { return h.observer.open() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.ws.Close())
	assert.Eventually(t, func() bool { return h.observer.open() == 0 }, 5*time.Second, 10*time.Millisecond)
}
