package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

func TestCommandCounters(t *testing.T) {
	m := New(nil)
	m.CommandExecuted(types.CommandCreateNode, "", 2*time.Millisecond)
	m.CommandExecuted(types.CommandCreateNode, "", time.Millisecond)
	m.CommandExecuted(types.CommandMoveNodes, types.CodeCyclicMove, time.Millisecond)
	m.TransactionRetried(types.CommandMoveNodes)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("createNode", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("moveNodes", "CyclicMove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("moveNodes")))
}

func TestSubscriptionAndSweepMetrics(t *testing.T) {
	m := New(nil)
	m.SubscribersChanged(3)
	m.BatchDelivered("subtree", 4)
	m.CopiesExpired(2)
	m.CopiesExpired(0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("subtree")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweptCopies))
}

func TestRPCMetrics(t *testing.T) {
	m := New(nil)
	m.RequestServed("query", "getNode", "")
	m.RequestServed("query", "getNode", types.CodeNotFound)
	m.ConnectionsChanged(1)
	m.ConnectionsChanged(1)
	m.ConnectionsChanged(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("query", "getNode", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("query", "getNode", "NotFound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
}

func TestSeparateRegistries(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.NotPanics(t, func() { New(nil) })
	assert.Panics(t, func() { New(reg) }, "duplicate registration")
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.CommandExecuted(types.CommandUndo, types.CodeNothingToUndo, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `canopy_pipeline_commands_total{code="NothingToUndo",type="undo"} 1`)
}
