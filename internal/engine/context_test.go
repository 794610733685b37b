package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/models"
)

func linearContext() *ExecutionContext {
	ec := NewExecutionContext("wi-1")
	ec.RegisterNode("n-start", "b-start", models.NodeTypeStart)
	ec.RegisterNode("n-a", "b-a", models.NodeTypeProcessor)
	ec.RegisterNode("n-end", "b-end", models.NodeTypeEnd)
	ec.RegisterDependency("n-start", "n-a", nil)
	ec.RegisterDependency("n-a", "n-end", nil)
	ec.MarkReady("n-start")
	return ec
}

func TestMarkCompletedPromotesSuccessors(t *testing.T) {
	ec := linearContext()

	ready := ec.GetReadyNodes()
	require.Equal(t, []string{"n-start"}, ready)

	newly := ec.MarkCompleted("n-start", map[string]interface{}{"x": 1})
	assert.Equal(t, []string{"n-a"}, newly)
	assert.Equal(t, StateReady, ec.State("n-a"))
	assert.Equal(t, StatePending, ec.State("n-end"))

	out, ok := ec.Output("n-start")
	require.True(t, ok)
	assert.Equal(t, 1, out["x"])
}

// Dispatch uniqueness: a node instance comes out of GetReadyNodes at most
// once per context lifetime, no matter how often it is re-queued.
func TestGetReadyNodesReturnsEachNodeOnce(t *testing.T) {
	ec := linearContext()

	first := ec.GetReadyNodes()
	require.Equal(t, []string{"n-start"}, first)
	assert.Empty(t, ec.GetReadyNodes())

	ec.MarkCompleted("n-start", map[string]interface{}{})
	require.Equal(t, []string{"n-a"}, ec.GetReadyNodes())
	assert.Empty(t, ec.GetReadyNodes())

	// Re-marking completed must not re-trigger the successor.
	ec.MarkCompleted("n-start", map[string]interface{}{})
	assert.Empty(t, ec.GetReadyNodes())
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	ec := linearContext()
	ec.GetReadyNodes()

	first := ec.MarkCompleted("n-start", map[string]interface{}{"v": "one"})
	second := ec.MarkCompleted("n-start", map[string]interface{}{"v": "two"})
	assert.NotEmpty(t, first)
	assert.Empty(t, second)

	out, _ := ec.Output("n-start")
	assert.Equal(t, "one", out["v"], "first output wins")
}

func TestFanInWaitsForAllUpstream(t *testing.T) {
	ec := NewExecutionContext("wi-2")
	for _, id := range []string{"a", "b", "c"} {
		ec.RegisterNode("n-"+id, "b-"+id, models.NodeTypeProcessor)
	}
	ec.RegisterDependency("n-a", "n-c", nil)
	ec.RegisterDependency("n-b", "n-c", nil)

	assert.Empty(t, ec.MarkCompleted("n-a", map[string]interface{}{}))
	assert.Equal(t, StatePending, ec.State("n-c"))

	newly := ec.MarkCompleted("n-b", map[string]interface{}{})
	assert.Equal(t, []string{"n-c"}, newly)
}

func TestConditionEdgeSkipRecorded(t *testing.T) {
	ec := NewExecutionContext("wi-3")
	ec.RegisterNode("n-a", "b-a", models.NodeTypeProcessor)
	ec.RegisterNode("n-b", "b-b", models.NodeTypeProcessor)
	ec.RegisterDependency("n-a", "n-b", models.JSONMap{"path": "go", "op": "eq", "value": true})

	newly := ec.MarkCompleted("n-a", map[string]interface{}{"go": false})
	assert.Equal(t, []string{"n-b"}, newly, "skip edge still satisfies the dependency")
	assert.True(t, ec.SkippedSources("n-b")["n-a"])
}

// Snapshot round-trip: every observable field survives.
func TestSnapshotRoundTrip(t *testing.T) {
	ec := linearContext()
	ec.GetReadyNodes()
	ec.MarkCompleted("n-start", map[string]interface{}{"deep": map[string]interface{}{"k": "v"}})
	ec.GetReadyNodes()
	ec.MarkExecuting("n-a")

	snap := ec.Snapshot()

	restored := NewExecutionContext("other")
	restored.RestoreFromSnapshot(snap)

	assert.Equal(t, ec.InstanceID, restored.InstanceID)
	assert.Equal(t, ec.State("n-start"), restored.State("n-start"))
	assert.Equal(t, ec.State("n-a"), restored.State("n-a"))
	assert.Equal(t, ec.State("n-end"), restored.State("n-end"))

	origOut, _ := ec.Output("n-start")
	restoredOut, ok := restored.Output("n-start")
	require.True(t, ok)
	assert.Equal(t, origOut, restoredOut)

	// Dispatch uniqueness carries across restore.
	assert.Empty(t, restored.GetReadyNodes())

	id, ok := restored.InstanceForBase("b-a")
	require.True(t, ok)
	assert.Equal(t, "n-a", id)
}

// A snapshot is a deep copy: mutating the original afterwards must not
// leak into a context restored from it.
func TestSnapshotIsDeepCopy(t *testing.T) {
	ec := linearContext()
	ec.GetReadyNodes()
	ec.MarkCompleted("n-start", map[string]interface{}{"nested": map[string]interface{}{"n": float64(1)}})

	snap := ec.Snapshot()
	out, _ := ec.Output("n-start")
	out["nested"].(map[string]interface{})["n"] = float64(99)

	restored := NewExecutionContext("x")
	restored.RestoreFromSnapshot(snap)
	restoredOut, _ := restored.Output("n-start")
	assert.Equal(t, float64(1), restoredOut["nested"].(map[string]interface{})["n"])
}

func TestHealthCheckFlagsUndispatchedReady(t *testing.T) {
	ec := linearContext()
	ec.GetReadyNodes()
	ec.MarkCompleted("n-start", map[string]interface{}{})
	// n-a is READY, nothing dispatched since.
	time.Sleep(2 * time.Millisecond)

	report := ec.HealthCheck(time.Millisecond, nil)
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Reasons, "ready_not_dispatched")
}

func TestHealthCheckFlagsDivergence(t *testing.T) {
	ec := linearContext()
	report := ec.HealthCheck(time.Hour, map[string]models.NodeInstanceStatus{
		"n-a": models.NodeInstanceCompleted, // persisted says done, memory says pending
	})
	assert.False(t, report.Healthy)
	assert.Contains(t, report.Reasons, "state_divergence:n-a")
}

func TestReadyNow(t *testing.T) {
	ec := linearContext()
	ec.GetReadyNodes() // drained, but start is still READY until executing
	assert.Equal(t, []string{"n-start"}, ec.ReadyNow())

	ec.MarkExecuting("n-start")
	assert.Empty(t, ec.ReadyNow())
}
